package authority

import (
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	registry, err := NewRegistry([]RegistryEntry{
		{Prefix: "HIPAA", Tier: TierDomain, Authority: AuthorityMandatory},
		{Prefix: "PCI", Tier: TierDomain, Authority: AuthorityMandatory},
		{Prefix: "GO-STYLE", Tier: TierProfessional, Authority: AuthorityStrong},
		{Prefix: "GO-STYLE-NAMING", Tier: TierProfessional, Authority: AuthorityAdvisory},
		{Prefix: "HOUSE", Tier: TierStandard, Authority: AuthorityDefault},
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry
}

// TestResolveRegistryMatch tests direct prefix matching
func TestResolveRegistryMatch(t *testing.T) {
	registry := testRegistry(t)

	res := registry.Resolve("HIPAA-164.312")
	if res.Authority != AuthorityMandatory || res.Tier != TierDomain {
		t.Errorf("expected MANDATORY/domain, got %s/%s", res.Authority, res.Tier)
	}
	if res.MatchedBy != MatchRegistry || res.Prefix != "HIPAA" {
		t.Errorf("expected registry match on HIPAA, got %s on %q", res.MatchedBy, res.Prefix)
	}
}

// TestResolveLongestPrefixWins tests that the most specific entry matches
func TestResolveLongestPrefixWins(t *testing.T) {
	registry := testRegistry(t)

	res := registry.Resolve("GO-STYLE-NAMING-07")
	if res.Prefix != "GO-STYLE-NAMING" {
		t.Errorf("expected longest prefix GO-STYLE-NAMING, got %q", res.Prefix)
	}
	if res.Authority != AuthorityAdvisory {
		t.Errorf("expected ADVISORY from specific entry, got %s", res.Authority)
	}

	res = registry.Resolve("GO-STYLE-ERRORS-01")
	if res.Prefix != "GO-STYLE" || res.Authority != AuthorityStrong {
		t.Errorf("expected GO-STYLE/STRONG, got %q/%s", res.Prefix, res.Authority)
	}
}

// TestResolveInheritance tests that derived rule ids inherit their parent entry
func TestResolveInheritance(t *testing.T) {
	registry := testRegistry(t)

	parent := registry.Resolve("HIPAA")
	derived := registry.Resolve("DR-HIPAA-01")

	if derived.Authority != parent.Authority {
		t.Errorf("derived rule must inherit parent authority: %s vs %s",
			derived.Authority, parent.Authority)
	}
	if derived.Tier != parent.Tier {
		t.Errorf("derived rule must inherit parent tier: %s vs %s",
			derived.Tier, parent.Tier)
	}
	if derived.MatchedBy != MatchInherited || derived.Prefix != "HIPAA" {
		t.Errorf("expected inherited match on HIPAA, got %s on %q",
			derived.MatchedBy, derived.Prefix)
	}

	// Inheritance tracks the parent even when the marker's convention
	// default would differ.
	pro := registry.Resolve("DR-HOUSE-03")
	if pro.Authority != AuthorityDefault || pro.Tier != TierStandard {
		t.Errorf("DR-HOUSE-03 must inherit HOUSE standard/DEFAULT, got %s/%s",
			pro.Tier, pro.Authority)
	}
}

// TestResolveNamingConvention tests the DR-/PRO-/STD- fallbacks
func TestResolveNamingConvention(t *testing.T) {
	registry := testRegistry(t)

	cases := []struct {
		sourceID  string
		tier      Tier
		authority Authority
	}{
		{"DR-SOX-404", TierDomain, AuthorityMandatory},
		{"PRO-REST-NAMING", TierProfessional, AuthorityStrong},
		{"STD-LINT-GOVET", TierStandard, AuthorityDefault},
	}

	for _, tc := range cases {
		res := registry.Resolve(tc.sourceID)
		if res.Tier != tc.tier || res.Authority != tc.authority {
			t.Errorf("%s: expected %s/%s, got %s/%s",
				tc.sourceID, tc.tier, tc.authority, res.Tier, res.Authority)
		}
		if res.MatchedBy != MatchConvention {
			t.Errorf("%s: expected convention match, got %s", tc.sourceID, res.MatchedBy)
		}
	}
}

// TestResolveUnknown tests the final DEFAULT fallback
func TestResolveUnknown(t *testing.T) {
	registry := testRegistry(t)

	res := registry.Resolve("MYSTERY-42")
	if res.Authority != AuthorityDefault || res.Tier != TierStandard {
		t.Errorf("unregistered id must resolve standard/DEFAULT, got %s/%s",
			res.Tier, res.Authority)
	}
	if res.MatchedBy != MatchDefault {
		t.Errorf("expected default match, got %s", res.MatchedBy)
	}
}

// TestParseRegistry tests YAML loading and validation
func TestParseRegistry(t *testing.T) {
	data := []byte(`
sources:
  - prefix: HIPAA
    tier: domain
    authority: MANDATORY
    title: Health data handling rules
  - prefix: GO-STYLE
    tier: professional
    authority: STRONG
`)
	registry, err := ParseRegistry(data)
	if err != nil {
		t.Fatalf("failed to parse registry: %v", err)
	}
	if registry.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", registry.Len())
	}

	res := registry.Resolve("HIPAA-164")
	if res.Authority != AuthorityMandatory {
		t.Errorf("expected MANDATORY, got %s", res.Authority)
	}

	bad := []byte(`
sources:
  - prefix: HIPAA
    tier: cosmic
    authority: MANDATORY
`)
	if _, err := ParseRegistry(bad); err == nil {
		t.Errorf("expected error for invalid tier")
	}

	empty := []byte(`
sources:
  - prefix: ""
    tier: domain
    authority: MANDATORY
`)
	if _, err := ParseRegistry(empty); err == nil {
		t.Errorf("expected error for empty prefix")
	}
}

// TestSnapshot tests the ledger snapshot rendering
func TestSnapshot(t *testing.T) {
	registry := testRegistry(t)

	resolutions := registry.ResolveAll([]string{"DR-HIPAA-01", "STD-LINT"})
	snapshot := Snapshot(resolutions)

	want := "DR-HIPAA-01=MANDATORY(domain);STD-LINT=DEFAULT(standard)"
	if snapshot != want {
		t.Errorf("snapshot mismatch:\n got %s\nwant %s", snapshot, want)
	}

	if Snapshot(nil) != "" {
		t.Errorf("empty snapshot must render empty")
	}
}

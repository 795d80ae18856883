package authority

import "fmt"

// Tier classifies where a governance source draws its weight from.
type Tier string

const (
	// TierDomain covers regulatory and compliance sources (HIPAA, PCI, SOC2).
	TierDomain Tier = "domain"
	// TierProfessional covers engineering standards and style authorities.
	TierProfessional Tier = "professional"
	// TierStandard covers house conventions and local defaults.
	TierStandard Tier = "standard"
)

// Authority is the governance strength a resolved source carries.
type Authority string

const (
	// AuthorityMandatory admits no override. Missing evidence is a hard error.
	AuthorityMandatory Authority = "MANDATORY"
	// AuthorityStrong accepts a recorded justification in place of evidence.
	AuthorityStrong Authority = "STRONG"
	// AuthorityDefault passes implicitly.
	AuthorityDefault Authority = "DEFAULT"
	// AuthorityAdvisory is informational only.
	AuthorityAdvisory Authority = "ADVISORY"
)

// MatchKind records how a source id was resolved.
type MatchKind string

const (
	// MatchRegistry means the id matched a registry prefix directly.
	MatchRegistry MatchKind = "registry"
	// MatchInherited means a derived id (DR-/PRO-/STD-) matched its parent
	// registry entry after the derivation marker was stripped.
	MatchInherited MatchKind = "inherited"
	// MatchConvention means the id resolved by its naming convention alone.
	MatchConvention MatchKind = "convention"
	// MatchDefault means nothing matched and the id fell through to DEFAULT.
	MatchDefault MatchKind = "default"
)

// RegistryEntry maps a source-id prefix to its governance tier and authority.
// Entries are externally curated and read-only to the engine at runtime.
type RegistryEntry struct {
	// Prefix is matched against the leading characters of cited source ids.
	Prefix string `yaml:"prefix"`

	// Tier classifies the source.
	Tier Tier `yaml:"tier"`

	// Authority is the governance strength conferred on matches.
	Authority Authority `yaml:"authority"`

	// Title is an optional human-readable name for listings.
	Title string `yaml:"title,omitempty"`
}

// Validate checks a registry entry for well-formedness.
func (e *RegistryEntry) Validate() error {
	if e.Prefix == "" {
		return fmt.Errorf("registry entry prefix is required")
	}

	switch e.Tier {
	case TierDomain, TierProfessional, TierStandard:
	default:
		return fmt.Errorf("invalid tier %q for prefix %s", e.Tier, e.Prefix)
	}

	switch e.Authority {
	case AuthorityMandatory, AuthorityStrong, AuthorityDefault, AuthorityAdvisory:
	default:
		return fmt.Errorf("invalid authority %q for prefix %s", e.Authority, e.Prefix)
	}

	return nil
}

// Resolution is the outcome of resolving a single cited source id.
type Resolution struct {
	// SourceID is the id as cited by the task.
	SourceID string

	// Tier is the resolved governance tier.
	Tier Tier

	// Authority is the resolved governance strength.
	Authority Authority

	// Prefix is the registry prefix that matched, if any.
	Prefix string

	// MatchedBy records which resolution step produced the result.
	MatchedBy MatchKind
}

// String renders the resolution in the ledger snapshot form.
func (r Resolution) String() string {
	return fmt.Sprintf("%s=%s(%s)", r.SourceID, r.Authority, r.Tier)
}

// Snapshot renders a set of resolutions as a single ledger field, in the
// order the sources were cited.
func Snapshot(resolutions []Resolution) string {
	if len(resolutions) == 0 {
		return ""
	}
	out := ""
	for i, r := range resolutions {
		if i > 0 {
			out += ";"
		}
		out += r.String()
	}
	return out
}

package authority

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// derivation markers recognized by the naming convention, in match order.
var markers = []struct {
	marker    string
	tier      Tier
	authority Authority
}{
	{"DR-", TierDomain, AuthorityMandatory},
	{"PRO-", TierProfessional, AuthorityStrong},
	{"STD-", TierStandard, AuthorityDefault},
}

// Registry holds the curated source-id prefix table. It is immutable after
// construction; build a new one to pick up registry changes.
type Registry struct {
	entries []RegistryEntry
}

// registryFile is the on-disk YAML shape.
type registryFile struct {
	Sources []RegistryEntry `yaml:"sources"`
}

// NewRegistry builds a registry from entries. Entries are validated and
// sorted longest-prefix-first so resolution can stop at the first match.
func NewRegistry(entries []RegistryEntry) (*Registry, error) {
	sorted := make([]RegistryEntry, len(entries))
	copy(sorted, entries)

	for i := range sorted {
		if err := sorted[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid registry entry: %w", err)
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return &Registry{entries: sorted}, nil
}

// ParseRegistry builds a registry from YAML bytes.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	return NewRegistry(file.Sources)
}

// LoadRegistryFile builds a registry from a YAML file on disk.
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return ParseRegistry(data)
}

// Entries returns a copy of the registry entries for display.
func (r *Registry) Entries() []RegistryEntry {
	out := make([]RegistryEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered prefixes.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Resolve maps a cited source id to its governance tier and authority.
//
// Resolution order:
//
//  1. Longest-prefix match of the full id against registry entries.
//  2. For derived ids (DR-/PRO-/STD- marker), longest-prefix match of the
//     id with the marker stripped. A derived rule inherits its parent
//     entry's tier and authority, so DR-HIPAA-01 resolves like HIPAA when
//     HIPAA is registered.
//  3. The marker's own convention default.
//  4. standard/DEFAULT.
func (r *Registry) Resolve(sourceID string) Resolution {
	if entry, ok := r.matchPrefix(sourceID); ok {
		return Resolution{
			SourceID:  sourceID,
			Tier:      entry.Tier,
			Authority: entry.Authority,
			Prefix:    entry.Prefix,
			MatchedBy: MatchRegistry,
		}
	}

	for _, m := range markers {
		if !strings.HasPrefix(sourceID, m.marker) {
			continue
		}

		if entry, ok := r.matchPrefix(strings.TrimPrefix(sourceID, m.marker)); ok {
			return Resolution{
				SourceID:  sourceID,
				Tier:      entry.Tier,
				Authority: entry.Authority,
				Prefix:    entry.Prefix,
				MatchedBy: MatchInherited,
			}
		}

		return Resolution{
			SourceID:  sourceID,
			Tier:      m.tier,
			Authority: m.authority,
			MatchedBy: MatchConvention,
		}
	}

	return Resolution{
		SourceID:  sourceID,
		Tier:      TierStandard,
		Authority: AuthorityDefault,
		MatchedBy: MatchDefault,
	}
}

// ResolveAll resolves every cited source id, preserving citation order.
func (r *Registry) ResolveAll(sourceIDs []string) []Resolution {
	out := make([]Resolution, len(sourceIDs))
	for i, id := range sourceIDs {
		out[i] = r.Resolve(id)
	}
	return out
}

// matchPrefix returns the longest registry prefix of id. Entries are sorted
// longest-first at construction, so the first hit wins.
func (r *Registry) matchPrefix(id string) (RegistryEntry, bool) {
	for _, entry := range r.entries {
		if strings.HasPrefix(id, entry.Prefix) {
			return entry, true
		}
	}
	return RegistryEntry{}, false
}

// File: internal/tiers/load.go
// Brief: Tier file loading and contract checks.

package tiers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"
)

// Load reads an ordered tier list from a JSON or YAML file: a list of objects
// mapping package names to dependency name lists.
func Load(path string) ([]Tier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers: %w", err)
	}
	return Parse(data)
}

// Parse decodes tier data from JSON or YAML bytes.
func Parse(data []byte) ([]Tier, error) {
	var raw []map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse tiers: %w", err)
	}
	out := make([]Tier, 0, len(raw))
	for _, m := range raw {
		tier := Tier{}
		for name, deps := range m {
			tier[name] = deps
		}
		out = append(out, tier)
	}
	return out, nil
}

// ValidationError lists every contract violation found in a tier list.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid tiers: " + strings.Join(e.Problems, "; ")
}

// Validate checks that names are unique across tiers and that every
// dependency sits in a strictly earlier tier.
func Validate(all []Tier) error {
	firstTier := map[string]int{}
	var problems []string
	for i, tier := range all {
		for _, name := range tier.Names() {
			if strings.TrimSpace(name) == "" {
				problems = append(problems, fmt.Sprintf("tier %d: empty package name", i+1))
				continue
			}
			if prev, ok := firstTier[name]; ok {
				problems = append(problems, fmt.Sprintf("%s appears in tier %d and tier %d", name, prev+1, i+1))
				continue
			}
			firstTier[name] = i
		}
	}
	for i, tier := range all {
		for _, name := range tier.Names() {
			deps := append([]string(nil), tier[name]...)
			sort.Strings(deps)
			for _, dep := range deps {
				at, ok := firstTier[dep]
				switch {
				case strings.TrimSpace(dep) == "":
					problems = append(problems, fmt.Sprintf("%s: empty dependency name", name))
				case !ok:
					problems = append(problems, fmt.Sprintf("%s depends on %s which is in no tier", name, dep))
				case at >= i:
					problems = append(problems, fmt.Sprintf("%s (tier %d) depends on %s (tier %d)", name, i+1, dep, at+1))
				}
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

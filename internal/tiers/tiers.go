// File: internal/tiers/tiers.go
// Brief: Tier model and target filtering.

// Package tiers models the precomputed dependency tiers of a workspace and
// narrows them to the subset a set of targets needs.
//
// A tier maps package names to the names of the packages they depend on.
// Every dependency of a package lives in a strictly earlier tier, so tiers can
// run in order while packages inside one tier run side by side.
package tiers

import "sort"

// Tier is one execution wave: package name to dependency names.
type Tier map[string][]string

// Names returns the package names of the tier in sorted order.
func (t Tier) Names() []string {
	out := make([]string, 0, len(t))
	for name := range t {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the tiers needed to build targets: every target that occurs
// in all, plus the transitive closure of their dependencies, in the original
// tier order. Tiers that end up empty are dropped. Unknown targets are
// ignored. With no targets all is returned unchanged.
func Resolve(targets []string, all []Tier) []Tier {
	if len(targets) == 0 {
		return all
	}
	working := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		working[target] = struct{}{}
	}

	reversed := make([]Tier, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		selected := Tier{}
		for name, deps := range all[i] {
			if _, ok := working[name]; ok {
				selected[name] = append([]string(nil), deps...)
			}
		}
		if len(selected) == 0 {
			continue
		}
		for name, deps := range selected {
			delete(working, name)
			for _, dep := range deps {
				working[dep] = struct{}{}
			}
		}
		reversed = append(reversed, selected)
	}

	out := make([]Tier, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		out = append(out, reversed[i])
	}
	return out
}

// Packages returns every package name across tiers, tier by tier.
func Packages(all []Tier) []string {
	var out []string
	for _, tier := range all {
		out = append(out, tier.Names()...)
	}
	return out
}

// Index returns the tier index holding name, or -1.
func Index(all []Tier, name string) int {
	for i, tier := range all {
		if _, ok := tier[name]; ok {
			return i
		}
	}
	return -1
}

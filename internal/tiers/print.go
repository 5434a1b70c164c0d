// File: internal/tiers/print.go
// Brief: Human-friendly plan printing.

package tiers

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/pmezard/go-difflib/difflib"
)

// PrintTable writes one row per package. kindOf may be nil.
func PrintTable(w io.Writer, all []Tier, kindOf func(name string) string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tPACKAGE\tKIND\tDEPENDS_ON")
	for i, tier := range all {
		for _, name := range tier.Names() {
			kind := "-"
			if kindOf != nil {
				if k := kindOf(name); k != "" {
					kind = k
				}
			}
			deps := append([]string(nil), tier[name]...)
			sort.Strings(deps)
			needs := strings.Join(deps, ",")
			if needs == "" {
				needs = "-"
			}
			if len(needs) > 140 {
				needs = needs[:140] + "..."
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, name, kind, needs)
		}
	}
	return tw.Flush()
}

// Render returns a stable line-per-package text form of the tiers.
func Render(all []Tier) string {
	var b strings.Builder
	for i, tier := range all {
		fmt.Fprintf(&b, "tier %d\n", i+1)
		for _, name := range tier.Names() {
			deps := append([]string(nil), tier[name]...)
			sort.Strings(deps)
			if len(deps) == 0 {
				fmt.Fprintf(&b, "  %s\n", name)
				continue
			}
			fmt.Fprintf(&b, "  %s <- %s\n", name, strings.Join(deps, ", "))
		}
	}
	return b.String()
}

// Diff renders a unified diff between the full plan and a resolved one.
func Diff(full, resolved []Tier) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(Render(full)),
		B:        difflib.SplitLines(Render(resolved)),
		FromFile: "all tiers",
		ToFile:   "selected tiers",
		Context:  2,
	})
}

// Document is the serializable form of a plan used by json and yaml output.
type Document struct {
	Tiers []DocumentTier `json:"tiers" yaml:"tiers"`
}

// DocumentTier is one tier in Document.
type DocumentTier struct {
	Index    int               `json:"index" yaml:"index"`
	Packages []DocumentPackage `json:"packages" yaml:"packages"`
}

// DocumentPackage is one package in DocumentTier.
type DocumentPackage struct {
	Name      string   `json:"name" yaml:"name"`
	Kind      string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// NewDocument converts tiers to a Document with sorted contents.
func NewDocument(all []Tier, kindOf func(name string) string) Document {
	doc := Document{Tiers: make([]DocumentTier, 0, len(all))}
	for i, tier := range all {
		dt := DocumentTier{Index: i + 1}
		for _, name := range tier.Names() {
			deps := append([]string(nil), tier[name]...)
			sort.Strings(deps)
			pkg := DocumentPackage{Name: name, DependsOn: deps}
			if kindOf != nil {
				pkg.Kind = kindOf(name)
			}
			dt.Packages = append(dt.Packages, pkg)
		}
		doc.Tiers = append(doc.Tiers, dt)
	}
	return doc
}

// File: internal/config/config.go
// Brief: Runtime options shared by tierdeploy commands.

// Package config defines the flag plumbing and runtime options shared by the
// tierdeploy commands, translating Cobra/Viper values into a strongly typed
// struct that discovery, the ledger and the pipeline executor consume.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/example/tierdeploy/internal/ledger"
	"github.com/example/tierdeploy/internal/pipeline"
	"github.com/example/tierdeploy/internal/registry"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
)

const (
	// DefaultTiersFile is looked up relative to the root.
	DefaultTiersFile = "tiers.json"
	// DefaultStateDir holds run history.
	DefaultStateDir = ".tierdeploy"
)

// Options holds all CLI configuration.
type Options struct {
	Root             string
	TiersFile        string
	LedgerFile       string
	TestLedgerFile   string
	StateDir         string
	Concurrency      int
	Pinned           map[string]string
	DeployDescriptor string
	ArtifactPattern  string
	TestUtilsPackage string
	Shell            string
	Ignore           []string
	DryRun           bool
	NoColor          bool
	Verbose          bool
	RetryBackoff     bool
	History          bool
	TestExclude      []string
	TestAllowFailure []string
	// Commands overrides step command templates; set from the config file.
	Commands map[string]string
}

// NewOptions returns Options populated with defaults.
func NewOptions() *Options {
	return &Options{
		TiersFile:        DefaultTiersFile,
		LedgerFile:       ledger.DefaultFile,
		TestLedgerFile:   ledger.DefaultTestFile,
		StateDir:         DefaultStateDir,
		Concurrency:      pipeline.DefaultConcurrency,
		Pinned:           map[string]string{},
		DeployDescriptor: registry.DefaultDeployDescriptor,
		ArtifactPattern:  pipeline.DefaultArtifactPattern,
		RetryBackoff:     true,
		History:          true,
	}
}

// BindFlags registers flags on fs and returns their names.
func (o *Options) BindFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVar(&o.Root, "root", o.Root, "Workspace root (defaults to the enclosing repository)")
	names = append(names, "root")
	fs.StringVar(&o.TiersFile, "tiers", o.TiersFile, "Tier definition file (JSON or YAML), relative to the root")
	names = append(names, "tiers")
	fs.StringVar(&o.LedgerFile, "ledger", o.LedgerFile, "Deploy ledger file, relative to the root")
	names = append(names, "ledger")
	fs.StringVar(&o.TestLedgerFile, "test-ledger", o.TestLedgerFile, "Test ledger file, relative to the root")
	names = append(names, "test-ledger")
	fs.StringVar(&o.StateDir, "state-dir", o.StateDir, "Directory for run history, relative to the root")
	names = append(names, "state-dir")
	fs.IntVarP(&o.Concurrency, "concurrency", "j", o.Concurrency, "Packages run at once within a tier")
	names = append(names, "concurrency")
	fs.StringToStringVar(&o.Pinned, "pin", o.Pinned, "Pin an external dependency version, e.g. --pin mongodb=^6.13.0")
	names = append(names, "pin")
	fs.StringVar(&o.DeployDescriptor, "deploy-descriptor", o.DeployDescriptor, "File that marks a deployable directory")
	names = append(names, "deploy-descriptor")
	fs.StringVar(&o.ArtifactPattern, "artifact-pattern", o.ArtifactPattern, "Glob that locates a packed archive")
	names = append(names, "artifact-pattern")
	fs.StringVar(&o.TestUtilsPackage, "test-utils-package", o.TestUtilsPackage, "Package whose archive is added to every dev install")
	names = append(names, "test-utils-package")
	fs.StringVar(&o.Shell, "shell", o.Shell, "Interpreter for step commands (default \"sh -c\")")
	names = append(names, "shell")
	fs.StringSliceVar(&o.Ignore, "ignore", o.Ignore, "Extra discovery ignore patterns")
	names = append(names, "ignore")
	fs.BoolVar(&o.DryRun, "dry-run", o.DryRun, "Print commands instead of running them")
	names = append(names, "dry-run")
	fs.BoolVar(&o.NoColor, "no-color", o.NoColor, "Disable colored output")
	names = append(names, "no-color")
	fs.BoolVarP(&o.Verbose, "verbose", "v", o.Verbose, "Show skipped steps and command output")
	names = append(names, "verbose")
	fs.BoolVar(&o.RetryBackoff, "retry-backoff", o.RetryBackoff, "Wait briefly before retrying a failed step")
	names = append(names, "retry-backoff")
	fs.BoolVar(&o.History, "history", o.History, "Record runs in the history database")
	names = append(names, "history")
	fs.StringSliceVar(&o.TestExclude, "test-exclude", o.TestExclude, "Packages skipped by the test pipeline")
	names = append(names, "test-exclude")
	fs.StringSliceVar(&o.TestAllowFailure, "test-allow-failure", o.TestAllowFailure, "Packages whose test failures do not abort the run")
	names = append(names, "test-allow-failure")
	return names
}

// Validate normalizes paths against Root and checks values. Root must be set.
func (o *Options) Validate() error {
	if strings.TrimSpace(o.Root) == "" {
		return fmt.Errorf("workspace root is not set and no repository was found; pass --root")
	}
	root, err := expand(o.Root, "")
	if err != nil {
		return err
	}
	o.Root = root
	for _, p := range []*string{&o.TiersFile, &o.LedgerFile, &o.TestLedgerFile, &o.StateDir} {
		resolved, err := expand(*p, o.Root)
		if err != nil {
			return err
		}
		*p = resolved
	}
	if o.Concurrency <= 0 {
		return fmt.Errorf("--concurrency must be positive, got %d", o.Concurrency)
	}
	if strings.TrimSpace(o.DeployDescriptor) == "" {
		return fmt.Errorf("--deploy-descriptor must not be empty")
	}
	if _, err := filepath.Match(o.ArtifactPattern, ""); err != nil {
		return fmt.Errorf("invalid --artifact-pattern %q: %w", o.ArtifactPattern, err)
	}
	for name, version := range o.Pinned {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(version) == "" {
			return fmt.Errorf("invalid --pin %q=%q", name, version)
		}
	}
	return nil
}

// PinnedList renders pins as sorted name@version strings.
func (o *Options) PinnedList() []string {
	out := make([]string, 0, len(o.Pinned))
	for name, version := range o.Pinned {
		out = append(out, name+"@"+version)
	}
	sort.Strings(out)
	return out
}

// Set converts a list of names into a lookup set.
func Set(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out[n] = true
		}
	}
	return out
}

func expand(path, base string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) && base != "" {
		expanded = filepath.Join(base, expanded)
	}
	return filepath.Abs(expanded)
}

// main.go bootstraps tierdeploy: it builds the root Cobra command and executes it with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/example/tierdeploy/internal/appconfig"
	"github.com/example/tierdeploy/internal/ledger"
	"github.com/example/tierdeploy/internal/pipeline"
	"github.com/example/tierdeploy/internal/tiers"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "TIERDEPLOY"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(os.Stderr, err)
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	return buildRootCommand(newApp())
}

func buildRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tierdeploy",
		Short: "Tiered build, pack and deploy for JavaScript monorepos",
		Long: `tierdeploy builds, packs and deploys the packages of a monorepo tier by tier.
Packages in one tier run concurrently; a tier starts only after the previous one
finished. Completed steps are recorded in a ledger so an interrupted run resumes
where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.configure(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", a.logLevel, "Log level for tierdeploy output (debug, info, warn, error)")
	a.opts.BindFlags(cmd.PersistentFlags())
	hideFlags(cmd.PersistentFlags(), []string{"retry-backoff", "artifact-pattern", "state-dir"})
	cmd.AddCommand(
		newDeployCommand(a),
		newTestCommand(a),
		newPlanCommand(a),
		newLedgerCommand(a),
		newServicesCommand(a),
		newStatusCommand(a),
		newVersionCommand(),
		newCompletionCommand(cmd),
	)
	cmd.Example = `  # Deploy one service and everything it depends on
  tierdeploy deploy orders-service

  # Show what a deploy of two services would touch
  tierdeploy plan orders-service billing-service --diff

  # Resume after a failure; completed steps are skipped
  tierdeploy deploy

  # Start over for one package
  tierdeploy ledger reset orders-service`
	return cmd
}

// configure reads the environment and config file into flags that were not
// set on the command line, then normalizes the options.
func (a *app) configure(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	flagSets := []*pflag.FlagSet{cmd.Root().PersistentFlags(), cmd.LocalNonPersistentFlags()}
	for _, fs := range flagSets {
		if err := v.BindPFlags(fs); err != nil {
			return err
		}
	}
	if a.opts.Root == "" {
		if root := v.GetString("root"); root != "" {
			a.opts.Root = root
		} else if cwd, err := os.Getwd(); err == nil {
			if found := appconfig.FindRepoRoot(cwd); found != "" {
				a.opts.Root = found
			} else {
				a.opts.Root = cwd
			}
		}
	}
	configFile := os.Getenv(envPrefix + "_CONFIG")
	configureConfigFile(v, configFile, a.opts.Root)
	if err := readConfigFile(v, configFile != ""); err != nil {
		return err
	}
	for _, fs := range flagSets {
		if err := applyViper(v, fs); err != nil {
			return err
		}
	}
	if v.IsSet("commands") {
		a.opts.Commands = v.GetStringMapString("commands")
	}
	return a.opts.Validate()
}

// applyViper copies config and environment values into flags the user did
// not set explicitly.
func applyViper(v *viper.Viper, fs *pflag.FlagSet) error {
	var firstErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		var err error
		raw := v.Get(f.Name)
		switch {
		case isString(raw):
			// Environment values arrive in flag syntax.
			if s := raw.(string); s != "" {
				err = f.Value.Set(s)
			}
		case f.Value.Type() == "stringToString":
			err = f.Value.Set(joinPairs(v.GetStringMapString(f.Name)))
		default:
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				err = sv.Replace(v.GetStringSlice(f.Name))
			} else if val := fmt.Sprintf("%v", raw); val != "" {
				err = f.Value.Set(val)
			}
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("config value for %s: %w", f.Name, err)
		}
	})
	return firstErr
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func joinPairs(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+m[k])
	}
	return strings.Join(pairs, ",")
}

func configureConfigFile(v *viper.Viper, explicitPath, root string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	if path, ok := appconfig.ConfigPath(root); ok {
		v.SetConfigFile(path)
		return
	}
	v.SetConfigName("config")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "tierdeploy"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "tierdeploy"))
	}
	return dirs
}

func handleError(w io.Writer, err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	var (
		cfgErr     *pipeline.ConfigError
		persistErr *ledger.PersistError
		tierErr    *tiers.ValidationError
	)
	switch {
	case errors.Is(err, context.Canceled):
		message = fmt.Sprintf("%s\nHint: the run was interrupted; rerun the same command to resume from the ledger.", err)
	case errors.As(err, &cfgErr):
		message = fmt.Sprintf("%s\nHint: this is a configuration problem and was not retried. Check the tier file and package manifests, then rerun.", err)
	case errors.As(err, &persistErr):
		message = fmt.Sprintf("%s\nHint: progress could not be saved. Check permissions on %s.", err, persistErr.Path)
	case errors.As(err, &tierErr):
		message = fmt.Sprintf("%s\nHint: run 'tierdeploy plan' to inspect the tier layout.", err)
	}
	fmt.Fprintf(w, "Error: %s\n", message)
}

// hideFlags keeps rarely used tuning flags out of the default help.
func hideFlags(fs *pflag.FlagSet, names []string) {
	if fs == nil {
		return
	}
	for _, name := range names {
		_ = fs.MarkHidden(name)
	}
}

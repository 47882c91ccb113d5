package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/otaupdater/pkg/config"
	"github.com/openfroyo/otaupdater/pkg/driver"
	"github.com/openfroyo/otaupdater/pkg/ops"
	"github.com/openfroyo/otaupdater/pkg/ops/builtin"
	"github.com/openfroyo/otaupdater/pkg/ops/install"
	"github.com/openfroyo/otaupdater/pkg/pkgloader"
	"github.com/openfroyo/otaupdater/pkg/script"
	"github.com/openfroyo/otaupdater/pkg/selabel"
	"github.com/openfroyo/otaupdater/pkg/stores"
	"github.com/openfroyo/otaupdater/pkg/telemetry"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

const serviceName = "updater"

var configPath string

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	return execute(ctx, os.Args[1:], os.Stdout, version, commit, buildDate)
}

func execute(ctx context.Context, args []string, out io.Writer, version, commit, buildDate string) int {
	r := &runner{version: version, commit: commit, buildDate: buildDate, out: out}
	cmd := newRootCommand(r)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(out)

	if err := cmd.ExecuteContext(ctx); err != nil {
		switch {
		case updater.IsArgument(err):
			fmt.Fprintf(out, "Error: %v\nUsage: %s\n", err, cmd.UseLine())
		case updater.IsPackageAccess(err):
			fmt.Fprintf(out, "Error: cannot read package: %v\n", err)
		case updater.IsParse(err):
			fmt.Fprintf(out, "Error: update script does not parse: %v\n", err)
		default:
			fmt.Fprintf(out, "Error: %v\n", err)
		}
		if updater.KindOf(err) != "" {
			return updater.ExitCode(err)
		}
		return updater.ExitBadArgCount
	}
	return r.code
}

// runner carries the exit code out of the cobra command.
type runner struct {
	version   string
	commit    string
	buildDate string
	out       io.Writer
	code      int
}

// newRootCommand builds the root command. Any invocation of the binary
// itself with the wrong number of arguments exits 1, so there is no
// version flag, no completion command, and help exits 1 after printing.
func newRootCommand(r *runner) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "updater <api-version> <control-fd> <package> [retry]",
		Short: "Install an OTA update package",
		Long: `updater runs the update script of an OTA package.

It is started by the recovery supervisor with the updater API version
(1, 2 or 3), an inherited file descriptor for the control channel, the
path of the package and, when the supervisor restarts an attempt, the
word "retry". Progress and results are reported over the control
channel; the exit code tells the supervisor how the attempt ended.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			r.code = r.run(cmd.Context(), args)
			return nil
		},
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	showHelp := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if !cmd.HasParent() {
			r.code = updater.ExitBadArgCount
		}
		showHelp(cmd, args)
	})
	rootCmd.SetHelpCommand(&cobra.Command{
		Use:    "help [command]",
		Short:  "Help about any command",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _, err := rootCmd.Find(args)
			if err != nil || target == nil {
				target = rootCmd
			}
			showHelp(target, args)
			return updater.NewArgumentError(updater.KindBadArgCount,
				fmt.Sprintf("unexpected number of arguments: %d", len(args)+2))
		},
	})

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $"+config.EnvConfigPath+")")

	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newInspectCommand())

	return rootCmd
}

// run validates the invocation before touching the configuration, the
// package or the control channel.
func (r *runner) run(ctx context.Context, args []string) int {
	bootstrap, err := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
	if err != nil {
		bootstrap = telemetry.NopLogger()
	}

	inv, err := driver.ParseInvocation(args, bootstrap)
	if err != nil {
		bootstrap.Error(err.Error())
		return updater.ExitCode(err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootstrap.WithError(err).Warn("failed to load config, using defaults")
		cfg = config.Default()
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry(serviceName, r.version))
	if err != nil {
		bootstrap.WithError(err).Warn("failed to set up telemetry")
		tel = telemetry.Nop()
		tel.Logger = bootstrap
	}
	log := tel.Logger
	log.WithFields(map[string]interface{}{
		"version": r.version,
		"commit":  r.commit,
		"built":   r.buildDate,
	}).Debug("updater starting")
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("failed to flush telemetry")
		}
	}()

	opts := []driver.Option{
		driver.WithBuiltins(builtin.New(builtin.WithPropertiesPath(cfg.Properties.Path))),
		driver.WithExtensions(install.New(install.WithLogger(log.NewComponentLogger("install")))),
		driver.WithLogger(log),
		driver.WithMetrics(tel.Metrics),
		driver.WithTracer(tel.Tracer),
	}

	if labels := openLabels(cfg.SELinux, log); labels != nil {
		opts = append(opts, driver.WithLabels(labels))
	}

	if history := openHistory(ctx, cfg.History, log); history != nil {
		defer history.Close()
		opts = append(opts, driver.WithHistory(history))
	}

	newEngine := func(table *ops.Table) script.Engine {
		return script.NewStarlark(table, script.WithLogger(log.NewComponentLogger("script")))
	}

	return driver.New(pkgloader.NewLoader(), newEngine, opts...).Execute(ctx, inv)
}

// openLabels returns nil when no file_contexts are available.
func openLabels(cfg config.SELinuxConfig, log *telemetry.Logger) *selabel.FileContexts {
	if cfg.FileContexts == "" {
		return nil
	}
	fc, err := selabel.Open(cfg.FileContexts)
	if err != nil {
		log.WithError(err).Warnf("failed to load %s", cfg.FileContexts)
		return nil
	}
	log.Debugf("loaded %d file contexts from %s", fc.Len(), fc.Source())
	return fc
}

// openHistory returns nil when history is disabled or unavailable.
func openHistory(ctx context.Context, cfg config.HistoryConfig, log *telemetry.Logger) *stores.SQLiteStore {
	if !cfg.Enabled {
		return nil
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Warn("attempt history unavailable")
		return nil
	}
	return store
}

func openStore(ctx context.Context, cfg config.HistoryConfig) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:        cfg.Path,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if err := store.HealthCheck(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/ctamigrate/internal/supervisor"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createCompleteExportCommand(globalFlags, &CompleteExportFlags{}),
		createImportZerolenCommand(globalFlags, &ImportFlags{}),
		createSuperviseCommand(globalFlags, &SuperviseFlags{}),
		createConfCommand(globalFlags, &ConfGetFlags{}),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "ctamigrate",
		Short: "CASTOR to CTA migration tools",
		Long: `ctamigrate launches the server side migration procedures and follows
them through the migration progress log until they complete or abort.

Examples:
  ctamigrate complete-export
  ctamigrate import-zerolen --vo=atlas --instance=eosctaatlas --dryrun
  ctamigrate conf get DbCnvSvc user`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.ConfFile, "conf-file", "", "castor style conf file (overrides config)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "debug, info, notice, warn or error")
	root.PersistentFlags().StringVar(&flags.MetricsListen, "metrics-listen", "", "serve /status and /metrics on this address")
	return root
}

// givenOrZero returns v when the duration flag name was set on the command
// line and zero otherwise, leaving room for the [supervisor] config section.
func givenOrZero(cmd *cobra.Command, name string, v time.Duration) time.Duration {
	if cmd.Flags().Changed(name) {
		return v
	}
	return 0
}

// withApp builds the app for one command run and releases it afterwards.
func withApp(cmd *cobra.Command, g *GlobalFlags, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(*g, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func createCompleteExportCommand(g *GlobalFlags, f *CompleteExportFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete-export",
		Short: "Complete the ongoing export from CASTOR to CTA",
		Long: `Finds the ongoing export from the latest progress log entry, runs the
completion procedure on the nameserver and prints its progress.
Exits with status 1 when the procedure dies before reporting success.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			run := *f
			run.PollInterval = givenOrZero(cmd, "poll", f.PollInterval)
			run.HeartbeatInterval = givenOrZero(cmd, "heartbeat", f.HeartbeatInterval)
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				return cmdCompleteExport(ctx, a, run)
			})
		},
	}
	cmd.Flags().DurationVar(&f.PollInterval, "poll", exportPollInterval, "progress log poll interval (overrides [supervisor] poll_interval)")
	cmd.Flags().DurationVar(&f.HeartbeatInterval, "heartbeat", exportHeartbeatInterval, "print a heartbeat after this much silence (overrides [supervisor] heartbeat_interval)")
	return cmd
}

func createImportZerolenCommand(g *GlobalFlags, f *ImportFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-zerolen",
		Short: "Copy the metadata of zero length files from CASTOR to CTA",
		Long: `Runs the import of zero length files of a VO on the CTA catalogue and
follows it through the nameserver progress log. Either --dryrun or --doit
is mandatory.

Examples:
  ctamigrate import-zerolen --vo=atlas --instance=eosctaatlas --dryrun
  ctamigrate import-zerolen -v cms -i eosctacms --doit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			run := *f
			run.PollInterval = givenOrZero(cmd, "poll", f.PollInterval)
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				return cmdImportZerolen(ctx, a, run)
			})
		},
	}
	cmd.Flags().StringVarP(&f.VO, "vo", "v", "", "virtual organization (required)")
	cmd.Flags().StringVarP(&f.Instance, "instance", "i", "", "EOS CTA instance (required)")
	cmd.Flags().BoolVar(&f.DryRun, "dryrun", false, "only report what would be imported")
	cmd.Flags().BoolVar(&f.DoIt, "doit", false, "run the import")
	cmd.Flags().DurationVar(&f.PollInterval, "poll", importPollInterval, "progress log poll interval (overrides [supervisor] poll_interval)")
	cmd.Flags().DurationVar(&f.Lookback, "lookback", 12*time.Hour, "read progress log entries this far back")
	cmd.MarkFlagsMutuallyExclusive("dryrun", "doit")
	return cmd
}

func createSuperviseCommand(g *GlobalFlags, f *SuperviseFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run a remote call and follow it through a progress log",
		Long: `Runs --call with --arg values on --database and polls the progress log
for --partition until a message contains --marker or the call returns.

Examples:
  ctamigrate supervise --call="CALL completeCTAExport()" --partition=export42 \
    --marker="Export from CASTOR fully completed"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			run := *f
			run.PollInterval = givenOrZero(cmd, "poll", f.PollInterval)
			run.HeartbeatInterval = givenOrZero(cmd, "heartbeat", f.HeartbeatInterval)
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				return cmdSupervise(ctx, a, run)
			})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "job name used in logs, metrics and history (default partition)")
	cmd.Flags().StringVar(&f.Database, "database", "ns", "database the call runs on")
	cmd.Flags().StringVar(&f.LogDatabase, "log-database", "", "database holding the progress log (default --database)")
	cmd.Flags().StringVar(&f.Call, "call", "", "statement invoking the remote procedure (required)")
	cmd.Flags().StringArrayVar(&f.Args, "arg", nil, "statement argument, repeatable")
	cmd.Flags().StringVar(&f.Partition, "partition", "", "progress log partition key (required)")
	cmd.Flags().StringVar(&f.Marker, "marker", "", "success marker (required)")
	cmd.Flags().StringVar(&f.Table, "table", "", "progress log table")
	cmd.Flags().StringVar(&f.PartitionColumn, "partition-column", "", "progress log partition column")
	cmd.Flags().StringVar(&f.TimeColumn, "time-column", "", "progress log timestamp column")
	cmd.Flags().StringVar(&f.MessageColumn, "message-column", "", "progress log message column")
	cmd.Flags().DurationVar(&f.PollInterval, "poll", supervisor.DefaultPollInterval, "progress log poll interval (overrides [supervisor] poll_interval)")
	cmd.Flags().DurationVar(&f.HeartbeatInterval, "heartbeat", supervisor.DefaultHeartbeatInterval, "print a heartbeat after this much silence (overrides [supervisor] heartbeat_interval)")
	cmd.Flags().DurationVar(&f.InitialDelay, "initial-delay", 0, "wait before the first poll")
	cmd.Flags().DurationVar(&f.Lookback, "lookback", 0, "start reading this far back")
	cmd.Flags().Int64Var(&f.Since, "since", 0, "start after this unix timestamp")
	return cmd
}

func createConfCommand(g *GlobalFlags, f *ConfGetFlags) *cobra.Command {
	conf := &cobra.Command{
		Use:   "conf",
		Short: "Read the castor style conf file",
	}
	get := &cobra.Command{
		Use:   "get <category> <key>",
		Short: "Print one conf file value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hasDefault := cmd.Flags().Changed("default")
			return withApp(cmd, g, func(_ context.Context, a *app) error {
				return cmdConfGet(a, *f, hasDefault, args[0], args[1])
			})
		},
	}
	get.Flags().StringVar(&f.Type, "type", "string", "string, int, float, bool, duration or bytes")
	get.Flags().StringVar(&f.Default, "default", "", "printed when the key is missing")
	conf.AddCommand(get)
	return conf
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ctamigrate", version)
		},
	}
}

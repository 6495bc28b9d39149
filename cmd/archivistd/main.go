package main

import (
	"fmt"
	"os"

	"github.com/dray-io/archivist/internal/config"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cliFlags holds the flags shared by every subcommand. They override the
// config file and the environment.
type cliFlags struct {
	configPath   string
	boards       []string
	perPage      int
	pages        int
	bumpLimit    int
	purgeSeconds int64
	stateDir     string
	statePath    string
	metricsAddr  string
	logLevel     string
	logFormat    string
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(&cliFlags{})
}

func buildRootCmd(f *cliFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "archivistd",
		Short: "Locks threads that fall out of a board's active window and purges them later",
		Long: `archivistd watches one or more boards. Threads ranked beyond the board's
capacity (per-page x pages), or with more replies than the bump limit, are
locked. Locked threads are purged once the archive delay has elapsed.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "Path to configuration file")
	pf.StringSliceVar(&f.boards, "board", nil, "Board address to archive (repeatable)")
	pf.IntVar(&f.perPage, "per-page", 0, "Threads per page (default 15)")
	pf.IntVar(&f.pages, "pages", 0, "Pages in the active window (default 10)")
	pf.IntVar(&f.bumpLimit, "bump-limit", 0, "Reply count that locks a thread (default 300)")
	pf.Int64Var(&f.purgeSeconds, "archive-purge-seconds", 0, "Seconds between lock and purge (default 172800)")
	pf.StringVar(&f.stateDir, "state-dir", "", "Directory holding one state file per board")
	pf.StringVar(&f.statePath, "state-path", "", "State file path (single board only)")
	pf.StringVar(&f.metricsAddr, "metrics-addr", "", "Address for /metrics, /healthz and /readyz")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&f.logFormat, "log-format", "", "Log format (json, text)")

	root.AddCommand(
		newRunCmd(f),
		newStatusCmd(f),
		newRestoreCmd(f),
		newVersionCmd(),
	)
	return root
}

// load resolves the configuration: file (or defaults), environment, then
// flags that were set explicitly on the command line.
func (f *cliFlags) load(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.LoadFromPath(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("board") {
		cfg.Boards = f.boards
	}
	if flags.Changed("per-page") {
		cfg.Archive.PerPage = f.perPage
	}
	if flags.Changed("pages") {
		cfg.Archive.Pages = f.pages
	}
	if flags.Changed("bump-limit") {
		cfg.Archive.BumpLimit = f.bumpLimit
	}
	if flags.Changed("archive-purge-seconds") {
		cfg.Archive.PurgeAfterSeconds = f.purgeSeconds
	}
	if flags.Changed("state-dir") {
		cfg.State.Dir = f.stateDir
	}
	if flags.Changed("state-path") {
		cfg.State.Path = f.statePath
	}
	if flags.Changed("metrics-addr") {
		cfg.Observability.MetricsAddr = f.metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.Observability.LogLevel = f.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Observability.LogFormat = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "archivistd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
		},
	}
}

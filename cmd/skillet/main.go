package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/skillet/pkg/config"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/presenter"
)

// errReported fails a command whose failure has already been printed.
var errReported = errors.New("command failed")

// cfg is loaded once per invocation by the root command's pre-run hook.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "skillet",
	Short: "Hot-reloadable skill plugin engine",
	Long: `skillet discovers skill folders under a skills directory, loads them as
instruction, native, Lua or RPC plugin skills, and keeps them in sync with the
filesystem while serving executions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.Init(viper.GetViper()); err != nil {
			return err
		}
		loaded, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		cfg = loaded

		if err := logger.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
			return err
		}
		cmd.SetContext(logger.WithLogger(cmd.Context(), logger.L))
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

func init() {
	defaults := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.String("skills-dir", defaults.SkillsDir, "Skills directory to load skill folders from")
	flags.Bool("hot-reload", defaults.HotReload, "Watch the skills directory and reload on change")
	flags.Duration("watch-interval", defaults.WatchInterval, "Debounce window for modify and delete events")
	flags.Bool("validate-on-load", defaults.ValidateOnLoad, "Refuse to load skills that fail validation")
	flags.Duration("execution-timeout", defaults.ExecutionTimeout, "Deadline for each skill execution (0 disables)")
	flags.Int("max-concurrent", defaults.MaxConcurrent, "Maximum number of skills loaded concurrently")
	flags.StringSlice("allowed", nil, "Only load the named skills")
	flags.Bool("history", defaults.History.Enabled, "Record executions and load events in the history database")
	flags.String("history-path", defaults.History.Path, "Path of the history database")
	flags.Bool("hooks", defaults.Hooks.Enabled, "Run lifecycle hooks found in the hook directories")
	flags.String("log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", defaults.LogFormat, "Log format (fmt, json)")

	for key, flag := range map[string]string{
		"skills_dir":        "skills-dir",
		"hot_reload":        "hot-reload",
		"watch_interval":    "watch-interval",
		"validate_on_load":  "validate-on-load",
		"execution_timeout": "execution-timeout",
		"max_concurrent":    "max-concurrent",
		"allowed":           "allowed",
		"history.enabled":   "history",
		"history.path":      "history-path",
		"hooks.enabled":     "hooks",
		"log_level":         "log-level",
		"log_format":        "log-format",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(
		serveCmd,
		listCmd,
		describeCmd,
		withTracing(execCmd),
		validateCmd,
		newCmd,
		addCmd,
		removeCmd,
		historyCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errReported) {
			presenter.Error(err, "")
		}
		os.Exit(1)
	}
}

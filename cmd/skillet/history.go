package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/history"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/presenter"
)

// HistoryConfig holds the options of the history command.
type HistoryConfig struct {
	Skill      string
	FailedOnly bool
	Limit      int
	Stats      bool
	Events     bool
	Prune      time.Duration
	JSON       bool
}

// NewHistoryConfig returns the defaults of the history command.
func NewHistoryConfig() *HistoryConfig {
	return &HistoryConfig{Limit: history.DefaultLimit}
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded skill executions and load events",
	Long: `Show the execution history recorded while history is enabled
(--history or history.enabled in config.yaml).

Examples:
  skillet history
  skillet history --skill pdf-tools --failed
  skillet history --stats
  skillet history --events
  skillet history --prune 720h`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config := getHistoryConfigFromFlags(cmd)
		ctx := cmd.Context()

		store, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			return errors.Wrap(err, "failed to open history store")
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to close history store")
			}
		}()

		return showHistory(ctx, store, config)
	},
}

func init() {
	defaults := NewHistoryConfig()
	historyCmd.Flags().String("skill", defaults.Skill, "Only show executions of this skill")
	historyCmd.Flags().Bool("failed", defaults.FailedOnly, "Only show failed executions")
	historyCmd.Flags().IntP("limit", "n", defaults.Limit, "Maximum number of rows")
	historyCmd.Flags().Bool("stats", defaults.Stats, "Show per-skill execution statistics")
	historyCmd.Flags().Bool("events", defaults.Events, "Show skill load and unload events")
	historyCmd.Flags().Duration("prune", defaults.Prune, "Delete executions older than this duration")
	historyCmd.Flags().Bool("json", defaults.JSON, "Print rows as JSON")
}

func getHistoryConfigFromFlags(cmd *cobra.Command) *HistoryConfig {
	config := NewHistoryConfig()
	if skill, err := cmd.Flags().GetString("skill"); err == nil {
		config.Skill = skill
	}
	if failed, err := cmd.Flags().GetBool("failed"); err == nil {
		config.FailedOnly = failed
	}
	if limit, err := cmd.Flags().GetInt("limit"); err == nil {
		config.Limit = limit
	}
	if stats, err := cmd.Flags().GetBool("stats"); err == nil {
		config.Stats = stats
	}
	if events, err := cmd.Flags().GetBool("events"); err == nil {
		config.Events = events
	}
	if prune, err := cmd.Flags().GetDuration("prune"); err == nil {
		config.Prune = prune
	}
	if asJSON, err := cmd.Flags().GetBool("json"); err == nil {
		config.JSON = asJSON
	}
	return config
}

func showHistory(ctx context.Context, store *history.Store, config *HistoryConfig) error {
	switch {
	case config.Prune > 0:
		removed, err := store.Prune(ctx, time.Now().Add(-config.Prune))
		if err != nil {
			return err
		}
		presenter.Success(fmt.Sprintf("Pruned %d execution(s) older than %s", removed, config.Prune))
		return nil

	case config.Stats:
		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		if config.JSON {
			return printJSON(stats)
		}
		rows := make([][]string, 0, len(stats))
		for _, s := range stats {
			rows = append(rows, []string{
				s.Skill,
				strconv.Itoa(s.Executions),
				strconv.Itoa(s.Successes),
				strconv.Itoa(s.Failures()),
				s.AvgDuration.Round(time.Millisecond).String(),
			})
		}
		presenter.Table([]string{"SKILL", "EXECUTIONS", "SUCCEEDED", "FAILED", "AVG DURATION"}, rows)
		return nil

	case config.Events:
		events, err := store.RecentEvents(ctx, config.Limit)
		if err != nil {
			return err
		}
		if config.JSON {
			return printJSON(events)
		}
		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			rows = append(rows, []string{
				ev.CreatedAt.Local().Format(time.DateTime),
				string(ev.Type),
				ev.Skill,
				ev.Variant,
				ev.Path,
			})
		}
		presenter.Table([]string{"TIME", "EVENT", "SKILL", "VARIANT", "PATH"}, rows)
		return nil
	}

	executions, err := store.RecentExecutions(ctx, history.Query{
		Skill:      config.Skill,
		FailedOnly: config.FailedOnly,
		Limit:      config.Limit,
	})
	if err != nil {
		return err
	}
	if config.JSON {
		return printJSON(executions)
	}
	if len(executions) == 0 {
		presenter.Info("No executions recorded")
		return nil
	}

	rows := make([][]string, 0, len(executions))
	for _, e := range executions {
		status := "ok"
		if !e.Success {
			status = "failed"
			if e.ErrorKind != "" {
				status += " (" + e.ErrorKind + ")"
			}
		}
		rows = append(rows, []string{
			e.StartedAt.Local().Format(time.DateTime),
			e.Skill,
			status,
			e.Duration.Round(time.Millisecond).String(),
			presenter.Truncate(e.Request, 40),
			presenter.Truncate(e.Message, 60),
		})
	}
	presenter.Table([]string{"TIME", "SKILL", "STATUS", "DURATION", "REQUEST", "MESSAGE"}, rows)
	return nil
}

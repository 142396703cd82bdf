package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
)

var listCmd = &cobra.Command{
	Use:   "list [keyword...]",
	Short: "List loadable skills",
	Long: `Load the skills directory once and list every skill that registered. With
keywords, only skills whose name, description, tags or keywords mention one of
them are listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withEngine(cmd.Context(), func(e *engine) error {
			found := e.registry.List()
			if len(args) > 0 {
				found = e.registry.Search(args...)
			}
			if asJSON {
				return printJSON(skillSummaries(found))
			}
			renderSkills(found)
			return nil
		})
	},
}

func init() {
	listCmd.Flags().Bool("json", false, "Print skills as JSON")
}

type skillSummary struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Version     string         `json:"version"`
	Variant     skills.Variant `json:"variant"`
	Directory   string         `json:"directory,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

func skillSummaries(loaded []*skills.LoadedSkill) []skillSummary {
	out := make([]skillSummary, 0, len(loaded))
	for _, ls := range loaded {
		out = append(out, skillSummary{
			Name:        ls.Name(),
			Description: ls.Skill.Description(),
			Version:     ls.Skill.Version(),
			Variant:     ls.Variant,
			Directory:   ls.Directory,
			Tags:        ls.Descriptor.Tags,
		})
	}
	return out
}

func renderSkills(loaded []*skills.LoadedSkill) {
	if len(loaded) == 0 {
		presenter.Info("No skills loaded")
		return
	}

	rows := make([][]string, 0, len(loaded))
	for _, ls := range loaded {
		rows = append(rows, []string{
			ls.Name(),
			string(ls.Variant),
			ls.Skill.Version(),
			presenter.Truncate(ls.Skill.Description(), 60),
		})
	}
	presenter.Table([]string{"NAME", "VARIANT", "VERSION", "DESCRIPTION"}, rows)
}

// withEngine loads the skills directory without a watcher, runs f and shuts
// the engine down.
func withEngine(ctx context.Context, f func(*engine) error) error {
	e, err := newEngine(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(context.WithoutCancel(ctx)); err != nil {
			logger.G(ctx).WithError(err).Warn("skill engine did not shut down cleanly")
		}
	}()
	return f(e)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
)

var describeCmd = &cobra.Command{
	Use:   "describe <skill-name>",
	Short: "Show a skill's progressive disclosure tiers",
	Long: `Show what a host learns about a skill at each disclosure tier:

  discovery   one line: name and description
  activation  descriptor metadata, directory layout and instructions
  execution   activation plus execution constraints and a parameters schema
  all         every tier`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tier, _ := cmd.Flags().GetString("tier")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withEngine(cmd.Context(), func(e *engine) error {
			info, err := disclose(e.cache, args[0], tier)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(info)
			}
			renderTier(info)
			return nil
		})
	},
}

func init() {
	describeCmd.Flags().String("tier", "activation", "Disclosure tier (discovery, activation, execution, all)")
	describeCmd.Flags().Bool("json", false, "Print the tier as JSON")
}

func disclose(cache *skills.DisclosureCache, name, tier string) (map[string]any, error) {
	var (
		info map[string]any
		ok   bool
	)
	switch tier {
	case "discovery":
		info, ok = cache.Activation(name)
		if ok {
			info = map[string]any{"discovery": skills.DiscoveryLine(name, fmt.Sprint(info["description"]))}
		}
	case "activation":
		info, ok = cache.Activation(name)
	case "execution":
		info, ok = cache.Execution(name)
	case "all":
		info, ok = cache.Prepare(name)
	default:
		return nil, errors.Errorf("unknown tier %q, must be one of: discovery, activation, execution, all", tier)
	}
	if !ok {
		return nil, skills.NewNotFoundError(name)
	}
	return info, nil
}

func renderTier(info map[string]any) {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var instructions string
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		if k == "instructions" {
			instructions = fmt.Sprint(info[k])
			continue
		}
		rows = append(rows, []string{k, presenter.Truncate(formatValue(info[k]), 80)})
	}
	presenter.Table([]string{"KEY", "VALUE"}, rows)

	if instructions != "" {
		fmt.Println()
		presenter.Section("Instructions")
		fmt.Println(instructions)
	}
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case bool, int, int64, float64:
		return fmt.Sprint(v)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}

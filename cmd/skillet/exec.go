package main

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
)

var execCmd = &cobra.Command{
	Use:   "exec [skill-name] <request>",
	Short: "Execute a skill once",
	Long: `Load the skills directory and execute one skill. With --match, the first
skill that can handle the request runs instead of a named one.

Examples:
  skillet exec shout "hello"
  skillet exec pdf-tools "extract text" --param file=report.pdf --param pages=1-3
  skillet exec --match "convert this pdf to text"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		match, _ := cmd.Flags().GetBool("match")
		asJSON, _ := cmd.Flags().GetBool("json")
		rawParams, _ := cmd.Flags().GetStringArray("param")

		params, err := parseParams(rawParams)
		if err != nil {
			return err
		}

		var name, request string
		switch {
		case match && len(args) == 1:
			request = args[0]
		case !match && len(args) == 2:
			name, request = args[0], args[1]
		case match:
			return errors.New("--match takes only a request")
		default:
			return errors.New("a skill name and a request are required")
		}

		return withEngine(cmd.Context(), func(e *engine) error {
			var res *skills.Result
			if match {
				res = e.registry.ExecuteMatching(cmd.Context(), request, params)
			} else {
				res = e.registry.Execute(cmd.Context(), name, request, params)
			}

			if asJSON {
				if err := printJSON(res); err != nil {
					return err
				}
			} else {
				presenter.Result(res)
			}
			if !res.IsSuccess() {
				return errReported
			}
			return nil
		})
	},
}

func init() {
	execCmd.Flags().Bool("match", false, "Run the first skill that can handle the request")
	execCmd.Flags().Bool("json", false, "Print the result as JSON")
	execCmd.Flags().StringArrayP("param", "p", nil, "Parameter as key=value; values that parse as JSON are decoded")
}

// parseParams turns key=value pairs into a params map. Values that are valid
// JSON (numbers, booleans, arrays, objects, quoted strings) are decoded; any
// other value is kept as a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Errorf("invalid parameter %q, expected key=value", pair)
		}

		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}

package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/loader"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
)

var validateCmd = &cobra.Command{
	Use:   "validate [skill-dir...]",
	Short: "Validate skill folders without loading them",
	Long: `Parse and validate the descriptor of each skill folder given, or of every
folder under the skills directory when none is given. Exits non-zero when any
skill has fatal errors.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		dirs := args
		if len(dirs) == 0 {
			var err error
			if dirs, err = subdirectories(cfg.SkillsDir); err != nil {
				return err
			}
		}

		l, err := loader.New(loader.WithPatterns(cfg.DescriptorPatterns...))
		if err != nil {
			return err
		}
		defer l.Close()

		results := validateDirs(l, newValidator(cfg), dirs)
		if asJSON {
			if err := printJSON(results); err != nil {
				return err
			}
		} else {
			if len(results) == 0 {
				presenter.Info("No skill folders found")
			}
			for _, r := range results {
				presenter.Report(r.Name, r.Report)
			}
		}

		for _, r := range results {
			if !r.Report.Valid() {
				return errReported
			}
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().Bool("json", false, "Print reports as JSON")
}

type validation struct {
	Name       string                   `json:"name"`
	Directory  string                   `json:"directory"`
	Descriptor string                   `json:"descriptor,omitempty"`
	Report     *skills.ValidationReport `json:"report"`
}

// validateDirs validates each directory. A folder without a descriptor or
// with an unparseable one yields a report with a single error.
func validateDirs(l *loader.Loader, v *skills.Validator, dirs []string) []validation {
	results := make([]validation, 0, len(dirs))
	for _, dir := range dirs {
		r := validation{Name: filepath.Base(dir), Directory: dir}

		path, ok := l.FindDescriptor(dir)
		if !ok {
			r.Report = &skills.ValidationReport{Errors: []string{"no skill descriptor found"}, Warnings: []string{}}
			results = append(results, r)
			continue
		}
		r.Descriptor = path

		d, err := skills.ParseFile(path)
		if err != nil {
			r.Report = &skills.ValidationReport{Errors: []string{err.Error()}, Warnings: []string{}}
			results = append(results, r)
			continue
		}
		if d.Name != "" {
			r.Name = d.Name
		}
		r.Report = v.Validate(d, dir, path)
		results = append(results, r)
	}
	return results
}

func subdirectories(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read skills directory %s", root)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	return dirs, nil
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/skills/luaplugin"
)

// NewSkillConfig holds the options of the new command.
type NewSkillConfig struct {
	Description string
	Format      string
	Main        string
	Force       bool
}

// NewNewSkillConfig returns the defaults of the new command.
func NewNewSkillConfig() *NewSkillConfig {
	return &NewSkillConfig{Format: "md"}
}

var newCmd = &cobra.Command{
	Use:   "new <skill-name>",
	Short: "Scaffold a skill folder in the skills directory",
	Long: `Create <skills-dir>/<skill-name> with a descriptor and the recommended
scripts, references and assets folders. With --main, a Lua entry point that
defines execute and can_handle is created as well.

Examples:
  skillet new release-notes --description "Drafts release notes from a changelog"
  skillet new shout --main shout --format json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config := getNewSkillConfigFromFlags(cmd)
		if config.Description == "" {
			config.Description = presenter.Prompt("Description")
		}

		dir := filepath.Join(cfg.SkillsDir, args[0])
		if !config.Force && descriptorExists(dir) {
			answer := presenter.Prompt(fmt.Sprintf("Skill '%s' already exists, overwrite", args[0]), "y", "N")
			if !strings.EqualFold(answer, "y") {
				presenter.Warning("Skipped")
				return nil
			}
			config.Force = true
		}

		path, err := scaffoldSkill(cfg.SkillsDir, args[0], config)
		if err != nil {
			return err
		}
		presenter.Success(fmt.Sprintf("Created skill '%s' at %s", args[0], path))
		return nil
	},
}

func init() {
	defaults := NewNewSkillConfig()
	newCmd.Flags().StringP("description", "d", defaults.Description, "One-line description of what the skill does")
	newCmd.Flags().StringP("format", "f", defaults.Format, "Descriptor format (md, json, yaml)")
	newCmd.Flags().String("main", defaults.Main, "Entry point name; scaffolds lua/<main>.lua")
	newCmd.Flags().Bool("force", defaults.Force, "Overwrite an existing descriptor without asking")
}

func getNewSkillConfigFromFlags(cmd *cobra.Command) *NewSkillConfig {
	config := NewNewSkillConfig()
	if description, err := cmd.Flags().GetString("description"); err == nil {
		config.Description = description
	}
	if format, err := cmd.Flags().GetString("format"); err == nil {
		config.Format = format
	}
	if entry, err := cmd.Flags().GetString("main"); err == nil {
		config.Main = entry
	}
	if force, err := cmd.Flags().GetBool("force"); err == nil {
		config.Force = force
	}
	return config
}

var descriptorFiles = map[string]string{
	"md":   "SKILL.md",
	"json": "skill.json",
	"yaml": "skill.yaml",
}

const luaTemplate = `-- %[1]s entry point

function can_handle(request)
  return string.find(string.lower(request), "%[1]s", 1, true) ~= nil
end

function execute(request, params)
  return { success = true, message = request }
end
`

// scaffoldSkill creates the skill folder and returns the descriptor path.
func scaffoldSkill(root, name string, config *NewSkillConfig) (string, error) {
	if !skills.ValidName(name) {
		return "", errors.Errorf("invalid skill name %q: must be lowercase letters, numbers, and hyphens only", name)
	}
	file, ok := descriptorFiles[config.Format]
	if !ok {
		return "", errors.Errorf("unknown descriptor format %q, must be one of: md, json, yaml", config.Format)
	}

	dir := filepath.Join(root, name)
	if !config.Force && descriptorExists(dir) {
		return "", errors.Errorf("skill %s already exists in %s", name, dir)
	}

	for _, sub := range skills.RecommendedDirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", errors.Wrapf(err, "failed to create %s", sub)
		}
	}

	d := skills.NewDescriptor()
	d.Name = name
	d.Description = config.Description
	d.Main = config.Main
	if d.Main == "" {
		d.Instructions = fmt.Sprintf("# %s\n\nDescribe, step by step, how to carry out this skill.", name)
	} else {
		luaDir := filepath.Join(dir, luaplugin.DirName)
		if err := os.MkdirAll(luaDir, 0o755); err != nil {
			return "", errors.Wrap(err, "failed to create lua directory")
		}
		entry := filepath.Join(luaDir, d.Main+".lua")
		if err := os.WriteFile(entry, []byte(fmt.Sprintf(luaTemplate, d.Main)), 0o644); err != nil {
			return "", errors.Wrap(err, "failed to write lua entry point")
		}
	}

	path := filepath.Join(dir, file)
	if err := skills.WriteFile(path, d); err != nil {
		return "", err
	}
	return path, nil
}

func descriptorExists(dir string) bool {
	for _, file := range descriptorFiles {
		if _, err := os.Stat(filepath.Join(dir, file)); err == nil {
			return true
		}
	}
	return false
}

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/loader"
	"github.com/jingkaihe/skillet/pkg/presenter"
)

var addCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Copy skill folders into the skills directory",
	Long: `Copy a skill folder, or every skill folder found under a directory tree,
into the skills directory. A running "skillet serve" with hot reload picks the
new skills up. Existing skills are skipped.

Examples:
  skillet add ./vendor/skills
  skillet add ~/src/team-skills/release-notes`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		l, err := loader.New(loader.WithPatterns(cfg.DescriptorPatterns...))
		if err != nil {
			return err
		}
		defer l.Close()

		dirs, err := findSkillDirs(l, args[0])
		if err != nil {
			return errors.Wrap(err, "failed to find skills")
		}
		if len(dirs) == 0 {
			presenter.Warning("No skills found in " + args[0])
			return nil
		}

		if err := os.MkdirAll(cfg.SkillsDir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create skills directory")
		}

		installed := 0
		for _, dir := range dirs {
			name := filepath.Base(dir)
			dest := filepath.Join(cfg.SkillsDir, name)
			if _, err := os.Stat(dest); err == nil {
				presenter.Warning(fmt.Sprintf("Skill '%s' already exists, skipping", name))
				continue
			}
			if err := copyDir(dir, dest); err != nil {
				presenter.Error(err, fmt.Sprintf("Failed to add skill '%s'", name))
				continue
			}
			installed++
			presenter.Success(fmt.Sprintf("Added skill '%s' to %s", name, dest))
		}
		if installed > 0 {
			presenter.Info(fmt.Sprintf("Added %d skill(s)", installed))
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <skill-name>",
	Short: "Delete a skill folder from the skills directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		name := args[0]

		dir := filepath.Join(cfg.SkillsDir, name)
		if filepath.Base(dir) != name || strings.HasPrefix(name, ".") {
			return errors.Errorf("invalid skill name %q", name)
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return errors.Errorf("skill '%s' not found in %s", name, cfg.SkillsDir)
		}

		if !yes {
			answer := presenter.Prompt(fmt.Sprintf("Remove %s", dir), "y", "N")
			if !strings.EqualFold(answer, "y") {
				presenter.Warning("Skipped")
				return nil
			}
		}

		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "failed to remove skill '%s'", name)
		}
		presenter.Success(fmt.Sprintf("Removed skill '%s'", name))
		return nil
	},
}

func init() {
	removeCmd.Flags().BoolP("yes", "y", false, "Remove without asking")
}

// findSkillDirs returns root itself when it holds a descriptor, otherwise
// every folder beneath it that does. Hidden folders and node_modules are
// not descended into.
func findSkillDirs(l *loader.Loader, root string) ([]string, error) {
	if _, ok := l.FindDescriptor(root); ok {
		return []string{root}, nil
	}

	var dirs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules") {
			return filepath.SkipDir
		}
		if _, ok := l.FindDescriptor(path); ok {
			dirs = append(dirs, path)
			return filepath.SkipDir
		}
		return nil
	})
	return dirs, err
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

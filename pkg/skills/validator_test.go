package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDescriptor(name string) *Descriptor {
	d := NewDescriptor()
	d.Name = name
	d.Description = "A valid skill"
	d.Instructions = "Do the thing."
	return d
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"simple", "echo", true},
		{"hyphenated", "pdf-tools", true},
		{"digits", "v2-skill-3", true},
		{"max length", strings.Repeat("a", 64), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 65), false},
		{"uppercase", "Echo", false},
		{"leading hyphen", "-echo", false},
		{"trailing hyphen", "echo-", false},
		{"double hyphen", "echo--tool", false},
		{"underscore", "echo_tool", false},
		{"space", "echo tool", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidName(tt.input))
		})
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	t.Run("valid without directory", func(t *testing.T) {
		report := v.Validate(validDescriptor("echo"), "", "")
		assert.True(t, report.Valid())
		assert.Empty(t, report.Warnings)
		assert.NoError(t, report.Err())
	})

	t.Run("name must match folder", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "foo")
		require.NoError(t, os.MkdirAll(dir, 0o755))

		report := v.Validate(validDescriptor("bar"), dir, "")
		assert.False(t, report.Valid())
		assert.Contains(t, report.Errors, "Skill name must match folder name: bar != foo")
		assert.Error(t, report.Err())
	})

	t.Run("description limits", func(t *testing.T) {
		d := validDescriptor("echo")
		d.Description = strings.Repeat("x", 1024)
		assert.True(t, v.Validate(d, "", "").Valid())

		d.Description = strings.Repeat("x", 1025)
		report := v.Validate(d, "", "")
		assert.False(t, report.Valid())
		assert.Equal(t, []string{"description exceeds 1024 character limit"}, report.Errors)
	})

	t.Run("required fields", func(t *testing.T) {
		report := v.Validate(&Descriptor{}, "", "")
		assert.Equal(t, []string{
			"name field is required",
			"description field is required",
			"skill must declare main or instructions",
		}, report.Errors)
	})

	t.Run("main satisfies entry point", func(t *testing.T) {
		d := validDescriptor("echo")
		d.Instructions = "   "
		d.Main = "echo"
		assert.True(t, v.Validate(d, "", "").Valid())
	})

	t.Run("compatibility limit", func(t *testing.T) {
		d := validDescriptor("echo")
		d.Compatibility = strings.Repeat("c", 501)
		assert.Contains(t, v.Validate(d, "", "").Errors, "compatibility field exceeds 500 character limit")
	})

	t.Run("structure and size warnings", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "echo")
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
		path := filepath.Join(dir, "SKILL.md")
		require.NoError(t, os.WriteFile(path, make([]byte, 3*1024), 0o644))

		report := NewValidator(WithMaxDescriptorKB(2)).Validate(validDescriptor("echo"), dir, path)
		assert.True(t, report.Valid())
		assert.Equal(t, []string{
			"Recommended directory not found: references",
			"Recommended directory not found: assets",
			"SKILL.md file is large (3KB), consider splitting content into reference files",
		}, report.Warnings)
	})
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillet/pkg/config"
	"github.com/jingkaihe/skillet/pkg/loader"
	"github.com/jingkaihe/skillet/pkg/skills"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestLoader(t *testing.T) *loader.Loader {
	t.Helper()
	l, err := loader.New()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"file=report.pdf", "pages=3", "strict=true", "tags=[\"a\",\"b\"]", "note=", "expr=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"file":   "report.pdf",
		"pages":  float64(3),
		"strict": true,
		"tags":   []any{"a", "b"},
		"note":   "",
		"expr":   "a=b",
	}, params)

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)

	for _, bad := range []string{"novalue", "=value", " =x"} {
		_, err := parseParams([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestScaffoldSkill(t *testing.T) {
	root := t.TempDir()
	l := newTestLoader(t)

	t.Run("instruction skill", func(t *testing.T) {
		path, err := scaffoldSkill(root, "release-notes", &NewSkillConfig{Description: "Drafts release notes", Format: "md"})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "release-notes", "SKILL.md"), path)
		for _, sub := range skills.RecommendedDirs {
			assert.DirExists(t, filepath.Join(root, "release-notes", sub))
		}

		ls, err := l.Load(context.Background(), filepath.Join(root, "release-notes"))
		require.NoError(t, err)
		assert.Equal(t, skills.VariantInstruction, ls.Variant)
		assert.Equal(t, "Drafts release notes", ls.Skill.Description())
		assert.Contains(t, ls.Skill.Instructions(), "# release-notes")
	})

	t.Run("lua skill", func(t *testing.T) {
		_, err := scaffoldSkill(root, "shout", &NewSkillConfig{Description: "Echoes requests", Format: "json", Main: "shout"})
		require.NoError(t, err)

		ls, err := l.Load(context.Background(), filepath.Join(root, "shout"))
		require.NoError(t, err)
		t.Cleanup(func() { ls.Release() })
		assert.Equal(t, skills.VariantIsolated, ls.Variant)
		assert.True(t, ls.Skill.CanHandle("please SHOUT this"))
		assert.False(t, ls.Skill.CanHandle("whisper"))

		res, err := ls.Skill.Execute(context.Background(), "hello", nil)
		require.NoError(t, err)
		assert.True(t, res.IsSuccess())
		assert.Equal(t, "hello", res.Message())
	})

	t.Run("errors", func(t *testing.T) {
		_, err := scaffoldSkill(root, "Bad_Name", &NewSkillConfig{Description: "x", Format: "md"})
		assert.ErrorContains(t, err, "invalid skill name")

		_, err = scaffoldSkill(root, "other", &NewSkillConfig{Description: "x", Format: "toml"})
		assert.ErrorContains(t, err, "unknown descriptor format")

		_, err = scaffoldSkill(root, "release-notes", &NewSkillConfig{Description: "x", Format: "yaml"})
		assert.ErrorContains(t, err, "already exists")

		_, err = scaffoldSkill(root, "release-notes", &NewSkillConfig{Description: "x", Format: "md", Force: true})
		assert.NoError(t, err)
	})
}

func TestFindSkillDirsAndCopy(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "team", "echo", "SKILL.md"), "---\nname: echo\ndescription: Echoes\n---\nRepeat.\n")
	writeFile(t, filepath.Join(src, "team", "echo", "scripts", "run.sh"), "#!/bin/sh\necho hi\n")
	writeFile(t, filepath.Join(src, "shout", "skill.json"), `{"name": "shout", "description": "Shouts", "instructions": "Shout."}`)
	writeFile(t, filepath.Join(src, ".git", "hooks", "SKILL.md"), "ignored")
	writeFile(t, filepath.Join(src, "node_modules", "dep", "SKILL.md"), "ignored")
	writeFile(t, filepath.Join(src, "README.md"), "docs")

	l := newTestLoader(t)
	dirs, err := findSkillDirs(l, src)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(src, "shout"), filepath.Join(src, "team", "echo")}, dirs)

	single, err := findSkillDirs(l, filepath.Join(src, "shout"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(src, "shout")}, single)

	dst := filepath.Join(t.TempDir(), "echo")
	require.NoError(t, copyDir(filepath.Join(src, "team", "echo"), dst))
	content, err := os.ReadFile(filepath.Join(dst, "scripts", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hi\n", string(content))

	ls, err := l.Load(context.Background(), dst)
	require.NoError(t, err)
	assert.Equal(t, "echo", ls.Name())
}

func TestValidateDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "echo", "SKILL.md"), "---\nname: echo\ndescription: Echoes\n---\nRepeat.\n")
	writeFile(t, filepath.Join(root, "mismatch", "skill.json"), `{"name": "other", "description": "Wrong folder", "instructions": "x"}`)
	writeFile(t, filepath.Join(root, "broken", "skill.json"), `{"name": `)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	dirs, err := subdirectories(root)
	require.NoError(t, err)

	results := validateDirs(newTestLoader(t), skills.NewValidator(), dirs)
	require.Len(t, results, 4)

	byDir := map[string]validation{}
	for _, r := range results {
		byDir[filepath.Base(r.Directory)] = r
	}

	assert.True(t, byDir["echo"].Report.Valid())
	assert.Contains(t, byDir["echo"].Report.Warnings, "Recommended directory not found: scripts")

	assert.Equal(t, "other", byDir["mismatch"].Name)
	assert.Equal(t, []string{"Skill name must match folder name: other != mismatch"}, byDir["mismatch"].Report.Errors)

	assert.False(t, byDir["broken"].Report.Valid())
	assert.Equal(t, []string{"no skill descriptor found"}, byDir["empty"].Report.Errors)

	_, err = subdirectories(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestEngineOptionsFromConfig(t *testing.T) {
	c := config.Default()
	c.RecommendedDirs = []string{"docs"}

	dir := filepath.Join(t.TempDir(), "echo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	d := skills.NewDescriptor()
	d.Name = "echo"
	d.Description = "Echoes"
	d.Instructions = "Repeat."

	report := newValidator(c).Validate(d, dir, "")
	assert.True(t, report.Valid())
	assert.Equal(t, []string{"Recommended directory not found: docs"}, report.Warnings)

	assert.Len(t, rpcOptions(c), 1)
	c.RPCStartTimeout = 0
	assert.Empty(t, rpcOptions(c))
}

func newTestEngine(t *testing.T, root string) *engine {
	t.Helper()
	c := config.Default()
	c.SkillsDir = root
	e, err := newEngine(context.Background(), c, false)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestServeStdio(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "echo", "SKILL.md"), "---\nname: echo\ndescription: Echoes input\n---\nRepeat the request.\n")
	writeFile(t, filepath.Join(root, "shout", "skill.json"), `{"name": "shout", "description": "Uppercases the request", "main": "shout"}`)
	writeFile(t, filepath.Join(root, "shout", "lua", "shout.lua"), `function execute(request) return string.upper(request) end`)

	e := newTestEngine(t, root)

	input := strings.Join([]string{
		`{"skill": "shout", "request": "hello"}`,
		`{"op": "match", "request": "please echo this"}`,
		`{"op": "discover"}`,
		`{"op": "activate", "skill": "echo"}`,
		`{"skill": "missing", "request": "x"}`,
		`{"op": "activate", "skill": "missing"}`,
		`{"request": "no skill"}`,
		`{"op": "dance"}`,
		``,
		`not json`,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, serveStdio(context.Background(), e, strings.NewReader(input), &out))

	var lines []map[string]any
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 9)

	assert.Equal(t, true, lines[0]["success"])
	assert.Equal(t, "HELLO", lines[0]["message"])
	assert.Equal(t, "shout", lines[0]["skill_name"])

	assert.Equal(t, "echo", lines[1]["skill_name"])
	assert.Equal(t, "Repeat the request.", strings.TrimSpace(lines[1]["data"].(string)))

	assert.ElementsMatch(t, []any{"echo: Echoes input", "shout: Uppercases the request"}, lines[2]["skills"])

	assert.Equal(t, "echo", lines[3]["name"])
	assert.Equal(t, "instruction", lines[3]["variant"])

	assert.Equal(t, false, lines[4]["success"])
	assert.Equal(t, "Skill not found: missing", lines[4]["message"])

	assert.Equal(t, false, lines[5]["success"])
	assert.Contains(t, lines[5]["message"], "skill not found")

	assert.Equal(t, "skill is required", lines[6]["message"])
	assert.Equal(t, `unknown op "dance"`, lines[7]["message"])
	assert.Contains(t, lines[8]["message"], "invalid request")
}

func TestDisclose(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "echo", "SKILL.md"), "---\nname: echo\ndescription: Echoes input\n---\nRepeat the request.\n")
	e := newTestEngine(t, root)

	info, err := disclose(e.cache, "echo", "discovery")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"discovery": "echo: Echoes input"}, info)

	info, err = disclose(e.cache, "echo", "execution")
	require.NoError(t, err)
	assert.Equal(t, "ready", info["execution_context"])

	info, err = disclose(e.cache, "echo", "all")
	require.NoError(t, err)
	assert.Contains(t, info, "tier_3_execution")

	_, err = disclose(e.cache, "missing", "activation")
	assert.Equal(t, skills.KindNotFound, skills.KindOf(err))

	_, err = disclose(e.cache, "echo", "everything")
	assert.ErrorContains(t, err, "unknown tier")

	assert.Equal(t, "plain", formatValue("plain"))
	assert.Equal(t, "true", formatValue(true))
	assert.Equal(t, `["a","b"]`, formatValue([]string{"a", "b"}))
}

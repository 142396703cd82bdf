package luaplugin

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillet/pkg/skills"
)

const echoModule = `
local util = require("util.text")

function can_handle(request)
  return string.find(request, "echo") ~= nil
end

function execute(request, params)
  if params.fail then
    return { success = false, message = "asked to fail" }
  end
  return {
    message = util.shout(request),
    data = { words = util.words(request), count = params.count },
    metadata = { engine = "lua" },
  }
end
`

const utilModule = `
local M = {}

function M.shout(s)
  return string.upper(s)
end

function M.words(s)
  local out = {}
  for w in string.gmatch(s, "%S+") do
    table.insert(out, w)
  end
  return out
end

return M
`

func writeLua(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func descriptor(name string) *skills.Descriptor {
	d := skills.NewDescriptor()
	d.Name = name
	d.Description = "Lua test skill"
	d.Main = "echo"
	d.Tags = []string{"repeat"}
	return d
}

func openEcho(t *testing.T) (*Plugin, *Skill) {
	t.Helper()
	dir := t.TempDir()
	writeLua(t, dir, map[string]string{"echo.lua": echoModule, "util/text.lua": utilModule})

	p, err := OpenDir(context.Background(), "echo", dir, "echo")
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, NewSkill(p, descriptor("echo"))
}

func TestSkill_Execute(t *testing.T) {
	_, s := openEcho(t)

	res, err := s.Execute(context.Background(), "echo hello world", map[string]any{"count": 2})
	require.NoError(t, err)
	require.True(t, res.IsSuccess())
	assert.Equal(t, "ECHO HELLO WORLD", res.Message())
	assert.Equal(t, "echo", res.SkillName())
	assert.Equal(t, map[string]any{
		"words": []any{"echo", "hello", "world"},
		"count": int64(2),
	}, res.Data())
	assert.Equal(t, "lua", res.Metadata()["engine"])

	res, err = s.Execute(context.Background(), "echo", map[string]any{"fail": true})
	require.NoError(t, err)
	assert.False(t, res.IsSuccess())
	assert.Equal(t, "asked to fail", res.Message())
}

func TestSkill_CanHandle(t *testing.T) {
	_, s := openEcho(t)
	assert.True(t, s.CanHandle("please echo this"))
	assert.False(t, s.CanHandle("summarize this"))

	dir := t.TempDir()
	writeLua(t, dir, map[string]string{"plain.lua": `function execute(r) return r end`})
	p, err := OpenDir(context.Background(), "plain", dir, "plain")
	require.NoError(t, err)
	defer p.Close()

	plain := NewSkill(p, descriptor("plain"))
	assert.True(t, plain.CanHandle("can you repeat that"), "falls back to descriptor tags")
	assert.False(t, plain.CanHandle("unrelated"))

	res, err := plain.Execute(context.Background(), "as is", nil)
	require.NoError(t, err)
	assert.Equal(t, "as is", res.Message())
}

func TestSandbox(t *testing.T) {
	tests := []struct {
		name   string
		script string
		errMsg string
	}{
		{"os is unavailable", `function execute() return os.getenv("HOME") end`, "attempt to index"},
		{"io is unavailable", `function execute() return io.open("/etc/passwd") end`, "attempt to index"},
		{"dofile is removed", `function execute() return dofile("/tmp/x.lua") end`, "attempt to call"},
		{"require os is refused", `function execute() return require("os") end`, `module "os" is not available`},
		{"require outside artifact", `function execute() return require("missing.mod") end`, `module "missing.mod" is not available`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeLua(t, dir, map[string]string{"main.lua": tt.script})

			p, err := OpenDir(context.Background(), "sandboxed", dir, "main")
			require.NoError(t, err)
			defer p.Close()

			_, err = NewSkill(p, descriptor("sandboxed")).Execute(context.Background(), "", nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	dir := t.TempDir()
	writeLua(t, dir, map[string]string{
		"noexec.lua": `local x = 1`,
		"broken.lua": `function execute( return end`,
	})

	_, err := OpenDir(context.Background(), "noexec", dir, "noexec")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not define an execute function")

	_, err = OpenDir(context.Background(), "broken", dir, "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")

	_, err = OpenDir(context.Background(), "absent", dir, "absent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module absent not found")

	_, err = OpenDir(context.Background(), "nodir", filepath.Join(dir, "nope"), "main")
	assert.Error(t, err)
}

func TestOpenArchive(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "echo.zip")
	writeZip(t, archive, map[string]string{
		"echo-1.0/echo.lua":      echoModule,
		"echo-1.0/util/text.lua": utilModule,
	})

	p, err := OpenArchive(context.Background(), "echo", archive, "echo")
	require.NoError(t, err)

	res, err := NewSkill(p, descriptor("echo")).Execute(context.Background(), "echo zip", nil)
	require.NoError(t, err)
	assert.Equal(t, "ECHO ZIP", res.Message())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "close is idempotent")
}

func TestPlugin_CloseReleasesStates(t *testing.T) {
	p, s := openEcho(t)

	idle, active := p.Stats()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, active)

	require.NoError(t, p.Close())
	idle, _ = p.Stats()
	assert.Equal(t, 0, idle)

	_, err := s.Execute(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
	assert.False(t, s.CanHandle("echo"))
}

func TestPlugin_IsolatedFromOtherPlugins(t *testing.T) {
	dir := t.TempDir()
	writeLua(t, dir, map[string]string{"counter.lua": `
calls = 0
function execute()
  calls = calls + 1
  return { data = calls }
end
`})
	p, err := OpenDir(context.Background(), "counter", dir, "counter", WithMaxIdle(1))
	require.NoError(t, err)
	defer p.Close()

	other, err := OpenDir(context.Background(), "counter", dir, "counter")
	require.NoError(t, err)
	defer other.Close()

	s := NewSkill(p, descriptor("counter"))
	for i := 1; i <= 3; i++ {
		res, err := s.Execute(context.Background(), "", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.Data())
	}

	res, err := NewSkill(other, descriptor("counter")).Execute(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Data(), "separate plugins share no globals")
}

func TestSkill_ExecuteHonoursContext(t *testing.T) {
	dir := t.TempDir()
	writeLua(t, dir, map[string]string{"spin.lua": `function execute() while true do end end`})

	p, err := OpenDir(context.Background(), "spin", dir, "spin")
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = NewSkill(p, descriptor("spin")).Execute(ctx, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	idle, active := p.Stats()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, idle, "interrupted state is discarded")
}

package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillet/pkg/config"
	"github.com/jingkaihe/skillet/pkg/loader"
	"github.com/jingkaihe/skillet/pkg/skills"
)

func skillMarkdown(name, description string) string {
	return "---\nname: " + name + "\ndescription: \"" + description + "\"\n---\n\nFollow the steps.\n"
}

const shoutDescriptor = `{
  "name": "shout",
  "description": "Uppercases the request",
  "main": "shout"
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeShout(t *testing.T, root string) string {
	t.Helper()
	dir := filepath.Join(root, "shout")
	writeFile(t, filepath.Join(dir, "skill.json"), shoutDescriptor)
	writeFile(t, filepath.Join(dir, "lua", "shout.lua"), `function execute(request) return string.upper(request) end`)
	return dir
}

func newManager(t *testing.T, root string, opts ...Option) (*Manager, *loader.Loader, *skills.Registry) {
	t.Helper()
	l, err := loader.New()
	require.NoError(t, err)
	return newManagerWithLoader(t, root, l, opts...)
}

func newManagerWithLoader(t *testing.T, root string, l *loader.Loader, opts ...Option) (*Manager, *loader.Loader, *skills.Registry) {
	t.Helper()
	r := skills.NewRegistry()

	opts = append([]Option{
		WithWatchInterval(100 * time.Millisecond),
		WithShutdownTimeout(2 * time.Second),
	}, opts...)
	m, err := NewManager(root, l, r, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, l, r
}

func description(r *skills.Registry, name string) string {
	ls, ok := r.Get(name)
	if !ok {
		return ""
	}
	return ls.Descriptor.Description
}

func TestManager_InitializeLoadsExisting(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "echo", "SKILL.md"), skillMarkdown("echo", "Echoes input"))
	writeFile(t, filepath.Join(root, "broken", "skill.json"), `{"name": `)
	writeFile(t, filepath.Join(root, "orphan", "skill.json"), `{"name": "orphan", "description": "No entry", "main": "missing"}`)
	writeFile(t, filepath.Join(root, "README.md"), "not a skill")

	m, _, r := newManager(t, root, WithHotReload(false))
	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, []string{"echo"}, r.Names())
	assert.Equal(t, []string{filepath.Join(root, "echo")}, m.Directories())
	assert.Empty(t, m.Watched())

	err := m.LoadAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no viable entry point")
	assert.NotContains(t, err.Error(), "broken")

	assert.Error(t, m.Initialize(context.Background()))
}

func TestManager_CreatesMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "skills")
	m, _, r := newManager(t, root)
	require.NoError(t, m.Initialize(context.Background()))

	assert.DirExists(t, root)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, []string{root}, m.Watched())
}

func TestManager_AutoLoadDisabled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "echo", "SKILL.md"), skillMarkdown("echo", "Echoes input"))

	m, _, r := newManager(t, root, WithAutoLoad(false), WithHotReload(false))
	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, 0, r.Len())

	require.NoError(t, m.ReloadAll(context.Background()))
	assert.Equal(t, []string{"echo"}, r.Names())
}

func TestManager_HotReload(t *testing.T) {
	root := t.TempDir()
	m, _, r := newManager(t, root)
	require.NoError(t, m.Initialize(context.Background()))

	dir := filepath.Join(root, "echo")
	descriptor := filepath.Join(dir, "SKILL.md")

	t.Run("new directory is loaded", func(t *testing.T) {
		writeFile(t, descriptor, skillMarkdown("echo", "Echoes input"))
		require.Eventually(t, func() bool {
			return description(r, "echo") == "Echoes input"
		}, 5*time.Second, 20*time.Millisecond)
		assert.Contains(t, m.Watched(), dir)
	})

	t.Run("modified descriptor is reloaded", func(t *testing.T) {
		writeFile(t, descriptor, skillMarkdown("echo", "Repeats input"))
		require.Eventually(t, func() bool {
			return description(r, "echo") == "Repeats input"
		}, 5*time.Second, 20*time.Millisecond)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("other files are ignored", func(t *testing.T) {
		before, ok := r.Get("echo")
		require.True(t, ok)
		writeFile(t, filepath.Join(dir, "notes.txt"), "scratch")
		time.Sleep(400 * time.Millisecond)
		after, ok := r.Get("echo")
		require.True(t, ok)
		assert.Same(t, before, after)
	})

	t.Run("deleted descriptor unloads", func(t *testing.T) {
		require.NoError(t, os.Remove(descriptor))
		require.Eventually(t, func() bool {
			_, ok := r.Get("echo")
			return !ok
		}, 5*time.Second, 20*time.Millisecond)
		assert.Empty(t, m.Directories())
	})

	t.Run("recreated descriptor loads again", func(t *testing.T) {
		writeFile(t, descriptor, skillMarkdown("echo", "Echoes again"))
		require.Eventually(t, func() bool {
			return description(r, "echo") == "Echoes again"
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("deleted directory unloads", func(t *testing.T) {
		require.NoError(t, os.RemoveAll(dir))
		require.Eventually(t, func() bool {
			_, ok := r.Get("echo")
			return !ok
		}, 5*time.Second, 20*time.Millisecond)
		require.Eventually(t, func() bool {
			return !m.watcher.IsWatched(dir)
		}, 5*time.Second, 20*time.Millisecond)
	})
}

// membership records registration events in the order the registry
// delivers them.
type membership struct {
	mu     sync.Mutex
	events []string
}

func (m *membership) OnSkillRegistered(_ context.Context, ls *skills.LoadedSkill) {
	m.record("registered:" + ls.Name())
}

func (m *membership) OnSkillUnregistered(_ context.Context, ls *skills.LoadedSkill) {
	m.record("unregistered:" + ls.Name())
}

func (m *membership) record(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *membership) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

func TestManager_HotReloadUnregistersBeforeRegistering(t *testing.T) {
	root := t.TempDir()
	descriptor := filepath.Join(root, "echo", "skill.json")
	writeFile(t, descriptor, `{"name": "echo", "description": "Echoes input", "instructions": "Repeat."}`)

	m, _, r := newManager(t, root)
	events := &membership{}
	r.AddRegistrationListener(events)
	require.NoError(t, m.Initialize(context.Background()))
	require.Equal(t, "Echoes input", description(r, "echo"))

	writeFile(t, descriptor, `{"name": "echo", "description": "Repeats input", "instructions": "Repeat."}`)
	require.Eventually(t, func() bool {
		return description(r, "echo") == "Repeats input"
	}, 5*time.Second, 20*time.Millisecond)

	got := events.snapshot()
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, []string{"registered:echo", "unregistered:echo", "registered:echo"}, got[:3])
	for i, event := range got {
		want := "registered:echo"
		if i%2 == 1 {
			want = "unregistered:echo"
		}
		assert.Equal(t, want, event, "event %d: two instances of echo must never coexist", i)
	}
	assert.Equal(t, 1, r.Len())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.WatchIgnore = []string{"*.bak"}
	cfg.MaxConcurrent = 2

	m, _, _ := newManager(t, t.TempDir(), OptionsFromConfig(cfg)...)
	assert.Equal(t, 2, m.maxConcurrent)
	assert.Contains(t, m.ignore, "*.bak")
	assert.Contains(t, m.ignore, "*.swp", "configured patterns extend the defaults")
	assert.Len(t, DefaultIgnorePatterns, len(m.ignore)-1)
}

func TestManager_HotReloadReleasesIsolatedContext(t *testing.T) {
	root := t.TempDir()
	dir := writeShout(t, root)

	m, l, r := newManager(t, root)
	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, []string{"shout:shout"}, l.Contexts())

	first, ok := r.Get("shout")
	require.True(t, ok)

	writeFile(t, filepath.Join(dir, "skill.json"), `{"name": "shout", "description": "Shouts", "main": "shout"}`)
	require.Eventually(t, func() bool {
		return description(r, "shout") == "Shouts"
	}, 5*time.Second, 20*time.Millisecond)

	second, ok := r.Get("shout")
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, []string{"shout:shout"}, l.Contexts())

	res := r.Execute(context.Background(), "shout", "hello", nil)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, "HELLO", res.Message())
}

func TestManager_SupersededLoadIsDiscarded(t *testing.T) {
	root := t.TempDir()
	dir := writeShout(t, root)

	m, l, r := newManager(t, root, WithHotReload(false), WithAutoLoad(false))
	require.NoError(t, m.Initialize(context.Background()))

	gen := m.generation(dir)
	m.unloadDir(context.Background(), dir)

	_, err := m.loadDir(context.Background(), dir, gen)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "superseded")
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, l.Contexts())

	ls, err := m.Reload(context.Background(), "shout")
	require.NoError(t, err)
	assert.Equal(t, "shout", ls.Name())
	assert.Equal(t, []string{dir}, m.Directories())
}

func TestManager_DuplicateNameAcrossDirectories(t *testing.T) {
	root := t.TempDir()
	l, err := loader.New(loader.WithValidateOnLoad(false))
	require.NoError(t, err)
	m, _, r := newManagerWithLoader(t, root, l, WithHotReload(false), WithAutoLoad(false))
	require.NoError(t, m.Initialize(context.Background()))

	a := filepath.Join(root, "echo")
	writeFile(t, filepath.Join(a, "SKILL.md"), skillMarkdown("echo", "First"))
	_, err = m.Reload(context.Background(), a)
	require.NoError(t, err)

	b := filepath.Join(root, "echo-copy")
	writeFile(t, filepath.Join(b, "skill.json"), `{"name": "echo", "description": "Second", "instructions": "Repeat."}`)
	_, err = m.Reload(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, "Second", description(r, "echo"))
	assert.Equal(t, []string{b}, m.Directories())

	m.unloadDir(context.Background(), a)
	assert.Equal(t, "Second", description(r, "echo"))
}

func TestManager_Shutdown(t *testing.T) {
	root := t.TempDir()
	writeShout(t, root)
	writeFile(t, filepath.Join(root, "echo", "SKILL.md"), skillMarkdown("echo", "Echoes input"))

	m, l, r := newManager(t, root)
	require.NoError(t, m.Initialize(context.Background()))
	host := r.RegisterSkill(context.Background(), skills.NewInstructionSkill(&skills.Descriptor{
		Name:         "host",
		Description:  "Registered by the host",
		Instructions: "Do it.",
		Enabled:      true,
	}))
	require.Equal(t, 3, r.Len())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"host"}, r.Names())
	assert.Empty(t, l.Contexts())
	assert.Empty(t, m.Directories())
	assert.Same(t, host, func() *skills.LoadedSkill { ls, _ := r.Get("host"); return ls }())

	require.NoError(t, m.Shutdown(context.Background()))
}

package skills

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSkill struct {
	name     string
	keyword  string
	required map[string]string
	exec     func(ctx context.Context, request string, params map[string]any) (*Result, error)
}

func (f *fakeSkill) Name() string                          { return f.name }
func (f *fakeSkill) Description() string                   { return "fake " + f.name }
func (f *fakeSkill) Version() string                       { return "1.0" }
func (f *fakeSkill) RequiredParameters() map[string]string { return f.required }
func (f *fakeSkill) OptionalParameters() map[string]string { return nil }
func (f *fakeSkill) Instructions() string                  { return "" }

func (f *fakeSkill) CanHandle(request string) bool {
	return f.keyword != "" && strings.Contains(request, f.keyword)
}

func (f *fakeSkill) Execute(ctx context.Context, request string, params map[string]any) (*Result, error) {
	if f.exec != nil {
		return f.exec(ctx, request, params)
	}
	return NewSuccess(f.name, WithData(request)), nil
}

type closeCounter struct{ closed atomic.Int32 }

func (c *closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func loaded(s Skill, isolation *closeCounter) *LoadedSkill {
	ls := &LoadedSkill{
		Descriptor: DescriptorFromSkill(s),
		Skill:      s,
		Variant:    VariantIsolated,
		LoadedAt:   time.Now(),
	}
	if isolation != nil {
		ls.Isolation = isolation
	}
	return ls
}

func TestRegistry_RegisterReplaceUnregister(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	first := &closeCounter{}
	r.Register(ctx, loaded(&fakeSkill{name: "echo"}, first))
	assert.Equal(t, 1, r.Len())

	second := &closeCounter{}
	r.Register(ctx, loaded(&fakeSkill{name: "echo"}, second))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int32(1), first.closed.Load(), "replaced context must be released")
	assert.Equal(t, int32(0), second.closed.Load())

	assert.True(t, r.Unregister(ctx, "echo"))
	assert.Equal(t, int32(1), second.closed.Load())
	assert.False(t, r.Unregister(ctx, "echo"), "unregistering an absent skill is not an error")

	_, ok := r.Get("echo")
	assert.False(t, ok)
}

func TestRegistry_LoadUnloadCycleKeepsSingleInstance(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	var contexts []*closeCounter

	for range 5 {
		c := &closeCounter{}
		contexts = append(contexts, c)
		r.Register(ctx, loaded(&fakeSkill{name: "echo"}, c))
		assert.Equal(t, 1, r.Len())
		r.Unregister(ctx, "echo")
	}

	for i, c := range contexts {
		assert.Equal(t, int32(1), c.closed.Load(), "context %d", i)
	}
}

func TestRegistry_FindUsesRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	r.Register(ctx, loaded(&fakeSkill{name: "alpha", keyword: "pdf"}, nil))
	r.Register(ctx, loaded(&fakeSkill{name: "beta", keyword: "pdf"}, nil))
	r.Register(ctx, loaded(&fakeSkill{name: "gamma", keyword: "csv"}, nil))

	found, ok := r.Find("convert this pdf")
	require.True(t, ok)
	assert.Equal(t, "alpha", found.Name())

	// re-registering moves a skill to the end
	r.Register(ctx, loaded(&fakeSkill{name: "alpha", keyword: "pdf"}, nil))
	found, ok = r.Find("convert this pdf")
	require.True(t, ok)
	assert.Equal(t, "beta", found.Name())

	_, ok = r.Find("nothing matches")
	assert.False(t, ok)

	names := make([]string, 0)
	for _, ls := range r.List() {
		names = append(names, ls.Name())
	}
	assert.Equal(t, []string{"beta", "gamma", "alpha"}, names)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, r.Names())
}

func TestRegistry_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		r := NewRegistry()
		res := r.Execute(ctx, "missing", "hi", nil)
		assert.False(t, res.IsSuccess())
		assert.Equal(t, "missing", res.SkillName())
		assert.Equal(t, "Skill not found: missing", res.Message())
	})

	t.Run("success", func(t *testing.T) {
		r := NewRegistry()
		r.Register(ctx, loaded(&fakeSkill{name: "echo"}, nil))
		res := r.Execute(ctx, "echo", "hello", nil)
		assert.True(t, res.IsSuccess())
		assert.Equal(t, "hello", res.Data())
		assert.Equal(t, "echo", res.SkillName())
	})

	t.Run("error converted", func(t *testing.T) {
		r := NewRegistry()
		r.Register(ctx, loaded(&fakeSkill{name: "boom", exec: func(context.Context, string, map[string]any) (*Result, error) {
			return nil, errors.New("kaput")
		}}, nil))

		res := r.Execute(ctx, "boom", "req", nil)
		assert.False(t, res.IsSuccess())
		assert.Equal(t, "Skill execution failed: kaput", res.Message())
		assert.Equal(t, "execution", res.Metadata()["error"])
		assert.Equal(t, "req", res.Metadata()["request"])
	})

	t.Run("panic converted", func(t *testing.T) {
		r := NewRegistry()
		r.Register(ctx, loaded(&fakeSkill{name: "panicky", exec: func(context.Context, string, map[string]any) (*Result, error) {
			panic("oh no")
		}}, nil))

		res := r.Execute(ctx, "panicky", "req", nil)
		assert.False(t, res.IsSuccess())
		assert.Equal(t, "Skill execution failed: panic: oh no", res.Message())
	})

	t.Run("nil result", func(t *testing.T) {
		r := NewRegistry()
		r.Register(ctx, loaded(&fakeSkill{name: "empty", exec: func(context.Context, string, map[string]any) (*Result, error) {
			return nil, nil
		}}, nil))

		res := r.Execute(ctx, "empty", "req", nil)
		assert.False(t, res.IsSuccess())
		assert.Equal(t, "Skill execution failed: skill returned no result", res.Message())
	})

	t.Run("missing required parameters", func(t *testing.T) {
		r := NewRegistry()
		r.Register(ctx, loaded(&fakeSkill{name: "echo", required: map[string]string{"text": "", "lang": ""}}, nil))

		res := r.Execute(ctx, "echo", "req", map[string]any{})
		assert.False(t, res.IsSuccess())
		assert.Equal(t, "Missing required parameters: lang, text", res.Message())
		assert.Equal(t, "validation", res.Metadata()["error"])

		res = r.Execute(ctx, "echo", "req", map[string]any{"text": "a", "lang": "en"})
		assert.True(t, res.IsSuccess())
	})

	t.Run("timeout", func(t *testing.T) {
		r := NewRegistry(WithExecutionTimeout(20 * time.Millisecond))
		r.Register(ctx, loaded(&fakeSkill{name: "slow", exec: func(ctx context.Context, _ string, _ map[string]any) (*Result, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return NewSuccess("slow"), nil
		}}, nil))

		res := r.Execute(ctx, "slow", "req", nil)
		assert.False(t, res.IsSuccess())
		assert.Equal(t, "Skill execution failed: context deadline exceeded", res.Message())
		assert.Equal(t, "timeout", res.Metadata()["error"])
	})

	t.Run("execute matching", func(t *testing.T) {
		r := NewRegistry()
		r.Register(ctx, loaded(&fakeSkill{name: "pdf", keyword: "pdf"}, nil))

		res := r.ExecuteMatching(ctx, "read the pdf", nil)
		assert.True(t, res.IsSuccess())
		assert.Equal(t, "pdf", res.SkillName())

		res = r.ExecuteMatching(ctx, "read the csv", nil)
		assert.False(t, res.IsSuccess())
		assert.Equal(t, "No skill can handle request", res.Message())
	})
}

func TestRegistry_Listeners(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.Register(ctx, loaded(&fakeSkill{name: "echo"}, nil))
	r.Register(ctx, loaded(&fakeSkill{name: "boom", exec: func(context.Context, string, map[string]any) (*Result, error) {
		return nil, errors.New("kaput")
	}}, nil))

	var mu sync.Mutex
	var events []string
	record := func(kind string) func(context.Context, ExecutionEvent) {
		return func(_ context.Context, ev ExecutionEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, kind+":"+ev.Skill)
		}
	}

	r.AddListener(ListenerFuncs{Started: func(context.Context, ExecutionEvent) { panic("listener bug") }})
	r.AddListener(ListenerFuncs{
		Started:   record("started"),
		Completed: record("completed"),
		Failed:    record("failed"),
	})

	res := r.Execute(ctx, "echo", "hi", nil)
	assert.True(t, res.IsSuccess(), "a panicking listener must not affect the outcome")

	res = r.Execute(ctx, "boom", "hi", nil)
	assert.False(t, res.IsSuccess())

	assert.Equal(t, []string{"started:echo", "completed:echo", "started:boom", "failed:boom"}, events)
}

func TestRegistry_RemoveListener(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.Register(ctx, loaded(&fakeSkill{name: "echo"}, nil))

	var started, kept int
	remove := r.AddListener(ListenerFuncs{Started: func(context.Context, ExecutionEvent) { started++ }})
	r.AddListener(ListenerFuncs{Started: func(context.Context, ExecutionEvent) { kept++ }})

	r.Execute(ctx, "echo", "hi", nil)
	require.NotPanics(t, remove)
	require.NotPanics(t, remove, "removing twice is a no-op")
	r.Execute(ctx, "echo", "hi", nil)

	assert.Equal(t, 1, started)
	assert.Equal(t, 2, kept)

	var registered []string
	removeRegistration := r.AddRegistrationListener(registrationFuncs{
		registered: func(ls *LoadedSkill) { registered = append(registered, ls.Name()) },
	})
	r.Register(ctx, loaded(&fakeSkill{name: "first"}, nil))
	removeRegistration()
	r.Register(ctx, loaded(&fakeSkill{name: "second"}, nil))

	assert.Equal(t, []string{"first"}, registered)
}

// registrationFuncs is a RegistrationListener built from func fields, which
// makes it uncomparable.
type registrationFuncs struct {
	registered   func(*LoadedSkill)
	unregistered func(*LoadedSkill)
}

func (f registrationFuncs) OnSkillRegistered(_ context.Context, ls *LoadedSkill) {
	if f.registered != nil {
		f.registered(ls)
	}
}

func (f registrationFuncs) OnSkillUnregistered(_ context.Context, ls *LoadedSkill) {
	if f.unregistered != nil {
		f.unregistered(ls)
	}
}

func TestRegistry_ConcurrentExecute(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.Register(ctx, loaded(&fakeSkill{name: "echo", exec: func(_ context.Context, request string, params map[string]any) (*Result, error) {
		if params["fail"] == true {
			return nil, errors.New("requested failure")
		}
		return NewSuccess("echo", WithData(request), WithMetadata("n", params["n"])), nil
	}}, nil))

	var wg sync.WaitGroup
	results := make([]*Result, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Execute(ctx, "echo", strings.Repeat("x", i), map[string]any{"n": i, "fail": i%3 == 0})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if i%3 == 0 {
			assert.False(t, res.IsSuccess())
			continue
		}
		require.True(t, res.IsSuccess())
		assert.Equal(t, strings.Repeat("x", i), res.Data())
		assert.Equal(t, i, res.Metadata()["n"])
	}
}

func TestRegistry_SearchAndClose(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	c := &closeCounter{}
	ls := loaded(&fakeSkill{name: "pdf-tools"}, c)
	ls.Descriptor.Keywords = []string{"document"}
	r.Register(ctx, ls)
	r.RegisterSkill(ctx, &fakeSkill{name: "csv-tools"})

	assert.Len(t, r.Search("DOCUMENT"), 1)
	assert.Len(t, r.Search("tools"), 2)
	assert.Empty(t, r.Search("image"))

	require.NoError(t, r.Close(ctx))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int32(1), c.closed.Load())
}

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillet/pkg/skills"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type echoSkill struct{ fail bool }

func (e echoSkill) Name() string                          { return "echo" }
func (e echoSkill) Description() string                   { return "Echoes the request" }
func (e echoSkill) Version() string                       { return "1.0" }
func (e echoSkill) CanHandle(string) bool                 { return true }
func (e echoSkill) RequiredParameters() map[string]string { return nil }
func (e echoSkill) OptionalParameters() map[string]string { return nil }
func (e echoSkill) Instructions() string                  { return "" }

func (e echoSkill) Execute(_ context.Context, request string, _ map[string]any) (*skills.Result, error) {
	if e.fail {
		return nil, errors.New("boom")
	}
	return skills.NewSuccess("echo", skills.WithMessage(request)), nil
}

func TestRecordExecution_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordExecution(ctx, Execution{
		ID:         "a",
		Skill:      "echo",
		Request:    "say hi",
		Params:     map[string]any{"text": "hi"},
		Success:    true,
		Message:    "hi",
		Duration:   1500 * time.Millisecond,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
	}))

	got, err := s.RecentExecutions(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "echo", got[0].Skill)
	assert.Equal(t, "say hi", got[0].Request)
	assert.Equal(t, map[string]any{"text": "hi"}, got[0].Params)
	assert.True(t, got[0].Success)
	assert.Equal(t, 1500*time.Millisecond, got[0].Duration)
	assert.True(t, started.Equal(got[0].StartedAt))
}

func TestRecentExecutions_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	for i, e := range []Execution{
		{ID: "1", Skill: "echo", Success: true},
		{ID: "2", Skill: "echo", Success: false, ErrorKind: "timeout"},
		{ID: "3", Skill: "pdf-tools", Success: true},
		{ID: "4", Skill: "echo", Success: true},
	} {
		e.StartedAt = base.Add(time.Duration(i) * time.Minute)
		e.FinishedAt = e.StartedAt
		require.NoError(t, s.RecordExecution(ctx, e))
	}

	all, err := s.RecentExecutions(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "4", all[0].ID, "newest first")

	echo, err := s.RecentExecutions(ctx, Query{Skill: "echo", Limit: 2})
	require.NoError(t, err)
	require.Len(t, echo, 2)
	assert.Equal(t, []string{"4", "2"}, []string{echo[0].ID, echo[1].ID})

	failed, err := s.RecentExecutions(ctx, Query{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "timeout", failed[0].ErrorKind)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "echo", stats[0].Skill)
	assert.Equal(t, 3, stats[0].Executions)
	assert.Equal(t, 1, stats[0].Failures())

	removed, err := s.Prune(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestStore_ObservesRegistry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	registry := skills.NewRegistry(skills.WithListeners(s))
	registry.AddRegistrationListener(s)

	registry.RegisterSkill(ctx, echoSkill{})
	ok := registry.Execute(ctx, "echo", "hello", nil)
	require.True(t, ok.IsSuccess())

	registry.Register(ctx, &skills.LoadedSkill{Skill: echoSkill{fail: true}, Variant: skills.VariantNative})
	failed := registry.Execute(ctx, "echo", "hello again", nil)
	require.False(t, failed.IsSuccess())

	require.True(t, registry.Unregister(ctx, "echo"))

	executions, err := s.RecentExecutions(ctx, Query{Skill: "echo"})
	require.NoError(t, err)
	require.Len(t, executions, 2)
	assert.False(t, executions[0].Success)
	assert.Equal(t, "execution", executions[0].ErrorKind)
	assert.Equal(t, "Skill execution failed: boom", executions[0].Message)
	assert.True(t, executions[1].Success)

	events, err := s.RecentEvents(ctx, 0)
	require.NoError(t, err)
	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventUnregistered, EventRegistered, EventUnregistered, EventRegistered}, types)
}

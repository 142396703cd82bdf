package skills

import (
	"context"
	"time"
)

// ExecutionEvent describes one skill execution as seen by listeners.
type ExecutionEvent struct {
	ID        string
	Skill     string
	Request   string
	Params    map[string]any
	StartedAt time.Time
	Duration  time.Duration
	// Result is set for completed and failed executions.
	Result *Result
	// Err is set only for failed executions.
	Err error
}

// Listener observes executions performed by a Registry. Calls are
// synchronous; a panicking listener is recovered and logged.
type Listener interface {
	OnExecutionStarted(ctx context.Context, ev ExecutionEvent)
	OnExecutionCompleted(ctx context.Context, ev ExecutionEvent)
	OnExecutionFailed(ctx context.Context, ev ExecutionEvent)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are no-ops.
type ListenerFuncs struct {
	Started   func(ctx context.Context, ev ExecutionEvent)
	Completed func(ctx context.Context, ev ExecutionEvent)
	Failed    func(ctx context.Context, ev ExecutionEvent)
}

func (f ListenerFuncs) OnExecutionStarted(ctx context.Context, ev ExecutionEvent) {
	if f.Started != nil {
		f.Started(ctx, ev)
	}
}

func (f ListenerFuncs) OnExecutionCompleted(ctx context.Context, ev ExecutionEvent) {
	if f.Completed != nil {
		f.Completed(ctx, ev)
	}
}

func (f ListenerFuncs) OnExecutionFailed(ctx context.Context, ev ExecutionEvent) {
	if f.Failed != nil {
		f.Failed(ctx, ev)
	}
}

// RegistrationListener observes registry membership changes.
type RegistrationListener interface {
	OnSkillRegistered(ctx context.Context, skill *LoadedSkill)
	OnSkillUnregistered(ctx context.Context, skill *LoadedSkill)
}

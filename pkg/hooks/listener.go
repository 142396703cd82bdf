package hooks

import (
	"context"
	"time"

	"github.com/jingkaihe/skillet/pkg/skills"
)

var (
	_ skills.Listener             = (*HookManager)(nil)
	_ skills.RegistrationListener = (*HookManager)(nil)
)

func (m *HookManager) OnExecutionStarted(context.Context, skills.ExecutionEvent) {}

func (m *HookManager) OnExecutionCompleted(ctx context.Context, ev skills.ExecutionEvent) {
	m.dispatch(ctx, HookTypeExecutionCompleted, executionPayload(HookTypeExecutionCompleted, ev))
}

func (m *HookManager) OnExecutionFailed(ctx context.Context, ev skills.ExecutionEvent) {
	m.dispatch(ctx, HookTypeExecutionFailed, executionPayload(HookTypeExecutionFailed, ev))
}

func (m *HookManager) OnSkillRegistered(ctx context.Context, ls *skills.LoadedSkill) {
	m.dispatch(ctx, HookTypeSkillRegistered, skillPayload(HookTypeSkillRegistered, ls))
}

func (m *HookManager) OnSkillUnregistered(ctx context.Context, ls *skills.LoadedSkill) {
	m.dispatch(ctx, HookTypeSkillUnregistered, skillPayload(HookTypeSkillUnregistered, ls))
}

func skillPayload(event HookType, ls *skills.LoadedSkill) SkillPayload {
	p := SkillPayload{
		BasePayload:    BasePayload{Event: event, Skill: ls.Name(), Timestamp: time.Now()},
		Variant:        string(ls.Variant),
		Directory:      ls.Directory,
		DescriptorPath: ls.DescriptorPath,
	}
	if ls.Skill != nil {
		p.Version = ls.Skill.Version()
	}
	return p
}

func executionPayload(event HookType, ev skills.ExecutionEvent) ExecutionPayload {
	p := ExecutionPayload{
		BasePayload: BasePayload{Event: event, Skill: ev.Skill, Timestamp: ev.StartedAt.Add(ev.Duration)},
		ExecutionID: ev.ID,
		Request:     ev.Request,
		Params:      ev.Params,
		DurationMS:  ev.Duration.Milliseconds(),
	}
	if ev.Result != nil {
		p.Success = ev.Result.IsSuccess()
		p.Message = ev.Result.Message()
		if kind, ok := ev.Result.Metadata()["error"].(string); ok {
			p.ErrorKind = kind
		}
	}
	if ev.Err != nil && p.ErrorKind == "" {
		p.ErrorKind = string(skills.KindOf(ev.Err))
	}
	return p
}

package luaplugin

import (
	"context"
	"maps"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/skills"
)

// Skill exposes a Plugin as a skills.Skill. Identity comes from the
// descriptor; behaviour from the module's can_handle and execute globals.
//
// execute(request, params) may return a table {success, message, data,
// metadata}, a string (taken as the message of a success) or any other
// value (taken as the data of a success). success defaults to true.
type Skill struct {
	plugin     *Plugin
	descriptor *skills.Descriptor
}

var _ skills.Skill = (*Skill)(nil)

// NewSkill binds p to d.
func NewSkill(p *Plugin, d *skills.Descriptor) *Skill {
	return &Skill{plugin: p, descriptor: d.Clone()}
}

func (s *Skill) Name() string         { return s.descriptor.Name }
func (s *Skill) Description() string  { return s.descriptor.Description }
func (s *Skill) Version() string      { return s.descriptor.Version }
func (s *Skill) Instructions() string { return s.descriptor.Instructions }

func (s *Skill) RequiredParameters() map[string]string {
	return maps.Clone(s.descriptor.Parameters.Required)
}

func (s *Skill) OptionalParameters() map[string]string {
	return maps.Clone(s.descriptor.Parameters.Optional)
}

// CanHandle calls can_handle(request). A module without can_handle handles
// requests that mention its name, tags or keywords.
func (s *Skill) CanHandle(request string) bool {
	ctx := context.Background()
	L, err := s.plugin.get(ctx)
	if err != nil {
		return false
	}

	fn, ok := L.GetGlobal("can_handle").(*lua.LFunction)
	if !ok {
		s.plugin.put(L, false)
		return s.descriptor.Mentioned(request)
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(request)); err != nil {
		s.plugin.put(L, true)
		logger.G(ctx).WithField("skill", s.Name()).WithError(luaError(err)).Warn("can_handle failed")
		return false
	}
	ret := L.Get(-1)
	L.Pop(1)
	s.plugin.put(L, false)
	return lua.LVAsBool(ret)
}

// Execute calls execute(request, params). Cancelling ctx interrupts the
// running script.
func (s *Skill) Execute(ctx context.Context, request string, params map[string]any) (*skills.Result, error) {
	L, err := s.plugin.get(ctx)
	if err != nil {
		return nil, err
	}

	fn, ok := L.GetGlobal("execute").(*lua.LFunction)
	if !ok {
		s.plugin.put(L, true)
		return nil, errors.New("execute is no longer a function")
	}

	L.SetContext(ctx)
	err = L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(request), toLua(L, params))
	L.RemoveContext()
	if err != nil {
		s.plugin.put(L, true)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, luaError(err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	result := s.toResult(ret)
	s.plugin.put(L, false)
	return result, nil
}

func (s *Skill) toResult(ret lua.LValue) *skills.Result {
	switch v := ret.(type) {
	case *lua.LNilType:
		return nil
	case lua.LString:
		return skills.NewSuccess(s.Name(), skills.WithMessage(string(v)))
	case *lua.LTable:
		success := true
		if f := v.RawGetString("success"); f != lua.LNil {
			success = lua.LVAsBool(f)
		}
		message := ""
		if f, ok := v.RawGetString("message").(lua.LString); ok {
			message = string(f)
		}

		var opts []skills.ResultOption
		if f := v.RawGetString("data"); f != lua.LNil {
			opts = append(opts, skills.WithData(fromLua(f)))
		}
		if f, ok := v.RawGetString("metadata").(*lua.LTable); ok {
			if m, ok := fromLua(f).(map[string]any); ok {
				opts = append(opts, skills.WithMetadataMap(m))
			}
		}

		if !success {
			return skills.NewFailure(s.Name(), message, opts...)
		}
		return skills.NewSuccess(s.Name(), append(opts, skills.WithMessage(message))...)
	default:
		return skills.NewSuccess(s.Name(), skills.WithData(fromLua(ret)))
	}
}

// luaError drops the interpreter stack trace from script errors.
func luaError(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return errors.New(apiErr.Object.String())
	}
	return err
}

package skills

import (
	"context"
	"maps"
)

// NativeSkill presents a host-provided instance under the identity declared
// by its descriptor. Behaviour is delegated to the instance; metadata the
// descriptor leaves empty falls back to the instance's own.
type NativeSkill struct {
	descriptor *Descriptor
	instance   Skill
}

// NewNativeSkill binds instance to d.
func NewNativeSkill(d *Descriptor, instance Skill) *NativeSkill {
	return &NativeSkill{descriptor: d.Clone(), instance: instance}
}

// Instance returns the wrapped host instance.
func (s *NativeSkill) Instance() Skill { return s.instance }

func (s *NativeSkill) Name() string {
	if s.descriptor.Name != "" {
		return s.descriptor.Name
	}
	return s.instance.Name()
}

func (s *NativeSkill) Description() string {
	if s.descriptor.Description != "" {
		return s.descriptor.Description
	}
	return s.instance.Description()
}

func (s *NativeSkill) Version() string {
	if s.descriptor.Version != "" {
		return s.descriptor.Version
	}
	return s.instance.Version()
}

func (s *NativeSkill) Instructions() string {
	if s.descriptor.Instructions != "" {
		return s.descriptor.Instructions
	}
	return s.instance.Instructions()
}

func (s *NativeSkill) RequiredParameters() map[string]string {
	if len(s.descriptor.Parameters.Required) > 0 {
		return maps.Clone(s.descriptor.Parameters.Required)
	}
	return s.instance.RequiredParameters()
}

func (s *NativeSkill) OptionalParameters() map[string]string {
	if len(s.descriptor.Parameters.Optional) > 0 {
		return maps.Clone(s.descriptor.Parameters.Optional)
	}
	return s.instance.OptionalParameters()
}

func (s *NativeSkill) CanHandle(request string) bool {
	return s.instance.CanHandle(request)
}

func (s *NativeSkill) Execute(ctx context.Context, request string, params map[string]any) (*Result, error) {
	return s.instance.Execute(ctx, request, params)
}

package skills

import (
	"context"
	"maps"
)

// InstructionSkill is a skill with no executable entry point. Executing it
// returns the descriptor's instructions as the payload.
type InstructionSkill struct {
	descriptor *Descriptor
}

// NewInstructionSkill creates an InstructionSkill for d.
func NewInstructionSkill(d *Descriptor) *InstructionSkill {
	return &InstructionSkill{descriptor: d.Clone()}
}

func (s *InstructionSkill) Name() string        { return s.descriptor.Name }
func (s *InstructionSkill) Description() string { return s.descriptor.Description }
func (s *InstructionSkill) Version() string     { return s.descriptor.Version }
func (s *InstructionSkill) Instructions() string {
	return s.descriptor.Instructions
}

func (s *InstructionSkill) RequiredParameters() map[string]string {
	return maps.Clone(s.descriptor.Parameters.Required)
}

func (s *InstructionSkill) OptionalParameters() map[string]string {
	return maps.Clone(s.descriptor.Parameters.Optional)
}

// CanHandle matches requests that mention the skill name or one of its tags
// or keywords.
func (s *InstructionSkill) CanHandle(request string) bool {
	return s.descriptor.Mentioned(request)
}

// Execute returns the instructions text.
func (s *InstructionSkill) Execute(_ context.Context, _ string, _ map[string]any) (*Result, error) {
	return NewSuccess(s.descriptor.Name,
		WithMessage("Markdown skill metadata retrieved"),
		WithData(s.descriptor.Instructions),
	), nil
}

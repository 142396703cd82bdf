// Package skills provides the skill plugin model: the capability contract a
// skill implements, the descriptor that declares it, the registry that serves
// lookups and executions, and the progressive-disclosure metadata derived from
// loaded skills.
//
// Skills are packaged as directories containing a descriptor file, either a
// SKILL.md file with YAML frontmatter or a skill.json / skill.yaml sibling.
package skills

import (
	"context"
	"io"
	"time"
)

// Skill is the capability surface every loaded skill exposes to the host.
type Skill interface {
	Name() string
	Description() string
	Version() string
	// CanHandle reports whether the skill accepts the free-form request.
	CanHandle(request string) bool
	// Execute runs the skill. Implementations may return an error or panic;
	// the registry converts both into a failed Result.
	Execute(ctx context.Context, request string, params map[string]any) (*Result, error)
	RequiredParameters() map[string]string
	OptionalParameters() map[string]string
	Instructions() string
}

// Variant identifies how a skill instance was produced by the loader.
type Variant string

const (
	// VariantNative binds a pre-existing host instance.
	VariantNative Variant = "native"
	// VariantIsolated is instantiated inside an isolated loading context.
	VariantIsolated Variant = "isolated"
	// VariantInstruction carries descriptor text only.
	VariantInstruction Variant = "instruction"
)

// LoadedSkill is a fully loaded skill as owned by the Registry.
type LoadedSkill struct {
	Descriptor     *Descriptor
	Skill          Skill
	Variant        Variant
	Directory      string
	DescriptorPath string
	LoadedAt       time.Time

	// Isolation is the isolated loading context backing the instance, if any.
	// It is closed exactly once when the skill is unregistered or replaced.
	Isolation io.Closer
}

// Name returns the registered name of the loaded skill.
func (l *LoadedSkill) Name() string {
	if l.Descriptor != nil && l.Descriptor.Name != "" {
		return l.Descriptor.Name
	}
	return l.Skill.Name()
}

// Release closes the isolated loading context held by the skill.
func (l *LoadedSkill) Release() error {
	if l.Isolation == nil {
		return nil
	}
	return l.Isolation.Close()
}

// Provider resolves host-managed skill instances by identifier.
type Provider interface {
	Lookup(id string) (Skill, bool)
}

// StaticProvider is a Provider backed by a fixed identifier table.
type StaticProvider map[string]Skill

// Lookup implements Provider.
func (p StaticProvider) Lookup(id string) (Skill, bool) {
	s, ok := p[id]
	return s, ok
}

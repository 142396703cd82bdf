package skills

import (
	"maps"
	"slices"
	"strings"
)

// DefaultVersion is assigned to descriptors that omit a version.
const DefaultVersion = "1.0"

// Parameters declares the named inputs a skill accepts, mapped to a human
// readable description of each.
type Parameters struct {
	Required map[string]string `mapstructure:"required" json:"required,omitempty" yaml:"required,omitempty"`
	Optional map[string]string `mapstructure:"optional" json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Descriptor is the canonical metadata record for one skill.
type Descriptor struct {
	Name        string     `mapstructure:"name" json:"name" yaml:"name"`
	Version     string     `mapstructure:"version" json:"version,omitempty" yaml:"version,omitempty"`
	Description string     `mapstructure:"description" json:"description" yaml:"description"`
	Author      string     `mapstructure:"author" json:"author,omitempty" yaml:"author,omitempty"`
	Main        string     `mapstructure:"main" json:"main,omitempty" yaml:"main,omitempty"`
	Parameters  Parameters `mapstructure:"parameters" json:"parameters,omitzero" yaml:"parameters,omitempty"`
	Resources   []string   `mapstructure:"resources" json:"resources,omitempty" yaml:"resources,omitempty"`
	Tags        []string   `mapstructure:"tags" json:"tags,omitempty" yaml:"tags,omitempty"`
	Keywords    []string   `mapstructure:"keywords" json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Category    string     `mapstructure:"category" json:"category,omitempty" yaml:"category,omitempty"`
	Enabled     bool       `mapstructure:"enabled" json:"enabled" yaml:"enabled"`

	License                string   `mapstructure:"license" json:"license,omitempty" yaml:"license,omitempty"`
	Compatibility          string   `mapstructure:"compatibility" json:"compatibility,omitempty" yaml:"compatibility,omitempty"`
	AllowedTools           []string `mapstructure:"allowed-tools" json:"allowed-tools,omitempty" yaml:"allowed-tools,omitempty"`
	DisableModelInvocation bool     `mapstructure:"disable-model-invocation" json:"disable-model-invocation,omitempty" yaml:"disable-model-invocation,omitempty"`
	UserInvocable          bool     `mapstructure:"user-invocable" json:"user-invocable" yaml:"user-invocable"`

	// Instructions is the free-text body of a SKILL.md descriptor, or the
	// instructions key of a structured descriptor.
	Instructions string `mapstructure:"instructions" json:"instructions,omitempty" yaml:"instructions,omitempty"`

	// ExtraMetadata holds the metadata key plus any unrecognised keys.
	ExtraMetadata map[string]any `mapstructure:"metadata" json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewDescriptor returns a descriptor populated with defaults.
func NewDescriptor() *Descriptor {
	return &Descriptor{
		Version:       DefaultVersion,
		Enabled:       true,
		UserInvocable: true,
	}
}

// HasMain reports whether the descriptor names an entry point.
func (d *Descriptor) HasMain() bool {
	return strings.TrimSpace(d.Main) != ""
}

// HasInstructions reports whether the descriptor carries non-blank instructions.
func (d *Descriptor) HasInstructions() bool {
	return strings.TrimSpace(d.Instructions) != ""
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	c.Parameters.Required = maps.Clone(d.Parameters.Required)
	c.Parameters.Optional = maps.Clone(d.Parameters.Optional)
	c.Resources = slices.Clone(d.Resources)
	c.Tags = slices.Clone(d.Tags)
	c.Keywords = slices.Clone(d.Keywords)
	c.AllowedTools = slices.Clone(d.AllowedTools)
	c.ExtraMetadata = maps.Clone(d.ExtraMetadata)
	return &c
}

// DescriptorFromSkill synthesises a descriptor for a skill registered
// directly by the host without a descriptor file.
func DescriptorFromSkill(s Skill) *Descriptor {
	d := NewDescriptor()
	d.Name = s.Name()
	d.Description = s.Description()
	if v := s.Version(); v != "" {
		d.Version = v
	}
	d.Parameters.Required = maps.Clone(s.RequiredParameters())
	d.Parameters.Optional = maps.Clone(s.OptionalParameters())
	d.Instructions = s.Instructions()
	return d
}

// Matches reports whether any keyword appears in the name, description,
// tags or keywords of the descriptor. Matching is case-insensitive.
func (d *Descriptor) Matches(keywords ...string) bool {
	haystack := []string{strings.ToLower(d.Name), strings.ToLower(d.Description)}
	for _, t := range d.Tags {
		haystack = append(haystack, strings.ToLower(t))
	}
	for _, k := range d.Keywords {
		haystack = append(haystack, strings.ToLower(k))
	}

	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		for _, h := range haystack {
			if strings.Contains(h, kw) {
				return true
			}
		}
	}
	return false
}

// Mentioned reports whether request contains, case-insensitively, the
// descriptor name or one of its tags or keywords.
func (d *Descriptor) Mentioned(request string) bool {
	request = strings.ToLower(request)
	if request == "" {
		return false
	}
	terms := append([]string{d.Name}, d.Tags...)
	terms = append(terms, d.Keywords...)
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(request, term) {
			return true
		}
	}
	return false
}

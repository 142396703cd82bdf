package skills

import (
	"encoding/json"
	"maps"
	"time"
)

// Result is the immutable outcome of a skill execution.
type Result struct {
	success   bool
	message   string
	data      any
	skill     string
	timestamp time.Time
	metadata  map[string]any
}

// ResultOption configures a Result at construction time.
type ResultOption func(*Result)

// WithMessage sets the human readable message.
func WithMessage(message string) ResultOption {
	return func(r *Result) {
		r.message = message
	}
}

// WithData sets the payload.
func WithData(data any) ResultOption {
	return func(r *Result) {
		r.data = data
	}
}

// WithMetadata adds a single metadata entry.
func WithMetadata(key string, value any) ResultOption {
	return func(r *Result) {
		if r.metadata == nil {
			r.metadata = make(map[string]any)
		}
		r.metadata[key] = value
	}
}

// WithMetadataMap merges all entries of m into the metadata bag.
func WithMetadataMap(m map[string]any) ResultOption {
	return func(r *Result) {
		if len(m) == 0 {
			return
		}
		if r.metadata == nil {
			r.metadata = make(map[string]any, len(m))
		}
		maps.Copy(r.metadata, m)
	}
}

// WithTimestamp overrides the creation timestamp.
func WithTimestamp(ts time.Time) ResultOption {
	return func(r *Result) {
		r.timestamp = ts
	}
}

func newResult(success bool, skill string, opts ...ResultOption) *Result {
	r := &Result{
		success:   success,
		skill:     skill,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewSuccess builds a successful Result for the named skill.
func NewSuccess(skill string, opts ...ResultOption) *Result {
	return newResult(true, skill, opts...)
}

// NewFailure builds a failed Result for the named skill.
func NewFailure(skill, message string, opts ...ResultOption) *Result {
	return newResult(false, skill, append([]ResultOption{WithMessage(message)}, opts...)...)
}

// IsSuccess reports whether the execution succeeded.
func (r *Result) IsSuccess() bool { return r.success }

// Message returns the human readable message.
func (r *Result) Message() string { return r.message }

// Data returns the payload, which may be nil.
func (r *Result) Data() any { return r.data }

// SkillName returns the name of the skill that produced the result.
func (r *Result) SkillName() string { return r.skill }

// Timestamp returns when the result was built.
func (r *Result) Timestamp() time.Time { return r.timestamp }

// Metadata returns a copy of the metadata bag.
func (r *Result) Metadata() map[string]any {
	if r.metadata == nil {
		return map[string]any{}
	}
	return maps.Clone(r.metadata)
}

// WithSkillName returns a copy of r attributed to the given skill.
func (r *Result) WithSkillName(skill string) *Result {
	c := *r
	c.skill = skill
	c.metadata = maps.Clone(r.metadata)
	return &c
}

type resultJSON struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Data      any            `json:"data,omitempty"`
	SkillName string         `json:"skill_name"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Success:   r.success,
		Message:   r.message,
		Data:      r.data,
		SkillName: r.skill,
		Timestamp: r.timestamp,
		Metadata:  r.metadata,
	})
}

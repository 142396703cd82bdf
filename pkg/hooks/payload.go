package hooks

import "time"

// BasePayload contains fields common to all hook payloads
type BasePayload struct {
	Event     HookType  `json:"event"`
	Skill     string    `json:"skill"`
	Timestamp time.Time `json:"timestamp"`
}

// SkillPayload is sent to skill_registered and skill_unregistered hooks
type SkillPayload struct {
	BasePayload
	Version        string `json:"version,omitempty"`
	Variant        string `json:"variant"`
	Directory      string `json:"directory,omitempty"`
	DescriptorPath string `json:"descriptor_path,omitempty"`
}

// ExecutionPayload is sent to execution_completed and execution_failed hooks
type ExecutionPayload struct {
	BasePayload
	ExecutionID string         `json:"execution_id"`
	Request     string         `json:"request"`
	Params      map[string]any `json:"params,omitempty"`
	Success     bool           `json:"success"`
	Message     string         `json:"message,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
}

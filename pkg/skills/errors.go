package skills

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies skill lifecycle failures.
type Kind string

const (
	KindParse      Kind = "parse"
	KindValidation Kind = "validation"
	KindLoad       Kind = "load"
	KindNotFound   Kind = "not_found"
	KindExecution  Kind = "execution"
	KindTimeout    Kind = "timeout"
)

// ErrDisabled marks a descriptor that declares enabled: false.
var ErrDisabled = errors.New("skill is disabled")

// ErrNotAllowed marks a skill filtered out by the configured allowlist.
var ErrNotAllowed = errors.New("skill is not in the allowlist")

// Error is a classified skill failure.
type Error struct {
	Kind  Kind
	Skill string
	Path  string
	Err   error
}

func (e *Error) Error() string {
	target := e.Skill
	if target == "" {
		target = e.Path
	}
	if target == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error for %s: %v", e.Kind, target, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Cause supports errors.Cause from github.com/pkg/errors.
func (e *Error) Cause() error { return e.Err }

// NewParseError wraps err as a descriptor parse failure for path.
func NewParseError(path string, err error) error {
	return &Error{Kind: KindParse, Path: path, Err: err}
}

// NewValidationError wraps err as a validation failure for the named skill.
func NewValidationError(skill, path string, err error) error {
	return &Error{Kind: KindValidation, Skill: skill, Path: path, Err: err}
}

// NewLoadError wraps err as a load failure for the named skill.
func NewLoadError(skill, path string, err error) error {
	return &Error{Kind: KindLoad, Skill: skill, Path: path, Err: err}
}

// NewNotFoundError reports that the named skill is not registered.
func NewNotFoundError(skill string) error {
	return &Error{Kind: KindNotFound, Skill: skill, Err: errors.New("skill not found")}
}

// NewExecutionError wraps err as a failure raised by a skill during execution.
func NewExecutionError(skill string, err error) error {
	return &Error{Kind: KindExecution, Skill: skill, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsSkip reports whether err marks a skill directory that should be skipped
// silently: malformed or invalid descriptors, disabled or filtered skills.
func IsSkip(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisabled) || errors.Is(err, ErrNotAllowed) {
		return true
	}
	switch KindOf(err) {
	case KindParse, KindValidation:
		return true
	}
	return false
}

package history

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// JSONField stores T as a JSON text column.
type JSONField[T any] struct {
	Data T
}

// Scan implements sql.Scanner.
func (j *JSONField[T]) Scan(value any) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.Errorf("cannot scan %T into JSONField", value)
		}
		bytes = []byte(str)
	}

	return json.Unmarshal(bytes, &j.Data)
}

// Value implements driver.Valuer.
func (j JSONField[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(j.Data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Execution is one recorded skill execution.
type Execution struct {
	ID         string         `json:"id"`
	Skill      string         `json:"skill"`
	Request    string         `json:"request"`
	Params     map[string]any `json:"params,omitempty"`
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Duration   time.Duration  `json:"duration"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// EventType names a registry membership change.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUnregistered EventType = "unregistered"
)

// Event is one recorded registration or removal.
type Event struct {
	ID        int64     `json:"id"`
	Skill     string    `json:"skill"`
	Type      EventType `json:"event"`
	Variant   string    `json:"variant,omitempty"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SkillStats aggregates the executions of one skill.
type SkillStats struct {
	Skill       string        `json:"skill"`
	Executions  int           `json:"executions"`
	Successes   int           `json:"successes"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Failures is the number of unsuccessful executions.
func (s SkillStats) Failures() int { return s.Executions - s.Successes }

type dbExecution struct {
	ID         string                    `db:"id"`
	Skill      string                    `db:"skill"`
	Request    string                    `db:"request"`
	Params     JSONField[map[string]any] `db:"params"`
	Success    bool                      `db:"success"`
	Message    string                    `db:"message"`
	ErrorKind  string                    `db:"error_kind"`
	DurationMS int64                     `db:"duration_ms"`
	StartedAt  time.Time                 `db:"started_at"`
	FinishedAt time.Time                 `db:"finished_at"`
}

func fromExecution(e Execution) dbExecution {
	return dbExecution{
		ID:         e.ID,
		Skill:      e.Skill,
		Request:    e.Request,
		Params:     JSONField[map[string]any]{Data: e.Params},
		Success:    e.Success,
		Message:    e.Message,
		ErrorKind:  e.ErrorKind,
		DurationMS: e.Duration.Milliseconds(),
		StartedAt:  e.StartedAt.UTC(),
		FinishedAt: e.FinishedAt.UTC(),
	}
}

func (d dbExecution) toExecution() Execution {
	return Execution{
		ID:         d.ID,
		Skill:      d.Skill,
		Request:    d.Request,
		Params:     d.Params.Data,
		Success:    d.Success,
		Message:    d.Message,
		ErrorKind:  d.ErrorKind,
		Duration:   time.Duration(d.DurationMS) * time.Millisecond,
		StartedAt:  d.StartedAt,
		FinishedAt: d.FinishedAt,
	}
}

type dbEvent struct {
	ID        int64     `db:"id"`
	Skill     string    `db:"skill"`
	Event     string    `db:"event"`
	Variant   string    `db:"variant"`
	Path      string    `db:"path"`
	CreatedAt time.Time `db:"created_at"`
}

type dbStats struct {
	Skill      string  `db:"skill"`
	Executions int     `db:"executions"`
	Successes  int     `db:"successes"`
	AvgMS      float64 `db:"avg_ms"`
}

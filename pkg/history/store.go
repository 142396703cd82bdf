// Package history records skill executions and registry membership changes
// in SQLite so they can be inspected after the engine has exited.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/db"
	"github.com/jingkaihe/skillet/pkg/db/migrations"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/skills"
)

// DefaultLimit bounds queries that do not set a limit.
const DefaultLimit = 20

// Store persists history. It observes a registry as both an execution and
// a registration listener.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var (
	_ skills.Listener             = (*Store)(nil)
	_ skills.RegistrationListener = (*Store)(nil)
)

// Open opens the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	conn, err := db.OpenMigrated(ctx, path, migrations.All())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open history database")
	}
	return New(conn), nil
}

// New wraps an already migrated database.
func New(conn *sqlx.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordExecution inserts e, replacing any row with the same ID.
func (s *Store) RecordExecution(ctx context.Context, e Execution) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO skill_executions
			(id, skill, request, params, success, message, error_kind, duration_ms, started_at, finished_at)
		VALUES
			(:id, :skill, :request, :params, :success, :message, :error_kind, :duration_ms, :started_at, :finished_at)
	`, fromExecution(e))
	return errors.Wrapf(err, "failed to record execution %s", e.ID)
}

// RecordEvent inserts a registration event. A zero CreatedAt is set to now.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO skill_events (skill, event, variant, path, created_at)
		VALUES (:skill, :event, :variant, :path, :created_at)
	`, dbEvent{
		Skill:     ev.Skill,
		Event:     string(ev.Type),
		Variant:   ev.Variant,
		Path:      ev.Path,
		CreatedAt: ev.CreatedAt.UTC(),
	})
	return errors.Wrapf(err, "failed to record %s event for %s", ev.Type, ev.Skill)
}

// Query filters RecentExecutions.
type Query struct {
	Skill      string
	FailedOnly bool
	Limit      int
}

// RecentExecutions returns executions, newest first.
func (s *Store) RecentExecutions(ctx context.Context, q Query) ([]Execution, error) {
	query := "SELECT * FROM skill_executions WHERE 1=1"
	var args []any
	if q.Skill != "" {
		query += " AND skill = ?"
		args = append(args, q.Skill)
	}
	if q.FailedOnly {
		query += " AND success = 0"
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC, rowid DESC LIMIT %d", limitOrDefault(q.Limit))

	var rows []dbExecution
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to query executions")
	}

	out := make([]Execution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toExecution())
	}
	return out, nil
}

// RecentEvents returns registration events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	var rows []dbEvent
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM skill_events ORDER BY id DESC LIMIT ?", limitOrDefault(limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}

	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, Event{
			ID:        r.ID,
			Skill:     r.Skill,
			Type:      EventType(r.Event),
			Variant:   r.Variant,
			Path:      r.Path,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// Stats aggregates executions per skill, ordered by skill name.
func (s *Store) Stats(ctx context.Context) ([]SkillStats, error) {
	var rows []dbStats
	err := s.db.SelectContext(ctx, &rows, `
		SELECT skill,
			COUNT(*) AS executions,
			COALESCE(SUM(success), 0) AS successes,
			COALESCE(AVG(duration_ms), 0) AS avg_ms
		FROM skill_executions
		GROUP BY skill
		ORDER BY skill
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate executions")
	}

	out := make([]SkillStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, SkillStats{
			Skill:       r.Skill,
			Executions:  r.Executions,
			Successes:   r.Successes,
			AvgDuration: time.Duration(r.AvgMS * float64(time.Millisecond)),
		})
	}
	return out, nil
}

// Prune deletes executions that started before cutoff and returns how many
// rows were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM skill_executions WHERE started_at < ?", cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune executions")
	}
	return res.RowsAffected()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

func (s *Store) OnExecutionStarted(context.Context, skills.ExecutionEvent) {}

func (s *Store) OnExecutionCompleted(ctx context.Context, ev skills.ExecutionEvent) {
	s.recordExecution(ctx, ev)
}

func (s *Store) OnExecutionFailed(ctx context.Context, ev skills.ExecutionEvent) {
	s.recordExecution(ctx, ev)
}

func (s *Store) recordExecution(ctx context.Context, ev skills.ExecutionEvent) {
	e := Execution{
		ID:         ev.ID,
		Skill:      ev.Skill,
		Request:    ev.Request,
		Params:     ev.Params,
		Duration:   ev.Duration,
		StartedAt:  ev.StartedAt,
		FinishedAt: ev.StartedAt.Add(ev.Duration),
	}
	if ev.Result != nil {
		e.Success = ev.Result.IsSuccess()
		e.Message = ev.Result.Message()
		if kind, ok := ev.Result.Metadata()["error"].(string); ok {
			e.ErrorKind = kind
		}
	}
	if ev.Err != nil && e.ErrorKind == "" {
		e.ErrorKind = string(skills.KindOf(ev.Err))
	}

	// The caller's context may already be cancelled when an execution failed.
	if err := s.RecordExecution(context.WithoutCancel(ctx), e); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to record skill execution")
	}
}

func (s *Store) OnSkillRegistered(ctx context.Context, ls *skills.LoadedSkill) {
	s.recordEvent(ctx, EventRegistered, ls)
}

func (s *Store) OnSkillUnregistered(ctx context.Context, ls *skills.LoadedSkill) {
	s.recordEvent(ctx, EventUnregistered, ls)
}

func (s *Store) recordEvent(ctx context.Context, typ EventType, ls *skills.LoadedSkill) {
	ev := Event{
		Skill:   ls.Name(),
		Type:    typ,
		Variant: string(ls.Variant),
		Path:    ls.Directory,
	}
	if err := s.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to record skill event")
	}
}

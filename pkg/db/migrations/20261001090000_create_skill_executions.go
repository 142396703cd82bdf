package migrations

import (
	"database/sql"

	"github.com/jingkaihe/skillet/pkg/db"
	"github.com/pkg/errors"
)

// Migration20261001090000CreateSkillExecutions creates the skill_executions table.
func Migration20261001090000CreateSkillExecutions() db.Migration {
	return db.Migration{
		Version:     20261001090000,
		Description: "Create skill_executions table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS skill_executions (
					id TEXT PRIMARY KEY,
					skill TEXT NOT NULL,
					request TEXT NOT NULL,
					params TEXT NOT NULL DEFAULT '{}',
					success INTEGER NOT NULL,
					message TEXT NOT NULL DEFAULT '',
					error_kind TEXT NOT NULL DEFAULT '',
					duration_ms INTEGER NOT NULL,
					started_at DATETIME NOT NULL,
					finished_at DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create skill_executions table")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_skill_executions_skill
				ON skill_executions(skill, started_at DESC)
			`); err != nil {
				return errors.Wrap(err, "failed to create skill index")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			if _, err := tx.Exec("DROP INDEX IF EXISTS idx_skill_executions_skill"); err != nil {
				return errors.Wrap(err, "failed to drop skill index")
			}
			if _, err := tx.Exec("DROP TABLE IF EXISTS skill_executions"); err != nil {
				return errors.Wrap(err, "failed to drop skill_executions table")
			}
			return nil
		},
	}
}

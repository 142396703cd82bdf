package migrations

import (
	"database/sql"

	"github.com/jingkaihe/skillet/pkg/db"
	"github.com/pkg/errors"
)

// Migration20261001090001CreateSkillEvents creates the skill_events table
// recording registrations and removals.
func Migration20261001090001CreateSkillEvents() db.Migration {
	return db.Migration{
		Version:     20261001090001,
		Description: "Create skill_events table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS skill_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					skill TEXT NOT NULL,
					event TEXT NOT NULL,
					variant TEXT NOT NULL DEFAULT '',
					path TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create skill_events table")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_skill_events_created_at
				ON skill_events(created_at DESC)
			`); err != nil {
				return errors.Wrap(err, "failed to create created_at index")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			if _, err := tx.Exec("DROP INDEX IF EXISTS idx_skill_events_created_at"); err != nil {
				return errors.Wrap(err, "failed to drop created_at index")
			}
			if _, err := tx.Exec("DROP TABLE IF EXISTS skill_events"); err != nil {
				return errors.Wrap(err, "failed to drop skill_events table")
			}
			return nil
		},
	}
}

// Package migrations contains the schema migrations of the skillet history
// database, versioned by timestamp (YYYYMMDDHHmmss).
package migrations

import (
	"github.com/jingkaihe/skillet/pkg/db"
)

// All returns every migration. New migrations are appended here.
func All() []db.Migration {
	return []db.Migration{
		Migration20261001090000CreateSkillExecutions(),
		Migration20261001090001CreateSkillEvents(),
	}
}

package storage

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// currentSchemaVersion is the version a freshly migrated database reports.
const currentSchemaVersion = 3

// migration is one versioned schema change. Version 1 is the initial
// schema created by AutoMigrate and carries no statements.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "Initial schema",
	},
	{
		version:     2,
		description: "Add notes column to devices",
		statements: []string{
			"ALTER TABLE device_models ADD COLUMN notes TEXT",
		},
	},
	{
		version:     3,
		description: "Add connection quality columns to devices",
		statements: []string{
			"ALTER TABLE device_models ADD COLUMN avg_rtt_ms REAL DEFAULT 0",
			"ALTER TABLE device_models ADD COLUMN connection_quality TEXT DEFAULT ''",
		},
	},
}

// migrate creates the base schema and applies any pending versioned
// migrations. Running it again is a no-op: applied versions are skipped and
// duplicate-column errors from re-runs are treated as already applied.
func (a *SQLiteAdapter) migrate() error {
	if err := a.db.AutoMigrate(
		&DeviceModel{},
		&FlowModel{},
		&ThreatModel{},
		&SchemaVersionModel{},
	); err != nil {
		return err
	}

	current := a.schemaVersion()
	if current >= currentSchemaVersion {
		a.logger.Info("database schema is up to date", "version", current)
		return nil
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		a.logger.Info("applying migration", "version", m.version, "description", m.description)

		for _, stmt := range m.statements {
			if err := a.db.Exec(stmt).Error; err != nil {
				if isDuplicateColumn(err) {
					a.logger.Info("column already exists, skipping statement", "version", m.version)
					continue
				}
				return err
			}
		}

		record := SchemaVersionModel{Version: m.version, AppliedAt: time.Now().Unix(), Description: m.description}
		if err := a.db.Save(&record).Error; err != nil {
			return err
		}
	}

	a.logger.Info("database migration complete", "version", currentSchemaVersion)
	return nil
}

// schemaVersion reads the highest applied version, 0 when none recorded.
func (a *SQLiteAdapter) schemaVersion() int {
	var record SchemaVersionModel
	err := a.db.Order("version DESC").First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return 0
	}
	if err != nil {
		return 0
	}
	return record.Version
}

func isDuplicateColumn(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}

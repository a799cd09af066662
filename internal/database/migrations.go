package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tandemlabs/tandem/internal/node"
)

const migrationBackfillNodeUpdateLineage = "2026-06-18_backfill_node_update_lineage"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillNodeUpdateLineage, apply: backfillNodeUpdateLineage},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillNodeUpdateLineage fills parent_id and node_type on log rows written
// before those columns existed, so stream deltas can always materialize
// unseen nodes.
func backfillNodeUpdateLineage(db *gorm.DB) error {
	err := db.Model(&node.NodeUpdate{}).
		Where("parent_id = '' AND node_id IN (SELECT node_id FROM nodes WHERE nodes.parent_id <> '')").
		Update("parent_id", gorm.Expr("(SELECT parent_id FROM nodes WHERE nodes.node_id = node_updates.node_id)")).Error
	if err != nil {
		return err
	}
	return db.Model(&node.NodeUpdate{}).
		Where("node_type = '' AND node_id IN (SELECT node_id FROM nodes)").
		Update("node_type", gorm.Expr("(SELECT node_type FROM nodes WHERE nodes.node_id = node_updates.node_id)")).Error
}

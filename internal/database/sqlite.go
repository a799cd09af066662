package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tandemlabs/tandem/internal/node"
	"github.com/tandemlabs/tandem/internal/outbox"
)

// OpenServerSQLite establishes the server-side SQLite connection and performs
// schema migrations for the authoritative store.
func OpenServerSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&node.Node{},
		&node.NodeUpdate{},
		&node.Collaboration{},
		&node.Interaction{},
		&node.RevisionCounter{},
		&migrationRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("server database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenReplicaSQLite establishes the replica-side SQLite connection. Replicas
// carry the outbox and stream cursors instead of the update log.
func OpenReplicaSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&node.Node{},
		&node.Collaboration{},
		&node.Interaction{},
		&node.SyncCursor{},
		&outbox.Mutation{},
		&migrationRecord{},
	)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("replica database initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

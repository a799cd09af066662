package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tandemlabs/tandem/internal/node"
)

func TestApplyMigrationsBackfillsUpdateLineage(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&node.Node{}, &node.NodeUpdate{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	stored := node.Node{
		NodeID:      "node-1",
		WorkspaceID: "ws-1",
		ParentID:    "root-1",
		RootID:      "root-1",
		NodeType:    "document",
	}
	if err := database.Create(&stored).Error; err != nil {
		testContext.Fatalf("failed to insert node: %v", err)
	}
	logged := node.NodeUpdate{
		WorkspaceID: "ws-1",
		NodeID:      "node-1",
		RootID:      "root-1",
		ActorID:     "user-1",
		Operation:   node.UpdateOperationUpsert,
		UpdateB64:   "AQID",
		UpdateHash:  "hash-1",
	}
	if err := database.Create(&logged).Error; err != nil {
		testContext.Fatalf("failed to insert log row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var repaired node.NodeUpdate
	if err := database.Where("node_id = ?", "node-1").Take(&repaired).Error; err != nil {
		testContext.Fatalf("failed to reload log row: %v", err)
	}
	if repaired.ParentID != "root-1" {
		testContext.Fatalf("expected parent backfill, got %q", repaired.ParentID)
	}
	if repaired.NodeType != "document" {
		testContext.Fatalf("expected node type backfill, got %q", repaired.NodeType)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillNodeUpdateLineage).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// Re-running is a no-op once the record exists.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
}

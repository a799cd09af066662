package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tandemlabs/tandem/internal/node"
	"github.com/tandemlabs/tandem/internal/outbox"
	"github.com/tandemlabs/tandem/internal/synchronizer"
	"gorm.io/gorm"
)

func mustPeerDatabase(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:replica_%s_%s?mode=memory&cache=shared", t.Name(), name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	err = db.AutoMigrate(
		&node.Node{},
		&node.Collaboration{},
		&node.Interaction{},
		&node.SyncCursor{},
		&outbox.Mutation{},
	)
	if err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustPeerService(t *testing.T, db *gorm.DB, userID string) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:    db,
		UserID:      userID,
		WorkspaceID: "ws-1",
		Clock:       func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

// queuedDelta turns the most recent queued mutation into the node stream delta
// the server would distribute after committing it.
func queuedDelta(t *testing.T, db *gorm.DB, revision int64) synchronizer.NodeDeltaData {
	t.Helper()
	rows := queuedMutations(t, db)
	if len(rows) == 0 {
		t.Fatal("expected a queued mutation")
	}
	last := rows[len(rows)-1]
	switch last.MutationType {
	case outbox.TypeNodeCreate.String():
		var data outbox.NodeCreateData
		if err := json.Unmarshal([]byte(last.DataJSON), &data); err != nil {
			t.Fatalf("decode payload failed: %v", err)
		}
		return synchronizer.NodeDeltaData{
			NodeID:           data.NodeID,
			ParentID:         data.ParentID,
			RootID:           data.RootID,
			WorkspaceID:      "ws-1",
			NodeType:         data.NodeType,
			ActorID:          "user-1",
			Operation:        string(node.UpdateOperationUpsert),
			UpdateB64:        data.UpdateB64,
			Revision:         revision,
			AppliedAtSeconds: 1700000000,
		}
	case outbox.TypeNodeUpdate.String():
		var data outbox.NodeUpdateData
		if err := json.Unmarshal([]byte(last.DataJSON), &data); err != nil {
			t.Fatalf("decode payload failed: %v", err)
		}
		return synchronizer.NodeDeltaData{
			NodeID:           data.NodeID,
			RootID:           data.RootID,
			WorkspaceID:      "ws-1",
			NodeType:         "page",
			ActorID:          "user-1",
			Operation:        string(node.UpdateOperationUpsert),
			UpdateB64:        data.UpdateB64,
			Revision:         revision,
			AppliedAtSeconds: 1700000000,
		}
	default:
		t.Fatalf("unexpected mutation type %s", last.MutationType)
		return synchronizer.NodeDeltaData{}
	}
}

func TestApplyNodeDeltaMaterializesUnknownNode(t *testing.T) {
	sourceDB := mustPeerDatabase(t, "source")
	source := mustPeerService(t, sourceDB, "user-1")
	targetDB := mustPeerDatabase(t, "target")
	target := mustPeerService(t, targetDB, "user-2")

	created, err := source.CreateNode(context.Background(), CreateNodeInput{
		NodeType:   "page",
		Attributes: map[string]any{"title": "Shared"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	delta := queuedDelta(t, sourceDB, 1)
	if err := target.ApplyNodeDelta(context.Background(), delta); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	materialized, err := target.GetNode(context.Background(), created.NodeID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if materialized.AttributesJSON != created.AttributesJSON {
		t.Fatalf("projection diverged: %s != %s", materialized.AttributesJSON, created.AttributesJSON)
	}
	if materialized.NodeType != "page" || materialized.RootID != created.RootID {
		t.Fatalf("unexpected materialized row: %+v", materialized)
	}
	if materialized.ServerRevision != 1 {
		t.Fatalf("expected server revision 1, got %d", materialized.ServerRevision)
	}
}

func TestApplyNodeDeltaConvergesInEitherOrder(t *testing.T) {
	sourceDB := mustPeerDatabase(t, "source")
	source := mustPeerService(t, sourceDB, "user-1")

	created, err := source.CreateNode(context.Background(), CreateNodeInput{
		NodeType:   "page",
		Attributes: map[string]any{"title": "Base"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	createDelta := queuedDelta(t, sourceDB, 1)

	if _, err := source.UpdateNode(context.Background(), created.NodeID, map[string]any{"status": "open"}); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	firstDelta := queuedDelta(t, sourceDB, 2)

	if _, err := source.UpdateNode(context.Background(), created.NodeID, map[string]any{"owner": "user-1"}); err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	secondDelta := queuedDelta(t, sourceDB, 3)

	forwardDB := mustPeerDatabase(t, "forward")
	forward := mustPeerService(t, forwardDB, "user-2")
	reverseDB := mustPeerDatabase(t, "reverse")
	reverse := mustPeerService(t, reverseDB, "user-3")

	for _, delta := range []synchronizer.NodeDeltaData{createDelta, firstDelta, secondDelta} {
		if err := forward.ApplyNodeDelta(context.Background(), delta); err != nil {
			t.Fatalf("forward apply failed: %v", err)
		}
	}
	for _, delta := range []synchronizer.NodeDeltaData{createDelta, secondDelta, firstDelta} {
		if err := reverse.ApplyNodeDelta(context.Background(), delta); err != nil {
			t.Fatalf("reverse apply failed: %v", err)
		}
	}

	forwardRow, err := forward.GetNode(context.Background(), created.NodeID)
	if err != nil {
		t.Fatalf("forward lookup failed: %v", err)
	}
	reverseRow, err := reverse.GetNode(context.Background(), created.NodeID)
	if err != nil {
		t.Fatalf("reverse lookup failed: %v", err)
	}
	if forwardRow.AttributesJSON != reverseRow.AttributesJSON {
		t.Fatalf("replicas diverged: %s != %s", forwardRow.AttributesJSON, reverseRow.AttributesJSON)
	}
	for _, key := range []string{"status", "owner", "title"} {
		if !strings.Contains(forwardRow.AttributesJSON, key) {
			t.Fatalf("expected %s in converged projection, got %s", key, forwardRow.AttributesJSON)
		}
	}
}

func TestApplyNodeDeltaIsIdempotent(t *testing.T) {
	sourceDB := mustPeerDatabase(t, "source")
	source := mustPeerService(t, sourceDB, "user-1")
	targetDB := mustPeerDatabase(t, "target")
	target := mustPeerService(t, targetDB, "user-2")

	created, err := source.CreateNode(context.Background(), CreateNodeInput{
		NodeType:   "page",
		Attributes: map[string]any{"title": "Once"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	delta := queuedDelta(t, sourceDB, 1)

	if err := target.ApplyNodeDelta(context.Background(), delta); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	first, err := target.GetNode(context.Background(), created.NodeID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	if err := target.ApplyNodeDelta(context.Background(), delta); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	second, err := target.GetNode(context.Background(), created.NodeID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if first.AttributesJSON != second.AttributesJSON {
		t.Fatalf("duplicate apply changed projection: %s != %s", first.AttributesJSON, second.AttributesJSON)
	}
}

func TestApplyNodeDeltaDeleteRemovesRow(t *testing.T) {
	db := mustReplicaDatabase(t)
	service := mustReplicaService(t, db, nil)

	created, err := service.CreateNode(context.Background(), CreateNodeInput{NodeType: "page"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err = service.ApplyNodeDelta(context.Background(), synchronizer.NodeDeltaData{
		NodeID:      created.NodeID,
		RootID:      created.RootID,
		WorkspaceID: "ws-1",
		ActorID:     "user-2",
		Operation:   string(node.UpdateOperationDelete),
		Revision:    5,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := service.GetNode(context.Background(), created.NodeID); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected node removed, got %v", err)
	}
}

func TestApplyCollaborationDeltaIgnoresStaleRevision(t *testing.T) {
	db := mustReplicaDatabase(t)
	service := mustReplicaService(t, db, nil)

	grant := synchronizer.CollaborationDeltaData{
		NodeID:         "root-1",
		CollaboratorID: "user-1",
		WorkspaceID:    "ws-1",
		Role:           "editor",
		Revision:       8,
	}
	if err := service.ApplyCollaborationDelta(context.Background(), grant); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	stale := grant
	stale.Role = "viewer"
	stale.Revision = 3
	if err := service.ApplyCollaborationDelta(context.Background(), stale); err != nil {
		t.Fatalf("stale apply failed: %v", err)
	}

	var row node.Collaboration
	if err := db.Take(&row, "node_id = ? AND collaborator_id = ?", "root-1", "user-1").Error; err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if row.Role != "editor" || row.Revision != 8 {
		t.Fatalf("stale delta overwrote grant: %+v", row)
	}
}

func TestApplyCollaborationDeltaTombstonesRevokedGrant(t *testing.T) {
	db := mustReplicaDatabase(t)
	service := mustReplicaService(t, db, nil)

	grant := synchronizer.CollaborationDeltaData{
		NodeID:         "root-1",
		CollaboratorID: "user-1",
		WorkspaceID:    "ws-1",
		Role:           "editor",
		Revision:       2,
	}
	if err := service.ApplyCollaborationDelta(context.Background(), grant); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	deletedAt := int64(1700000500)
	revoked := grant
	revoked.Revision = 6
	revoked.DeletedAtSeconds = &deletedAt
	if err := service.ApplyCollaborationDelta(context.Background(), revoked); err != nil {
		t.Fatalf("revoke apply failed: %v", err)
	}

	var row node.Collaboration
	if err := db.Take(&row, "node_id = ? AND collaborator_id = ?", "root-1", "user-1").Error; err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if row.DeletedAtSeconds == nil || *row.DeletedAtSeconds != deletedAt {
		t.Fatalf("expected tombstone, got %+v", row)
	}
}

func TestApplyInteractionDeltaNeverRewindsMarkers(t *testing.T) {
	db := mustReplicaDatabase(t)
	service := mustReplicaService(t, db, nil)

	created, err := service.CreateNode(context.Background(), CreateNodeInput{NodeType: "conversation"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := service.MarkSeen(context.Background(), created.NodeID, 9); err != nil {
		t.Fatalf("mark seen failed: %v", err)
	}

	// The server has not yet absorbed the local advance; its delta lags.
	err = service.ApplyInteractionDelta(context.Background(), synchronizer.InteractionDeltaData{
		NodeID:           created.NodeID,
		CollaboratorID:   "user-1",
		WorkspaceID:      "ws-1",
		RootID:           created.RootID,
		SeenRevision:     4,
		ReceivedRevision: 4,
		Revision:         11,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	var interaction node.Interaction
	err = db.Take(&interaction, "node_id = ? AND collaborator_id = ?", created.NodeID, "user-1").Error
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if interaction.SeenRevision != 9 {
		t.Fatalf("expected marker kept at 9, got %d", interaction.SeenRevision)
	}
	if interaction.Revision != 11 {
		t.Fatalf("expected stream revision 11, got %d", interaction.Revision)
	}
}

package workspace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	sqlite "github.com/glebarez/sqlite"
	"github.com/tandemlabs/tandem/internal/crdt"
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/node"
	"github.com/tandemlabs/tandem/internal/outbox"
	"github.com/tandemlabs/tandem/internal/transport"
	"gorm.io/gorm"
)

func mustWorkspaceDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:workspace_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	err = db.AutoMigrate(
		&node.Node{},
		&node.NodeUpdate{},
		&node.Collaboration{},
		&node.Interaction{},
		&node.RevisionCounter{},
	)
	if err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustWorkspaceService(t *testing.T, db *gorm.DB, bus *events.Bus) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database: db,
		Bus:      bus,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

// editedDoc builds a fresh document carrying the given attributes and returns
// its full history diff in transit encoding.
func editedDoc(t *testing.T, attributes map[string]any) (doc *crdt.Document, diffB64 string) {
	t.Helper()
	doc = crdt.New()
	_, diff, err := doc.ApplyLocalEdit(func(inner *automerge.Doc) error {
		for key, value := range attributes {
			if err := inner.Path(key).Set(value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	return doc, base64.StdEncoding.EncodeToString(diff)
}

func payloadFor(t *testing.T, mutationType outbox.MutationType, data any) transport.MutationPayload {
	t.Helper()
	encoded, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("encode payload failed: %v", err)
	}
	return transport.MutationPayload{
		ID:   outbox.NewMutationID(),
		Type: mutationType.String(),
		Data: encoded,
	}
}

func createRootPayload(t *testing.T, rootID string, attributes map[string]any) transport.MutationPayload {
	t.Helper()
	_, diffB64 := editedDoc(t, attributes)
	return payloadFor(t, outbox.TypeNodeCreate, outbox.NodeCreateData{
		NodeID:    rootID,
		RootID:    rootID,
		NodeType:  "space",
		UpdateB64: diffB64,
	})
}

func applyOne(t *testing.T, service *Service, userID string, payload transport.MutationPayload) transport.MutationResult {
	t.Helper()
	results := service.ApplyMutations(context.Background(), userID, "ws-1", []transport.MutationPayload{payload})
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	return results[0]
}

func TestApplyCreateCommitsNodeLogAndOwnerGrant(t *testing.T) {
	db := mustWorkspaceDatabase(t)
	bus := events.NewBus()
	var published []string
	bus.Subscribe(func(event events.Event) { published = append(published, event.Name()) })
	service := mustWorkspaceService(t, db, bus)

	result := applyOne(t, service, "user-1", createRootPayload(t, "root-1", map[string]any{"title": "Team space"}))
	if result.Status != transport.MutationStatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}

	var stored node.Node
	if err := db.Take(&stored, "node_id = ?", "root-1").Error; err != nil {
		t.Fatalf("node lookup failed: %v", err)
	}
	if !strings.Contains(stored.AttributesJSON, "Team space") {
		t.Fatalf("unexpected projection: %s", stored.AttributesJSON)
	}
	if stored.ServerRevision == 0 {
		t.Fatal("expected server revision assigned from the update log")
	}

	var logged []node.NodeUpdate
	if err := db.Order("revision ASC").Find(&logged).Error; err != nil {
		t.Fatalf("log query failed: %v", err)
	}
	if len(logged) != 1 || logged[0].Operation != node.UpdateOperationUpsert {
		t.Fatalf("unexpected update log: %+v", logged)
	}

	var grant node.Collaboration
	if err := db.Take(&grant, "node_id = ? AND collaborator_id = ?", "root-1", "user-1").Error; err != nil {
		t.Fatalf("grant lookup failed: %v", err)
	}
	if grant.Role != node.RoleOwner.String() || grant.Revision != 1 {
		t.Fatalf("unexpected owner grant: %+v", grant)
	}

	want := []string{events.NameNodeCreated, events.NameCollaborationCreated}
	if len(published) != len(want) || published[0] != want[0] || published[1] != want[1] {
		t.Fatalf("unexpected events: %v", published)
	}
}

func TestApplyCreateDeduplicatesRedelivery(t *testing.T) {
	db := mustWorkspaceDatabase(t)
	service := mustWorkspaceService(t, db, nil)

	payload := createRootPayload(t, "root-1", map[string]any{"title": "Once"})
	if result := applyOne(t, service, "user-1", payload); result.Status != transport.MutationStatusSuccess {
		t.Fatalf("first apply failed: %+v", result)
	}
	// The client never heard the ack and pushes the same mutation again.
	if result := applyOne(t, service, "user-1", payload); result.Status != transport.MutationStatusSuccess {
		t.Fatalf("redelivery should succeed, got %+v", result)
	}

	var count int64
	if err := db.Model(&node.NodeUpdate{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one log row after redelivery, got %d", count)
	}
}

func TestApplyUpdateRequiresWriteGrant(t *testing.T) {
	db := mustWorkspaceDatabase(t)
	service := mustWorkspaceService(t, db, nil)

	applyOne(t, service, "user-1", createRootPayload(t, "root-1", map[string]any{"title": "Base"}))
	if err := service.AddCollaborator(context.Background(), "user-1", "ws-1", "root-1", "user-2", node.RoleViewer); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	var stored node.Node
	if err := db.Take(&stored, "node_id = ?", "root-1").Error; err != nil {
		t.Fatalf("node lookup failed: %v", err)
	}
	state, err := base64.StdEncoding.DecodeString(stored.StateB64)
	if err != nil {
		t.Fatalf("decode state failed: %v", err)
	}
	doc, err := crdt.Load(state)
	if err != nil {
		t.Fatalf("load state failed: %v", err)
	}
	_, diff, err := doc.ApplyLocalEdit(func(inner *automerge.Doc) error {
		return inner.Path("title").Set("Changed")
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	update := payloadFor(t, outbox.TypeNodeUpdate, outbox.NodeUpdateData{
		NodeID:    "root-1",
		RootID:    "root-1",
		UpdateB64: base64.StdEncoding.EncodeToString(diff),
	})

	if result := applyOne(t, service, "user-2", update); result.Status != transport.MutationStatusError {
		t.Fatalf("expected viewer write rejected, got %+v", result)
	}
	if result := applyOne(t, service, "user-1", update); result.Status != transport.MutationStatusSuccess {
		t.Fatalf("expected owner write accepted, got %+v", result)
	}

	if err := db.Take(&stored, "node_id = ?", "root-1").Error; err != nil {
		t.Fatalf("node lookup failed: %v", err)
	}
	if !strings.Contains(stored.AttributesJSON, "Changed") {
		t.Fatalf("expected merged projection, got %s", stored.AttributesJSON)
	}
}

func TestApplyBatchFailureDoesNotBlockLaterMutations(t *testing.T) {
	db := mustWorkspaceDatabase(t)
	service := mustWorkspaceService(t, db, nil)

	good1 := createRootPayload(t, "root-1", map[string]any{"title": "First"})
	bad := transport.MutationPayload{ID: outbox.NewMutationID(), Type: "node_rename", Data: json.RawMessage(`{}`)}
	good2 := createRootPayload(t, "root-2", map[string]any{"title": "Second"})

	results := service.ApplyMutations(context.Background(), "user-1", "ws-1",
		[]transport.MutationPayload{good1, bad, good2})
	if len(results) != 3 {
		t.Fatalf("expected three results, got %d", len(results))
	}
	if results[0].Status != transport.MutationStatusSuccess ||
		results[1].Status != transport.MutationStatusError ||
		results[2].Status != transport.MutationStatusSuccess {
		t.Fatalf("unexpected statuses: %+v", results)
	}
	if results[1].ID != bad.ID {
		t.Fatalf("result order lost: %+v", results)
	}

	var count int64
	if err := db.Model(&node.Node{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected both good mutations committed, got %d nodes", count)
	}
}

func TestApplyDeleteTombstonesLogAndRemovesNode(t *testing.T) {
	db := mustWorkspaceDatabase(t)
	service := mustWorkspaceService(t, db, nil)

	applyOne(t, service, "user-1", createRootPayload(t, "root-1", map[string]any{"title": "Gone soon"}))
	result := applyOne(t, service, "user-1", payloadFor(t, outbox.TypeNodeDelete, outbox.NodeDeleteData{
		NodeID:   "root-1",
		RootID:   "root-1",
		NodeType: "space",
	}))
	if result.Status != transport.MutationStatusSuccess {
		t.Fatalf("delete rejected: %+v", result)
	}

	var count int64
	if err := db.Model(&node.Node{}).Where("node_id = ?", "root-1").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatal("expected node row removed")
	}

	var logged []node.NodeUpdate
	if err := db.Order("revision ASC").Find(&logged).Error; err != nil {
		t.Fatalf("log query failed: %v", err)
	}
	if len(logged) != 2 || logged[1].Operation != node.UpdateOperationDelete {
		t.Fatalf("expected delete tombstone in log, got %+v", logged)
	}
}

func TestApplySeenAdvancesMarkerWithServerRevision(t *testing.T) {
	db := mustWorkspaceDatabase(t)
	service := mustWorkspaceService(t, db, nil)

	applyOne(t, service, "user-1", createRootPayload(t, "root-1", map[string]any{"title": "Chat"}))
	if err := service.AddCollaborator(context.Background(), "user-1", "ws-1", "root-1", "user-2", node.RoleViewer); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	seen := payloadFor(t, outbox.TypeInteractionSeen, outbox.InteractionSeenData{
		NodeID:       "root-1",
		RootID:       "root-1",
		SeenRevision: 5,
	})
	if result := applyOne(t, service, "user-2", seen); result.Status != transport.MutationStatusSuccess {
		t.Fatalf("seen rejected: %+v", result)
	}

	var interaction node.Interaction
	err := db.Take(&interaction, "node_id = ? AND collaborator_id = ?", "root-1", "user-2").Error
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if interaction.SeenRevision != 5 || interaction.Revision != 1 {
		t.Fatalf("unexpected interaction: %+v", interaction)
	}

	// A stale marker is absorbed without burning a stream revision.
	stale := payloadFor(t, outbox.TypeInteractionSeen, outbox.InteractionSeenData{
		NodeID:       "root-1",
		RootID:       "root-1",
		SeenRevision: 2,
	})
	if result := applyOne(t, service, "user-2", stale); result.Status != transport.MutationStatusSuccess {
		t.Fatalf("stale seen rejected: %+v", result)
	}
	err = db.Take(&interaction, "node_id = ? AND collaborator_id = ?", "root-1", "user-2").Error
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if interaction.SeenRevision != 5 || interaction.Revision != 1 {
		t.Fatalf("stale marker moved state: %+v", interaction)
	}
}

func TestAddCollaboratorRequiresOwner(t *testing.T) {
	db := mustWorkspaceDatabase(t)
	service := mustWorkspaceService(t, db, nil)

	applyOne(t, service, "user-1", createRootPayload(t, "root-1", nil))
	if err := service.AddCollaborator(context.Background(), "user-1", "ws-1", "root-1", "user-2", node.RoleEditor); err != nil {
		t.Fatalf("owner grant failed: %v", err)
	}

	err := service.AddCollaborator(context.Background(), "user-2", "ws-1", "root-1", "user-3", node.RoleViewer)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected editor rejected, got %v", err)
	}
}

func TestRemoveCollaboratorKeepsLastOwner(t *testing.T) {
	db := mustWorkspaceDatabase(t)
	service := mustWorkspaceService(t, db, nil)

	applyOne(t, service, "user-1", createRootPayload(t, "root-1", nil))

	err := service.RemoveCollaborator(context.Background(), "user-1", "ws-1", "root-1", "user-1")
	if !errors.Is(err, ErrLastOwner) {
		t.Fatalf("expected last-owner guard, got %v", err)
	}
}

func TestRemoveCollaboratorTombstonesWithFreshRevision(t *testing.T) {
	db := mustWorkspaceDatabase(t)
	service := mustWorkspaceService(t, db, nil)

	applyOne(t, service, "user-1", createRootPayload(t, "root-1", nil))
	if err := service.AddCollaborator(context.Background(), "user-1", "ws-1", "root-1", "user-2", node.RoleEditor); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := service.RemoveCollaborator(context.Background(), "user-1", "ws-1", "root-1", "user-2"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	var row node.Collaboration
	if err := db.Take(&row, "node_id = ? AND collaborator_id = ?", "root-1", "user-2").Error; err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if row.DeletedAtSeconds == nil {
		t.Fatal("expected tombstone")
	}
	if row.Revision != 3 {
		t.Fatalf("expected revision advanced past grant revisions, got %d", row.Revision)
	}
}

func TestListNodeHistoryReplaysCommitOrder(t *testing.T) {
	db := mustWorkspaceDatabase(t)
	service := mustWorkspaceService(t, db, nil)

	applyOne(t, service, "user-1", createRootPayload(t, "root-1", map[string]any{"title": "v1"}))

	var stored node.Node
	if err := db.Take(&stored, "node_id = ?", "root-1").Error; err != nil {
		t.Fatalf("node lookup failed: %v", err)
	}
	state, _ := base64.StdEncoding.DecodeString(stored.StateB64)
	doc, err := crdt.Load(state)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	_, diff, err := doc.ApplyLocalEdit(func(inner *automerge.Doc) error {
		return inner.Path("title").Set("v2")
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	applyOne(t, service, "user-1", payloadFor(t, outbox.TypeNodeUpdate, outbox.NodeUpdateData{
		NodeID:    "root-1",
		RootID:    "root-1",
		UpdateB64: base64.StdEncoding.EncodeToString(diff),
	}))

	items, err := service.ListNodeHistory(context.Background(), "user-1", "root-1")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected two history items, got %d", len(items))
	}
	if items[0].Cursor >= items[1].Cursor {
		t.Fatalf("history out of commit order: %+v", items)
	}

	_, err = service.ListNodeHistory(context.Background(), "stranger", "root-1")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected stranger rejected, got %v", err)
	}
}

package synchronizer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/node"
	"gorm.io/gorm"
)

func TestFetchDataReturnsExactlyRowsAboveCursor(t *testing.T) {
	db := mustSyncDatabase(t)
	seedCollaboration(t, db, "root-1", "user-1")
	for revision := int64(40); revision <= 47; revision++ {
		seedNodeUpdate(t, db, revision, "root-1")
	}

	sync := mustNodeSynchronizer(t, db, "user-1", "root-1", 42)
	items := sync.FetchData(context.Background())
	if len(items) != 5 {
		t.Fatalf("expected five items above cursor 42, got %d", len(items))
	}
	for i, item := range items {
		expected := int64(43 + i)
		if item.Cursor != expected {
			t.Fatalf("position %d: expected cursor %d, got %d", i, expected, item.Cursor)
		}
	}
	if sync.Cursor() != 47 {
		t.Fatalf("expected cursor advanced to 47, got %d", sync.Cursor())
	}
}

func TestSuccessiveFetchesAreGapFreeAndDuplicateFree(t *testing.T) {
	db := mustSyncDatabase(t)
	seedCollaboration(t, db, "root-1", "user-1")
	for revision := int64(1); revision <= 7; revision++ {
		seedNodeUpdate(t, db, revision, "root-1")
	}

	sync := mustNodeSynchronizerWithPageSize(t, db, "user-1", "root-1", 0, 3)

	var delivered []int64
	for {
		items := sync.FetchData(context.Background())
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			delivered = append(delivered, item.Cursor)
		}
	}

	if len(delivered) != 7 {
		t.Fatalf("expected seven items across pages, got %d", len(delivered))
	}
	for i, cursor := range delivered {
		if cursor != int64(i+1) {
			t.Fatalf("delivery gap or duplicate at position %d: %v", i, delivered)
		}
	}
}

func TestFetchDataHidesRootsWithoutCollaboration(t *testing.T) {
	db := mustSyncDatabase(t)
	seedNodeUpdate(t, db, 1, "root-1")

	sync := mustNodeSynchronizer(t, db, "user-without-grant", "root-1", 0)
	if items := sync.FetchData(context.Background()); len(items) != 0 {
		t.Fatalf("expected no items without a collaboration, got %d", len(items))
	}
}

type blockingCollector struct {
	inner   Collector
	started chan struct{}
	release chan struct{}
}

func (c *blockingCollector) Kind() Kind { return c.inner.Kind() }

func (c *blockingCollector) Matches(event events.Event, userID, scope string) bool {
	return c.inner.Matches(event, userID, scope)
}

func (c *blockingCollector) Collect(ctx context.Context, userID, scope string, after int64, limit int) ([]Item, error) {
	close(c.started)
	<-c.release
	return c.inner.Collect(ctx, userID, scope, after, limit)
}

func TestOverlappingFetchReturnsNothing(t *testing.T) {
	db := mustSyncDatabase(t)
	seedCollaboration(t, db, "root-1", "user-1")
	seedNodeUpdate(t, db, 1, "root-1")

	inner, err := NewNodeCollector(db)
	if err != nil {
		t.Fatalf("failed to build collector: %v", err)
	}
	blocking := &blockingCollector{
		inner:   inner,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	sync, err := New(Config{UserID: "user-1", Scope: "root-1", Collector: blocking})
	if err != nil {
		t.Fatalf("failed to build synchronizer: %v", err)
	}

	results := make(chan []Item, 1)
	go func() { results <- sync.FetchData(context.Background()) }()
	<-blocking.started

	if items := sync.FetchData(context.Background()); items != nil {
		t.Fatalf("expected overlapping fetch to return nothing, got %d items", len(items))
	}

	close(blocking.release)
	if items := <-results; len(items) != 1 {
		t.Fatalf("expected first fetch to deliver the row, got %d items", len(items))
	}
}

type failingCollector struct {
	inner Collector
	fail  bool
}

func (c *failingCollector) Kind() Kind { return c.inner.Kind() }

func (c *failingCollector) Matches(event events.Event, userID, scope string) bool {
	return c.inner.Matches(event, userID, scope)
}

func (c *failingCollector) Collect(ctx context.Context, userID, scope string, after int64, limit int) ([]Item, error) {
	if c.fail {
		return nil, fmt.Errorf("storage unavailable")
	}
	return c.inner.Collect(ctx, userID, scope, after, limit)
}

func TestFetchErrorResetsToPendingAndRetriesOnNextTrigger(t *testing.T) {
	db := mustSyncDatabase(t)
	seedCollaboration(t, db, "root-1", "user-1")
	seedNodeUpdate(t, db, 1, "root-1")

	inner, err := NewNodeCollector(db)
	if err != nil {
		t.Fatalf("failed to build collector: %v", err)
	}
	failing := &failingCollector{inner: inner, fail: true}
	sync, err := New(Config{UserID: "user-1", Scope: "root-1", Collector: failing})
	if err != nil {
		t.Fatalf("failed to build synchronizer: %v", err)
	}

	if items := sync.FetchData(context.Background()); items != nil {
		t.Fatalf("expected swallowed error, got %d items", len(items))
	}
	if sync.Cursor() != 0 {
		t.Fatalf("expected cursor untouched after failure, got %d", sync.Cursor())
	}

	failing.fail = false
	if items := sync.FetchData(context.Background()); len(items) != 1 {
		t.Fatalf("expected next trigger to succeed, got %d items", len(items))
	}
}

func TestFetchDataFromEventChecksScope(t *testing.T) {
	db := mustSyncDatabase(t)
	seedCollaboration(t, db, "root-1", "user-1")
	seedNodeUpdate(t, db, 1, "root-1")

	sync := mustNodeSynchronizer(t, db, "user-1", "root-1", 0)

	otherRoot := events.NodeUpdated{NodeID: "node-x", RootID: "root-2", WorkspaceID: "ws-1"}
	if items := sync.FetchDataFromEvent(context.Background(), otherRoot); items != nil {
		t.Fatalf("expected no fetch for foreign root, got %d items", len(items))
	}

	matching := events.NodeUpdated{NodeID: "node-x", RootID: "root-1", WorkspaceID: "ws-1"}
	if items := sync.FetchDataFromEvent(context.Background(), matching); len(items) != 1 {
		t.Fatalf("expected fetch for matching root, got %d items", len(items))
	}
}

func TestCollaborationCollectorStreamsOwnGrants(t *testing.T) {
	db := mustSyncDatabase(t)
	grants := []node.Collaboration{
		{NodeID: "root-1", CollaboratorID: "user-1", WorkspaceID: "ws-1", Role: "editor", Revision: 1, CreatedAtSeconds: 1},
		{NodeID: "root-2", CollaboratorID: "user-1", WorkspaceID: "ws-1", Role: "viewer", Revision: 2, CreatedAtSeconds: 1},
		{NodeID: "root-3", CollaboratorID: "user-2", WorkspaceID: "ws-1", Role: "owner", Revision: 3, CreatedAtSeconds: 1},
	}
	for _, grant := range grants {
		row := grant
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed collaboration: %v", err)
		}
	}

	registry, err := NewRegistry(db, nil)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	sync, err := registry.GetOrCreate("user-1", KindCollaborations, "", 0)
	if err != nil {
		t.Fatalf("failed to build synchronizer: %v", err)
	}

	items := sync.FetchData(context.Background())
	if len(items) != 2 {
		t.Fatalf("expected two grants for user-1, got %d", len(items))
	}
	var first CollaborationDeltaData
	if err := json.Unmarshal(items[0].Data, &first); err != nil {
		t.Fatalf("failed to decode item: %v", err)
	}
	if first.NodeID != "root-1" || first.Role != "editor" {
		t.Fatalf("unexpected first grant: %+v", first)
	}
}

func TestRegistryReusesInstances(t *testing.T) {
	db := mustSyncDatabase(t)
	registry, err := NewRegistry(db, nil)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	first, err := registry.GetOrCreate("user-1", KindNodes, "root-1", 5)
	if err != nil {
		t.Fatalf("first get failed: %v", err)
	}
	second, err := registry.GetOrCreate("user-1", KindNodes, "root-1", 99)
	if err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if first != second {
		t.Fatal("expected the same instance for the same key")
	}
	if second.Cursor() != 5 {
		t.Fatalf("expected existing cursor kept, got %d", second.Cursor())
	}

	registry.Remove("user-1")
	third, err := registry.GetOrCreate("user-1", KindNodes, "root-1", 7)
	if err != nil {
		t.Fatalf("third get failed: %v", err)
	}
	if third == first {
		t.Fatal("expected a fresh instance after removal")
	}
}

func mustSyncDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:sync_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&node.NodeUpdate{}, &node.Collaboration{}, &node.Interaction{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustNodeSynchronizer(t *testing.T, db *gorm.DB, userID, scope string, cursor int64) *Synchronizer {
	t.Helper()
	return mustNodeSynchronizerWithPageSize(t, db, userID, scope, cursor, 0)
}

func mustNodeSynchronizerWithPageSize(t *testing.T, db *gorm.DB, userID, scope string, cursor int64, pageSize int) *Synchronizer {
	t.Helper()
	collector, err := NewNodeCollector(db)
	if err != nil {
		t.Fatalf("failed to build collector: %v", err)
	}
	sync, err := New(Config{
		UserID:    userID,
		Scope:     scope,
		Cursor:    cursor,
		Collector: collector,
		PageSize:  pageSize,
	})
	if err != nil {
		t.Fatalf("failed to build synchronizer: %v", err)
	}
	return sync
}

func seedNodeUpdate(t *testing.T, db *gorm.DB, revision int64, rootID string) {
	t.Helper()
	update := node.NodeUpdate{
		Revision:         revision,
		WorkspaceID:      "ws-1",
		NodeID:           fmt.Sprintf("node-%d", revision),
		RootID:           rootID,
		ActorID:          "user-1",
		Operation:        node.UpdateOperationUpsert,
		UpdateB64:        "AQID",
		UpdateHash:       fmt.Sprintf("hash-%d", revision),
		AppliedAtSeconds: 1700000000,
	}
	if err := db.Create(&update).Error; err != nil {
		t.Fatalf("failed to seed node update: %v", err)
	}
}

func seedCollaboration(t *testing.T, db *gorm.DB, rootID, userID string) {
	t.Helper()
	collaboration := node.Collaboration{
		NodeID:           rootID,
		CollaboratorID:   userID,
		WorkspaceID:      "ws-1",
		Role:             "editor",
		Revision:         1,
		CreatedAtSeconds: 1700000000,
	}
	if err := db.Create(&collaboration).Error; err != nil {
		t.Fatalf("failed to seed collaboration: %v", err)
	}
}

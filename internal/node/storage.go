package node

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Node stores a versioned entity whose durable truth is a CRDT update log.
// AttributesJSON is always the projection of StateB64 and is rewritten in the
// same transaction as every state change.
type Node struct {
	NodeID                 string `gorm:"column:node_id;primaryKey;size:190;not null"`
	WorkspaceID            string `gorm:"column:workspace_id;size:190;not null;index:idx_nodes_workspace_root,priority:1"`
	ParentID               string `gorm:"column:parent_id;size:190;not null;default:''"`
	RootID                 string `gorm:"column:root_id;size:190;not null;index:idx_nodes_workspace_root,priority:2"`
	NodeType               string `gorm:"column:node_type;size:64;not null"`
	AttributesJSON         string `gorm:"column:attributes_json;type:text;not null"`
	StateB64               string `gorm:"column:state_b64;type:text;not null"`
	Revision               int64  `gorm:"column:revision;not null;default:0"`
	CreatedAtSeconds       int64  `gorm:"column:created_at_s;not null"`
	CreatedBy              string `gorm:"column:created_by;size:190;not null"`
	UpdatedAtSeconds       int64  `gorm:"column:updated_at_s;not null"`
	UpdatedBy              string `gorm:"column:updated_by;size:190;not null;default:''"`
	ServerCreatedAtSeconds int64  `gorm:"column:server_created_at_s;not null;default:0"`
	ServerUpdatedAtSeconds int64  `gorm:"column:server_updated_at_s;not null;default:0"`
	ServerRevision         int64  `gorm:"column:server_revision;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Node) TableName() string {
	return "nodes"
}

// UpdateOperation enumerates the operations recorded in the node update log.
type UpdateOperation string

const (
	// UpdateOperationUpsert records a create or CRDT merge.
	UpdateOperationUpsert UpdateOperation = "upsert"
	// UpdateOperationDelete records a node removal tombstone.
	UpdateOperationDelete UpdateOperation = "delete"
)

// NodeUpdate is the append-only server-side update log. The autoincrement
// primary key doubles as the strictly increasing stream revision that sync
// cursors resume from.
type NodeUpdate struct {
	Revision         int64           `gorm:"column:revision;primaryKey;autoIncrement"`
	WorkspaceID      string          `gorm:"column:workspace_id;size:190;not null;index:idx_node_updates_root,priority:1;uniqueIndex:idx_node_update_dedupe,priority:1"`
	NodeID           string          `gorm:"column:node_id;size:190;not null;uniqueIndex:idx_node_update_dedupe,priority:2"`
	ParentID         string          `gorm:"column:parent_id;size:190;not null;default:''"`
	RootID           string          `gorm:"column:root_id;size:190;not null;index:idx_node_updates_root,priority:2"`
	NodeType         string          `gorm:"column:node_type;size:64;not null;default:''"`
	ActorID          string          `gorm:"column:actor_id;size:190;not null"`
	Operation        UpdateOperation `gorm:"column:op;size:16;not null"`
	UpdateB64        string          `gorm:"column:update_b64;type:text;not null"`
	UpdateHash       string          `gorm:"column:update_hash;size:64;not null;uniqueIndex:idx_node_update_dedupe,priority:3"`
	AppliedAtSeconds int64           `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NodeUpdate) TableName() string {
	return "node_updates"
}

// Collaboration grants a role to a user over a root subtree. Revision drives
// the per-user collaboration sync stream.
type Collaboration struct {
	NodeID           string `gorm:"column:node_id;primaryKey;size:190;not null"`
	CollaboratorID   string `gorm:"column:collaborator_id;primaryKey;size:190;not null;index:idx_collaborations_user_rev,priority:1"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null"`
	Role             string `gorm:"column:role;size:32;not null"`
	Revision         int64  `gorm:"column:revision;not null;default:0;index:idx_collaborations_user_rev,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	DeletedAtSeconds *int64 `gorm:"column:deleted_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Collaboration) TableName() string {
	return "collaborations"
}

// Interaction stores per-user seen/received markers over a node.
type Interaction struct {
	NodeID           string `gorm:"column:node_id;primaryKey;size:190;not null"`
	CollaboratorID   string `gorm:"column:collaborator_id;primaryKey;size:190;not null"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null"`
	RootID           string `gorm:"column:root_id;size:190;not null;index:idx_interactions_root_rev,priority:1"`
	SeenRevision     int64  `gorm:"column:seen_revision;not null;default:0"`
	ReceivedRevision int64  `gorm:"column:received_revision;not null;default:0"`
	Revision         int64  `gorm:"column:revision;not null;default:0;index:idx_interactions_root_rev,priority:2"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Interaction) TableName() string {
	return "interactions"
}

// SyncCursor persists the last delivered revision per (user, stream kind,
// scope) on a replica. Advancing is monotonic; a rewind only happens by
// deleting the row for a full resync.
type SyncCursor struct {
	UserID       string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Kind         string `gorm:"column:kind;primaryKey;size:64;not null"`
	Scope        string `gorm:"column:scope;primaryKey;size:190;not null"`
	LastRevision int64  `gorm:"column:last_revision;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}

// RevisionCounter backs server-assigned revisions for tables that are updated
// in place (collaborations, interactions) rather than append-only.
type RevisionCounter struct {
	Name  string `gorm:"column:name;primaryKey;size:64;not null"`
	Value int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RevisionCounter) TableName() string {
	return "revision_counters"
}

// Revision counter names.
const (
	CounterCollaborations = "collaborations"
	CounterInteractions   = "interactions"
)

// NextRevision atomically advances and returns the named revision counter.
// Must run inside the transaction that commits the revision it stamps, so the
// assignment is atomic with the write it orders.
func NextRevision(tx *gorm.DB, name string) (int64, error) {
	var counter RevisionCounter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("name = ?", name).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = RevisionCounter{Name: name, Value: 1}
		if err := tx.Create(&counter).Error; err != nil {
			return 0, err
		}
		return counter.Value, nil
	}
	if err != nil {
		return 0, err
	}
	counter.Value++
	if err := tx.Save(&counter).Error; err != nil {
		return 0, err
	}
	return counter.Value, nil
}

package synchronizer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/node"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("synchronizer: database handle is required")

// NodeDeltaData is the wire payload for one node stream item. ParentID and
// NodeType ride along so a receiver can materialize a node it has never seen.
type NodeDeltaData struct {
	NodeID           string `json:"node_id"`
	ParentID         string `json:"parent_id"`
	RootID           string `json:"root_id"`
	WorkspaceID      string `json:"workspace_id"`
	NodeType         string `json:"node_type"`
	ActorID          string `json:"actor_id"`
	Operation        string `json:"op"`
	UpdateB64        string `json:"update_b64"`
	Revision         int64  `json:"revision"`
	AppliedAtSeconds int64  `json:"applied_at_s"`
}

// CollaborationDeltaData is the wire payload for one collaboration stream item.
type CollaborationDeltaData struct {
	NodeID           string `json:"node_id"`
	CollaboratorID   string `json:"collaborator_id"`
	WorkspaceID      string `json:"workspace_id"`
	Role             string `json:"role"`
	Revision         int64  `json:"revision"`
	DeletedAtSeconds *int64 `json:"deleted_at_s,omitempty"`
}

// InteractionDeltaData is the wire payload for one interaction stream item.
type InteractionDeltaData struct {
	NodeID           string `json:"node_id"`
	CollaboratorID   string `json:"collaborator_id"`
	WorkspaceID      string `json:"workspace_id"`
	RootID           string `json:"root_id"`
	SeenRevision     int64  `json:"seen_revision"`
	ReceivedRevision int64  `json:"received_revision"`
	Revision         int64  `json:"revision"`
}

// NodeCollector streams committed node updates for one root, restricted to
// users holding a live collaboration on that root.
type NodeCollector struct {
	db *gorm.DB
}

// NewNodeCollector returns a NodeCollector over the given database.
func NewNodeCollector(db *gorm.DB) (*NodeCollector, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &NodeCollector{db: db}, nil
}

// Kind returns KindNodes.
func (c *NodeCollector) Kind() Kind { return KindNodes }

// Matches reports whether the event concerns the instance's root.
func (c *NodeCollector) Matches(event events.Event, _ string, scope string) bool {
	switch e := event.(type) {
	case events.NodeCreated:
		return e.RootID == scope
	case events.NodeUpdated:
		return e.RootID == scope
	case events.NodeDeleted:
		return e.RootID == scope
	default:
		return false
	}
}

// Collect returns node updates above the cursor for the scoped root.
func (c *NodeCollector) Collect(ctx context.Context, userID, scope string, after int64, limit int) ([]Item, error) {
	var updates []node.NodeUpdate
	err := c.db.WithContext(ctx).
		Where("root_id = ? AND revision > ?", scope, after).
		Where("EXISTS (SELECT 1 FROM collaborations c WHERE c.node_id = node_updates.root_id AND c.collaborator_id = ? AND c.deleted_at_s IS NULL)", userID).
		Order("revision ASC").
		Limit(limit).
		Find(&updates).Error
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(updates))
	for _, update := range updates {
		data, err := json.Marshal(NodeDeltaData{
			NodeID:           update.NodeID,
			ParentID:         update.ParentID,
			RootID:           update.RootID,
			WorkspaceID:      update.WorkspaceID,
			NodeType:         update.NodeType,
			ActorID:          update.ActorID,
			Operation:        string(update.Operation),
			UpdateB64:        update.UpdateB64,
			Revision:         update.Revision,
			AppliedAtSeconds: update.AppliedAtSeconds,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Cursor: update.Revision, Data: data})
	}
	return items, nil
}

// CollaborationCollector streams a user's own role grants. Scope is unused;
// the requesting user is the scope.
type CollaborationCollector struct {
	db *gorm.DB
}

// NewCollaborationCollector returns a CollaborationCollector over the given database.
func NewCollaborationCollector(db *gorm.DB) (*CollaborationCollector, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &CollaborationCollector{db: db}, nil
}

// Kind returns KindCollaborations.
func (c *CollaborationCollector) Kind() Kind { return KindCollaborations }

// Matches reports whether the event concerns the instance's user.
func (c *CollaborationCollector) Matches(event events.Event, userID, _ string) bool {
	switch e := event.(type) {
	case events.CollaborationCreated:
		return e.CollaboratorID == userID
	case events.CollaborationUpdated:
		return e.CollaboratorID == userID
	case events.CollaborationDeleted:
		return e.CollaboratorID == userID
	default:
		return false
	}
}

// Collect returns the user's collaborations above the cursor.
func (c *CollaborationCollector) Collect(ctx context.Context, userID, _ string, after int64, limit int) ([]Item, error) {
	var collaborations []node.Collaboration
	err := c.db.WithContext(ctx).
		Where("collaborator_id = ? AND revision > ?", userID, after).
		Order("revision ASC").
		Limit(limit).
		Find(&collaborations).Error
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(collaborations))
	for _, collaboration := range collaborations {
		data, err := json.Marshal(CollaborationDeltaData{
			NodeID:           collaboration.NodeID,
			CollaboratorID:   collaboration.CollaboratorID,
			WorkspaceID:      collaboration.WorkspaceID,
			Role:             collaboration.Role,
			Revision:         collaboration.Revision,
			DeletedAtSeconds: collaboration.DeletedAtSeconds,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Cursor: collaboration.Revision, Data: data})
	}
	return items, nil
}

// InteractionCollector streams seen/received markers for one root, restricted
// to users holding a live collaboration on that root.
type InteractionCollector struct {
	db *gorm.DB
}

// NewInteractionCollector returns an InteractionCollector over the given database.
func NewInteractionCollector(db *gorm.DB) (*InteractionCollector, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &InteractionCollector{db: db}, nil
}

// Kind returns KindInteractions.
func (c *InteractionCollector) Kind() Kind { return KindInteractions }

// Matches reports whether the event concerns the instance's root.
func (c *InteractionCollector) Matches(event events.Event, _ string, scope string) bool {
	if e, ok := event.(events.InteractionUpdated); ok {
		return e.RootID == scope
	}
	return false
}

// Collect returns interactions above the cursor for the scoped root.
func (c *InteractionCollector) Collect(ctx context.Context, userID, scope string, after int64, limit int) ([]Item, error) {
	var interactions []node.Interaction
	err := c.db.WithContext(ctx).
		Where("root_id = ? AND revision > ?", scope, after).
		Where("EXISTS (SELECT 1 FROM collaborations c WHERE c.node_id = interactions.root_id AND c.collaborator_id = ? AND c.deleted_at_s IS NULL)", userID).
		Order("revision ASC").
		Limit(limit).
		Find(&interactions).Error
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(interactions))
	for _, interaction := range interactions {
		data, err := json.Marshal(InteractionDeltaData{
			NodeID:           interaction.NodeID,
			CollaboratorID:   interaction.CollaboratorID,
			WorkspaceID:      interaction.WorkspaceID,
			RootID:           interaction.RootID,
			SeenRevision:     interaction.SeenRevision,
			ReceivedRevision: interaction.ReceivedRevision,
			Revision:         interaction.Revision,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Cursor: interaction.Revision, Data: data})
	}
	return items, nil
}

package replica

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/tandemlabs/tandem/internal/crdt"
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/node"
	"github.com/tandemlabs/tandem/internal/synchronizer"
	"github.com/tandemlabs/tandem/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApplyNodeItem decodes one node stream item and merges it into local storage.
func (s *Service) ApplyNodeItem(ctx context.Context, item transport.SyncItem) error {
	var delta synchronizer.NodeDeltaData
	if err := json.Unmarshal(item.Data, &delta); err != nil {
		return newServiceError(opApplyDelta, "decode_failed", err)
	}
	return s.ApplyNodeDelta(ctx, delta)
}

// ApplyNodeDelta merges a committed node update into the local replica.
// Merging is idempotent and order-independent, so replaying history over an
// already current node converges without special casing.
func (s *Service) ApplyNodeDelta(ctx context.Context, delta synchronizer.NodeDeltaData) error {
	if delta.Operation == string(node.UpdateOperationDelete) {
		if err := s.db.WithContext(ctx).Delete(&node.Node{}, "node_id = ?", delta.NodeID).Error; err != nil {
			s.logError(opApplyDelta, "delete_failed", err, zap.String(fieldNodeID, delta.NodeID))
			return newServiceError(opApplyDelta, "delete_failed", err)
		}
		s.publish(events.NodeDeleted{
			NodeID:      delta.NodeID,
			RootID:      delta.RootID,
			WorkspaceID: delta.WorkspaceID,
			ActorID:     delta.ActorID,
		})
		return nil
	}

	var existing node.Node
	err := s.db.WithContext(ctx).Take(&existing, "node_id = ?", delta.NodeID).Error
	created := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !created {
		return newServiceError(opApplyDelta, "lookup_failed", err)
	}

	var state []byte
	if !created {
		state, err = base64.StdEncoding.DecodeString(existing.StateB64)
		if err != nil {
			return newServiceError(opApplyDelta, "state_decode_failed", err)
		}
	}
	document, err := crdt.Load(state)
	if err != nil {
		return newServiceError(opApplyDelta, "state_load_failed", err)
	}

	diff, err := base64.StdEncoding.DecodeString(delta.UpdateB64)
	if err != nil {
		return newServiceError(opApplyDelta, "update_decode_failed", err)
	}
	snapshot := document.Save()
	if len(diff) > 0 {
		snapshot, err = document.ApplyRemoteUpdate(diff)
		if err != nil {
			return newServiceError(opApplyDelta, "merge_failed", err)
		}
	}
	attributes, err := document.Project()
	if err != nil {
		return newServiceError(opApplyDelta, "projection_failed", err)
	}

	now := s.clock().UTC()
	row := existing
	if created {
		row = node.Node{
			NodeID:           delta.NodeID,
			WorkspaceID:      delta.WorkspaceID,
			ParentID:         delta.ParentID,
			RootID:           delta.RootID,
			NodeType:         delta.NodeType,
			CreatedAtSeconds: delta.AppliedAtSeconds,
			CreatedBy:        delta.ActorID,
		}
	}
	row.AttributesJSON = string(attributes)
	row.StateB64 = base64.StdEncoding.EncodeToString(snapshot)
	row.UpdatedAtSeconds = now.Unix()
	row.UpdatedBy = delta.ActorID
	row.ServerUpdatedAtSeconds = delta.AppliedAtSeconds
	if created {
		row.ServerCreatedAtSeconds = delta.AppliedAtSeconds
	}
	if delta.Revision > row.ServerRevision {
		row.ServerRevision = delta.Revision
	}
	if err := upsert(s.db.WithContext(ctx), &row); err != nil {
		s.logError(opApplyDelta, "upsert_failed", err, zap.String(fieldNodeID, delta.NodeID))
		return newServiceError(opApplyDelta, "upsert_failed", err)
	}

	if created {
		s.publish(events.NodeCreated{
			NodeID:      delta.NodeID,
			ParentID:    delta.ParentID,
			RootID:      delta.RootID,
			WorkspaceID: delta.WorkspaceID,
			ActorID:     delta.ActorID,
		})
	} else {
		s.publish(events.NodeUpdated{
			NodeID:      delta.NodeID,
			RootID:      delta.RootID,
			WorkspaceID: delta.WorkspaceID,
			ActorID:     delta.ActorID,
		})
	}
	return nil
}

// ApplyCollaborationDelta upserts a role grant from the collaboration stream.
// Revoked grants keep a tombstone row so visibility checks stay local.
func (s *Service) ApplyCollaborationDelta(ctx context.Context, delta synchronizer.CollaborationDeltaData) error {
	var existing node.Collaboration
	err := s.db.WithContext(ctx).
		Take(&existing, "node_id = ? AND collaborator_id = ?", delta.NodeID, delta.CollaboratorID).Error
	created := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !created {
		return newServiceError(opApplyDelta, "lookup_failed", err)
	}
	if !created && delta.Revision <= existing.Revision {
		return nil
	}

	now := s.clock().UTC()
	row := node.Collaboration{
		NodeID:           delta.NodeID,
		CollaboratorID:   delta.CollaboratorID,
		WorkspaceID:      delta.WorkspaceID,
		Role:             delta.Role,
		Revision:         delta.Revision,
		CreatedAtSeconds: now.Unix(),
		DeletedAtSeconds: delta.DeletedAtSeconds,
	}
	if !created {
		row.CreatedAtSeconds = existing.CreatedAtSeconds
	}
	if err := upsert(s.db.WithContext(ctx), &row); err != nil {
		s.logError(opApplyDelta, "upsert_failed", err, zap.String(fieldNodeID, delta.NodeID))
		return newServiceError(opApplyDelta, "upsert_failed", err)
	}

	switch {
	case delta.DeletedAtSeconds != nil:
		s.publish(events.CollaborationDeleted{
			NodeID:         delta.NodeID,
			CollaboratorID: delta.CollaboratorID,
			WorkspaceID:    delta.WorkspaceID,
		})
	case created:
		s.publish(events.CollaborationCreated{
			NodeID:         delta.NodeID,
			CollaboratorID: delta.CollaboratorID,
			WorkspaceID:    delta.WorkspaceID,
		})
	default:
		s.publish(events.CollaborationUpdated{
			NodeID:         delta.NodeID,
			CollaboratorID: delta.CollaboratorID,
			WorkspaceID:    delta.WorkspaceID,
		})
	}
	return nil
}

// ApplyInteractionDelta upserts seen/received markers from the interaction
// stream. Markers only move forward; a delta never rewinds a locally advanced
// marker that the server has not caught up with yet.
func (s *Service) ApplyInteractionDelta(ctx context.Context, delta synchronizer.InteractionDeltaData) error {
	var existing node.Interaction
	err := s.db.WithContext(ctx).
		Take(&existing, "node_id = ? AND collaborator_id = ?", delta.NodeID, delta.CollaboratorID).Error
	created := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !created {
		return newServiceError(opApplyDelta, "lookup_failed", err)
	}

	now := s.clock().UTC()
	row := node.Interaction{
		NodeID:           delta.NodeID,
		CollaboratorID:   delta.CollaboratorID,
		WorkspaceID:      delta.WorkspaceID,
		RootID:           delta.RootID,
		SeenRevision:     delta.SeenRevision,
		ReceivedRevision: delta.ReceivedRevision,
		Revision:         delta.Revision,
		UpdatedAtSeconds: now.Unix(),
	}
	if !created {
		if existing.SeenRevision > row.SeenRevision {
			row.SeenRevision = existing.SeenRevision
		}
		if existing.ReceivedRevision > row.ReceivedRevision {
			row.ReceivedRevision = existing.ReceivedRevision
		}
		if existing.Revision > row.Revision {
			row.Revision = existing.Revision
		}
	}
	if err := upsert(s.db.WithContext(ctx), &row); err != nil {
		s.logError(opApplyDelta, "upsert_failed", err, zap.String(fieldNodeID, delta.NodeID))
		return newServiceError(opApplyDelta, "upsert_failed", err)
	}

	s.publish(events.InteractionUpdated{
		NodeID:         delta.NodeID,
		RootID:         delta.RootID,
		CollaboratorID: delta.CollaboratorID,
		WorkspaceID:    delta.WorkspaceID,
	})
	return nil
}

func upsert(db *gorm.DB, row any) error {
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

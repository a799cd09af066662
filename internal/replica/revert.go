package replica

import (
	"context"
	"encoding/json"

	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/node"
	"github.com/tandemlabs/tandem/internal/outbox"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// Revert undoes the local effect of a mutation whose upload retries are
// exhausted, bringing the replica back in line with the server's view. Each
// mutation type carries its own compensation data in the queued payload.
func (s *Service) Revert(ctx context.Context, mutation outbox.Mutation) error {
	mutationType, err := outbox.ParseMutationType(mutation.MutationType)
	if err != nil {
		return newServiceError(opRevert, "invalid_type", err)
	}

	switch mutationType {
	case outbox.TypeNodeCreate:
		return s.revertNodeCreate(ctx, mutation)
	case outbox.TypeNodeUpdate:
		return s.revertNodeUpdate(ctx, mutation)
	case outbox.TypeNodeDelete:
		return s.revertNodeDelete(ctx, mutation)
	case outbox.TypeInteractionSeen:
		return s.revertInteractionSeen(ctx, mutation)
	}
	return nil
}

// revertNodeCreate removes the node the server never accepted.
func (s *Service) revertNodeCreate(ctx context.Context, mutation outbox.Mutation) error {
	var data outbox.NodeCreateData
	if err := json.Unmarshal([]byte(mutation.DataJSON), &data); err != nil {
		return newServiceError(opRevert, "decode_failed", err)
	}
	if err := s.db.WithContext(ctx).Delete(&node.Node{}, "node_id = ?", data.NodeID).Error; err != nil {
		s.logError(opRevert, "delete_failed", err,
			zap.String(fieldMutationID, mutation.MutationID),
			zap.String(fieldNodeID, data.NodeID))
		return newServiceError(opRevert, "delete_failed", err)
	}
	s.publish(events.NodeDeleted{
		NodeID:      data.NodeID,
		RootID:      data.RootID,
		WorkspaceID: s.workspaceID,
		ActorID:     s.userID,
	})
	return nil
}

// revertNodeUpdate restores the pre-mutation document snapshot and projection.
// A node deleted in the meantime makes this a no-op.
func (s *Service) revertNodeUpdate(ctx context.Context, mutation outbox.Mutation) error {
	var data outbox.NodeUpdateData
	if err := json.Unmarshal([]byte(mutation.DataJSON), &data); err != nil {
		return newServiceError(opRevert, "decode_failed", err)
	}
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Model(&node.Node{}).
		Where("node_id = ?", data.NodeID).
		Updates(map[string]any{
			"state_b64":       data.PriorStateB64,
			"attributes_json": data.PriorAttributesJSON,
			"updated_at_s":    now.Unix(),
			"updated_by":      s.userID,
		}).Error
	if err != nil {
		s.logError(opRevert, "restore_failed", err,
			zap.String(fieldMutationID, mutation.MutationID),
			zap.String(fieldNodeID, data.NodeID))
		return newServiceError(opRevert, "restore_failed", err)
	}
	s.publish(events.NodeUpdated{
		NodeID:      data.NodeID,
		RootID:      data.RootID,
		WorkspaceID: s.workspaceID,
		ActorID:     s.userID,
	})
	return nil
}

// revertNodeDelete resurrects the node from the payload's prior snapshot. A
// node recreated by a remote update in the meantime wins the conflict.
func (s *Service) revertNodeDelete(ctx context.Context, mutation outbox.Mutation) error {
	var data outbox.NodeDeleteData
	if err := json.Unmarshal([]byte(mutation.DataJSON), &data); err != nil {
		return newServiceError(opRevert, "decode_failed", err)
	}
	now := s.clock().UTC()
	row := node.Node{
		NodeID:           data.NodeID,
		WorkspaceID:      s.workspaceID,
		ParentID:         data.ParentID,
		RootID:           data.RootID,
		NodeType:         data.NodeType,
		AttributesJSON:   data.PriorAttributesJSON,
		StateB64:         data.PriorStateB64,
		CreatedAtSeconds: data.PriorCreatedAt,
		CreatedBy:        data.PriorCreatedBy,
		UpdatedAtSeconds: now.Unix(),
		UpdatedBy:        s.userID,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		s.logError(opRevert, "recreate_failed", err,
			zap.String(fieldMutationID, mutation.MutationID),
			zap.String(fieldNodeID, data.NodeID))
		return newServiceError(opRevert, "recreate_failed", err)
	}
	s.publish(events.NodeCreated{
		NodeID:      data.NodeID,
		ParentID:    data.ParentID,
		RootID:      data.RootID,
		WorkspaceID: s.workspaceID,
		ActorID:     s.userID,
	})
	return nil
}

// revertInteractionSeen rewinds the caller's seen marker to its prior value.
func (s *Service) revertInteractionSeen(ctx context.Context, mutation outbox.Mutation) error {
	var data outbox.InteractionSeenData
	if err := json.Unmarshal([]byte(mutation.DataJSON), &data); err != nil {
		return newServiceError(opRevert, "decode_failed", err)
	}
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Model(&node.Interaction{}).
		Where("node_id = ? AND collaborator_id = ?", data.NodeID, s.userID).
		Updates(map[string]any{
			"seen_revision": data.PriorSeenRevision,
			"updated_at_s":  now.Unix(),
		}).Error
	if err != nil {
		s.logError(opRevert, "restore_failed", err,
			zap.String(fieldMutationID, mutation.MutationID),
			zap.String(fieldNodeID, data.NodeID))
		return newServiceError(opRevert, "restore_failed", err)
	}
	s.publish(events.InteractionUpdated{
		NodeID:         data.NodeID,
		RootID:         data.RootID,
		CollaboratorID: s.userID,
		WorkspaceID:    s.workspaceID,
	})
	return nil
}

package workspace

import (
	"context"
	"errors"

	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/node"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAddCollaborator    = "workspace.add_collaborator"
	opRemoveCollaborator = "workspace.remove_collaborator"
)

// ErrLastOwner indicates an attempt to revoke the only owner of a root.
var ErrLastOwner = errors.New("workspace: cannot remove the last owner")

// AddCollaborator grants or changes a role on a root subtree. Only owners may
// manage grants. Re-granting a revoked collaborator clears the tombstone.
func (s *Service) AddCollaborator(ctx context.Context, actorID, workspaceID, rootID, collaboratorID string, role node.CollaborationRole) error {
	if _, err := node.ParseCollaborationRole(role.String()); err != nil {
		return newServiceError(opAddCollaborator, "invalid_role", err)
	}
	if err := s.requireRole(ctx, actorID, rootID, node.RoleOwner); err != nil {
		return err
	}

	var pending events.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing node.Collaboration
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&existing, "node_id = ? AND collaborator_id = ?", rootID, collaboratorID).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if found && existing.DeletedAtSeconds == nil && existing.Role == role.String() {
			return nil
		}

		revision, err := node.NextRevision(tx, node.CounterCollaborations)
		if err != nil {
			return err
		}
		now := s.clock().UTC().Unix()
		row := node.Collaboration{
			NodeID:           rootID,
			CollaboratorID:   collaboratorID,
			WorkspaceID:      workspaceID,
			Role:             role.String(),
			Revision:         revision,
			CreatedAtSeconds: now,
			DeletedAtSeconds: nil,
		}
		if found {
			row.CreatedAtSeconds = existing.CreatedAtSeconds
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}

		if found && existing.DeletedAtSeconds == nil {
			pending = events.CollaborationUpdated{
				NodeID:         rootID,
				CollaboratorID: collaboratorID,
				WorkspaceID:    workspaceID,
			}
		} else {
			pending = events.CollaborationCreated{
				NodeID:         rootID,
				CollaboratorID: collaboratorID,
				WorkspaceID:    workspaceID,
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opAddCollaborator, "transaction_failed", err,
			zap.String(fieldUserID, actorID), zap.String(fieldNodeID, rootID))
		return err
	}
	if pending != nil {
		s.publishAll([]events.Event{pending})
	}
	return nil
}

// RemoveCollaborator revokes a grant by stamping a tombstone, keeping the row
// so replicas learn about the revocation through the stream. The last owner of
// a root cannot be removed.
func (s *Service) RemoveCollaborator(ctx context.Context, actorID, workspaceID, rootID, collaboratorID string) error {
	if err := s.requireRole(ctx, actorID, rootID, node.RoleOwner); err != nil {
		return err
	}

	revoked := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing node.Collaboration
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&existing, "node_id = ? AND collaborator_id = ?", rootID, collaboratorID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if existing.DeletedAtSeconds != nil {
			return nil
		}

		if existing.Role == node.RoleOwner.String() {
			var owners int64
			err := tx.Model(&node.Collaboration{}).
				Where("node_id = ? AND role = ? AND deleted_at_s IS NULL", rootID, node.RoleOwner.String()).
				Count(&owners).Error
			if err != nil {
				return err
			}
			if owners <= 1 {
				return newServiceError(opRemoveCollaborator, "last_owner", ErrLastOwner)
			}
		}

		revision, err := node.NextRevision(tx, node.CounterCollaborations)
		if err != nil {
			return err
		}
		now := s.clock().UTC().Unix()
		err = tx.Model(&node.Collaboration{}).
			Where("node_id = ? AND collaborator_id = ?", rootID, collaboratorID).
			Updates(map[string]any{
				"deleted_at_s": now,
				"revision":     revision,
			}).Error
		if err != nil {
			return err
		}
		revoked = true
		return nil
	})
	if err != nil {
		s.logError(opRemoveCollaborator, "transaction_failed", err,
			zap.String(fieldUserID, actorID), zap.String(fieldNodeID, rootID))
		return err
	}
	if revoked {
		s.publishAll([]events.Event{events.CollaborationDeleted{
			NodeID:         rootID,
			CollaboratorID: collaboratorID,
			WorkspaceID:    workspaceID,
		}})
	}
	return nil
}

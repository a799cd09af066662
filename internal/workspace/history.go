package workspace

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tandemlabs/tandem/internal/node"
	"github.com/tandemlabs/tandem/internal/synchronizer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opListNodeHistory = "workspace.list_node_history"

// ListNodeHistory replays a node's full update log in commit order. Replicas
// call this for nodes referenced by a grant but never streamed to them, then
// feed the items through their normal delta path.
func (s *Service) ListNodeHistory(ctx context.Context, userID, nodeID string) ([]synchronizer.Item, error) {
	var first node.NodeUpdate
	err := s.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("revision ASC").
		Take(&first).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opListNodeHistory, "node_missing", ErrNodeNotFound)
	}
	if err != nil {
		s.logError(opListNodeHistory, "query_failed", err, zap.String(fieldNodeID, nodeID))
		return nil, newServiceError(opListNodeHistory, "query_failed", err)
	}
	if err := s.requireRole(ctx, userID, first.RootID, node.RoleOwner, node.RoleEditor, node.RoleViewer); err != nil {
		return nil, err
	}

	var updates []node.NodeUpdate
	err = s.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("revision ASC").
		Find(&updates).Error
	if err != nil {
		s.logError(opListNodeHistory, "query_failed", err, zap.String(fieldNodeID, nodeID))
		return nil, newServiceError(opListNodeHistory, "query_failed", err)
	}

	items := make([]synchronizer.Item, 0, len(updates))
	for _, update := range updates {
		data, err := json.Marshal(synchronizer.NodeDeltaData{
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
			return nil, newServiceError(opListNodeHistory, "encode_failed", err)
		}
		items = append(items, synchronizer.Item{Cursor: update.Revision, Data: data})
	}
	return items, nil
}

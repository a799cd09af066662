package replica

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tandemlabs/tandem/internal/node"
	"github.com/tandemlabs/tandem/internal/synchronizer"
	"github.com/tandemlabs/tandem/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StreamFetcher pulls delta batches with revisions above a cursor. Implemented
// by the transport client.
type StreamFetcher interface {
	FetchSyncItems(ctx context.Context, kind, scope string, cursor int64) ([]transport.SyncItem, error)
}

// Cursor returns the last delivered revision for one stream, zero when the
// stream has never been consumed.
func (s *Service) Cursor(ctx context.Context, kind synchronizer.Kind, scope string) (int64, error) {
	var row node.SyncCursor
	err := s.db.WithContext(ctx).
		Take(&row, "user_id = ? AND kind = ? AND scope = ?", s.userID, kind.String(), scope).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.LastRevision, nil
}

// AdvanceCursor moves a stream cursor forward. Advancing is strictly
// monotonic; a revision at or below the stored value changes nothing.
func (s *Service) AdvanceCursor(ctx context.Context, kind synchronizer.Kind, scope string, revision int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row node.SyncCursor
		err := tx.Take(&row, "user_id = ? AND kind = ? AND scope = ?", s.userID, kind.String(), scope).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&node.SyncCursor{
				UserID:       s.userID,
				Kind:         kind.String(),
				Scope:        scope,
				LastRevision: revision,
			}).Error
		}
		if err != nil {
			return err
		}
		if revision <= row.LastRevision {
			return nil
		}
		return tx.Model(&node.SyncCursor{}).
			Where("user_id = ? AND kind = ? AND scope = ?", s.userID, kind.String(), scope).
			Update("last_revision", revision).Error
	})
}

// Synchronize drains one stream: it fetches batches above the cursor, applies
// every delta, and advances the cursor to each applied item's revision. An
// apply failure stops the pass before the cursor moves past the failed item,
// so the next pass refetches from exactly there. Availability failures are a
// quiet skip; the periodic driver retries after the cooldown.
func (s *Service) Synchronize(ctx context.Context, fetcher StreamFetcher, kind synchronizer.Kind, scope string) error {
	if fetcher == nil {
		return newServiceError(opSynchronize, "missing_fetcher", errors.New("stream fetcher is required"))
	}
	for {
		cursor, err := s.Cursor(ctx, kind, scope)
		if err != nil {
			return newServiceError(opSynchronize, "cursor_read_failed", err)
		}
		items, err := fetcher.FetchSyncItems(ctx, kind.String(), scope, cursor)
		if err != nil {
			if errors.Is(err, transport.ErrCoolingDown) || errors.Is(err, transport.ErrServerUnavailable) {
				s.logger.Debug("sync fetch skipped",
					zap.String(fieldKind, kind.String()),
					zap.String(fieldScope, scope),
					zap.Error(err))
				return nil
			}
			s.logError(opSynchronize, "fetch_failed", err,
				zap.String(fieldKind, kind.String()), zap.String(fieldScope, scope))
			return newServiceError(opSynchronize, "fetch_failed", err)
		}
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			if err := s.applyItem(ctx, kind, item); err != nil {
				return err
			}
			if err := s.AdvanceCursor(ctx, kind, scope, item.Cursor); err != nil {
				return newServiceError(opSynchronize, "cursor_advance_failed", err)
			}
		}
	}
}

func (s *Service) applyItem(ctx context.Context, kind synchronizer.Kind, item transport.SyncItem) error {
	switch kind {
	case synchronizer.KindNodes:
		return s.ApplyNodeItem(ctx, item)
	case synchronizer.KindCollaborations:
		var delta synchronizer.CollaborationDeltaData
		if err := json.Unmarshal(item.Data, &delta); err != nil {
			return newServiceError(opApplyDelta, "decode_failed", err)
		}
		return s.ApplyCollaborationDelta(ctx, delta)
	case synchronizer.KindInteractions:
		var delta synchronizer.InteractionDeltaData
		if err := json.Unmarshal(item.Data, &delta); err != nil {
			return newServiceError(opApplyDelta, "decode_failed", err)
		}
		return s.ApplyInteractionDelta(ctx, delta)
	}
	return newServiceError(opSynchronize, "invalid_kind", synchronizer.ErrInvalidKind)
}

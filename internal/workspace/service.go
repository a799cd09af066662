package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tandemlabs/tandem/internal/crdt"
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/node"
	"github.com/tandemlabs/tandem/internal/outbox"
	"github.com/tandemlabs/tandem/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrNotAuthorized indicates a caller without a live grant for the operation.
	ErrNotAuthorized = errors.New("workspace: not authorized")
	// ErrNodeNotFound indicates an operation against an unknown node.
	ErrNodeNotFound = errors.New("workspace: node not found")
)

const (
	opServiceNew     = "workspace.service.new"
	opApplyMutations = "workspace.apply_mutations"

	fieldUserID      = "user_id"
	fieldNodeID      = "node_id"
	fieldWorkspaceID = "workspace_id"
	fieldMutationID  = "mutation_id"

	reasonMissingDatabase = "missing_database"
)

// ServiceError wraps a workspace failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the inputs required to build a Service.
type ServiceConfig struct {
	Database *gorm.DB
	Bus      *events.Bus
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the server-side workspace core. It commits client mutation
// batches against authoritative storage, appends every accepted change to the
// per-root update log, and publishes the events that feed connected streams.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	clock  func() time.Time
	logger *zap.Logger

	// One writer per user: a user's batches commit in submission order.
	userLocks sync.Map
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		bus:    cfg.Bus,
		clock:  clock,
		logger: logger,
	}, nil
}

// ApplyMutations commits a client batch one mutation at a time, in submission
// order, and returns a per-mutation outcome correlated by id. A failed
// mutation never blocks the rest of the batch; its error travels back in its
// own result while later mutations still commit.
func (s *Service) ApplyMutations(ctx context.Context, userID, workspaceID string, payloads []transport.MutationPayload) []transport.MutationResult {
	lock, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	mutex.Lock()
	defer mutex.Unlock()

	results := make([]transport.MutationResult, 0, len(payloads))
	for _, payload := range payloads {
		status := transport.MutationStatusSuccess
		if err := s.applyOne(ctx, userID, workspaceID, payload); err != nil {
			status = transport.MutationStatusError
			s.logger.Warn("mutation rejected",
				zap.String(fieldMutationID, payload.ID),
				zap.String(fieldUserID, userID),
				zap.String(fieldWorkspaceID, workspaceID),
				zap.Error(err))
		}
		results = append(results, transport.MutationResult{ID: payload.ID, Status: status})
	}
	return results
}

func (s *Service) applyOne(ctx context.Context, userID, workspaceID string, payload transport.MutationPayload) error {
	mutationType, err := outbox.ParseMutationType(payload.Type)
	if err != nil {
		return newServiceError(opApplyMutations, "invalid_type", err)
	}
	switch mutationType {
	case outbox.TypeNodeCreate:
		var data outbox.NodeCreateData
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return newServiceError(opApplyMutations, "invalid_payload", err)
		}
		return s.applyNodeCreate(ctx, userID, workspaceID, data)
	case outbox.TypeNodeUpdate:
		var data outbox.NodeUpdateData
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return newServiceError(opApplyMutations, "invalid_payload", err)
		}
		return s.applyNodeUpdate(ctx, userID, workspaceID, data)
	case outbox.TypeNodeDelete:
		var data outbox.NodeDeleteData
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return newServiceError(opApplyMutations, "invalid_payload", err)
		}
		return s.applyNodeDelete(ctx, userID, workspaceID, data)
	case outbox.TypeInteractionSeen:
		var data outbox.InteractionSeenData
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return newServiceError(opApplyMutations, "invalid_payload", err)
		}
		return s.applyInteractionSeen(ctx, userID, workspaceID, data)
	}
	return nil
}

func (s *Service) applyNodeCreate(ctx context.Context, userID, workspaceID string, data outbox.NodeCreateData) error {
	if data.NodeID == "" || data.RootID == "" {
		return newServiceError(opApplyMutations, "invalid_payload", errors.New("node and root identifiers are required"))
	}
	isRoot := data.ParentID == "" && data.NodeID == data.RootID
	if !isRoot {
		if err := s.requireRole(ctx, userID, data.RootID, node.RoleOwner, node.RoleEditor); err != nil {
			return err
		}
	}

	var pending []events.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		logged, revision, err := s.appendUpdate(tx, workspaceID, userID, node.NodeUpdate{
			NodeID:    data.NodeID,
			ParentID:  data.ParentID,
			RootID:    data.RootID,
			NodeType:  data.NodeType,
			Operation: node.UpdateOperationUpsert,
			UpdateB64: data.UpdateB64,
		})
		if err != nil {
			return err
		}
		if !logged {
			// Duplicate delivery of an already committed create.
			return nil
		}

		now := s.clock().UTC().Unix()
		_, existed, err := s.mergeNodeState(tx, node.Node{
			NodeID:      data.NodeID,
			WorkspaceID: workspaceID,
			ParentID:    data.ParentID,
			RootID:      data.RootID,
			NodeType:    data.NodeType,
			CreatedBy:   userID,
		}, data.UpdateB64, revision, userID, now)
		if err != nil {
			return err
		}

		if !existed {
			pending = append(pending, events.NodeCreated{
				NodeID:      data.NodeID,
				ParentID:    data.ParentID,
				RootID:      data.RootID,
				WorkspaceID: workspaceID,
				ActorID:     userID,
			})
		} else {
			pending = append(pending, events.NodeUpdated{
				NodeID:      data.NodeID,
				RootID:      data.RootID,
				WorkspaceID: workspaceID,
				ActorID:     userID,
			})
		}

		if isRoot && !existed {
			grantRevision, err := node.NextRevision(tx, node.CounterCollaborations)
			if err != nil {
				return err
			}
			grant := node.Collaboration{
				NodeID:           data.RootID,
				CollaboratorID:   userID,
				WorkspaceID:      workspaceID,
				Role:             node.RoleOwner.String(),
				Revision:         grantRevision,
				CreatedAtSeconds: now,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error; err != nil {
				return err
			}
			pending = append(pending, events.CollaborationCreated{
				NodeID:         data.RootID,
				CollaboratorID: userID,
				WorkspaceID:    workspaceID,
			})
		}
		return nil
	})
	if err != nil {
		s.logError(opApplyMutations, "create_failed", err,
			zap.String(fieldUserID, userID), zap.String(fieldNodeID, data.NodeID))
		return err
	}
	s.publishAll(pending)
	return nil
}

func (s *Service) applyNodeUpdate(ctx context.Context, userID, workspaceID string, data outbox.NodeUpdateData) error {
	if err := s.requireRole(ctx, userID, data.RootID, node.RoleOwner, node.RoleEditor); err != nil {
		return err
	}

	var pending []events.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing node.Node
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&existing, "node_id = ?", data.NodeID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opApplyMutations, "node_missing", ErrNodeNotFound)
		}
		if err != nil {
			return err
		}

		logged, revision, err := s.appendUpdate(tx, workspaceID, userID, node.NodeUpdate{
			NodeID:    data.NodeID,
			ParentID:  existing.ParentID,
			RootID:    data.RootID,
			NodeType:  existing.NodeType,
			Operation: node.UpdateOperationUpsert,
			UpdateB64: data.UpdateB64,
		})
		if err != nil {
			return err
		}
		if !logged {
			return nil
		}

		now := s.clock().UTC().Unix()
		if _, _, err := s.mergeNodeState(tx, existing, data.UpdateB64, revision, userID, now); err != nil {
			return err
		}
		pending = append(pending, events.NodeUpdated{
			NodeID:      data.NodeID,
			RootID:      data.RootID,
			WorkspaceID: workspaceID,
			ActorID:     userID,
		})
		return nil
	})
	if err != nil {
		s.logError(opApplyMutations, "update_failed", err,
			zap.String(fieldUserID, userID), zap.String(fieldNodeID, data.NodeID))
		return err
	}
	s.publishAll(pending)
	return nil
}

func (s *Service) applyNodeDelete(ctx context.Context, userID, workspaceID string, data outbox.NodeDeleteData) error {
	if err := s.requireRole(ctx, userID, data.RootID, node.RoleOwner, node.RoleEditor); err != nil {
		return err
	}

	var pending []events.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		logged, _, err := s.appendUpdate(tx, workspaceID, userID, node.NodeUpdate{
			NodeID:    data.NodeID,
			ParentID:  data.ParentID,
			RootID:    data.RootID,
			NodeType:  data.NodeType,
			Operation: node.UpdateOperationDelete,
			UpdateB64: "",
		})
		if err != nil {
			return err
		}
		if !logged {
			return nil
		}
		if err := tx.Delete(&node.Node{}, "node_id = ?", data.NodeID).Error; err != nil {
			return err
		}
		pending = append(pending, events.NodeDeleted{
			NodeID:      data.NodeID,
			RootID:      data.RootID,
			WorkspaceID: workspaceID,
			ActorID:     userID,
		})
		return nil
	})
	if err != nil {
		s.logError(opApplyMutations, "delete_failed", err,
			zap.String(fieldUserID, userID), zap.String(fieldNodeID, data.NodeID))
		return err
	}
	s.publishAll(pending)
	return nil
}

func (s *Service) applyInteractionSeen(ctx context.Context, userID, workspaceID string, data outbox.InteractionSeenData) error {
	if err := s.requireRole(ctx, userID, data.RootID, node.RoleOwner, node.RoleEditor, node.RoleViewer); err != nil {
		return err
	}

	var pending []events.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing node.Interaction
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&existing, "node_id = ? AND collaborator_id = ?", data.NodeID, userID).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if found && data.SeenRevision <= existing.SeenRevision {
			// Stale marker, already absorbed.
			return nil
		}

		revision, err := node.NextRevision(tx, node.CounterInteractions)
		if err != nil {
			return err
		}
		now := s.clock().UTC().Unix()
		row := node.Interaction{
			NodeID:           data.NodeID,
			CollaboratorID:   userID,
			WorkspaceID:      workspaceID,
			RootID:           data.RootID,
			SeenRevision:     data.SeenRevision,
			ReceivedRevision: data.SeenRevision,
			Revision:         revision,
			UpdatedAtSeconds: now,
		}
		if found && existing.ReceivedRevision > row.ReceivedRevision {
			row.ReceivedRevision = existing.ReceivedRevision
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		pending = append(pending, events.InteractionUpdated{
			NodeID:         data.NodeID,
			RootID:         data.RootID,
			CollaboratorID: userID,
			WorkspaceID:    workspaceID,
		})
		return nil
	})
	if err != nil {
		s.logError(opApplyMutations, "interaction_failed", err,
			zap.String(fieldUserID, userID), zap.String(fieldNodeID, data.NodeID))
		return err
	}
	s.publishAll(pending)
	return nil
}

// appendUpdate inserts one row into the append-only update log. The payload
// hash deduplicates redelivered mutations; a duplicate reports logged=false
// and the whole mutation is treated as already committed.
func (s *Service) appendUpdate(tx *gorm.DB, workspaceID, actorID string, row node.NodeUpdate) (bool, int64, error) {
	hash, err := hashPayload(row.UpdateB64)
	if err != nil {
		return false, 0, newServiceError(opApplyMutations, "hash_failed", err)
	}
	row.WorkspaceID = workspaceID
	row.ActorID = actorID
	row.UpdateHash = hash
	row.AppliedAtSeconds = s.clock().UTC().Unix()
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, 0, result.Error
	}
	if result.RowsAffected == 0 {
		return false, 0, nil
	}
	return true, row.Revision, nil
}

// mergeNodeState folds a CRDT diff into the stored node snapshot and rewrites
// the derived projection, creating the row when it does not exist yet.
func (s *Service) mergeNodeState(tx *gorm.DB, seed node.Node, updateB64 string, revision int64, actorID string, now int64) (node.Node, bool, error) {
	var existing node.Node
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&existing, "node_id = ?", seed.NodeID).Error
	existed := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return node.Node{}, false, err
	}

	var state []byte
	if existed {
		state, err = base64.StdEncoding.DecodeString(existing.StateB64)
		if err != nil {
			return node.Node{}, false, newServiceError(opApplyMutations, "state_decode_failed", err)
		}
	}
	document, err := crdt.Load(state)
	if err != nil {
		return node.Node{}, false, newServiceError(opApplyMutations, "state_load_failed", err)
	}
	diff, err := base64.StdEncoding.DecodeString(updateB64)
	if err != nil {
		return node.Node{}, false, newServiceError(opApplyMutations, "update_decode_failed", err)
	}
	snapshot := document.Save()
	if len(diff) > 0 {
		snapshot, err = document.ApplyRemoteUpdate(diff)
		if err != nil {
			return node.Node{}, false, newServiceError(opApplyMutations, "merge_failed", err)
		}
	}
	attributes, err := document.Project()
	if err != nil {
		return node.Node{}, false, newServiceError(opApplyMutations, "projection_failed", err)
	}

	row := seed
	if existed {
		row = existing
	}
	row.AttributesJSON = string(attributes)
	row.StateB64 = base64.StdEncoding.EncodeToString(snapshot)
	row.Revision = revision
	row.ServerRevision = revision
	row.UpdatedAtSeconds = now
	row.UpdatedBy = actorID
	row.ServerUpdatedAtSeconds = now
	if !existed {
		row.CreatedAtSeconds = now
		row.ServerCreatedAtSeconds = now
		if err := tx.Create(&row).Error; err != nil {
			return node.Node{}, false, err
		}
		return row, false, nil
	}
	if err := tx.Save(&row).Error; err != nil {
		return node.Node{}, false, err
	}
	return row, true, nil
}

// requireRole checks for a live grant on the root with one of the given roles.
func (s *Service) requireRole(ctx context.Context, userID, rootID string, roles ...node.CollaborationRole) error {
	if rootID == "" {
		return newServiceError(opApplyMutations, "invalid_payload", errors.New("root identifier is required"))
	}
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.String())
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&node.Collaboration{}).
		Where("node_id = ? AND collaborator_id = ? AND deleted_at_s IS NULL AND role IN ?", rootID, userID, names).
		Count(&count).Error
	if err != nil {
		return newServiceError(opApplyMutations, "authorization_check_failed", err)
	}
	if count == 0 {
		return newServiceError(opApplyMutations, "not_authorized", ErrNotAuthorized)
	}
	return nil
}

func (s *Service) publishAll(pending []events.Event) {
	if s.bus == nil {
		return
	}
	for _, event := range pending {
		s.bus.Publish(event)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("workspace service error", attrs...)
}

func hashPayload(payload string) (string, error) {
	rawBytes, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(rawBytes)
	return hex.EncodeToString(sum[:]), nil
}

package replica

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/tandemlabs/tandem/internal/crdt"
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/node"
	"github.com/tandemlabs/tandem/internal/outbox"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingUser      = errors.New("user identifier is required")
	errMissingWorkspace = errors.New("workspace identifier is required")
	// ErrNodeNotFound indicates an operation against a node absent from local storage.
	ErrNodeNotFound = errors.New("replica: node not found")
	// ErrMissingChanges indicates an update call with no attribute changes.
	ErrMissingChanges = errors.New("replica: at least one attribute change is required")
)

const (
	opServiceNew  = "replica.service.new"
	opCreateNode  = "replica.create_node"
	opUpdateNode  = "replica.update_node"
	opDeleteNode  = "replica.delete_node"
	opMarkSeen    = "replica.mark_seen"
	opRevert      = "replica.revert"
	opApplyDelta  = "replica.apply_delta"
	opSynchronize = "replica.synchronize"

	fieldNodeID     = "node_id"
	fieldMutationID = "mutation_id"
	fieldKind       = "kind"
	fieldScope      = "scope"
)

// ServiceError wraps a replica failure with an operation.reason code.
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
	Database    *gorm.DB
	UserID      string
	WorkspaceID string
	IDs         node.IDProvider
	Bus         *events.Bus
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service is the local replica core: every user-visible write lands in local
// storage first, atomically with the outbox row that will carry it to the
// server. Reads never wait on the network.
type Service struct {
	db          *gorm.DB
	userID      string
	workspaceID string
	ids         node.IDProvider
	bus         *events.Bus
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.UserID == "" {
		return nil, newServiceError(opServiceNew, "missing_user", errMissingUser)
	}
	if cfg.WorkspaceID == "" {
		return nil, newServiceError(opServiceNew, "missing_workspace", errMissingWorkspace)
	}
	ids := cfg.IDs
	if ids == nil {
		ids = node.NewUUIDProvider()
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
		db:          cfg.Database,
		userID:      cfg.UserID,
		workspaceID: cfg.WorkspaceID,
		ids:         ids,
		bus:         cfg.Bus,
		clock:       clock,
		logger:      logger,
	}, nil
}

// CreateNodeInput describes a new node. An empty ParentID creates a new root.
type CreateNodeInput struct {
	ParentID   string
	NodeType   string
	Attributes map[string]any
}

// CreateNode writes a new node locally and queues it for upload in the same
// transaction. The queued payload carries the document's full initial history.
func (s *Service) CreateNode(ctx context.Context, input CreateNodeInput) (node.Node, error) {
	nodeType, err := node.NewNodeType(input.NodeType)
	if err != nil {
		return node.Node{}, newServiceError(opCreateNode, "invalid_type", err)
	}
	nodeID, err := s.ids.NewID()
	if err != nil {
		return node.Node{}, newServiceError(opCreateNode, "id_generation_failed", err)
	}

	parentID := strings.TrimSpace(input.ParentID)
	rootID := nodeID
	if parentID != "" {
		var parent node.Node
		err := s.db.WithContext(ctx).Take(&parent, "node_id = ?", parentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return node.Node{}, newServiceError(opCreateNode, "parent_not_found", ErrNodeNotFound)
		}
		if err != nil {
			return node.Node{}, newServiceError(opCreateNode, "parent_lookup_failed", err)
		}
		rootID = parent.RootID
	}

	document := crdt.New()
	snapshot, diff, err := document.ApplyLocalEdit(func(doc *automerge.Doc) error {
		return setAttributes(doc, input.Attributes)
	})
	if err != nil {
		return node.Node{}, newServiceError(opCreateNode, "edit_failed", err)
	}
	attributes, err := document.Project()
	if err != nil {
		return node.Node{}, newServiceError(opCreateNode, "projection_failed", err)
	}

	now := s.clock().UTC()
	row := node.Node{
		NodeID:           nodeID,
		WorkspaceID:      s.workspaceID,
		ParentID:         parentID,
		RootID:           rootID,
		NodeType:         nodeType.String(),
		AttributesJSON:   string(attributes),
		StateB64:         base64.StdEncoding.EncodeToString(snapshot),
		CreatedAtSeconds: now.Unix(),
		CreatedBy:        s.userID,
		UpdatedAtSeconds: now.Unix(),
		UpdatedBy:        s.userID,
	}
	var queued outbox.Mutation
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		queued, err = outbox.Enqueue(tx, outbox.TypeNodeCreate, outbox.NodeCreateData{
			NodeID:    nodeID,
			ParentID:  parentID,
			RootID:    rootID,
			NodeType:  nodeType.String(),
			UpdateB64: base64.StdEncoding.EncodeToString(diff),
		}, now)
		return err
	})
	if err != nil {
		s.logError(opCreateNode, "transaction_failed", err, zap.String(fieldNodeID, nodeID))
		return node.Node{}, newServiceError(opCreateNode, "transaction_failed", err)
	}

	s.publish(events.NodeCreated{
		NodeID:      nodeID,
		ParentID:    parentID,
		RootID:      rootID,
		WorkspaceID: s.workspaceID,
		ActorID:     s.userID,
	})
	s.publish(events.MutationCreated{
		MutationID:   queued.MutationID,
		MutationType: queued.MutationType,
		WorkspaceID:  s.workspaceID,
		ActorID:      s.userID,
	})
	return row, nil
}

// UpdateNode applies attribute changes to a node's document, rewrites the
// derived projection, and queues the minimal diff for upload. The pre-mutation
// snapshot rides in the queued payload so an exhausted upload can be undone.
func (s *Service) UpdateNode(ctx context.Context, nodeID string, changes map[string]any) (node.Node, error) {
	if len(changes) == 0 {
		return node.Node{}, newServiceError(opUpdateNode, "missing_changes", ErrMissingChanges)
	}
	var row node.Node
	err := s.db.WithContext(ctx).Take(&row, "node_id = ?", nodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return node.Node{}, newServiceError(opUpdateNode, "not_found", ErrNodeNotFound)
	}
	if err != nil {
		return node.Node{}, newServiceError(opUpdateNode, "lookup_failed", err)
	}

	priorState := row.StateB64
	priorAttributes := row.AttributesJSON

	state, err := base64.StdEncoding.DecodeString(row.StateB64)
	if err != nil {
		return node.Node{}, newServiceError(opUpdateNode, "state_decode_failed", err)
	}
	document, err := crdt.Load(state)
	if err != nil {
		return node.Node{}, newServiceError(opUpdateNode, "state_load_failed", err)
	}
	snapshot, diff, err := document.ApplyLocalEdit(func(doc *automerge.Doc) error {
		return setAttributes(doc, changes)
	})
	if err != nil {
		return node.Node{}, newServiceError(opUpdateNode, "edit_failed", err)
	}
	attributes, err := document.Project()
	if err != nil {
		return node.Node{}, newServiceError(opUpdateNode, "projection_failed", err)
	}

	now := s.clock().UTC()
	row.AttributesJSON = string(attributes)
	row.StateB64 = base64.StdEncoding.EncodeToString(snapshot)
	row.UpdatedAtSeconds = now.Unix()
	row.UpdatedBy = s.userID

	var queued outbox.Mutation
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&node.Node{}).Where("node_id = ?", nodeID).Updates(map[string]any{
			"attributes_json": row.AttributesJSON,
			"state_b64":       row.StateB64,
			"updated_at_s":    row.UpdatedAtSeconds,
			"updated_by":      row.UpdatedBy,
		}).Error; err != nil {
			return err
		}
		queued, err = outbox.Enqueue(tx, outbox.TypeNodeUpdate, outbox.NodeUpdateData{
			NodeID:              nodeID,
			RootID:              row.RootID,
			UpdateB64:           base64.StdEncoding.EncodeToString(diff),
			PriorStateB64:       priorState,
			PriorAttributesJSON: priorAttributes,
		}, now)
		return err
	})
	if err != nil {
		s.logError(opUpdateNode, "transaction_failed", err, zap.String(fieldNodeID, nodeID))
		return node.Node{}, newServiceError(opUpdateNode, "transaction_failed", err)
	}

	s.publish(events.NodeUpdated{
		NodeID:      nodeID,
		RootID:      row.RootID,
		WorkspaceID: s.workspaceID,
		ActorID:     s.userID,
	})
	s.publish(events.MutationCreated{
		MutationID:   queued.MutationID,
		MutationType: queued.MutationType,
		WorkspaceID:  s.workspaceID,
		ActorID:      s.userID,
	})
	return row, nil
}

// DeleteNode removes a node locally and queues the removal. The queued payload
// carries everything needed to resurrect the node if the delete is ultimately
// rejected by the server.
func (s *Service) DeleteNode(ctx context.Context, nodeID string) error {
	var row node.Node
	err := s.db.WithContext(ctx).Take(&row, "node_id = ?", nodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opDeleteNode, "not_found", ErrNodeNotFound)
	}
	if err != nil {
		return newServiceError(opDeleteNode, "lookup_failed", err)
	}

	now := s.clock().UTC()
	var queued outbox.Mutation
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&node.Node{}, "node_id = ?", nodeID).Error; err != nil {
			return err
		}
		queued, err = outbox.Enqueue(tx, outbox.TypeNodeDelete, outbox.NodeDeleteData{
			NodeID:              nodeID,
			ParentID:            row.ParentID,
			RootID:              row.RootID,
			NodeType:            row.NodeType,
			PriorStateB64:       row.StateB64,
			PriorAttributesJSON: row.AttributesJSON,
			PriorCreatedAt:      row.CreatedAtSeconds,
			PriorCreatedBy:      row.CreatedBy,
		}, now)
		return err
	})
	if err != nil {
		s.logError(opDeleteNode, "transaction_failed", err, zap.String(fieldNodeID, nodeID))
		return newServiceError(opDeleteNode, "transaction_failed", err)
	}

	s.publish(events.NodeDeleted{
		NodeID:      nodeID,
		RootID:      row.RootID,
		WorkspaceID: s.workspaceID,
		ActorID:     s.userID,
	})
	s.publish(events.MutationCreated{
		MutationID:   queued.MutationID,
		MutationType: queued.MutationType,
		WorkspaceID:  s.workspaceID,
		ActorID:      s.userID,
	})
	return nil
}

// MarkSeen advances the caller's seen marker on a node. The marker is
// monotonic: a stale revision is a silent no-op and queues nothing.
func (s *Service) MarkSeen(ctx context.Context, nodeID string, seenRevision int64) error {
	var row node.Node
	err := s.db.WithContext(ctx).Take(&row, "node_id = ?", nodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opMarkSeen, "not_found", ErrNodeNotFound)
	}
	if err != nil {
		return newServiceError(opMarkSeen, "lookup_failed", err)
	}

	var interaction node.Interaction
	err = s.db.WithContext(ctx).
		Take(&interaction, "node_id = ? AND collaborator_id = ?", nodeID, s.userID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opMarkSeen, "lookup_failed", err)
	}
	prior := interaction.SeenRevision
	if seenRevision <= prior {
		return nil
	}

	now := s.clock().UTC()
	interaction.NodeID = nodeID
	interaction.CollaboratorID = s.userID
	interaction.WorkspaceID = s.workspaceID
	interaction.RootID = row.RootID
	interaction.SeenRevision = seenRevision
	if interaction.ReceivedRevision < seenRevision {
		interaction.ReceivedRevision = seenRevision
	}
	interaction.UpdatedAtSeconds = now.Unix()

	var queued outbox.Mutation
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsert(tx, &interaction); err != nil {
			return err
		}
		queued, err = outbox.Enqueue(tx, outbox.TypeInteractionSeen, outbox.InteractionSeenData{
			NodeID:            nodeID,
			RootID:            row.RootID,
			SeenRevision:      seenRevision,
			PriorSeenRevision: prior,
		}, now)
		return err
	})
	if err != nil {
		s.logError(opMarkSeen, "transaction_failed", err, zap.String(fieldNodeID, nodeID))
		return newServiceError(opMarkSeen, "transaction_failed", err)
	}

	s.publish(events.InteractionUpdated{
		NodeID:         nodeID,
		RootID:         row.RootID,
		CollaboratorID: s.userID,
		WorkspaceID:    s.workspaceID,
	})
	s.publish(events.MutationCreated{
		MutationID:   queued.MutationID,
		MutationType: queued.MutationType,
		WorkspaceID:  s.workspaceID,
		ActorID:      s.userID,
	})
	return nil
}

// GetNode returns one node row.
func (s *Service) GetNode(ctx context.Context, nodeID string) (node.Node, error) {
	var row node.Node
	err := s.db.WithContext(ctx).Take(&row, "node_id = ?", nodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return node.Node{}, ErrNodeNotFound
	}
	if err != nil {
		return node.Node{}, err
	}
	return row, nil
}

// ListChildren returns a node's children ordered by identifier, which for
// UUIDv7 identifiers is creation order.
func (s *Service) ListChildren(ctx context.Context, parentID string) ([]node.Node, error) {
	var rows []node.Node
	err := s.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("node_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func setAttributes(doc *automerge.Doc, attributes map[string]any) error {
	for key, value := range attributes {
		if err := doc.Path(key).Set(value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publish(event events.Event) {
	if s.bus != nil {
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
	s.logger.Error("replica service error", attrs...)
}

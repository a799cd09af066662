package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingPusher    = errors.New("mutation pusher is required")
	errMissingReverter  = errors.New("mutation reverter is required")
	errMissingWorkspace = errors.New("workspace identifier is required")
	noOpLogger          = zap.NewNop()
)

const (
	opServiceNew     = "outbox.service.new"
	opPushBatch      = "outbox.push_batch"
	opRevert         = "outbox.revert_exhausted"
	opPullMissing    = "outbox.pull_missing_nodes"
	fieldMutationID  = "mutation_id"
	fieldNodeID      = "node_id"
	fieldWorkspaceID = "workspace_id"
)

// ServiceError wraps an outbox failure with an operation.reason code.
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

// Pusher ships an ordered mutation batch to the server.
type Pusher interface {
	PushMutations(ctx context.Context, workspaceID string, mutations []transport.MutationPayload) ([]transport.MutationResult, error)
}

// Reverter undoes the local effect of a mutation whose retries are exhausted.
type Reverter interface {
	Revert(ctx context.Context, mutation Mutation) error
}

// HistoryFetcher pulls a node's full update history from the server.
type HistoryFetcher interface {
	FetchNodeUpdates(ctx context.Context, nodeID string) ([]transport.SyncItem, error)
}

// DeltaApplier merges a remote node delta into the local replica, the same way
// the synchronizer delta path does.
type DeltaApplier interface {
	ApplyNodeItem(ctx context.Context, item transport.SyncItem) error
}

// ServiceConfig describes the inputs required to build a Service.
type ServiceConfig struct {
	Database    *gorm.DB
	WorkspaceID string
	Pusher      Pusher
	Reverter    Reverter
	Fetcher     HistoryFetcher
	Applier     DeltaApplier
	Bus         *events.Bus
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service runs the outbound mutation pipeline for one workspace replica: the
// periodic push job, the revert-on-exhaustion job, and the pull-missing-nodes
// job.
type Service struct {
	db          *gorm.DB
	workspaceID string
	pusher      Pusher
	reverter    Reverter
	fetcher     HistoryFetcher
	applier     DeltaApplier
	bus         *events.Bus
	clock       func() time.Time
	logger      *zap.Logger

	mu      sync.Mutex
	pushing bool

	pushTrigger chan struct{}
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.WorkspaceID == "" {
		return nil, newServiceError(opServiceNew, "missing_workspace", errMissingWorkspace)
	}
	if cfg.Pusher == nil {
		return nil, newServiceError(opServiceNew, "missing_pusher", errMissingPusher)
	}
	if cfg.Reverter == nil {
		return nil, newServiceError(opServiceNew, "missing_reverter", errMissingReverter)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:          cfg.Database,
		workspaceID: cfg.WorkspaceID,
		pusher:      cfg.Pusher,
		reverter:    cfg.Reverter,
		fetcher:     cfg.Fetcher,
		applier:     cfg.Applier,
		bus:         cfg.Bus,
		clock:       clock,
		logger:      logger,
		pushTrigger: make(chan struct{}, 1),
	}, nil
}

// TriggerPush requests an immediate push pass. The request coalesces with any
// pending trigger; a pass already in flight makes this a no-op.
func (s *Service) TriggerPush() {
	select {
	case s.pushTrigger <- struct{}{}:
	default:
	}
}

// PushBatch reads up to BatchSize queued mutations in enqueue order and ships
// them as one ordered batch. At most one push is in flight at any time; an
// overlapping call returns immediately.
//
// Availability failures leave every row untouched so an outage never burns
// retry budget; only per-mutation rejections increment retry counters.
func (s *Service) PushBatch(ctx context.Context) error {
	s.mu.Lock()
	if s.pushing {
		s.mu.Unlock()
		return nil
	}
	s.pushing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pushing = false
		s.mu.Unlock()
	}()

	var queued []Mutation
	if err := s.db.WithContext(ctx).
		Where("retry_count < ?", MaxRetries).
		Order("mutation_id ASC").
		Limit(BatchSize).
		Find(&queued).Error; err != nil {
		s.logError(opPushBatch, "query_failed", err)
		return newServiceError(opPushBatch, "query_failed", err)
	}
	if len(queued) == 0 {
		return nil
	}

	payloads := make([]transport.MutationPayload, 0, len(queued))
	for _, mutation := range queued {
		payloads = append(payloads, transport.MutationPayload{
			ID:   mutation.MutationID,
			Type: mutation.MutationType,
			Data: json.RawMessage(mutation.DataJSON),
		})
	}

	results, err := s.pusher.PushMutations(ctx, s.workspaceID, payloads)
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrCoolingDown):
			return nil
		case errors.Is(err, transport.ErrServerUnavailable):
			s.logger.Warn("push skipped, server unavailable",
				zap.String(fieldWorkspaceID, s.workspaceID), zap.Error(err))
			return nil
		case errors.Is(err, transport.ErrRejected):
			// Whole-batch rejection: charge every mutation's retry counter.
			return s.markFailed(ctx, queued)
		default:
			s.logError(opPushBatch, "push_failed", err)
			return newServiceError(opPushBatch, "push_failed", err)
		}
	}

	statusByID := make(map[string]string, len(results))
	for _, result := range results {
		statusByID[result.ID] = result.Status
	}

	var failed []Mutation
	for _, mutation := range queued {
		if statusByID[mutation.MutationID] == transport.MutationStatusSuccess {
			if err := s.db.WithContext(ctx).Delete(&Mutation{}, "mutation_id = ?", mutation.MutationID).Error; err != nil {
				s.logError(opPushBatch, "delete_failed", err, zap.String(fieldMutationID, mutation.MutationID))
				return newServiceError(opPushBatch, "delete_failed", err)
			}
			s.publish(events.MutationSynced{MutationID: mutation.MutationID, WorkspaceID: s.workspaceID})
			continue
		}
		failed = append(failed, mutation)
	}
	return s.markFailed(ctx, failed)
}

func (s *Service) markFailed(ctx context.Context, failed []Mutation) error {
	for _, mutation := range failed {
		err := s.db.WithContext(ctx).Model(&Mutation{}).
			Where("mutation_id = ?", mutation.MutationID).
			Update("retry_count", gorm.Expr("retry_count + 1")).Error
		if err != nil {
			s.logError(opPushBatch, "retry_increment_failed", err, zap.String(fieldMutationID, mutation.MutationID))
			return newServiceError(opPushBatch, "retry_increment_failed", err)
		}
		s.logger.Info("mutation push rejected",
			zap.String(fieldMutationID, mutation.MutationID),
			zap.Int("retry_count", mutation.RetryCount+1))
	}
	return nil
}

// RevertExhausted scans for mutations whose retries crossed MaxRetries,
// applies the type-specific compensating action, and removes the row. This
// bounds the outbox behind any permanently rejected mutation.
func (s *Service) RevertExhausted(ctx context.Context) error {
	var exhausted []Mutation
	if err := s.db.WithContext(ctx).
		Where("retry_count >= ?", MaxRetries).
		Order("mutation_id ASC").
		Find(&exhausted).Error; err != nil {
		s.logError(opRevert, "query_failed", err)
		return newServiceError(opRevert, "query_failed", err)
	}

	for _, mutation := range exhausted {
		if err := s.reverter.Revert(ctx, mutation); err != nil {
			// Leave the row for the next pass rather than dropping user data
			// without compensation.
			s.logError(opRevert, "revert_failed", err, zap.String(fieldMutationID, mutation.MutationID))
			continue
		}
		if err := s.db.WithContext(ctx).Delete(&Mutation{}, "mutation_id = ?", mutation.MutationID).Error; err != nil {
			s.logError(opRevert, "delete_failed", err, zap.String(fieldMutationID, mutation.MutationID))
			return newServiceError(opRevert, "delete_failed", err)
		}
		s.publish(events.MutationReverted{
			MutationID:   mutation.MutationID,
			MutationType: mutation.MutationType,
			WorkspaceID:  s.workspaceID,
		})
	}
	return nil
}

// PullMissingNodes finds nodes referenced by visible collaborations but absent
// locally and replays their full history through the remote delta path.
func (s *Service) PullMissingNodes(ctx context.Context) error {
	if s.fetcher == nil || s.applier == nil {
		return nil
	}

	var missing []string
	err := s.db.WithContext(ctx).
		Table("collaborations").
		Where("deleted_at_s IS NULL").
		Where("node_id NOT IN (SELECT node_id FROM nodes)").
		Pluck("node_id", &missing).Error
	if err != nil {
		s.logError(opPullMissing, "query_failed", err)
		return newServiceError(opPullMissing, "query_failed", err)
	}

	for _, nodeID := range missing {
		items, err := s.fetcher.FetchNodeUpdates(ctx, nodeID)
		if err != nil {
			// Availability failures resolve on a later tick.
			s.logError(opPullMissing, "fetch_failed", err, zap.String(fieldNodeID, nodeID))
			continue
		}
		for _, item := range items {
			if err := s.applier.ApplyNodeItem(ctx, item); err != nil {
				s.logError(opPullMissing, "apply_failed", err, zap.String(fieldNodeID, nodeID))
				break
			}
		}
	}
	return nil
}

// PendingCount returns the number of queued mutations.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Mutation{}).Count(&count).Error; err != nil {
		return 0, newServiceError(opPushBatch, "count_failed", err)
	}
	return count, nil
}

// Run drives the periodic jobs until the context is cancelled. Push passes
// fire on the interval and on TriggerPush; revert and pull-missing passes fire
// on their own intervals. Job failures are logged, never fatal.
func (s *Service) Run(ctx context.Context, pushInterval, revertInterval, pullInterval time.Duration) {
	pushTicker := time.NewTicker(pushInterval)
	defer pushTicker.Stop()
	revertTicker := time.NewTicker(revertInterval)
	defer revertTicker.Stop()
	pullTicker := time.NewTicker(pullInterval)
	defer pullTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pushTrigger:
			if err := s.PushBatch(ctx); err != nil {
				s.logger.Warn("push pass failed", zap.Error(err))
			}
		case <-pushTicker.C:
			if err := s.PushBatch(ctx); err != nil {
				s.logger.Warn("push pass failed", zap.Error(err))
			}
		case <-revertTicker.C:
			if err := s.RevertExhausted(ctx); err != nil {
				s.logger.Warn("revert pass failed", zap.Error(err))
			}
		case <-pullTicker.C:
			if err := s.PullMissingNodes(ctx); err != nil {
				s.logger.Warn("pull-missing pass failed", zap.Error(err))
			}
		}
	}
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
	s.logger.Error("outbox service error", attrs...)
}

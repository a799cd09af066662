package synchronizer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Registry owns the synchronizer instances for connected replicas, one per
// (user, kind, scope). Instances are created lazily on first request and
// reused so the overlap guard holds across trigger paths.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger

	mu        sync.Mutex
	instances map[string]*Synchronizer
}

// NewRegistry returns an empty registry over the given database.
func NewRegistry(db *gorm.DB, logger *zap.Logger) (*Registry, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		db:        db,
		logger:    logger,
		instances: make(map[string]*Synchronizer),
	}, nil
}

// GetOrCreate returns the instance for (userID, kind, scope), creating it with
// the provided starting cursor when absent. An existing instance keeps its own
// cursor; the caller's cursor only seeds new instances.
func (r *Registry) GetOrCreate(userID string, kind Kind, scope string, cursor int64) (*Synchronizer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s/%s/%s", userID, kind, scope)
	if existing, ok := r.instances[key]; ok {
		return existing, nil
	}

	collector, err := r.collectorFor(kind)
	if err != nil {
		return nil, err
	}
	instance, err := New(Config{
		UserID:    userID,
		Scope:     scope,
		Cursor:    cursor,
		Collector: collector,
		Logger:    r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.instances[key] = instance
	return instance, nil
}

// Collect runs a one-shot fetch against the client-supplied cursor. The pull
// path goes through here rather than GetOrCreate because registry instances
// keep their own cursor and would ignore the one the client asked for.
func (r *Registry) Collect(ctx context.Context, userID string, kind Kind, scope string, after int64, limit int) ([]Item, error) {
	collector, err := r.collectorFor(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	return collector.Collect(ctx, userID, scope, after, limit)
}

// Remove drops every instance belonging to the user, typically on disconnect.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := userID + "/"
	for key := range r.instances {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(r.instances, key)
		}
	}
}

func (r *Registry) collectorFor(kind Kind) (Collector, error) {
	switch kind {
	case KindNodes:
		return NewNodeCollector(r.db)
	case KindCollaborations:
		return NewCollaborationCollector(r.db)
	case KindInteractions:
		return NewInteractionCollector(r.db)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
}

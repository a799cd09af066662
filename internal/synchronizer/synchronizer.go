package synchronizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tandemlabs/tandem/internal/events"
	"go.uber.org/zap"
)

var (
	// ErrInvalidKind indicates a stream kind outside the closed set.
	ErrInvalidKind      = errors.New("synchronizer: invalid stream kind")
	errMissingUser      = errors.New("synchronizer: user identifier is required")
	errMissingCollector = errors.New("synchronizer: collector is required")
)

// Kind enumerates the supported delta stream kinds.
type Kind string

const (
	// KindNodes streams node updates scoped to one root.
	KindNodes Kind = "nodes"
	// KindCollaborations streams role grants scoped to the requesting user.
	KindCollaborations Kind = "collaborations"
	// KindInteractions streams seen/received markers scoped to one root.
	KindInteractions Kind = "interactions"
)

// ParseKind validates raw input against the closed kind set.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(rawInput) {
	case KindNodes:
		return KindNodes, nil
	case KindCollaborations:
		return KindCollaborations, nil
	case KindInteractions:
		return KindInteractions, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// String returns the underlying kind name.
func (k Kind) String() string {
	return string(k)
}

// Status is the fetch lifecycle state of one synchronizer instance.
type Status string

const (
	// StatusPending marks an idle instance ready to fetch.
	StatusPending Status = "pending"
	// StatusFetching marks an instance with a fetch in flight.
	StatusFetching Status = "fetching"
)

// Item is one delta in a stream batch. Cursor carries the item's own revision
// so the client advances its cursor to the maximum delivered value.
type Item struct {
	Cursor int64           `json:"cursor"`
	Data   json.RawMessage `json:"data"`
}

// Collector produces the deltas for one stream kind.
type Collector interface {
	Kind() Kind
	// Matches is the cheap applicability check run before an event-driven
	// fetch touches storage.
	Matches(event events.Event, userID, scope string) bool
	// Collect returns rows with revision above the cursor, ascending, bounded
	// by limit, restricted to what userID may see.
	Collect(ctx context.Context, userID, scope string, after int64, limit int) ([]Item, error)
}

const defaultPageSize = 50

// Config describes the inputs required to build a Synchronizer.
type Config struct {
	UserID    string
	Scope     string
	Cursor    int64
	Collector Collector
	PageSize  int
	Logger    *zap.Logger
}

// Synchronizer is one per-(user, kind, scope) cursor stream producer. The
// revision ordering of the underlying log makes delivery gap-free and
// duplicate-free: every fetch asks for revision > cursor, and the cursor only
// advances to revisions that were handed to the consumer.
type Synchronizer struct {
	userID    string
	scope     string
	collector Collector
	pageSize  int
	logger    *zap.Logger

	mu     sync.Mutex
	cursor int64
	status Status
}

// New validates the configuration and returns a Synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.UserID == "" {
		return nil, errMissingUser
	}
	if cfg.Collector == nil {
		return nil, errMissingCollector
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		userID:    cfg.UserID,
		scope:     cfg.Scope,
		collector: cfg.Collector,
		pageSize:  pageSize,
		logger:    logger,
		cursor:    cfg.Cursor,
		status:    StatusPending,
	}, nil
}

// FetchData queries the next page of deltas above the cursor. At most one
// fetch runs per instance; an overlapping call returns nothing and the work
// lands on the next trigger. Fetch errors are logged and swallowed; the
// instance returns to pending and the unit of retry is the next trigger.
func (s *Synchronizer) FetchData(ctx context.Context) []Item {
	s.mu.Lock()
	if s.status == StatusFetching {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusFetching
	after := s.cursor
	s.mu.Unlock()

	items, err := s.collector.Collect(ctx, s.userID, s.scope, after, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusPending
	if err != nil {
		s.logger.Error("synchronizer fetch failed",
			zap.String("kind", s.collector.Kind().String()),
			zap.String("user_id", s.userID),
			zap.String("scope", s.scope),
			zap.Error(err))
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	last := items[len(items)-1].Cursor
	if last > s.cursor {
		s.cursor = last
	}
	return items
}

// FetchDataFromEvent fetches only when the event's scope matches this
// instance's scope. This is the proactive push path over a persistent
// connection.
func (s *Synchronizer) FetchDataFromEvent(ctx context.Context, event events.Event) []Item {
	if event == nil {
		return nil
	}
	if !s.collector.Matches(event, s.userID, s.scope) {
		return nil
	}
	return s.FetchData(ctx)
}

// Cursor returns the last delivered revision.
func (s *Synchronizer) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Kind returns the stream kind served by this instance.
func (s *Synchronizer) Kind() Kind {
	return s.collector.Kind()
}

// Scope returns the stream scope served by this instance.
func (s *Synchronizer) Scope() string {
	return s.scope
}

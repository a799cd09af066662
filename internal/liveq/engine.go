package liveq

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/tandemlabs/tandem/internal/events"
	"go.uber.org/zap"
)

var (
	errMissingBus = errors.New("liveq: event bus is required")
	// ErrDuplicateSubscription indicates a subscription id that is already registered.
	ErrDuplicateSubscription = errors.New("liveq: duplicate subscription id")
	// ErrMissingQuery indicates that a query handler was not provided.
	ErrMissingQuery = errors.New("liveq: query is required")
)

// CheckOutcome classifies the result of folding one event into a subscription.
type CheckOutcome int

const (
	// OutcomeUnchanged means the event does not affect the cached output.
	OutcomeUnchanged CheckOutcome = iota
	// OutcomePatched means the handler produced an incrementally patched output.
	OutcomePatched
	// OutcomeRefetch means the handler cannot patch incrementally and the
	// query must be re-executed (pagination-boundary effects and the like).
	OutcomeRefetch
)

// CheckResult carries the outcome of one CheckForChanges call.
type CheckResult struct {
	Outcome CheckOutcome
	Output  any
}

// Unchanged reports that the event is irrelevant to the subscription.
func Unchanged() CheckResult {
	return CheckResult{Outcome: OutcomeUnchanged}
}

// Patched reports an incrementally updated output.
func Patched(output any) CheckResult {
	return CheckResult{Outcome: OutcomePatched, Output: output}
}

// Refetch reports that the query must be re-executed from storage.
func Refetch() CheckResult {
	return CheckResult{Outcome: OutcomeRefetch}
}

// Query is one live query handler. Execute runs the query against storage;
// CheckForChanges folds a single event into the last known output without
// touching storage whenever it can.
type Query interface {
	Execute(ctx context.Context) (any, error)
	CheckForChanges(ctx context.Context, event events.Event, lastOutput any) (CheckResult, error)
}

type subscription struct {
	id         string
	query      Query
	lastOutput any
}

// EngineConfig describes the inputs required to build an Engine.
type EngineConfig struct {
	Bus    *events.Bus
	Logger *zap.Logger
}

// Engine keeps a registry of live query subscriptions correct under a stream
// of domain events without re-running every query on every event. Incoming
// events land on a FIFO queue; a single in-flight pass drains it, folding each
// event into every subscription. Events published while a pass runs are queued
// for the next pass in arrival order, never dropped and never re-entered.
type Engine struct {
	bus    *events.Bus
	busSub events.SubscriptionID
	logger *zap.Logger

	mu         sync.Mutex
	subs       map[string]*subscription
	order      []string
	queue      []events.Event
	processing bool
}

// NewEngine validates the configuration, subscribes to the bus, and returns
// an Engine. Close releases the bus subscription.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &Engine{
		bus:    cfg.Bus,
		logger: logger,
		subs:   make(map[string]*subscription),
	}
	engine.busSub = cfg.Bus.Subscribe(engine.handleEvent)
	return engine, nil
}

// Close removes the engine's bus subscription.
func (e *Engine) Close() {
	e.bus.Unsubscribe(e.busSub)
}

// ExecuteAndSubscribe runs the query once, registers the subscription, and
// returns the initial output. Subscriptions are in-memory only; a new session
// rebuilds them by calling this again.
func (e *Engine) ExecuteAndSubscribe(ctx context.Context, id string, query Query) (any, error) {
	if id == "" {
		return nil, fmt.Errorf("liveq: subscription id is required")
	}
	if query == nil {
		return nil, ErrMissingQuery
	}
	e.mu.Lock()
	if _, exists := e.subs[id]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, id)
	}
	e.mu.Unlock()

	output, err := query.Execute(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.subs[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, id)
	}
	e.subs[id] = &subscription{id: id, query: query, lastOutput: output}
	e.order = append(e.order, id)
	return output, nil
}

// Unsubscribe removes the registry entry for the subscription.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[id]; !ok {
		return
	}
	delete(e.subs, id)
	for index, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:index], e.order[index+1:]...)
			break
		}
	}
}

// Output returns the cached output for a subscription.
func (e *Engine) Output(id string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[id]
	if !ok {
		return nil, false
	}
	return sub.lastOutput, true
}

// handleEvent enqueues a domain event and starts a processing pass unless one
// is already in flight. Result-changed notifications are excluded from the
// queue to prevent feedback cycles.
func (e *Engine) handleEvent(event events.Event) {
	if _, isNotification := event.(events.QueryResultUpdated); isNotification {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, event)
	if e.processing {
		e.mu.Unlock()
		return
	}
	e.processing = true
	e.mu.Unlock()
	e.processQueue()
}

func (e *Engine) processQueue() {
	ctx := context.Background()
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.processing = false
			e.mu.Unlock()
			return
		}
		batch := e.queue
		e.queue = nil
		ids := make([]string, len(e.order))
		copy(ids, e.order)
		e.mu.Unlock()

		for _, id := range ids {
			e.mu.Lock()
			sub, ok := e.subs[id]
			e.mu.Unlock()
			if !ok {
				continue
			}
			e.foldEvents(ctx, sub, batch)
		}
	}
}

// foldEvents applies the whole batch to one subscription and emits at most
// one result-changed notification, only when the folded output actually
// differs from the cached one.
func (e *Engine) foldEvents(ctx context.Context, sub *subscription, batch []events.Event) {
	candidate := sub.lastOutput
	for _, event := range batch {
		result, err := sub.query.CheckForChanges(ctx, event, candidate)
		if err != nil {
			e.logger.Error("live query change check failed",
				zap.String("subscription_id", sub.id),
				zap.String("event", event.Name()),
				zap.Error(err))
			continue
		}
		switch result.Outcome {
		case OutcomeUnchanged:
		case OutcomePatched:
			candidate = result.Output
		case OutcomeRefetch:
			fresh, err := sub.query.Execute(ctx)
			if err != nil {
				e.logger.Error("live query refetch failed",
					zap.String("subscription_id", sub.id),
					zap.Error(err))
				continue
			}
			candidate = fresh
		}
	}

	if reflect.DeepEqual(candidate, sub.lastOutput) {
		return
	}
	e.mu.Lock()
	sub.lastOutput = candidate
	e.mu.Unlock()
	e.bus.Publish(events.QueryResultUpdated{SubscriptionID: sub.id})
}

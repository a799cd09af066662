package events

import "sync"

// Event names published on the bus.
const (
	NameNodeCreated          = "node.created"
	NameNodeUpdated          = "node.updated"
	NameNodeDeleted          = "node.deleted"
	NameMutationCreated      = "mutation.created"
	NameMutationSynced       = "mutation.synced"
	NameMutationReverted     = "mutation.reverted"
	NameCollaborationCreated = "collaboration.created"
	NameCollaborationUpdated = "collaboration.updated"
	NameCollaborationDeleted = "collaboration.deleted"
	NameInteractionUpdated   = "interaction.updated"
	NameQueryResultUpdated   = "query.result_updated"
)

// Event is implemented by every domain event delivered on the bus. Each event
// carries enough identity for consumers to filter without re-querying storage.
type Event interface {
	Name() string
}

// NodeCreated reports that a node row was written for the first time.
type NodeCreated struct {
	NodeID      string
	ParentID    string
	RootID      string
	WorkspaceID string
	ActorID     string
}

// Name returns the event name.
func (NodeCreated) Name() string { return NameNodeCreated }

// NodeUpdated reports that a node's state or attributes changed.
type NodeUpdated struct {
	NodeID      string
	RootID      string
	WorkspaceID string
	ActorID     string
}

// Name returns the event name.
func (NodeUpdated) Name() string { return NameNodeUpdated }

// NodeDeleted reports that a node row was removed.
type NodeDeleted struct {
	NodeID      string
	RootID      string
	WorkspaceID string
	ActorID     string
}

// Name returns the event name.
func (NodeDeleted) Name() string { return NameNodeDeleted }

// MutationCreated reports that a local edit was durably queued for sync.
type MutationCreated struct {
	MutationID   string
	MutationType string
	WorkspaceID  string
	ActorID      string
}

// Name returns the event name.
func (MutationCreated) Name() string { return NameMutationCreated }

// MutationSynced reports that the server acknowledged a queued mutation.
type MutationSynced struct {
	MutationID  string
	WorkspaceID string
}

// Name returns the event name.
func (MutationSynced) Name() string { return NameMutationSynced }

// MutationReverted reports that an exhausted mutation was compensated and removed.
type MutationReverted struct {
	MutationID   string
	MutationType string
	WorkspaceID  string
}

// Name returns the event name.
func (MutationReverted) Name() string { return NameMutationReverted }

// CollaborationCreated reports a new role grant over a root subtree.
type CollaborationCreated struct {
	NodeID         string
	CollaboratorID string
	WorkspaceID    string
}

// Name returns the event name.
func (CollaborationCreated) Name() string { return NameCollaborationCreated }

// CollaborationUpdated reports a changed role grant.
type CollaborationUpdated struct {
	NodeID         string
	CollaboratorID string
	WorkspaceID    string
}

// Name returns the event name.
func (CollaborationUpdated) Name() string { return NameCollaborationUpdated }

// CollaborationDeleted reports a revoked role grant.
type CollaborationDeleted struct {
	NodeID         string
	CollaboratorID string
	WorkspaceID    string
}

// Name returns the event name.
func (CollaborationDeleted) Name() string { return NameCollaborationDeleted }

// InteractionUpdated reports changed seen/received markers for a node.
type InteractionUpdated struct {
	NodeID         string
	RootID         string
	CollaboratorID string
	WorkspaceID    string
}

// Name returns the event name.
func (InteractionUpdated) Name() string { return NameInteractionUpdated }

// QueryResultUpdated reports that a live query subscription produced a new
// output. The reactive query engine never re-queues events of this type.
type QueryResultUpdated struct {
	SubscriptionID string
}

// Name returns the event name.
func (QueryResultUpdated) Name() string { return NameQueryResultUpdated }

// Handler consumes a published event.
type Handler func(Event)

// SubscriptionID identifies a bus subscription.
type SubscriptionID int64

// Bus delivers events synchronously to subscribers in registration order.
// It carries no persistence; ordering only holds within one process lifetime.
type Bus struct {
	mu       sync.RWMutex
	nextID   SubscriptionID
	order    []SubscriptionID
	handlers map[SubscriptionID]Handler
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[SubscriptionID]Handler)}
}

// Subscribe registers a handler and returns its subscription identifier.
func (b *Bus) Subscribe(handler Handler) SubscriptionID {
	if handler == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.order = append(b.order, id)
	b.handlers[id] = handler
	return id
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[id]; !ok {
		return
	}
	delete(b.handlers, id)
	for index, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:index], b.order[index+1:]...)
			break
		}
	}
}

// Publish delivers the event to all current subscribers in registration order.
func (b *Bus) Publish(event Event) {
	if event == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		if handler, ok := b.handlers[id]; ok {
			handlers = append(handlers, handler)
		}
	}
	b.mu.RUnlock()
	for _, handler := range handlers {
		handler(event)
	}
}

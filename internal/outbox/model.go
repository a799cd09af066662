package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

var (
	// ErrInvalidMutationType indicates a mutation type outside the closed set.
	ErrInvalidMutationType = errors.New("outbox: invalid mutation type")
	// ErrInvalidMutationData indicates a mutation payload that could not be encoded.
	ErrInvalidMutationData = errors.New("outbox: invalid mutation data")
)

// MutationType enumerates the closed set of queued operations.
type MutationType string

const (
	// TypeNodeCreate queues a locally created node for upload.
	TypeNodeCreate MutationType = "node_create"
	// TypeNodeUpdate queues a CRDT diff against an existing node.
	TypeNodeUpdate MutationType = "node_update"
	// TypeNodeDelete queues a node removal.
	TypeNodeDelete MutationType = "node_delete"
	// TypeInteractionSeen queues a seen-marker advance.
	TypeInteractionSeen MutationType = "interaction_seen"
)

// ParseMutationType validates raw input against the closed set.
func ParseMutationType(rawInput string) (MutationType, error) {
	switch MutationType(strings.TrimSpace(rawInput)) {
	case TypeNodeCreate:
		return TypeNodeCreate, nil
	case TypeNodeUpdate:
		return TypeNodeUpdate, nil
	case TypeNodeDelete:
		return TypeNodeDelete, nil
	case TypeInteractionSeen:
		return TypeInteractionSeen, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMutationType, rawInput)
	}
}

// String returns the underlying type name.
func (t MutationType) String() string {
	return string(t)
}

const (
	// MaxRetries is the rejection count after which a mutation is reverted.
	MaxRetries = 10
	// BatchSize bounds the number of mutations shipped per push.
	BatchSize = 20
)

// Mutation is one durable outbox row. The ULID primary key sorts by creation
// time, so reading in primary-key order preserves local enqueue order.
type Mutation struct {
	MutationID       string `gorm:"column:mutation_id;primaryKey;size:26;not null"`
	MutationType     string `gorm:"column:mutation_type;size:64;not null"`
	DataJSON         string `gorm:"column:data_json;type:text;not null"`
	RetryCount       int    `gorm:"column:retry_count;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Mutation) TableName() string {
	return "outbox_mutations"
}

// NewMutationID issues a new insertion-ordered mutation identifier.
func NewMutationID() string {
	return ulid.Make().String()
}

// NodeCreateData is the payload for TypeNodeCreate. UpdateB64 carries the full
// CRDT history of the freshly created document.
type NodeCreateData struct {
	NodeID    string `json:"node_id"`
	ParentID  string `json:"parent_id"`
	RootID    string `json:"root_id"`
	NodeType  string `json:"node_type"`
	UpdateB64 string `json:"update_b64"`
}

// NodeUpdateData is the payload for TypeNodeUpdate. The prior fields capture
// the pre-mutation snapshot so the revert job can restore it.
type NodeUpdateData struct {
	NodeID              string `json:"node_id"`
	RootID              string `json:"root_id"`
	UpdateB64           string `json:"update_b64"`
	PriorStateB64       string `json:"prior_state_b64"`
	PriorAttributesJSON string `json:"prior_attributes_json"`
}

// NodeDeleteData is the payload for TypeNodeDelete. It carries everything
// needed to recreate the node locally if the delete can never be synced.
type NodeDeleteData struct {
	NodeID              string `json:"node_id"`
	ParentID            string `json:"parent_id"`
	RootID              string `json:"root_id"`
	NodeType            string `json:"node_type"`
	PriorStateB64       string `json:"prior_state_b64"`
	PriorAttributesJSON string `json:"prior_attributes_json"`
	PriorCreatedAt      int64  `json:"prior_created_at_s"`
	PriorCreatedBy      string `json:"prior_created_by"`
}

// InteractionSeenData is the payload for TypeInteractionSeen.
type InteractionSeenData struct {
	NodeID            string `json:"node_id"`
	RootID            string `json:"root_id"`
	SeenRevision      int64  `json:"seen_revision"`
	PriorSeenRevision int64  `json:"prior_seen_revision"`
}

// Enqueue inserts an outbox row inside the caller's transaction so the local
// effect and the intent-to-sync commit atomically.
func Enqueue(tx *gorm.DB, mutationType MutationType, data any, now time.Time) (Mutation, error) {
	if _, err := ParseMutationType(mutationType.String()); err != nil {
		return Mutation{}, err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutationData, err)
	}
	row := Mutation{
		MutationID:       NewMutationID(),
		MutationType:     mutationType.String(),
		DataJSON:         string(encoded),
		RetryCount:       0,
		CreatedAtSeconds: now.UTC().Unix(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return Mutation{}, err
	}
	return row, nil
}

package node

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNodeID indicates that a node identifier is empty or exceeds storage bounds.
	ErrInvalidNodeID = errors.New("node: invalid node id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("node: invalid user id")
	// ErrInvalidWorkspaceID indicates that a workspace identifier is empty or exceeds storage bounds.
	ErrInvalidWorkspaceID = errors.New("node: invalid workspace id")
	// ErrInvalidNodeType indicates that a node type is empty.
	ErrInvalidNodeType = errors.New("node: invalid node type")
	// ErrInvalidRevision indicates that a revision value is negative.
	ErrInvalidRevision = errors.New("node: invalid revision")
	// ErrInvalidRole indicates that a collaboration role is not part of the closed set.
	ErrInvalidRole = errors.New("node: invalid collaboration role")
)

// NodeID represents a validated node identifier.
type NodeID string

// NewNodeID validates raw input and returns a NodeID.
func NewNodeID(rawInput string) (NodeID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNodeID, maxIdentifierLength)
	}
	return NodeID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NodeID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// WorkspaceID represents a validated workspace identifier.
type WorkspaceID string

// NewWorkspaceID validates raw input and returns a WorkspaceID.
func NewWorkspaceID(rawInput string) (WorkspaceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWorkspaceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWorkspaceID, maxIdentifierLength)
	}
	return WorkspaceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id WorkspaceID) String() string {
	return string(id)
}

// NodeType classifies a node (space, page, message, file, ...). The set is
// open-ended for forward compatibility with new client surfaces; only
// emptiness is rejected.
type NodeType string

// NewNodeType validates raw input and returns a NodeType.
func NewNodeType(rawInput string) (NodeType, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNodeType)
	}
	return NodeType(trimmed), nil
}

// String returns the underlying type name.
func (t NodeType) String() string {
	return string(t)
}

// Revision represents a validated, server-assigned stream revision.
type Revision int64

// NewRevision validates the value and returns a Revision.
func NewRevision(value int64) (Revision, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRevision, value)
	}
	return Revision(value), nil
}

// Int64 returns the revision as an int64.
func (r Revision) Int64() int64 {
	return int64(r)
}

// CollaborationRole enumerates supported role grants over a root subtree.
type CollaborationRole string

const (
	// RoleOwner grants full control including collaborator management.
	RoleOwner CollaborationRole = "owner"
	// RoleEditor grants read and write access to the subtree.
	RoleEditor CollaborationRole = "editor"
	// RoleViewer grants read-only access to the subtree.
	RoleViewer CollaborationRole = "viewer"
)

// ParseCollaborationRole validates raw input against the closed role set.
func ParseCollaborationRole(rawInput string) (CollaborationRole, error) {
	switch CollaborationRole(strings.ToLower(strings.TrimSpace(rawInput))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// String returns the underlying role name.
func (r CollaborationRole) String() string {
	return string(r)
}

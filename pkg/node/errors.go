package node

import (
	"errors"
	"fmt"

	"github.com/cuemby/nodestore/pkg/types"
)

var (
	// ErrInvalidArgument covers malformed references and unknown names
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidType is returned for type mismatches and for writes to
	// protected properties through the generic property operations
	ErrInvalidType = errors.New("invalid type")

	// ErrInvalidNodeRef is returned when a node does not exist or is deleted
	ErrInvalidNodeRef = errors.New("invalid node ref")

	// ErrDuplicateChildName is returned when a sibling already has the name
	ErrDuplicateChildName = errors.New("duplicate child name")

	// ErrPermissionDenied is returned when the permission checker refuses
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConcurrencyConflict is returned when a commit observes data that
	// another transaction has changed
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrIntegrityViolation marks corrupt hierarchy state that could not be
	// repaired
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrContentCollision is returned when a content URL's CRC is held by a
	// different URL
	ErrContentCollision = errors.New("content url collision")

	// ErrNotArchived is returned when restoring a node that is not a
	// top-level archived node
	ErrNotArchived = errors.New("node is not archived")

	// ErrPolicyVeto wraps an error returned by a "before" policy handler
	ErrPolicyVeto = errors.New("vetoed by policy")

	// ErrTxnClosed is returned when using a committed or rolled back transaction
	ErrTxnClosed = errors.New("transaction closed")
)

// InvalidNodeRefError names the missing node
type InvalidNodeRefError struct {
	Ref types.NodeRef
}

func (e *InvalidNodeRefError) Error() string {
	return fmt.Sprintf("node does not exist: %s", e.Ref)
}

func (e *InvalidNodeRefError) Unwrap() error {
	return ErrInvalidNodeRef
}

// DuplicateChildNameError identifies the colliding name
type DuplicateChildNameError struct {
	Parent    types.NodeRef
	AssocType types.QName
	Name      string
}

func (e *DuplicateChildNameError) Error() string {
	return fmt.Sprintf("duplicate child name %q under %s (%s)", e.Name, e.Parent, e.AssocType)
}

func (e *DuplicateChildNameError) Unwrap() error {
	return ErrDuplicateChildName
}

// InvalidTypeError identifies the node and property that was rejected
type InvalidTypeError struct {
	Node     types.NodeRef
	Property types.QName
	Reason   string
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("invalid value for %s on %s: %s", e.Property, e.Node, e.Reason)
}

func (e *InvalidTypeError) Unwrap() error {
	return ErrInvalidType
}

// ContentCollisionError carries both URLs competing for one CRC
type ContentCollisionError struct {
	Node     types.NodeRef
	URL      string
	Existing string
	CRC      uint32
}

func (e *ContentCollisionError) Error() string {
	return fmt.Sprintf("content url %q for %s collides with %q (crc %d)", e.URL, e.Node, e.Existing, e.CRC)
}

func (e *ContentCollisionError) Unwrap() error {
	return ErrContentCollision
}

// PermissionDeniedError identifies the refused operation
type PermissionDeniedError struct {
	Node       types.NodeRef
	Permission string
	User       string
	Err        error
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("user %s may not %s %s", e.User, e.Permission, e.Node)
}

func (e *PermissionDeniedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPermissionDenied}
	}
	return []error{ErrPermissionDenied, e.Err}
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func integrity(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrityViolation, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err is a transient conflict
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

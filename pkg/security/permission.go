package security

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/nodestore/pkg/types"
)

// ErrAccessDenied is returned by a Checker that refuses an operation
var ErrAccessDenied = errors.New("access denied")

// Permission names an operation class on a node
type Permission string

const (
	PermissionRead           Permission = "Read"
	PermissionWrite          Permission = "Write"
	PermissionDelete         Permission = "Delete"
	PermissionCreateChildren Permission = "CreateChildren"
)

// Checker decides whether the user in ctx may perform perm on ref
type Checker interface {
	Check(ctx context.Context, ref types.NodeRef, perm Permission) error
}

// AllowAll grants everything
type AllowAll struct{}

func (AllowAll) Check(context.Context, types.NodeRef, Permission) error {
	return nil
}

// ParentResolver returns the primary parent of a node, if any
type ParentResolver interface {
	PrimaryParentRef(ctx context.Context, ref types.NodeRef) (types.NodeRef, bool)
}

// ACLChecker grants permissions set on a node or inherited from its
// primary ancestors. A node without entries inherits everything from its
// parent; the first node with entries decides.
type ACLChecker struct {
	mu      sync.RWMutex
	entries map[types.NodeRef]map[string]map[Permission]bool
	parents ParentResolver
}

// NewACLChecker creates an empty ACL checker
func NewACLChecker(parents ParentResolver) *ACLChecker {
	return &ACLChecker{
		entries: make(map[types.NodeRef]map[string]map[Permission]bool),
		parents: parents,
	}
}

// SetResolver replaces the parent resolver
func (a *ACLChecker) SetResolver(parents ParentResolver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parents = parents
}

// Grant gives user perm on ref
func (a *ACLChecker) Grant(ref types.NodeRef, user string, perms ...Permission) {
	a.mu.Lock()
	defer a.mu.Unlock()
	users, ok := a.entries[ref]
	if !ok {
		users = make(map[string]map[Permission]bool)
		a.entries[ref] = users
	}
	if users[user] == nil {
		users[user] = make(map[Permission]bool)
	}
	for _, p := range perms {
		users[user][p] = true
	}
}

// Revoke clears every entry on ref so it inherits again
func (a *ACLChecker) Revoke(ref types.NodeRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, ref)
}

func (a *ACLChecker) Check(ctx context.Context, ref types.NodeRef, perm Permission) error {
	user := CurrentUser(ctx)
	if user == SystemUser {
		return nil
	}

	a.mu.RLock()
	parents := a.parents
	a.mu.RUnlock()

	current := ref
	for depth := 0; depth < 256; depth++ {
		a.mu.RLock()
		users, ok := a.entries[current]
		granted := ok && users[user][perm]
		a.mu.RUnlock()
		if ok {
			if granted {
				return nil
			}
			return fmt.Errorf("%w: %s lacks %s on %s", ErrAccessDenied, user, perm, ref)
		}
		if parents == nil {
			break
		}
		parent, found := parents.PrimaryParentRef(ctx, current)
		if !found {
			break
		}
		current = parent
	}
	return fmt.Errorf("%w: %s lacks %s on %s", ErrAccessDenied, user, perm, ref)
}

package rbac

import "sync"

type invalidationScope int

const (
	scopeRole invalidationScope = iota
	scopeUser
	scopeAll
)

type invalidation struct {
	scope invalidationScope
	id    string
}

// Invalidator fans out role-graph mutation events to every subscribed
// Resolver in this process. A clustered deployment would back the same
// publish surface with the rate limiter's Redis instance instead of the
// in-process channel used here; that wiring is a documented extension
// point, not required for a single-process deployment.
type Invalidator struct {
	mu   sync.Mutex
	subs []func(invalidation)
}

// NewInvalidator builds an empty Invalidator.
func NewInvalidator() *Invalidator {
	return &Invalidator{}
}

func (i *Invalidator) subscribe(fn func(invalidation)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subs = append(i.subs, fn)
}

func (i *Invalidator) publish(ev invalidation) {
	i.mu.Lock()
	subs := append([]func(invalidation){}, i.subs...)
	i.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// RoleChanged invalidates every cache entry for roleID and, transitively,
// every cached user-permission set (a role mutation can change any
// descendant's effective permissions, so the simpler and correct move is to
// drop the whole permission cache rather than track fine-grained fan-out).
func (i *Invalidator) RoleChanged(roleID string) {
	i.publish(invalidation{scope: scopeRole, id: roleID})
}

// UserRolesChanged invalidates the cached effective-permission set for
// userID only.
func (i *Invalidator) UserRolesChanged(userID string) {
	i.publish(invalidation{scope: scopeUser, id: userID})
}

// All drops every cache in every subscribed Resolver, for startup/recovery.
func (i *Invalidator) All() {
	i.publish(invalidation{scope: scopeAll})
}

// Package rbac resolves a user's effective permission set from the role
// hierarchy (materialized path, component D), with caching and an
// assignment-scope validator.
package rbac

import (
	"context"
	"errors"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kubilitics/authd/internal/errkind"
	"github.com/kubilitics/authd/internal/models"
	"github.com/kubilitics/authd/internal/pkg/audit"
	"github.com/kubilitics/authd/internal/pkg/metrics"
)

// ErrCycle is returned when a role-graph mutation would introduce a cycle.
var ErrCycle = errors.New("rbac: role graph mutation would introduce a cycle")

const (
	roleCacheTTL       = 4 * time.Hour
	permissionCacheTTL = 15 * time.Minute
	roleCacheSize      = 2048
	permCacheSize      = 8192
)

// Store is the persistence surface the resolver needs.
type Store interface {
	GetRole(ctx context.Context, id string) (*models.Role, error)
	ListRoles(ctx context.Context) ([]models.Role, error)
	UserRoleIDs(ctx context.Context, userID string) ([]string, error)
	RolePermissionKeys(ctx context.Context, roleID string) ([]string, error)
}

type cachedRole struct {
	role      models.Role
	fetchedAt time.Time
}

type cachedPerms struct {
	keys      map[string]struct{}
	fetchedAt time.Time
}

// Resolver computes effective permissions from the role hierarchy, caching
// both per-role lookups and per-user effective-permission closures.
type Resolver struct {
	store Store

	roleCache *lru.Cache[string, cachedRole]
	permCache *lru.Cache[string, cachedPerms]

	invalidator *Invalidator
}

// NewResolver builds a Resolver backed by store, wiring it to invalidator so
// role-graph mutations published there evict the resolver's caches.
func NewResolver(store Store, invalidator *Invalidator) (*Resolver, error) {
	roleCache, err := lru.New[string, cachedRole](roleCacheSize)
	if err != nil {
		return nil, err
	}
	permCache, err := lru.New[string, cachedPerms](permCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Resolver{store: store, roleCache: roleCache, permCache: permCache, invalidator: invalidator}
	if invalidator != nil {
		invalidator.subscribe(r.onInvalidate)
	}
	return r, nil
}

func (r *Resolver) onInvalidate(ev invalidation) {
	switch ev.scope {
	case scopeRole:
		r.roleCache.Remove(ev.id)
		r.permCache.Purge()
	case scopeUser:
		r.permCache.Remove(ev.id)
	case scopeAll:
		r.roleCache.Purge()
		r.permCache.Purge()
	}
}

func (r *Resolver) role(ctx context.Context, id string) (*models.Role, error) {
	if cached, ok := r.roleCache.Get(id); ok && time.Since(cached.fetchedAt) < roleCacheTTL {
		metrics.RBACCacheHitsTotal.WithLabelValues("role").Inc()
		role := cached.role
		return &role, nil
	}
	metrics.RBACCacheMissesTotal.WithLabelValues("role").Inc()
	role, err := r.store.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, nil
	}
	r.roleCache.Add(id, cachedRole{role: *role, fetchedAt: time.Now()})
	return role, nil
}

// ancestorsOf returns role IDs from the given role up to the root, inclusive,
// derived from the role's materialized path (e.g. "/root/org-admin/lead"
// yields the path segments as ancestor role names, resolved to IDs via the
// role table — see Role.Path for the convention).
func (r *Resolver) ancestorsOf(ctx context.Context, roleID string) ([]string, error) {
	ids := []string{roleID}
	cur, err := r.role(ctx, roleID)
	if err != nil || cur == nil {
		return ids, err
	}
	for cur.ParentID != nil && *cur.ParentID != "" {
		parentID := *cur.ParentID
		ids = append(ids, parentID)
		cur, err = r.role(ctx, parentID)
		if err != nil || cur == nil {
			break
		}
	}
	return ids, nil
}

// DescendantsOf returns every role whose materialized path is rooted under
// role's path, role itself included.
func (r *Resolver) DescendantsOf(ctx context.Context, roleID string) ([]models.Role, error) {
	root, err := r.role(ctx, roleID)
	if err != nil || root == nil {
		return nil, err
	}
	all, err := r.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Role
	for _, role := range all {
		if role.ID == root.ID || strings.HasPrefix(role.Path, root.Path+"/") {
			out = append(out, role)
		}
	}
	return out, nil
}

// AncestorsOf returns the chain from role up to the root, inclusive, role
// first and root last.
func (r *Resolver) AncestorsOf(ctx context.Context, roleID string) ([]models.Role, error) {
	ids, err := r.ancestorsOf(ctx, roleID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Role, 0, len(ids))
	for _, id := range ids {
		role, err := r.role(ctx, id)
		if err != nil {
			return nil, err
		}
		if role != nil {
			out = append(out, *role)
		}
	}
	return out, nil
}

// RolesAtDepth returns every role whose materialized path has exactly depth
// segments (root is depth 0).
func (r *Resolver) RolesAtDepth(ctx context.Context, depth int) ([]models.Role, error) {
	all, err := r.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Role
	for _, role := range all {
		segments := strings.Count(strings.Trim(role.Path, "/"), "/")
		if role.Path == "/" || role.Path == "" {
			segments = 0
		} else {
			segments++
		}
		if segments == depth {
			out = append(out, role)
		}
	}
	return out, nil
}

// EffectivePermissions returns the full set of permission keys held by
// userID: the union of permissions(r) for every role r assigned to the user
// and every ancestor of r.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID string) (map[string]struct{}, error) {
	if cached, ok := r.permCache.Get(userID); ok && time.Since(cached.fetchedAt) < permissionCacheTTL {
		metrics.RBACCacheHitsTotal.WithLabelValues("user_permissions").Inc()
		return cached.keys, nil
	}
	metrics.RBACCacheMissesTotal.WithLabelValues("user_permissions").Inc()

	roleIDs, err := r.store.UserRoleIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]struct{})
	visited := make(map[string]struct{})
	for _, roleID := range roleIDs {
		chain, err := r.ancestorsOf(ctx, roleID)
		if err != nil {
			return nil, err
		}
		for _, id := range chain {
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			permKeys, err := r.store.RolePermissionKeys(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, k := range permKeys {
				keys[k] = struct{}{}
			}
		}
	}

	r.permCache.Add(userID, cachedPerms{keys: keys, fetchedAt: time.Now()})
	return keys, nil
}

// HasPermission reports whether userID's effective permission set contains
// permission.
func (r *Resolver) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	keys, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := keys[permission]
	return ok, nil
}

// ValidateAcyclic checks that assigning parentID as roleID's parent would
// not introduce a cycle, i.e. roleID must not already be an ancestor of
// parentID. Call before persisting a role-graph mutation.
func (r *Resolver) ValidateAcyclic(ctx context.Context, roleID, parentID string) error {
	if roleID == parentID {
		return ErrCycle
	}
	ancestors, err := r.ancestorsOf(ctx, parentID)
	if err != nil {
		return err
	}
	for _, id := range ancestors {
		if id == roleID {
			return ErrCycle
		}
	}
	return nil
}

// RoleHierarchyValidator enforces that an actor may only grant roles within
// their own subtree (spec's assignment-scope rule).
type RoleHierarchyValidator struct {
	resolver *Resolver
}

// NewRoleHierarchyValidator builds a validator over resolver.
func NewRoleHierarchyValidator(resolver *Resolver) *RoleHierarchyValidator {
	return &RoleHierarchyValidator{resolver: resolver}
}

// CanAssign reports whether actorRoleIDs (the acting user's own roles)
// permit granting targetRoleID: targetRoleID must fall within the
// materialized-path subtree of at least one of the actor's roles.
func (v *RoleHierarchyValidator) CanAssign(ctx context.Context, actorRoleIDs []string, targetRoleID string) error {
	target, err := v.resolver.role(ctx, targetRoleID)
	if err != nil {
		return err
	}
	if target == nil {
		return errkind.New(errkind.RoleAssignmentForbidden, "target role does not exist")
	}
	for _, actorRoleID := range actorRoleIDs {
		actorRole, err := v.resolver.role(ctx, actorRoleID)
		if err != nil || actorRole == nil {
			continue
		}
		if target.ID == actorRole.ID || strings.HasPrefix(target.Path, actorRole.Path+"/") {
			return nil
		}
	}
	return errkind.New(errkind.RoleAssignmentForbidden, "actor may only grant roles within their own role subtree")
}

// CanAssignAudited wraps CanAssign and emits a security audit record for
// both outcomes, the way role-assignment decisions must be auditable per
// spec.
func (v *RoleHierarchyValidator) CanAssignAudited(ctx context.Context, requestID, actorID string, actorRoleIDs []string, targetRoleID string) error {
	err := v.CanAssign(ctx, actorRoleIDs, targetRoleID)
	outcome := "granted"
	msg := "role assignment permitted"
	if err != nil {
		outcome = "denied"
		msg = err.Error()
	}
	audit.LogRoleChange(requestID, actorID, targetRoleID, "role_assigned", outcome, msg)
	return err
}

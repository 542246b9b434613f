package rbac

import (
	"context"
	"testing"

	"github.com/kubilitics/authd/internal/models"
)

// fakeStore is an in-memory Store for testing, independent of any
// repository implementation.
type fakeStore struct {
	roles     map[string]models.Role
	userRoles map[string][]string
	rolePerms map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles:     make(map[string]models.Role),
		userRoles: make(map[string][]string),
		rolePerms: make(map[string][]string),
	}
}

func (s *fakeStore) GetRole(_ context.Context, id string) (*models.Role, error) {
	r, ok := s.roles[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *fakeStore) ListRoles(_ context.Context) ([]models.Role, error) {
	out := make([]models.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) UserRoleIDs(_ context.Context, userID string) ([]string, error) {
	return s.userRoles[userID], nil
}

func (s *fakeStore) RolePermissionKeys(_ context.Context, roleID string) ([]string, error) {
	return s.rolePerms[roleID], nil
}

// buildHierarchy sets up root -> org-admin -> team-lead, each with a
// distinct permission.
func buildHierarchy() *fakeStore {
	s := newFakeStore()
	s.roles["root"] = models.Role{ID: "root", Name: "root", Path: "/root"}
	orgAdminParent := "root"
	s.roles["org-admin"] = models.Role{ID: "org-admin", Name: "org-admin", ParentID: &orgAdminParent, Path: "/root/org-admin"}
	teamLeadParent := "org-admin"
	s.roles["team-lead"] = models.Role{ID: "team-lead", Name: "team-lead", ParentID: &teamLeadParent, Path: "/root/org-admin/team-lead"}

	s.rolePerms["root"] = []string{"system:admin"}
	s.rolePerms["org-admin"] = []string{"org:manage"}
	s.rolePerms["team-lead"] = []string{"team:manage"}
	return s
}

func TestEffectivePermissions_InheritsFromAncestors(t *testing.T) {
	store := buildHierarchy()
	store.userRoles["alice"] = []string{"team-lead"}

	r, err := NewResolver(store, nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	keys, err := r.EffectivePermissions(context.Background(), "alice")
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	for _, want := range []string{"system:admin", "org:manage", "team:manage"} {
		if _, ok := keys[want]; !ok {
			t.Errorf("expected permission %q in effective set, got %v", want, keys)
		}
	}
}

func TestHasPermission(t *testing.T) {
	store := buildHierarchy()
	store.userRoles["bob"] = []string{"org-admin"}

	r, err := NewResolver(store, nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	ok, err := r.HasPermission(context.Background(), "bob", "org:manage")
	if err != nil || !ok {
		t.Errorf("expected bob to have org:manage, got ok=%v err=%v", ok, err)
	}

	ok, err = r.HasPermission(context.Background(), "bob", "team:manage")
	if err != nil || ok {
		t.Errorf("expected bob to lack team:manage (descendant permission), got ok=%v err=%v", ok, err)
	}
}

func TestDescendantsOf(t *testing.T) {
	store := buildHierarchy()
	r, err := NewResolver(store, nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	descendants, err := r.DescendantsOf(context.Background(), "org-admin")
	if err != nil {
		t.Fatalf("DescendantsOf: %v", err)
	}
	if len(descendants) != 2 {
		t.Fatalf("expected 2 descendants (org-admin, team-lead), got %d", len(descendants))
	}
}

func TestValidateAcyclic_RejectsSelfParent(t *testing.T) {
	store := buildHierarchy()
	r, err := NewResolver(store, nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if err := r.ValidateAcyclic(context.Background(), "org-admin", "org-admin"); err != ErrCycle {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}

func TestValidateAcyclic_RejectsDescendantAsParent(t *testing.T) {
	store := buildHierarchy()
	r, err := NewResolver(store, nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	// org-admin becoming a child of its own descendant team-lead is a cycle.
	if err := r.ValidateAcyclic(context.Background(), "org-admin", "team-lead"); err != ErrCycle {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}

func TestRoleHierarchyValidator_CanAssignWithinSubtree(t *testing.T) {
	store := buildHierarchy()
	r, err := NewResolver(store, nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	v := NewRoleHierarchyValidator(r)

	if err := v.CanAssign(context.Background(), []string{"org-admin"}, "team-lead"); err != nil {
		t.Errorf("expected org-admin to grant team-lead, got %v", err)
	}
}

func TestRoleHierarchyValidator_DeniesOutsideSubtree(t *testing.T) {
	store := buildHierarchy()
	other := "root"
	store.roles["sibling"] = models.Role{ID: "sibling", Name: "sibling", ParentID: &other, Path: "/root/sibling"}

	r, err := NewResolver(store, nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	v := NewRoleHierarchyValidator(r)

	if err := v.CanAssign(context.Background(), []string{"org-admin"}, "sibling"); err == nil {
		t.Error("expected org-admin to be forbidden from granting a role outside its subtree")
	}
}

func TestInvalidator_RoleChangedDropsPermissionCache(t *testing.T) {
	store := buildHierarchy()
	store.userRoles["alice"] = []string{"team-lead"}
	inv := NewInvalidator()

	r, err := NewResolver(store, inv)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	ctx := context.Background()
	if _, err := r.EffectivePermissions(ctx, "alice"); err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}

	// Mutate the underlying store directly, then invalidate, and confirm the
	// resolver picks up the change instead of serving the stale cache.
	store.rolePerms["team-lead"] = append(store.rolePerms["team-lead"], "team:delete")
	inv.RoleChanged("team-lead")

	keys, err := r.EffectivePermissions(ctx, "alice")
	if err != nil {
		t.Fatalf("EffectivePermissions after invalidation: %v", err)
	}
	if _, ok := keys["team:delete"]; !ok {
		t.Error("expected newly granted permission to appear after invalidation")
	}
}

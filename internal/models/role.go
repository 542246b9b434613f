package models

import "time"

// Role is a node in the materialized-path role hierarchy. Path is a
// slash-separated ancestry e.g. "/root/org-admin/team-lead" where the role's
// own ID is the final segment; Path "/" is the implicit root.
type Role struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	ParentID  *string   `json:"parentId,omitempty" db:"parent_id"`
	Path      string    `json:"path" db:"path"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
	DeletedAt *time.Time `json:"-" db:"deleted_at"`
}

// IsDeleted reports whether the role has been retired.
func (r *Role) IsDeleted() bool { return r.DeletedAt != nil }

// IsRoot reports whether this is the top of the hierarchy.
func (r *Role) IsRoot() bool { return r.ParentID == nil }

// Permission is a single grantable capability, e.g. "users:write".
type Permission struct {
	ID          string    `json:"id" db:"id"`
	Key         string    `json:"key" db:"key"` // "<resource>:<action>"
	Description string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// RolePermission is a direct (non-transitive) grant of a permission to a role.
type RolePermission struct {
	RoleID       string    `json:"roleId" db:"role_id"`
	PermissionID string    `json:"permissionId" db:"permission_id"`
	GrantedAt    time.Time `json:"grantedAt" db:"granted_at"`
}

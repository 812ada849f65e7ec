package models

import (
	"time"
)

// GroupRole represents a user's role within a specific group
type GroupRole string

const (
	GroupRoleAdmin  GroupRole = "admin"
	GroupRoleMember GroupRole = "member"
)

// GroupMembership represents the many-to-many relationship between users and groups.
// Rows are hard-deleted so the unique (user, group) index can be re-used.
type GroupMembership struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_user_group" json:"user_id"`
	GroupID   uint      `gorm:"not null;uniqueIndex:idx_user_group;index" json:"group_id"`
	Role      GroupRole `gorm:"type:varchar(20);default:'member'" json:"role"`

	// Relationships
	User  User  `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Group Group `gorm:"foreignKey:GroupID" json:"group,omitempty"`
}

package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrJumpDoubleOwner is returned when a jump names both a user and a group owner
var ErrJumpDoubleOwner = errors.New("a jump cannot be owned by both a user and a group")

// JumpScope describes who a jump belongs to
type JumpScope string

const (
	ScopeGlobal   JumpScope = "global"
	ScopePersonal JumpScope = "personal"
	ScopeGroup    JumpScope = "group"
)

// Jump is a named redirect. With neither OwnerID nor OwnerGroupID set it is
// global and visible to everyone, including anonymous requesters.
type Jump struct {
	ID           uint           `gorm:"primarykey" json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	Name         string         `gorm:"not null;index" json:"name"`
	Location     string         `gorm:"not null" json:"location"`
	Title        string         `json:"title"`
	Icon         string         `json:"icon"`
	OwnerID      *uint          `gorm:"index" json:"owner_id"`
	OwnerGroupID *uint          `gorm:"index" json:"owner_group_id"`
	Hits         uint64         `gorm:"not null;default:0" json:"hits"`
	CreatedByID  *uint          `json:"created_by_id"`

	// Relationships
	Owner      *User   `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	OwnerGroup *Group  `gorm:"foreignKey:OwnerGroupID" json:"owner_group,omitempty"`
	Aliases    []Alias `gorm:"foreignKey:JumpID;constraint:OnDelete:CASCADE" json:"aliases,omitempty"`
}

// BeforeSave runs on create and on Save
func (j *Jump) BeforeSave(tx *gorm.DB) error {
	if j.OwnerID != nil && j.OwnerGroupID != nil {
		return ErrJumpDoubleOwner
	}
	return nil
}

// Scope reports whether the jump is global, personal or group-owned
func (j *Jump) Scope() JumpScope {
	switch {
	case j.OwnerID != nil:
		return ScopePersonal
	case j.OwnerGroupID != nil:
		return ScopeGroup
	default:
		return ScopeGlobal
	}
}

// Alias is an alternate name resolving to its parent jump's location
type Alias struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Name      string    `gorm:"not null;index" json:"name"`
	JumpID    uint      `gorm:"not null;index" json:"jump_id"`
}

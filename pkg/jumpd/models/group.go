package models

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrPublicDefaultConflict is returned when a group is flagged public and is
// also a default group for an identity source.
var ErrPublicDefaultConflict = errors.New("a group cannot be both public and a default group")

// Group represents a set of users that can own jumps.
//
// Public groups contain every user; default groups contain every user whose
// Source equals DefaultFor. Membership of both kinds is maintained by the
// reconciler and cannot be edited by hand.
type Group struct {
	ID          uint           `gorm:"primarykey" json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
	Name        string         `gorm:"uniqueIndex;not null" json:"name"`
	Description string         `json:"description"`
	Source      string         `gorm:"type:varchar(64);not null;default:'local'" json:"source"`
	Public      bool           `gorm:"default:false;index" json:"public"`
	DefaultFor  *string        `gorm:"type:varchar(64);index" json:"default_for"`

	// Relationships
	Members []GroupMembership `gorm:"foreignKey:GroupID" json:"members,omitempty"`
	Jumps   []Jump            `gorm:"foreignKey:OwnerGroupID" json:"jumps,omitempty"`
}

// NewGroup builds a group after checking the public/default exclusivity.
// An empty defaultFor means the group is not a default group.
func NewGroup(name, source string, public bool, defaultFor string) (*Group, error) {
	g := &Group{Name: strings.TrimSpace(name), Source: source, Public: public}
	if defaultFor = strings.TrimSpace(defaultFor); defaultFor != "" {
		g.DefaultFor = &defaultFor
	}
	if g.Source == "" {
		g.Source = SourceLocal
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate enforces the model invariants
func (g *Group) Validate() error {
	if g.Name == "" {
		return errors.New("group name is required")
	}
	if g.Public && g.DefaultFor != nil {
		return ErrPublicDefaultConflict
	}
	return nil
}

// BeforeSave runs on create and on Save
func (g *Group) BeforeSave(tx *gorm.DB) error {
	if g.DefaultFor != nil && strings.TrimSpace(*g.DefaultFor) == "" {
		g.DefaultFor = nil
	}
	return g.Validate()
}

// Managed reports whether membership is owned by the reconciler
func (g *Group) Managed() bool {
	return g.Public || g.DefaultFor != nil
}

// IsDefaultFor reports whether users from source are auto-enrolled
func (g *Group) IsDefaultFor(source string) bool {
	return g.DefaultFor != nil && *g.DefaultFor == source
}

package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// SystemRole represents a user's system-wide role
type SystemRole string

const (
	SystemRoleAdmin SystemRole = "admin"
	SystemRoleUser  SystemRole = "user"
)

// Identity source tags. Users created by an OAuth2/OIDC provider carry
// "oauth2/<provider slug>".
const (
	SourceLocal        = "local"
	SourceSCIM         = "scim"
	SourceLDAP         = "ldap"
	SourceOAuth2Prefix = "oauth2/"
)

// OAuth2Source returns the source tag for users ingested from the given provider
func OAuth2Source(providerSlug string) string {
	return SourceOAuth2Prefix + providerSlug
}

// IsOAuth2Source reports whether a source tag names an OAuth2/OIDC provider
func IsOAuth2Source(source string) bool {
	return strings.HasPrefix(source, SourceOAuth2Prefix)
}

// User represents a user in the system
type User struct {
	ID           uint           `gorm:"primarykey" json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	Username     string         `gorm:"uniqueIndex;not null" json:"username"`
	Name         string         `gorm:"not null" json:"name"`
	Email        string         `gorm:"index" json:"email,omitempty"`
	ExternalID   string         `gorm:"index" json:"external_id,omitempty"` // SCIM externalId
	PasswordHash string         `json:"-"`                                  // Empty for users from external sources
	Source       string         `gorm:"type:varchar(64);not null;default:'local';index" json:"source"`
	Active       bool           `gorm:"default:true" json:"active"`
	SystemRole   SystemRole     `gorm:"type:varchar(20);default:'user'" json:"system_role"`

	// Relationships
	GroupMemberships []GroupMembership `gorm:"foreignKey:UserID" json:"group_memberships,omitempty"`
	APIKeys          []APIKey          `gorm:"foreignKey:UserID" json:"api_keys,omitempty"`
	OIDCIdentities   []OIDCIdentity    `gorm:"foreignKey:UserID" json:"oidc_identities,omitempty"`
}

// IsAdmin reports whether the user holds the admin system role
func (u *User) IsAdmin() bool {
	return u != nil && u.SystemRole == SystemRoleAdmin
}

package models

import "time"

// SCIMToken authenticates an identity provider against /scim/v2. Only the
// SHA-256 of the token is kept; revoking a token deletes the row.
type SCIMToken struct {
	ID          uint       `gorm:"primarykey" json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	TokenHash   string     `gorm:"uniqueIndex;not null" json:"-"`
	TokenPrefix string     `gorm:"not null" json:"token_prefix"`
	Description string     `json:"description"`
	LastUsedAt  *time.Time `json:"last_used_at"`
}

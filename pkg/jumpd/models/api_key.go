package models

import "time"

// APIKey lets scripts and browser extensions resolve and manage jumps
// without a login. Only the SHA-256 of the key is stored. Revoked keys are
// hard-deleted.
type APIKey struct {
	ID          uint       `gorm:"primarykey" json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	UserID      uint       `gorm:"not null;index" json:"user_id"`
	KeyHash     string     `gorm:"uniqueIndex;not null" json:"-"`
	KeyPrefix   string     `gorm:"not null" json:"key_prefix"`
	Description string     `json:"description"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	ExpiresAt   *time.Time `gorm:"index" json:"expires_at"`
}

// Expired reports whether the key is past its expiry at now
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

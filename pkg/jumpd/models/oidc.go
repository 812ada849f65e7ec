package models

import "time"

// OIDCProvider is an external identity provider users can sign in through.
// Users it provisions carry the source tag OAuth2Source(Slug).
type OIDCProvider struct {
	ID            uint      `gorm:"primarykey" json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Name          string    `gorm:"uniqueIndex;not null" json:"name"`
	Slug          string    `gorm:"uniqueIndex;not null" json:"slug"` // fixed after creation
	Issuer        string    `gorm:"not null" json:"issuer"`
	ClientID      string    `gorm:"not null" json:"client_id"`
	ClientSecret  string    `gorm:"not null" json:"-"`
	Scopes        string    `gorm:"default:'openid profile email'" json:"scopes"` // space separated
	Enabled       bool      `gorm:"default:true" json:"enabled"`
	AutoProvision bool      `gorm:"default:true" json:"auto_provision"`
}

// OIDCIdentity binds a provider subject to a local user. Signing in again
// with the same (provider, subject) pair finds the same user.
type OIDCIdentity struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	UserID     uint      `gorm:"not null;index" json:"user_id"`
	ProviderID uint      `gorm:"not null;index" json:"provider_id"`
	Subject    string    `gorm:"not null" json:"subject"`

	User     User         `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Provider OIDCProvider `gorm:"foreignKey:ProviderID" json:"provider,omitempty"`
}

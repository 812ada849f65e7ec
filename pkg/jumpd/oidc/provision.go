package oidc

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/events"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrNotProvisioned is returned when a login has no matching user and the
// provider does not auto-provision.
var ErrNotProvisioned = errors.New("user is not provisioned for this provider")

// Identity is the subset of ID token claims used to find or create a user
type Identity struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	PreferredUsername string `json:"preferred_username"`
}

func (id Identity) displayName() string {
	if name := strings.TrimSpace(id.Name); name != "" {
		return name
	}
	if full := strings.TrimSpace(id.GivenName + " " + id.FamilyName); full != "" {
		return full
	}
	return id.usernameBase()
}

var invalidUsernameChars = regexp.MustCompile(`[^a-zA-Z0-9._@-]+`)

// usernameBase picks preferred_username, then the email local part, then the
// subject, with characters outside the username alphabet replaced.
func (id Identity) usernameBase() string {
	for _, candidate := range []string{id.PreferredUsername, strings.Split(id.Email, "@")[0], id.Subject} {
		s := strings.Trim(invalidUsernameChars.ReplaceAllString(candidate, "-"), "-")
		if s != "" {
			return s
		}
	}
	return "user"
}

// availableUsername returns base, or base-2, base-3... when taken
func availableUsername(tx *gorm.DB, base string) (string, error) {
	name := base
	for i := 2; ; i++ {
		var n int64
		if err := tx.Unscoped().Model(&models.User{}).Where("username = ?", name).Count(&n).Error; err != nil {
			return "", err
		}
		if n == 0 && auth.ValidUsername(name) {
			return name, nil
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}

// Provision finds the user linked to (provider, subject). Failing that it
// links an existing user with the same verified email, and failing that
// creates a user with source oauth2/<slug> when the provider auto-provisions.
// New users are announced on hub.
func Provision(db *gorm.DB, hub *events.Hub, provider *models.OIDCProvider, id Identity) (*models.User, error) {
	if id.Subject == "" {
		return nil, errors.New("identity has no subject")
	}

	var identity models.OIDCIdentity
	err := db.Where("provider_id = ? AND subject = ?", provider.ID, id.Subject).First(&identity).Error
	if err == nil {
		var user models.User
		if err := db.First(&user, identity.UserID).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if id.Email != "" && id.EmailVerified {
		var user models.User
		if err := db.Where("email = ?", id.Email).First(&user).Error; err == nil {
			link := models.OIDCIdentity{UserID: user.ID, ProviderID: provider.ID, Subject: id.Subject}
			if err := db.Create(&link).Error; err != nil {
				return nil, err
			}
			log.WithFields(log.Fields{"user_id": user.ID, "provider": provider.Slug}).Info("oidc: linked existing user")
			return &user, nil
		}
	}

	if !provider.AutoProvision {
		return nil, ErrNotProvisioned
	}

	var user models.User
	err = db.Transaction(func(tx *gorm.DB) error {
		username, err := availableUsername(tx, id.usernameBase())
		if err != nil {
			return err
		}
		user = models.User{
			Username:   username,
			Name:       id.displayName(),
			Email:      id.Email,
			Source:     models.OAuth2Source(provider.Slug),
			Active:     true,
			SystemRole: models.SystemRoleUser,
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		return tx.Create(&models.OIDCIdentity{UserID: user.ID, ProviderID: provider.ID, Subject: id.Subject}).Error
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"user_id": user.ID, "username": user.Username, "source": user.Source}).Info("oidc: provisioned user")
	hub.UserCreated(user)
	return &user, nil
}

// Package events carries identity-ingestion notifications to the components
// that react to them.
package events

import (
	"sync"

	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
)

// UserCreatedFunc is called once per newly created or ingested user.
type UserCreatedFunc func(user models.User)

// Hub fans notifications out to subscribers. The zero value is ready to use.
type Hub struct {
	mu          sync.RWMutex
	userCreated []UserCreatedFunc
}

func NewHub() *Hub {
	return &Hub{}
}

// OnUserCreated registers a subscriber.
func (h *Hub) OnUserCreated(fn UserCreatedFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.userCreated = append(h.userCreated, fn)
}

// UserCreated notifies every subscriber synchronously. A panicking subscriber
// is logged and does not stop the others. Safe on a nil Hub.
func (h *Hub) UserCreated(user models.User) {
	if h == nil {
		return
	}
	h.mu.RLock()
	subs := append([]UserCreatedFunc(nil), h.userCreated...)
	h.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{"user_id": user.ID, "panic": r}).Error("user created subscriber panicked")
				}
			}()
			fn(user)
		}()
	}
}

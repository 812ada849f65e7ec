// Package server assembles the jumpd HTTP service from its handlers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/mikepea/jumpd/api/swagger"
	"github.com/mikepea/jumpd/pkg/jumpd/admin"
	"github.com/mikepea/jumpd/pkg/jumpd/apikeys"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/config"
	"github.com/mikepea/jumpd/pkg/jumpd/events"
	"github.com/mikepea/jumpd/pkg/jumpd/groups"
	"github.com/mikepea/jumpd/pkg/jumpd/importexport"
	"github.com/mikepea/jumpd/pkg/jumpd/jumps"
	"github.com/mikepea/jumpd/pkg/jumpd/lookup"
	"github.com/mikepea/jumpd/pkg/jumpd/matcher"
	"github.com/mikepea/jumpd/pkg/jumpd/metadata"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"github.com/mikepea/jumpd/pkg/jumpd/oidc"
	"github.com/mikepea/jumpd/pkg/jumpd/reconcile"
	"github.com/mikepea/jumpd/pkg/jumpd/redirect"
	"github.com/mikepea/jumpd/pkg/jumpd/scim"
	log "github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/gorm"
)

// RequestIDHeader carries the per-request correlation id
const RequestIDHeader = "X-Request-ID"

// Server owns the long-lived components shared by the handlers.
type Server struct {
	cfg        *config.Config
	db         *gorm.DB
	hub        *events.Hub
	reconciler *reconcile.Reconciler
	lookup     *lookup.Service
	refresher  *metadata.Refresher
	engine     *gin.Engine
}

// New wires every component against db. Call Start to begin background
// reconciliation.
func New(cfg *config.Config, db *gorm.DB) *Server {
	auth.Configure(cfg.JWT.Secret, cfg.JWT.Expiry)

	s := &Server{
		cfg:        cfg,
		db:         db,
		hub:        events.NewHub(),
		reconciler: reconcile.New(db, cfg.Reconcile.Interval),
	}
	s.hub.OnUserCreated(s.reconciler.UserCreated)

	s.lookup = lookup.NewService(db, nil, matcher.New(matcher.Options{
		Threshold:     cfg.Matcher.Threshold,
		BestEffort:    cfg.Matcher.BestEffort,
		CaseSensitive: cfg.Matcher.IsCaseSensitive(),
	}))
	if cfg.Metadata.IsEnabled() {
		s.refresher = metadata.NewRefresher(db, metadata.Options{
			Timeout:              cfg.Metadata.Timeout,
			AllowPrivateNetworks: cfg.Metadata.AllowPrivateNetworks,
		})
	}

	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler for the service
func (s *Server) Handler() http.Handler { return s.engine }

// Hub returns the event hub user-creating code publishes to
func (s *Server) Hub() *events.Hub { return s.hub }

// Reconciler returns the membership reconciler
func (s *Server) Reconciler() *reconcile.Reconciler { return s.reconciler }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	db := s.db
	redirectHandler := redirect.NewHandler(s.lookup)
	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"service": "jumpd",
			})
		})

		auth.NewHandler(db, s.hub).RegisterRoutes(api.Group("/auth"))

		combinedAuth := apikeys.CombinedAuthMiddleware(db)

		// Key management needs a logged-in session, not another key.
		apikeys.NewHandler(db).RegisterRoutes(api.Group("", auth.AuthMiddleware(db)))

		protected := api.Group("", combinedAuth)
		jumps.NewHandler(db, s.lookup, s.refresher).RegisterRoutes(protected)
		importexport.NewHandler(db, s.lookup, s.refresher).RegisterRoutes(protected)

		groupsHandler := groups.NewHandler(db, s.reconciler)
		groupsGroup := api.Group("/groups", combinedAuth)
		groupsHandler.RegisterRoutes(groupsGroup)
		groupsHandler.RegisterMemberRoutes(groupsGroup)

		redirectHandler.RegisterAPIRoutes(api.Group("", apikeys.OptionalCombinedAuth(db)))

		adminGroup := api.Group("/admin", combinedAuth, auth.RequireAdmin())
		admin.NewHandler(db, s.reconciler).RegisterRoutes(adminGroup)
		scim.NewTokenHandler(db).RegisterAdminRoutes(adminGroup)

		oidcHandler := oidc.NewHandler(db, s.hub, s.cfg.Server.BaseURL)
		oidcHandler.RegisterRoutes(api.Group("/oidc"))
		oidcHandler.RegisterAdminRoutes(adminGroup.Group("/oidc"))
	}

	// SCIM lives outside /api with its own bearer tokens.
	scimGroup := r.Group("/scim/v2", scim.AuthMiddleware(db))
	scim.NewUserHandler(db, s.hub, s.cfg.Server.BaseURL).RegisterRoutes(scimGroup)

	// Must be last: /:name would otherwise shadow the routes above.
	redirectHandler.RegisterRoutes(r, auth.OptionalAuth(db), apikeys.OptionalCombinedAuth(db))

	return r
}

// Start launches periodic reconciliation when it is enabled
func (s *Server) Start(ctx context.Context) {
	if s.cfg.Reconcile.IsEnabled() {
		s.reconciler.Start(ctx)
	}
}

// Stop waits for background work started by the server
func (s *Server) Stop() {
	s.reconciler.Stop()
	s.refresher.Wait()
}

// ListenAndServe serves until ctx is cancelled, then drains connections for
// up to grace.
func (s *Server) ListenAndServe(ctx context.Context, grace time.Duration) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.Start(ctx)
	defer s.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting jumpd on %s (base URL %s)", srv.Addr, s.cfg.Server.BaseURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// RequestLogger logs each request through logrus and tags it with a request
// id, reusing an inbound X-Request-ID when present.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Set("request_id", id)

		c.Next()

		entry := log.WithFields(log.Fields{
			"request_id": id,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"client_ip":  c.ClientIP(),
		})
		if uid, ok := auth.GetUserID(c); ok {
			entry = entry.WithField("user_id", uid)
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("request")
		case status >= http.StatusBadRequest && status != http.StatusNotFound:
			entry.Warn("request")
		default:
			entry.Debug("request")
		}
	}
}

// EnsureAdmin creates an "admin" user with a random password when no system
// admin exists yet. The password is returned so it can be shown once.
func EnsureAdmin(db *gorm.DB, hub *events.Hub) (created bool, password string, err error) {
	var count int64
	if err := db.Model(&models.User{}).Where("system_role = ?", models.SystemRoleAdmin).Count(&count).Error; err != nil {
		return false, "", err
	}
	if count > 0 {
		return false, "", nil
	}

	password = uuid.NewString()
	if _, err := auth.CreateLocalUser(db, hub, "admin", password, "Admin", "", models.SystemRoleAdmin); err != nil {
		return false, "", fmt.Errorf("creating default admin: %w", err)
	}
	return true, password, nil
}

// Package reconcile keeps public and default group membership in step with
// the user population.
//
// A pass adds every user to each public group, and every user whose source
// matches to each default group. It never removes a membership. At most one
// pass runs at a time; a call that finds a pass in progress returns at once.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultInterval = 10 * time.Minute

// Result summarises one pass.
type Result struct {
	Skipped  bool          `json:"skipped"`
	Groups   int           `json:"groups"`
	Added    int           `json:"added"`
	Failures int           `json:"failures"`
	Duration time.Duration `json:"duration"`
}

type Reconciler struct {
	db       *gorm.DB
	interval time.Duration
	running  atomic.Bool

	loopWG    sync.WaitGroup
	triggerWG sync.WaitGroup
	mu        sync.Mutex
	cancel    context.CancelFunc
	stopped   bool
}

// New returns a reconciler; a non-positive interval uses the default.
func New(db *gorm.DB, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{db: db, interval: interval}
}

// Running reports whether a pass is in progress.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Run performs one pass unless another is in progress. Cancelling ctx does
// not interrupt a pass that has started.
func (r *Reconciler) Run(ctx context.Context) Result {
	if !r.running.CompareAndSwap(false, true) {
		log.Debug("reconcile: pass already running, skipping")
		return Result{Skipped: true}
	}
	defer r.running.Store(false)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	var res Result

	var groups []models.Group
	err := r.db.WithContext(ctx).
		Where("public = ? OR default_for IS NOT NULL", true).
		Order("id").
		Find(&groups).Error
	if err != nil {
		log.WithError(err).Error("reconcile: listing managed groups failed")
		res.Failures++
		res.Duration = time.Since(start)
		return res
	}

	for _, g := range groups {
		added, failures, err := r.reconcileGroup(ctx, g)
		res.Groups++
		res.Added += added
		res.Failures += failures
		if err != nil {
			res.Failures++
			log.WithError(err).WithFields(log.Fields{"group_id": g.ID, "group": g.Name}).Error("reconcile: group failed")
		}
	}

	res.Duration = time.Since(start)
	log.WithFields(log.Fields{
		"groups":   res.Groups,
		"added":    res.Added,
		"failures": res.Failures,
		"duration": res.Duration,
	}).Info("reconcile: pass complete")
	return res
}

func (r *Reconciler) reconcileGroup(ctx context.Context, g models.Group) (added, failures int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	q := r.db.WithContext(ctx).Model(&models.User{}).
		Where("NOT EXISTS (SELECT 1 FROM group_memberships gm WHERE gm.user_id = users.id AND gm.group_id = ?)", g.ID)
	switch {
	case g.Public:
	case g.DefaultFor != nil:
		q = q.Where("source = ?", *g.DefaultFor)
	default:
		return 0, 0, nil
	}

	var userIDs []uint
	if err := q.Order("id").Pluck("id", &userIDs).Error; err != nil {
		return 0, 0, fmt.Errorf("listing missing members: %w", err)
	}

	for _, uid := range userIDs {
		m := models.GroupMembership{UserID: uid, GroupID: g.ID, Role: models.GroupRoleMember}
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
		if res.Error != nil {
			failures++
			log.WithError(res.Error).WithFields(log.Fields{"group_id": g.ID, "user_id": uid}).Warn("reconcile: adding member failed")
			continue
		}
		added += int(res.RowsAffected)
	}
	return added, failures, nil
}

// Start runs a pass now and then on every tick until ctx is done or Stop is
// called.
func (r *Reconciler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.stopped = false
	r.mu.Unlock()

	r.loopWG.Add(1)
	go r.loop(ctx)
	log.Infof("reconcile: started (interval=%s)", r.interval)
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.loopWG.Done()
	r.Run(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Run(ctx)
		}
	}
}

// Stop ends the ticker loop and waits for in-flight passes started by this
// reconciler. Triggers after Stop are ignored until the next Start.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
	r.loopWG.Wait()
	r.triggerWG.Wait()
}

// Trigger starts a pass in the background. Once Stop has been called it does
// nothing.
func (r *Reconciler) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		log.Debug("reconcile: trigger ignored after stop")
		return
	}
	r.triggerWG.Add(1)
	go func() {
		defer r.triggerWG.Done()
		r.Run(context.Background())
	}()
}

// UserCreated is the identity-ingestion subscriber.
func (r *Reconciler) UserCreated(user models.User) {
	log.WithFields(log.Fields{"user_id": user.ID, "source": user.Source}).Debug("reconcile: user created")
	r.Trigger()
}

// Wait blocks until passes started by Trigger have finished.
func (r *Reconciler) Wait() {
	r.triggerWG.Wait()
}

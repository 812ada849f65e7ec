// Package visibility decides which jumps a requester may see.
//
// A jump is visible when it is global, owned by a public group, owned by the
// requester, or owned by a group the requester belongs to. The set form
// (VisibleJumps, Access.Scope) and the predicate form (IsVisible,
// Access.CanSee) are built from the same Access snapshot and always agree.
package visibility

import (
	"context"
	"fmt"
	"sort"

	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"gorm.io/gorm"
)

// Access is the membership snapshot for one requester. A nil UserID is an
// anonymous requester.
type Access struct {
	UserID  *uint
	members map[uint]struct{}
	public  map[uint]struct{}
}

// NewAccess builds a snapshot from already-read membership.
func NewAccess(userID *uint, memberGroupIDs, publicGroupIDs []uint) Access {
	a := Access{
		UserID:  userID,
		members: make(map[uint]struct{}, len(memberGroupIDs)),
		public:  make(map[uint]struct{}, len(publicGroupIDs)),
	}
	if userID != nil {
		for _, id := range memberGroupIDs {
			a.members[id] = struct{}{}
		}
	}
	for _, id := range publicGroupIDs {
		a.public[id] = struct{}{}
	}
	return a
}

// Anonymous reports whether the snapshot has no requester.
func (a Access) Anonymous() bool {
	return a.UserID == nil
}

// IsMember reports whether the requester belongs to the group. Public groups
// grant visibility, not membership.
func (a Access) IsMember(groupID uint) bool {
	_, ok := a.members[groupID]
	return ok
}

// GroupIDs returns every group whose jumps the requester can see, sorted.
func (a Access) GroupIDs() []uint {
	ids := make([]uint, 0, len(a.members)+len(a.public))
	for id := range a.members {
		ids = append(ids, id)
	}
	for id := range a.public {
		if _, dup := a.members[id]; !dup {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CanSee is the single-jump predicate.
func (a Access) CanSee(j *models.Jump) bool {
	if j == nil {
		return false
	}
	switch {
	case j.OwnerID != nil:
		return a.UserID != nil && *j.OwnerID == *a.UserID
	case j.OwnerGroupID != nil:
		if _, ok := a.public[*j.OwnerGroupID]; ok {
			return true
		}
		return a.IsMember(*j.OwnerGroupID)
	default:
		return true
	}
}

// Scope restricts a jumps query to the rows CanSee would accept.
func (a Access) Scope() func(*gorm.DB) *gorm.DB {
	groupIDs := a.GroupIDs()
	return func(db *gorm.DB) *gorm.DB {
		cond := "(jumps.owner_id IS NULL AND jumps.owner_group_id IS NULL)"
		var args []interface{}
		if len(groupIDs) > 0 {
			cond += " OR (jumps.owner_id IS NULL AND jumps.owner_group_id IN ?)"
			args = append(args, groupIDs)
		}
		if a.UserID != nil {
			cond += " OR jumps.owner_id = ?"
			args = append(args, *a.UserID)
		}
		return db.Where("("+cond+")", args...)
	}
}

// Filter keeps the jumps the snapshot can see, preserving order.
func Filter(jumps []models.Jump, a Access) []models.Jump {
	out := make([]models.Jump, 0, len(jumps))
	for i := range jumps {
		if a.CanSee(&jumps[i]) {
			out = append(out, jumps[i])
		}
	}
	return out
}

// Resolver combines the jump table with a membership Directory.
type Resolver struct {
	db  *gorm.DB
	dir Directory
}

// NewResolver returns a resolver; a nil dir reads membership from db.
func NewResolver(db *gorm.DB, dir Directory) *Resolver {
	if dir == nil {
		dir = NewGormDirectory(db)
	}
	return &Resolver{db: db, dir: dir}
}

// Snapshot reads the requester's membership once.
func (r *Resolver) Snapshot(ctx context.Context, requester *uint) (Access, error) {
	public, err := r.dir.PublicGroupIDs(ctx)
	if err != nil {
		return Access{}, fmt.Errorf("reading public groups: %w", err)
	}
	var member []uint
	if requester != nil {
		member, err = r.dir.GroupIDsForUser(ctx, *requester)
		if err != nil {
			return Access{}, fmt.Errorf("reading group membership: %w", err)
		}
	}
	return NewAccess(requester, member, public), nil
}

// Query starts a jumps query limited to what a can see.
func (r *Resolver) Query(ctx context.Context, a Access) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Jump{}).Scopes(a.Scope())
}

// VisibleJumps returns every jump the requester can see, ordered by ID.
func (r *Resolver) VisibleJumps(ctx context.Context, requester *uint) ([]models.Jump, error) {
	a, err := r.Snapshot(ctx, requester)
	if err != nil {
		return nil, err
	}
	var jumps []models.Jump
	if err := r.Query(ctx, a).Order("jumps.id").Find(&jumps).Error; err != nil {
		return nil, err
	}
	return jumps, nil
}

// IsVisible checks one jump without loading the visible set.
func (r *Resolver) IsVisible(ctx context.Context, j *models.Jump, requester *uint) (bool, error) {
	if j == nil {
		return false, nil
	}
	// Personal and global jumps never need a membership read.
	switch j.Scope() {
	case models.ScopeGlobal:
		return true, nil
	case models.ScopePersonal:
		return requester != nil && *j.OwnerID == *requester, nil
	}
	a, err := r.Snapshot(ctx, requester)
	if err != nil {
		return false, err
	}
	return a.CanSee(j), nil
}

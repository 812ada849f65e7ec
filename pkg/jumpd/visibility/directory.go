package visibility

import (
	"context"

	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"gorm.io/gorm"
)

// Directory is the live view of group membership the resolver reads from.
type Directory interface {
	// PublicGroupIDs returns every group whose content is visible to all.
	PublicGroupIDs(ctx context.Context) ([]uint, error)
	// GroupIDsForUser returns the groups the user currently belongs to.
	GroupIDsForUser(ctx context.Context, userID uint) ([]uint, error)
}

// GormDirectory reads membership straight from the database.
type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) PublicGroupIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := d.db.WithContext(ctx).Model(&models.Group{}).
		Where("public = ?", true).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

func (d *GormDirectory) GroupIDsForUser(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := d.db.WithContext(ctx).Model(&models.GroupMembership{}).
		Joins("JOIN groups ON groups.id = group_memberships.group_id AND groups.deleted_at IS NULL").
		Where("group_memberships.user_id = ?", userID).
		Order("group_memberships.group_id").
		Pluck("group_memberships.group_id", &ids).Error
	return ids, err
}

// StaticDirectory is a fixed membership snapshot.
type StaticDirectory struct {
	Public  []uint
	Members map[uint][]uint
}

func (d StaticDirectory) PublicGroupIDs(context.Context) ([]uint, error) {
	return d.Public, nil
}

func (d StaticDirectory) GroupIDsForUser(_ context.Context, userID uint) ([]uint, error) {
	return d.Members[userID], nil
}

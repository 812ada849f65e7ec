package models

import (
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	return db
}

func TestAutoMigrate(t *testing.T) {
	db := setupTestDB(t)

	err := AutoMigrate(db)
	if err != nil {
		t.Fatalf("AutoMigrate failed: %v", err)
	}

	tables := []string{"users", "groups", "group_memberships", "jumps", "aliases", "api_keys"}
	for _, table := range tables {
		if !db.Migrator().HasTable(table) {
			t.Errorf("Expected table %s to exist", table)
		}
	}
}

func TestUserModel(t *testing.T) {
	db := setupTestDB(t)
	AutoMigrate(db)

	user := User{Username: "alice", Name: "Alice", Source: SourceLocal, SystemRole: SystemRoleUser}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if user.ID == 0 {
		t.Error("Expected user ID to be set after create")
	}

	dup := User{Username: "alice", Name: "Another Alice"}
	if err := db.Create(&dup).Error; err == nil {
		t.Error("Expected error when creating user with duplicate username")
	}
}

func TestNewGroupRejectsPublicDefault(t *testing.T) {
	if _, err := NewGroup("everyone", SourceLocal, true, "ldap"); !errors.Is(err, ErrPublicDefaultConflict) {
		t.Fatalf("Expected ErrPublicDefaultConflict, got %v", err)
	}

	g, err := NewGroup("ldap users", SourceLocal, false, "ldap")
	if err != nil {
		t.Fatalf("NewGroup failed: %v", err)
	}
	if !g.Managed() || !g.IsDefaultFor("ldap") {
		t.Error("Expected ldap default group to be managed")
	}

	g, err = NewGroup("team", "", false, "  ")
	if err != nil {
		t.Fatalf("NewGroup failed: %v", err)
	}
	if g.DefaultFor != nil || g.Managed() {
		t.Error("Expected blank default_for to be ignored")
	}
	if g.Source != SourceLocal {
		t.Errorf("Expected source %q, got %q", SourceLocal, g.Source)
	}
}

func TestGroupSaveRejectsPublicDefault(t *testing.T) {
	db := setupTestDB(t)
	AutoMigrate(db)

	ldap := "ldap"
	group := Group{Name: "broken", Public: true, DefaultFor: &ldap}
	if err := db.Create(&group).Error; !errors.Is(err, ErrPublicDefaultConflict) {
		t.Fatalf("Expected ErrPublicDefaultConflict on create, got %v", err)
	}

	group = Group{Name: "ok", Public: true}
	if err := db.Create(&group).Error; err != nil {
		t.Fatalf("Failed to create public group: %v", err)
	}
	group.DefaultFor = &ldap
	if err := db.Save(&group).Error; !errors.Is(err, ErrPublicDefaultConflict) {
		t.Fatalf("Expected ErrPublicDefaultConflict on save, got %v", err)
	}
}

func TestGroupAndMembership(t *testing.T) {
	db := setupTestDB(t)
	AutoMigrate(db)

	user := User{Username: "alice", Name: "Alice"}
	db.Create(&user)
	group := Group{Name: "Test Group", Description: "A test group"}
	db.Create(&group)

	membership := GroupMembership{UserID: user.ID, GroupID: group.ID, Role: GroupRoleAdmin}
	if err := db.Create(&membership).Error; err != nil {
		t.Fatalf("Failed to create membership: %v", err)
	}

	dup := GroupMembership{UserID: user.ID, GroupID: group.ID}
	if err := db.Create(&dup).Error; err == nil {
		t.Error("Expected error when creating duplicate membership")
	}

	var loaded User
	db.Preload("GroupMemberships").First(&loaded, user.ID)
	if len(loaded.GroupMemberships) != 1 {
		t.Errorf("Expected 1 membership, got %d", len(loaded.GroupMemberships))
	}
}

func TestJumpOwnership(t *testing.T) {
	db := setupTestDB(t)
	AutoMigrate(db)

	user := User{Username: "alice", Name: "Alice"}
	db.Create(&user)
	group := Group{Name: "team"}
	db.Create(&group)

	both := Jump{Name: "x", Location: "https://x.example.com", OwnerID: &user.ID, OwnerGroupID: &group.ID}
	if err := db.Create(&both).Error; !errors.Is(err, ErrJumpDoubleOwner) {
		t.Fatalf("Expected ErrJumpDoubleOwner, got %v", err)
	}

	global := Jump{Name: "docs", Location: "https://docs.example.com"}
	personal := Jump{Name: "me", Location: "https://me.example.com", OwnerID: &user.ID}
	shared := Jump{Name: "team", Location: "https://team.example.com", OwnerGroupID: &group.ID}
	for _, j := range []*Jump{&global, &personal, &shared} {
		if err := db.Create(j).Error; err != nil {
			t.Fatalf("Failed to create jump %s: %v", j.Name, err)
		}
	}

	if global.Scope() != ScopeGlobal || personal.Scope() != ScopePersonal || shared.Scope() != ScopeGroup {
		t.Errorf("Unexpected scopes: %s %s %s", global.Scope(), personal.Scope(), shared.Scope())
	}
}

func TestJumpWithAliases(t *testing.T) {
	db := setupTestDB(t)
	AutoMigrate(db)

	jump := Jump{
		Name:     "github",
		Location: "https://github.com",
		Aliases:  []Alias{{Name: "gh"}, {Name: "hub"}},
	}
	if err := db.Create(&jump).Error; err != nil {
		t.Fatalf("Failed to create jump: %v", err)
	}

	var loaded Jump
	db.Preload("Aliases").First(&loaded, jump.ID)
	if len(loaded.Aliases) != 2 {
		t.Errorf("Expected 2 aliases, got %d", len(loaded.Aliases))
	}
}

func TestSourceTags(t *testing.T) {
	if got := OAuth2Source("okta"); got != "oauth2/okta" {
		t.Errorf("Expected oauth2/okta, got %s", got)
	}
	if !IsOAuth2Source("oauth2/okta") || IsOAuth2Source(SourceLocal) {
		t.Error("IsOAuth2Source misclassified a source tag")
	}
}

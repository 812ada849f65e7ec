package database

import (
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Connect initializes the database connection.
// PostgreSQL URLs and keyword DSNs use the postgres driver; anything else is
// treated as a SQLite path.
func Connect(dsn string) error {
	db, err := Open(dsn)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens a connection without touching the package-level handle
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if IsPostgresDSN(dsn) {
		return gorm.Open(postgres.Open(dsn), cfg)
	}
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serialising through one connection
	// avoids SQLITE_BUSY under concurrent hit increments.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// IsPostgresDSN reports whether dsn addresses a PostgreSQL server
func IsPostgresDSN(dsn string) bool {
	d := strings.TrimSpace(dsn)
	return strings.HasPrefix(d, "postgres://") ||
		strings.HasPrefix(d, "postgresql://") ||
		strings.HasPrefix(d, "host=")
}

// GetDB returns the database instance.
func GetDB() *gorm.DB {
	return DB
}

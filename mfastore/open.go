package mfastore

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenSQLite opens (or creates) a SQLite database at path and returns a
// migrated store. ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*GormStore, *gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mfastore: open sqlite: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	s, err := New(db)
	if err != nil {
		return nil, nil, err
	}
	return s, db, nil
}

// OpenPostgres connects with a libpq style DSN and returns a migrated store.
func OpenPostgres(dsn string) (*GormStore, *gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mfastore: open postgres: %w", err)
	}
	s, err := New(db)
	if err != nil {
		return nil, nil, err
	}
	return s, db, nil
}

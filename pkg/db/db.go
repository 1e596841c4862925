// Package db holds the relational models and queries for users,
// repositories, file metadata, quotas, and commit attribution. It supports
// SQLite (default) and PostgreSQL behind the same gorm codebase.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the gorm handle with hub-specific queries.
type Store struct {
	db *gorm.DB
}

// Open connects to the database selected by dbURL and migrates the schema.
// Recognized forms: "sqlite:///abs/path.db", "sqlite://rel/path.db", and
// any "postgres://" DSN.
func Open(dbURL string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// WAL allows concurrent readers with a single writer;
		// busy_timeout bounds lock waits instead of failing fast.
		dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		dialector = postgres.Open(dbURL)
	default:
		return nil, fmt.Errorf("unsupported db_url %q", dbURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying gorm handle for transactions and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

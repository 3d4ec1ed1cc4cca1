// Package store provides the SQLite persistence layer.
// All database operations go through this package.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"gridkeeper/logger"
)

// Store is the unified storage handle
type Store struct {
	db *sql.DB

	// Sub-stores (lazy initialization)
	risk   *RiskStore
	equity *EquityStore

	mu sync.Mutex
}

// New opens (creating if needed) the SQLite database at dbPath
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite tolerates one writer
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("database initialized: %s", dbPath)
	return s, nil
}

// initTables initializes all database tables
func (s *Store) initTables() error {
	if err := s.Risk().initTables(); err != nil {
		return fmt.Errorf("failed to initialize risk tables: %w", err)
	}
	if err := s.Equity().initTables(); err != nil {
		return fmt.Errorf("failed to initialize equity tables: %w", err)
	}
	return nil
}

// Risk gets the risk-state storage
func (s *Store) Risk() *RiskStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.risk == nil {
		s.risk = &RiskStore{db: s.db}
	}
	return s.risk
}

// Equity gets the equity snapshot storage
func (s *Store) Equity() *EquityStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equity == nil {
		s.equity = &EquityStore{db: s.db}
	}
	return s.equity
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Transaction executes fn inside a transaction
func (s *Store) Transaction(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

package store

import (
	"database/sql"
	"fmt"
	"time"

	"gridkeeper/risk"
)

// RiskStore persists exit intents and the global halt state so the guardian
// can reconcile drift after a restart.
type RiskStore struct {
	db *sql.DB
}

func (rs *RiskStore) initTables() error {
	if _, err := rs.db.Exec(`
		CREATE TABLE IF NOT EXISTS risk_intents (
			kind TEXT NOT NULL,
			symbol TEXT NOT NULL,
			price REAL NOT NULL,
			percent REAL NOT NULL,
			set_at DATETIME NOT NULL,
			PRIMARY KEY (kind, symbol)
		)
	`); err != nil {
		return fmt.Errorf("create risk_intents table: %w", err)
	}

	if _, err := rs.db.Exec(`
		CREATE TABLE IF NOT EXISTS risk_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			halted INTEGER NOT NULL DEFAULT 0,
			halt_reason TEXT NOT NULL DEFAULT '',
			halted_at DATETIME,
			peak_equity REAL NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create risk_state table: %w", err)
	}
	return nil
}

// SaveIntents replaces the persisted intent set with the registry's current one
func (rs *RiskStore) SaveIntents(stops, targets map[string]risk.Intent) error {
	tx, err := rs.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save intents: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM risk_intents`); err != nil {
		return fmt.Errorf("clear risk_intents: %w", err)
	}

	insert := func(kind string, intents map[string]risk.Intent) error {
		for symbol, intent := range intents {
			if _, err := tx.Exec(`
				INSERT INTO risk_intents (kind, symbol, price, percent, set_at)
				VALUES (?, ?, ?, ?, ?)
			`, kind, symbol, intent.Price, intent.Percent, intent.SetAt); err != nil {
				return fmt.Errorf("insert %s intent for %s: %w", kind, symbol, err)
			}
		}
		return nil
	}
	if err := insert(string(risk.TriggerStopLoss), stops); err != nil {
		return err
	}
	if err := insert(string(risk.TriggerTakeProfit), targets); err != nil {
		return err
	}

	return tx.Commit()
}

// LoadIntents returns the persisted (stops, targets)
func (rs *RiskStore) LoadIntents() (map[string]risk.Intent, map[string]risk.Intent, error) {
	rows, err := rs.db.Query(`SELECT kind, symbol, price, percent, set_at FROM risk_intents`)
	if err != nil {
		return nil, nil, fmt.Errorf("load risk_intents: %w", err)
	}
	defer rows.Close()

	stops := make(map[string]risk.Intent)
	targets := make(map[string]risk.Intent)
	for rows.Next() {
		var kind, symbol string
		var intent risk.Intent
		if err := rows.Scan(&kind, &symbol, &intent.Price, &intent.Percent, &intent.SetAt); err != nil {
			return nil, nil, fmt.Errorf("scan risk intent: %w", err)
		}
		intent.Symbol = symbol
		switch kind {
		case string(risk.TriggerStopLoss):
			stops[symbol] = intent
		case string(risk.TriggerTakeProfit):
			targets[symbol] = intent
		}
	}
	return stops, targets, rows.Err()
}

// SaveState persists the halt flag and peak equity
func (rs *RiskStore) SaveState(halted bool, reason string, haltedAt time.Time, peakEquity float64) error {
	var at interface{}
	if !haltedAt.IsZero() {
		at = haltedAt
	}
	_, err := rs.db.Exec(`
		INSERT INTO risk_state (id, halted, halt_reason, halted_at, peak_equity, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			halted = excluded.halted,
			halt_reason = excluded.halt_reason,
			halted_at = excluded.halted_at,
			peak_equity = excluded.peak_equity,
			updated_at = excluded.updated_at
	`, boolToInt(halted), reason, at, peakEquity, time.Now())
	if err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}

// LoadState returns the persisted halt flag and peak equity.
// A missing row means a fresh database and returns zero values.
func (rs *RiskStore) LoadState() (halted bool, reason string, haltedAt time.Time, peakEquity float64, err error) {
	var haltedInt int
	var at sql.NullTime
	row := rs.db.QueryRow(`SELECT halted, halt_reason, halted_at, peak_equity FROM risk_state WHERE id = 1`)
	scanErr := row.Scan(&haltedInt, &reason, &at, &peakEquity)
	if scanErr == sql.ErrNoRows {
		return false, "", time.Time{}, 0, nil
	}
	if scanErr != nil {
		return false, "", time.Time{}, 0, fmt.Errorf("load risk state: %w", scanErr)
	}
	if at.Valid {
		haltedAt = at.Time
	}
	return haltedInt != 0, reason, haltedAt, peakEquity, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

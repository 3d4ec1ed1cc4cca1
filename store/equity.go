package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EquitySnapshot is one end-of-tick equity record, at most one per UTC day
type EquitySnapshot struct {
	Date          string    `json:"date"` // YYYY-MM-DD, UTC
	Equity        float64   `json:"equity"`
	Cash          float64   `json:"cash"`
	TotalValue    float64   `json:"total_value"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	DailyPnL      float64   `json:"daily_pnl"`
	CreatedAt     time.Time `json:"created_at"`
}

// EquityStore persists daily equity snapshots
type EquityStore struct {
	db *sql.DB
}

func (es *EquityStore) initTables() error {
	if _, err := es.db.Exec(`
		CREATE TABLE IF NOT EXISTS equity_snapshots (
			date TEXT PRIMARY KEY,
			equity REAL NOT NULL,
			cash REAL NOT NULL,
			total_value REAL NOT NULL,
			unrealized_pnl REAL NOT NULL,
			daily_pnl REAL NOT NULL,
			created_at DATETIME NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create equity_snapshots table: %w", err)
	}
	return nil
}

// SaveDaily records one snapshot for its date. Idempotent: a second write on
// the same date is ignored.
func (es *EquityStore) SaveDaily(snap EquitySnapshot) (bool, error) {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	res, err := es.db.Exec(`
		INSERT OR IGNORE INTO equity_snapshots
			(date, equity, cash, total_value, unrealized_pnl, daily_pnl, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, snap.Date, snap.Equity, snap.Cash, snap.TotalValue, snap.UnrealizedPnL, snap.DailyPnL, snap.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("save equity snapshot %s: %w", snap.Date, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Latest returns up to limit snapshots, newest first
func (es *EquityStore) Latest(limit int) ([]EquitySnapshot, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := es.db.Query(`
		SELECT date, equity, cash, total_value, unrealized_pnl, daily_pnl, created_at
		FROM equity_snapshots
		ORDER BY date DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load equity snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []EquitySnapshot
	for rows.Next() {
		var s EquitySnapshot
		if err := rows.Scan(&s.Date, &s.Equity, &s.Cash, &s.TotalValue, &s.UnrealizedPnL, &s.DailyPnL, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan equity snapshot: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// LastEquityBefore returns the most recent snapshot equity strictly before
// date, used as the daily P&L anchor. ok is false on a fresh database.
func (es *EquityStore) LastEquityBefore(date string) (float64, bool, error) {
	var equity float64
	row := es.db.QueryRow(`
		SELECT equity FROM equity_snapshots WHERE date < ? ORDER BY date DESC LIMIT 1
	`, date)
	err := row.Scan(&equity)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load last equity: %w", err)
	}
	return equity, true, nil
}

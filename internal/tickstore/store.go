// Package tickstore is the durable latest-snapshot store for ticks, OHLC bars,
// indicators and signals. It is the sole owner of all persisted snapshot state
// (spec §3 Ownership): every other subsystem rebuilds its working set from
// here on restart rather than holding state of its own.
package tickstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/amitsajwan/trading-ai-sub002/internal/database"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	instrument TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_kind_instrument ON snapshots(kind, instrument);

CREATE TABLE IF NOT EXISTS signal_index (
	signal_id  TEXT PRIMARY KEY,
	instrument TEXT NOT NULL,
	status     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signal_index_instrument_status ON signal_index(instrument, status);
`

// Store is the durable key-value snapshot store. Keys/values are addressed by
// (kind, instrument, timeframe) as laid out in spec §6.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// Open creates (or reuses) the snapshots table on db and returns a Store.
func Open(db *database.DB, log zerolog.Logger) (*Store, error) {
	if err := db.Migrate(schema); err != nil {
		return nil, fmt.Errorf("tickstore: migrate: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "tickstore").Logger()}, nil
}

// Put writes the last-writer-wins value for key, tagged with kind and
// instrument for range queries (e.g. pending-signal scans).
func (s *Store) Put(key, kind, instrument string, value any) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("tickstore: marshal %s: %w", key, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots(key, kind, instrument, value, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, kind, instrument, string(buf),
	)
	if err != nil {
		return fmt.Errorf("tickstore: put %s: %w", key, err)
	}
	return nil
}

// Get reads the value at key into dst. Returns (false, nil) if key is absent.
func (s *Store) Get(key string, dst any) (bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM snapshots WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("tickstore: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("tickstore: unmarshal %s: %w", key, err)
	}
	return true, nil
}

// ScanKind returns every stored value whose kind matches, optionally filtered
// to one instrument (pass "" for all instruments). Used to rebuild working
// sets (e.g. SignalMonitor's in-memory index) on startup.
func (s *Store) ScanKind(kind, instrument string, newDst func() any) ([]any, error) {
	var rows *sql.Rows
	var err error
	if instrument == "" {
		rows, err = s.db.Query(`SELECT value FROM snapshots WHERE kind = ?`, kind)
	} else {
		rows, err = s.db.Query(`SELECT value FROM snapshots WHERE kind = ? AND instrument = ?`, kind, instrument)
	}
	if err != nil {
		return nil, fmt.Errorf("tickstore: scan %s: %w", kind, err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("tickstore: scan row %s: %w", kind, err)
		}
		dst := newDst()
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return nil, fmt.Errorf("tickstore: unmarshal scan row %s: %w", kind, err)
		}
		out = append(out, dst)
	}
	return out, rows.Err()
}

// IndexSignal upserts the (signal_id, instrument, status) index row used by
// signals:pending:{instrument}-style lookups.
func (s *Store) IndexSignal(signalID, instrument, status string) error {
	_, err := s.db.Exec(
		`INSERT INTO signal_index(signal_id, instrument, status) VALUES (?, ?, ?)
		 ON CONFLICT(signal_id) DO UPDATE SET status = excluded.status`,
		signalID, instrument, status,
	)
	if err != nil {
		return fmt.Errorf("tickstore: index signal %s: %w", signalID, err)
	}
	return nil
}

// PendingSignalIDs returns signal IDs currently indexed as PENDING for instrument.
func (s *Store) PendingSignalIDs(instrument string) ([]string, error) {
	rows, err := s.db.Query(`SELECT signal_id FROM signal_index WHERE instrument = ? AND status = 'PENDING'`, instrument)
	if err != nil {
		return nil, fmt.Errorf("tickstore: pending signals %s: %w", instrument, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Key layout helpers, matching spec §6 "TickStore key layout" verbatim.

func TickKey(instrument string) string { return fmt.Sprintf("tick:%s:latest", instrument) }

func OHLCCurrentKey(instrument, tf string) string {
	return fmt.Sprintf("ohlc:%s:%s:current", instrument, tf)
}

func OHLCBucketKey(instrument, tf, bucket string) string {
	return fmt.Sprintf("ohlc:%s:%s:%s", instrument, tf, bucket)
}

func IndicatorsKey(instrument, tf string) string {
	return fmt.Sprintf("indicators:%s:%s:latest", instrument, tf)
}

func SignalKey(signalID string) string { return fmt.Sprintf("signal:%s", signalID) }

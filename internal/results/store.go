// Package results keeps an archive of what was exported, so a past session's
// numbers can still be looked up after the meter was reset.
package results

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"sleepywoodpecker/rp-noise-meter/internal/export"
)

const DEFAULT_LIST_LIMIT = 50

type Entry struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Format    export.Format `json:"format"`
	Record    export.Record `json:"record"`
	Count     int64         `json:"count"`
	CreatedAt time.Time     `json:"created_at"`
}

type Store struct {
	db         *sql.DB
	maxEntries int
	logger     *zap.Logger
	closeOnce  sync.Once
}

// New opens (or creates) the archive at dbPath. maxEntries <= 0 keeps
// everything.
func New(dbPath string, maxEntries int, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// modernc.org/sqlite takes PRAGMAs as statements, not DSN parameters
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, maxEntries: maxEntries, logger: logger}, nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS exports (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		format TEXT NOT NULL,
		min_value TEXT NOT NULL,
		avg_value TEXT NOT NULL,
		max_value TEXT NOT NULL,
		current_value TEXT NOT NULL,
		peak_value TEXT NOT NULL DEFAULT '',
		sample_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_exports_created_at ON exports(created_at)`)
	return err
}

// Save records an export and trims the archive to its size limit.
func (s *Store) Save(sessionID string, f export.Format, r export.Record, count int64) (Entry, error) {
	e := Entry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Format:    f,
		Record:    r,
		Count:     count,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO exports (id, session_id, format, min_value, avg_value, max_value,
			current_value, peak_value, sample_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, string(e.Format), r.Min, r.Avg, r.Max, r.Current, r.Peak, e.Count, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert export: %w", err)
	}

	s.trim()
	return e, nil
}

// List returns the newest entries first.
func (s *Store) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DEFAULT_LIST_LIMIT
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, format, min_value, avg_value, max_value,
			current_value, peak_value, sample_count, created_at
		FROM exports ORDER BY rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query exports: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var format string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.SessionID, &format, &e.Record.Min, &e.Record.Avg, &e.Record.Max,
			&e.Record.Current, &e.Record.Peak, &e.Count, &createdAt); err != nil {
			return nil, fmt.Errorf("scan export: %w", err)
		}
		e.Format = export.Format(format)
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) trim() {
	if s.maxEntries <= 0 {
		return
	}
	res, err := s.db.Exec(
		`DELETE FROM exports WHERE id NOT IN (
			SELECT id FROM exports ORDER BY rowid DESC LIMIT ?
		)`, s.maxEntries)
	if err != nil {
		s.logger.Warn("[results] trim failed", zap.Error(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("[results] trimmed archive", zap.Int64("removed", n), zap.Int("max", s.maxEntries))
	}
}

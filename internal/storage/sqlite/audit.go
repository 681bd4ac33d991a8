// Package sqlite persists the engine's retirement audit trail: the
// last-state snapshot of every retired track. The engine never reads
// this data back; it exists for collaborators and offline analysis.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/Galanafai/Hivemind/internal/tracking"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AuditStore records retired-track snapshots in a local SQLite
// database.
type AuditStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path and runs
// pending migrations.
func Open(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &AuditStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// RetiredTrack is one row of the audit trail.
type RetiredTrack struct {
	CanonicalID  string  `json:"canonical_id"`
	Class        string  `json:"class"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	Alt          float64 `json:"alt"`
	PositionCov  string  `json:"position_cov"` // JSON-encoded [9]float64
	Aliases      string  `json:"aliases"`      // JSON-encoded []string
	Agents       string  `json:"agents"`       // JSON-encoded []string
	LastUpdateMs int64   `json:"last_update_ms"`
	Reason       string  `json:"reason"`
	RetiredAtMs  int64   `json:"retired_at_ms"`
}

// SaveRetired implements tracking.AuditSink.
func (s *AuditStore) SaveRetired(snap tracking.Snapshot, reason string) error {
	cov, err := json.Marshal(snap.PositionCov)
	if err != nil {
		return fmt.Errorf("encode covariance: %w", err)
	}
	aliases, err := json.Marshal(snap.Aliases)
	if err != nil {
		return fmt.Errorf("encode aliases: %w", err)
	}
	agents, err := json.Marshal(snap.Agents)
	if err != nil {
		return fmt.Errorf("encode agents: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO retired_tracks (
			canonical_id, class, lat, lon, alt,
			position_cov, aliases, agents, last_update_ms, reason, retired_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.CanonicalID, snap.Class,
		snap.Position.Lat, snap.Position.Lon, snap.Position.Alt,
		string(cov), string(aliases), string(agents),
		snap.LastUpdateMs, reason, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert retired track: %w", err)
	}
	return nil
}

// ListRetired returns the most recent retirements, newest first.
func (s *AuditStore) ListRetired(limit int) ([]RetiredTrack, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT canonical_id, class, lat, lon, alt,
		       position_cov, aliases, agents, last_update_ms, reason, retired_at_ms
		FROM retired_tracks
		ORDER BY retired_at_ms DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query retired tracks: %w", err)
	}
	defer rows.Close()

	var out []RetiredTrack
	for rows.Next() {
		var rt RetiredTrack
		if err := rows.Scan(
			&rt.CanonicalID, &rt.Class, &rt.Lat, &rt.Lon, &rt.Alt,
			&rt.PositionCov, &rt.Aliases, &rt.Agents,
			&rt.LastUpdateMs, &rt.Reason, &rt.RetiredAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan retired track: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// Count returns the total number of audited retirements.
func (s *AuditStore) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM retired_tracks`).Scan(&n)
	return n, err
}

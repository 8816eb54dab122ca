package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// Prediction is one served prediction as it is logged.
type Prediction struct {
	ID         string             `json:"id"`
	RequestID  string             `json:"request_id,omitempty"`
	Source     string             `json:"source"`
	Label      string             `json:"label"`
	Confidence *float64           `json:"confidence"`
	Degraded   bool               `json:"degraded"`
	Features   map[string]float64 `json:"features"`
	CreatedAt  time.Time          `json:"created_at"`
}

// LoadEvent records the outcome of loading one artifact at startup.
type LoadEvent struct {
	ID       string    `json:"id"`
	Artifact string    `json:"artifact"`
	Path     string    `json:"path"`
	State    string    `json:"state"`
	Error    string    `json:"error,omitempty"`
	LoadedAt time.Time `json:"loaded_at"`
}

// LabelCount is the number of logged predictions for one label.
type LabelCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// Store persists predictions and artifact load events in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the database at path. ":memory:"
// gives a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is its own database.
		database.SetMaxOpenConns(1)
	} else {
		database.SetMaxOpenConns(10)
		database.SetMaxIdleConns(5)
		database.SetConnMaxLifetime(time.Hour)
	}

	s := &Store{db: database}
	if err := s.createTables(); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS predictions (
            id TEXT PRIMARY KEY,
            request_id TEXT,
            source TEXT NOT NULL,
            label TEXT NOT NULL,
            confidence REAL,
            degraded INTEGER NOT NULL DEFAULT 0,
            features TEXT NOT NULL,
            created_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS artifact_loads (
            id TEXT PRIMARY KEY,
            artifact TEXT NOT NULL,
            path TEXT NOT NULL,
            state TEXT NOT NULL,
            error TEXT,
            loaded_at INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_label ON predictions(label)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("exec query failed: %w", err)
		}
	}
	return nil
}

// SavePredictions writes a batch in one transaction. Records without an ID
// or timestamp get one.
func (s *Store) SavePredictions(ctx context.Context, batch []Prediction) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO predictions
        (id, request_id, source, label, confidence, degraded, features, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range batch {
		p := &batch[i]
		if p.ID == "" {
			p.ID = ulid.Make().String()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
		features, err := json.Marshal(p.Features)
		if err != nil {
			return fmt.Errorf("encode features: %w", err)
		}
		var confidence sql.NullFloat64
		if p.Confidence != nil {
			confidence = sql.NullFloat64{Float64: *p.Confidence, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.RequestID, p.Source, p.Label, confidence,
			p.Degraded, string(features), p.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert prediction: %w", err)
		}
	}
	return tx.Commit()
}

// RecentPredictions returns up to limit predictions, newest first.
func (s *Store) RecentPredictions(ctx context.Context, limit int) ([]Prediction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, request_id, source, label, confidence, degraded, features, created_at
        FROM predictions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Prediction
	for rows.Next() {
		var (
			p          Prediction
			requestID  sql.NullString
			confidence sql.NullFloat64
			features   string
			createdAt  int64
		)
		if err := rows.Scan(&p.ID, &requestID, &p.Source, &p.Label, &confidence, &p.Degraded, &features, &createdAt); err != nil {
			return nil, err
		}
		p.RequestID = requestID.String
		if confidence.Valid {
			c := confidence.Float64
			p.Confidence = &c
		}
		if err := json.Unmarshal([]byte(features), &p.Features); err != nil {
			return nil, fmt.Errorf("decode features of %s: %w", p.ID, err)
		}
		p.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// LabelCounts aggregates logged predictions per label.
func (s *Store) LabelCounts(ctx context.Context) ([]LabelCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label, COUNT(*) FROM predictions GROUP BY label ORDER BY label`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LabelCount
	for rows.Next() {
		var c LabelCount
		if err := rows.Scan(&c.Label, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SaveLoadEvents(ctx context.Context, events []LoadEvent) error {
	var errs []error
	for _, e := range events {
		if e.ID == "" {
			e.ID = ulid.Make().String()
		}
		if e.LoadedAt.IsZero() {
			e.LoadedAt = time.Now()
		}
		_, err := s.db.ExecContext(ctx, `INSERT INTO artifact_loads (id, artifact, path, state, error, loaded_at)
            VALUES (?, ?, ?, ?, ?, ?)`, e.ID, e.Artifact, e.Path, e.State, e.Error, e.LoadedAt.UnixMilli())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Artifact, err))
		}
	}
	return errors.Join(errs...)
}

// LoadEvents returns the recorded load events, newest first.
func (s *Store) LoadEvents(ctx context.Context, limit int) ([]LoadEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, artifact, path, state, error, loaded_at
        FROM artifact_loads ORDER BY loaded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoadEvent
	for rows.Next() {
		var (
			e        LoadEvent
			errText  sql.NullString
			loadedAt int64
		)
		if err := rows.Scan(&e.ID, &e.Artifact, &e.Path, &e.State, &errText, &loadedAt); err != nil {
			return nil, err
		}
		e.Error = errText.String
		e.LoadedAt = time.UnixMilli(loadedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

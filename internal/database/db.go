package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Alias1177/leadscore/models"
)

// DB represents a database connection
type DB struct {
	*sql.DB
}

// ConnectionParams holds PostgreSQL connection parameters
type ConnectionParams struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN builds the lib/pq connection string.
func (p ConnectionParams) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}

// New creates a new database connection
func New(ctx context.Context, params ConnectionParams) (*DB, error) {
	db, err := sql.Open("postgres", params.DSN())
	if err != nil {
		return nil, err
	}

	// Check connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	// Create tables if they don't exist
	if err := createTables(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// createTables creates the necessary tables if they don't exist
func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS prediction_cache (
			subject_id TEXT PRIMARY KEY,
			result JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating prediction_cache: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS prediction_cache_expires_at_idx
		ON prediction_cache (expires_at)
	`)
	return err
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Get returns the live cache entry for a subject, or nil when absent or expired.
func (db *DB) Get(ctx context.Context, subjectID string) (*models.CacheEntry, error) {
	var raw []byte
	var expiresAt time.Time

	err := db.QueryRowContext(ctx, `
		SELECT result, expires_at
		FROM prediction_cache
		WHERE subject_id = $1 AND expires_at > NOW()
	`, subjectID).Scan(&raw, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)
	}

	entry := &models.CacheEntry{SubjectID: subjectID, ExpiresAt: expiresAt}
	if err := json.Unmarshal(raw, &entry.Result); err != nil {
		return nil, fmt.Errorf("decoding cached result for %s: %w", subjectID, err)
	}
	return entry, nil
}

// Set upserts a subject's prediction with the given time-to-live.
func (db *DB) Set(ctx context.Context, result models.PredictionResult, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO prediction_cache (subject_id, result, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (subject_id)
		DO UPDATE SET
			result = EXCLUDED.result,
			expires_at = EXCLUDED.expires_at
	`, result.SubjectID, raw, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)
	}
	return nil
}

// Delete invalidates a subject's cached prediction.
func (db *DB) Delete(ctx context.Context, subjectID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM prediction_cache WHERE subject_id = $1`, subjectID)
	return err
}

// Clear removes every cached prediction.
func (db *DB) Clear(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `TRUNCATE prediction_cache`)
	return err
}

// Len counts live cache entries.
func (db *DB) Len(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM prediction_cache WHERE expires_at > NOW()
	`).Scan(&n)
	return n, err
}

// PurgeExpired deletes expired rows and reports how many were removed.
func (db *DB) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM prediction_cache WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/poiesic/passim/core"
)

// PoolConfig configures the sql.DB connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns pool settings suited to a single retrieval process.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *slog.Logger
}

// Open creates a new database connection pool and verifies it with a ping.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := NewDB(sqlDB)
	db.logger.Info("database connection established")
	return db, nil
}

// NewDB wraps an already opened pool.
func NewDB(sqlDB *sql.DB) *DB {
	return &DB{
		DB:     sqlDB,
		logger: slog.Default().With("component", "postgres"),
	}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// InitSchema installs the pgvector extension and the manifest catalog.
// Per-corpus tables are created by CreateCorpus.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS corpus_manifests (
			name TEXT PRIMARY KEY,
			embedding_model TEXT NOT NULL,
			dimensions INTEGER NOT NULL DEFAULT 0,
			sentence_count INTEGER NOT NULL DEFAULT 0,
			sealed BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			sealed_at TIMESTAMPTZ
		);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	db.logger.Info("database schema initialized")
	return nil
}

const manifestColumns = `name, embedding_model, dimensions, sentence_count, sealed, created_at, sealed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (*core.Manifest, error) {
	var m core.Manifest
	var sealedAt sql.NullTime
	if err := row.Scan(&m.Name, &m.EmbeddingModel, &m.Dimensions, &m.SentenceCount, &m.Sealed, &m.CreatedAt, &sealedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if sealedAt.Valid {
		m.SealedAt = sealedAt.Time.UTC()
	}
	return &m, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loadManifest returns nil, nil if the corpus has no manifest.
func loadManifest(ctx context.Context, q querier, corpus string, forUpdate bool) (*core.Manifest, error) {
	query := `SELECT ` + manifestColumns + ` FROM corpus_manifests WHERE name = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	m, err := scanManifest(q.QueryRowContext(ctx, query, corpus))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// LoadManifest retrieves the manifest for a corpus.
// Returns nil, nil if no manifest exists.
func (db *DB) LoadManifest(ctx context.Context, corpus string) (*core.Manifest, error) {
	return loadManifest(ctx, db.DB, corpus, false)
}

// ListManifests returns every corpus manifest ordered by name.
func (db *DB) ListManifests(ctx context.Context) ([]*core.Manifest, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+manifestColumns+` FROM corpus_manifests ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []*core.Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

// inTx executes fn within a transaction.
// Commits if fn succeeds, rolls back on error.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error("failed to rollback transaction", "error", rbErr, "original_error", err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

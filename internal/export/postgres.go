// Package export writes per-block feature vectors to PostgreSQL with the
// pgvector extension, so blocks of many videos can be searched in SQL.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"github.com/keagan/vsrep/internal/kernels"
)

// Dimensions is the width of the stored embedding
var Dimensions = kernels.Default().Len()

// Row is one exported feature block
type Row struct {
	ContentHash  string
	Source       string
	BlockSeconds float64
	BlockIndex   int
	StartSeconds float64
	Embedding    []float32
}

// Neighbor is a stored block and its L2 distance to a probe vector
type Neighbor struct {
	Row
	Distance float64
}

// PostgresExporter manages interaction with PostgreSQL
type PostgresExporter struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresExporter connects to connString and verifies the connection
func NewPostgresExporter(ctx context.Context, logger zerolog.Logger, connString string) (*PostgresExporter, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresExporter{
		pool:   pool,
		logger: logger.With().Str("component", "export").Logger(),
	}, nil
}

// Close closes the database connection
func (e *PostgresExporter) Close() error {
	if e.pool != nil {
		e.pool.Close()
	}
	return nil
}

// InitSchema creates the vector extension and the features table if they
// don't exist
func (e *PostgresExporter) InitSchema(ctx context.Context) error {
	if _, err := e.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err := e.pool.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS video_features (
            id SERIAL PRIMARY KEY,
            content_hash VARCHAR(64) NOT NULL,
            source TEXT NOT NULL,
            block_seconds DOUBLE PRECISION NOT NULL,
            block_index INTEGER NOT NULL,
            start_seconds DOUBLE PRECISION NOT NULL,
            embedding vector(%d) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(content_hash, block_seconds, block_index)
        );

        CREATE INDEX IF NOT EXISTS idx_video_features_hash ON video_features(content_hash);
    `, Dimensions))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}
	return nil
}

// Export upserts one row per block of t in a single transaction
func (e *PostgresExporter) Export(ctx context.Context, hash, source string, block float64, t *tensor.Dense) error {
	if hash == "" {
		return fmt.Errorf("cannot export %s without a content hash", source)
	}
	rows, err := Rows(hash, source, block, t)
	if err != nil {
		return err
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
            INSERT INTO video_features
            (content_hash, source, block_seconds, block_index, start_seconds, embedding, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
            ON CONFLICT (content_hash, block_seconds, block_index)
            DO UPDATE SET source = EXCLUDED.source, embedding = EXCLUDED.embedding`,
			r.ContentHash, r.Source, r.BlockSeconds, r.BlockIndex, r.StartSeconds,
			pgvector.NewVector(r.Embedding), now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store features: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit features: %w", err)
	}

	e.logger.Info().
		Str("source", source).
		Str("sha256", hash).
		Int("blocks", len(rows)).
		Msg("exported features")
	return nil
}

// Nearest returns up to limit stored blocks closest to vec by L2 distance
func (e *PostgresExporter) Nearest(ctx context.Context, vec []float32, limit int) ([]Neighbor, error) {
	if len(vec) != Dimensions {
		return nil, fmt.Errorf("probe has %d dimensions, want %d", len(vec), Dimensions)
	}

	rows, err := e.pool.Query(ctx, `
        SELECT content_hash, source, block_seconds, block_index, start_seconds,
            embedding, embedding <-> $1 AS distance
        FROM video_features
        ORDER BY embedding <-> $1
        LIMIT $2`,
		pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search features: %w", err)
	}
	defer rows.Close()

	var results []Neighbor
	for rows.Next() {
		var n Neighbor
		var emb pgvector.Vector
		if err := rows.Scan(&n.ContentHash, &n.Source, &n.BlockSeconds, &n.BlockIndex,
			&n.StartSeconds, &emb, &n.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		n.Embedding = emb.Slice()
		results = append(results, n)
	}
	return results, rows.Err()
}

// Rows splits a (blocks x Dimensions) feature tensor into export rows
func Rows(hash, source string, block float64, t *tensor.Dense) ([]Row, error) {
	shape := t.Shape()
	if shape.Dims() != 2 || shape[1] != Dimensions {
		return nil, fmt.Errorf("expected a (blocks x %d) feature tensor, got shape %v", Dimensions, shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 features, got %v", t.Dtype())
	}

	rows := make([]Row, shape[0])
	for i := range rows {
		rows[i] = Row{
			ContentHash:  hash,
			Source:       source,
			BlockSeconds: block,
			BlockIndex:   i,
			StartSeconds: float64(i) * block,
			Embedding:    data[i*Dimensions : (i+1)*Dimensions],
		}
	}
	return rows, nil
}

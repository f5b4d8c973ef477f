// Package store implements the Unified Store Adapter: a single
// PostgreSQL+pgvector table holding every point type (schema/data/graph/
// knowledge), discriminated by a point_type column, with a JSONB payload
// and payload-derived indexes.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlPoints returns the unified points table DDL with the embedding
// dimension and HNSW parameters baked into the statement text, since DDL
// cannot take bind parameters.
func ddlPoints(cfg Config) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS points (
    id             TEXT         PRIMARY KEY,
    point_type     TEXT         NOT NULL,
    embedding      vector(%d),
    payload        JSONB        NOT NULL DEFAULT '{}',
    sync_timestamp TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_points_point_type ON points (point_type);

CREATE INDEX IF NOT EXISTS idx_points_embedding
    ON points USING hnsw (embedding vector_cosine_ops)
    WITH (m = %d, ef_construction = %d);

CREATE INDEX IF NOT EXISTS idx_points_model_name  ON points ((payload->>'model_name'));
CREATE INDEX IF NOT EXISTS idx_points_model_id    ON points (((payload->>'model_id')::bigint));
CREATE INDEX IF NOT EXISTS idx_points_record_id   ON points (((payload->>'record_id')::bigint));
CREATE INDEX IF NOT EXISTS idx_points_field_id     ON points (((payload->>'field_id')::bigint));
CREATE INDEX IF NOT EXISTS idx_points_field_name  ON points ((payload->>'field_name'));
CREATE INDEX IF NOT EXISTS idx_points_point_id    ON points ((payload->>'point_id'));
`, cfg.Dimensions, cfg.HNSWM, cfg.HNSWEfConstruct)
}

// universalIndexedFields are the payload keys the adapter always indexes at
// collection creation, independent of any model-specific dynamic index
// registration.
var universalIndexedFields = []string{
	"point_type", "model_name", "model_id", "record_id", "field_id", "field_name", "point_id",
}

// Migrate creates the points table, its extension, and its universal
// indexes if they do not already exist. Idempotent and safe to call on
// every process start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg Config) error {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1024
	}
	if cfg.HNSWM <= 0 {
		cfg.HNSWM = 16
	}
	if cfg.HNSWEfConstruct <= 0 {
		cfg.HNSWEfConstruct = 64
	}
	if _, err := pool.Exec(ctx, ddlPoints(cfg)); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

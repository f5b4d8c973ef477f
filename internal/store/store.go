package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store is the Unified Store Adapter: a single [pgxpool.Pool] against
// the one physical "points" table that houses every point type,
// discriminated by the point_type column.
//
// All methods are safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
}

// Config tunes collection-level knobs fixed at creation time.
type Config struct {
	Dimensions int // vector dimension D, default 1024

	// HNSW index parameters, applied only when the index is first created.
	HNSWM           int // default 16
	HNSWEfConstruct int // default 64
}

// NewStore opens a pool against dsn, registers pgvector types on every
// connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string, cfg Config) (*Store, error) {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1024
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, cfg); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool, dimensions: cfg.Dimensions}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Upsert writes points in one statement per point, inside a transaction so
// the whole batch becomes visible atomically: by the time Upsert returns,
// every subsequent Scroll/Count in this process observes the write.
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO points (id, point_type, embedding, payload, sync_timestamp)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
		    point_type     = EXCLUDED.point_type,
		    embedding      = EXCLUDED.embedding,
		    payload        = EXCLUDED.payload,
		    sync_timestamp = EXCLUDED.sync_timestamp`

	for _, p := range points {
		payloadJSON, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("store: upsert: marshal payload for %s: %w", p.ID, err)
		}
		var vec any
		if p.Vector != nil {
			vec = pgvector.NewVector(p.Vector)
		}
		if _, err := tx.Exec(ctx, q, p.ID, p.PointType, vec, payloadJSON); err != nil {
			return fmt.Errorf("store: upsert %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: upsert: commit: %w", err)
	}
	return nil
}

// Retrieve fetches points by id. Missing ids are silently omitted — callers
// (FK Resolver, Integrity Validator) diff the input/output id sets to find
// orphans.
func (s *Store) Retrieve(ctx context.Context, ids []string, withPayload, withVector bool) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cols := "id, point_type"
	if withPayload {
		cols += ", payload"
	}
	if withVector {
		cols += ", embedding"
	}
	q := fmt.Sprintf("SELECT %s FROM points WHERE id = ANY($1)", cols)

	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("store: retrieve: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		p, err := scanPoint(rows, withPayload, withVector)
		if err != nil {
			return nil, fmt.Errorf("store: retrieve: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Scroll pages through points matching filter in id order. cursor is the
// last id seen (empty for the first page); the returned nextCursor is empty
// when the scroll is exhausted.
func (s *Store) Scroll(ctx context.Context, filter Filter, limit int, cursor string) (points []Point, nextCursor string, err error) {
	if limit <= 0 {
		limit = 1000
	}

	where, args, err := buildWhere(filter, 1)
	if err != nil {
		return nil, "", err
	}
	if cursor != "" {
		args = append(args, cursor)
		cursorClause := fmt.Sprintf("id > $%d", len(args))
		if where == "" {
			where = "WHERE " + cursorClause
		} else {
			where += " AND " + cursorClause
		}
	}
	args = append(args, limit)
	limitPlaceholder := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`SELECT id, point_type, payload FROM points %s ORDER BY id LIMIT %s`, where, limitPlaceholder)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("store: scroll: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPoint(rows, true, false)
		if err != nil {
			return nil, "", fmt.Errorf("store: scroll: scan: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(points) == limit {
		nextCursor = points[len(points)-1].ID
	}
	return points, nextCursor, nil
}

// Search performs a cosine-distance nearest-neighbour search over vector,
// restricted to filter, returning at most limit results whose distance is
// within scoreThreshold (ignored when <= 0).
func (s *Store) Search(ctx context.Context, vector []float32, filter Filter, limit int, scoreThreshold float64) ([]ScoredPoint, error) {
	if limit <= 0 {
		limit = 10
	}
	vec := pgvector.NewVector(vector)

	where, args, err := buildWhere(filter, 2) // $1 reserved for the query vector
	if err != nil {
		return nil, err
	}
	args = append([]any{vec}, args...)

	args = append(args, limit)
	limitPlaceholder := fmt.Sprintf("$%d", len(args))

	outerWhere := ""
	if scoreThreshold > 0 {
		args = append(args, scoreThreshold)
		outerWhere = fmt.Sprintf("WHERE sub.distance <= $%d", len(args))
	}

	q := fmt.Sprintf(`
		SELECT sub.id, sub.point_type, sub.payload, sub.distance
		FROM (
		    SELECT id, point_type, payload, embedding <=> $1 AS distance
		    FROM points
		    %s
		    ORDER BY distance
		    LIMIT %s
		) sub
		%s
		ORDER BY sub.distance`, where, limitPlaceholder, outerWhere)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ScoredPoint, error) {
		var (
			sp         ScoredPoint
			payloadRaw []byte
		)
		if err := row.Scan(&sp.ID, &sp.PointType, &payloadRaw, &sp.Distance); err != nil {
			return ScoredPoint{}, err
		}
		if err := json.Unmarshal(payloadRaw, &sp.Payload); err != nil {
			return ScoredPoint{}, err
		}
		return sp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: search: scan: %w", err)
	}
	return out, nil
}

// Count returns the number of points matching filter. exact is accepted for
// interface parity with ANN stores whose fast counts are approximate, but
// has no effect here: Postgres COUNT(*) is always exact.
func (s *Store) Count(ctx context.Context, filter Filter, exact bool) (int, error) {
	where, args, err := buildWhere(filter, 1)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf("SELECT count(*) FROM points %s", where)

	var n int
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// Delete removes points matching filter (by id or by predicate). Used for
// force-recreate flows and per-model cleanup.
func (s *Store) Delete(ctx context.Context, filter Filter) (int64, error) {
	where, args, err := buildWhere(filter, 1)
	if err != nil {
		return 0, err
	}
	if where == "" {
		return 0, fmt.Errorf("store: delete: refusing an unfiltered delete")
	}
	q := fmt.Sprintf("DELETE FROM points %s", where)

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("store: delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreatePayloadIndex creates a dynamic index on a payload field, called by
// the CLI after a data sync for each synced model so filter compilation never
// falls back to scanning for that model's payload fields. Idempotent.
func (s *Store) CreatePayloadIndex(ctx context.Context, field string, indexType IndexType) error {
	if err := validField(field); err != nil {
		return err
	}
	indexName := "idx_points_payload_" + field

	var expr string
	switch indexType {
	case IndexKeyword, IndexText:
		expr = fmt.Sprintf("(payload->>'%s')", field)
	case IndexInteger:
		expr = fmt.Sprintf("((payload->>'%s')::bigint)", field)
	case IndexFloat:
		expr = fmt.Sprintf("((payload->>'%s')::double precision)", field)
	case IndexBool:
		expr = fmt.Sprintf("((payload->>'%s')::boolean)", field)
	default:
		return fmt.Errorf("store: unsupported index type %q", indexType)
	}

	q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON points (%s)", indexName, expr)
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("store: create payload index on %s: %w", field, err)
	}
	return nil
}

// IndexType enumerates the payload index kinds [Store.CreatePayloadIndex]
// supports. Geo indexes are absent: no Odoo field type in this gateway's
// domain carries a geo value, so nothing would ever ask for one.
type IndexType string

const (
	IndexKeyword IndexType = "keyword"
	IndexInteger IndexType = "integer"
	IndexFloat   IndexType = "float"
	IndexBool    IndexType = "bool"
	IndexText    IndexType = "text"
)

// CollectionInfo reports point counts by point_type plus the configured
// vector dimension.
type CollectionInfo struct {
	Dimensions int
	Counts     map[string]int64
}

// CollectionInfo reports the collection's dimension and per-type counts.
func (s *Store) CollectionInfo(ctx context.Context) (CollectionInfo, error) {
	rows, err := s.pool.Query(ctx, "SELECT point_type, count(*) FROM points GROUP BY point_type")
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("store: collection info: %w", err)
	}
	defer rows.Close()

	info := CollectionInfo{Dimensions: s.dimensions, Counts: make(map[string]int64)}
	for rows.Next() {
		var pt string
		var n int64
		if err := rows.Scan(&pt, &n); err != nil {
			return CollectionInfo{}, fmt.Errorf("store: collection info: scan: %w", err)
		}
		info.Counts[pt] = n
	}
	return info, rows.Err()
}

// scanPoint reads the common id/point_type prefix plus whichever of
// payload/embedding the caller requested, matching the column list built by
// the caller (Retrieve).
func scanPoint(rows pgx.Rows, withPayload, withVector bool) (Point, error) {
	var (
		p          Point
		payloadRaw []byte
		vec        pgvector.Vector
	)
	dests := []any{&p.ID, &p.PointType}
	if withPayload {
		dests = append(dests, &payloadRaw)
	}
	if withVector {
		dests = append(dests, &vec)
	}
	if err := rows.Scan(dests...); err != nil {
		return Point{}, err
	}
	if withPayload {
		if err := json.Unmarshal(payloadRaw, &p.Payload); err != nil {
			return Point{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if withVector {
		p.Vector = vec.Slice()
	}
	return p, nil
}

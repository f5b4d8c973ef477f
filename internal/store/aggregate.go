package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AggOp enumerates the aggregation operators the store can compute natively.
// Mirrors internal/schema.AggOp; kept separate so internal/store has no
// dependency on internal/schema for a five-value enum.
type AggOp string

const (
	AggSum   AggOp = "sum"
	AggCount AggOp = "count"
	AggAvg   AggOp = "avg"
	AggMin   AggOp = "min"
	AggMax   AggOp = "max"
)

var aggSQL = map[AggOp]string{
	AggSum:   "SUM",
	AggCount: "COUNT",
	AggAvg:   "AVG",
	AggMin:   "MIN",
	AggMax:   "MAX",
}

// AggregateRow is one grouped aggregation result: GroupValues holds one
// value per groupBy field, in the order requested.
type AggregateRow struct {
	GroupValues []any
	Value       float64
}

// Aggregate computes a grouped aggregation natively in Postgres: op(field)
// for every distinct combination of groupBy field values, restricted by
// filter. field is ignored when op is AggCount. This is the Filter &
// Aggregation Compiler's store-native path.
func (s *Store) Aggregate(ctx context.Context, filter Filter, groupBy []string, field string, op AggOp) ([]AggregateRow, error) {
	sqlOp, ok := aggSQL[op]
	if !ok {
		return nil, fmt.Errorf("store: unsupported aggregation op %q", op)
	}
	for _, g := range groupBy {
		if err := validField(g); err != nil {
			return nil, err
		}
	}

	aggExpr := fmt.Sprintf("%s(*)", sqlOp)
	if op != AggCount {
		if err := validField(field); err != nil {
			return nil, err
		}
		aggExpr = fmt.Sprintf("%s((payload->>'%s')::double precision)", sqlOp, field)
	}

	groupExprs := make([]string, len(groupBy))
	for i, g := range groupBy {
		groupExprs[i] = fmt.Sprintf("payload->>'%s'", g)
	}

	where, args, err := buildWhere(filter, 1)
	if err != nil {
		return nil, err
	}

	selectCols := append(append([]string{}, groupExprs...), aggExpr+" AS agg_value")
	q := fmt.Sprintf("SELECT %s FROM points %s", joinCols(selectCols), where)
	if len(groupExprs) > 0 {
		q += " GROUP BY " + joinCols(groupExprs)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: aggregate: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (AggregateRow, error) {
		vals, err := row.Values()
		if err != nil {
			return AggregateRow{}, err
		}
		agg, err := toFloat64(vals[len(vals)-1])
		if err != nil {
			return AggregateRow{}, err
		}
		return AggregateRow{GroupValues: vals[:len(vals)-1], Value: agg}, nil
	})
}

func joinCols(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("store: aggregate: unexpected value type %T", v)
	}
}

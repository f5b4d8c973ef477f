package store

// Point is one row of the unified table: an identity, a dense vector, and a
// typed payload. PointType mirrors payload["point_type"] for convenience —
// callers may rely on either, but the column is authoritative for queries.
type Point struct {
	ID        string
	PointType string
	Vector    []float32
	Payload   map[string]any
}

// ScoredPoint is a Point annotated with its cosine distance from a query
// vector, returned by [Store.Search].
type ScoredPoint struct {
	Point
	Distance float64
}

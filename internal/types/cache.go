package types

// CachedEntry wraps a cached value for serialization. NotFound marks a
// negative entry: the backing store was consulted and had nothing.
type CachedEntry[V any] struct {
	Value     V     `json:"value,omitempty"`
	FetchedAt int64 `json:"fetched_at"`
	NotFound  bool  `json:"not_found"`
}

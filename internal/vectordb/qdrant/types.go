package qdrant

// Point is a stored vector with its payload.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ScoredPoint is a search result.
type ScoredPoint struct {
	ID      string                 `json:"id"`
	Version int                    `json:"version"`
	Score   float32                `json:"score"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Vector  []float32              `json:"vector,omitempty"`
}

// CollectionInfo summarizes a collection's state.
type CollectionInfo struct {
	Name        string
	Status      string
	PointsCount int64
	VectorSize  int
	Distance    string
}

// SearchOptions tunes a similarity search.
type SearchOptions struct {
	Limit          int
	Offset         int
	ScoreThreshold float32
	WithPayload    bool
	WithVectors    bool
	Filter         map[string]interface{}
}

// DefaultSearchOptions returns payload-bearing search defaults.
func DefaultSearchOptions() *SearchOptions {
	return &SearchOptions{
		Limit:       10,
		WithPayload: true,
	}
}

package storage

import (
	"context"
	"time"

	"liquiditySync/internal/model"
)

// CandidateQuery selects stored pools for hot-set population.
type CandidateQuery struct {
	MinWeight float64
	// MaxAge drops pools whose weight was not refreshed within the window.
	// Zero disables the age filter.
	MaxAge time.Duration
	Limit  int
}

// CandidateSource returns weight-ranked pool candidates.
type CandidateSource interface {
	LoadCandidates(ctx context.Context, q CandidateQuery) ([]model.PoolCandidate, error)
}

// WeightStore is the durable store behind the weight engine.
type WeightStore interface {
	CandidateSource
	UpsertWeights(ctx context.Context, weights []model.GraphWeight) error
}

// CheckpointStore keeps named progress markers across restarts.
type CheckpointStore interface {
	LoadState(ctx context.Context, name string) (uint64, bool, error)
	SaveState(ctx context.Context, name string, value uint64) error
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liquiditySync/internal/model"
	"liquiditySync/internal/storage"
)

// Store provides Postgres persistence for pools, weights and checkpoints.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.WeightStore     = (*Store)(nil)
	_ storage.CheckpointStore = (*Store)(nil)
)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// LoadCandidates returns stored pools ranked by weight.
func (s *Store) LoadCandidates(ctx context.Context, q storage.CandidateQuery) ([]model.PoolCandidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT pool_address, dex, tokens, fee, pool_id, weight, updated_at
		FROM pools
		WHERE weight >= $1
		  AND ($2::bigint = 0 OR updated_at >= now() - make_interval(secs => $2::bigint))
		ORDER BY weight DESC
		LIMIT $3
	`, q.MinWeight, int64(q.MaxAge/time.Second), limit)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []model.PoolCandidate
	for rows.Next() {
		var (
			address, dex, poolID string
			tokens               []string
			fee                  int64
			weight               float64
			updatedAt            time.Time
		)
		if err := rows.Scan(&address, &dex, &tokens, &fee, &poolID, &weight, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		pool, err := poolFromRow(address, dex, tokens, fee, poolID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.PoolCandidate{Pool: pool, Weight: weight, UpdatedAt: updatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	return out, nil
}

func poolFromRow(address, dex string, tokens []string, fee int64, poolID string) (model.Pool, error) {
	if !common.IsHexAddress(address) {
		return model.Pool{}, fmt.Errorf("invalid pool address %q", address)
	}
	kind, err := model.ParseDex(dex)
	if err != nil {
		return model.Pool{}, fmt.Errorf("pool %s: %w", address, err)
	}
	pool := model.Pool{
		Address: common.HexToAddress(address),
		Dex:     kind,
		Fee:     uint32(fee),
	}
	for _, token := range tokens {
		if !common.IsHexAddress(token) {
			return model.Pool{}, fmt.Errorf("pool %s: invalid token %q", address, token)
		}
		pool.Tokens = append(pool.Tokens, common.HexToAddress(token))
	}
	if poolID = strings.TrimSpace(poolID); poolID != "" {
		pool.PoolID = common.HexToHash(poolID)
	}
	return pool, nil
}

// UpsertWeights records computed weights and refreshes the ranking columns of
// pools. Weights flagged NoSignal are recorded but never rank a pool.
func (s *Store) UpsertWeights(ctx context.Context, weights []model.GraphWeight) error {
	if len(weights) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, w := range weights {
		address := strings.ToLower(w.Pool.Hex())
		batch.Queue(`
			INSERT INTO pool_weights (pool_address, weight, block_number, computed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (pool_address)
			DO UPDATE SET
				weight = EXCLUDED.weight,
				block_number = EXCLUDED.block_number,
				computed_at = EXCLUDED.computed_at
		`, address, w.Weight, int64(w.Block), w.ComputedAt)
		if w.NoSignal {
			continue
		}
		batch.Queue(`
			UPDATE pools SET weight = $2, updated_at = $3 WHERE pool_address = $1
		`, address, w.Weight, w.ComputedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert weights: %w", err)
		}
	}
	return nil
}

// LoadState returns the stored value for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var value int64
	row := s.pool.QueryRow(ctx, `SELECT value FROM syncer_state WHERE name=$1`, name)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(value), true, nil
}

// SaveState upserts the value for a name.
func (s *Store) SaveState(ctx context.Context, name string, value uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO syncer_state (name, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()
	`, name, int64(value))
	return err
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for worker pools and workers. It
// talks to Postgres directly through pgx with hand-written statements
// rather than through a generated query layer: the entity shapes here are
// provider-specific JSON documents, not a fixed relational schema, so a
// handful of hand-written statements read better than a generated one.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreatePool(ctx context.Context, p *WorkerPool) error {
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("marshaling pool config: %w", err)
	}

	query := `INSERT INTO worker_pools (worker_pool_id, provider_id, owner, config, previous_provider_ids)
	          VALUES ($1, $2, $3, $4, $5)`
	_, err = s.pool.Exec(ctx, query, p.WorkerPoolID, p.ProviderID, p.Owner, cfg, p.PreviousProviderIDs)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("creating worker pool: %w", err)
	}
	return nil
}

func (s *Store) GetPool(ctx context.Context, workerPoolID string) (*WorkerPool, error) {
	query := `SELECT worker_pool_id, provider_id, owner, config, previous_provider_ids
	          FROM worker_pools WHERE worker_pool_id = $1`
	return scanPool(s.pool.QueryRow(ctx, query, workerPoolID))
}

func (s *Store) ListPools(ctx context.Context) ([]*WorkerPool, error) {
	query := `SELECT worker_pool_id, provider_id, owner, config, previous_provider_ids
	          FROM worker_pools ORDER BY worker_pool_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing worker pools: %w", err)
	}
	defer rows.Close()

	var out []*WorkerPool
	for rows.Next() {
		p, err := scanPoolRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePool performs a read-modify-write under a row-level lock: the pool
// row is selected FOR UPDATE, mutate is applied, and the result is written
// back in the same transaction, so concurrent calls for the same pool
// serialize instead of racing on the read.
func (s *Store) UpdatePool(ctx context.Context, workerPoolID string, mutate func(*WorkerPool) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning pool update transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT worker_pool_id, provider_id, owner, config, previous_provider_ids
	          FROM worker_pools WHERE worker_pool_id = $1 FOR UPDATE`
	p, err := scanPool(tx.QueryRow(ctx, query, workerPoolID))
	if err != nil {
		return err
	}

	if err := mutate(p); err != nil {
		return err
	}

	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("marshaling pool config: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE worker_pools SET provider_id=$2, owner=$3, config=$4, previous_provider_ids=$5
	          WHERE worker_pool_id = $1`,
		workerPoolID, p.ProviderID, p.Owner, cfg, p.PreviousProviderIDs)
	if err != nil {
		return fmt.Errorf("writing back worker pool: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) DeletePool(ctx context.Context, workerPoolID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM worker_pools WHERE worker_pool_id = $1`, workerPoolID)
	if err != nil {
		return fmt.Errorf("deleting worker pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPool(row pgx.Row) (*WorkerPool, error) {
	var p WorkerPool
	var cfg []byte
	err := row.Scan(&p.WorkerPoolID, &p.ProviderID, &p.Owner, &cfg, &p.PreviousProviderIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning worker pool: %w", err)
	}
	if err := json.Unmarshal(cfg, &p.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling pool config: %w", err)
	}
	return &p, nil
}

func scanPoolRows(rows pgx.Rows) (*WorkerPool, error) {
	var p WorkerPool
	var cfg []byte
	err := rows.Scan(&p.WorkerPoolID, &p.ProviderID, &p.Owner, &cfg, &p.PreviousProviderIDs)
	if err != nil {
		return nil, fmt.Errorf("scanning worker pool row: %w", err)
	}
	if err := json.Unmarshal(cfg, &p.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling pool config: %w", err)
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

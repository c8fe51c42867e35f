package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// WorkerRef names a worker without loading its body, returned by
// ListForScan so callers can fan out lock attempts concurrently.
type WorkerRef struct {
	WorkerPoolID string
	WorkerID     string
}

func (s *Store) CreateWorker(ctx context.Context, w *Worker) error {
	pd, err := json.Marshal(w.ProviderData)
	if err != nil {
		return fmt.Errorf("marshaling provider data: %w", err)
	}

	query := `INSERT INTO workers
	            (worker_pool_id, worker_group, worker_id, state, created, last_modified,
	             last_checked, expires, capacity, provider_data)
	          VALUES ($1,$2,$3,$4,now(),now(),now(),$5,$6,$7)`
	_, err = s.pool.Exec(ctx, query,
		w.WorkerPoolID, w.WorkerGroup, w.WorkerID, w.State, w.Expires, w.Capacity, pd)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("creating worker: %w", err)
	}
	return nil
}

func (s *Store) GetWorker(ctx context.Context, workerPoolID, workerID string) (*Worker, error) {
	query := `SELECT worker_pool_id, worker_group, worker_id, state, created, last_modified,
	                 last_checked, expires, capacity, provider_data
	          FROM workers WHERE worker_pool_id = $1 AND worker_id = $2`
	return scanWorker(s.pool.QueryRow(ctx, query, workerPoolID, workerID))
}

func (s *Store) ListByPool(ctx context.Context, workerPoolID string) ([]*Worker, error) {
	query := `SELECT worker_pool_id, worker_group, worker_id, state, created, last_modified,
	                 last_checked, expires, capacity, provider_data
	          FROM workers WHERE worker_pool_id = $1 ORDER BY worker_id`
	rows, err := s.pool.Query(ctx, query, workerPoolID)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := scanWorkerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListForScan enumerates every worker across every pool without taking any
// locks, so the scanner can decide which rows to attempt without blocking
// concurrent provision/removal transactions.
func (s *Store) ListForScan(ctx context.Context) ([]WorkerRef, error) {
	rows, err := s.pool.Query(ctx, `SELECT worker_pool_id, worker_id FROM workers ORDER BY worker_pool_id, worker_id`)
	if err != nil {
		return nil, fmt.Errorf("listing workers for scan: %w", err)
	}
	defer rows.Close()

	var out []WorkerRef
	for rows.Next() {
		var ref WorkerRef
		if err := rows.Scan(&ref.WorkerPoolID, &ref.WorkerID); err != nil {
			return nil, fmt.Errorf("scanning worker ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// UpdateWorker performs a row-scoped read-modify-write transaction: the
// worker is selected FOR UPDATE, mutate is applied, and the row is written
// back. Concurrent UpdateWorker calls against the same (workerPoolId,
// workerId) serialize on the row lock rather than lost-update.
func (s *Store) UpdateWorker(ctx context.Context, workerPoolID, workerID string, mutate func(*Worker) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning worker update transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT worker_pool_id, worker_group, worker_id, state, created, last_modified,
	                 last_checked, expires, capacity, provider_data
	          FROM workers WHERE worker_pool_id = $1 AND worker_id = $2 FOR UPDATE`
	w, err := scanWorker(tx.QueryRow(ctx, query, workerPoolID, workerID))
	if err != nil {
		return err
	}

	if err := mutate(w); err != nil {
		return err
	}
	w.LastModified = time.Now().UTC()

	if err := writeWorker(ctx, tx, w); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// TryLockWorker attempts to take the row-level write lock for one worker
// without waiting: if another scan pass already holds it, it returns
// ErrLocked immediately instead of blocking, so a scan pass only ever
// touches workers no other pass is currently processing. fn runs with the
// lock held; its returned worker is written back and the transaction
// committed, or rolled back if fn returns an error.
func (s *Store) TryLockWorker(ctx context.Context, workerPoolID, workerID string, fn func(*Worker) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning scan lock transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT worker_pool_id, worker_group, worker_id, state, created, last_modified,
	                 last_checked, expires, capacity, provider_data
	          FROM workers WHERE worker_pool_id = $1 AND worker_id = $2 FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, workerPoolID, workerID)
	if err != nil {
		return fmt.Errorf("querying worker for scan lock: %w", err)
	}
	if !rows.Next() {
		rows.Close()
		return ErrLocked
	}
	w, err := scanWorkerRows(rows)
	rows.Close()
	if err != nil {
		return err
	}

	if err := fn(w); err != nil {
		return err
	}
	w.LastChecked = time.Now().UTC()
	w.LastModified = time.Now().UTC()

	if err := writeWorker(ctx, tx, w); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) DeleteWorker(ctx context.Context, workerPoolID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE worker_pool_id = $1 AND worker_id = $2`,
		workerPoolID, workerID)
	if err != nil {
		return fmt.Errorf("deleting worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkersByPool removes every worker row belonging to a pool, used
// when the pool itself is torn down after its workers have all reached
// the stopped state.
func (s *Store) DeleteWorkersByPool(ctx context.Context, workerPoolID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE worker_pool_id = $1`, workerPoolID)
	if err != nil {
		return fmt.Errorf("deleting workers for pool: %w", err)
	}
	return nil
}

func writeWorker(ctx context.Context, tx pgx.Tx, w *Worker) error {
	pd, err := json.Marshal(w.ProviderData)
	if err != nil {
		return fmt.Errorf("marshaling provider data: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE workers SET
	            worker_group=$3, state=$4, last_modified=$5, last_checked=$6,
	            expires=$7, capacity=$8, provider_data=$9
	          WHERE worker_pool_id = $1 AND worker_id = $2`,
		w.WorkerPoolID, w.WorkerID, w.WorkerGroup, w.State, w.LastModified, w.LastChecked,
		w.Expires, w.Capacity, pd)
	if err != nil {
		return fmt.Errorf("writing back worker: %w", err)
	}
	return nil
}

func scanWorker(row pgx.Row) (*Worker, error) {
	var w Worker
	var pd []byte
	err := row.Scan(&w.WorkerPoolID, &w.WorkerGroup, &w.WorkerID, &w.State, &w.Created,
		&w.LastModified, &w.LastChecked, &w.Expires, &w.Capacity, &pd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning worker: %w", err)
	}
	if err := json.Unmarshal(pd, &w.ProviderData); err != nil {
		return nil, fmt.Errorf("unmarshaling provider data: %w", err)
	}
	w.ProviderData.MigrateLegacyDisk()
	return &w, nil
}

func scanWorkerRows(rows pgx.Rows) (*Worker, error) {
	var w Worker
	var pd []byte
	err := rows.Scan(&w.WorkerPoolID, &w.WorkerGroup, &w.WorkerID, &w.State, &w.Created,
		&w.LastModified, &w.LastChecked, &w.Expires, &w.Capacity, &pd)
	if err != nil {
		return nil, fmt.Errorf("scanning worker row: %w", err)
	}
	if err := json.Unmarshal(pd, &w.ProviderData); err != nil {
		return nil, fmt.Errorf("unmarshaling provider data: %w", err)
	}
	w.ProviderData.MigrateLegacyDisk()
	return &w, nil
}

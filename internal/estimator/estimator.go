// Package estimator decides how many more workers a pool needs, given its
// configured capacity bounds and external demand. It is a small seam so
// the provisioner's reconciliation math can be swapped out (e.g. for a
// queue-depth-aware estimator) without touching the pipeline code.
package estimator

import (
	"context"

	"github.com/wisbric/vmfleet/internal/store"
)

// WorkerInfo summarizes current and desired capacity for a pool.
// ExistingCapacity is how much capacity is already provisioned or
// requested; RequestedCapacity is how much a pool's callers are asking
// to have available right now, which may exceed the pool's configured
// minCapacity floor when a workload burst wants more than the pool
// guarantees by default.
type WorkerInfo struct {
	ExistingCapacity  int
	RequestedCapacity int
}

// Estimator decides how many additional workers a pool should spawn
// this pass.
type Estimator interface {
	// EstimateToSpawn returns how many new workers to provision, given
	// the pool's config and workerInfo. It never returns negative, and
	// nothing shrinks a pool for excess capacity: the scanner marks
	// workers stopping only for missed deadlines, unhealthy or vanished
	// VMs, or a retired pool.
	EstimateToSpawn(ctx context.Context, pool *store.WorkerPool, workerInfo WorkerInfo) (int, error)
}

// BoundedEstimator requests enough new workers to cover the larger of
// the pool's minCapacity floor and workerInfo.requestedCapacity, net of
// workerInfo.existingCapacity already live, capped so the pool's total
// capacity never exceeds maxCapacity.
type BoundedEstimator struct{}

// EstimateToSpawn implements Estimator.
func (BoundedEstimator) EstimateToSpawn(ctx context.Context, pool *store.WorkerPool, workerInfo WorkerInfo) (int, error) {
	target := pool.Config.MinCapacity
	if workerInfo.RequestedCapacity > target {
		target = workerInfo.RequestedCapacity
	}

	need := target - workerInfo.ExistingCapacity
	if need <= 0 {
		return 0, nil
	}

	avgPerInstance := 1
	for _, lc := range pool.Config.LaunchConfigs {
		if lc.CapacityPerInstance > 0 {
			avgPerInstance = lc.CapacityPerInstance
			break
		}
	}

	requestCount := (need + avgPerInstance - 1) / avgPerInstance

	maxAdditionalCapacity := pool.Config.MaxCapacity - workerInfo.ExistingCapacity
	if maxAdditionalCapacity < 0 {
		maxAdditionalCapacity = 0
	}
	if maxNew := maxAdditionalCapacity / avgPerInstance; requestCount > maxNew {
		requestCount = maxNew
	}
	if requestCount < 0 {
		requestCount = 0
	}
	return requestCount, nil
}

package estimator

import (
	"context"
	"testing"

	"github.com/wisbric/vmfleet/internal/store"
)

func poolWithCapacity(min, max, perInstance int) *store.WorkerPool {
	return &store.WorkerPool{
		Config: store.PoolConfig{
			MinCapacity: min,
			MaxCapacity: max,
			LaunchConfigs: []store.LaunchConfig{
				{CapacityPerInstance: perInstance},
			},
		},
	}
}

func TestEstimateRequestsUpToMinCapacity(t *testing.T) {
	pool := poolWithCapacity(10, 100, 2)
	n, err := BoundedEstimator{}.EstimateToSpawn(context.Background(), pool, WorkerInfo{})
	if err != nil {
		t.Fatalf("EstimateToSpawn() error = %v", err)
	}
	if n != 5 {
		t.Errorf("EstimateToSpawn() = %d, want 5", n)
	}
}

func TestEstimateCountsExistingCapacity(t *testing.T) {
	pool := poolWithCapacity(10, 100, 2)
	n, err := BoundedEstimator{}.EstimateToSpawn(context.Background(), pool, WorkerInfo{ExistingCapacity: 6})
	if err != nil {
		t.Fatalf("EstimateToSpawn() error = %v", err)
	}
	if n != 2 {
		t.Errorf("EstimateToSpawn() = %d, want 2 (4 of 10 capacity still needed)", n)
	}
}

func TestEstimateReturnsZeroWhenAtCapacity(t *testing.T) {
	pool := poolWithCapacity(10, 100, 2)
	n, err := BoundedEstimator{}.EstimateToSpawn(context.Background(), pool, WorkerInfo{ExistingCapacity: 10})
	if err != nil {
		t.Fatalf("EstimateToSpawn() error = %v", err)
	}
	if n != 0 {
		t.Errorf("EstimateToSpawn() = %d, want 0", n)
	}
}

func TestEstimateIsCappedByMaxCapacity(t *testing.T) {
	pool := poolWithCapacity(100, 2, 1)
	n, err := BoundedEstimator{}.EstimateToSpawn(context.Background(), pool, WorkerInfo{})
	if err != nil {
		t.Fatalf("EstimateToSpawn() error = %v", err)
	}
	if n != 2 {
		t.Errorf("EstimateToSpawn() = %d, want 2 (capped by maxCapacity)", n)
	}
}

func TestEstimateNeverNegative(t *testing.T) {
	pool := poolWithCapacity(1, 0, 1)
	n, err := BoundedEstimator{}.EstimateToSpawn(context.Background(), pool, WorkerInfo{})
	if err != nil {
		t.Fatalf("EstimateToSpawn() error = %v", err)
	}
	if n < 0 {
		t.Errorf("EstimateToSpawn() = %d, must never be negative", n)
	}
}

func TestEstimateHonorsRequestedCapacityAboveMinCapacity(t *testing.T) {
	pool := poolWithCapacity(10, 100, 2)
	n, err := BoundedEstimator{}.EstimateToSpawn(context.Background(), pool, WorkerInfo{RequestedCapacity: 30})
	if err != nil {
		t.Fatalf("EstimateToSpawn() error = %v", err)
	}
	if n != 15 {
		t.Errorf("EstimateToSpawn() = %d, want 15 to cover requestedCapacity above minCapacity", n)
	}
}

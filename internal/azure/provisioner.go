package azure

import (
	"context"
	"log/slog"
	"time"

	"github.com/wisbric/vmfleet/internal/store"
)

// RunProvisionLoop runs Provision for every pool periodically until ctx
// is cancelled. Like the scanner loop, it lists pools fresh each tick so
// pool creation and deletion take effect without a restart.
func (p *AzureProvider) RunProvisionLoop(ctx context.Context, st *store.Store, logger *slog.Logger, interval time.Duration) {
	logger.Info("provisioner loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := func() {
		pools, err := st.ListPools(ctx)
		if err != nil {
			logger.Error("listing pools for provision", "error", err)
			return
		}
		for _, pool := range pools {
			if pool.ProviderID == store.NullProviderID {
				continue
			}
			if err := p.Setup(ctx, pool); err != nil {
				logger.Error("pool setup", "worker_pool_id", pool.WorkerPoolID, "error", err)
				continue
			}
			if err := p.Provision(ctx, pool); err != nil {
				logger.Error("provisioning pool", "worker_pool_id", pool.WorkerPoolID, "error", err)
			}
		}
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			logger.Info("provisioner loop stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}

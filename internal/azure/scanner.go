package azure

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"k8s.io/utils/ptr"

	"github.com/wisbric/vmfleet/internal/azure/gateway"
	"github.com/wisbric/vmfleet/internal/notify"
	"github.com/wisbric/vmfleet/internal/store"
)

// ScanPrepare and ScanCleanup bracket a scan pass. Azure needs no
// pass-wide setup or teardown, so both are no-ops; RunScan itself reports
// every pool's accumulated scan errors once per pass rather than once per
// worker, so an operator sees one notification per broken pool instead
// of one per broken instance.
func (p *AzureProvider) ScanPrepare(ctx context.Context) error { return nil }
func (p *AzureProvider) ScanCleanup(ctx context.Context) error { return nil }

// vmHealth classifies a VM observed during a scan pass.
type vmHealth int

const (
	vmHealthUnknown vmHealth = iota
	vmHealthOK
	vmHealthFailed
)

// unhealthyProvisioningStates mirror the resource step engine's own
// terminal states: a VM stuck in one of these will never recover on its
// own and the worker owning it should be torn down.
var unhealthyProvisioningStates = map[string]bool{
	"Failed":       true,
	"Deleting":     true,
	"Canceled":     true,
	"Deallocating": true,
}

var unhealthyPowerStates = map[string]bool{
	"stopped":      true,
	"deallocated":  true,
	"stopping":     true,
	"deallocating": true,
}

func vmProvisioningState(vm *armcompute.VirtualMachine) string {
	if vm.Properties == nil {
		return ""
	}
	return ptr.Deref(vm.Properties.ProvisioningState, "")
}

// vmPowerState extracts the "PowerState/..." code out of a VM's
// instanceView, present only when the GET requested InstanceView
// expansion.
func vmPowerState(vm *armcompute.VirtualMachine) string {
	if vm.Properties == nil || vm.Properties.InstanceView == nil {
		return ""
	}
	for _, s := range vm.Properties.InstanceView.Statuses {
		if s.Code == nil {
			continue
		}
		if power, ok := strings.CutPrefix(*s.Code, "PowerState/"); ok {
			return power
		}
	}
	return ""
}

func classifyVMHealth(vm *armcompute.VirtualMachine) vmHealth {
	if unhealthyProvisioningStates[vmProvisioningState(vm)] {
		return vmHealthFailed
	}
	switch power := vmPowerState(vm); {
	case unhealthyPowerStates[power]:
		return vmHealthFailed
	case power == "running":
		return vmHealthOK
	default:
		return vmHealthUnknown
	}
}

// CheckWorker re-examines one worker during a scan pass. It is called
// with the worker's row lock already held by the caller (via
// Store.TryLockWorker), so mutations to w are safe and will be persisted
// by the caller once CheckWorker returns.
func (p *AzureProvider) CheckWorker(ctx context.Context, pool *store.WorkerPool, w *store.Worker) error {
	now := time.Now().UTC()

	if pool.ProviderID == store.NullProviderID {
		// The pool itself has been retired: every worker it owns is
		// unwanted regardless of age or health.
		w.State = store.WorkerStopping
		return nil
	}

	switch w.State {
	case store.WorkerRequested:
		if now.Sub(w.Created) > p.registrationTimeout {
			p.logger.Info("worker never registered, marking stopping",
				"worker_pool_id", w.WorkerPoolID, "worker_id", w.WorkerID)
			w.State = store.WorkerStopping
		}
		// Otherwise there is nothing to check yet — the provision
		// pipeline, not the scanner, is what advances a requested worker.

	case store.WorkerRunning:
		return p.checkRunningWorker(ctx, w, now)
	}

	return nil
}

// checkRunningWorker enforces the reregistration and terminateAfter
// deadlines, then GETs the VM with its instanceView expanded to judge
// whether it's still healthy. A VM that 404s has vanished out from under
// the control plane and is handed straight to the removal pipeline
// rather than polled again; a VM in a terminal provisioningState or a
// stopped/deallocated powerState is unhealthy and also marked stopping.
// A healthy VM gets its expiry pushed out a week whenever it is due to
// lapse within a day, so a worker under continuous health checks never
// expires out from under active work.
func (p *AzureProvider) checkRunningWorker(ctx context.Context, w *store.Worker, now time.Time) error {
	if w.ProviderData.TerminateAfter != nil && now.After(*w.ProviderData.TerminateAfter) {
		w.State = store.WorkerStopping
		return nil
	}

	reregTimeout := p.reregistrationTimeout
	if w.ProviderData.ReregistrationTimeout != nil {
		reregTimeout = time.Duration(*w.ProviderData.ReregistrationTimeout) * time.Millisecond
	}
	if now.Sub(w.LastChecked) > reregTimeout {
		p.logger.Info("worker missed reregistration window, marking stopping",
			"worker_pool_id", w.WorkerPoolID, "worker_id", w.WorkerID)
		w.State = store.WorkerStopping
		return nil
	}

	pd := &w.ProviderData
	vm, err := gateway.Do(ctx, p.gateway, gateway.BucketGet, func(ctx context.Context) (*armcompute.VirtualMachine, error) {
		resp, err := p.client.VMs.Get(ctx, pd.ResourceGroupName, pd.VM.Name,
			&armcompute.VirtualMachinesClientGetOptions{Expand: ptr.To(armcompute.InstanceViewTypesInstanceView)})
		if err != nil {
			return nil, err
		}
		return &resp.VirtualMachine, nil
	})
	if err != nil {
		if gateway.IsNotFound(err) {
			p.logger.Info("worker's vm is no longer observable, marking stopping",
				"worker_pool_id", w.WorkerPoolID, "worker_id", w.WorkerID)
			w.State = store.WorkerStopping
			return nil
		}
		// A transient lookup failure says nothing about the worker's
		// health; leave it for the next pass to re-check.
		return nil
	}

	switch classifyVMHealth(vm) {
	case vmHealthFailed:
		p.logger.Info("worker's vm is unhealthy, marking stopping",
			"worker_pool_id", w.WorkerPoolID, "worker_id", w.WorkerID,
			"provisioning_state", vmProvisioningState(vm), "power_state", vmPowerState(vm))
		w.State = store.WorkerStopping
	case vmHealthOK:
		w.LastChecked = now
		if w.Expires.Before(now.Add(24 * time.Hour)) {
			w.Expires = now.Add(7 * 24 * time.Hour)
		}
	}
	return nil
}

// RunScan performs one pass over every worker pool: each worker is
// examined under CheckWorker, and any worker that is stopping after the
// check — newly marked, or already part-way through removal — is handed
// to the removal pipeline in the same pass. fanout
// bounds how many workers are processed concurrently. Errors are
// accumulated per pool and reported once the pass finishes instead of
// one notification per failing worker.
func (p *AzureProvider) RunScan(ctx context.Context, pools []*store.WorkerPool, fanout int) error {
	if fanout <= 0 {
		fanout = 1
	}
	if err := p.ScanPrepare(ctx); err != nil {
		return err
	}
	defer p.ScanCleanup(ctx)

	poolByID := make(map[string]*store.WorkerPool, len(pools))
	for _, pool := range pools {
		poolByID[pool.WorkerPoolID] = pool
	}

	refs, err := p.store.ListForScan(ctx)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, fanout)
	var wg sync.WaitGroup
	var mu sync.Mutex
	poolErrors := make(map[string][]string)
	recordErr := func(poolID string, err error) {
		mu.Lock()
		poolErrors[poolID] = append(poolErrors[poolID], err.Error())
		mu.Unlock()
	}

	for _, ref := range refs {
		pool, ok := poolByID[ref.WorkerPoolID]
		if !ok {
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(ref store.WorkerRef, pool *store.WorkerPool) {
			defer wg.Done()
			defer func() { <-sem }()
			p.scanOne(ctx, pool, ref, recordErr)
		}(ref, pool)
	}

	wg.Wait()
	p.reportScanErrors(ctx, poolErrors)
	return nil
}

func (p *AzureProvider) scanOne(ctx context.Context, pool *store.WorkerPool, ref store.WorkerRef, recordErr func(poolID string, err error)) {
	var stopping bool

	err := p.store.TryLockWorker(ctx, ref.WorkerPoolID, ref.WorkerID, func(w *store.Worker) error {
		if err := p.CheckWorker(ctx, pool, w); err != nil {
			return err
		}
		stopping = w.State == store.WorkerStopping
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return
		}
		p.logger.Warn("checking worker", "worker_pool_id", ref.WorkerPoolID, "worker_id", ref.WorkerID, "error", err)
		recordErr(ref.WorkerPoolID, err)
		return
	}

	if !stopping {
		return
	}

	w, err := p.store.GetWorker(ctx, ref.WorkerPoolID, ref.WorkerID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("fetching worker after check", "worker_pool_id", ref.WorkerPoolID, "worker_id", ref.WorkerID, "error", err)
			recordErr(ref.WorkerPoolID, err)
		}
		return
	}

	if err := p.RemoveWorker(ctx, pool, w); err != nil {
		p.logger.Warn("removing worker", "worker_pool_id", ref.WorkerPoolID, "worker_id", ref.WorkerID, "error", err)
		recordErr(ref.WorkerPoolID, err)
	}
}

// reportScanErrors publishes one event per pool that saw at least one
// error this pass, so an operator watching the event bus gets a single
// roll-up instead of a flood of per-worker failures.
func (p *AzureProvider) reportScanErrors(ctx context.Context, poolErrors map[string][]string) {
	if p.notifier == nil {
		return
	}
	for poolID, errs := range poolErrors {
		if len(errs) == 0 {
			continue
		}
		event := notify.Event{
			WorkerPoolID: poolID,
			State:        "scanErrors",
			Reason:       strings.Join(errs, "; "),
			At:           time.Now().UTC(),
		}
		if err := p.notifier.Publish(ctx, event); err != nil {
			p.logger.Warn("publishing scan error report", "worker_pool_id", poolID, "error", err)
		}
	}
}

// RunScanLoop runs RunScan periodically until ctx is cancelled, listing
// pools fresh on every tick so newly created or deleted pools are picked
// up without a restart.
func (p *AzureProvider) RunScanLoop(ctx context.Context, st *store.Store, logger *slog.Logger, interval time.Duration, fanout int) {
	logger.Info("scanner loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := func() {
		pools, err := st.ListPools(ctx)
		if err != nil {
			logger.Error("listing pools for scan", "error", err)
			return
		}
		if err := p.RunScan(ctx, pools, fanout); err != nil {
			logger.Error("scan pass", "error", err)
		}
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			logger.Info("scanner loop stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}

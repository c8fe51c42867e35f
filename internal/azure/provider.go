package azure

import (
	"context"
	"log/slog"
	"time"

	"github.com/wisbric/vmfleet/internal/azure/gateway"
	"github.com/wisbric/vmfleet/internal/estimator"
	"github.com/wisbric/vmfleet/internal/notify"
	"github.com/wisbric/vmfleet/internal/store"
)

// Provider is the capability surface a cloud backend implements.
// AzureProvider is its only implementation; the HTTP registration
// handler and the provisioner and scanner loops hold an *AzureProvider
// directly rather than this interface.
//
// This flattens what would otherwise be a deep inheritance hierarchy
// (provider -> cloud -> region-specific overrides) into one set of
// methods a single struct satisfies.
type Provider interface {
	// Setup performs one-time, idempotent preparation for a pool (e.g.
	// verifying the resource group and subnet referenced by its launch
	// configs exist) before it accepts provisioning.
	Setup(ctx context.Context, pool *store.WorkerPool) error

	// Provision reconciles one pool's capacity: estimates how many new
	// workers are needed, creates their store rows, and advances the
	// resource step engine for every worker not yet fully provisioned.
	Provision(ctx context.Context, pool *store.WorkerPool) error

	// RegisterWorker verifies an instance's identity proof and, if valid,
	// transitions its worker row to running.
	RegisterWorker(ctx context.Context, req RegisterRequest) (*store.Worker, error)

	// CheckWorker re-examines one worker during a scan pass: expiring
	// registration timeouts, confirming continued health, and deciding
	// whether the worker should be marked for removal.
	CheckWorker(ctx context.Context, pool *store.WorkerPool, w *store.Worker) error

	// ScanPrepare runs once before a scan pass begins (e.g. refreshing a
	// cached resource listing); ScanCleanup runs once after every worker
	// in the pass has been checked.
	ScanPrepare(ctx context.Context) error
	ScanCleanup(ctx context.Context) error

	// RemoveWorker advances the removal pipeline for one worker already
	// marked stopping, deleting its VM, NIC, IP, and disks in order.
	RemoveWorker(ctx context.Context, pool *store.WorkerPool, w *store.Worker) error
}

// AzureProvider is the Provider implementation backed by Azure Resource
// Manager.
type AzureProvider struct {
	client    *Client
	store     *store.Store
	gateway   *gateway.Gateway
	estimator estimator.Estimator
	notifier  notify.Notifier
	logger    *slog.Logger

	rootURL               string
	registrationTimeout   time.Duration
	reregistrationTimeout time.Duration
	caDir                 string
}

// NewAzureProvider builds a Provider backed by Azure.
func NewAzureProvider(client *Client, st *store.Store, gw *gateway.Gateway, est estimator.Estimator, notifier notify.Notifier, logger *slog.Logger, rootURL, caDir string) *AzureProvider {
	if est == nil {
		est = estimator.BoundedEstimator{}
	}
	return &AzureProvider{
		client:                client,
		store:                 st,
		gateway:               gw,
		estimator:             est,
		notifier:              notifier,
		logger:                logger,
		rootURL:               rootURL,
		registrationTimeout:   15 * time.Minute,
		reregistrationTimeout: 24 * time.Hour,
		caDir:                 caDir,
	}
}

// Setup verifies the pool's launch configs reference a usable subnet.
// Azure validates the subnet at NIC-creation time regardless, so Setup's
// job is only to fail fast with a clear ConfigError before any resources
// are created.
func (p *AzureProvider) Setup(ctx context.Context, pool *store.WorkerPool) error {
	for _, lc := range pool.Config.LaunchConfigs {
		if lc.SubnetID == "" {
			return &ConfigError{Field: "launchConfig.subnetId", Err: errMissingSubnet}
		}
		if lc.Location == "" {
			return &ConfigError{Field: "launchConfig.location", Err: errMissingLocation}
		}
	}
	return nil
}

// Package store is the Worker Store: typed persistent records for
// WorkerPool and Worker, backed by Postgres via pgx. It supports
// transactional mutation through a read-modify-write closure so that
// pipeline and scanner code never has to hand-roll a transaction.
package store

import "time"

// WorkerState is the lifecycle state of a Worker.
type WorkerState string

const (
	WorkerRequested WorkerState = "requested"
	WorkerRunning   WorkerState = "running"
	WorkerStopping  WorkerState = "stopping"
	WorkerStopped   WorkerState = "stopped"
)

// NullProviderID is the sentinel providerId meaning a pool has been
// retired: every worker it owns should be torn down, and no new ones
// should be created for it.
const NullProviderID = "null-provider"

// WorkerPool is a named set of workers sharing a config and provider.
type WorkerPool struct {
	WorkerPoolID        string
	ProviderID          string
	Config              PoolConfig
	Owner               string
	PreviousProviderIDs []string
}

// SetProviderID transitions the pool to a new provider, pushing the
// previous one to the head of PreviousProviderIDs so a pool retired and
// later recreated can still be traced back to what it replaced.
func (p *WorkerPool) SetProviderID(next string) {
	if p.ProviderID != "" && p.ProviderID != next {
		p.PreviousProviderIDs = append([]string{p.ProviderID}, p.PreviousProviderIDs...)
	}
	p.ProviderID = next
}

// PoolConfig is the persisted, JSON worker pool configuration.
type PoolConfig struct {
	MinCapacity   int             `json:"minCapacity"`
	MaxCapacity   int             `json:"maxCapacity"`
	Lifecycle     LifecycleConfig `json:"lifecycle"`
	LaunchConfigs []LaunchConfig  `json:"launchConfigs"`
}

// LifecycleConfig holds the pool-level timeout knobs.
type LifecycleConfig struct {
	RegistrationTimeoutMS   int64 `json:"registrationTimeout,omitempty"`
	ReregistrationTimeoutMS int64 `json:"reregistrationTimeout,omitempty"`
}

// LaunchConfig is one alternative spec for creating a worker within a pool;
// the provisioner samples uniformly from the pool's list.
type LaunchConfig struct {
	CapacityPerInstance int                    `json:"capacityPerInstance"`
	SubnetID            string                 `json:"subnetId"`
	Location            string                 `json:"location"`
	HardwareProfile     HardwareProfile        `json:"hardwareProfile"`
	StorageProfile      StorageProfile         `json:"storageProfile"`
	OSProfile           map[string]any         `json:"osProfile,omitempty"`
	NetworkProfile      map[string]any         `json:"networkProfile,omitempty"`
	BillingProfile      map[string]any         `json:"billingProfile,omitempty"`
	Tags                map[string]string      `json:"tags,omitempty"`
	WorkerConfig        map[string]any         `json:"workerConfig,omitempty"`
}

// HardwareProfile names the VM size.
type HardwareProfile struct {
	VMSize string `json:"vmSize"`
}

// StorageProfile holds the disk templates. Any user-supplied disk `name`
// fields are stripped by the provision pipeline before the create request
// is sent, since Azure assigns managed disk names itself.
type StorageProfile struct {
	OSDisk    map[string]any   `json:"osDisk,omitempty"`
	DataDisks []map[string]any `json:"dataDisks,omitempty"`
}

// Worker is one VM plus its supporting IP, NIC, and disks, plus the
// persistent record that tracks them.
type Worker struct {
	WorkerPoolID string
	WorkerGroup  string // Azure location
	WorkerID     string // VM name (same as ProviderData.VM.Name)

	State        WorkerState
	Created      time.Time
	LastModified time.Time
	LastChecked  time.Time
	Expires      time.Time
	Capacity     int

	ProviderData ProviderData
}

// ReservedTagKeys always overwrite user-supplied values of the same key.
var ReservedTagKeys = []string{
	"created-by", "managed-by", "provider-id",
	"worker-group", "worker-pool-id", "root-url", "owner",
}

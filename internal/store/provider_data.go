package store

import "time"

// ResourceRef is a step in the Resource Step Engine's view of one cloud
// resource belonging to a worker: its stable name (the idempotency key),
// the last operation attempted against it, and the cloud-assigned id once
// creation has been confirmed.
type ResourceRef struct {
	Name      string  `json:"name"`
	Operation string  `json:"operation,omitempty"`
	ID        *string `json:"id,omitempty"`
}

// Present reports whether the resource is known to exist (an id was
// recorded). A ResourceRef with a Name but no ID has only been attempted,
// never confirmed.
func (r ResourceRef) Present() bool {
	return r.ID != nil
}

// VMResourceRef is the VM's ResourceRef plus VM-specific identity fields.
type VMResourceRef struct {
	ResourceRef
	ComputerName string         `json:"computerName,omitempty"`
	VMID         *string        `json:"vmId,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// ProviderData is the Azure-specific bag of state persisted alongside a
// Worker: everything the provision and removal pipelines need to resume
// an interrupted run, plus registration bookkeeping.
type ProviderData struct {
	Location          string            `json:"location"`
	ResourceGroupName string            `json:"resourceGroupName"`
	SubnetID          string            `json:"subnetId"`
	Tags              map[string]string `json:"tags,omitempty"`

	VM   VMResourceRef `json:"vm"`
	IP   ResourceRef   `json:"ip"`
	NIC  ResourceRef   `json:"nic"`
	Disks []ResourceRef `json:"disks,omitempty"`

	// LegacyDisk is the pre-migration single-disk field. Readers migrate
	// it into Disks[0] on load; it is never written by current code.
	LegacyDisk *ResourceRef `json:"disk,omitempty"`

	TerminateAfter        *time.Time `json:"terminateAfter,omitempty"`
	ReregistrationTimeout  *int64     `json:"reregistrationTimeoutMs,omitempty"`

	WorkerConfig map[string]any `json:"workerConfig,omitempty"`
}

// MigrateLegacyDisk moves a pre-migration single LegacyDisk entry into
// Disks[0] if Disks is empty, matching scenario S6: old rows only ever
// carry providerData.disk, never providerData.disks.
func (p *ProviderData) MigrateLegacyDisk() {
	if p.LegacyDisk == nil {
		return
	}
	if len(p.Disks) == 0 {
		p.Disks = []ResourceRef{*p.LegacyDisk}
	}
	p.LegacyDisk = nil
}

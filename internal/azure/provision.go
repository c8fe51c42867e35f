package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v5"
	"k8s.io/utils/ptr"

	"github.com/wisbric/vmfleet/internal/azure/gateway"
	"github.com/wisbric/vmfleet/internal/azure/resource"
	"github.com/wisbric/vmfleet/internal/estimator"
	"github.com/wisbric/vmfleet/internal/store"
)

// Provision reconciles one pool's capacity and advances every worker's
// resource step engine toward fully provisioned. It estimates how many
// new workers are needed, creates their (empty, requested-state) store
// rows, then runs the IP -> NIC -> VM -> disks pipeline for every worker
// still missing a step.
func (p *AzureProvider) Provision(ctx context.Context, pool *store.WorkerPool) error {
	workers, err := p.store.ListByPool(ctx, pool.WorkerPoolID)
	if err != nil {
		return fmt.Errorf("listing workers for pool %s: %w", pool.WorkerPoolID, err)
	}

	if err := p.requestNewWorkers(ctx, pool, workers); err != nil {
		return err
	}

	workers, err = p.store.ListByPool(ctx, pool.WorkerPoolID)
	if err != nil {
		return fmt.Errorf("listing workers for pool %s: %w", pool.WorkerPoolID, err)
	}

	for _, w := range workers {
		if w.State != store.WorkerRequested {
			continue
		}
		wCopy := w
		if err := p.store.UpdateWorker(ctx, pool.WorkerPoolID, wCopy.WorkerID, func(w *store.Worker) error {
			return p.provisionWorker(ctx, pool, w)
		}); err != nil {
			p.logger.Warn("provisioning worker", "worker_pool_id", pool.WorkerPoolID, "worker_id", wCopy.WorkerID, "error", err)
		}
	}

	return nil
}

// requestNewWorkers creates empty worker rows (state=requested, no cloud
// resources yet) up to the estimator's ask. Each row gets fresh random
// resource names, and its worker id is its VM name: those names are the
// idempotency keys for the resource steps that follow, so they must
// never collide with an existing row.
func (p *AzureProvider) requestNewWorkers(ctx context.Context, pool *store.WorkerPool, workers []*store.Worker) error {
	n, err := p.estimator.EstimateToSpawn(ctx, pool, estimator.WorkerInfo{
		ExistingCapacity:  liveCapacity(workers),
		RequestedCapacity: pool.Config.MinCapacity,
	})
	if err != nil {
		return fmt.Errorf("estimating spawn count for pool %s: %w", pool.WorkerPoolID, err)
	}
	for i := 0; i < n; i++ {
		lc, err := pickLaunchConfig(pool)
		if err != nil {
			return err
		}

		vmName, ipName, nicName, computerName, err := newResourceNames()
		if err != nil {
			return err
		}
		workerID := vmName

		w := &store.Worker{
			WorkerPoolID: pool.WorkerPoolID,
			WorkerGroup:  lc.Location,
			WorkerID:     workerID,
			State:        store.WorkerRequested,
			Capacity:     lc.CapacityPerInstance,
			ProviderData: store.ProviderData{
				Location:          lc.Location,
				ResourceGroupName: p.client.ResourceGroupName,
				SubnetID:          lc.SubnetID,
				Tags: ApplyReservedTags(lc.Tags, p.rootURL, lc.Location, pool.WorkerPoolID,
					pool.ProviderID, pool.Owner),
				VM:           store.VMResourceRef{ResourceRef: store.ResourceRef{Name: vmName}, ComputerName: computerName},
				IP:           store.ResourceRef{Name: ipName},
				NIC:          store.ResourceRef{Name: nicName},
				WorkerConfig: lc.WorkerConfig,
			},
		}
		if err := p.store.CreateWorker(ctx, w); err != nil {
			return fmt.Errorf("creating worker row %s: %w", workerID, err)
		}
	}
	return nil
}

// newResourceNames generates the independent, purpose-prefixed names
// Azure's per-resource-type length limits require: vm-<id>-<id> (<=38),
// pip-<id> and nic-<id> (<=24 each), and a separately generated
// computerName (<=15) since the OS hostname and the VM's ARM resource
// name are unrelated fields with unrelated limits.
func newResourceNames() (vmName, ipName, nicName, computerName string, err error) {
	vmID1, err := nicerID(12)
	if err != nil {
		return "", "", "", "", fmt.Errorf("generating vm id: %w", err)
	}
	vmID2, err := nicerID(12)
	if err != nil {
		return "", "", "", "", fmt.Errorf("generating vm id: %w", err)
	}
	ipID, err := nicerID(16)
	if err != nil {
		return "", "", "", "", fmt.Errorf("generating ip id: %w", err)
	}
	nicID, err := nicerID(16)
	if err != nil {
		return "", "", "", "", fmt.Errorf("generating nic id: %w", err)
	}
	computerName, err = nicerID(12)
	if err != nil {
		return "", "", "", "", fmt.Errorf("generating computer name: %w", err)
	}
	return "vm-" + vmID1 + "-" + vmID2, "pip-" + ipID, "nic-" + nicID, computerName, nil
}

func liveCapacity(workers []*store.Worker) int {
	var total int
	for _, w := range workers {
		if w.State == store.WorkerRequested || w.State == store.WorkerRunning {
			total += w.Capacity
		}
	}
	return total
}

func pickLaunchConfig(pool *store.WorkerPool) (store.LaunchConfig, error) {
	if len(pool.Config.LaunchConfigs) == 0 {
		return store.LaunchConfig{}, &ConfigError{Field: "launchConfigs", Err: errNoLaunchConfigs}
	}
	// Sampling uniformly at random across launch configs spreads new
	// capacity across zones/sizes instead of always picking the first.
	idx, err := randomIndex(len(pool.Config.LaunchConfigs))
	if err != nil {
		return store.LaunchConfig{}, err
	}
	return pool.Config.LaunchConfigs[idx], nil
}

// provisionWorker advances the resource step engine for one worker by at
// most one GET-and-maybe-begin step per resource: IP -> NIC -> VM, then
// records the disk ids Azure created alongside the VM. A step runs only
// once the one before it has a confirmed id; otherwise the pass stops
// there. The worker stays requested throughout: registration, not
// provisioning, moves it to running. Each step is
// idempotent and non-blocking, so a worker interrupted partway through a
// prior pass — or mid-create on a real, minutes-long ARM operation —
// resumes from wherever its providerData left off instead of this pass
// waiting on it.
func (p *AzureProvider) provisionWorker(ctx context.Context, pool *store.WorkerPool, w *store.Worker) error {
	pd := &w.ProviderData

	if err := resource.Provision(ctx, &pd.IP, "publicIPAddress", p.gateway, gateway.BucketWrite,
		func(ctx context.Context) (*armnetwork.PublicIPAddress, error) {
			resp, err := p.client.IPs.Get(ctx, pd.ResourceGroupName, pd.IP.Name, nil)
			if err != nil {
				return nil, err
			}
			return &resp.PublicIPAddress, nil
		},
		func(ip *armnetwork.PublicIPAddress) string {
			if ip.Properties == nil {
				return ""
			}
			return string(ptr.Deref(ip.Properties.ProvisioningState, ""))
		},
		func(ip *armnetwork.PublicIPAddress) string { return ptr.Deref(ip.ID, "") },
		func(ctx context.Context, token string) (resource.LRO[*armnetwork.PublicIPAddress], error) {
			return p.beginCreatePublicIP(ctx, pd, token)
		},
		nil,
		func() { w.State = store.WorkerStopping },
	); err != nil {
		return err
	}
	if !pd.IP.Present() {
		return nil
	}

	if err := resource.Provision(ctx, &pd.NIC, "networkInterface", p.gateway, gateway.BucketWrite,
		func(ctx context.Context) (*armnetwork.Interface, error) {
			resp, err := p.client.NICs.Get(ctx, pd.ResourceGroupName, pd.NIC.Name, nil)
			if err != nil {
				return nil, err
			}
			return &resp.Interface, nil
		},
		func(nic *armnetwork.Interface) string {
			if nic.Properties == nil {
				return ""
			}
			return string(ptr.Deref(nic.Properties.ProvisioningState, ""))
		},
		func(nic *armnetwork.Interface) string { return ptr.Deref(nic.ID, "") },
		func(ctx context.Context, token string) (resource.LRO[*armnetwork.Interface], error) {
			return p.beginCreateNIC(ctx, pd, token)
		},
		nil,
		func() { w.State = store.WorkerStopping },
	); err != nil {
		return err
	}
	if !pd.NIC.Present() {
		return nil
	}

	if err := resource.Provision(ctx, &pd.VM.ResourceRef, "virtualMachine", p.gateway, gateway.BucketWrite,
		func(ctx context.Context) (*armcompute.VirtualMachine, error) {
			resp, err := p.client.VMs.Get(ctx, pd.ResourceGroupName, pd.VM.Name, nil)
			if err != nil {
				return nil, err
			}
			return &resp.VirtualMachine, nil
		},
		func(vm *armcompute.VirtualMachine) string {
			if vm.Properties == nil {
				return ""
			}
			return ptr.Deref(vm.Properties.ProvisioningState, "")
		},
		func(vm *armcompute.VirtualMachine) string { return ptr.Deref(vm.ID, "") },
		func(ctx context.Context, token string) (resource.LRO[*armcompute.VirtualMachine], error) {
			return p.beginCreateVM(ctx, pool, w, token)
		},
		func(vm *armcompute.VirtualMachine) { pd.Disks = extractDiskRefs(*vm) },
		func() { w.State = store.WorkerStopping },
	); err != nil {
		return err
	}

	if pd.VM.Present() && len(pd.Disks) == 0 {
		if err := p.gateway.Wait(ctx, gateway.BucketGet); err != nil {
			return err
		}
		resp, err := p.client.VMs.Get(ctx, pd.ResourceGroupName, pd.VM.Name, nil)
		if err == nil {
			pd.Disks = extractDiskRefs(resp.VirtualMachine)
		}
	}

	return nil
}

func (p *AzureProvider) beginCreatePublicIP(ctx context.Context, pd *store.ProviderData, token string) (resource.LRO[*armnetwork.PublicIPAddress], error) {
	poller, err := p.client.IPs.BeginCreateOrUpdate(ctx, pd.ResourceGroupName, pd.IP.Name, armnetwork.PublicIPAddress{
		Location: ptr.To(pd.Location),
		Properties: &armnetwork.PublicIPAddressPropertiesFormat{
			PublicIPAddressVersion:   ptr.To(armnetwork.IPVersionIPv4),
			PublicIPAllocationMethod: ptr.To(armnetwork.IPAllocationMethodStatic),
		},
		SKU:  &armnetwork.PublicIPAddressSKU{Name: ptr.To(armnetwork.PublicIPAddressSKUNameStandard)},
		Tags: tagPtrMap(pd.Tags),
	}, &armnetwork.PublicIPAddressesClientBeginCreateOrUpdateOptions{ResumeToken: token})
	if err != nil {
		return nil, err
	}
	return adaptLRO(poller, func(r armnetwork.PublicIPAddressesClientCreateOrUpdateResponse) *armnetwork.PublicIPAddress {
		return &r.PublicIPAddress
	}), nil
}

func (p *AzureProvider) beginCreateNIC(ctx context.Context, pd *store.ProviderData, token string) (resource.LRO[*armnetwork.Interface], error) {
	poller, err := p.client.NICs.BeginCreateOrUpdate(ctx, pd.ResourceGroupName, pd.NIC.Name, armnetwork.Interface{
		Location: ptr.To(pd.Location),
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
				Name: ptr.To("ipconfig1"),
				Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
					Subnet:                    &armnetwork.Subnet{ID: ptr.To(pd.SubnetID)},
					PublicIPAddress:           &armnetwork.PublicIPAddress{ID: pd.IP.ID},
					PrivateIPAllocationMethod: ptr.To(armnetwork.IPAllocationMethodDynamic),
				},
			}},
		},
		Tags: tagPtrMap(pd.Tags),
	}, &armnetwork.InterfacesClientBeginCreateOrUpdateOptions{ResumeToken: token})
	if err != nil {
		return nil, err
	}
	return adaptLRO(poller, func(r armnetwork.InterfacesClientCreateOrUpdateResponse) *armnetwork.Interface {
		return &r.Interface
	}), nil
}

func (p *AzureProvider) beginCreateVM(ctx context.Context, pool *store.WorkerPool, w *store.Worker, token string) (resource.LRO[*armcompute.VirtualMachine], error) {
	pd := &w.ProviderData
	lc := launchConfigFor(pool, pd)

	adminPassword, err := GenerateAdminPassword()
	if err != nil {
		return nil, err
	}

	vm := armcompute.VirtualMachine{
		Location: ptr.To(pd.Location),
		Tags:     tagPtrMap(pd.Tags),
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: ptr.To(armcompute.VirtualMachineSizeTypes(lc.HardwareProfile.VMSize)),
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  ptr.To(pd.VM.ComputerName),
				AdminUsername: ptr.To("vmfleet"),
				AdminPassword: ptr.To(adminPassword),
			},
			StorageProfile: storageProfileFor(lc),
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{ID: pd.NIC.ID}},
			},
		},
	}

	// User-supplied disk names are stripped: Azure generates the managed
	// disk name from the VM name, and a caller-chosen name here could
	// collide across worker pools sharing a resource group.
	stripDiskNames(vm.Properties.StorageProfile)

	poller, err := p.client.VMs.BeginCreateOrUpdate(ctx, pd.ResourceGroupName, pd.VM.Name, vm,
		&armcompute.VirtualMachinesClientBeginCreateOrUpdateOptions{ResumeToken: token})
	if err != nil {
		return nil, err
	}
	return adaptLRO(poller, func(r armcompute.VirtualMachinesClientCreateOrUpdateResponse) *armcompute.VirtualMachine {
		return &r.VirtualMachine
	}), nil
}

func launchConfigFor(pool *store.WorkerPool, pd *store.ProviderData) store.LaunchConfig {
	for _, lc := range pool.Config.LaunchConfigs {
		if lc.Location == pd.Location && lc.SubnetID == pd.SubnetID {
			return lc
		}
	}
	if len(pool.Config.LaunchConfigs) > 0 {
		return pool.Config.LaunchConfigs[0]
	}
	return store.LaunchConfig{}
}

func storageProfileFor(lc store.LaunchConfig) *armcompute.StorageProfile {
	sp := &armcompute.StorageProfile{
		OSDisk: &armcompute.OSDisk{
			CreateOption: ptr.To(armcompute.DiskCreateOptionTypesFromImage),
			ManagedDisk:  &armcompute.ManagedDiskParameters{StorageAccountType: ptr.To(armcompute.StorageAccountTypesStandardSSDLRS)},
		},
	}
	for range lc.StorageProfile.DataDisks {
		sp.DataDisks = append(sp.DataDisks, &armcompute.DataDisk{
			CreateOption: ptr.To(armcompute.DiskCreateOptionTypesEmpty),
			ManagedDisk:  &armcompute.ManagedDiskParameters{StorageAccountType: ptr.To(armcompute.StorageAccountTypesStandardSSDLRS)},
			Lun:          ptr.To(int32(len(sp.DataDisks))),
		})
	}
	return sp
}

// stripDiskNames clears any Name field a launch config's raw storage
// profile template might carry; Azure assigns managed disk names from
// the VM name and create option, and accepting caller names here risks
// cross-pool collisions in a shared resource group.
func stripDiskNames(sp *armcompute.StorageProfile) {
	if sp == nil {
		return
	}
	if sp.OSDisk != nil {
		sp.OSDisk.Name = nil
	}
	for _, d := range sp.DataDisks {
		d.Name = nil
	}
}

// extractDiskRefs records the managed disk ids Azure created for the VM.
// A disk ResourceRef is only ever appended once the VM Azure returns
// actually reports a managed disk id for it, not merely once a disk was
// requested — the same "present only once confirmed" rule the IP, NIC,
// and VM refs already follow.
func extractDiskRefs(vm armcompute.VirtualMachine) []store.ResourceRef {
	var refs []store.ResourceRef
	if vm.Properties == nil || vm.Properties.StorageProfile == nil {
		return refs
	}
	sp := vm.Properties.StorageProfile
	if sp.OSDisk != nil && sp.OSDisk.ManagedDisk != nil && sp.OSDisk.ManagedDisk.ID != nil {
		refs = append(refs, store.ResourceRef{
			Name: ptr.Deref(sp.OSDisk.Name, "osdisk"),
			ID:   sp.OSDisk.ManagedDisk.ID,
		})
	}
	for _, d := range sp.DataDisks {
		if d.ManagedDisk != nil && d.ManagedDisk.ID != nil {
			refs = append(refs, store.ResourceRef{
				Name: ptr.Deref(d.Name, "datadisk"),
				ID:   d.ManagedDisk.ID,
			})
		}
	}
	return refs
}

package azure

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v5"
	"k8s.io/utils/ptr"

	"github.com/wisbric/vmfleet/internal/azure/gateway"
	"github.com/wisbric/vmfleet/internal/azure/resource"
	"github.com/wisbric/vmfleet/internal/notify"
	"github.com/wisbric/vmfleet/internal/store"
)

// RemoveWorker tears down one worker's cloud resources in the reverse of
// creation order — VM, then NIC, then IP, then disks — and deletes the
// store row once nothing remains. Each step is idempotent: a worker
// interrupted mid-teardown resumes from whichever resources are still
// present in its providerData.
func (p *AzureProvider) RemoveWorker(ctx context.Context, pool *store.WorkerPool, w *store.Worker) error {
	err := p.store.UpdateWorker(ctx, pool.WorkerPoolID, w.WorkerID, func(w *store.Worker) error {
		return p.removeWorkerResources(ctx, w)
	})
	if err != nil {
		return err
	}

	w, err = p.store.GetWorker(ctx, pool.WorkerPoolID, w.WorkerID)
	if err != nil {
		return err
	}

	if workerFullyRemoved(w) {
		if p.notifier != nil {
			_ = p.notifier.Publish(ctx, workerRemovedEvent(w))
		}
		return p.store.DeleteWorker(ctx, pool.WorkerPoolID, w.WorkerID)
	}

	return nil
}

// removeWorkerResources advances the removal pipeline by at most one
// GET-or-delete step per resource, in strict reverse-of-creation order:
// VM, then NIC, then IP, then disks. A step is only attempted once the
// one before it is verified gone by a 404 GET — never merely because its
// delete was issued — so a VM stuck deleting (an attached data disk,
// say) correctly blocks the NIC/IP/disk steps behind it instead of
// racing ahead of a resource Azure still considers in use.
func (p *AzureProvider) removeWorkerResources(ctx context.Context, w *store.Worker) error {
	pd := &w.ProviderData
	w.State = store.WorkerStopping

	vmGone, err := resource.Remove(ctx, &pd.VM.ResourceRef, "virtualMachine", p.gateway, gateway.BucketWrite,
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
		func(ctx context.Context, token string) (resource.LRO[*armcompute.VirtualMachine], error) {
			poller, err := p.client.VMs.BeginDelete(ctx, pd.ResourceGroupName, pd.VM.Name,
				&armcompute.VirtualMachinesClientBeginDeleteOptions{ResumeToken: token})
			if err != nil {
				return nil, err
			}
			return adaptLRO(poller, func(armcompute.VirtualMachinesClientDeleteResponse) *armcompute.VirtualMachine {
				return nil
			}), nil
		},
	)
	if err != nil {
		return err
	}
	if !vmGone {
		return nil
	}

	nicGone, err := resource.Remove(ctx, &pd.NIC, "networkInterface", p.gateway, gateway.BucketWrite,
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
		func(ctx context.Context, token string) (resource.LRO[*armnetwork.Interface], error) {
			poller, err := p.client.NICs.BeginDelete(ctx, pd.ResourceGroupName, pd.NIC.Name,
				&armnetwork.InterfacesClientBeginDeleteOptions{ResumeToken: token})
			if err != nil {
				return nil, err
			}
			return adaptLRO(poller, func(armnetwork.InterfacesClientDeleteResponse) *armnetwork.Interface {
				return nil
			}), nil
		},
	)
	if err != nil {
		return err
	}
	if !nicGone {
		return nil
	}

	ipGone, err := resource.Remove(ctx, &pd.IP, "publicIPAddress", p.gateway, gateway.BucketWrite,
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
		func(ctx context.Context, token string) (resource.LRO[*armnetwork.PublicIPAddress], error) {
			poller, err := p.client.IPs.BeginDelete(ctx, pd.ResourceGroupName, pd.IP.Name,
				&armnetwork.PublicIPAddressesClientBeginDeleteOptions{ResumeToken: token})
			if err != nil {
				return nil, err
			}
			return adaptLRO(poller, func(armnetwork.PublicIPAddressesClientDeleteResponse) *armnetwork.PublicIPAddress {
				return nil
			}), nil
		},
	)
	if err != nil {
		return err
	}
	if !ipGone {
		return nil
	}

	for i := range pd.Disks {
		disk := &pd.Disks[i]
		gone, err := resource.Remove(ctx, disk, "disk", p.gateway, gateway.BucketWrite,
			func(ctx context.Context) (*armcompute.Disk, error) {
				resp, err := p.client.Disks.Get(ctx, pd.ResourceGroupName, disk.Name, nil)
				if err != nil {
					return nil, err
				}
				return &resp.Disk, nil
			},
			func(d *armcompute.Disk) string {
				if d.Properties == nil {
					return ""
				}
				return ptr.Deref(d.Properties.ProvisioningState, "")
			},
			func(ctx context.Context, token string) (resource.LRO[*armcompute.Disk], error) {
				poller, err := p.client.Disks.BeginDelete(ctx, pd.ResourceGroupName, disk.Name,
					&armcompute.DisksClientBeginDeleteOptions{ResumeToken: token})
				if err != nil {
					return nil, err
				}
				return adaptLRO(poller, func(armcompute.DisksClientDeleteResponse) *armcompute.Disk {
					return nil
				}), nil
			},
		)
		if err != nil {
			return fmt.Errorf("removing disk %s: %w", disk.Name, err)
		}
		if !gone {
			return nil
		}
	}

	if workerFullyRemoved(w) {
		w.State = store.WorkerStopped
	}
	return nil
}

func workerFullyRemoved(w *store.Worker) bool {
	pd := w.ProviderData
	if pd.VM.Present() || pd.NIC.Present() || pd.IP.Present() {
		return false
	}
	for _, d := range pd.Disks {
		if d.Present() {
			return false
		}
	}
	return true
}

func workerRemovedEvent(w *store.Worker) notify.Event {
	return notify.Event{
		WorkerPoolID: w.WorkerPoolID,
		WorkerID:     w.WorkerID,
		State:        string(store.WorkerStopped),
		At:           time.Now(),
	}
}

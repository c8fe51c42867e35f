package azure

import (
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"k8s.io/utils/ptr"

	"github.com/wisbric/vmfleet/internal/store"
)

func TestPickLaunchConfigRejectsEmptyPool(t *testing.T) {
	pool := &store.WorkerPool{Config: store.PoolConfig{}}
	if _, err := pickLaunchConfig(pool); err == nil {
		t.Fatal("expected error for pool with no launch configs")
	}
}

func TestPickLaunchConfigReturnsAnEntry(t *testing.T) {
	pool := &store.WorkerPool{Config: store.PoolConfig{
		LaunchConfigs: []store.LaunchConfig{
			{Location: "eastus"},
			{Location: "westus"},
		},
	}}
	lc, err := pickLaunchConfig(pool)
	if err != nil {
		t.Fatalf("pickLaunchConfig() error = %v", err)
	}
	if lc.Location != "eastus" && lc.Location != "westus" {
		t.Errorf("unexpected launch config returned: %+v", lc)
	}
}

func TestLaunchConfigForMatchesByLocationAndSubnet(t *testing.T) {
	pool := &store.WorkerPool{Config: store.PoolConfig{
		LaunchConfigs: []store.LaunchConfig{
			{Location: "eastus", SubnetID: "subnet-a"},
			{Location: "westus", SubnetID: "subnet-b"},
		},
	}}
	pd := &store.ProviderData{Location: "westus", SubnetID: "subnet-b"}

	got := launchConfigFor(pool, pd)
	if got.Location != "westus" {
		t.Errorf("launchConfigFor() = %+v, want westus entry", got)
	}
}

func TestLaunchConfigForFallsBackToFirst(t *testing.T) {
	pool := &store.WorkerPool{Config: store.PoolConfig{
		LaunchConfigs: []store.LaunchConfig{{Location: "eastus", SubnetID: "subnet-a"}},
	}}
	pd := &store.ProviderData{Location: "nowhere", SubnetID: "nothing"}

	got := launchConfigFor(pool, pd)
	if got.Location != "eastus" {
		t.Errorf("launchConfigFor() = %+v, want fallback to first entry", got)
	}
}

func TestStorageProfileForBuildsOneDataDiskPerTemplate(t *testing.T) {
	lc := store.LaunchConfig{
		StorageProfile: store.StorageProfile{
			DataDisks: []map[string]any{{"sizeGb": 100}, {"sizeGb": 200}},
		},
	}
	sp := storageProfileFor(lc)
	if sp.OSDisk == nil {
		t.Fatal("expected an OS disk")
	}
	if len(sp.DataDisks) != 2 {
		t.Fatalf("len(DataDisks) = %d, want 2", len(sp.DataDisks))
	}
	if *sp.DataDisks[0].Lun != 0 || *sp.DataDisks[1].Lun != 1 {
		t.Errorf("LUNs not assigned sequentially: %d, %d", *sp.DataDisks[0].Lun, *sp.DataDisks[1].Lun)
	}
}

func TestStripDiskNamesClearsOSAndDataDiskNames(t *testing.T) {
	sp := &armcompute.StorageProfile{
		OSDisk:    &armcompute.OSDisk{Name: ptr.To("caller-chosen-os")},
		DataDisks: []*armcompute.DataDisk{{Name: ptr.To("caller-chosen-data")}},
	}
	stripDiskNames(sp)
	if sp.OSDisk.Name != nil {
		t.Error("OS disk name was not cleared")
	}
	if sp.DataDisks[0].Name != nil {
		t.Error("data disk name was not cleared")
	}
}

func TestStripDiskNamesNilSafe(t *testing.T) {
	stripDiskNames(nil) // must not panic
}

func TestExtractDiskRefsOnlyIncludesConfirmedIDs(t *testing.T) {
	vm := armcompute.VirtualMachine{
		Properties: &armcompute.VirtualMachineProperties{
			StorageProfile: &armcompute.StorageProfile{
				OSDisk: &armcompute.OSDisk{
					Name:        ptr.To("osdisk1"),
					ManagedDisk: &armcompute.ManagedDiskParameters{ID: ptr.To("/subscriptions/x/osdisk1")},
				},
				DataDisks: []*armcompute.DataDisk{
					{Name: ptr.To("datadisk1"), ManagedDisk: &armcompute.ManagedDiskParameters{ID: ptr.To("/subscriptions/x/datadisk1")}},
					{Name: ptr.To("datadisk2"), ManagedDisk: nil},
				},
			},
		},
	}

	refs := extractDiskRefs(vm)
	if len(refs) != 2 {
		t.Fatalf("len(refs) = %d, want 2 (unconfirmed disk must be excluded)", len(refs))
	}
	if refs[0].Name != "osdisk1" || refs[0].ID == nil || *refs[0].ID != "/subscriptions/x/osdisk1" {
		t.Errorf("unexpected OS disk ref: %+v", refs[0])
	}
	if refs[1].Name != "datadisk1" {
		t.Errorf("unexpected data disk ref: %+v", refs[1])
	}
}

func TestExtractDiskRefsEmptyWhenNoStorageProfile(t *testing.T) {
	refs := extractDiskRefs(armcompute.VirtualMachine{})
	if len(refs) != 0 {
		t.Errorf("expected no refs, got %d", len(refs))
	}
}

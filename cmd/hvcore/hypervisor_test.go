package main

import (
	"testing"

	"armvisor/internal/memregion"
	"armvisor/internal/platform"
)

func testConfig() platform.Config {
	cfg := platform.Default()
	cfg.NRCPUs = 2
	cfg.MaxPhysicalSize = 4 * platform.GiB
	return cfg
}

func TestBootSingleVM(t *testing.T) {
	specs := []VMSpec{
		{
			VMID:  1,
			VCPUs: 2,
			Regions: []memregion.Tag{
				{Name: "ram", MemBase: 0x4000_0000, MemEnd: 0x4010_0000, Type: memregion.Normal, VMID: 1, Enable: true},
			},
		},
	}

	hv, err := Boot(testConfig(), specs)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	vm, ok := hv.VMs[1]
	if !ok {
		t.Fatal("vm 1 missing from Boot result")
	}
	if len(vm.VCPUs) != 2 {
		t.Fatalf("len(vm.VCPUs) = %d, want 2", len(vm.VCPUs))
	}
	if got, err := vm.Table.ReadBlockDescriptor(0x4000_0000); err != nil || got == 0 {
		t.Fatalf("expected a valid block descriptor at the mapped base, got %#x, err %v", got, err)
	}
}

func TestBootSharedRegionVisibleToEveryVM(t *testing.T) {
	specs := []VMSpec{
		{VMID: 1, VCPUs: 1, Regions: []memregion.Tag{
			{Name: "vm1-ram", MemBase: 0x4000_0000, MemEnd: 0x4010_0000, Type: memregion.Normal, VMID: 1, Enable: true},
		}},
		{VMID: 2, VCPUs: 1, Regions: []memregion.Tag{
			{Name: "shared", MemBase: 0x5000_0000, MemEnd: 0x5010_0000, Type: memregion.Shared, VMID: 2, Enable: true},
		}},
	}

	hv, err := Boot(testConfig(), specs)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if len(hv.VMs) != 2 {
		t.Fatalf("len(hv.VMs) = %d, want 2", len(hv.VMs))
	}
	// vm 2's own tag is SHARED, so it is visible to vm 1 too; vm 1's
	// table must therefore successfully map it despite never being
	// named for vm 1 directly.
	if _, err := hv.VMs[1].Table.ReadBlockDescriptor(0x5000_0000); err != nil {
		t.Fatalf("vm 1 should see the shared region: %v", err)
	}
}

func TestBootRejectsVMWithNoRegions(t *testing.T) {
	specs := []VMSpec{{VMID: 1, VCPUs: 1}}
	if _, err := Boot(testConfig(), specs); err == nil {
		t.Fatal("expected an error bringing up a vm with no mapped regions")
	}
}

func TestBootRejectsHostVMID(t *testing.T) {
	specs := []VMSpec{{VMID: memregion.VMIDHost, VCPUs: 1}}
	if _, err := Boot(testConfig(), specs); err == nil {
		t.Fatal("expected an error bringing up a vm using the reserved host vmid")
	}
}

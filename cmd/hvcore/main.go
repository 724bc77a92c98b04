package main

import (
	"flag"
	"os"

	"gopkg.in/yaml.v3"

	"armvisor/internal/logging"
	"armvisor/internal/memregion"
	"armvisor/internal/platform"
)

// vmsFile is the on-disk shape of the --vms YAML file: one entry per
// guest, its device-tree-style region tags and its vCPU count.
type vmsFile struct {
	VMs []struct {
		VMID    int         `yaml:"vmid"`
		VCPUs   int         `yaml:"vcpus"`
		Regions []regionTag `yaml:"regions"`
	} `yaml:"vms"`
}

type regionTag struct {
	Name    string `yaml:"name"`
	MemBase uint64 `yaml:"mem_base"`
	MemEnd  uint64 `yaml:"mem_end"`
	Type    string `yaml:"type"`
	Enable  bool   `yaml:"enable"`
}

func (t regionTag) toTag(vmid int) memregion.Tag {
	kind := memregion.Normal
	switch t.Type {
	case "io":
		kind = memregion.IO
	case "shared":
		kind = memregion.Shared
	}
	return memregion.Tag{
		Name:    t.Name,
		MemBase: t.MemBase,
		MemEnd:  t.MemEnd,
		Type:    kind,
		VMID:    vmid,
		Enable:  t.Enable,
	}
}

func loadSpecs(path string) ([]VMSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var parsed vmsFile
	if err := yaml.NewDecoder(f).Decode(&parsed); err != nil {
		return nil, err
	}

	specs := make([]VMSpec, 0, len(parsed.VMs))
	for _, vm := range parsed.VMs {
		spec := VMSpec{VMID: vm.VMID, VCPUs: vm.VCPUs}
		for _, r := range vm.Regions {
			spec.Regions = append(spec.Regions, r.toTag(vm.VMID))
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func main() {
	platformPath := flag.String("platform", "", "path to a YAML platform descriptor (defaults to platform.Default())")
	vmsPath := flag.String("vms", "", "path to a YAML file describing the VMs to bring up")
	flag.Parse()

	cfg := platform.Default()
	if *platformPath != "" {
		f, err := os.Open(*platformPath)
		if err != nil {
			logging.Log.WithError(err).Fatal("opening platform descriptor")
		}
		cfg, err = platform.Load(f)
		f.Close()
		if err != nil {
			logging.Log.WithError(err).Fatal("loading platform descriptor")
		}
	}

	var specs []VMSpec
	if *vmsPath != "" {
		var err error
		specs, err = loadSpecs(*vmsPath)
		if err != nil {
			logging.Log.WithError(err).Fatal("loading vm descriptor")
		}
	}

	hv, err := Boot(cfg, specs)
	if err != nil {
		logging.Log.WithError(err).Fatal("bringing up hypervisor")
	}

	logging.Log.WithField("vms", len(hv.VMs)).Info("hypervisor core brought up")
}

// Copyright © 2025 The mtv-e2e authors

package providers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/inventory"
)

// ova is backed by appliance files on an NFS share. There is no backend API
// to dial, everything known about the VMs comes from the forklift inventory,
// and power operations have no meaning for a packed appliance.
type ova struct {
	entry *config.ProviderEntry
	log   *zap.SugaredLogger
	inv   *inventory.Client

	provider *inventory.Provider
}

func newOVA(entry *config.ProviderEntry, opts Options) *ova {
	return &ova{entry: entry, log: opts.Log.Named("ova"), inv: opts.Inventory}
}

func (p *ova) Type() Type   { return TypeOVA }
func (p *ova) Name() string { return p.entry.Name }
func (p *ova) sealed()      {}

func (p *ova) Connect(ctx context.Context) error {
	if p.provider != nil {
		return nil
	}
	if p.inv == nil {
		return &ConnectionError{Provider: p.entry.Name, Endpoint: p.entry.URL,
			Err: errors.New("no inventory client configured")}
	}
	record, err := p.inv.ProviderByName(ctx, string(TypeOVA), p.entry.Name)
	if err != nil {
		return &ConnectionError{Provider: p.entry.Name, Endpoint: p.entry.URL, Err: err}
	}
	p.provider = record
	return nil
}

func (p *ova) Disconnect() {
	p.provider = nil
}

func (p *ova) Test(ctx context.Context) bool {
	if err := p.Connect(ctx); err != nil {
		p.log.Warnf("connectivity probe against %s failed: %v", p.entry.Name, err)
		return false
	}
	return true
}

func (p *ova) VMDescriptor(ctx context.Context, name, _ string, _ bool) (*VMDescriptor, error) {
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	vm, err := p.inv.VM(ctx, p.provider, name)
	if err != nil {
		return nil, err
	}
	if vm == nil {
		return nil, &VMNotFoundError{Name: name, Provider: p.entry.Name}
	}

	desc := &VMDescriptor{
		ID:       vm.ID,
		Name:     vm.Name,
		Provider: TypeOVA,
		MemoryMB: int64(vm.MemoryMB),
		// Appliance VMs are files, they are never running.
		PowerState: PowerOff,
	}

	cores := vm.CoresPerSocket
	if cores <= 0 {
		cores = vm.CPUCount
	}
	desc.CPU = CPU{Cores: cores}
	if cores > 0 {
		desc.CPU.Sockets = vm.CPUCount / cores
	}

	netNames := map[string]string{}
	if nets, err := p.inv.Networks(ctx, p.provider); err == nil {
		for _, net := range nets {
			netNames[net.ID] = net.Name
		}
	}
	for _, nic := range vm.NICs {
		network := nic.Network.Name
		if network == "" {
			network = netNames[nic.Network.ID]
		}
		desc.NICs = append(desc.NICs, NIC{Name: nic.Name, MAC: nic.MAC, Network: network})
	}

	for _, disk := range vm.Disks {
		name := disk.Name
		if name == "" {
			name = disk.File
		}
		desc.Disks = append(desc.Disks, Disk{
			Name:        name,
			SizeKB:      disk.Capacity / 1024,
			StorageName: disk.Datastore.Name,
		})
	}
	return desc, nil
}

func (p *ova) StartVM(_ context.Context, _ string) error {
	return &UnsupportedError{Provider: string(TypeOVA), Operation: "StartVM"}
}

func (p *ova) StopVM(_ context.Context, _ string) error {
	return &UnsupportedError{Provider: string(TypeOVA), Operation: "StopVM"}
}

func (p *ova) ListSnapshots(_ context.Context, _ string) ([]Snapshot, error) {
	return nil, nil
}

func (p *ova) WaitForSnapshots(_ context.Context, _ []string, _ int) error {
	return &UnsupportedError{Provider: string(TypeOVA), Operation: "WaitForSnapshots"}
}

var _ Provider = (*ova)(nil)

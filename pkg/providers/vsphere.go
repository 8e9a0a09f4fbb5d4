// Copyright © 2025 The mtv-e2e authors

package providers

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/session/cache"
	"github.com/vmware/govmomi/task"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
	"go.uber.org/zap"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
)

type vSphere struct {
	entry    *config.ProviderEntry
	log      *zap.SugaredLogger
	snapPoll k8sutils.Poll

	client  *vim25.Client
	session *cache.Session
	finder  *find.Finder
	pc      *property.Collector
}

func newVSphere(entry *config.ProviderEntry, opts Options) *vSphere {
	return &vSphere{entry: entry, log: opts.Log.Named("vsphere"), snapPoll: opts.SnapshotPoll}
}

func (p *vSphere) Type() Type   { return TypeVSphere }
func (p *vSphere) Name() string { return p.entry.Name }
func (p *vSphere) sealed()      {}

func (p *vSphere) endpoint() string {
	host := p.entry.URL
	if host == "" {
		host = p.entry.Hostname
	}
	if !strings.HasPrefix(host, "http") {
		host = "https://" + host
	}
	if !strings.HasSuffix(host, "/sdk") {
		host = strings.TrimRight(host, "/") + "/sdk"
	}
	return host
}

func (p *vSphere) Connect(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	u, err := url.Parse(p.endpoint())
	if err != nil {
		return &ConnectionError{Provider: p.entry.Name, Endpoint: p.endpoint(), Err: err}
	}
	u.User = url.UserPassword(p.entry.Username, p.entry.Password)
	s := &cache.Session{URL: u, Insecure: p.entry.Insecure}
	c := new(vim25.Client)
	if err := s.Login(ctx, c, nil); err != nil {
		return &ConnectionError{Provider: p.entry.Name, Endpoint: p.endpoint(), Err: err}
	}
	p.client = c
	p.session = s
	p.finder = find.NewFinder(c, false)
	p.pc = property.DefaultCollector(c)
	return nil
}

func (p *vSphere) Disconnect() {
	if p.client == nil {
		return
	}
	_ = p.session.Logout(context.Background(), p.client)
	p.client = nil
	p.session = nil
	p.finder = nil
	p.pc = nil
}

func (p *vSphere) Test(ctx context.Context) bool {
	if !reachable(ctx, p.endpoint()) {
		return false
	}
	if err := p.Connect(ctx); err != nil {
		p.log.Warnf("connectivity probe against %s failed: %v", p.entry.Name, err)
		return false
	}
	userSession, err := session.NewManager(p.client).UserSession(ctx)
	return err == nil && userSession != nil
}

// findVM looks the VM up across datacenters, preferring the configured one.
func (p *vSphere) findVM(ctx context.Context, name string) (*object.VirtualMachine, error) {
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	datacenters, err := p.finder.DatacenterList(ctx, "*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list datacenters")
	}
	if p.entry.Datacenter != "" {
		for i, dc := range datacenters {
			if dc.Name() == p.entry.Datacenter && i != 0 {
				datacenters[0], datacenters[i] = datacenters[i], datacenters[0]
			}
		}
	}
	for _, dc := range datacenters {
		p.finder.SetDatacenter(dc)
		vm, err := p.finder.VirtualMachine(ctx, name)
		if err == nil {
			return vm, nil
		}
	}
	return nil, &VMNotFoundError{Name: name, Provider: p.entry.Name}
}

func (p *vSphere) VMDescriptor(ctx context.Context, name, _ string, source bool) (*VMDescriptor, error) {
	vm, err := p.findVM(ctx, name)
	if err != nil {
		return nil, err
	}
	var o mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{}, &o); err != nil {
		return nil, errors.Wrap(err, "failed to get VM properties")
	}

	desc := &VMDescriptor{
		ID:         vm.Reference().Value,
		Name:       o.Name,
		Provider:   TypeVSphere,
		MemoryMB:   int64(o.Config.Hardware.MemoryMB),
		PowerState: vspherePowerState(o.Runtime.PowerState),
	}

	cores := o.Config.Hardware.NumCoresPerSocket
	if cores <= 0 {
		cores = o.Config.Hardware.NumCPU
	}
	desc.CPU = CPU{Cores: cores, Sockets: o.Config.Hardware.NumCPU / max(cores, 1)}

	for _, device := range o.Config.Hardware.Device {
		switch d := device.(type) {
		case types.BaseVirtualEthernetCard:
			card := d.GetVirtualEthernetCard()
			nic := NIC{
				Name:    card.DeviceInfo.GetDescription().Label,
				MAC:     card.MacAddress,
				Network: p.networkName(ctx, card.Backing),
			}
			if !source {
				nic.IP = guestIP(o.Guest, card.MacAddress)
			}
			desc.NICs = append(desc.NICs, nic)
		case *types.VirtualDisk:
			desc.Disks = append(desc.Disks, Disk{
				Name:        d.DeviceInfo.GetDescription().Label,
				SizeKB:      d.CapacityInKB,
				StorageName: datastoreOf(d),
			})
		}
	}

	if o.Snapshot != nil {
		desc.Snapshots = flattenSnapshots(o.Snapshot.RootSnapshotList)
	}
	return desc, nil
}

// networkName resolves the logical network of a NIC backing. Standard
// portgroups carry the name directly, distributed portgroups need a lookup.
func (p *vSphere) networkName(ctx context.Context, backing types.BaseVirtualDeviceBackingInfo) string {
	switch b := backing.(type) {
	case *types.VirtualEthernetCardNetworkBackingInfo:
		return b.DeviceName
	case *types.VirtualEthernetCardDistributedVirtualPortBackingInfo:
		ref := types.ManagedObjectReference{
			Type:  "DistributedVirtualPortgroup",
			Value: b.Port.PortgroupKey,
		}
		var pg mo.DistributedVirtualPortgroup
		if err := p.pc.RetrieveOne(ctx, ref, []string{"name"}, &pg); err != nil {
			p.log.Warnf("failed to resolve portgroup %s: %v", b.Port.PortgroupKey, err)
			return ""
		}
		return pg.Name
	default:
		return ""
	}
}

func guestIP(guest *types.GuestInfo, mac string) string {
	if guest == nil {
		return ""
	}
	for _, net := range guest.Net {
		if !strings.EqualFold(net.MacAddress, mac) || net.IpConfig == nil {
			continue
		}
		for _, ip := range net.IpConfig.IpAddress {
			if !strings.Contains(ip.IpAddress, ":") {
				return ip.IpAddress
			}
		}
	}
	return ""
}

// datastoreOf parses the datastore name out of a "[ds] vm/disk.vmdk" backing
// file path.
func datastoreOf(disk *types.VirtualDisk) string {
	backing, ok := disk.Backing.(types.BaseVirtualDeviceFileBackingInfo)
	if !ok {
		return ""
	}
	file := backing.GetVirtualDeviceFileBackingInfo().FileName
	if start := strings.Index(file, "["); start >= 0 {
		if end := strings.Index(file, "]"); end > start {
			return file[start+1 : end]
		}
	}
	return ""
}

func flattenSnapshots(trees []types.VirtualMachineSnapshotTree) []Snapshot {
	var out []Snapshot
	for _, tree := range trees {
		out = append(out, Snapshot{
			ID:         tree.Snapshot.Value,
			Name:       tree.Name,
			State:      string(tree.State),
			CreateTime: tree.CreateTime,
		})
		out = append(out, flattenSnapshots(tree.ChildSnapshotList)...)
	}
	return out
}

func vspherePowerState(state types.VirtualMachinePowerState) PowerState {
	switch state {
	case types.VirtualMachinePowerStatePoweredOn:
		return PowerOn
	case types.VirtualMachinePowerStatePoweredOff:
		return PowerOff
	default:
		return PowerOther
	}
}

func (p *vSphere) StartVM(ctx context.Context, name string) error {
	vm, err := p.findVM(ctx, name)
	if err != nil {
		return err
	}
	state, err := vm.PowerState(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get VM power state")
	}
	if state == types.VirtualMachinePowerStatePoweredOn {
		return nil
	}
	t, err := vm.PowerOn(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to power on %s", name)
	}
	return ignoreInvalidPowerState(t.Wait(ctx))
}

func (p *vSphere) StopVM(ctx context.Context, name string) error {
	vm, err := p.findVM(ctx, name)
	if err != nil {
		return err
	}
	state, err := vm.PowerState(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get VM power state")
	}
	if state == types.VirtualMachinePowerStatePoweredOff {
		return nil
	}
	t, err := vm.PowerOff(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to power off %s", name)
	}
	return ignoreInvalidPowerState(t.Wait(ctx))
}

// ignoreInvalidPowerState drops the fault a power task reports when another
// actor already moved the VM into the requested state.
func ignoreInvalidPowerState(err error) error {
	if err == nil {
		return nil
	}
	var terr task.Error
	if errors.As(err, &terr) {
		if _, ok := terr.Fault().(*types.InvalidPowerState); ok {
			return nil
		}
	}
	return err
}

func (p *vSphere) ListSnapshots(ctx context.Context, name string) ([]Snapshot, error) {
	vm, err := p.findVM(ctx, name)
	if err != nil {
		return nil, err
	}
	var o mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"snapshot"}, &o); err != nil {
		return nil, errors.Wrap(err, "failed to get VM snapshot properties")
	}
	if o.Snapshot == nil {
		return nil, nil
	}
	return flattenSnapshots(o.Snapshot.RootSnapshotList), nil
}

func (p *vSphere) WaitForSnapshots(ctx context.Context, names []string, minCount int) error {
	for _, name := range names {
		name := name
		err := p.snapPoll.Until(ctx, func(ctx context.Context) (bool, error) {
			snaps, err := p.ListSnapshots(ctx, name)
			if err != nil {
				return false, err
			}
			p.log.Infof("VM %s has %d/%d precopy snapshots", name, len(snaps), minCount)
			return len(snaps) >= minCount, nil
		})
		if err != nil {
			return errors.Wrapf(err, "VM %s did not reach %d snapshots", name, minCount)
		}
	}
	return nil
}

var _ Provider = (*vSphere)(nil)

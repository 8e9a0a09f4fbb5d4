// Copyright © 2025 The mtv-e2e authors

package providers

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	gophercloud "github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/snapshots"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/volumes"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/ports"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
)

type openStack struct {
	entry    *config.ProviderEntry
	log      *zap.SugaredLogger
	snapPoll k8sutils.Poll

	provider     *gophercloud.ProviderClient
	compute      *gophercloud.ServiceClient
	blockStorage *gophercloud.ServiceClient
	network      *gophercloud.ServiceClient
}

func newOpenStack(entry *config.ProviderEntry, opts Options) *openStack {
	return &openStack{entry: entry, log: opts.Log.Named("openstack"), snapPoll: opts.SnapshotPoll}
}

func (p *openStack) Type() Type   { return TypeOpenStack }
func (p *openStack) Name() string { return p.entry.Name }
func (p *openStack) sealed()      {}

func (p *openStack) Connect(ctx context.Context) error {
	if p.provider != nil {
		return nil
	}
	pc, err := openstack.NewClient(p.entry.URL)
	if err != nil {
		return &ConnectionError{Provider: p.entry.Name, Endpoint: p.entry.URL, Err: err}
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.entry.Insecure {
		tlsConfig.InsecureSkipVerify = true
	}
	pc.HTTPClient = http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   60 * time.Second,
	}

	domain := p.entry.Domain
	if domain == "" {
		domain = "Default"
	}
	authOpts := gophercloud.AuthOptions{
		IdentityEndpoint: p.entry.URL,
		Username:         p.entry.Username,
		Password:         p.entry.Password,
		DomainName:       domain,
		TenantName:       p.entry.Project,
		AllowReauth:      true,
	}
	if err := openstack.Authenticate(ctx, pc, authOpts); err != nil {
		return &ConnectionError{Provider: p.entry.Name, Endpoint: p.entry.URL, Err: err}
	}

	endpoint := gophercloud.EndpointOpts{Region: p.entry.Region}
	compute, err := openstack.NewComputeV2(pc, endpoint)
	if err != nil {
		return &ConnectionError{Provider: p.entry.Name, Endpoint: p.entry.URL,
			Err: errors.Wrap(err, "compute endpoint")}
	}
	blockStorage, err := openstack.NewBlockStorageV3(pc, endpoint)
	if err != nil {
		return &ConnectionError{Provider: p.entry.Name, Endpoint: p.entry.URL,
			Err: errors.Wrap(err, "block storage endpoint")}
	}
	network, err := openstack.NewNetworkV2(pc, endpoint)
	if err != nil {
		return &ConnectionError{Provider: p.entry.Name, Endpoint: p.entry.URL,
			Err: errors.Wrap(err, "networking endpoint")}
	}

	p.provider = pc
	p.compute = compute
	p.blockStorage = blockStorage
	p.network = network
	return nil
}

func (p *openStack) Disconnect() {
	p.provider = nil
	p.compute = nil
	p.blockStorage = nil
	p.network = nil
}

func (p *openStack) Test(ctx context.Context) bool {
	if !reachable(ctx, p.entry.URL) {
		return false
	}
	if err := p.Connect(ctx); err != nil {
		p.log.Warnf("connectivity probe against %s failed: %v", p.entry.Name, err)
		return false
	}
	return true
}

// findServer resolves a server by exact name. Nova treats the name filter as
// a regex, so the match is re-checked client side.
func (p *openStack) findServer(ctx context.Context, name string) (*servers.Server, error) {
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	pages, err := servers.List(p.compute, servers.ListOpts{Name: name}).AllPages(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list servers")
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract servers")
	}
	for i := range all {
		if all[i].Name == name {
			return &all[i], nil
		}
	}
	return nil, &VMNotFoundError{Name: name, Provider: p.entry.Name}
}

func (p *openStack) VMDescriptor(ctx context.Context, name, _ string, source bool) (*VMDescriptor, error) {
	server, err := p.findServer(ctx, name)
	if err != nil {
		return nil, err
	}

	desc := &VMDescriptor{
		ID:         server.ID,
		Name:       server.Name,
		Provider:   TypeOpenStack,
		PowerState: openStackPowerState(server.Status),
	}

	if id, ok := server.Flavor["id"].(string); ok && id != "" {
		flavor, err := flavors.Get(ctx, p.compute, id).Extract()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get flavor %s", id)
		}
		desc.CPU = CPU{Cores: int32(flavor.VCPUs)}
		desc.MemoryMB = int64(flavor.RAM)
	}

	nics, err := p.serverNICs(ctx, server.ID, source)
	if err != nil {
		return nil, err
	}
	desc.NICs = nics

	for _, att := range server.AttachedVolumes {
		vol, err := volumes.Get(ctx, p.blockStorage, att.ID).Extract()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get volume %s", att.ID)
		}
		volName := vol.Name
		if volName == "" {
			volName = vol.ID
		}
		desc.Disks = append(desc.Disks, Disk{
			Name:        volName,
			SizeKB:      int64(vol.Size) * 1024 * 1024,
			StorageName: vol.VolumeType,
		})

		snaps, err := p.volumeSnapshots(ctx, vol.ID)
		if err != nil {
			return nil, err
		}
		desc.Snapshots = append(desc.Snapshots, snaps...)
	}
	return desc, nil
}

func (p *openStack) serverNICs(ctx context.Context, serverID string, source bool) ([]NIC, error) {
	pages, err := ports.List(p.network, ports.ListOpts{DeviceID: serverID}).AllPages(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ports")
	}
	all, err := ports.ExtractPorts(pages)
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract ports")
	}
	netNames := map[string]string{}
	var nics []NIC
	for _, port := range all {
		netName, ok := netNames[port.NetworkID]
		if !ok {
			network, err := networks.Get(ctx, p.network, port.NetworkID).Extract()
			if err != nil {
				return nil, errors.Wrapf(err, "failed to get network %s", port.NetworkID)
			}
			netName = network.Name
			netNames[port.NetworkID] = netName
		}
		nic := NIC{Name: port.Name, MAC: port.MACAddress, Network: netName}
		if !source && len(port.FixedIPs) > 0 {
			nic.IP = port.FixedIPs[0].IPAddress
		}
		nics = append(nics, nic)
	}
	return nics, nil
}

func (p *openStack) volumeSnapshots(ctx context.Context, volumeID string) ([]Snapshot, error) {
	pages, err := snapshots.List(p.blockStorage, snapshots.ListOpts{VolumeID: volumeID}).AllPages(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list snapshots of volume %s", volumeID)
	}
	all, err := snapshots.ExtractSnapshots(pages)
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract snapshots")
	}
	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, Snapshot{ID: s.ID, Name: s.Name, State: s.Status, CreateTime: s.CreatedAt})
	}
	return out, nil
}

func openStackPowerState(status string) PowerState {
	switch status {
	case "ACTIVE":
		return PowerOn
	case "SHUTOFF", "STOPPED":
		return PowerOff
	default:
		return PowerOther
	}
}

func (p *openStack) StartVM(ctx context.Context, name string) error {
	server, err := p.findServer(ctx, name)
	if err != nil {
		return err
	}
	if server.Status == "ACTIVE" {
		return nil
	}
	err = servers.Start(ctx, p.compute, server.ID).ExtractErr()
	if gophercloud.ResponseCodeIs(err, http.StatusConflict) {
		// Raced with another start, the VM is already coming up.
		return nil
	}
	return errors.Wrapf(err, "failed to start server %s", name)
}

func (p *openStack) StopVM(ctx context.Context, name string) error {
	server, err := p.findServer(ctx, name)
	if err != nil {
		return err
	}
	if server.Status == "SHUTOFF" {
		return nil
	}
	err = servers.Stop(ctx, p.compute, server.ID).ExtractErr()
	if gophercloud.ResponseCodeIs(err, http.StatusConflict) {
		return nil
	}
	return errors.Wrapf(err, "failed to stop server %s", name)
}

func (p *openStack) ListSnapshots(ctx context.Context, name string) ([]Snapshot, error) {
	server, err := p.findServer(ctx, name)
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, att := range server.AttachedVolumes {
		snaps, err := p.volumeSnapshots(ctx, att.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, snaps...)
	}
	return out, nil
}

func (p *openStack) WaitForSnapshots(ctx context.Context, names []string, minCount int) error {
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

var _ Provider = (*openStack)(nil)

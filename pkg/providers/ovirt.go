// Copyright © 2025 The mtv-e2e authors

package providers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
)

// oVirt talks to the engine REST API v4 directly. Responses are JSON with
// integers encoded as strings, ovInt tolerates both encodings.
type oVirt struct {
	entry    *config.ProviderEntry
	log      *zap.SugaredLogger
	snapPoll k8sutils.Poll

	base string
	http *retryablehttp.Client
}

func newOVirt(entry *config.ProviderEntry, opts Options) *oVirt {
	return &oVirt{entry: entry, log: opts.Log.Named("ovirt"), snapPoll: opts.SnapshotPoll}
}

func (p *oVirt) Type() Type   { return TypeOVirt }
func (p *oVirt) Name() string { return p.entry.Name }
func (p *oVirt) sealed()      {}

func (p *oVirt) endpoint() string {
	base := strings.TrimRight(p.entry.URL, "/")
	if !strings.HasPrefix(base, "http") {
		base = "https://" + base
	}
	if !strings.HasSuffix(base, "/api") {
		base += "/ovirt-engine/api"
	}
	return base
}

func (p *oVirt) Connect(ctx context.Context) error {
	if p.http != nil {
		return nil
	}
	base := p.endpoint()
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.Logger = nil
	c.HTTPClient.Timeout = 60 * time.Second
	c.HTTPClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: p.entry.Insecure,
		},
	}
	p.base = base
	p.http = c

	var root struct {
		ProductInfo struct {
			Name string `json:"name"`
		} `json:"product_info"`
	}
	if err := p.get(ctx, "", nil, &root); err != nil {
		p.http = nil
		return &ConnectionError{Provider: p.entry.Name, Endpoint: base, Err: err}
	}
	return nil
}

func (p *oVirt) Disconnect() {
	p.http = nil
	p.base = ""
}

func (p *oVirt) Test(ctx context.Context) bool {
	if !reachable(ctx, p.endpoint()) {
		return false
	}
	if err := p.Connect(ctx); err != nil {
		p.log.Warnf("connectivity probe against %s failed: %v", p.entry.Name, err)
		return false
	}
	return true
}

// get issues an authenticated GET against a path relative to the API root
// and decodes the JSON body into out.
func (p *oVirt) get(ctx context.Context, path string, query url.Values, out any) error {
	u := p.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to build request for %s", path)
	}
	req.SetBasicAuth(p.entry.Username, p.entry.Password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Version", "4")
	resp, err := p.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "engine GET %s failed", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("engine GET %s returned %d: %s", path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// post fires an action endpoint. The engine answers 409 when the VM is
// already transitioning, callers treat that as success.
func (p *oVirt) post(ctx context.Context, path string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.base+path, []byte("{}"))
	if err != nil {
		return errors.Wrapf(err, "failed to build request for %s", path)
	}
	req.SetBasicAuth(p.entry.Username, p.entry.Password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Version", "4")
	resp, err := p.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "engine POST %s failed", path)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("engine POST %s returned %d: %s", path, resp.StatusCode, body)
	}
}

// ovInt decodes engine integers, which arrive as JSON strings.
type ovInt int64

func (n *ovInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid engine integer %q", s)
	}
	*n = ovInt(v)
	return nil
}

type ovLink struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ovVM struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Memory ovInt  `json:"memory"`
	CPU    struct {
		Topology struct {
			Cores   ovInt `json:"cores"`
			Sockets ovInt `json:"sockets"`
			Threads ovInt `json:"threads"`
		} `json:"topology"`
	} `json:"cpu"`
}

func (p *oVirt) findVM(ctx context.Context, name string) (*ovVM, error) {
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	var list struct {
		VMs []ovVM `json:"vm"`
	}
	q := url.Values{"search": []string{"name=" + name}}
	if err := p.get(ctx, "/vms", q, &list); err != nil {
		return nil, err
	}
	for i := range list.VMs {
		if list.VMs[i].Name == name {
			return &list.VMs[i], nil
		}
	}
	return nil, &VMNotFoundError{Name: name, Provider: p.entry.Name}
}

func (p *oVirt) VMDescriptor(ctx context.Context, name, _ string, source bool) (*VMDescriptor, error) {
	vm, err := p.findVM(ctx, name)
	if err != nil {
		return nil, err
	}

	desc := &VMDescriptor{
		ID:         vm.ID,
		Name:       vm.Name,
		Provider:   TypeOVirt,
		MemoryMB:   int64(vm.Memory) / 1024 / 1024,
		PowerState: ovirtPowerState(vm.Status),
		CPU: CPU{
			Cores:   int32(vm.CPU.Topology.Cores),
			Sockets: int32(vm.CPU.Topology.Sockets),
			Threads: int32(vm.CPU.Topology.Threads),
		},
	}

	nics, err := p.vmNICs(ctx, vm.ID, source)
	if err != nil {
		return nil, err
	}
	desc.NICs = nics

	disks, err := p.vmDisks(ctx, vm.ID)
	if err != nil {
		return nil, err
	}
	desc.Disks = disks

	snaps, err := p.vmSnapshots(ctx, vm.ID)
	if err != nil {
		return nil, err
	}
	desc.Snapshots = snaps
	return desc, nil
}

func (p *oVirt) vmNICs(ctx context.Context, vmID string, source bool) ([]NIC, error) {
	var list struct {
		NICs []struct {
			Name string `json:"name"`
			MAC  struct {
				Address string `json:"address"`
			} `json:"mac"`
			VnicProfile *ovLink `json:"vnic_profile"`
			ReportedDevices struct {
				Devices []struct {
					IPs struct {
						IP []struct {
							Address string `json:"address"`
							Version string `json:"version"`
						} `json:"ip"`
					} `json:"ips"`
				} `json:"reported_device"`
			} `json:"reported_devices"`
		} `json:"nic"`
	}
	if err := p.get(ctx, "/vms/"+vmID+"/nics", url.Values{"follow": []string{"vnic_profile.network,reported_devices"}}, &list); err != nil {
		return nil, err
	}

	profileNets := map[string]string{}
	var nics []NIC
	for _, n := range list.NICs {
		nic := NIC{Name: n.Name, MAC: n.MAC.Address}
		if n.VnicProfile != nil {
			netName, ok := profileNets[n.VnicProfile.ID]
			if !ok {
				name, err := p.profileNetwork(ctx, n.VnicProfile.ID)
				if err != nil {
					return nil, err
				}
				netName = name
				profileNets[n.VnicProfile.ID] = netName
			}
			nic.Network = netName
		}
		if !source {
			for _, dev := range n.ReportedDevices.Devices {
				for _, ip := range dev.IPs.IP {
					if ip.Version == "v4" {
						nic.IP = ip.Address
						break
					}
				}
			}
		}
		nics = append(nics, nic)
	}
	return nics, nil
}

func (p *oVirt) profileNetwork(ctx context.Context, profileID string) (string, error) {
	var profile struct {
		Network *ovLink `json:"network"`
	}
	if err := p.get(ctx, "/vnicprofiles/"+profileID, url.Values{"follow": []string{"network"}}, &profile); err != nil {
		return "", err
	}
	if profile.Network == nil {
		return "", nil
	}
	if profile.Network.Name != "" {
		return profile.Network.Name, nil
	}
	var network ovLink
	if err := p.get(ctx, "/networks/"+profile.Network.ID, nil, &network); err != nil {
		return "", err
	}
	return network.Name, nil
}

func (p *oVirt) vmDisks(ctx context.Context, vmID string) ([]Disk, error) {
	var list struct {
		Attachments []struct {
			Disk *struct {
				ID              string `json:"id"`
				Name            string `json:"name"`
				Alias           string `json:"alias"`
				ProvisionedSize ovInt  `json:"provisioned_size"`
				StorageDomains  struct {
					Domains []ovLink `json:"storage_domain"`
				} `json:"storage_domains"`
			} `json:"disk"`
		} `json:"disk_attachment"`
	}
	if err := p.get(ctx, "/vms/"+vmID+"/diskattachments", url.Values{"follow": []string{"disk.storage_domains"}}, &list); err != nil {
		return nil, err
	}

	domainNames := map[string]string{}
	var disks []Disk
	for _, att := range list.Attachments {
		if att.Disk == nil {
			continue
		}
		d := att.Disk
		name := d.Alias
		if name == "" {
			name = d.Name
		}
		disk := Disk{Name: name, SizeKB: int64(d.ProvisionedSize) / 1024}
		if len(d.StorageDomains.Domains) > 0 {
			sd := d.StorageDomains.Domains[0]
			if sd.Name != "" {
				disk.StorageName = sd.Name
			} else {
				sdName, ok := domainNames[sd.ID]
				if !ok {
					var domain ovLink
					if err := p.get(ctx, "/storagedomains/"+sd.ID, nil, &domain); err != nil {
						return nil, err
					}
					sdName = domain.Name
					domainNames[sd.ID] = sdName
				}
				disk.StorageName = sdName
			}
		}
		disks = append(disks, disk)
	}
	return disks, nil
}

func (p *oVirt) vmSnapshots(ctx context.Context, vmID string) ([]Snapshot, error) {
	var list struct {
		Snapshots []struct {
			ID          string `json:"id"`
			Description string `json:"description"`
			Status      string `json:"snapshot_status"`
			Date        string `json:"date"`
		} `json:"snapshot"`
	}
	if err := p.get(ctx, "/vms/"+vmID+"/snapshots", nil, &list); err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(list.Snapshots))
	for _, s := range list.Snapshots {
		snap := Snapshot{ID: s.ID, Name: s.Description, State: s.Status}
		if t, err := time.Parse(time.RFC3339, s.Date); err == nil {
			snap.CreateTime = t
		}
		out = append(out, snap)
	}
	return out, nil
}

func ovirtPowerState(status string) PowerState {
	switch status {
	case "up", "powering_up":
		return PowerOn
	case "down":
		return PowerOff
	default:
		return PowerOther
	}
}

func (p *oVirt) StartVM(ctx context.Context, name string) error {
	vm, err := p.findVM(ctx, name)
	if err != nil {
		return err
	}
	if vm.Status == "up" {
		return nil
	}
	return p.post(ctx, "/vms/"+vm.ID+"/start")
}

func (p *oVirt) StopVM(ctx context.Context, name string) error {
	vm, err := p.findVM(ctx, name)
	if err != nil {
		return err
	}
	if vm.Status == "down" {
		return nil
	}
	return p.post(ctx, "/vms/"+vm.ID+"/stop")
}

func (p *oVirt) ListSnapshots(ctx context.Context, name string) ([]Snapshot, error) {
	vm, err := p.findVM(ctx, name)
	if err != nil {
		return nil, err
	}
	return p.vmSnapshots(ctx, vm.ID)
}

func (p *oVirt) WaitForSnapshots(ctx context.Context, names []string, minCount int) error {
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

// HasEvent scans the engine event log for a code recorded against the VM
// after the given time. Satisfies EventScanner.
func (p *oVirt) HasEvent(ctx context.Context, vmName string, code int, since time.Time) (bool, error) {
	if err := p.Connect(ctx); err != nil {
		return false, err
	}
	var list struct {
		Events []struct {
			Code ovInt  `json:"code"`
			Time ovInt  `json:"time"`
			VM   ovLink `json:"vm"`
		} `json:"event"`
	}
	q := url.Values{"search": []string{fmt.Sprintf("vm.name=%s", vmName)}}
	if err := p.get(ctx, "/events", q, &list); err != nil {
		return false, err
	}
	for _, ev := range list.Events {
		at := time.UnixMilli(int64(ev.Time))
		if int(ev.Code) == code && at.After(since) {
			return true, nil
		}
	}
	return false, nil
}

var (
	_ Provider     = (*oVirt)(nil)
	_ EventScanner = (*oVirt)(nil)
)

// Copyright © 2025 The mtv-e2e authors

// Package inventory is a thin client for the forklift inventory service.
// The plan builder resolves source network and storage identities through
// it, and the ova backend serves VM descriptors straight from it since OVA
// archives have no management API of their own.
package inventory

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
)

// Object is the {id, name} shape most inventory collections share.
type Object struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Provider is an inventory provider record.
type Provider struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// VM is the inventory view of a virtual machine. Field availability varies
// by provider type, absent fields decode to zero values.
type VM struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	PowerState      string   `json:"powerState"`
	Status          string   `json:"status"`
	CPUCount        int32    `json:"cpuCount"`
	CoresPerSocket  int32    `json:"coresPerSocket"`
	MemoryMB        int32    `json:"memoryMB"`
	Disks           []VMDisk `json:"disks"`
	NICs            []VMNIC  `json:"nics"`
	Networks        []Object `json:"networks"`
	AttachedVolumes []Object `json:"attachedVolumes"`
}

// VMDisk is an inventory disk record.
type VMDisk struct {
	Name      string `json:"name"`
	File      string `json:"file"`
	Capacity  int64  `json:"capacity"`
	Datastore Object `json:"datastore"`
}

// VMNIC is an inventory NIC record.
type VMNIC struct {
	Name    string `json:"name"`
	MAC     string `json:"mac"`
	Network Object `json:"network"`
}

// storage collection endpoint per provider type.
var storagePaths = map[string]string{
	"vsphere":   "datastores",
	"ovirt":     "storagedomains",
	"openstack": "volumetypes",
	"ova":       "storages",
	"openshift": "storageclasses",
}

// Client talks to the inventory REST endpoint.
type Client struct {
	base string
	tkn  string
	http *retryablehttp.Client
}

// New builds an inventory client. The token is the bearer token of the
// cluster session, insecure skips TLS verification for routes with
// self-signed certificates.
func New(baseURL, token string, insecure bool) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	rc.HTTPClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), tkn: token, http: rc}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build inventory request")
	}
	if c.tkn != "" {
		req.Header.Set("Authorization", "Bearer "+c.tkn)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "inventory request %s failed", path)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read inventory response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("inventory request %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// Providers lists the inventory providers of one type.
func (c *Client) Providers(ctx context.Context, providerType string) ([]Provider, error) {
	var out []Provider
	if err := c.get(ctx, "/providers/"+providerType, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProviderByName finds a provider record by display name.
func (c *Client) ProviderByName(ctx context.Context, providerType, name string) (*Provider, error) {
	list, err := c.Providers(ctx, providerType)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Name == name {
			return &list[i], nil
		}
	}
	return nil, errors.Errorf("provider %s/%s not found in inventory", providerType, name)
}

func (c *Client) providerPath(p *Provider, collection string) string {
	return fmt.Sprintf("/providers/%s/%s/%s", p.Type, p.UID, collection)
}

// Networks lists the source networks of a provider.
func (c *Client) Networks(ctx context.Context, p *Provider) ([]Object, error) {
	var out []Object
	if err := c.get(ctx, c.providerPath(p, "networks"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Storages lists the source storage entities of a provider. OVA providers
// report one storage record per archive file, duplicates by name collapse
// to one entry.
func (c *Client) Storages(ctx context.Context, p *Provider) ([]Object, error) {
	path, ok := storagePaths[p.Type]
	if !ok {
		return nil, errors.Errorf("no storage collection for provider type %s", p.Type)
	}
	var out []Object
	if err := c.get(ctx, c.providerPath(p, path), &out); err != nil {
		return nil, err
	}
	if p.Type == "ova" {
		seen := map[string]bool{}
		deduped := out[:0]
		for _, o := range out {
			if seen[o.Name] {
				continue
			}
			seen[o.Name] = true
			deduped = append(deduped, o)
		}
		out = deduped
	}
	return out, nil
}

// VMs lists the provider's VMs with full detail.
func (c *Client) VMs(ctx context.Context, p *Provider) ([]VM, error) {
	var out []VM
	if err := c.get(ctx, c.providerPath(p, "vms?detail=4"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VM finds one VM by name or inventory ID.
func (c *Client) VM(ctx context.Context, p *Provider, nameOrID string) (*VM, error) {
	vms, err := c.VMs(ctx, p)
	if err != nil {
		return nil, err
	}
	for i := range vms {
		if vms[i].Name == nameOrID || vms[i].ID == nameOrID {
			return &vms[i], nil
		}
	}
	return nil, errors.Errorf("VM %s not found in inventory of %s", nameOrID, p.Name)
}

// WaitVMVolumes polls until the inventory reports at least want attached
// volumes for the VM. OpenStack inventories sync volume attachments lazily,
// descriptors built before the sync would miss disks.
func (c *Client) WaitVMVolumes(ctx context.Context, p *Provider, nameOrID string, want int, poll k8sutils.Poll) error {
	return poll.Until(ctx, func(ctx context.Context) (bool, error) {
		vm, err := c.VM(ctx, p, nameOrID)
		if err != nil {
			return false, nil //nolint:nilerr // inventory may lag behind, keep polling
		}
		return len(vm.AttachedVolumes) >= want, nil
	})
}

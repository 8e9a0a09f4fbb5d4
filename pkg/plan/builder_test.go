// Copyright © 2025 The mtv-e2e authors

package plan

import (
	"strings"
	"testing"

	api "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	"github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/provider"
	"github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/ref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	core "k8s.io/api/core/v1"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/providers"
)

func testBuilder() *Builder {
	cfg := &config.Config{
		MTVNamespace: "openshift-mtv",
		StorageClass: "ocs-storagecluster-ceph-rbd",
	}
	return NewBuilder(cfg, zap.NewNop().Sugar())
}

func testPair() provider.Pair {
	return provider.Pair{
		Source:      core.ObjectReference{Name: "vcenter-main", Namespace: "openshift-mtv"},
		Destination: core.ObjectReference{Name: "host", Namespace: "openshift-mtv"},
	}
}

func TestNetworkMapPodOnly(t *testing.T) {
	b := testBuilder()

	m, err := b.NetworkMap(NetworkMapOptions{
		Name:     "net-map",
		Provider: testPair(),
		Sources: []ref.Ref{
			{ID: "net-1", Name: "VM Network"},
			{ID: "net-2", Name: "storage"},
			{ID: "net-3", Name: "backup"},
		},
		PodOnly:         true,
		TargetNamespace: "mtv-target",
	})
	require.NoError(t, err)

	assert.Equal(t, "openshift-mtv", m.Namespace)
	require.Len(t, m.Spec.Map, 3)
	for _, pair := range m.Spec.Map {
		assert.Equal(t, "pod", pair.Destination.Type)
		assert.Empty(t, pair.Destination.Name)
	}
}

func TestNetworkMapMultusTail(t *testing.T) {
	b := testBuilder()
	opts := NetworkMapOptions{
		Name:     "net-map",
		Provider: testPair(),
		Sources: []ref.Ref{
			{ID: "net-1", Name: "VM Network"},
			{ID: "net-2", Name: "storage"},
			{ID: "net-3", Name: "backup"},
		},
		TargetNamespace: "mtv-target",
	}

	m, err := b.NetworkMap(opts)
	require.NoError(t, err)
	require.Len(t, m.Spec.Map, 3)

	assert.Equal(t, "pod", m.Spec.Map[0].Destination.Type)
	assert.Equal(t, "multus", m.Spec.Map[1].Destination.Type)
	assert.Equal(t, "net-map-1", m.Spec.Map[1].Destination.Name)
	assert.Equal(t, "mtv-target", m.Spec.Map[1].Destination.Namespace)
	assert.Equal(t, "net-map-2", m.Spec.Map[2].Destination.Name)

	nads := b.NetworkAttachments(opts)
	require.Len(t, nads, 2)
	assert.Equal(t, "net-map-1", nads[0].Name)
	assert.Equal(t, "mtv-target", nads[0].Namespace)
	assert.True(t, strings.Contains(nads[0].Spec.Config, "cnv-bridge"))
	assert.Equal(t, "net-map-2", nads[1].Name)
}

func TestNetworkMapValidation(t *testing.T) {
	b := testBuilder()

	_, err := b.NetworkMap(NetworkMapOptions{Provider: testPair()})
	var cerr *config.ConfigurationError
	assert.ErrorAs(t, err, &cerr)

	_, err = b.NetworkMap(NetworkMapOptions{Name: "net-map", Provider: testPair()})
	assert.ErrorAs(t, err, &cerr)
}

func TestNetworkAttachmentsPodOnlyNone(t *testing.T) {
	b := testBuilder()
	nads := b.NetworkAttachments(NetworkMapOptions{
		Name:    "net-map",
		Sources: []ref.Ref{{ID: "net-1"}, {ID: "net-2"}},
		PodOnly: true,
	})
	assert.Empty(t, nads)
}

func TestStorageMapDefaults(t *testing.T) {
	b := testBuilder()

	m, err := b.StorageMap(StorageMapOptions{
		Name:     "storage-map",
		Provider: testPair(),
		Sources:  []ref.Ref{{ID: "ds-1", Name: "datastore1"}},
	})
	require.NoError(t, err)
	require.Len(t, m.Spec.Map, 1)
	assert.Equal(t, "ocs-storagecluster-ceph-rbd", m.Spec.Map[0].Destination.StorageClass)
	assert.Empty(t, m.Spec.Map[0].Destination.AccessMode)
	assert.Nil(t, m.Spec.Map[0].OffloadPlugin)
}

func TestStorageMapOffload(t *testing.T) {
	b := testBuilder()

	m, err := b.StorageMap(StorageMapOptions{
		Name:         "storage-map",
		Provider:     testPair(),
		Sources:      []ref.Ref{{ID: "ds-1"}, {ID: "ds-2"}},
		StorageClass: "ontap-san",
		AccessMode:   core.ReadWriteOnce,
		Offload: &OffloadConfig{
			SecretRef:     "array-creds",
			VendorProduct: "ontap",
		},
	})
	require.NoError(t, err)
	require.Len(t, m.Spec.Map, 2)
	for _, pair := range m.Spec.Map {
		assert.Equal(t, "ontap-san", pair.Destination.StorageClass)
		assert.Equal(t, core.ReadWriteOnce, pair.Destination.AccessMode)
		require.NotNil(t, pair.OffloadPlugin)
		require.NotNil(t, pair.OffloadPlugin.VSphereXcopyPluginConfig)
		assert.Equal(t, "array-creds", pair.OffloadPlugin.VSphereXcopyPluginConfig.SecretRef)
		assert.Equal(t, api.StorageVendorProduct("ontap"),
			pair.OffloadPlugin.VSphereXcopyPluginConfig.StorageVendorProduct)
	}

	_, err = b.StorageMap(StorageMapOptions{
		Name:     "storage-map",
		Provider: testPair(),
		Sources:  []ref.Ref{{ID: "ds-1"}},
		Offload:  &OffloadConfig{VendorProduct: "ontap"},
	})
	var cerr *config.ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}

func TestPlanBuild(t *testing.T) {
	b := testBuilder()
	copies := 2

	p, err := b.Plan(Options{
		Name:            "mtv-target-warm-ab12",
		TargetNamespace: "mtv-target",
		Source:          core.ObjectReference{Name: "vcenter-main", Namespace: "openshift-mtv"},
		Destination:     core.ObjectReference{Name: "host", Namespace: "openshift-mtv"},
		NetworkMap:      core.ObjectReference{Name: "net-map", Namespace: "openshift-mtv"},
		StorageMap:      core.ObjectReference{Name: "storage-map", Namespace: "openshift-mtv"},
		VMs: []VMSpec{
			{Name: "vm1", ID: "vm-101"},
			{Name: "vm2", TargetName: "vm2-renamed"},
		},
		Warm:                   true,
		PreCopiesBeforeCutover: &copies,
		PVCNameTemplate:        "{{.VmName}}-disk-{{.DiskIndex}}",
	})
	require.NoError(t, err)

	assert.Equal(t, "mtv-target-warm-ab12", p.Name)
	assert.Equal(t, "openshift-mtv", p.Namespace)
	assert.Equal(t, "mtv-target", p.Spec.TargetNamespace)
	assert.True(t, p.Spec.Warm)
	assert.Equal(t, "vcenter-main", p.Spec.Provider.Source.Name)
	assert.Equal(t, "net-map", p.Spec.Map.Network.Name)
	assert.Equal(t, "storage-map", p.Spec.Map.Storage.Name)
	require.Len(t, p.Spec.VMs, 2)
	assert.Equal(t, "vm-101", p.Spec.VMs[0].ID)
	assert.Equal(t, "vm2-renamed", p.Spec.VMs[1].TargetName)
	assert.Equal(t, "{{.VmName}}-disk-{{.DiskIndex}}", p.Spec.PVCNameTemplate)
}

func TestPlanHooksOnEveryVM(t *testing.T) {
	b := testBuilder()
	p, err := b.Plan(Options{
		Name:            "mtv-target-cold-ab12",
		TargetNamespace: "mtv-target",
		Source:          core.ObjectReference{Name: "src"},
		Destination:     core.ObjectReference{Name: "host"},
		NetworkMap:      core.ObjectReference{Name: "nm"},
		StorageMap:      core.ObjectReference{Name: "sm"},
		VMs:             []VMSpec{{Name: "vm1"}, {Name: "vm2"}},
		PreHook:         &core.ObjectReference{Name: "prep", Namespace: "openshift-mtv"},
		PostHook:        &core.ObjectReference{Name: "cleanup", Namespace: "openshift-mtv"},
	})
	require.NoError(t, err)

	for _, vm := range p.Spec.VMs {
		require.Len(t, vm.Hooks, 2)
		assert.Equal(t, HookStepPre, vm.Hooks[0].Step)
		assert.Equal(t, "prep", vm.Hooks[0].Hook.Name)
		assert.Equal(t, HookStepPost, vm.Hooks[1].Step)
		assert.Equal(t, "cleanup", vm.Hooks[1].Hook.Name)
	}
}

func TestPlanValidation(t *testing.T) {
	b := testBuilder()
	valid := Options{
		Name:            "plan",
		TargetNamespace: "mtv-target",
		Source:          core.ObjectReference{Name: "src"},
		Destination:     core.ObjectReference{Name: "host"},
		NetworkMap:      core.ObjectReference{Name: "nm"},
		StorageMap:      core.ObjectReference{Name: "sm"},
		VMs:             []VMSpec{{Name: "vm1"}},
	}

	var cerr *config.ConfigurationError
	for _, mutate := range []func(*Options){
		func(o *Options) { o.Name = "" },
		func(o *Options) { o.TargetNamespace = "" },
		func(o *Options) { o.Source.Name = "" },
		func(o *Options) { o.NetworkMap.Name = "" },
		func(o *Options) { o.VMs = nil },
		func(o *Options) { o.VMs = []VMSpec{{}} },
	} {
		opts := valid
		mutate(&opts)
		_, err := b.Plan(opts)
		assert.ErrorAs(t, err, &cerr)
	}

	_, err := b.Plan(valid)
	assert.NoError(t, err)
}

func TestMigrationBuild(t *testing.T) {
	b := testBuilder()
	p, err := b.Plan(Options{
		Name:            "mtv-target-cold-ab12",
		TargetNamespace: "mtv-target",
		Source:          core.ObjectReference{Name: "src"},
		Destination:     core.ObjectReference{Name: "host"},
		NetworkMap:      core.ObjectReference{Name: "nm"},
		StorageMap:      core.ObjectReference{Name: "sm"},
		VMs:             []VMSpec{{Name: "vm1"}},
	})
	require.NoError(t, err)

	m := b.Migration(p)
	assert.Equal(t, "mtv-target-cold-ab12-migration", m.Name)
	assert.Equal(t, p.Namespace, m.Namespace)
	assert.Equal(t, p.Name, m.Spec.Plan.Name)
	assert.Nil(t, m.Spec.Cutover)
}

func TestProviderSecret(t *testing.T) {
	b := testBuilder()
	entry := &config.ProviderEntry{
		Name:     "osp-main",
		Type:     string(providers.TypeOpenStack),
		URL:      "https://keystone.example:5000/v3",
		Username: "admin",
		Password: "secret",
		Domain:   "Default",
		Project:  "mtv",
		Region:   "regionOne",
		Insecure: true,
	}

	s := b.ProviderSecret("osp-main-creds", "openshift-mtv", entry)
	assert.Equal(t, "true", s.StringData["insecureSkipVerify"])
	assert.Equal(t, "admin", s.StringData["username"])
	assert.Equal(t, "Default", s.StringData["domainName"])
	assert.Equal(t, "mtv", s.StringData["projectName"])
	assert.Equal(t, "regionOne", s.StringData["regionName"])
}

func TestProviderBuild(t *testing.T) {
	b := testBuilder()
	entry := &config.ProviderEntry{
		Name:     "vcenter-main",
		Type:     string(providers.TypeVSphere),
		URL:      "https://vcenter.example/sdk",
		Settings: map[string]string{"vddkInitImage": "quay.io/example/vddk:8"},
	}

	p, err := b.Provider("vcenter-main", "openshift-mtv", entry,
		core.ObjectReference{Name: "vcenter-main-creds", Namespace: "openshift-mtv"})
	require.NoError(t, err)
	require.NotNil(t, p.Spec.Type)
	assert.Equal(t, api.VSphere, *p.Spec.Type)
	assert.Equal(t, "https://vcenter.example/sdk", p.Spec.URL)
	assert.Equal(t, "quay.io/example/vddk:8", p.Spec.Settings["vddkInitImage"])

	_, err = b.Provider("bad", "openshift-mtv",
		&config.ProviderEntry{Name: "bad", Type: "hyperv", URL: "https://x"},
		core.ObjectReference{Name: "creds"})
	var cerr *config.ConfigurationError
	assert.ErrorAs(t, err, &cerr)

	_, err = b.Provider("no-url", "openshift-mtv",
		&config.ProviderEntry{Name: "no-url", Type: string(providers.TypeVSphere)},
		core.ObjectReference{Name: "creds"})
	assert.ErrorAs(t, err, &cerr)
}

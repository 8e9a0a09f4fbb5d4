// Copyright © 2025 The mtv-e2e authors

// Package plan turns declarative migration intent into forklift resources:
// network and storage maps, the Plan itself and its Migration. Construction
// is pure, nothing here talks to the cluster, and the only failures are
// missing configuration.
package plan

import (
	"fmt"

	api "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	planapi "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/plan"
	"github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/provider"
	"github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/ref"
	nadv1 "github.com/k8snetworkplumbingwg/network-attachment-definition-client/pkg/apis/k8s.cni.cncf.io/v1"
	"go.uber.org/zap"
	core "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/names"
	"github.com/kubev2v/mtv-e2e/pkg/providers"
)

// VMSpec is one VM in the migration intent. The power and guest agent fields
// are verification hints, they do not land in the Plan resource.
type VMSpec struct {
	Name      string
	ID        string
	Namespace string
	// TargetName renames the VM on the destination. Negative tests use it to
	// provoke naming-rule rejections.
	TargetName string
	// TargetPowerState the destination VM is expected in after migration.
	// Empty means "same as recorded source state".
	TargetPowerState providers.PowerState
	// WaitForGuestAgent makes the verifier wait for an agent connection.
	WaitForGuestAgent bool
}

// Hook pipeline steps a plan hook can attach to.
const (
	HookStepPre  = "PreHook"
	HookStepPost = "PostHook"
)

// Options is the migration intent, consumed once per scenario.
type Options struct {
	Name            string
	TargetNamespace string
	Source          core.ObjectReference
	Destination     core.ObjectReference
	NetworkMap      core.ObjectReference
	StorageMap      core.ObjectReference
	VMs             []VMSpec
	Warm            bool
	// PreCopiesBeforeCutover gates warm cutover on a minimum precopy count.
	// Consumed by the driver, not part of the Plan resource.
	PreCopiesBeforeCutover *int
	TransferNetwork        *core.ObjectReference
	PVCNameTemplate        string
	PreserveStaticIPs      bool
	Description            string
	// PreHook and PostHook reference Hook resources attached to every VM in
	// the plan, before and after its pipeline.
	PreHook  *core.ObjectReference
	PostHook *core.ObjectReference
}

// Builder assembles forklift resources from intent and configuration.
type Builder struct {
	cfg *config.Config
	log *zap.SugaredLogger
}

func NewBuilder(cfg *config.Config, log *zap.SugaredLogger) *Builder {
	if log == nil {
		log = zap.S()
	}
	return &Builder{cfg: cfg, log: log.Named("plan")}
}

// NetworkMapOptions parameterize a network map. Sources come pre-resolved
// from the inventory.
type NetworkMapOptions struct {
	Name     string
	Provider provider.Pair
	Sources  []ref.Ref
	// PodOnly maps every source network to the pod network.
	PodOnly bool
	// TargetNamespace hosts the multus attachment definitions.
	TargetNamespace string
	// NADBase prefixes generated attachment names, defaults to Name.
	NADBase string
}

func (o *NetworkMapOptions) nadName(i int) string {
	base := o.NADBase
	if base == "" {
		base = o.Name
	}
	return fmt.Sprintf("%s-%d", base, i)
}

// NetworkMap builds the map following the destination policy: with PodOnly
// every source network lands on the pod network, otherwise the first source
// network maps to pod and each additional one to its own multus attachment.
func (b *Builder) NetworkMap(opts NetworkMapOptions) (*api.NetworkMap, error) {
	if opts.Name == "" {
		return nil, &config.ConfigurationError{Key: "network map name"}
	}
	if len(opts.Sources) == 0 {
		return nil, &config.ConfigurationError{Key: "network map sources"}
	}

	pairs := make([]api.NetworkPair, 0, len(opts.Sources))
	for i, source := range opts.Sources {
		destination := api.DestinationNetwork{Type: "pod"}
		if !opts.PodOnly && i > 0 {
			destination = api.DestinationNetwork{
				Type:      "multus",
				Namespace: opts.TargetNamespace,
				Name:      opts.nadName(i),
			}
		}
		pairs = append(pairs, api.NetworkPair{Source: source, Destination: destination})
	}

	return &api.NetworkMap{
		ObjectMeta: metav1.ObjectMeta{Name: opts.Name, Namespace: b.cfg.MTVNamespace},
		Spec:       api.NetworkMapSpec{Provider: opts.Provider, Map: pairs},
	}, nil
}

// NetworkAttachments builds the multus attachment definitions a non-PodOnly
// map references, one per additional source network.
func (b *Builder) NetworkAttachments(opts NetworkMapOptions) []*nadv1.NetworkAttachmentDefinition {
	if opts.PodOnly || len(opts.Sources) < 2 {
		return nil
	}
	nads := make([]*nadv1.NetworkAttachmentDefinition, 0, len(opts.Sources)-1)
	for i := 1; i < len(opts.Sources); i++ {
		name := opts.nadName(i)
		nads = append(nads, &nadv1.NetworkAttachmentDefinition{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: opts.TargetNamespace},
			Spec: nadv1.NetworkAttachmentDefinitionSpec{
				Config: fmt.Sprintf(`{
  "cniVersion": "0.3.1",
  "name": %q,
  "type": "cnv-bridge",
  "bridge": "br1",
  "macspoofchk": true
}`, name),
			},
		})
	}
	return nads
}

// OffloadConfig selects the copy-offload (XCOPY) plugin for a storage map.
type OffloadConfig struct {
	// SecretRef names the secret holding the storage array credentials.
	SecretRef string
	// VendorProduct identifies the array product, e.g. ontap or
	// pureFlashArray.
	VendorProduct string
}

// StorageMapOptions parameterize a storage map.
type StorageMapOptions struct {
	Name     string
	Provider provider.Pair
	Sources  []ref.Ref
	// StorageClass defaults to the configured target class.
	StorageClass string
	AccessMode   core.PersistentVolumeAccessMode
	VolumeMode   core.PersistentVolumeMode
	// Offload, when set, attaches the copy-offload plugin to every pair.
	// Callers pass the offload-capable datastores as Sources.
	Offload *OffloadConfig
}

// StorageMap builds the map. The copy-offload variant is the same shape with
// a plugin block per pair, it does not change the orchestration path.
func (b *Builder) StorageMap(opts StorageMapOptions) (*api.StorageMap, error) {
	if opts.Name == "" {
		return nil, &config.ConfigurationError{Key: "storage map name"}
	}
	if len(opts.Sources) == 0 {
		return nil, &config.ConfigurationError{Key: "storage map sources"}
	}
	class := opts.StorageClass
	if class == "" {
		class = b.cfg.StorageClass
	}
	if class == "" {
		return nil, &config.ConfigurationError{Key: "storage class"}
	}
	if opts.Offload != nil && opts.Offload.SecretRef == "" {
		return nil, &config.ConfigurationError{Key: "offload secret ref"}
	}

	pairs := make([]api.StoragePair, 0, len(opts.Sources))
	for _, source := range opts.Sources {
		pair := api.StoragePair{
			Source: source,
			Destination: api.DestinationStorage{
				StorageClass: class,
				AccessMode:   opts.AccessMode,
				VolumeMode:   opts.VolumeMode,
			},
		}
		if opts.Offload != nil {
			pair.OffloadPlugin = &api.OffloadPlugin{
				VSphereXcopyPluginConfig: &api.VSphereXcopyPluginConfig{
					SecretRef:            opts.Offload.SecretRef,
					StorageVendorProduct: api.StorageVendorProduct(opts.Offload.VendorProduct),
				},
			}
		}
		pairs = append(pairs, pair)
	}

	return &api.StorageMap{
		ObjectMeta: metav1.ObjectMeta{Name: opts.Name, Namespace: b.cfg.MTVNamespace},
		Spec:       api.StorageMapSpec{Provider: opts.Provider, Map: pairs},
	}, nil
}

// Plan builds the Plan resource from the intent.
func (b *Builder) Plan(opts Options) (*api.Plan, error) {
	if opts.Name == "" {
		return nil, &config.ConfigurationError{Key: "plan name"}
	}
	if opts.TargetNamespace == "" {
		return nil, &config.ConfigurationError{Key: "plan target namespace"}
	}
	if opts.Source.Name == "" || opts.Destination.Name == "" {
		return nil, &config.ConfigurationError{Key: "plan provider pair"}
	}
	if opts.NetworkMap.Name == "" || opts.StorageMap.Name == "" {
		return nil, &config.ConfigurationError{Key: "plan map references"}
	}
	if len(opts.VMs) == 0 {
		return nil, &config.ConfigurationError{Key: "plan virtual machines"}
	}

	var hooks []planapi.HookRef
	if opts.PreHook != nil {
		hooks = append(hooks, planapi.HookRef{Step: HookStepPre, Hook: *opts.PreHook})
	}
	if opts.PostHook != nil {
		hooks = append(hooks, planapi.HookRef{Step: HookStepPost, Hook: *opts.PostHook})
	}

	vms := make([]planapi.VM, 0, len(opts.VMs))
	for _, vm := range opts.VMs {
		if vm.Name == "" && vm.ID == "" {
			return nil, &config.ConfigurationError{Key: "plan VM identity"}
		}
		vms = append(vms, planapi.VM{
			Ref: ref.Ref{
				ID:        vm.ID,
				Name:      vm.Name,
				Namespace: vm.Namespace,
			},
			TargetName: vm.TargetName,
			Hooks:      hooks,
		})
	}

	return &api.Plan{
		ObjectMeta: metav1.ObjectMeta{Name: opts.Name, Namespace: b.cfg.MTVNamespace},
		Spec: api.PlanSpec{
			Description:     opts.Description,
			TargetNamespace: opts.TargetNamespace,
			TransferNetwork: opts.TransferNetwork,
			Provider: provider.Pair{
				Source:      opts.Source,
				Destination: opts.Destination,
			},
			Map: planapi.Map{
				Network: opts.NetworkMap,
				Storage: opts.StorageMap,
			},
			Warm:              opts.Warm,
			VMs:               vms,
			PVCNameTemplate:   opts.PVCNameTemplate,
			PreserveStaticIPs: opts.PreserveStaticIPs,
		},
	}, nil
}

// Migration builds the Migration resource driving a Plan. The name is
// derived from the plan so teardown scans can associate the two.
func (b *Builder) Migration(p *api.Plan) *api.Migration {
	return &api.Migration{
		ObjectMeta: metav1.ObjectMeta{
			Name:      names.MigrationName(p.Name),
			Namespace: p.Namespace,
		},
		Spec: api.MigrationSpec{
			Plan: core.ObjectReference{Name: p.Name, Namespace: p.Namespace},
		},
	}
}

// ProviderSecret builds the credential secret a Provider references. The
// insecureSkipVerify key is also what the verifier checks against the
// configured TLS policy.
func (b *Builder) ProviderSecret(name, namespace string, entry *config.ProviderEntry) *core.Secret {
	data := map[string]string{
		"user":               entry.Username,
		"password":           entry.Password,
		"url":                entry.URL,
		"insecureSkipVerify": fmt.Sprintf("%t", entry.Insecure),
	}
	if entry.CACert != "" {
		data["cacert"] = entry.CACert
	}
	if providers.Type(entry.Type) == providers.TypeOpenStack {
		data["username"] = entry.Username
		data["domainName"] = entry.Domain
		data["projectName"] = entry.Project
		data["regionName"] = entry.Region
		data["authType"] = "password"
	}
	return &core.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{"createdForProviderType": entry.Type},
		},
		StringData: data,
	}
}

// Provider builds the Provider resource for a matrix entry.
func (b *Builder) Provider(name, namespace string, entry *config.ProviderEntry, secret core.ObjectReference) (*api.Provider, error) {
	if entry.URL == "" && providers.Type(entry.Type) != providers.TypeOpenShift {
		return nil, &config.ConfigurationError{Key: "provider URL for " + entry.Name}
	}
	providerType, err := apiProviderType(providers.Type(entry.Type))
	if err != nil {
		return nil, err
	}
	return &api.Provider{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: api.ProviderSpec{
			Type:     &providerType,
			URL:      entry.URL,
			Secret:   secret,
			Settings: entry.Settings,
		},
	}, nil
}

func apiProviderType(t providers.Type) (api.ProviderType, error) {
	switch t {
	case providers.TypeVSphere:
		return api.VSphere, nil
	case providers.TypeOVirt:
		return api.OVirt, nil
	case providers.TypeOpenStack:
		return api.OpenStack, nil
	case providers.TypeOpenShift:
		return api.OpenShift, nil
	case providers.TypeOVA:
		return api.Ova, nil
	default:
		return api.Undefined, &config.ConfigurationError{Key: "provider type " + string(t)}
	}
}

// Copyright © 2025 The mtv-e2e authors

package providers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/rest"
	kubevirtv1 "kubevirt.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
)

// openShift reads VMs through the KubeVirt API. It doubles as the
// verification source of truth for migrated VMs on the target cluster, so
// the cluster client is usually injected rather than dialed.
type openShift struct {
	entry  *config.ProviderEntry
	log    *zap.SugaredLogger
	client client.Client
}

func newOpenShift(entry *config.ProviderEntry, opts Options) *openShift {
	return &openShift{entry: entry, log: opts.Log.Named("openshift"), client: opts.Client}
}

func (p *openShift) Type() Type   { return TypeOpenShift }
func (p *openShift) Name() string { return p.entry.Name }
func (p *openShift) sealed()      {}

func (p *openShift) Connect(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	restCfg := &rest.Config{
		Host:            p.entry.URL,
		BearerToken:     p.entry.Password,
		TLSClientConfig: rest.TLSClientConfig{Insecure: p.entry.Insecure},
	}
	if !p.entry.Insecure && p.entry.CACert != "" {
		restCfg.TLSClientConfig.CAData = []byte(p.entry.CACert)
	}
	c, err := client.New(restCfg, client.Options{Scheme: k8sutils.NewScheme()})
	if err != nil {
		return &ConnectionError{Provider: p.entry.Name, Endpoint: p.entry.URL, Err: err}
	}
	p.client = c
	return nil
}

func (p *openShift) Disconnect() {
	p.client = nil
}

func (p *openShift) Test(ctx context.Context) bool {
	if err := p.Connect(ctx); err != nil {
		p.log.Warnf("connectivity probe against %s failed: %v", p.entry.Name, err)
		return false
	}
	ns := &corev1.NamespaceList{}
	if err := p.client.List(ctx, ns, client.Limit(1)); err != nil {
		p.log.Warnf("listing namespaces on %s failed: %v", p.entry.Name, err)
		return false
	}
	return true
}

func (p *openShift) getVM(ctx context.Context, name, namespace string) (*kubevirtv1.VirtualMachine, error) {
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	if namespace == "" {
		namespace = p.entry.SourceNamespace
	}
	vm := &kubevirtv1.VirtualMachine{}
	err := p.client.Get(ctx, k8stypes.NamespacedName{Name: name, Namespace: namespace}, vm)
	if apierrors.IsNotFound(err) {
		return nil, &VMNotFoundError{Name: name, Provider: p.entry.Name}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get VirtualMachine %s/%s", namespace, name)
	}
	return vm, nil
}

func (p *openShift) getVMI(ctx context.Context, name, namespace string) (*kubevirtv1.VirtualMachineInstance, error) {
	vmi := &kubevirtv1.VirtualMachineInstance{}
	err := p.client.Get(ctx, k8stypes.NamespacedName{Name: name, Namespace: namespace}, vmi)
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get VirtualMachineInstance %s/%s", namespace, name)
	}
	return vmi, nil
}

func (p *openShift) VMDescriptor(ctx context.Context, name, namespace string, source bool) (*VMDescriptor, error) {
	vm, err := p.getVM(ctx, name, namespace)
	if err != nil {
		return nil, err
	}
	vmi, err := p.getVMI(ctx, vm.Name, vm.Namespace)
	if err != nil {
		return nil, err
	}

	desc := &VMDescriptor{
		ID:         string(vm.UID),
		Name:       vm.Name,
		Namespace:  vm.Namespace,
		Provider:   TypeOpenShift,
		PowerState: kubevirtPowerState(vmi),
	}
	if vm.Spec.Template == nil {
		return desc, nil
	}

	domain := vm.Spec.Template.Spec.Domain
	if domain.CPU != nil {
		desc.CPU = CPU{
			Cores:   int32(domain.CPU.Cores),
			Sockets: int32(domain.CPU.Sockets),
			Threads: int32(domain.CPU.Threads),
		}
	}
	if domain.Memory != nil && domain.Memory.Guest != nil {
		desc.MemoryMB = domain.Memory.Guest.Value() / 1024 / 1024
	} else if mem, ok := domain.Resources.Requests[corev1.ResourceMemory]; ok {
		desc.MemoryMB = mem.Value() / 1024 / 1024
	}

	desc.NICs = kubevirtNICs(vm, vmi, source)

	disks, err := p.vmDisks(ctx, vm, source)
	if err != nil {
		return nil, err
	}
	desc.Disks = disks

	if vmi != nil {
		for _, cond := range vmi.Status.Conditions {
			if cond.Type == kubevirtv1.VirtualMachineInstanceAgentConnected && cond.Status == corev1.ConditionTrue {
				desc.GuestAgent = true
			}
		}
	}
	return desc, nil
}

// kubevirtNICs joins the live interface status with the spec networks. The
// status carries MAC and IP, the spec knows which logical network each
// interface attaches to.
func kubevirtNICs(vm *kubevirtv1.VirtualMachine, vmi *kubevirtv1.VirtualMachineInstance, source bool) []NIC {
	networks := vm.Spec.Template.Spec.Networks
	if vmi != nil {
		networks = vmi.Spec.Networks
	}
	netNames := map[string]string{}
	for _, net := range networks {
		switch {
		case net.Pod != nil:
			netNames[net.Name] = "pod"
		case net.Multus != nil:
			netNames[net.Name] = net.Multus.NetworkName
		}
	}

	var nics []NIC
	if vmi != nil {
		for _, iface := range vmi.Status.Interfaces {
			nic := NIC{Name: iface.InterfaceName, MAC: iface.MAC, Network: netNames[iface.Name]}
			if !source {
				nic.IP = iface.IP
			}
			nics = append(nics, nic)
		}
		return nics
	}
	for _, iface := range vm.Spec.Template.Spec.Domain.Devices.Interfaces {
		nics = append(nics, NIC{Name: iface.Name, MAC: iface.MacAddress, Network: netNames[iface.Name]})
	}
	return nics
}

// vmDisks resolves template volumes down to their PVCs. Boot-time helper
// volumes injected by the conversion (cloud-init style) are not disks the
// source had, so they are skipped.
func (p *openShift) vmDisks(ctx context.Context, vm *kubevirtv1.VirtualMachine, source bool) ([]Disk, error) {
	var disks []Disk
	for _, vol := range vm.Spec.Template.Spec.Volumes {
		var claimName string
		switch {
		case vol.CloudInitNoCloud != nil, vol.CloudInitConfigDrive != nil:
			continue
		case vol.DataVolume != nil:
			claimName = vol.DataVolume.Name
		case vol.PersistentVolumeClaim != nil:
			claimName = vol.PersistentVolumeClaim.ClaimName
		default:
			continue
		}
		pvc := &corev1.PersistentVolumeClaim{}
		err := p.client.Get(ctx, k8stypes.NamespacedName{Name: claimName, Namespace: vm.Namespace}, pvc)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get PVC %s/%s", vm.Namespace, claimName)
		}
		disk := Disk{Name: vol.Name}
		if pvc.Spec.StorageClassName != nil {
			disk.StorageName = *pvc.Spec.StorageClassName
		}
		if len(pvc.Spec.AccessModes) > 0 {
			disk.AccessMode = string(pvc.Spec.AccessModes[0])
		}
		if capacity, ok := pvc.Status.Capacity[corev1.ResourceStorage]; ok {
			disk.SizeKB = capacity.Value() / 1024
		} else if request, ok := pvc.Spec.Resources.Requests[corev1.ResourceStorage]; ok {
			disk.SizeKB = request.Value() / 1024
		}
		disks = append(disks, disk)
	}
	return disks, nil
}

func kubevirtPowerState(vmi *kubevirtv1.VirtualMachineInstance) PowerState {
	if vmi == nil {
		return PowerOff
	}
	switch vmi.Status.Phase {
	case kubevirtv1.Running:
		return PowerOn
	case kubevirtv1.Succeeded, kubevirtv1.Failed:
		return PowerOff
	default:
		return PowerOther
	}
}

// setRunStrategy flips the VM between Always and Halted. VMs created with
// the legacy spec.running field get that field toggled instead, the two are
// mutually exclusive.
func (p *openShift) setRunStrategy(ctx context.Context, name, namespace string, run bool) error {
	vm, err := p.getVM(ctx, name, namespace)
	if err != nil {
		return err
	}
	orig := vm.DeepCopy()
	if vm.Spec.Running != nil {
		if *vm.Spec.Running == run {
			return nil
		}
		vm.Spec.Running = &run
	} else {
		strategy := kubevirtv1.RunStrategyHalted
		if run {
			strategy = kubevirtv1.RunStrategyAlways
		}
		if vm.Spec.RunStrategy != nil && *vm.Spec.RunStrategy == strategy {
			return nil
		}
		vm.Spec.RunStrategy = &strategy
	}
	if err := p.client.Patch(ctx, vm, client.MergeFrom(orig)); err != nil {
		return errors.Wrapf(err, "failed to patch run strategy of %s/%s", vm.Namespace, name)
	}
	return nil
}

func (p *openShift) StartVM(ctx context.Context, name string) error {
	return p.setRunStrategy(ctx, name, "", true)
}

func (p *openShift) StopVM(ctx context.Context, name string) error {
	return p.setRunStrategy(ctx, name, "", false)
}

// ListSnapshots is empty on this backend, migrated VMs carry no precopy
// history.
func (p *openShift) ListSnapshots(_ context.Context, _ string) ([]Snapshot, error) {
	return nil, nil
}

func (p *openShift) WaitForSnapshots(_ context.Context, _ []string, _ int) error {
	return &UnsupportedError{Provider: string(TypeOpenShift), Operation: "WaitForSnapshots"}
}

var _ Provider = (*openShift)(nil)

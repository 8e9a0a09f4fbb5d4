// Copyright © 2025 The mtv-e2e authors

// Package verify compares migrated VMs against what the source reported
// before migration. All checks are soft: every mismatch of a pass is
// collected and reported together, only backend I/O aborts a check early.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	api "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	"github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/ref"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	core "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	cdiv1beta1 "kubevirt.io/containerized-data-importer-api/pkg/apis/core/v1beta1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
	"github.com/kubev2v/mtv-e2e/pkg/plan"
	"github.com/kubev2v/mtv-e2e/pkg/providers"
)

// RHV engine event code for a VM powered off by a user or API client. The
// product must never force source VMs off, warm migrations shut them down
// through the guest.
const eventForcedPowerOff = 33

// VerificationFailures aggregates every mismatch of a pass, keyed by VM
// name (provider-level findings key on "provider/<name>").
type VerificationFailures map[string][]string

func (f VerificationFailures) add(scope, format string, args ...interface{}) {
	f[scope] = append(f[scope], fmt.Sprintf(format, args...))
}

// Empty reports a clean pass.
func (f VerificationFailures) Empty() bool {
	return len(f) == 0
}

func (f VerificationFailures) Error() string {
	if f.Empty() {
		return "no verification failures"
	}
	scopes := make([]string, 0, len(f))
	total := 0
	for scope, items := range f {
		scopes = append(scopes, scope)
		total += len(items)
	}
	sort.Strings(scopes)
	var b strings.Builder
	fmt.Fprintf(&b, "%d verification failures:", total)
	for _, scope := range scopes {
		for _, item := range f[scope] {
			fmt.Fprintf(&b, "\n  %s: %s", scope, item)
		}
	}
	return b.String()
}

// VMRecord is one VM's verification context, captured by the scenario
// before the migration ran.
type VMRecord struct {
	Spec plan.VMSpec
	// OriginalPower is the source power state recorded at plan build time.
	OriginalPower providers.PowerState
	// PreSnapshots is the source snapshot list recorded before migration,
	// nil when the scenario did not capture one.
	PreSnapshots []providers.Snapshot
}

// CheckOptions describe one completed migration.
type CheckOptions struct {
	Source      providers.Provider
	Destination providers.Provider
	Plan        *api.Plan
	// NetworkPairs are the map entries the plan referenced, used to resolve
	// the expected destination network per source NIC.
	NetworkPairs []api.NetworkPair
	// ExplicitAccessMode records whether the storage map carried an access
	// mode override, which flips the expected mode on the clustered block
	// storage class.
	ExplicitAccessMode bool
	// TransferHost is the migration network host IP. Empty disables the
	// transfer URL check.
	TransferHost string
	// SecretRef names the source provider's credential secret.
	SecretRef core.ObjectReference
	// Since bounds the backend event scan, usually the migration start.
	Since time.Time
	VMs   []VMRecord
}

// Options wire a Verifier.
type Options struct {
	Config *config.Config
	Client client.Client
	Log    *zap.SugaredLogger
}

// Verifier compares descriptors across a finished migration.
type Verifier struct {
	cfg    *config.Config
	client client.Client
	log    *zap.SugaredLogger
}

func New(opts Options) *Verifier {
	log := opts.Log
	if log == nil {
		log = zap.S()
	}
	return &Verifier{cfg: opts.Config, client: opts.Client, log: log.Named("verify")}
}

// Check runs every verification against the finished migration and returns
// the aggregated mismatches. The returned error is reserved for backend
// I/O problems, a non-empty failure map with a nil error is the "product
// misbehaved" outcome.
func (v *Verifier) Check(ctx context.Context, opts CheckOptions) (VerificationFailures, error) {
	failures := VerificationFailures{}

	if err := v.checkProviderSecret(ctx, opts, failures); err != nil {
		return failures, err
	}
	if err := v.checkTransferURLs(ctx, opts, failures); err != nil {
		return failures, err
	}

	var pvcTemplate *template.Template
	if opts.Plan.Spec.PVCNameTemplate != "" {
		var err error
		pvcTemplate, err = template.New("pvc").Parse(opts.Plan.Spec.PVCNameTemplate)
		if err != nil {
			return failures, errors.Wrap(err, "invalid PVC name template")
		}
	}

	for _, rec := range opts.VMs {
		if err := v.checkVM(ctx, opts, rec, pvcTemplate, failures); err != nil {
			return failures, err
		}
	}
	v.log.Infof("Verification of plan %s finished, %d findings", opts.Plan.Name, len(failures))
	return failures, nil
}

func (v *Verifier) checkVM(ctx context.Context, opts CheckOptions, rec VMRecord, pvcTemplate *template.Template, failures VerificationFailures) error {
	scope := rec.Spec.Name
	dstName := rec.Spec.TargetName
	if dstName == "" {
		dstName = rec.Spec.Name
	}

	// Appliance sources have no live API, only destination-side checks
	// apply to them.
	ovaSource := opts.Source.Type() == providers.TypeOVA
	var src *providers.VMDescriptor
	if !ovaSource {
		var err error
		src, err = opts.Source.VMDescriptor(ctx, rec.Spec.Name, rec.Spec.Namespace, true)
		if err != nil {
			return errors.Wrapf(err, "failed to fetch source descriptor of %s", rec.Spec.Name)
		}
	}

	dst, err := v.destinationDescriptor(ctx, opts.Destination, dstName, opts.Plan.Spec.TargetNamespace, rec.Spec.WaitForGuestAgent, scope, failures)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch destination descriptor of %s", dstName)
	}

	v.checkPower(src, dst, rec, scope, failures)
	if src != nil {
		v.checkCompute(src, dst, scope, failures)
		if opts.Source.Type() != providers.TypeOpenShift {
			v.checkNICs(src, dst, opts.NetworkPairs, scope, failures)
		}
		if len(src.Disks) != len(dst.Disks) {
			failures.add(scope, "disk count changed from %d to %d", len(src.Disks), len(dst.Disks))
		}
	}
	v.checkStorage(dst, opts.ExplicitAccessMode, scope, failures)

	if !ovaSource && rec.PreSnapshots != nil {
		if err := v.checkSnapshots(ctx, opts.Source, rec, scope, failures); err != nil {
			return err
		}
	}
	if err := v.checkForcedPowerOff(ctx, opts, rec, scope, failures); err != nil {
		return err
	}
	if pvcTemplate != nil {
		if err := v.checkPVCNames(ctx, opts.Plan, dstName, len(dst.Disks), pvcTemplate, scope, failures); err != nil {
			return err
		}
	}
	return nil
}

// destinationDescriptor fetches the migrated VM's descriptor, waiting for
// the guest agent first when the VM declares one. An agent that never
// connects is itself a finding, the comparison then proceeds on the last
// observed descriptor.
func (v *Verifier) destinationDescriptor(ctx context.Context, p providers.Provider, name, namespace string, waitAgent bool, scope string, failures VerificationFailures) (*providers.VMDescriptor, error) {
	desc, err := p.VMDescriptor(ctx, name, namespace, false)
	if err != nil {
		return nil, err
	}
	if !waitAgent || desc.GuestAgent {
		return desc, nil
	}
	poll := k8sutils.Poll{Interval: v.cfg.PollInterval, Timeout: v.cfg.Verify.GuestAgentTimeout}
	pollErr := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		d, err := p.VMDescriptor(ctx, name, namespace, false)
		if err != nil {
			return false, err
		}
		desc = d
		return d.GuestAgent, nil
	})
	if pollErr != nil {
		if k8sutils.IsTimeout(pollErr) {
			failures.add(scope, "guest agent never connected within %s", v.cfg.Verify.GuestAgentTimeout)
			return desc, nil
		}
		return nil, pollErr
	}
	return desc, nil
}

func (v *Verifier) checkPower(src, dst *providers.VMDescriptor, rec VMRecord, scope string, failures VerificationFailures) {
	if src != nil && src.PowerState != providers.PowerOff {
		failures.add(scope, "source VM reports power state %q, migration must leave it off", src.PowerState)
	}
	expected := rec.Spec.TargetPowerState
	if expected == "" {
		expected = rec.OriginalPower
	}
	if expected != providers.PowerOn && expected != providers.PowerOff {
		failures.add(scope, "recorded power state %q is neither on nor off", expected)
		return
	}
	if dst.PowerState != expected {
		failures.add(scope, "destination VM is %q, want %q", dst.PowerState, expected)
	}
}

func (v *Verifier) checkCompute(src, dst *providers.VMDescriptor, scope string, failures VerificationFailures) {
	if src.CPU.Cores > 0 && src.CPU.Cores != dst.CPU.Cores {
		failures.add(scope, "CPU cores changed from %d to %d", src.CPU.Cores, dst.CPU.Cores)
	}
	if src.CPU.Sockets > 0 && src.CPU.Sockets != dst.CPU.Sockets {
		failures.add(scope, "CPU sockets changed from %d to %d", src.CPU.Sockets, dst.CPU.Sockets)
	}
	if src.MemoryMB != dst.MemoryMB {
		failures.add(scope, "memory changed from %d MB to %d MB", src.MemoryMB, dst.MemoryMB)
	}
}

func (v *Verifier) checkNICs(src, dst *providers.VMDescriptor, pairs []api.NetworkPair, scope string, failures VerificationFailures) {
	for _, nic := range src.NICs {
		match := findMAC(dst.NICs, nic.MAC)
		if match == nil {
			failures.add(scope, "no destination interface carries MAC %s", nic.MAC)
			continue
		}
		resolved, ok := plan.ResolveNetwork(pairs, ref.Ref{Name: nic.Network})
		if !ok {
			failures.add(scope, "source network %q has no map entry", nic.Network)
			continue
		}
		want := plan.DestinationName(resolved)
		if match.Network != want {
			failures.add(scope, "interface with MAC %s landed on network %q, map resolves %q to %q",
				nic.MAC, match.Network, nic.Network, want)
		}
	}
}

func (v *Verifier) checkStorage(dst *providers.VMDescriptor, explicitAccessMode bool, scope string, failures VerificationFailures) {
	for _, disk := range dst.Disks {
		if disk.StorageName != v.cfg.StorageClass {
			failures.add(scope, "disk %s is on storage class %q, want %q", disk.Name, disk.StorageName, v.cfg.StorageClass)
		}
		if !v.cfg.Verify.CephRWOOnExplicitAccessMode || disk.StorageName != v.cfg.Verify.CephStorageClass {
			continue
		}
		want := string(core.ReadWriteMany)
		if explicitAccessMode {
			want = string(core.ReadWriteOnce)
		}
		if disk.AccessMode != want {
			failures.add(scope, "disk %s has access mode %q, want %q", disk.Name, disk.AccessMode, want)
		}
	}
}

// checkSnapshots verifies the product left the source snapshot chain as it
// found it: precopy snapshots must be cleaned up after cutover.
func (v *Verifier) checkSnapshots(ctx context.Context, source providers.Provider, rec VMRecord, scope string, failures VerificationFailures) error {
	post, err := source.ListSnapshots(ctx, rec.Spec.Name)
	if err != nil {
		return errors.Wrapf(err, "failed to list snapshots of %s", rec.Spec.Name)
	}
	if post == nil {
		return nil
	}
	pre := append([]providers.Snapshot(nil), rec.PreSnapshots...)
	after := append([]providers.Snapshot(nil), post...)
	sort.Slice(pre, func(i, j int) bool { return pre[i].ID < pre[j].ID })
	sort.Slice(after, func(i, j int) bool { return after[i].ID < after[j].ID })

	if len(pre) != len(after) {
		failures.add(scope, "snapshot count changed from %d to %d", len(pre), len(after))
	}
	n := len(pre)
	if len(after) < n {
		n = len(after)
	}
	for i := 0; i < n; i++ {
		b, a := pre[i], after[i]
		if b.ID != a.ID || b.Name != a.Name || b.State != a.State ||
			!b.CreateTime.Truncate(time.Minute).Equal(a.CreateTime.Truncate(time.Minute)) {
			failures.add(scope, "snapshot diverged: had %s/%s, found %s/%s", b.ID, b.Name, a.ID, a.Name)
		}
	}
	return nil
}

// checkForcedPowerOff scans the source event log for the power-off event
// the product must never emit against a source VM.
func (v *Verifier) checkForcedPowerOff(ctx context.Context, opts CheckOptions, rec VMRecord, scope string, failures VerificationFailures) error {
	scanner, ok := opts.Source.(providers.EventScanner)
	if !ok || opts.Since.IsZero() {
		return nil
	}
	found, err := scanner.HasEvent(ctx, rec.Spec.Name, eventForcedPowerOff, opts.Since)
	if err != nil {
		return errors.Wrapf(err, "failed to scan events of %s", rec.Spec.Name)
	}
	if found {
		failures.add(scope, "source VM was force powered off by the product (event %d)", eventForcedPowerOff)
	}
	return nil
}

// pvcTemplateData mirrors the fields the product feeds its PVC name
// template.
type pvcTemplateData struct {
	VmName        string
	PlanName      string
	DiskIndex     int
	RootDiskIndex int
}

func (v *Verifier) checkPVCNames(ctx context.Context, p *api.Plan, vmName string, disks int, tmpl *template.Template, scope string, failures VerificationFailures) error {
	for i := 0; i < disks; i++ {
		var buf bytes.Buffer
		data := pvcTemplateData{VmName: vmName, PlanName: p.Name, DiskIndex: i, RootDiskIndex: 0}
		if err := tmpl.Execute(&buf, data); err != nil {
			return errors.Wrap(err, "failed to render PVC name template")
		}
		name := buf.String()
		if len(name) > 63 {
			name = name[len(name)-63:]
		}
		pvc := &core.PersistentVolumeClaim{}
		err := v.client.Get(ctx, client.ObjectKey{Name: name, Namespace: p.Spec.TargetNamespace}, pvc)
		if apierrors.IsNotFound(err) {
			failures.add(scope, "no PVC named %q for disk %d, the name template was not honored", name, i)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "failed to get PVC %s", name)
		}
	}
	return nil
}

// checkProviderSecret verifies the credential secret pins TLS verification
// the way the suite was configured, a silently flipped insecureSkipVerify
// hides certificate regressions.
func (v *Verifier) checkProviderSecret(ctx context.Context, opts CheckOptions, failures VerificationFailures) error {
	switch opts.Source.Type() {
	case providers.TypeVSphere, providers.TypeOVirt, providers.TypeOpenStack:
	default:
		return nil
	}
	if opts.SecretRef.Name == "" {
		return nil
	}
	secret := &core.Secret{}
	err := v.client.Get(ctx, client.ObjectKey{Name: opts.SecretRef.Name, Namespace: opts.SecretRef.Namespace}, secret)
	if err != nil {
		return errors.Wrapf(err, "failed to get provider secret %s", opts.SecretRef.Name)
	}
	got, parseErr := strconv.ParseBool(secretValue(secret, "insecureSkipVerify"))
	if parseErr != nil || got != v.cfg.InsecureTLSVerify {
		failures.add("provider/"+opts.Source.Name(),
			"secret %s has insecureSkipVerify=%q, configuration wants %t",
			opts.SecretRef.Name, secretValue(secret, "insecureSkipVerify"), v.cfg.InsecureTLSVerify)
	}
	return nil
}

// checkTransferURLs confirms every disk transfer of the plan went through
// the dedicated migration network host.
func (v *Verifier) checkTransferURLs(ctx context.Context, opts CheckOptions, failures VerificationFailures) error {
	if opts.TransferHost == "" {
		return nil
	}
	dvs := &cdiv1beta1.DataVolumeList{}
	if err := v.client.List(ctx, dvs, client.InNamespace(opts.Plan.Spec.TargetNamespace)); err != nil {
		return errors.Wrap(err, "failed to list DataVolumes")
	}
	scope := "plan/" + opts.Plan.Name
	checked := 0
	for _, dv := range dvs.Items {
		if !strings.HasPrefix(dv.Name, opts.Plan.Name) {
			continue
		}
		if dv.Spec.Source == nil || dv.Spec.Source.VDDK == nil {
			continue
		}
		checked++
		u, err := url.Parse(dv.Spec.Source.VDDK.URL)
		if err != nil || u.Hostname() != opts.TransferHost {
			failures.add(scope, "DataVolume %s transfers from %q, migration network host is %q",
				dv.Name, dv.Spec.Source.VDDK.URL, opts.TransferHost)
		}
	}
	if checked == 0 {
		v.log.Debugf("No DataVolumes left to check transfer URLs for plan %s", opts.Plan.Name)
	}
	return nil
}

func secretValue(secret *core.Secret, key string) string {
	if v, ok := secret.Data[key]; ok {
		return string(v)
	}
	return secret.StringData[key]
}

func findMAC(nics []providers.NIC, mac string) *providers.NIC {
	for i := range nics {
		if strings.EqualFold(nics[i].MAC, mac) {
			return &nics[i]
		}
	}
	return nil
}

var _ error = VerificationFailures{}

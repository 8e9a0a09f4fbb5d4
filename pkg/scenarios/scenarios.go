// Copyright © 2025 The mtv-e2e authors

// Package scenarios composes the suite's building blocks into end to end
// migration flows: survey the source VMs, provision the forklift resources,
// drive the migration, verify the outcome. The cobra runner and the scenario
// suite execute the same flows.
package scenarios

import (
	"context"
	"fmt"
	"time"

	api "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	"github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/provider"
	"github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/ref"
	libcnd "github.com/kubev2v/forklift/pkg/lib/condition"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	core "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/driver"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
	"github.com/kubev2v/mtv-e2e/pkg/ledger"
	"github.com/kubev2v/mtv-e2e/pkg/names"
	"github.com/kubev2v/mtv-e2e/pkg/plan"
	"github.com/kubev2v/mtv-e2e/pkg/providers"
	"github.com/kubev2v/mtv-e2e/pkg/uploader"
	"github.com/kubev2v/mtv-e2e/pkg/verify"
)

// Validation conditions the negative flows expect instead of Ready.
const (
	ConditionTargetNameNotValid = "TargetNameNotValid"
	ConditionVMAlreadyExists    = "VMAlreadyExists"
)

// hostProviderName is the forklift built-in provider representing the local
// cluster, used as migration destination.
const hostProviderName = "host"

// Deps are the session collaborators scenarios run with.
type Deps struct {
	Config *config.Config
	Client client.Client
	Ledger *ledger.Ledger
	Driver *driver.Driver
	// Builder assembles the forklift resources.
	Builder *plan.Builder
	// Verifier checks migrated VMs. Nil skips verification.
	Verifier *verify.Verifier
	// Source is the connected source backend, Destination the cluster
	// backend migrated VMs are inspected through.
	Source      providers.Provider
	Destination providers.Provider
	// Entry is the provider matrix row Source was built from.
	Entry *config.ProviderEntry
	Log   *zap.SugaredLogger
}

// Summary is what a scenario leaves behind for exit codes and reporting.
type Summary struct {
	Result   *driver.Result
	Failures verify.VerificationFailures
	// Records hold the per-VM pre-migration state verification ran against.
	Records []verify.VMRecord
}

// Passed reports a clean scenario: terminal state reached and nothing the
// verifier flagged.
func (s *Summary) Passed() bool {
	return s.Result != nil && s.Failures.Empty()
}

// Runner executes migration scenarios.
type Runner struct {
	deps Deps
	log  *zap.SugaredLogger
}

func NewRunner(deps Deps) *Runner {
	log := deps.Log
	if log == nil {
		log = zap.S()
	}
	return &Runner{deps: deps, log: log.Named("scenarios")}
}

// ColdOptions parameterize a cold migration scenario.
type ColdOptions struct {
	VMs []plan.VMSpec
	// PodOnlyNetwork maps every source network to the pod network instead of
	// giving secondary networks multus attachments.
	PodOnlyNetwork bool
	// AccessMode forces an explicit access mode into the storage map.
	AccessMode core.PersistentVolumeAccessMode
	// Offload attaches the copy-offload plugin to the storage map.
	Offload *plan.OffloadConfig
	// PVCNameTemplate names migrated PVCs, verified after migration.
	PVCNameTemplate string
	// TransferNetwork routes disk transfers over a dedicated network.
	TransferNetwork *core.ObjectReference
	// TransferHost is the migration network host the transfer URLs must
	// carry, verified when TransferNetwork is set.
	TransferHost string
	// PreHook and PostHook attach Hook resources to every VM in the plan.
	PreHook  *core.ObjectReference
	PostHook *core.ObjectReference
}

// Cold migrates the VMs with a cold plan and verifies the outcome.
func (r *Runner) Cold(ctx context.Context, opts ColdOptions) (*Summary, error) {
	sv, err := r.survey(ctx, opts.VMs)
	if err != nil {
		return nil, err
	}
	fx, err := r.provision(ctx, sv, provisionOptions{
		podOnly:    opts.PodOnlyNetwork,
		accessMode: opts.AccessMode,
		offload:    opts.Offload,
	})
	if err != nil {
		return nil, err
	}
	p, err := r.deps.Builder.Plan(plan.Options{
		Name:            r.planName(false),
		TargetNamespace: r.deps.Config.TargetNamespace,
		Source:          fx.sourceRef,
		Destination:     fx.destinationRef,
		NetworkMap:      fx.networkMapRef(),
		StorageMap:      fx.storageMapRef(),
		VMs:             opts.VMs,
		TransferNetwork: opts.TransferNetwork,
		PVCNameTemplate: opts.PVCNameTemplate,
		PreHook:         opts.PreHook,
		PostHook:        opts.PostHook,
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := r.deps.Driver.Run(ctx, driver.RunOptions{Plan: p})
	sum := &Summary{Result: res, Records: sv.records}
	if err != nil {
		return sum, err
	}
	return sum, r.verifyMigrated(ctx, sum, fx, verifyParams{
		explicitAccessMode: opts.AccessMode != "",
		transferHost:       opts.TransferHost,
		since:              started,
	})
}

// WarmOptions parameterize a warm migration scenario.
type WarmOptions struct {
	VMs            []plan.VMSpec
	PodOnlyNetwork bool
	AccessMode     core.PersistentVolumeAccessMode
	// PreCopies gates cutover on a per-VM snapshot count. Zero schedules
	// the cutover by the configured delay instead.
	PreCopies int
	// CutoverNow cuts over immediately instead of after the delay. Only
	// meaningful with PreCopies == 0.
	CutoverNow bool
	// Upload, when set, runs a guest upload worker for the whole migration
	// so precopies have changed data to move.
	Upload         uploader.UploadFunc
	UploadInterval time.Duration
	// PreHook and PostHook attach Hook resources to every VM in the plan.
	PreHook  *core.ObjectReference
	PostHook *core.ObjectReference
}

// Warm migrates the VMs with a warm plan: precopy gate or scheduled cutover,
// optional guest upload load, then verification including the snapshot chain.
func (r *Runner) Warm(ctx context.Context, opts WarmOptions) (*Summary, error) {
	sv, err := r.survey(ctx, opts.VMs)
	if err != nil {
		return nil, err
	}
	fx, err := r.provision(ctx, sv, provisionOptions{
		podOnly:    opts.PodOnlyNetwork,
		accessMode: opts.AccessMode,
	})
	if err != nil {
		return nil, err
	}
	planOpts := plan.Options{
		Name:            r.planName(true),
		TargetNamespace: r.deps.Config.TargetNamespace,
		Source:          fx.sourceRef,
		Destination:     fx.destinationRef,
		NetworkMap:      fx.networkMapRef(),
		StorageMap:      fx.storageMapRef(),
		VMs:             opts.VMs,
		Warm:            true,
		PreHook:         opts.PreHook,
		PostHook:        opts.PostHook,
	}
	if opts.PreCopies > 0 {
		planOpts.PreCopiesBeforeCutover = ptr.To(opts.PreCopies)
	}
	p, err := r.deps.Builder.Plan(planOpts)
	if err != nil {
		return nil, err
	}

	runOpts := driver.RunOptions{Plan: p}
	if planOpts.PreCopiesBeforeCutover != nil {
		runOpts.PreCopiesBeforeCutover = planOpts.PreCopiesBeforeCutover
		runOpts.SnapshotSource = r.deps.Source
	} else {
		runOpts.Cutover = &driver.CutoverRequest{Current: opts.CutoverNow}
	}

	var up *uploader.Uploader
	if opts.Upload != nil {
		up = uploader.New(opts.Upload, uploader.Options{Interval: opts.UploadInterval, Log: r.log})
		if err := up.Start(ctx); err != nil {
			return nil, err
		}
	}

	started := time.Now()
	res, runErr := r.deps.Driver.Run(ctx, runOpts)
	if up != nil {
		if err := up.Stop(); err != nil {
			r.log.Warnf("Guest upload worker finished with: %v", err)
		} else {
			r.log.Infof("Guest upload worker made %d uploads during migration", up.Uploads())
		}
	}
	sum := &Summary{Result: res, Records: sv.records}
	if runErr != nil {
		return sum, runErr
	}
	return sum, r.verifyMigrated(ctx, sum, fx, verifyParams{
		explicitAccessMode: opts.AccessMode != "",
		since:              started,
	})
}

// InvalidTargetName runs the negative naming flow: a plan whose VM target
// name violates the naming rules must go critical without ever producing a
// Migration. Reaching the condition is the passing outcome.
func (r *Runner) InvalidTargetName(ctx context.Context, vm plan.VMSpec) (*Summary, error) {
	if vm.TargetName == "" {
		vm.TargetName = "MTV_Invalid_" + vm.Name
	}
	return r.expectNotReady(ctx, vm, driver.Condition{
		Type:     ConditionTargetNameNotValid,
		Status:   driver.StatusTrue,
		Category: driver.CategoryCritical,
	})
}

// DuplicateTarget migrates the VM cold, then submits a second plan for the
// same target and expects the duplicate-VM rejection.
func (r *Runner) DuplicateTarget(ctx context.Context, vm plan.VMSpec) (*Summary, error) {
	first, err := r.Cold(ctx, ColdOptions{VMs: []plan.VMSpec{vm}, PodOnlyNetwork: true})
	if err != nil {
		return first, err
	}
	if !first.Failures.Empty() {
		return first, nil
	}
	return r.expectNotReady(ctx, vm, driver.Condition{
		Type:     ConditionVMAlreadyExists,
		Status:   driver.StatusTrue,
		Category: driver.CategoryCritical,
	})
}

func (r *Runner) expectNotReady(ctx context.Context, vm plan.VMSpec, cnd driver.Condition) (*Summary, error) {
	sv, err := r.survey(ctx, []plan.VMSpec{vm})
	if err != nil {
		return nil, err
	}
	fx, err := r.provision(ctx, sv, provisionOptions{podOnly: true})
	if err != nil {
		return nil, err
	}
	p, err := r.deps.Builder.Plan(plan.Options{
		Name:            r.planName(false),
		TargetNamespace: r.deps.Config.TargetNamespace,
		Source:          fx.sourceRef,
		Destination:     fx.destinationRef,
		NetworkMap:      fx.networkMapRef(),
		StorageMap:      fx.storageMapRef(),
		VMs:             []plan.VMSpec{vm},
	})
	if err != nil {
		return nil, err
	}
	res, err := r.deps.Driver.Run(ctx, driver.RunOptions{Plan: p, NotReady: &cnd})
	return &Summary{Result: res, Records: sv.records}, err
}

// survey records each VM's pre-migration state and collects the source
// networks and storages the plan has to map.
type survey struct {
	records  []verify.VMRecord
	networks []ref.Ref
	storages []ref.Ref
}

func (r *Runner) survey(ctx context.Context, vms []plan.VMSpec) (*survey, error) {
	if len(vms) == 0 {
		return nil, &config.ConfigurationError{Key: "scenario VMs"}
	}
	sv := &survey{}
	seenNetworks := map[string]bool{}
	seenStorages := map[string]bool{}
	for _, vm := range vms {
		desc, err := r.deps.Source.VMDescriptor(ctx, vm.Name, vm.Namespace, true)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to survey VM %s", vm.Name)
		}
		snapshots, err := r.deps.Source.ListSnapshots(ctx, vm.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list snapshots of %s", vm.Name)
		}
		sv.records = append(sv.records, verify.VMRecord{
			Spec:          vm,
			OriginalPower: desc.PowerState,
			PreSnapshots:  snapshots,
		})
		for _, nic := range desc.NICs {
			if nic.Network == "" || seenNetworks[nic.Network] {
				continue
			}
			seenNetworks[nic.Network] = true
			sv.networks = append(sv.networks, ref.Ref{Name: nic.Network})
		}
		for _, disk := range desc.Disks {
			if disk.StorageName == "" || seenStorages[disk.StorageName] {
				continue
			}
			seenStorages[disk.StorageName] = true
			sv.storages = append(sv.storages, ref.Ref{Name: disk.StorageName})
		}
	}
	return sv, nil
}

// fixture is the provisioned forklift environment one plan runs in.
type fixture struct {
	sourceRef      core.ObjectReference
	destinationRef core.ObjectReference
	secretRef      core.ObjectReference
	networkMap     *api.NetworkMap
	storageMap     *api.StorageMap
}

func (f *fixture) networkMapRef() core.ObjectReference {
	return core.ObjectReference{Name: f.networkMap.Name, Namespace: f.networkMap.Namespace}
}

func (f *fixture) storageMapRef() core.ObjectReference {
	return core.ObjectReference{Name: f.storageMap.Name, Namespace: f.storageMap.Namespace}
}

type provisionOptions struct {
	podOnly    bool
	accessMode core.PersistentVolumeAccessMode
	offload    *plan.OffloadConfig
}

// provision creates the target namespace, the source provider with its
// credential secret, and the per-run maps. Namespace, secret and provider
// are session scoped: a second scenario in the same session adopts them.
func (r *Runner) provision(ctx context.Context, sv *survey, opts provisionOptions) (*fixture, error) {
	cfg := r.deps.Config
	led := r.deps.Ledger

	namespace := &core.Namespace{ObjectMeta: metav1.ObjectMeta{Name: cfg.TargetNamespace}}
	if err := led.CreateAndRegister(ctx, namespace); err != nil {
		return nil, err
	}

	providerName := names.Truncate(fmt.Sprintf("%s-%s", names.Sanitize(r.deps.Entry.Name), led.Session()))
	secretName := names.Truncate(providerName + "-creds")
	secret := r.deps.Builder.ProviderSecret(secretName, cfg.MTVNamespace, r.deps.Entry)
	if err := led.CreateAndRegister(ctx, secret); err != nil {
		return nil, err
	}
	secretRef := core.ObjectReference{Name: secretName, Namespace: cfg.MTVNamespace}

	providerCR, err := r.deps.Builder.Provider(providerName, cfg.MTVNamespace, r.deps.Entry, secretRef)
	if err != nil {
		return nil, err
	}
	if err := led.CreateAndRegister(ctx, providerCR); err != nil {
		return nil, err
	}
	if err := r.waitProviderReady(ctx, providerName); err != nil {
		return nil, err
	}

	fx := &fixture{
		sourceRef:      core.ObjectReference{Name: providerName, Namespace: cfg.MTVNamespace},
		destinationRef: core.ObjectReference{Name: hostProviderName, Namespace: cfg.MTVNamespace},
		secretRef:      secretRef,
	}
	pair := provider.Pair{Source: fx.sourceRef, Destination: fx.destinationRef}

	runID := r.runSuffix()
	netOpts := plan.NetworkMapOptions{
		Name:            names.Truncate("net-" + runID),
		Provider:        pair,
		Sources:         sv.networks,
		PodOnly:         opts.podOnly,
		TargetNamespace: cfg.TargetNamespace,
	}
	for _, nad := range r.deps.Builder.NetworkAttachments(netOpts) {
		if err := led.CreateAndRegister(ctx, nad); err != nil {
			return nil, err
		}
	}
	fx.networkMap, err = r.deps.Builder.NetworkMap(netOpts)
	if err != nil {
		return nil, err
	}
	if err := led.CreateAndRegister(ctx, fx.networkMap); err != nil {
		return nil, err
	}

	fx.storageMap, err = r.deps.Builder.StorageMap(plan.StorageMapOptions{
		Name:       names.Truncate("st-" + runID),
		Provider:   pair,
		Sources:    sv.storages,
		AccessMode: opts.accessMode,
		Offload:    opts.offload,
	})
	if err != nil {
		return nil, err
	}
	if err := led.CreateAndRegister(ctx, fx.storageMap); err != nil {
		return nil, err
	}
	return fx, nil
}

// planName builds a session-correlated, per-run unique plan name. The
// session ID keeps the plan adoptable by a standalone teardown, the extra
// suffix lets one session run several plans.
func (r *Runner) planName(warm bool) string {
	return names.PlanName(r.deps.Config.TargetNamespace, warm, false, r.runSuffix())
}

func (r *Runner) runSuffix() string {
	return r.deps.Ledger.Session() + "-" + names.Suffix()
}

func (r *Runner) waitProviderReady(ctx context.Context, name string) error {
	cfg := r.deps.Config
	key := client.ObjectKey{Name: name, Namespace: cfg.MTVNamespace}
	poll := k8sutils.Poll{Interval: cfg.PollInterval, Timeout: cfg.PlanReadyTimeout}
	var last []libcnd.Condition
	err := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		p := &api.Provider{}
		if err := r.deps.Client.Get(ctx, key, p); err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		last = p.Status.Conditions.List
		return hasCondition(last, driver.ConditionReady, driver.StatusTrue), nil
	})
	if err != nil {
		if k8sutils.IsTimeout(err) {
			return &driver.ConvergenceTimeoutError{
				Resource:  "provider/" + name,
				Condition: driver.ConditionReady,
				Timeout:   poll.Timeout,
				Last:      last,
			}
		}
		return errors.Wrapf(err, "failed waiting for provider %s", name)
	}
	return nil
}

type verifyParams struct {
	explicitAccessMode bool
	transferHost       string
	since              time.Time
}

func (r *Runner) verifyMigrated(ctx context.Context, sum *Summary, fx *fixture, params verifyParams) error {
	if r.deps.Verifier == nil {
		return nil
	}
	failures, err := r.deps.Verifier.Check(ctx, verify.CheckOptions{
		Source:             r.deps.Source,
		Destination:        r.deps.Destination,
		Plan:               sum.Result.Plan,
		NetworkPairs:       fx.networkMap.Spec.Map,
		ExplicitAccessMode: params.explicitAccessMode,
		TransferHost:       params.transferHost,
		SecretRef:          fx.secretRef,
		Since:              params.since,
		VMs:                sum.Records,
	})
	sum.Failures = failures
	return err
}

func hasCondition(conditions []libcnd.Condition, cndType, status string) bool {
	for _, c := range conditions {
		if c.Type == cndType && c.Status == status {
			return true
		}
	}
	return false
}

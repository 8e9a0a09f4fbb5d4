// Copyright © 2025 The mtv-e2e authors

// Package driver runs the migration state machine: plan creation, readiness,
// migration execution, the warm precopy gate and cutover, terminal
// condition handling, and the cancel/archive settlement teardown relies on.
// Every wait is a bounded synchronous poll.
package driver

import (
	"context"
	"strings"
	"time"

	api "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	libcnd "github.com/kubev2v/forklift/pkg/lib/condition"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	core "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	cdiv1beta1 "kubevirt.io/containerized-data-importer-api/pkg/apis/core/v1beta1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
	"github.com/kubev2v/mtv-e2e/pkg/ledger"
	"github.com/kubev2v/mtv-e2e/pkg/names"
	"github.com/kubev2v/mtv-e2e/pkg/providers"
)

// Condition strings the product reports on plans and migrations.
const (
	StatusTrue  = "True"
	StatusFalse = "False"

	CategoryAdvisory = "Advisory"
	CategoryCritical = "Critical"

	ConditionReady     = "Ready"
	ConditionExecuting = "Executing"
	ConditionRunning   = "Running"
	ConditionSucceeded = "Succeeded"
	ConditionFailed    = "Failed"
	ConditionCanceled  = "Canceled"
	ConditionArchived  = "Archived"
)

// State names where a run currently stands, for logging and results.
type State string

const (
	StatePlanCreated      State = "PlanCreated"
	StatePlanReady        State = "PlanReady"
	StateMigrationRunning State = "MigrationRunning"
	StatePrecopyWait      State = "PrecopyWait"
	StateCutoverScheduled State = "CutoverScheduled"
	StateSucceeded        State = "Succeeded"
	StateFailed           State = "Failed"
	StateCanceled         State = "Canceled"
	StateArchived         State = "Archived"
)

// Condition selects a status condition to wait for.
type Condition struct {
	Type   string
	Status string
	// Category, when set, must match too.
	Category string
}

// CutoverRequest asks for an explicit warm cutover. Current means cut over
// now, otherwise the configured delay is added.
type CutoverRequest struct {
	Current bool
}

// RunOptions parameterize one migration run.
type RunOptions struct {
	// Plan to create. The driver owns its lifecycle from here.
	Plan *api.Plan
	// NotReady flips the run into negative mode: the driver waits for this
	// plan condition instead of Ready, and on reaching it returns success
	// without ever creating a Migration.
	NotReady *Condition
	// PreCopiesBeforeCutover gates warm cutover on a minimum snapshot count
	// per VM, observed through SnapshotSource.
	PreCopiesBeforeCutover *int
	// SnapshotSource is the connected source provider used by the precopy
	// gate. Only consulted for warm vSphere migrations.
	SnapshotSource providers.Provider
	// Cutover schedules an explicit cutover instead of the snapshot gate.
	Cutover *CutoverRequest
	// Terminal overrides the awaited terminal condition, default Succeeded.
	// Negative migration runs pass Failed here.
	Terminal *Condition
	// ReadyTimeout and Timeout override the configured plan-ready and
	// terminal waits.
	ReadyTimeout time.Duration
	Timeout      time.Duration
}

// Result reports where a run ended.
type Result struct {
	State     State
	Plan      *api.Plan
	Migration *api.Migration
}

// Options wire a Driver.
type Options struct {
	Config *config.Config
	Client client.Client
	Ledger *ledger.Ledger
	Log    *zap.SugaredLogger
}

// Driver executes migration runs against one cluster.
type Driver struct {
	cfg    *config.Config
	client client.Client
	ledger *ledger.Ledger
	log    *zap.SugaredLogger
}

func New(opts Options) *Driver {
	log := opts.Log
	if log == nil {
		log = zap.S()
	}
	return &Driver{
		cfg:    opts.Config,
		client: opts.Client,
		ledger: opts.Ledger,
		log:    log.Named("driver"),
	}
}

// Run drives one plan from creation to its terminal state. The plan and,
// when one is created, the migration are registered for teardown before the
// respective create call returns.
func (d *Driver) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if opts.Plan == nil {
		return nil, &config.ConfigurationError{Key: "run plan"}
	}
	res := &Result{State: StatePlanCreated, Plan: opts.Plan}

	if err := d.ledger.CreateAndRegister(ctx, opts.Plan); err != nil {
		return res, err
	}
	key := client.ObjectKeyFromObject(opts.Plan)
	d.log.Infof("Plan %s created", key)

	readyPoll := k8sutils.Poll{Interval: d.cfg.PollInterval, Timeout: d.cfg.PlanReadyTimeout}
	if opts.ReadyTimeout > 0 {
		readyPoll.Timeout = opts.ReadyTimeout
	}

	if opts.NotReady != nil {
		plan, err := d.waitForPlanCondition(ctx, key, *opts.NotReady, readyPoll)
		if err != nil {
			return res, err
		}
		res.Plan = plan
		d.log.Infof("Plan %s blocked with condition %s as expected, no migration created", key, opts.NotReady.Type)
		return res, nil
	}

	plan, err := d.waitForPlanCondition(ctx, key, Condition{Type: ConditionReady, Status: StatusTrue}, readyPoll)
	if err != nil {
		return res, err
	}
	res.Plan = plan
	res.State = StatePlanReady
	d.log.Infof("Plan %s is ready", key)

	migration := &api.Migration{
		ObjectMeta: metav1.ObjectMeta{
			Name:      names.MigrationName(plan.Name),
			Namespace: plan.Namespace,
		},
		Spec: api.MigrationSpec{
			Plan: core.ObjectReference{Name: plan.Name, Namespace: plan.Namespace},
		},
	}
	if err := d.ledger.CreateAndRegister(ctx, migration); err != nil {
		return res, err
	}
	res.Migration = migration
	res.State = StateMigrationRunning
	d.log.Infof("Migration %s/%s started", migration.Namespace, migration.Name)

	if plan.Spec.Warm {
		if err := d.gateCutover(ctx, plan, migration, &opts, res); err != nil {
			return res, err
		}
	}

	terminal := Condition{Type: ConditionSucceeded, Status: StatusTrue}
	if opts.Terminal != nil {
		terminal = *opts.Terminal
	}
	terminalPoll := k8sutils.Poll{Interval: d.cfg.PollInterval, Timeout: d.cfg.MigrationTimeout}
	if opts.Timeout > 0 {
		terminalPoll.Timeout = opts.Timeout
	}
	migration, err = d.waitTerminal(ctx, client.ObjectKeyFromObject(migration), terminal, terminalPoll)
	if err != nil {
		res.State = StateFailed
		return res, err
	}
	res.Migration = migration
	res.State = StateSucceeded
	if terminal.Type != ConditionSucceeded {
		res.State = StateFailed
	}
	d.log.Infof("Migration %s/%s reached %s", migration.Namespace, migration.Name, terminal.Type)
	return res, nil
}

// gateCutover holds a warm migration at the precopy stage. With a precopy
// threshold and a vSphere source the gate counts snapshots and then cuts
// over immediately, so cutover happens exactly at the threshold. An
// explicit request schedules now or now plus the configured delay.
func (d *Driver) gateCutover(ctx context.Context, plan *api.Plan, migration *api.Migration, opts *RunOptions, res *Result) error {
	switch {
	case opts.PreCopiesBeforeCutover != nil && opts.Cutover == nil:
		if opts.SnapshotSource == nil || opts.SnapshotSource.Type() != providers.TypeVSphere {
			return nil
		}
		res.State = StatePrecopyWait
		vmNames := make([]string, 0, len(plan.Spec.VMs))
		for _, vm := range plan.Spec.VMs {
			vmNames = append(vmNames, vm.Name)
		}
		d.log.Infof("Waiting for %d precopies on %d VMs", *opts.PreCopiesBeforeCutover, len(vmNames))
		if err := opts.SnapshotSource.WaitForSnapshots(ctx, vmNames, *opts.PreCopiesBeforeCutover); err != nil {
			return errors.Wrap(err, "precopy gate failed")
		}
		if err := d.scheduleCutover(ctx, migration, time.Now()); err != nil {
			return err
		}
		res.State = StateCutoverScheduled
	case opts.Cutover != nil:
		if err := d.scheduleCutover(ctx, migration, d.CutoverValue(opts.Cutover.Current)); err != nil {
			return err
		}
		res.State = StateCutoverScheduled
	}
	return nil
}

// CutoverValue computes the cutover timestamp: now for a current cutover,
// otherwise now plus the configured delay.
func (d *Driver) CutoverValue(current bool) time.Time {
	if current {
		return time.Now()
	}
	return time.Now().Add(d.cfg.CutoverDelay)
}

func (d *Driver) scheduleCutover(ctx context.Context, migration *api.Migration, at time.Time) error {
	patched := migration.DeepCopy()
	cutover := metav1.NewTime(at)
	patched.Spec.Cutover = &cutover
	if err := d.client.Patch(ctx, patched, client.MergeFrom(migration)); err != nil {
		return errors.Wrapf(err, "failed to schedule cutover for migration %s", migration.Name)
	}
	migration.Spec.Cutover = &cutover
	d.log.Infof("Cutover for migration %s scheduled at %s", migration.Name, at.Format(time.RFC3339))
	return nil
}

// Cancel settles a plan whose migration may still be executing: it patches
// the migration with the full VM list to cancel, waits for the Canceled
// condition and then confirms the migration's volumes are gone. A timeout
// here is fatal for the teardown pass.
func (d *Driver) Cancel(ctx context.Context, name, namespace string) error {
	plan := &api.Plan{}
	if err := d.client.Get(ctx, client.ObjectKey{Name: name, Namespace: namespace}, plan); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to get plan %s", name)
	}
	migration, err := d.migrationFor(ctx, plan)
	if err != nil || migration == nil {
		return err
	}
	if !hasCondition(migration.Status.Conditions.List, ConditionRunning, StatusTrue) &&
		!hasCondition(migration.Status.Conditions.List, ConditionExecuting, StatusTrue) {
		return nil
	}

	patched := migration.DeepCopy()
	for _, vm := range plan.Spec.VMs {
		patched.Spec.Cancel = append(patched.Spec.Cancel, vm.Ref)
	}
	if err := d.client.Patch(ctx, patched, client.MergeFrom(migration)); err != nil {
		return errors.Wrapf(err, "failed to request cancellation of migration %s", migration.Name)
	}
	d.log.Infof("Canceling migration %s, %d VMs", migration.Name, len(patched.Spec.Cancel))

	poll := k8sutils.Poll{Interval: d.cfg.PollInterval, Timeout: d.cfg.MigrationTimeout}
	key := client.ObjectKeyFromObject(migration)
	err = poll.Until(ctx, func(ctx context.Context) (bool, error) {
		if err := d.client.Get(ctx, key, migration); err != nil {
			return false, err
		}
		return hasCondition(migration.Status.Conditions.List, ConditionCanceled, StatusTrue), nil
	})
	if err != nil {
		cancelErr := &CancelTimeoutError{Plan: name, Err: err}
		d.log.Error(cancelErr.Error())
		return cancelErr
	}
	if err := d.planVolumesGone(ctx, plan); err != nil {
		cancelErr := &CancelTimeoutError{Plan: name, Err: err}
		d.log.Error(cancelErr.Error())
		return cancelErr
	}
	d.log.Infof("Migration of plan %s canceled clean", name)
	return nil
}

// Archive flips the plan to archived, waits for the Archived condition and
// confirms the plan's pods are gone.
func (d *Driver) Archive(ctx context.Context, name, namespace string) error {
	plan := &api.Plan{}
	key := client.ObjectKey{Name: name, Namespace: namespace}
	if err := d.client.Get(ctx, key, plan); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to get plan %s", name)
	}
	if !plan.Spec.Archived {
		patched := plan.DeepCopy()
		patched.Spec.Archived = true
		if err := d.client.Patch(ctx, patched, client.MergeFrom(plan)); err != nil {
			return errors.Wrapf(err, "failed to archive plan %s", name)
		}
	}

	poll := k8sutils.Poll{Interval: d.cfg.PollInterval, Timeout: d.cfg.PlanReadyTimeout}
	if _, err := d.waitForPlanCondition(ctx, key, Condition{Type: ConditionArchived, Status: StatusTrue}, poll); err != nil {
		return err
	}
	if err := d.planPodsGone(ctx, plan); err != nil {
		return err
	}
	d.log.Infof("Plan %s archived", name)
	return nil
}

func (d *Driver) migrationFor(ctx context.Context, plan *api.Plan) (*api.Migration, error) {
	migration := &api.Migration{}
	key := client.ObjectKey{Name: names.MigrationName(plan.Name), Namespace: plan.Namespace}
	err := d.client.Get(ctx, key, migration)
	if err == nil {
		return migration, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, errors.Wrapf(err, "failed to get migration for plan %s", plan.Name)
	}
	// The derived name missed, fall back to scanning for the plan reference.
	list := &api.MigrationList{}
	if err := d.client.List(ctx, list, client.InNamespace(plan.Namespace)); err != nil {
		return nil, errors.Wrap(err, "failed to list migrations")
	}
	for i := range list.Items {
		if list.Items[i].Spec.Plan.Name == plan.Name {
			return &list.Items[i], nil
		}
	}
	return nil, nil
}

func (d *Driver) waitForPlanCondition(ctx context.Context, key client.ObjectKey, want Condition, poll k8sutils.Poll) (*api.Plan, error) {
	plan := &api.Plan{}
	var last []libcnd.Condition
	err := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		if err := d.client.Get(ctx, key, plan); err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		last = plan.Status.Conditions.List
		return conditionMatches(last, want), nil
	})
	if err != nil {
		if k8sutils.IsTimeout(err) {
			return nil, &ConvergenceTimeoutError{
				Resource:  "plan " + key.String(),
				Condition: want.Type,
				Timeout:   poll.Timeout,
				Last:      last,
			}
		}
		return nil, errors.Wrapf(err, "failed waiting for plan %s condition %s", key.Name, want.Type)
	}
	return plan, nil
}

// waitTerminal polls the migration for an advisory terminal condition. The
// wanted type ends the wait; the opposite terminal ends it with an error so
// a failed migration is reported immediately instead of timing out.
func (d *Driver) waitTerminal(ctx context.Context, key client.ObjectKey, want Condition, poll k8sutils.Poll) (*api.Migration, error) {
	migration := &api.Migration{}
	var last []libcnd.Condition
	err := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		if err := d.client.Get(ctx, key, migration); err != nil {
			return false, err
		}
		last = migration.Status.Conditions.List
		for i := range last {
			c := last[i]
			if c.Status != StatusTrue || c.Category != CategoryAdvisory {
				continue
			}
			switch c.Type {
			case want.Type:
				return true, nil
			case ConditionFailed:
				return false, &MigrationExecError{Migration: key.Name, Condition: c}
			case ConditionSucceeded:
				return false, errors.Errorf("migration %s succeeded while condition %s was expected", key.Name, want.Type)
			}
		}
		return false, nil
	})
	if err != nil {
		var execErr *MigrationExecError
		if errors.As(err, &execErr) {
			return nil, err
		}
		if k8sutils.IsTimeout(err) {
			return nil, &ConvergenceTimeoutError{
				Resource:  "migration " + key.String(),
				Condition: want.Type,
				Timeout:   poll.Timeout,
				Last:      last,
			}
		}
		return nil, errors.Wrapf(err, "failed waiting for migration %s", key.Name)
	}
	return migration, nil
}

// planVolumesGone confirms no DataVolume, PVC or PV of the plan survived
// cancellation. PVs are matched through their claim and a Released PV is
// tolerated, the reclaimer is still working on it.
func (d *Driver) planVolumesGone(ctx context.Context, plan *api.Plan) error {
	ns := plan.Spec.TargetNamespace
	poll := k8sutils.Poll{Interval: d.cfg.PollInterval, Timeout: d.cfg.PlanReadyTimeout}
	err := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		dvs := &cdiv1beta1.DataVolumeList{}
		if err := d.client.List(ctx, dvs, client.InNamespace(ns)); err != nil {
			return false, err
		}
		for _, dv := range dvs.Items {
			if strings.HasPrefix(dv.Name, plan.Name) {
				return false, nil
			}
		}
		pvcs := &core.PersistentVolumeClaimList{}
		if err := d.client.List(ctx, pvcs, client.InNamespace(ns)); err != nil {
			return false, err
		}
		for _, pvc := range pvcs.Items {
			if strings.HasPrefix(pvc.Name, plan.Name) {
				return false, nil
			}
		}
		pvs := &core.PersistentVolumeList{}
		if err := d.client.List(ctx, pvs); err != nil {
			return false, err
		}
		for _, pv := range pvs.Items {
			claim := pv.Spec.ClaimRef
			if claim == nil || claim.Namespace != ns || !strings.HasPrefix(claim.Name, plan.Name) {
				continue
			}
			if pv.Status.Phase != core.VolumeReleased {
				return false, nil
			}
		}
		return true, nil
	})
	return errors.Wrapf(err, "volumes of plan %s not cleaned up", plan.Name)
}

func (d *Driver) planPodsGone(ctx context.Context, plan *api.Plan) error {
	poll := k8sutils.Poll{Interval: d.cfg.PollInterval, Timeout: d.cfg.PlanReadyTimeout}
	err := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		pods := &core.PodList{}
		if err := d.client.List(ctx, pods, client.InNamespace(plan.Spec.TargetNamespace)); err != nil {
			return false, err
		}
		for _, pod := range pods.Items {
			if strings.HasPrefix(pod.Name, plan.Name) {
				return false, nil
			}
		}
		return true, nil
	})
	return errors.Wrapf(err, "pods of plan %s not cleaned up", plan.Name)
}

func conditionMatches(conditions []libcnd.Condition, want Condition) bool {
	for _, c := range conditions {
		if c.Type != want.Type || c.Status != want.Status {
			continue
		}
		if want.Category != "" && c.Category != want.Category {
			continue
		}
		return true
	}
	return false
}

func hasCondition(conditions []libcnd.Condition, cndType, status string) bool {
	return conditionMatches(conditions, Condition{Type: cndType, Status: status})
}

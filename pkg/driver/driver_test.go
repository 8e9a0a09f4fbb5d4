// Copyright © 2025 The mtv-e2e authors

package driver

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	api "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	planapi "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/plan"
	"github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/ref"
	libcnd "github.com/kubev2v/forklift/pkg/lib/condition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	core "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	cdiv1beta1 "kubevirt.io/containerized-data-importer-api/pkg/apis/core/v1beta1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlfake "sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
	"github.com/kubev2v/mtv-e2e/pkg/ledger"
	"github.com/kubev2v/mtv-e2e/pkg/names"
	"github.com/kubev2v/mtv-e2e/pkg/providers"
)

func testConfig() *config.Config {
	return &config.Config{
		MTVNamespace:     "openshift-mtv",
		TargetNamespace:  "mtv-target",
		StorageClass:     "ocs-storagecluster-ceph-rbd",
		PlanReadyTimeout: 2 * time.Second,
		MigrationTimeout: 2 * time.Second,
		PollInterval:     10 * time.Millisecond,
		CutoverDelay:     5 * time.Minute,
	}
}

func testDriver(t *testing.T, objs ...client.Object) (*Driver, client.Client, *ledger.Ledger) {
	t.Helper()
	cli := ctrlfake.NewClientBuilder().WithScheme(k8sutils.NewScheme()).WithObjects(objs...).Build()
	led := ledger.New(ledger.Options{
		Client:   cli,
		Log:      zap.NewNop().Sugar(),
		Session:  "ab12",
		GonePoll: k8sutils.Poll{Interval: 10 * time.Millisecond, Timeout: 200 * time.Millisecond},
	})
	d := New(Options{Config: testConfig(), Client: cli, Ledger: led, Log: zap.NewNop().Sugar()})
	return d, cli, led
}

func testPlan(name string, warm bool, vmNames ...string) *api.Plan {
	p := &api.Plan{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "openshift-mtv"},
		Spec: api.PlanSpec{
			TargetNamespace: "mtv-target",
			Warm:            warm,
		},
	}
	for _, vm := range vmNames {
		p.Spec.VMs = append(p.Spec.VMs, planapi.VM{Ref: ref.Ref{Name: vm, ID: vm + "-id"}})
	}
	return p
}

func withCondition(p *api.Plan, cnd libcnd.Condition) *api.Plan {
	p.Status.Conditions.List = append(p.Status.Conditions.List, cnd)
	return p
}

func readyPlan(name string, warm bool, vmNames ...string) *api.Plan {
	return withCondition(testPlan(name, warm, vmNames...),
		libcnd.Condition{Type: ConditionReady, Status: StatusTrue, Category: "Required"})
}

func terminalMigration(planName, cndType string) *api.Migration {
	m := &api.Migration{
		ObjectMeta: metav1.ObjectMeta{Name: names.MigrationName(planName), Namespace: "openshift-mtv"},
		Spec: api.MigrationSpec{
			Plan: core.ObjectReference{Name: planName, Namespace: "openshift-mtv"},
		},
	}
	m.Status.Conditions.List = []libcnd.Condition{
		{Type: cndType, Status: StatusTrue, Category: CategoryAdvisory},
	}
	return m
}

func TestRunColdSuccess(t *testing.T) {
	plan := readyPlan("mtv-target-cold-ab12", false, "web-vm")
	d, _, led := testDriver(t, plan, terminalMigration(plan.Name, ConditionSucceeded))

	res, err := d.Run(context.Background(), RunOptions{Plan: testPlan(plan.Name, false, "web-vm")})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	require.NotNil(t, res.Migration)
	assert.Equal(t, "mtv-target-cold-ab12-migration", res.Migration.Name)

	require.Len(t, led.Tracked(ledger.KindPlan), 1)
	require.Len(t, led.Tracked(ledger.KindMigration), 1)
}

func TestRunNegativeNeverCreatesMigration(t *testing.T) {
	rejected := withCondition(testPlan("mtv-target-cold-ab12", false, "web-vm"),
		libcnd.Condition{Type: "TargetNameNotValid", Status: StatusTrue, Category: CategoryCritical})
	d, cli, led := testDriver(t, rejected)

	res, err := d.Run(context.Background(), RunOptions{
		Plan:     testPlan(rejected.Name, false, "web-vm"),
		NotReady: &Condition{Type: "TargetNameNotValid", Status: StatusTrue, Category: CategoryCritical},
	})
	require.NoError(t, err)
	assert.Equal(t, StatePlanCreated, res.State)
	assert.Nil(t, res.Migration)

	migrations := &api.MigrationList{}
	require.NoError(t, cli.List(context.Background(), migrations))
	assert.Empty(t, migrations.Items)
	assert.Empty(t, led.Tracked(ledger.KindMigration))
}

func TestRunPlanReadyTimeout(t *testing.T) {
	d, _, _ := testDriver(t)

	res, err := d.Run(context.Background(), RunOptions{
		Plan:         testPlan("mtv-target-cold-ab12", false, "web-vm"),
		ReadyTimeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	var convErr *ConvergenceTimeoutError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, ConditionReady, convErr.Condition)
	assert.Equal(t, StatePlanCreated, res.State)
}

func TestRunMigrationFailed(t *testing.T) {
	plan := readyPlan("mtv-target-cold-ab12", false, "web-vm")
	failed := terminalMigration(plan.Name, ConditionFailed)
	failed.Status.Conditions.List[0].Message = "virt-v2v exited 1"
	d, _, _ := testDriver(t, plan, failed)

	res, err := d.Run(context.Background(), RunOptions{Plan: testPlan(plan.Name, false, "web-vm")})
	require.Error(t, err)
	var execErr *MigrationExecError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Error(), "virt-v2v exited 1")
	assert.Equal(t, StateFailed, res.State)
}

func TestRunExpectedFailure(t *testing.T) {
	plan := readyPlan("mtv-target-cold-ab12", false, "dup-vm")
	d, _, _ := testDriver(t, plan, terminalMigration(plan.Name, ConditionFailed))

	res, err := d.Run(context.Background(), RunOptions{
		Plan:     testPlan(plan.Name, false, "dup-vm"),
		Terminal: &Condition{Type: ConditionFailed, Status: StatusTrue},
	})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
}

func TestRunWarmExplicitCutover(t *testing.T) {
	plan := readyPlan("mtv-target-warm-ab12", true, "web-vm")
	d, cli, _ := testDriver(t, plan, terminalMigration(plan.Name, ConditionSucceeded))

	res, err := d.Run(context.Background(), RunOptions{
		Plan:    testPlan(plan.Name, true, "web-vm"),
		Cutover: &CutoverRequest{Current: true},
	})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)

	stored := &api.Migration{}
	require.NoError(t, cli.Get(context.Background(),
		types.NamespacedName{Name: res.Migration.Name, Namespace: "openshift-mtv"}, stored))
	require.NotNil(t, stored.Spec.Cutover)
	assert.WithinDuration(t, time.Now(), stored.Spec.Cutover.Time, 2*time.Second)
}

func TestCutoverValueDelayed(t *testing.T) {
	d, _, _ := testDriver(t)
	assert.WithinDuration(t, time.Now(), d.CutoverValue(true), time.Second)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), d.CutoverValue(false), time.Second)
}

func TestRunWarmPrecopyGate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	plan := readyPlan("mtv-target-warm-ab12", true, "web-vm")
	d, cli, _ := testDriver(t, plan, terminalMigration(plan.Name, ConditionSucceeded))

	precopies := 2
	source := providers.NewMockProvider(ctrl)
	source.EXPECT().Type().Return(providers.TypeVSphere).AnyTimes()
	source.EXPECT().WaitForSnapshots(gomock.Any(), []string{"web-vm"}, precopies).Return(nil)

	res, err := d.Run(context.Background(), RunOptions{
		Plan:                   testPlan(plan.Name, true, "web-vm"),
		PreCopiesBeforeCutover: &precopies,
		SnapshotSource:         source,
	})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)

	stored := &api.Migration{}
	require.NoError(t, cli.Get(context.Background(),
		types.NamespacedName{Name: res.Migration.Name, Namespace: "openshift-mtv"}, stored))
	require.NotNil(t, stored.Spec.Cutover, "cutover must fire exactly at the precopy threshold")
	assert.WithinDuration(t, time.Now(), stored.Spec.Cutover.Time, 2*time.Second)
}

func TestRunWarmGateSkippedForNonVSphere(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	plan := readyPlan("mtv-target-warm-ab12", true, "web-vm")
	d, cli, _ := testDriver(t, plan, terminalMigration(plan.Name, ConditionSucceeded))

	precopies := 2
	source := providers.NewMockProvider(ctrl)
	source.EXPECT().Type().Return(providers.TypeOVirt).AnyTimes()

	_, err := d.Run(context.Background(), RunOptions{
		Plan:                   testPlan(plan.Name, true, "web-vm"),
		PreCopiesBeforeCutover: &precopies,
		SnapshotSource:         source,
	})
	require.NoError(t, err)

	stored := &api.Migration{}
	require.NoError(t, cli.Get(context.Background(),
		types.NamespacedName{Name: plan.Name + "-migration", Namespace: "openshift-mtv"}, stored))
	assert.Nil(t, stored.Spec.Cutover)
}

// flipWhen waits for trigger to report true on the stored migration, then
// appends the condition. It stands in for the product's controller.
func flipWhen(t *testing.T, cli client.Client, key types.NamespacedName,
	trigger func(*api.Migration) bool, cnd libcnd.Condition) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			m := &api.Migration{}
			if err := cli.Get(context.Background(), key, m); err == nil && trigger(m) {
				m.Status.Conditions.List = append(m.Status.Conditions.List, cnd)
				if err := cli.Update(context.Background(), m); err == nil {
					return
				}
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return done
}

func TestCancelRunningMigration(t *testing.T) {
	plan := readyPlan("mtv-target-warm-ab12", true, "web-vm", "db-vm")
	executing := terminalMigration(plan.Name, ConditionSucceeded)
	executing.Status.Conditions.List = []libcnd.Condition{
		{Type: ConditionExecuting, Status: StatusTrue, Category: CategoryAdvisory},
	}
	d, cli, _ := testDriver(t, plan, executing)

	key := types.NamespacedName{Name: executing.Name, Namespace: "openshift-mtv"}
	done := flipWhen(t, cli, key,
		func(m *api.Migration) bool { return len(m.Spec.Cancel) > 0 },
		libcnd.Condition{Type: ConditionCanceled, Status: StatusTrue, Category: CategoryAdvisory})

	require.NoError(t, d.Cancel(context.Background(), plan.Name, "openshift-mtv"))
	<-done

	stored := &api.Migration{}
	require.NoError(t, cli.Get(context.Background(), key, stored))
	require.Len(t, stored.Spec.Cancel, 2)
	assert.Equal(t, "web-vm", stored.Spec.Cancel[0].Name)
}

func TestCancelNothingRunning(t *testing.T) {
	plan := readyPlan("mtv-target-cold-ab12", false, "web-vm")
	idle := terminalMigration(plan.Name, ConditionSucceeded)
	d, cli, _ := testDriver(t, plan, idle)

	require.NoError(t, d.Cancel(context.Background(), plan.Name, "openshift-mtv"))

	stored := &api.Migration{}
	require.NoError(t, cli.Get(context.Background(),
		types.NamespacedName{Name: idle.Name, Namespace: "openshift-mtv"}, stored))
	assert.Empty(t, stored.Spec.Cancel)

	// No plan at all is also fine.
	require.NoError(t, d.Cancel(context.Background(), "never-existed", "openshift-mtv"))
}

func TestCancelTimeoutIsFatal(t *testing.T) {
	plan := readyPlan("mtv-target-warm-ab12", true, "web-vm")
	executing := &api.Migration{
		ObjectMeta: metav1.ObjectMeta{Name: names.MigrationName(plan.Name), Namespace: "openshift-mtv"},
		Spec:       api.MigrationSpec{Plan: core.ObjectReference{Name: plan.Name, Namespace: "openshift-mtv"}},
	}
	executing.Status.Conditions.List = []libcnd.Condition{
		{Type: ConditionExecuting, Status: StatusTrue, Category: CategoryAdvisory},
	}
	d, _, _ := testDriver(t, plan, executing)
	d.cfg.MigrationTimeout = 100 * time.Millisecond

	err := d.Cancel(context.Background(), plan.Name, "openshift-mtv")
	var cancelErr *CancelTimeoutError
	require.ErrorAs(t, err, &cancelErr)
	assert.Equal(t, plan.Name, cancelErr.Plan)
}

func TestCancelWaitsForVolumes(t *testing.T) {
	plan := readyPlan("mtv-target-warm-ab12", true, "web-vm")
	executing := terminalMigration(plan.Name, ConditionSucceeded)
	executing.Status.Conditions.List = []libcnd.Condition{
		{Type: ConditionExecuting, Status: StatusTrue, Category: CategoryAdvisory},
		{Type: ConditionCanceled, Status: StatusTrue, Category: CategoryAdvisory},
	}
	leftover := &cdiv1beta1.DataVolume{
		ObjectMeta: metav1.ObjectMeta{Name: plan.Name + "-web-vm", Namespace: "mtv-target"},
	}
	d, _, _ := testDriver(t, plan, executing, leftover)
	d.cfg.PlanReadyTimeout = 100 * time.Millisecond

	err := d.Cancel(context.Background(), plan.Name, "openshift-mtv")
	var cancelErr *CancelTimeoutError
	require.ErrorAs(t, err, &cancelErr)
	assert.Contains(t, err.Error(), "volumes of plan")
}

func TestArchive(t *testing.T) {
	plan := readyPlan("mtv-target-cold-ab12", false, "web-vm")
	d, cli, _ := testDriver(t, plan)

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			p := &api.Plan{}
			key := types.NamespacedName{Name: plan.Name, Namespace: "openshift-mtv"}
			if err := cli.Get(context.Background(), key, p); err == nil && p.Spec.Archived {
				p.Status.Conditions.List = append(p.Status.Conditions.List,
					libcnd.Condition{Type: ConditionArchived, Status: StatusTrue, Category: CategoryAdvisory})
				if err := cli.Update(context.Background(), p); err == nil {
					return
				}
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	require.NoError(t, d.Archive(context.Background(), plan.Name, "openshift-mtv"))
	<-done

	stored := &api.Plan{}
	require.NoError(t, cli.Get(context.Background(),
		types.NamespacedName{Name: plan.Name, Namespace: "openshift-mtv"}, stored))
	assert.True(t, stored.Spec.Archived)

	// Archiving an absent plan is a no-op.
	require.NoError(t, d.Archive(context.Background(), "never-existed", "openshift-mtv"))
}

func TestArchiveAlreadyArchived(t *testing.T) {
	plan := readyPlan("mtv-target-cold-ab12", false, "web-vm")
	plan.Spec.Archived = true
	plan = withCondition(plan, libcnd.Condition{Type: ConditionArchived, Status: StatusTrue, Category: CategoryAdvisory})
	d, _, _ := testDriver(t, plan)

	require.NoError(t, d.Archive(context.Background(), plan.Name, "openshift-mtv"))
}

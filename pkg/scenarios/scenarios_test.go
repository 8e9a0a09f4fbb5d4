// Copyright © 2025 The mtv-e2e authors

package scenarios

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/mock/gomock"
	api "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	libcnd "github.com/kubev2v/forklift/pkg/lib/condition"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlfake "sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/driver"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
	"github.com/kubev2v/mtv-e2e/pkg/ledger"
	"github.com/kubev2v/mtv-e2e/pkg/names"
	"github.com/kubev2v/mtv-e2e/pkg/plan"
	"github.com/kubev2v/mtv-e2e/pkg/providers"
	"github.com/kubev2v/mtv-e2e/pkg/verify"
)

// fakeProduct stands in for the migration controllers: it admits plans at
// create time, finishes migrations instantly and settles archive and cancel
// patches. Scenario flows then run exactly as against a cluster, just fast.
type fakeProduct struct {
	mu sync.Mutex
	// existing tracks destination VM names, so a second plan for the same
	// target gets the duplicate rejection.
	existing map[string]bool
	// targets remembers each admitted plan's destination VM names.
	targets map[string][]string
}

func newFakeProduct() *fakeProduct {
	return &fakeProduct{existing: map[string]bool{}, targets: map[string][]string{}}
}

func (f *fakeProduct) interceptors() interceptor.Funcs {
	return interceptor.Funcs{
		Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
			switch o := obj.(type) {
			case *api.Provider:
				o.Status.Conditions.List = append(o.Status.Conditions.List,
					condition("ConnectionTested", driver.StatusTrue, "Required"),
					condition(driver.ConditionReady, driver.StatusTrue, "Required"),
				)
			case *api.Plan:
				f.admitPlan(o)
			case *api.Migration:
				f.finishMigration(o)
			}
			return c.Create(ctx, obj, opts...)
		},
		Patch: func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
			if err := c.Patch(ctx, obj, patch, opts...); err != nil {
				return err
			}
			switch o := obj.(type) {
			case *api.Plan:
				if o.Spec.Archived && !hasCondition(o.Status.Conditions.List, driver.ConditionArchived, driver.StatusTrue) {
					o.Status.Conditions.List = append(o.Status.Conditions.List,
						condition(driver.ConditionArchived, driver.StatusTrue, driver.CategoryAdvisory))
					return c.Update(ctx, o)
				}
			case *api.Migration:
				if len(o.Spec.Cancel) > 0 && !hasCondition(o.Status.Conditions.List, driver.ConditionCanceled, driver.StatusTrue) {
					o.Status.Conditions.List = append(o.Status.Conditions.List,
						condition(driver.ConditionCanceled, driver.StatusTrue, driver.CategoryAdvisory))
					return c.Update(ctx, o)
				}
			}
			return nil
		},
	}
}

func (f *fakeProduct) admitPlan(p *api.Plan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var targets []string
	for _, vm := range p.Spec.VMs {
		target := vm.TargetName
		if target == "" {
			target = vm.Name
		}
		if target != names.Sanitize(target) {
			p.Status.Conditions.List = append(p.Status.Conditions.List,
				condition(ConditionTargetNameNotValid, driver.StatusTrue, driver.CategoryCritical))
			return
		}
		if f.existing[target] {
			p.Status.Conditions.List = append(p.Status.Conditions.List,
				condition(ConditionVMAlreadyExists, driver.StatusTrue, driver.CategoryCritical))
			return
		}
		targets = append(targets, target)
	}
	f.targets[p.Name] = targets
	p.Status.Conditions.List = append(p.Status.Conditions.List,
		condition(driver.ConditionReady, driver.StatusTrue, "Required"))
}

func (f *fakeProduct) finishMigration(m *api.Migration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, target := range f.targets[m.Spec.Plan.Name] {
		f.existing[target] = true
	}
	m.Status.Conditions.List = append(m.Status.Conditions.List,
		condition(driver.ConditionSucceeded, driver.StatusTrue, driver.CategoryAdvisory))
}

func condition(cndType, status, category string) libcnd.Condition {
	return libcnd.Condition{Type: cndType, Status: status, Category: category}
}

func runningSource() *providers.VMDescriptor {
	return &providers.VMDescriptor{
		Name:       "web-vm",
		PowerState: providers.PowerOn,
		CPU:        providers.CPU{Cores: 2, Sockets: 1},
		MemoryMB:   4096,
		NICs:       []providers.NIC{{Name: "ethernet-0", MAC: "AA:BB:CC:DD:EE:01", Network: "VM Network"}},
		Disks:      []providers.Disk{{Name: "disk-1", SizeKB: 10485760, StorageName: "datastore1"}},
	}
}

func stoppedSource() *providers.VMDescriptor {
	desc := runningSource()
	desc.PowerState = providers.PowerOff
	return desc
}

func migratedDestination() *providers.VMDescriptor {
	return &providers.VMDescriptor{
		Name:       "web-vm",
		PowerState: providers.PowerOn,
		CPU:        providers.CPU{Cores: 2, Sockets: 1},
		MemoryMB:   4096,
		GuestAgent: true,
		NICs:       []providers.NIC{{Name: "eth0", MAC: "aa:bb:cc:dd:ee:01", Network: "pod"}},
		Disks: []providers.Disk{{
			Name: "rootdisk", SizeKB: 10485760,
			StorageName: "ocs-storagecluster-ceph-rbd", AccessMode: "ReadWriteMany",
		}},
	}
}

func sourceSnapshots() []providers.Snapshot {
	return []providers.Snapshot{{
		ID: "snapshot-1", Name: "base", State: "ok",
		CreateTime: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}}
}

var _ = Describe("Migration scenarios", func() {
	var (
		ctx     context.Context
		cli     client.Client
		product *fakeProduct
		ctrl    *gomock.Controller
		source  *providers.MockProvider
		dest    *providers.MockProvider
		led     *ledger.Ledger
		drv     *driver.Driver
		cfg     *config.Config
		runner  *Runner
	)

	BeforeEach(func() {
		ctx = context.Background()
		product = newFakeProduct()
		cli = ctrlfake.NewClientBuilder().
			WithScheme(k8sutils.NewScheme()).
			WithInterceptorFuncs(product.interceptors()).
			Build()
		cfg = &config.Config{
			MTVNamespace:      "openshift-mtv",
			TargetNamespace:   "mtv-target-ab12",
			StorageClass:      "ocs-storagecluster-ceph-rbd",
			PlanReadyTimeout:  2 * time.Second,
			MigrationTimeout:  2 * time.Second,
			PollInterval:      10 * time.Millisecond,
			CutoverDelay:      5 * time.Minute,
			InsecureTLSVerify: true,
			Verify: config.VerifyConfig{
				CephRWOOnExplicitAccessMode: true,
				CephStorageClass:            "ocs-storagecluster-ceph-rbd",
				GuestAgentTimeout:           100 * time.Millisecond,
			},
			Session: "ab12",
		}
		log := zap.NewNop().Sugar()
		led = ledger.New(ledger.Options{
			Client:   cli,
			Log:      log,
			Session:  "ab12",
			GonePoll: k8sutils.Poll{Interval: 10 * time.Millisecond, Timeout: 500 * time.Millisecond},
		})
		drv = driver.New(driver.Options{Config: cfg, Client: cli, Ledger: led, Log: log})
		ctrl = gomock.NewController(GinkgoT())
		source = providers.NewMockProvider(ctrl)
		source.EXPECT().Type().Return(providers.TypeVSphere).AnyTimes()
		source.EXPECT().Name().Return("vcenter-main").AnyTimes()
		dest = providers.NewMockProvider(ctrl)
		runner = NewRunner(Deps{
			Config:      cfg,
			Client:      cli,
			Ledger:      led,
			Driver:      drv,
			Builder:     plan.NewBuilder(cfg, log),
			Verifier:    verify.New(verify.Options{Config: cfg, Client: cli, Log: log}),
			Source:      source,
			Destination: dest,
			Entry: &config.ProviderEntry{
				Name:     "vcenter-main",
				Type:     "vsphere",
				URL:      "https://vcenter.example.com/sdk",
				Username: "user",
				Password: "pass",
				Insecure: true,
			},
			Log: log,
		})
	})

	AfterEach(func() {
		ctrl.Finish()
	})

	expectSurvey := func() {
		source.EXPECT().VMDescriptor(gomock.Any(), "web-vm", "", true).Return(runningSource(), nil)
		source.EXPECT().ListSnapshots(gomock.Any(), "web-vm").Return(sourceSnapshots(), nil)
	}
	expectVerification := func() {
		source.EXPECT().VMDescriptor(gomock.Any(), "web-vm", "", true).Return(stoppedSource(), nil)
		source.EXPECT().ListSnapshots(gomock.Any(), "web-vm").Return(sourceSnapshots(), nil)
		dest.EXPECT().VMDescriptor(gomock.Any(), "web-vm", "mtv-target-ab12", false).Return(migratedDestination(), nil)
	}

	Describe("cold migration", func() {
		It("migrates end to end and verifies clean", func() {
			expectSurvey()
			expectVerification()

			sum, err := runner.Cold(ctx, ColdOptions{
				VMs:            []plan.VMSpec{{Name: "web-vm"}},
				PodOnlyNetwork: true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Result.State).To(Equal(driver.StateSucceeded))
			Expect(sum.Passed()).To(BeTrue(), sum.Failures.Error())

			Expect(led.Tracked(ledger.KindNamespace)).To(HaveLen(1))
			Expect(led.Tracked(ledger.KindSecret)).To(HaveLen(1))
			Expect(led.Tracked(ledger.KindProvider)).To(HaveLen(1))
			Expect(led.Tracked(ledger.KindNetworkMap)).To(HaveLen(1))
			Expect(led.Tracked(ledger.KindStorageMap)).To(HaveLen(1))
			Expect(led.Tracked(ledger.KindPlan)).To(HaveLen(1))
			Expect(led.Tracked(ledger.KindMigration)).To(HaveLen(1))
		})

		It("tears the session down without leftovers", func() {
			expectSurvey()
			expectVerification()

			_, err := runner.Cold(ctx, ColdOptions{
				VMs:            []plan.VMSpec{{Name: "web-vm"}},
				PodOnlyNetwork: true,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(led.Teardown(ctx, ledger.TeardownOptions{Finalizer: drv})).To(Succeed())

			plans := &api.PlanList{}
			Expect(cli.List(ctx, plans)).To(Succeed())
			Expect(plans.Items).To(BeEmpty())
		})
	})

	Describe("warm migration", func() {
		It("holds cutover until the precopies arrived", func() {
			expectSurvey()
			source.EXPECT().WaitForSnapshots(gomock.Any(), []string{"web-vm"}, 2).DoAndReturn(
				func(ctx context.Context, vmNames []string, minCount int) error {
					migrations := &api.MigrationList{}
					Expect(cli.List(ctx, migrations)).To(Succeed())
					for _, m := range migrations.Items {
						Expect(m.Spec.Cutover).To(BeNil(), "cutover scheduled before the precopy gate released")
					}
					return nil
				})
			expectVerification()

			var uploads int32
			sum, err := runner.Warm(ctx, WarmOptions{
				VMs:            []plan.VMSpec{{Name: "web-vm"}},
				PodOnlyNetwork: true,
				PreCopies:      2,
				Upload: func(ctx context.Context) error {
					atomic.AddInt32(&uploads, 1)
					return nil
				},
				UploadInterval: 10 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Result.State).To(Equal(driver.StateSucceeded))
			Expect(sum.Passed()).To(BeTrue(), sum.Failures.Error())
			Expect(atomic.LoadInt32(&uploads)).To(BeNumerically(">=", 1), "the upload worker ran during migration")

			stored := &api.Migration{}
			key := client.ObjectKey{
				Name:      names.MigrationName(sum.Result.Plan.Name),
				Namespace: cfg.MTVNamespace,
			}
			Expect(cli.Get(ctx, key, stored)).To(Succeed())
			Expect(stored.Spec.Cutover).NotTo(BeNil())
			Expect(stored.Spec.Cutover.Time).To(BeTemporally("~", time.Now(), 2*time.Second))
		})
	})

	Describe("negative flows", func() {
		It("rejects an invalid target name without creating a migration", func() {
			expectSurvey()

			sum, err := runner.InvalidTargetName(ctx, plan.VMSpec{Name: "web-vm"})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Result.State).To(Equal(driver.StatePlanCreated))
			Expect(sum.Result.Migration).To(BeNil())

			migrations := &api.MigrationList{}
			Expect(cli.List(ctx, migrations)).To(Succeed())
			Expect(migrations.Items).To(BeEmpty(), "the rejected plan must never produce a migration")
			Expect(led.Tracked(ledger.KindMigration)).To(BeEmpty())
		})

		It("rejects a second plan for an already migrated target", func() {
			expectSurvey()
			expectVerification()
			// Second leg surveys the source again.
			source.EXPECT().VMDescriptor(gomock.Any(), "web-vm", "", true).Return(stoppedSource(), nil)
			source.EXPECT().ListSnapshots(gomock.Any(), "web-vm").Return(sourceSnapshots(), nil)

			sum, err := runner.DuplicateTarget(ctx, plan.VMSpec{Name: "web-vm"})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Result.Migration).To(BeNil())
			Expect(sum.Result.State).To(Equal(driver.StatePlanCreated))

			migrations := &api.MigrationList{}
			Expect(cli.List(ctx, migrations)).To(Succeed())
			Expect(migrations.Items).To(HaveLen(1), "only the first migration exists")

			plans := &api.PlanList{}
			Expect(cli.List(ctx, plans)).To(Succeed())
			Expect(plans.Items).To(HaveLen(2))
		})
	})
})

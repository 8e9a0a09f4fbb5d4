// Copyright © 2025 The mtv-e2e authors

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	api "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	core "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/driver"
	"github.com/kubev2v/mtv-e2e/pkg/inventory"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
	"github.com/kubev2v/mtv-e2e/pkg/ledger"
	"github.com/kubev2v/mtv-e2e/pkg/names"
	"github.com/kubev2v/mtv-e2e/pkg/plan"
	"github.com/kubev2v/mtv-e2e/pkg/providers"
	"github.com/kubev2v/mtv-e2e/pkg/report"
	"github.com/kubev2v/mtv-e2e/pkg/scenarios"
	"github.com/kubev2v/mtv-e2e/pkg/verify"
)

const (
	scenarioCold              = "cold"
	scenarioWarm              = "warm"
	scenarioInvalidTargetName = "invalid-target-name"
	scenarioDuplicateTarget   = "duplicate-target"
)

var legalScenarios = []string{scenarioCold, scenarioWarm, scenarioInvalidTargetName, scenarioDuplicateTarget}

var legalAccessModes = []string{
	string(core.ReadWriteOnce),
	string(core.ReadWriteMany),
	string(core.ReadOnlyMany),
}

type runOptions struct {
	Provider        string
	Scenario        string
	VMs             []string
	SourceNamespace string
	Matrix          string
	Kubeconfig      string
	TargetNamespace string
	StorageClass    string
	PodNetwork      bool
	AccessMode      string
	PVCNameTemplate string
	TransferNetwork string
	TransferHost    string
	OffloadSecret   string
	OffloadVendor   string
	PreHook         string
	PostHook        string
	PreCopies       int
	CutoverNow      bool
	ReportDir       string
	SkipTeardown    bool

	cfg *config.Config
}

func defaultRunOptions() *runOptions {
	return &runOptions{
		Scenario:   scenarioCold,
		PodNetwork: true,
	}
}

func newRunCommand() *cobra.Command {
	o := defaultRunOptions()
	cmd := &cobra.Command{
		Use:   "run --provider NAME --vm NAME [--vm NAME ...]",
		Short: "Run one migration scenario and tear its session down.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context())
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("vm")
	return cmd
}

func (o *runOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.Provider, "provider", o.Provider, "Source provider name from the matrix.")
	fs.StringVar(&o.Scenario, "scenario", o.Scenario, fmt.Sprintf("Scenario to run. One of: (%s).", strings.Join(legalScenarios, ", ")))
	fs.StringArrayVar(&o.VMs, "vm", o.VMs, "Source VM to migrate. Repeatable.")
	fs.StringVar(&o.SourceNamespace, "source-namespace", o.SourceNamespace, "Namespace of the source VMs, openshift sources only.")
	fs.StringVar(&o.Matrix, "matrix", o.Matrix, "Provider matrix file, overrides MTV_PROVIDER_MATRIX.")
	fs.StringVar(&o.Kubeconfig, "kubeconfig", o.Kubeconfig, "Target cluster kubeconfig, overrides KUBECONFIG.")
	fs.StringVar(&o.TargetNamespace, "target-namespace", o.TargetNamespace, "Base name of the namespace migrated VMs land in, suffixed with the session ID.")
	fs.StringVar(&o.StorageClass, "storage-class", o.StorageClass, "Destination storage class, overrides MTV_STORAGE_CLASS.")
	fs.BoolVar(&o.PodNetwork, "pod-network", o.PodNetwork, "Map every source network to the pod network.")
	fs.StringVar(&o.AccessMode, "access-mode", o.AccessMode, fmt.Sprintf("Explicit access mode for the storage map. One of: (%s).", strings.Join(legalAccessModes, ", ")))
	fs.StringVar(&o.PVCNameTemplate, "pvc-name-template", o.PVCNameTemplate, "PVC name template for migrated disks, verified after migration.")
	fs.StringVar(&o.TransferNetwork, "transfer-network", o.TransferNetwork, "Network attachment definition for disk transfers, NAME or NAMESPACE/NAME.")
	fs.StringVar(&o.TransferHost, "transfer-host", o.TransferHost, "Host IP the transfer URLs must carry when --transfer-network is set.")
	fs.StringVar(&o.OffloadSecret, "offload-secret", o.OffloadSecret, "Storage array credential secret enabling copy offload.")
	fs.StringVar(&o.OffloadVendor, "offload-vendor", o.OffloadVendor, "Storage array vendor product for copy offload, e.g. ontap.")
	fs.StringVar(&o.PreHook, "pre-hook", o.PreHook, "Hook resource to run before each VM's pipeline, NAME or NAMESPACE/NAME.")
	fs.StringVar(&o.PostHook, "post-hook", o.PostHook, "Hook resource to run after each VM's pipeline, NAME or NAMESPACE/NAME.")
	fs.IntVar(&o.PreCopies, "precopies", o.PreCopies, "Warm only: gate cutover on this many precopies per VM.")
	fs.BoolVar(&o.CutoverNow, "cutover-now", o.CutoverNow, "Warm only: cut over immediately instead of after the configured delay.")
	fs.StringVar(&o.ReportDir, "report-dir", o.ReportDir, "Directory for the timing report. Empty disables the report.")
	fs.BoolVar(&o.SkipTeardown, "skip-teardown", o.SkipTeardown, "Leave the session's resources in place for inspection.")
}

func (o *runOptions) Complete(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	if o.Matrix != "" {
		cfg.MatrixPath = o.Matrix
	}
	if o.Kubeconfig != "" {
		cfg.Kubeconfig = o.Kubeconfig
	}
	if o.TargetNamespace != "" {
		cfg.TargetNamespace = o.TargetNamespace
	}
	if o.StorageClass != "" {
		cfg.StorageClass = o.StorageClass
	}
	cfg.Session = names.Suffix()
	cfg.TargetNamespace = names.Truncate(names.Sanitize(cfg.TargetNamespace) + "-" + cfg.Session)
	o.cfg = cfg
	return nil
}

func (o *runOptions) Validate(args []string) error {
	if !slices.Contains(legalScenarios, o.Scenario) {
		return fmt.Errorf("scenario must be one of %s", strings.Join(legalScenarios, ", "))
	}
	if o.cfg.MatrixPath == "" {
		return &config.ConfigurationError{Key: "MTV_PROVIDER_MATRIX"}
	}
	if len(o.VMs) == 0 {
		return errors.New("at least one --vm is required")
	}
	if o.AccessMode != "" && !slices.Contains(legalAccessModes, o.AccessMode) {
		return fmt.Errorf("access mode must be one of %s", strings.Join(legalAccessModes, ", "))
	}
	if o.PreCopies < 0 {
		return errors.New("precopies cannot be negative")
	}
	if o.Scenario != scenarioWarm && (o.PreCopies > 0 || o.CutoverNow) {
		return errors.New("--precopies and --cutover-now apply to the warm scenario only")
	}
	if (o.Scenario == scenarioInvalidTargetName || o.Scenario == scenarioDuplicateTarget) && len(o.VMs) != 1 {
		return fmt.Errorf("the %s scenario takes exactly one --vm", o.Scenario)
	}
	if (o.OffloadSecret == "") != (o.OffloadVendor == "") {
		return errors.New("--offload-secret and --offload-vendor go together")
	}
	return nil
}

func (o *runOptions) Run(ctx context.Context) error {
	cfg := o.cfg
	log := zap.S().Named("run")
	log.Infof("Session %s targeting namespace %s", cfg.Session, cfg.TargetNamespace)

	matrix, err := config.LoadMatrix(cfg.MatrixPath)
	if err != nil {
		return err
	}
	entry, err := matrix.Provider(o.Provider)
	if err != nil {
		return err
	}

	cl, err := k8sutils.NewClient(cfg.Kubeconfig)
	if err != nil {
		return err
	}

	var inv *inventory.Client
	if cfg.InventoryURL != "" {
		inv = inventory.New(cfg.InventoryURL, cfg.InventoryToken, cfg.InsecureTLSVerify)
	}

	source, err := providers.New(entry, providers.Options{
		Client:       cl,
		Inventory:    inv,
		SnapshotPoll: k8sutils.Poll{Interval: cfg.SnapshotPollInterval, Timeout: cfg.SnapshotWaitTimeout},
	})
	if err != nil {
		return err
	}
	if err := source.Connect(ctx); err != nil {
		return err
	}
	defer source.Disconnect()
	if !source.Test(ctx) {
		log.Warnf("Provider %s is not reachable, skipping the run", entry.Name)
		return nil
	}

	destination, err := providers.New(&config.ProviderEntry{
		Name: "host",
		Type: string(providers.TypeOpenShift),
	}, providers.Options{Client: cl})
	if err != nil {
		return err
	}

	led := ledger.New(ledger.Options{Client: cl, Session: cfg.Session})
	drv := driver.New(driver.Options{Config: cfg, Client: cl, Ledger: led})
	runner := scenarios.NewRunner(scenarios.Deps{
		Config:      cfg,
		Client:      cl,
		Ledger:      led,
		Driver:      drv,
		Builder:     plan.NewBuilder(cfg, nil),
		Verifier:    verify.New(verify.Options{Config: cfg, Client: cl}),
		Source:      source,
		Destination: destination,
		Entry:       entry,
	})

	sum, runErr := o.execute(ctx, runner)
	if runErr == nil && sum != nil {
		o.writeReport(ctx, cl, sum, log)
	}

	var teardownErr error
	if o.SkipTeardown {
		log.Warnf("Session %s left in place, clean up with: mtv-e2e teardown --session %s", cfg.Session, cfg.Session)
	} else {
		teardownErr = led.Teardown(ctx, ledger.TeardownOptions{Finalizer: drv})
	}

	switch {
	case runErr != nil:
		if teardownErr != nil {
			log.Errorf("Teardown after the failed run also failed: %v", teardownErr)
		}
		return runErr
	case teardownErr != nil:
		return teardownErr
	case !sum.Passed():
		log.Errorf("Verification flagged the migrated VMs:\n%s", sum.Failures.Error())
		return sum.Failures
	}
	log.Infof("Scenario %s passed", o.Scenario)
	return nil
}

func (o *runOptions) execute(ctx context.Context, runner *scenarios.Runner) (*scenarios.Summary, error) {
	vms := make([]plan.VMSpec, 0, len(o.VMs))
	for _, name := range o.VMs {
		vms = append(vms, plan.VMSpec{Name: name, Namespace: o.SourceNamespace})
	}
	switch o.Scenario {
	case scenarioWarm:
		return runner.Warm(ctx, scenarios.WarmOptions{
			VMs:            vms,
			PodOnlyNetwork: o.PodNetwork,
			AccessMode:     core.PersistentVolumeAccessMode(o.AccessMode),
			PreCopies:      o.PreCopies,
			CutoverNow:     o.CutoverNow,
			PreHook:        o.objectRef(o.PreHook),
			PostHook:       o.objectRef(o.PostHook),
		})
	case scenarioInvalidTargetName:
		return runner.InvalidTargetName(ctx, vms[0])
	case scenarioDuplicateTarget:
		return runner.DuplicateTarget(ctx, vms[0])
	default:
		return runner.Cold(ctx, scenarios.ColdOptions{
			VMs:             vms,
			PodOnlyNetwork:  o.PodNetwork,
			AccessMode:      core.PersistentVolumeAccessMode(o.AccessMode),
			Offload:         o.offload(),
			PVCNameTemplate: o.PVCNameTemplate,
			TransferNetwork: o.objectRef(o.TransferNetwork),
			TransferHost:    o.TransferHost,
			PreHook:         o.objectRef(o.PreHook),
			PostHook:        o.objectRef(o.PostHook),
		})
	}
}

func (o *runOptions) offload() *plan.OffloadConfig {
	if o.OffloadSecret == "" {
		return nil
	}
	return &plan.OffloadConfig{SecretRef: o.OffloadSecret, VendorProduct: o.OffloadVendor}
}

// objectRef parses a NAME or NAMESPACE/NAME flag value, defaulting the
// namespace to the MTV namespace.
func (o *runOptions) objectRef(value string) *core.ObjectReference {
	if value == "" {
		return nil
	}
	namespace, name, found := strings.Cut(value, "/")
	if !found {
		return &core.ObjectReference{Name: value, Namespace: o.cfg.MTVNamespace}
	}
	return &core.ObjectReference{Name: name, Namespace: namespace}
}

// writeReport renders the timing report from the finished plan. The plan in
// the result predates migration completion, so the report works on a fresh
// read. Report trouble is logged, it never fails a passed run.
func (o *runOptions) writeReport(ctx context.Context, cl client.Client, sum *scenarios.Summary, log *zap.SugaredLogger) {
	if o.ReportDir == "" || sum.Result == nil || sum.Result.Migration == nil || sum.Result.State != driver.StateSucceeded {
		return
	}
	p := sum.Result.Plan
	fresh, err := refetchPlan(ctx, cl, p.Name, p.Namespace)
	if err != nil {
		log.Warnf("Skipping the timing report, plan read failed: %v", err)
		return
	}
	rep, err := report.FromPlan(fresh, o.cfg.StorageClass)
	if err != nil {
		log.Warnf("Skipping the timing report: %v", err)
		return
	}
	path := filepath.Join(o.ReportDir, rep.Filename())
	if err := rep.WriteFile(path); err != nil {
		log.Warnf("Writing the timing report to %s failed: %v", path, err)
		return
	}
	log.Infof("Timing report written to %s", path)
}

func refetchPlan(ctx context.Context, cl client.Client, name, namespace string) (*api.Plan, error) {
	p := &api.Plan{}
	if err := cl.Get(ctx, client.ObjectKey{Name: name, Namespace: namespace}, p); err != nil {
		return nil, errors.Wrapf(err, "failed to read plan %s", name)
	}
	return p, nil
}

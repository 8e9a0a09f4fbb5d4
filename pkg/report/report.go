// Copyright © 2025 The mtv-e2e authors

// Package report renders the timing breakdown of a finished migration from
// the plan's migration status snapshot.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	api "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	planapi "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/plan"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Pipeline step names as the product reports them, matched by substring
// because the controller suffixes variants (DiskTransferV2v).
const (
	stepInitialize      = "Initialize"
	stepDiskTransfer    = "DiskTransfer"
	stepImageConversion = "ImageConversion"
	stepCutover         = "Cutover"
)

// VMTiming is one VM's phase breakdown.
type VMTiming struct {
	Name            string
	Disks           int
	DiskSize        string
	Precopies       string
	Initialize      time.Duration
	DiskTransfer    time.Duration
	Cutover         time.Duration
	ImageConversion time.Duration
	Total           time.Duration

	// transferred holds the raw progress total of the transfer steps, in
	// the unit the product annotated.
	transferred  int64
	transferUnit string
}

// Report is a finished plan's migration timing summary.
type Report struct {
	ID           string
	Generated    time.Time
	Plan         string
	Source       string
	Warm         bool
	StorageClass string
	Started      time.Time
	Completed    time.Time
	VMs          []VMTiming
}

// FromPlan builds a report from the migration snapshot on a plan's status.
// The plan must have finished migrating, a snapshot without start and
// completion timestamps has nothing to report on.
func FromPlan(p *api.Plan, storageClass string) (*Report, error) {
	mig := p.Status.Migration
	if mig.Started == nil || mig.Completed == nil {
		return nil, errors.Errorf("plan %s carries no finished migration", p.Name)
	}
	r := &Report{
		ID:           uuid.NewString(),
		Generated:    time.Now(),
		Plan:         p.Name,
		Source:       p.Spec.Provider.Source.Name,
		Warm:         p.Spec.Warm,
		StorageClass: storageClass,
		Started:      mig.Started.Time,
		Completed:    mig.Completed.Time,
	}
	for _, vm := range mig.VMs {
		r.VMs = append(r.VMs, vmTiming(vm, p.Spec.Warm))
	}
	return r, nil
}

func vmTiming(vm *planapi.VMStatus, warm bool) VMTiming {
	t := VMTiming{
		Name:         vm.Name,
		Total:        span(vm.Started, vm.Completed),
		transferUnit: "MB",
	}
	for _, step := range vm.Pipeline {
		d := span(step.Started, step.Completed)
		switch {
		case strings.Contains(step.Name, stepDiskTransfer):
			t.DiskTransfer += d
			t.Disks += len(step.Tasks)
			t.transferred += step.Progress.Total
			if unit := step.Annotations["unit"]; unit != "" {
				t.transferUnit = unit
			}
			if warm && t.Precopies == "" && len(step.Tasks) > 0 {
				t.Precopies = step.Tasks[0].Annotations["Precopy"]
			}
		case strings.Contains(step.Name, stepImageConversion):
			t.ImageConversion += d
		case strings.Contains(step.Name, stepCutover):
			t.Cutover += d
		case strings.Contains(step.Name, stepInitialize):
			t.Initialize += d
		}
	}
	t.DiskSize = humanSize(float64(t.transferred), t.transferUnit)
	return t
}

// Duration reports the whole plan's wall clock time.
func (r *Report) Duration() time.Duration {
	return r.Completed.Sub(r.Started).Round(time.Second)
}

// Filename renders the report file name the suite conventionally writes,
// "2025-06-01_1030_COLD_MigrationReport.txt".
func (r *Report) Filename() string {
	kind := "COLD"
	if r.Warm {
		kind = "WARM"
	}
	return fmt.Sprintf("%s_%s_MigrationReport.txt", r.Generated.Format("2006-01-02_1504"), kind)
}

// Write renders the report as plain text.
func (r *Report) Write(w io.Writer) error {
	kind := "COLD"
	if r.Warm {
		kind = "WARM"
	}
	fmt.Fprintf(w, "REPORT_ID: %s\n", r.ID)
	fmt.Fprintf(w, "REPORT_DATE: %s\n", r.Generated.Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "PLAN: %s\n", r.Plan)
	fmt.Fprintf(w, "MIGRATION_TYPE: %s\n", kind)
	fmt.Fprintf(w, "SOURCE_PROVIDER: %s\n", r.Source)
	fmt.Fprintf(w, "TARGET_STORAGE: %s\n", r.StorageClass)
	fmt.Fprintf(w, "STARTED: %s\n", r.Started.Format(time.RFC3339))
	fmt.Fprintf(w, "COMPLETED: %s\n", r.Completed.Format(time.RFC3339))
	fmt.Fprintf(w, "TOTAL_PLAN_DURATION: %s\n", r.Duration())
	fmt.Fprintf(w, "TOTAL_MIGRATED_VMS: %d\n", len(r.VMs))
	fmt.Fprintf(w, "TOTAL_DATA_MIGRATED: %s\n", r.totalData())
	fmt.Fprintf(w, "DATA_MIGRATION_RATE: %s\n", r.rate())
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	headers := []string{"VM_NAME", "DISKS", "DISKS_SIZE"}
	if r.Warm {
		headers = append(headers, "PRECOPIES")
	}
	headers = append(headers, "INITIALIZE", "DISK_TRANSFER")
	if r.Warm {
		headers = append(headers, "CUTOVER")
	}
	headers = append(headers, "IMAGE_CONVERSION", "VM_TOTAL")
	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	for _, vm := range r.VMs {
		row := []string{vm.Name, fmt.Sprintf("%d", vm.Disks), vm.DiskSize}
		if r.Warm {
			row = append(row, vm.Precopies)
		}
		row = append(row, fmtDur(vm.Initialize), fmtDur(vm.DiskTransfer))
		if r.Warm {
			row = append(row, fmtDur(vm.Cutover))
		}
		row = append(row, fmtDur(vm.ImageConversion), fmtDur(vm.Total))
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	for _, stat := range r.stats() {
		row := []string{stat.label, "", ""}
		if r.Warm {
			row = append(row, "")
		}
		row = append(row, fmtDur(stat.initialize), fmtDur(stat.transfer))
		if r.Warm {
			row = append(row, fmtDur(stat.cutover))
		}
		row = append(row, fmtDur(stat.conversion), fmtDur(stat.total))
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// WriteFile writes the rendered report to path.
func (r *Report) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create report file %s", path)
	}
	defer f.Close()
	if err := r.Write(f); err != nil {
		return errors.Wrapf(err, "failed to write report file %s", path)
	}
	return f.Sync()
}

type statRow struct {
	label      string
	initialize time.Duration
	transfer   time.Duration
	cutover    time.Duration
	conversion time.Duration
	total      time.Duration
}

func (r *Report) stats() []statRow {
	if len(r.VMs) == 0 {
		return nil
	}
	pick := func(f func(VMTiming) time.Duration, reduce func(time.Duration, time.Duration) time.Duration) time.Duration {
		acc := f(r.VMs[0])
		for _, vm := range r.VMs[1:] {
			acc = reduce(acc, f(vm))
		}
		return acc
	}
	min := func(a, b time.Duration) time.Duration {
		if b < a {
			return b
		}
		return a
	}
	max := func(a, b time.Duration) time.Duration {
		if b > a {
			return b
		}
		return a
	}
	avg := func(f func(VMTiming) time.Duration) time.Duration {
		var sum time.Duration
		for _, vm := range r.VMs {
			sum += f(vm)
		}
		return sum / time.Duration(len(r.VMs))
	}
	cols := []func(VMTiming) time.Duration{
		func(v VMTiming) time.Duration { return v.Initialize },
		func(v VMTiming) time.Duration { return v.DiskTransfer },
		func(v VMTiming) time.Duration { return v.Cutover },
		func(v VMTiming) time.Duration { return v.ImageConversion },
		func(v VMTiming) time.Duration { return v.Total },
	}
	rows := []statRow{{label: "MIN:"}, {label: "AVG:"}, {label: "MAX:"}}
	for i, set := range []*statRow{&rows[0], &rows[1], &rows[2]} {
		vals := make([]time.Duration, len(cols))
		for c, col := range cols {
			switch i {
			case 0:
				vals[c] = pick(col, min)
			case 1:
				vals[c] = avg(col)
			case 2:
				vals[c] = pick(col, max)
			}
		}
		set.initialize, set.transfer, set.cutover, set.conversion, set.total =
			vals[0], vals[1], vals[2], vals[3], vals[4]
	}
	return rows
}

func (r *Report) totalData() string {
	var total float64
	unit := "MB"
	for _, vm := range r.VMs {
		total += float64(vm.transferred)
		if vm.transferUnit != "" {
			unit = vm.transferUnit
		}
	}
	return humanSize(total, unit)
}

// rate derives MB/sec from the slowest disk transfer, the plan moves VM
// disks concurrently so the longest transfer bounds the wall clock.
func (r *Report) rate() string {
	var totalMB float64
	var slowest time.Duration
	for _, vm := range r.VMs {
		totalMB += toMB(float64(vm.transferred), vm.transferUnit)
		if vm.DiskTransfer > slowest {
			slowest = vm.DiskTransfer
		}
	}
	if slowest <= 0 {
		return "not computable, disk transfer took no measurable time"
	}
	return fmt.Sprintf("%.1fMB/sec", totalMB/slowest.Seconds())
}

var sizeUnits = []string{"KB", "MB", "GB", "TB", "PB"}

func humanSize(size float64, unit string) string {
	pos := 1
	for i, u := range sizeUnits {
		if u == unit {
			pos = i
			break
		}
	}
	for size >= 1024 && pos < len(sizeUnits)-1 {
		size /= 1024
		pos++
	}
	return fmt.Sprintf("%.1f%s", size, sizeUnits[pos])
}

func toMB(size float64, unit string) float64 {
	factor := 1.0
	switch unit {
	case "KB":
		factor = 1.0 / 1024
	case "GB":
		factor = 1024
	case "TB":
		factor = 1024 * 1024
	}
	return size * factor
}

func fmtDur(d time.Duration) string {
	return d.Round(time.Second).String()
}

func span(started, completed *metav1.Time) time.Duration {
	if started == nil || completed == nil {
		return 0
	}
	return completed.Sub(started.Time)
}

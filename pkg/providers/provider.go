// Copyright © 2025 The mtv-e2e authors

// Package providers abstracts the hypervisor and cloud backends migrations
// run from and into. Each backend maps its native object model onto the
// shared VMDescriptor, everything above this package is backend-agnostic.
package providers

import (
	"context"
	"net"
	"net/url"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/inventory"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
)

//go:generate mockgen -source=provider.go -destination=provider_mock.go -package=providers

// Provider is the capability contract over a virtualization backend. The
// interface is sealed: every implementation lives in this package and the
// New dispatch below is exhaustive over Type.
type Provider interface {
	// Type identifies the backend flavor.
	Type() Type
	// Name returns the matrix entry name this provider was built from.
	Name() string
	// Connect opens the backend session. It fails with *ConnectionError on
	// bad credentials or an unreachable endpoint.
	Connect(ctx context.Context) error
	// Disconnect releases the session. Safe to call repeatedly and before
	// Connect.
	Disconnect()
	// Test probes the backend. False means dependent tests should be
	// skipped, infra unavailability is not a product defect.
	Test(ctx context.Context) bool
	// VMDescriptor builds the normalized descriptor for a VM. With
	// source=true, IP addresses are not resolved (unknown before migration)
	// and cloud-init style boot disks are excluded.
	VMDescriptor(ctx context.Context, name, namespace string, source bool) (*VMDescriptor, error)
	// StartVM powers a VM on. Starting a running VM is a no-op.
	StartVM(ctx context.Context, name string) error
	// StopVM powers a VM off. Stopping a stopped VM is a no-op.
	StopVM(ctx context.Context, name string) error
	// ListSnapshots returns the backend snapshot descriptors of a VM.
	ListSnapshots(ctx context.Context, name string) ([]Snapshot, error)
	// WaitForSnapshots blocks until every named VM has accumulated at least
	// minCount snapshots. Warm migration cutover is gated on it.
	WaitForSnapshots(ctx context.Context, names []string, minCount int) error

	sealed()
}

// EventScanner is an optional capability: backends with an event log expose
// it so the verifier can look for specific event codes.
type EventScanner interface {
	// HasEvent reports whether the backend recorded the given event code for
	// the VM since the provided time.
	HasEvent(ctx context.Context, vmName string, code int, since time.Time) (bool, error)
}

// Options carries the collaborators some backends need.
type Options struct {
	// Client is the destination cluster client, required by the openshift
	// backend.
	Client client.Client
	// Inventory is the forklift inventory adapter, required by the ova
	// backend.
	Inventory *inventory.Client
	// SnapshotPoll bounds WaitForSnapshots. Precopies appear roughly once a
	// minute, the zero value polls every 30s for up to 30m.
	SnapshotPoll k8sutils.Poll
	// Log defaults to the global sugared logger.
	Log *zap.SugaredLogger
}

// New builds the provider for a matrix entry. The switch is the single
// dispatch point over the closed Type set.
func New(entry *config.ProviderEntry, opts Options) (Provider, error) {
	if opts.Log == nil {
		opts.Log = zap.S().Named("providers")
	}
	if opts.SnapshotPoll == (k8sutils.Poll{}) {
		opts.SnapshotPoll = k8sutils.Poll{Interval: 30 * time.Second, Timeout: 30 * time.Minute}
	}
	switch Type(entry.Type) {
	case TypeVSphere:
		return newVSphere(entry, opts), nil
	case TypeOVirt:
		return newOVirt(entry, opts), nil
	case TypeOpenStack:
		return newOpenStack(entry, opts), nil
	case TypeOpenShift:
		return newOpenShift(entry, opts), nil
	case TypeOVA:
		return newOVA(entry, opts), nil
	default:
		return nil, &config.ConfigurationError{Key: "provider type " + entry.Type}
	}
}

// reachable is the shared liveness pre-check used by Test implementations:
// ICMP first, TCP dial as fallback for networks that filter ping.
func reachable(ctx context.Context, endpoint string) bool {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	pinger, err := probing.NewPinger(host)
	if err == nil {
		pinger.Count = 3
		pinger.Timeout = 5 * time.Second
		pinger.SetPrivileged(false)
		if err := pinger.RunWithContext(ctx); err == nil && pinger.Statistics().PacketsRecv > 0 {
			return true
		}
	}
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

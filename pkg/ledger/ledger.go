// Copyright © 2025 The mtv-e2e authors

// Package ledger tracks every resource a migration session creates and tears
// the session down in dependency order. Registration happens before the
// create call returns, so resources from half-failed scenarios are swept up
// like any other.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	api "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	nadv1 "github.com/k8snetworkplumbingwg/network-attachment-definition-client/pkg/apis/k8s.cni.cncf.io/v1"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	core "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	kubevirtv1 "kubevirt.io/api/core/v1"
	cdiv1beta1 "kubevirt.io/containerized-data-importer-api/pkg/apis/core/v1beta1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
)

// Kind classifies tracked resources. The set is closed: teardown knows how
// to delete exactly these.
type Kind string

const (
	KindMigration  Kind = "migrations"
	KindPlan       Kind = "plans"
	KindProvider   Kind = "providers"
	KindHost       Kind = "hosts"
	KindSecret     Kind = "secrets"
	KindNAD        Kind = "network-attachment-definitions"
	KindStorageMap Kind = "storagemaps"
	KindNetworkMap Kind = "networkmaps"
	KindNamespace  Kind = "namespaces"
	// Tracked for the post-teardown gone check, never deleted directly.
	KindVM  Kind = "virtualmachines"
	KindPod Kind = "pods"
	// Reported by the rescan only.
	KindVolume Kind = "volumes"
)

// teardownOrder fixes the deletion sequence. Dependents go before what they
// depend on: a Plan cannot be deleted while its Migration runs, maps cannot
// go before the plans referencing them.
var teardownOrder = []Kind{
	KindMigration,
	KindPlan,
	KindProvider,
	KindHost,
	KindSecret,
	KindNAD,
	KindStorageMap,
	KindNetworkMap,
	KindNamespace,
}

// Identity names one tracked resource. Namespace is empty for
// cluster-scoped kinds.
type Identity struct {
	Name      string
	Namespace string
}

func (id Identity) String() string {
	if id.Namespace == "" {
		return id.Name
	}
	return id.Namespace + "/" + id.Name
}

// TeardownLeftoversError reports resources that survived teardown. It is
// fatal: a leftover means the next session inherits state.
type TeardownLeftoversError struct {
	Leftovers map[Kind][]Identity
}

func (e *TeardownLeftoversError) Error() string {
	kinds := make([]string, 0, len(e.Leftovers))
	for kind := range e.Leftovers {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	total := 0
	for _, kind := range kinds {
		ids := e.Leftovers[Kind(kind)]
		total += len(ids)
		names := make([]string, 0, len(ids))
		for _, id := range ids {
			names = append(names, id.String())
		}
		parts = append(parts, fmt.Sprintf("%s: %s", kind, strings.Join(names, ", ")))
	}
	return fmt.Sprintf("teardown left %d resources behind (%s)", total, strings.Join(parts, "; "))
}

// PlanFinalizer settles plans before their resources are deleted. The
// migration driver implements it.
type PlanFinalizer interface {
	Cancel(ctx context.Context, name, namespace string) error
	Archive(ctx context.Context, name, namespace string) error
}

// Options configure a session ledger.
type Options struct {
	Client client.Client
	Log    *zap.SugaredLogger
	// Session identifies resources of this run, used by the rescan.
	Session string
	// GonePoll bounds the per-resource deletion wait.
	GonePoll k8sutils.Poll
}

// Ledger is the session resource registry. Safe for concurrent registration.
type Ledger struct {
	client  client.Client
	log     *zap.SugaredLogger
	session string
	poll    k8sutils.Poll

	mu       sync.Mutex
	entries  map[Kind][]Identity
	torndown bool
}

func New(opts Options) *Ledger {
	log := opts.Log
	if log == nil {
		log = zap.S()
	}
	poll := opts.GonePoll
	if poll.Interval == 0 {
		poll = k8sutils.DefaultPoll
	}
	return &Ledger{
		client:  opts.Client,
		log:     log.Named("ledger"),
		session: opts.Session,
		poll:    poll,
		entries: map[Kind][]Identity{},
	}
}

// Session returns the identifier resources of this run carry in their names.
func (l *Ledger) Session() string {
	return l.session
}

// Register adds a resource to the ledger. Append-only, duplicates collapse.
func (l *Ledger) Register(kind Kind, name, namespace string) {
	id := Identity{Name: name, Namespace: namespace}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.entries[kind] {
		if existing == id {
			return
		}
	}
	l.entries[kind] = append(l.entries[kind], id)
	l.log.Debugf("Registered %s %s", kind, id)
}

// Tracked lists the registered identities of one kind in insertion order.
func (l *Ledger) Tracked(kind Kind) []Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Identity, len(l.entries[kind]))
	copy(out, l.entries[kind])
	return out
}

// CreateAndRegister registers the object and then creates it, in that
// order, so teardown covers creates that fail midway. An AlreadyExists
// answer adopts the existing resource instead of failing: reruns against a
// dirty cluster converge on the same state.
func (l *Ledger) CreateAndRegister(ctx context.Context, obj client.Object) error {
	kind, err := kindOf(obj)
	if err != nil {
		return err
	}
	l.Register(kind, obj.GetName(), obj.GetNamespace())
	if err := l.client.Create(ctx, obj); err != nil {
		if apierrors.IsAlreadyExists(err) {
			l.log.Infof("Adopting existing %s %s/%s", kind, obj.GetNamespace(), obj.GetName())
			return nil
		}
		return errors.Wrapf(err, "failed to create %s %s/%s", kind, obj.GetNamespace(), obj.GetName())
	}
	l.log.Infof("Created %s %s/%s", kind, obj.GetNamespace(), obj.GetName())
	return nil
}

// TeardownOptions parameterize one teardown pass.
type TeardownOptions struct {
	// Finalizer, when set, cancels and archives tracked plans before any
	// deletion happens.
	Finalizer PlanFinalizer
}

// Teardown settles plans, deletes every tracked resource in fixed kind
// order, waits until each is gone and rescans the target namespaces for
// session debris. A second call on the same ledger is a no-op. Leftovers
// are fatal.
func (l *Ledger) Teardown(ctx context.Context, opts TeardownOptions) error {
	l.mu.Lock()
	if l.torndown {
		l.mu.Unlock()
		l.log.Info("Teardown already ran for this session")
		return nil
	}
	l.torndown = true
	snapshot := map[Kind][]Identity{}
	for kind, ids := range l.entries {
		snapshot[kind] = append([]Identity(nil), ids...)
	}
	l.mu.Unlock()

	var finalizeErr error
	if opts.Finalizer != nil {
		for _, id := range snapshot[KindPlan] {
			if err := opts.Finalizer.Cancel(ctx, id.Name, id.Namespace); err != nil {
				l.log.Errorf("Cancel of plan %s failed: %v", id, err)
				if finalizeErr == nil {
					finalizeErr = err
				}
			}
			if err := opts.Finalizer.Archive(ctx, id.Name, id.Namespace); err != nil {
				l.log.Errorf("Archive of plan %s failed: %v", id, err)
				if finalizeErr == nil {
					finalizeErr = err
				}
			}
		}
	}

	for _, kind := range teardownOrder {
		for _, id := range snapshot[kind] {
			if err := l.delete(ctx, kind, id); err != nil {
				l.log.Errorf("Delete of %s %s failed: %v", kind, id, err)
			}
		}
	}

	leftovers := map[Kind][]Identity{}
	for _, kind := range append(append([]Kind(nil), teardownOrder...), KindVM, KindPod) {
		for _, id := range snapshot[kind] {
			if !l.waitGone(ctx, kind, id) {
				leftovers[kind] = append(leftovers[kind], id)
			}
		}
	}

	for _, ns := range snapshot[KindNamespace] {
		l.rescan(ctx, ns.Name, leftovers)
	}

	if finalizeErr != nil {
		return errors.Wrap(finalizeErr, "teardown could not settle plans")
	}
	if len(leftovers) > 0 {
		return &TeardownLeftoversError{Leftovers: leftovers}
	}
	l.log.Infof("Session %s torn down clean", l.session)
	return nil
}

func (l *Ledger) delete(ctx context.Context, kind Kind, id Identity) error {
	// VMs and pods go away with their plan and namespace, the ledger only
	// confirms that.
	if kind == KindVM || kind == KindPod {
		return nil
	}
	obj := objectFor(kind, id)
	if err := l.client.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrapf(err, "failed to delete %s %s", kind, id)
	}
	return nil
}

func (l *Ledger) waitGone(ctx context.Context, kind Kind, id Identity) bool {
	err := l.poll.Until(ctx, func(ctx context.Context) (bool, error) {
		return k8sutils.Gone(ctx, l.client, objectFor(kind, id))
	})
	if err != nil {
		l.log.Warnf("%s %s still present: %v", kind, id, err)
		return false
	}
	return true
}

// rescan sweeps a target namespace for volume and pod debris carrying the
// session ID. Plan teardown is asynchronous on the product side, so the
// scan polls before declaring leftovers.
func (l *Ledger) rescan(ctx context.Context, namespace string, leftovers map[Kind][]Identity) {
	if l.session == "" {
		return
	}
	var lastVolumes, lastPods []Identity
	err := l.poll.Until(ctx, func(ctx context.Context) (bool, error) {
		lastVolumes = lastVolumes[:0]
		lastPods = lastPods[:0]

		dvs := &cdiv1beta1.DataVolumeList{}
		if err := l.client.List(ctx, dvs, client.InNamespace(namespace)); err == nil {
			for _, dv := range dvs.Items {
				if strings.Contains(dv.Name, l.session) {
					lastVolumes = append(lastVolumes, Identity{Name: "datavolume/" + dv.Name, Namespace: namespace})
				}
			}
		}
		pvcs := &core.PersistentVolumeClaimList{}
		if err := l.client.List(ctx, pvcs, client.InNamespace(namespace)); err == nil {
			for _, pvc := range pvcs.Items {
				if strings.Contains(pvc.Name, l.session) {
					lastVolumes = append(lastVolumes, Identity{Name: "pvc/" + pvc.Name, Namespace: namespace})
				}
			}
		}
		pvs := &core.PersistentVolumeList{}
		if err := l.client.List(ctx, pvs); err == nil {
			for _, pv := range pvs.Items {
				claim := pv.Spec.ClaimRef
				if claim == nil || claim.Namespace != namespace {
					continue
				}
				// A released PV is on its way out already.
				if pv.Status.Phase == core.VolumeReleased {
					continue
				}
				if strings.Contains(claim.Name, l.session) {
					lastVolumes = append(lastVolumes, Identity{Name: "pv/" + pv.Name})
				}
			}
		}
		pods := &core.PodList{}
		if err := l.client.List(ctx, pods, client.InNamespace(namespace)); err == nil {
			for _, pod := range pods.Items {
				if strings.Contains(pod.Name, l.session) {
					lastPods = append(lastPods, Identity{Name: pod.Name, Namespace: namespace})
				}
			}
		}
		return len(lastVolumes)+len(lastPods) == 0, nil
	})
	if err == nil {
		return
	}
	l.log.Warnf("Namespace %s still holds session debris", namespace)
	for _, id := range lastVolumes {
		leftovers[KindVolume] = append(leftovers[KindVolume], id)
	}
	for _, id := range lastPods {
		leftovers[KindPod] = append(leftovers[KindPod], id)
	}
}

// AdoptSession fills the ledger by scanning the cluster for resources whose
// names carry the session ID. Standalone teardown runs use it to rebuild
// the registry of a crashed session.
func (l *Ledger) AdoptSession(ctx context.Context, mtvNamespace string) error {
	if l.session == "" {
		return errors.New("cannot adopt resources without a session ID")
	}

	namespaces := &core.NamespaceList{}
	if err := l.client.List(ctx, namespaces); err != nil {
		return errors.Wrap(err, "failed to list namespaces")
	}
	for _, ns := range namespaces.Items {
		if strings.Contains(ns.Name, l.session) {
			l.Register(KindNamespace, ns.Name, "")
		}
	}

	inMTV := client.InNamespace(mtvNamespace)

	migrations := &api.MigrationList{}
	if err := l.client.List(ctx, migrations, inMTV); err != nil {
		return errors.Wrap(err, "failed to list migrations")
	}
	for _, item := range migrations.Items {
		l.adopt(KindMigration, item.Name, item.Namespace)
	}
	plans := &api.PlanList{}
	if err := l.client.List(ctx, plans, inMTV); err != nil {
		return errors.Wrap(err, "failed to list plans")
	}
	for _, item := range plans.Items {
		l.adopt(KindPlan, item.Name, item.Namespace)
	}
	providers := &api.ProviderList{}
	if err := l.client.List(ctx, providers, inMTV); err != nil {
		return errors.Wrap(err, "failed to list providers")
	}
	for _, item := range providers.Items {
		l.adopt(KindProvider, item.Name, item.Namespace)
	}
	hosts := &api.HostList{}
	if err := l.client.List(ctx, hosts, inMTV); err != nil {
		return errors.Wrap(err, "failed to list hosts")
	}
	for _, item := range hosts.Items {
		l.adopt(KindHost, item.Name, item.Namespace)
	}
	secrets := &core.SecretList{}
	if err := l.client.List(ctx, secrets, inMTV); err != nil {
		return errors.Wrap(err, "failed to list secrets")
	}
	for _, item := range secrets.Items {
		l.adopt(KindSecret, item.Name, item.Namespace)
	}
	storageMaps := &api.StorageMapList{}
	if err := l.client.List(ctx, storageMaps, inMTV); err != nil {
		return errors.Wrap(err, "failed to list storage maps")
	}
	for _, item := range storageMaps.Items {
		l.adopt(KindStorageMap, item.Name, item.Namespace)
	}
	networkMaps := &api.NetworkMapList{}
	if err := l.client.List(ctx, networkMaps, inMTV); err != nil {
		return errors.Wrap(err, "failed to list network maps")
	}
	for _, item := range networkMaps.Items {
		l.adopt(KindNetworkMap, item.Name, item.Namespace)
	}
	for _, ns := range l.Tracked(KindNamespace) {
		nads := &nadv1.NetworkAttachmentDefinitionList{}
		if err := l.client.List(ctx, nads, client.InNamespace(ns.Name)); err != nil {
			return errors.Wrap(err, "failed to list network attachment definitions")
		}
		for _, item := range nads.Items {
			l.adopt(KindNAD, item.Name, item.Namespace)
		}
	}
	return nil
}

func (l *Ledger) adopt(kind Kind, name, namespace string) {
	if strings.Contains(name, l.session) {
		l.Register(kind, name, namespace)
	}
}

func kindOf(obj client.Object) (Kind, error) {
	switch obj.(type) {
	case *api.Migration:
		return KindMigration, nil
	case *api.Plan:
		return KindPlan, nil
	case *api.Provider:
		return KindProvider, nil
	case *api.Host:
		return KindHost, nil
	case *core.Secret:
		return KindSecret, nil
	case *nadv1.NetworkAttachmentDefinition:
		return KindNAD, nil
	case *api.StorageMap:
		return KindStorageMap, nil
	case *api.NetworkMap:
		return KindNetworkMap, nil
	case *core.Namespace:
		return KindNamespace, nil
	case *kubevirtv1.VirtualMachine:
		return KindVM, nil
	case *core.Pod:
		return KindPod, nil
	default:
		return "", errors.Errorf("resource type %T is not tracked by the ledger", obj)
	}
}

func objectFor(kind Kind, id Identity) client.Object {
	meta := metav1.ObjectMeta{Name: id.Name, Namespace: id.Namespace}
	switch kind {
	case KindMigration:
		return &api.Migration{ObjectMeta: meta}
	case KindPlan:
		return &api.Plan{ObjectMeta: meta}
	case KindProvider:
		return &api.Provider{ObjectMeta: meta}
	case KindHost:
		return &api.Host{ObjectMeta: meta}
	case KindSecret:
		return &core.Secret{ObjectMeta: meta}
	case KindNAD:
		return &nadv1.NetworkAttachmentDefinition{ObjectMeta: meta}
	case KindStorageMap:
		return &api.StorageMap{ObjectMeta: meta}
	case KindNetworkMap:
		return &api.NetworkMap{ObjectMeta: meta}
	case KindNamespace:
		return &core.Namespace{ObjectMeta: meta}
	case KindVM:
		return &kubevirtv1.VirtualMachine{ObjectMeta: meta}
	case KindPod:
		return &core.Pod{ObjectMeta: meta}
	}
	return nil
}

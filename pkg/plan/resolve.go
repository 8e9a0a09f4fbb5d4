// Copyright © 2025 The mtv-e2e authors

package plan

import (
	"strings"

	api "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	"github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1/ref"
)

// ResolveNetwork finds the destination a source network maps to. Entries are
// scanned in declaration order and the first match wins, so a name match
// early in the map beats an id match later in it. A selector matches on
// exact type, on name (ignoring any "datacenter/" style prefix) or on id.
func ResolveNetwork(pairs []api.NetworkPair, source ref.Ref) (api.DestinationNetwork, bool) {
	for _, pair := range pairs {
		if selectorMatches(pair.Source, source) {
			return pair.Destination, true
		}
	}
	return api.DestinationNetwork{}, false
}

// ResolveStorage is the storage-map counterpart of ResolveNetwork.
func ResolveStorage(pairs []api.StoragePair, source ref.Ref) (api.DestinationStorage, bool) {
	for _, pair := range pairs {
		if selectorMatches(pair.Source, source) {
			return pair.Destination, true
		}
	}
	return api.DestinationStorage{}, false
}

func selectorMatches(sel, src ref.Ref) bool {
	if sel.Type != "" && sel.Type == src.Type {
		return true
	}
	if sel.Name != "" && src.Name != "" && baseName(sel.Name) == baseName(src.Name) {
		return true
	}
	if sel.ID != "" && sel.ID == src.ID {
		return true
	}
	return false
}

// baseName strips a qualifying prefix like "datacenter/" from a network
// name, sources qualify names inconsistently across backend versions.
func baseName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// DestinationName renders the network name the verifier compares against:
// the pod network reads "pod", a multus destination reads its attachment
// name.
func DestinationName(d api.DestinationNetwork) string {
	if d.Type == "pod" {
		return "pod"
	}
	return d.Name
}

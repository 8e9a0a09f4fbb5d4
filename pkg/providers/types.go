// Copyright © 2025 The mtv-e2e authors

package providers

import "time"

// Type enumerates the supported source/destination backends.
type Type string

const (
	TypeVSphere   Type = "vsphere"
	TypeOVirt     Type = "ovirt"
	TypeOpenStack Type = "openstack"
	TypeOpenShift Type = "openshift"
	TypeOVA       Type = "ova"
)

// PowerState is the normalized VM power state.
type PowerState string

const (
	PowerOn    PowerState = "on"
	PowerOff   PowerState = "off"
	PowerOther PowerState = "other"
)

// NIC is one network interface of a VM. MAC is the join key the verifier
// uses to pair source interfaces with destination interfaces, the product
// must preserve it across the migration.
type NIC struct {
	Name    string
	MAC     string
	IP      string
	Network string
}

// Disk is one data disk of a VM. Sizes use binary units. AccessMode is only
// populated on destination descriptors, storage backends on the source side
// do not expose one.
type Disk struct {
	Name        string
	SizeKB      int64
	StorageName string
	AccessMode  string
}

// CPU topology of a VM. Threads is zero on backends that do not expose it.
type CPU struct {
	Cores   int32
	Sockets int32
	Threads int32
}

// Snapshot is a backend snapshot descriptor, compared by identity only.
type Snapshot struct {
	ID         string
	Name       string
	State      string
	CreateTime time.Time
}

// VMDescriptor is the normalized view of a VM, built before migration from
// the source provider and after migration from the destination provider.
type VMDescriptor struct {
	ID         string
	Name       string
	Namespace  string
	Provider   Type
	NICs       []NIC
	Disks      []Disk
	CPU        CPU
	MemoryMB   int64
	Snapshots  []Snapshot
	PowerState PowerState
	// GuestAgent reports whether a guest agent is currently connected.
	// Only destination descriptors carry it.
	GuestAgent bool
}

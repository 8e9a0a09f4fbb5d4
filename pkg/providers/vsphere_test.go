// Copyright © 2025 The mtv-e2e authors

package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi/simulator"
	"go.uber.org/zap"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
)

func simulateVCenter(t *testing.T) (*vSphere, *simulator.Model, *simulator.Server) {
	t.Helper()
	model := simulator.VPX()
	err := model.Create()
	require.NoError(t, err)
	server := model.Service.NewServer()

	entry := &config.ProviderEntry{
		Name:     "vcenter-main",
		Type:     string(TypeVSphere),
		URL:      server.URL.String(),
		Username: "user",
		Password: "pass",
		Insecure: true,
	}
	p := newVSphere(entry, Options{
		Log:          zap.NewNop().Sugar(),
		SnapshotPoll: k8sutils.Poll{Interval: 10 * time.Millisecond, Timeout: 2 * time.Second},
	})
	return p, model, server
}

func cleanupSimulator(model *simulator.Model, server *simulator.Server) {
	model.Remove()
	server.Close()
}

func TestVSphereConnect(t *testing.T) {
	p, model, server := simulateVCenter(t)
	defer cleanupSimulator(model, server)

	ctx := context.Background()
	err := p.Connect(ctx)
	assert.NoError(t, err)

	// Connect is idempotent, Disconnect resets the session.
	assert.NoError(t, p.Connect(ctx))
	p.Disconnect()
	p.Disconnect()
	assert.NoError(t, p.Connect(ctx))
}

func TestVSphereConnectUnreachable(t *testing.T) {
	entry := &config.ProviderEntry{
		Name:     "vcenter-main",
		Type:     string(TypeVSphere),
		URL:      "https://127.0.0.1:1",
		Username: "user",
		Password: "pass",
		Insecure: true,
	}
	p := newVSphere(entry, Options{Log: zap.NewNop().Sugar()})

	err := p.Connect(context.Background())
	assert.Error(t, err)
	var cerr *ConnectionError
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, "vcenter-main", cerr.Provider)
}

func TestVSphereVMDescriptor(t *testing.T) {
	p, model, server := simulateVCenter(t)
	defer cleanupSimulator(model, server)

	ctx := context.Background()
	desc, err := p.VMDescriptor(ctx, "DC0_H0_VM0", "", true)
	assert.NoError(t, err)

	assert.Equal(t, "DC0_H0_VM0", desc.Name)
	assert.Equal(t, TypeVSphere, desc.Provider)
	assert.Equal(t, PowerOn, desc.PowerState)
	assert.Equal(t, int64(32), desc.MemoryMB)
	assert.Equal(t, int32(1), desc.CPU.Cores)

	if assert.Len(t, desc.NICs, 1) {
		assert.Equal(t, "00:0c:29:36:63:62", desc.NICs[0].MAC)
		// Source descriptors never carry IPs, they are unknowable before
		// the migration lands.
		assert.Empty(t, desc.NICs[0].IP)
	}
	if assert.Len(t, desc.Disks, 1) {
		assert.Equal(t, int64(10485760), desc.Disks[0].SizeKB)
		assert.Equal(t, "LocalDS_0", desc.Disks[0].StorageName)
	}
	assert.Empty(t, desc.Snapshots)
}

func TestVSphereVMDescriptorNotFound(t *testing.T) {
	p, model, server := simulateVCenter(t)
	defer cleanupSimulator(model, server)

	_, err := p.VMDescriptor(context.Background(), "no-such-vm", "", true)
	var nferr *VMNotFoundError
	assert.ErrorAs(t, err, &nferr)
	assert.Equal(t, "no-such-vm", nferr.Name)
}

func TestVSpherePowerOps(t *testing.T) {
	p, model, server := simulateVCenter(t)
	defer cleanupSimulator(model, server)

	ctx := context.Background()
	vmName := "DC0_H0_VM0"

	// Simulator VMs boot powered on. Stopping twice must not error.
	assert.NoError(t, p.StopVM(ctx, vmName))
	assert.NoError(t, p.StopVM(ctx, vmName))

	desc, err := p.VMDescriptor(ctx, vmName, "", true)
	assert.NoError(t, err)
	assert.Equal(t, PowerOff, desc.PowerState)

	assert.NoError(t, p.StartVM(ctx, vmName))
	assert.NoError(t, p.StartVM(ctx, vmName))

	desc, err = p.VMDescriptor(ctx, vmName, "", true)
	assert.NoError(t, err)
	assert.Equal(t, PowerOn, desc.PowerState)
}

func TestVSphereSnapshots(t *testing.T) {
	p, model, server := simulateVCenter(t)
	defer cleanupSimulator(model, server)

	ctx := context.Background()
	vmName := "DC0_H0_VM0"

	snaps, err := p.ListSnapshots(ctx, vmName)
	assert.NoError(t, err)
	assert.Empty(t, snaps)

	vm, err := p.findVM(ctx, vmName)
	require.NoError(t, err)
	task, err := vm.CreateSnapshot(ctx, "precopy-1", "", false, false)
	require.NoError(t, err)
	require.NoError(t, task.Wait(ctx))

	snaps, err = p.ListSnapshots(ctx, vmName)
	assert.NoError(t, err)
	if assert.Len(t, snaps, 1) {
		assert.Equal(t, "precopy-1", snaps[0].Name)
		assert.NotEmpty(t, snaps[0].ID)
	}
}

func TestVSphereWaitForSnapshots(t *testing.T) {
	p, model, server := simulateVCenter(t)
	defer cleanupSimulator(model, server)

	ctx := context.Background()
	vmName := "DC0_H0_VM0"

	vm, err := p.findVM(ctx, vmName)
	require.NoError(t, err)
	task, err := vm.CreateSnapshot(ctx, "precopy-1", "", false, false)
	require.NoError(t, err)
	require.NoError(t, task.Wait(ctx))

	assert.NoError(t, p.WaitForSnapshots(ctx, []string{vmName}, 1))

	// Never reaches two snapshots, the gate must time out.
	p.snapPoll = k8sutils.Poll{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}
	err = p.WaitForSnapshots(ctx, []string{vmName}, 2)
	assert.Error(t, err)
	assert.True(t, k8sutils.IsTimeout(err))
}

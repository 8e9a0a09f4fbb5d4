// Copyright © 2025 The mtv-e2e authors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "openshift-mtv", cfg.MTVNamespace)
	assert.Equal(t, 10*time.Minute, cfg.MigrationTimeout)
	assert.Equal(t, 6*time.Minute, cfg.PlanReadyTimeout)
	assert.Equal(t, 5*time.Minute, cfg.CutoverDelay)
	assert.True(t, cfg.Verify.CephRWOOnExplicitAccessMode)
}

func TestNewFromEnvironment(t *testing.T) {
	t.Setenv("MTV_NAMESPACE", "konveyor-forklift")
	t.Setenv("MTV_MIGRATION_TIMEOUT", "1h")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "konveyor-forklift", cfg.MTVNamespace)
	assert.Equal(t, time.Hour, cfg.MigrationTimeout)
}

const matrixYAML = `
providers:
  - name: vsphere-8
    type: vsphere
    version: "8.0.1"
    url: https://vcenter8.example.com/sdk
    hostname: vcenter8.example.com
    insecureSkipVerify: true
    datacenter: MTV-DC
    datastoreID: datastore-11
    networks:
      - Mgmt Network
      - VM Network
  - name: rhv-4
    type: ovirt
    url: https://rhv.example.com/ovirt-engine/api
`

func writeMatrix(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(matrixYAML), 0o600))
	return path
}

func TestLoadMatrix(t *testing.T) {
	m, err := LoadMatrix(writeMatrix(t))
	require.NoError(t, err)
	require.Len(t, m.Providers, 2)

	p, err := m.Provider("vsphere-8")
	require.NoError(t, err)
	assert.Equal(t, "vsphere", p.Type)
	assert.Equal(t, "datastore-11", p.DatastoreID)
	assert.Equal(t, []string{"Mgmt Network", "VM Network"}, p.Networks)

	assert.Len(t, m.ByType("ovirt"), 1)
	assert.Empty(t, m.ByType("openstack"))
}

func TestProviderMissing(t *testing.T) {
	m, err := LoadMatrix(writeMatrix(t))
	require.NoError(t, err)

	_, err = m.Provider("no-such-provider")
	require.Error(t, err)

	var cerr *ConfigurationError
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, "no-such-provider", cerr.Key)
}

func TestLoadMatrixMissingFile(t *testing.T) {
	_, err := LoadMatrix(filepath.Join(t.TempDir(), "absent.yaml"))
	var cerr *ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}

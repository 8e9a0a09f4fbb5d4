// Copyright © 2025 The mtv-e2e authors

// Package config carries the suite configuration: tunables read from the
// environment and the provider matrix read from a YAML file. The resulting
// Config is handed to constructors explicitly, nothing in this module reads
// configuration ambiently.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top level suite configuration.
type Config struct {
	// Namespace MTV is installed in.
	MTVNamespace string `envconfig:"MTV_NAMESPACE" default:"openshift-mtv"`
	// Namespace migrated VMs land in. Suffixed per session by the runner.
	TargetNamespace string `envconfig:"MTV_TARGET_NAMESPACE" default:"mtv-target"`
	// Storage class migrated disks are expected on.
	StorageClass string `envconfig:"MTV_STORAGE_CLASS" default:"ocs-storagecluster-ceph-rbd"`
	// Path to the provider matrix YAML. Empty means matrix-less run (unit tests).
	MatrixPath string `envconfig:"MTV_PROVIDER_MATRIX" default:""`
	// Kubeconfig for the target cluster. Empty falls back to in-cluster config.
	Kubeconfig string `envconfig:"KUBECONFIG" default:""`

	PlanReadyTimeout time.Duration `envconfig:"MTV_PLAN_READY_TIMEOUT" default:"6m"`
	MigrationTimeout time.Duration `envconfig:"MTV_MIGRATION_TIMEOUT" default:"10m"`
	PollInterval     time.Duration `envconfig:"MTV_POLL_INTERVAL" default:"1s"`

	// Warm migration knobs. Precopies are produced by the product roughly once
	// a minute, so the snapshot gate polls slowly and waits long.
	SnapshotPollInterval time.Duration `envconfig:"MTV_SNAPSHOT_POLL_INTERVAL" default:"2m"`
	SnapshotWaitTimeout  time.Duration `envconfig:"MTV_SNAPSHOT_WAIT_TIMEOUT" default:"30m"`
	CutoverDelay         time.Duration `envconfig:"MTV_CUTOVER_DELAY" default:"5m"`

	// Forklift inventory service.
	InventoryURL      string `envconfig:"MTV_INVENTORY_URL" default:""`
	InventoryToken    string `envconfig:"MTV_INVENTORY_TOKEN" default:""`
	InsecureTLSVerify bool   `envconfig:"MTV_INSECURE_TLS" default:"true"`

	Verify VerifyConfig

	// Session identifies every resource this run creates, set by the runner.
	Session string `ignored:"true"`
}

// VerifyConfig tunes the post-migration verifier.
type VerifyConfig struct {
	// Historical product workaround: on the clustered block storage class an
	// explicit access mode in the storage map yields RWO volumes, an omitted
	// one yields RWX. Disable once the product behaves uniformly.
	CephRWOOnExplicitAccessMode bool `envconfig:"MTV_VERIFY_CEPH_RWO_ON_EXPLICIT_ACCESS_MODE" default:"true"`
	// Storage class name the asymmetry applies to.
	CephStorageClass string `envconfig:"MTV_VERIFY_CEPH_STORAGE_CLASS" default:"ocs-storagecluster-ceph-rbd"`
	// How long to wait for the guest agent on VMs that declare one.
	GuestAgentTimeout time.Duration `envconfig:"MTV_VERIFY_GUEST_AGENT_TIMEOUT" default:"5m"`
}

// ProviderEntry is one row of the provider matrix.
type ProviderEntry struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Version  string `yaml:"version"`
	URL      string `yaml:"url"`
	Hostname string `yaml:"hostname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Domain   string `yaml:"domain"`
	Project  string `yaml:"project"`
	Region   string `yaml:"region"`
	CACert   string `yaml:"cacert"`
	Insecure bool   `yaml:"insecureSkipVerify"`

	// vSphere only.
	Datacenter           string `yaml:"datacenter"`
	DatastoreID          string `yaml:"datastoreID"`
	SecondaryDatastoreID string `yaml:"secondaryDatastoreID"`

	// OpenShift source only.
	SourceNamespace string `yaml:"sourceNamespace"`

	Networks       []string `yaml:"networks"`
	StorageClasses []string `yaml:"storageClasses"`

	// Settings passed through to the Provider resource, e.g. vddkInitImage.
	Settings map[string]string `yaml:"settings"`
}

// Matrix is the provider inventory the suite can run against.
type Matrix struct {
	Providers []ProviderEntry `yaml:"providers"`
}

// ConfigurationError reports a missing or inconsistent configuration entry.
// It is fatal and never retried.
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error for %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("configuration entry %q is missing", e.Key)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// New reads the suite configuration from the environment.
func New() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process environment configuration")
	}
	return cfg, nil
}

// LoadMatrix parses the provider matrix file.
func LoadMatrix(path string) (*Matrix, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Key: path, Err: err}
	}
	m := &Matrix{}
	if err := yaml.Unmarshal(raw, m); err != nil {
		return nil, &ConfigurationError{Key: path, Err: err}
	}
	return m, nil
}

// Provider looks an entry up by name.
func (m *Matrix) Provider(name string) (*ProviderEntry, error) {
	for i := range m.Providers {
		if m.Providers[i].Name == name {
			return &m.Providers[i], nil
		}
	}
	return nil, &ConfigurationError{Key: name}
}

// ByType returns every entry of the given provider type.
func (m *Matrix) ByType(providerType string) []ProviderEntry {
	var out []ProviderEntry
	for _, p := range m.Providers {
		if p.Type == providerType {
			out = append(out, p)
		}
	}
	return out
}

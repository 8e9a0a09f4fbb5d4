// Copyright © 2025 The mtv-e2e authors

// Package names produces Kubernetes-safe resource names for objects the
// suite creates on the cluster.
package names

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const maxNameLength = 63

var invalidChars = regexp.MustCompile(`[^a-z0-9-]`)

// Sanitize converts an arbitrary identifier (VM names, datastore names,
// provider hostnames) into a DNS-1123 compatible resource name.
func Sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.NewReplacer("_", "-", ".", "-", " ", "-", "/", "-").Replace(s)
	s = invalidChars.ReplaceAllString(s, "")
	return strings.Trim(s, "-")
}

// Suffix returns a short random suffix. Resources created by the suite carry
// one so that concurrent sessions against the same cluster never collide.
func Suffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
}

// WithSuffix appends a random suffix to a sanitized name.
func WithSuffix(name string) string {
	return Truncate(Sanitize(name) + "-" + Suffix())
}

// Truncate enforces the 63 character limit on resource names. The suffix
// carries the uniqueness, so the tail of the name is kept, not the head.
func Truncate(name string) string {
	if len(name) <= maxNameLength {
		return name
	}
	return strings.TrimLeft(name[len(name)-maxNameLength:], "-")
}

// PlanName builds the canonical plan name for a migration session:
// the target namespace, an optional remote marker and the migration mode,
// followed by the session suffix.
func PlanName(targetNamespace string, warm, remote bool, suffix string) string {
	mode := "cold"
	if warm {
		mode = "warm"
	}
	name := Sanitize(targetNamespace)
	if remote {
		name += "-remote"
	}
	return Truncate(fmt.Sprintf("%s-%s-%s", name, mode, suffix))
}

// MigrationName derives a migration name from its plan.
func MigrationName(planName string) string {
	return Truncate(planName + "-migration")
}

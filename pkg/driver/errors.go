// Copyright © 2025 The mtv-e2e authors

package driver

import (
	"fmt"
	"strings"
	"time"

	libcnd "github.com/kubev2v/forklift/pkg/lib/condition"
)

// ConvergenceTimeoutError means a resource never reached the awaited
// condition within its budget. It carries the last observed condition set
// so the failure is diagnosable from the error alone.
type ConvergenceTimeoutError struct {
	Resource  string
	Condition string
	Timeout   time.Duration
	Last      []libcnd.Condition
}

func (e *ConvergenceTimeoutError) Error() string {
	return fmt.Sprintf("%s did not reach condition %s within %s (last: %s)",
		e.Resource, e.Condition, e.Timeout, renderConditions(e.Last))
}

// MigrationExecError means the product reported the migration Failed.
type MigrationExecError struct {
	Migration string
	Condition libcnd.Condition
}

func (e *MigrationExecError) Error() string {
	return fmt.Sprintf("migration %s failed: %s", e.Migration, e.Condition.Message)
}

// CancelTimeoutError means a running migration could not be canceled. It is
// fatal for the teardown pass: a still-running migration poisons the next
// session.
type CancelTimeoutError struct {
	Plan string
	Err  error
}

func (e *CancelTimeoutError) Error() string {
	return fmt.Sprintf("cancellation of plan %s did not complete: %v", e.Plan, e.Err)
}

func (e *CancelTimeoutError) Unwrap() error {
	return e.Err
}

func renderConditions(conditions []libcnd.Condition) string {
	if len(conditions) == 0 {
		return "no conditions reported"
	}
	parts := make([]string, 0, len(conditions))
	for _, c := range conditions {
		parts = append(parts, fmt.Sprintf("%s=%s", c.Type, c.Status))
	}
	return strings.Join(parts, ", ")
}

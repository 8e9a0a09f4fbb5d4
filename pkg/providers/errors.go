// Copyright © 2025 The mtv-e2e authors

package providers

import "fmt"

// ConnectionError reports a failed provider login. Callers treat it as an
// infrastructure problem, not a product defect.
type ConnectionError struct {
	Provider string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to provider %s at %s: %v", e.Provider, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// VMNotFoundError reports a VM lookup that matched nothing.
type VMNotFoundError struct {
	Name     string
	Provider string
}

func (e *VMNotFoundError) Error() string {
	return fmt.Sprintf("VM %s not found on provider %s", e.Name, e.Provider)
}

// UnsupportedError reports an operation the backend has no equivalent for.
type UnsupportedError struct {
	Provider  string
	Operation string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("provider %s does not support %s", e.Provider, e.Operation)
}

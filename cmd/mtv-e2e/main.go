// Copyright © 2025 The mtv-e2e authors

// mtv-e2e drives end to end migration scenarios against a cluster running
// MTV. The run command executes one scenario and tears its session down,
// the teardown command cleans up after a crashed or kept session.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

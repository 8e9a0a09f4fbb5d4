// Copyright © 2025 The mtv-e2e authors

package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kubev2v/mtv-e2e/pkg/config"
	"github.com/kubev2v/mtv-e2e/pkg/driver"
	"github.com/kubev2v/mtv-e2e/pkg/k8sutils"
	"github.com/kubev2v/mtv-e2e/pkg/ledger"
)

type teardownOptions struct {
	Session    string
	Kubeconfig string
}

func newTeardownCommand() *cobra.Command {
	o := &teardownOptions{}
	cmd := &cobra.Command{
		Use:   "teardown --session ID",
		Short: "Delete every resource a session left on the cluster.",
		Long: `teardown rebuilds the resource registry of a finished or crashed session
by scanning the cluster for resources carrying the session ID, settles its
plans and deletes everything in dependency order. Leftovers are an error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(cmd.Context())
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (o *teardownOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.Session, "session", o.Session, "Session ID the resources to delete carry in their names.")
	fs.StringVar(&o.Kubeconfig, "kubeconfig", o.Kubeconfig, "Target cluster kubeconfig, overrides KUBECONFIG.")
}

func (o *teardownOptions) Run(ctx context.Context) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	if o.Kubeconfig != "" {
		cfg.Kubeconfig = o.Kubeconfig
	}

	cl, err := k8sutils.NewClient(cfg.Kubeconfig)
	if err != nil {
		return err
	}

	led := ledger.New(ledger.Options{Client: cl, Session: o.Session})
	if err := led.AdoptSession(ctx, cfg.MTVNamespace); err != nil {
		return err
	}
	drv := driver.New(driver.Options{Config: cfg, Client: cl, Ledger: led})
	if err := led.Teardown(ctx, ledger.TeardownOptions{Finalizer: drv}); err != nil {
		return err
	}
	zap.S().Infof("Session %s cleaned up", o.Session)
	return nil
}

// Copyright © 2025 The mtv-e2e authors

package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logLevel string

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mtv-e2e",
		Short: "End to end migration scenarios against a cluster running MTV",
		Long: `mtv-e2e provisions forklift providers and maps, drives migration plans
to their terminal state and verifies the migrated VMs against their
pre-migration descriptors. Every resource a run creates carries a session
ID and is deleted when the run finishes.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zap.ReplaceGlobals(initLog(logLevel))
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error.")
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newTeardownCommand())
	cmd.CompletionOptions.DisableDefaultCmd = true
	return cmd
}

func initLog(level string) *zap.Logger {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	loggerCfg := &zap.Config{
		Level:    lvl,
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "severity",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := loggerCfg.Build(zap.AddStacktrace(zap.DPanicLevel))
	if err != nil {
		panic(err)
	}
	return logger
}

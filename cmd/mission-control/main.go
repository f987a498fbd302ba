// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Main package for the mission-control binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skyfleet/mission-control/pkg/config"
	"github.com/skyfleet/mission-control/pkg/runtime"
	"github.com/skyfleet/mission-control/pkg/util/log"
)

func main() {
	if err := makeRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func makeRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "mission-control",
		Short:        "Realtime drone mission control plane",
		Long:         "Ingests drone telemetry, maintains live fleet state, dispatches mission commands and fans updates out to dashboards.",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return run(configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := log.SetupLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer log.Flush()

	app, err := runtime.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)

	app.Stop()
	return nil
}

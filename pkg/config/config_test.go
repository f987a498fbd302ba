// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SKYFLEET_AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTTBrokerURL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.CommandPollInterval)
	assert.Equal(t, 100, cfg.PublisherBatchSize)
	assert.Equal(t, 60*time.Second, cfg.StaleThreshold)
	assert.Equal(t, 5*time.Second, cfg.AnalyticsTick)
	assert.False(t, cfg.AutoRTHEnabled)
	assert.Positive(t, cfg.ProcessorWorkers, "workers default derives from core count")
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("SKYFLEET_AUTH_JWT_SECRET", "s3cret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
mqtt:
  broker_url: tcp://broker.example.com:1883
publisher:
  batch_size: 250
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.ServerPort)
	assert.Equal(t, "tcp://broker.example.com:1883", cfg.MQTTBrokerURL)
	assert.Equal(t, 250, cfg.PublisherBatchSize)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SKYFLEET_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("SKYFLEET_SERVER_PORT", "7777")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.ServerPort)
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	t.Setenv("SKYFLEET_AUTH_JWT_SECRET", "s3cret")
	cfg, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.ServerPort = -1 }},
		{"no mqtt url", func(c *Config) { c.MQTTBrokerURL = "" }},
		{"no kafka brokers", func(c *Config) { c.KafkaBrokers = nil }},
		{"no jwt secret", func(c *Config) { c.JWTSecret = "" }},
		{"zero command timeout", func(c *Config) { c.CommandTimeout = 0 }},
		{"zero batch size", func(c *Config) { c.PublisherBatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broken := *cfg
			tt.mutate(&broken)
			assert.Error(t, broken.Validate())
		})
	}
}

func TestLoadMissingSecretFails(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

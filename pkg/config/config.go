// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config loads the control-plane configuration. Every knob has a
// default, can be set in an optional YAML file, and is overridable through
// the environment with the SKYFLEET_ prefix (dots become underscores, e.g.
// SKYFLEET_MQTT_BROKER_URL).
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full runtime configuration, populated once at startup and
// injected into components. No component reads viper directly.
type Config struct {
	ServerPort int
	LogLevel   string
	LogFormat  string

	MQTTBrokerURL string
	MQTTUsername  string
	MQTTPassword  string
	MQTTClientID  string

	KafkaBrokers      []string
	KafkaSASLUser     string
	KafkaSASLPassword string
	TopicTelemetry    string
	TopicCommands     string
	TopicEvents       string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string

	JWTSecret string

	CommandTimeout      time.Duration
	CommandPollInterval time.Duration

	ProcessorWorkers   int
	ProcessorQueueSize int
	StaleThreshold     time.Duration

	PublisherBatchSize     int
	PublisherFlushInterval time.Duration
	PublisherRetryBudget   int

	ConsumerGroup          string
	BatteryWriteThrottle   time.Duration
	ConsumerSessionTimeout time.Duration

	AnalyticsTick time.Duration

	AutoRTHEnabled bool

	ShutdownTimeout time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "mission-control")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.sasl_user", "")
	v.SetDefault("kafka.sasl_password", "")
	v.SetDefault("kafka.topic.telemetry", "telemetry")
	v.SetDefault("kafka.topic.commands", "commands")
	v.SetDefault("kafka.topic.events", "events")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("command.timeout", 30*time.Second)
	v.SetDefault("command.poll_interval", 500*time.Millisecond)

	v.SetDefault("processor.workers", 0) // 0 means num_cores * 2
	v.SetDefault("processor.queue_size", 512)
	v.SetDefault("processor.stale_threshold", 60*time.Second)

	v.SetDefault("publisher.batch_size", 100)
	v.SetDefault("publisher.flush_interval", time.Second)
	v.SetDefault("publisher.retry_budget", 3)

	v.SetDefault("consumer.group", "telemetry-processor")
	v.SetDefault("consumer.battery_throttle", 5*time.Second)
	v.SetDefault("consumer.session_timeout", 30*time.Second)

	v.SetDefault("analytics.tick", 5*time.Second)

	v.SetDefault("autorth.enabled", false)

	v.SetDefault("shutdown.timeout", 30*time.Second)
}

// Load reads the configuration from the optional file at path and from the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SKYFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	c := &Config{
		ServerPort: v.GetInt("server.port"),
		LogLevel:   v.GetString("log.level"),
		LogFormat:  v.GetString("log.format"),

		MQTTBrokerURL: v.GetString("mqtt.broker_url"),
		MQTTUsername:  v.GetString("mqtt.username"),
		MQTTPassword:  v.GetString("mqtt.password"),
		MQTTClientID:  v.GetString("mqtt.client_id"),

		KafkaBrokers:      v.GetStringSlice("kafka.brokers"),
		KafkaSASLUser:     v.GetString("kafka.sasl_user"),
		KafkaSASLPassword: v.GetString("kafka.sasl_password"),
		TopicTelemetry:    v.GetString("kafka.topic.telemetry"),
		TopicCommands:     v.GetString("kafka.topic.commands"),
		TopicEvents:       v.GetString("kafka.topic.events"),

		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),

		PostgresDSN: v.GetString("postgres.dsn"),

		JWTSecret: v.GetString("auth.jwt_secret"),

		CommandTimeout:      v.GetDuration("command.timeout"),
		CommandPollInterval: v.GetDuration("command.poll_interval"),

		ProcessorWorkers:   v.GetInt("processor.workers"),
		ProcessorQueueSize: v.GetInt("processor.queue_size"),
		StaleThreshold:     v.GetDuration("processor.stale_threshold"),

		PublisherBatchSize:     v.GetInt("publisher.batch_size"),
		PublisherFlushInterval: v.GetDuration("publisher.flush_interval"),
		PublisherRetryBudget:   v.GetInt("publisher.retry_budget"),

		ConsumerGroup:          v.GetString("consumer.group"),
		BatteryWriteThrottle:   v.GetDuration("consumer.battery_throttle"),
		ConsumerSessionTimeout: v.GetDuration("consumer.session_timeout"),

		AnalyticsTick: v.GetDuration("analytics.tick"),

		AutoRTHEnabled: v.GetBool("autorth.enabled"),

		ShutdownTimeout: v.GetDuration("shutdown.timeout"),
	}

	if c.ProcessorWorkers <= 0 {
		c.ProcessorWorkers = runtime.NumCPU() * 2
	}

	return c, c.Validate()
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port %d", c.ServerPort)
	}
	if c.MQTTBrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command.timeout must be positive")
	}
	if c.PublisherBatchSize <= 0 {
		return fmt.Errorf("publisher.batch_size must be positive")
	}
	return nil
}

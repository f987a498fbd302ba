// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package runtime assembles the pipeline and owns its lifecycle. Startup is
// bottom-up (stores before consumers before ingress); shutdown walks the
// same chain in reverse under a fixed budget so in-flight telemetry drains
// before the sinks disappear.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/skyfleet/mission-control/pkg/analytics"
	"github.com/skyfleet/mission-control/pkg/api"
	"github.com/skyfleet/mission-control/pkg/config"
	"github.com/skyfleet/mission-control/pkg/dispatcher"
	"github.com/skyfleet/mission-control/pkg/flightplan"
	"github.com/skyfleet/mission-control/pkg/livestate"
	"github.com/skyfleet/mission-control/pkg/mission"
	"github.com/skyfleet/mission-control/pkg/model"
	"github.com/skyfleet/mission-control/pkg/processor"
	"github.com/skyfleet/mission-control/pkg/stream"
	"github.com/skyfleet/mission-control/pkg/transport"
	"github.com/skyfleet/mission-control/pkg/util/log"
	"github.com/skyfleet/mission-control/pkg/util/startstop"
	"github.com/skyfleet/mission-control/pkg/wsfanout"
)

// App is the assembled control plane.
type App struct {
	cfg *config.Config

	live      *livestate.Store
	store     mission.Store
	storeStop func() error
	adapter   *transport.Adapter
	publisher *stream.Publisher
	consumer  *stream.Consumer
	proc      *processor.Processor
	engine    *analytics.Engine
	hub       *wsfanout.Hub
	dispatch  *dispatcher.Dispatcher
	coord     *mission.Coordinator
	httpSrv   *http.Server

	autoRTHSub *livestate.Subscription
}

// New wires every component from the configuration. Nothing is connected
// yet; Start opens the external connections.
func New(cfg *config.Config) (*App, error) {
	app := &App{cfg: cfg}

	app.live = livestate.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	if cfg.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := mission.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("mission store: %w", err)
		}
		app.store = pg
		app.storeStop = pg.Close
	} else {
		log.Warn("no postgres DSN configured, using the in-memory mission store")
		app.store = mission.NewMemoryStore()
	}

	sender, err := stream.NewSender(stream.KafkaConfig{
		Brokers:      cfg.KafkaBrokers,
		SASLUser:     cfg.KafkaSASLUser,
		SASLPassword: cfg.KafkaSASLPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka sender: %w", err)
	}
	app.publisher = stream.NewPublisher(stream.PublisherConfig{
		TopicTelemetry: cfg.TopicTelemetry,
		TopicCommands:  cfg.TopicCommands,
		TopicEvents:    cfg.TopicEvents,
		BatchSize:      cfg.PublisherBatchSize,
		FlushInterval:  cfg.PublisherFlushInterval,
		RetryBudget:    cfg.PublisherRetryBudget,
	}, sender)

	app.coord = mission.NewCoordinator(app.store, app.live, app.publisher, flightplan.NewGridGenerator())

	reader, err := stream.NewReader(stream.KafkaConfig{
		Brokers:        cfg.KafkaBrokers,
		SASLUser:       cfg.KafkaSASLUser,
		SASLPassword:   cfg.KafkaSASLPassword,
		ConsumerGroup:  cfg.ConsumerGroup,
		Topic:          cfg.TopicTelemetry,
		SessionTimeout: cfg.ConsumerSessionTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka reader: %w", err)
	}
	app.consumer = stream.NewConsumer(stream.ConsumerConfig{
		BatteryWriteThrottle: cfg.BatteryWriteThrottle,
	}, reader, app.coord, app.coord)

	app.proc = processor.New(processor.Config{
		Workers:        cfg.ProcessorWorkers,
		QueueSize:      cfg.ProcessorQueueSize,
		StaleThreshold: cfg.StaleThreshold,
	}, app.live, app.publisher)

	var recorder analytics.Recorder
	if pg, ok := app.store.(*mission.PostgresStore); ok {
		recorder = pg
	}
	app.engine = analytics.New(cfg.AnalyticsTick, app.coord, app.coord, app.live, recorder)
	app.proc.AddObserver(app.engine)

	app.adapter = transport.NewAdapter(transport.NewBroker(transport.BrokerConfig{
		URL:      cfg.MQTTBrokerURL,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
		ClientID: cfg.MQTTClientID,
	}))

	app.dispatch = dispatcher.New(dispatcher.Config{
		Timeout:      cfg.CommandTimeout,
		PollInterval: cfg.CommandPollInterval,
	}, app.adapter, app.live, app.coord, app.publisher)

	app.hub = wsfanout.NewHub(wsfanout.NewJWTVerifier(cfg.JWTSecret), app.live)

	apiServer := api.NewServer(app.coord, app.dispatch, app.hub, app.healthy)
	app.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

// Start brings the pipeline up. Any failure here is fatal; a control plane
// that cannot reach its stores has nothing useful to do.
func (a *App) Start(ctx context.Context) error {
	if err := a.live.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := a.publisher.Start(); err != nil {
		return fmt.Errorf("stream publisher: %w", err)
	}
	if err := a.proc.Start(); err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	if err := a.consumer.Start(); err != nil {
		return fmt.Errorf("stream consumer: %w", err)
	}
	if err := a.engine.Start(); err != nil {
		return fmt.Errorf("analytics: %w", err)
	}
	if err := a.hub.Start(); err != nil {
		return fmt.Errorf("websocket hub: %w", err)
	}

	if err := a.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("mqtt broker: %w", err)
	}
	if err := a.adapter.StartIngest(a.proc.Process, func(ack *model.AckRecord) {
		a.dispatch.HandleAck(context.Background(), ack)
	}); err != nil {
		return fmt.Errorf("mqtt ingest: %w", err)
	}

	if a.cfg.AutoRTHEnabled {
		a.startAutoRTH()
	}

	go func() {
		log.Infof("http server listening on %s", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	log.Info("mission control started")
	return nil
}

// Stop drains the pipeline in dependency order within the shutdown budget:
// ingress first so nothing new arrives, then the processor and publisher so
// buffered telemetry lands, then everything that serves reads.
func (a *App) Stop() {
	deadline := time.Now().Add(a.cfg.ShutdownTimeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	a.adapter.Stop()
	if a.autoRTHSub != nil {
		_ = a.autoRTHSub.Close()
	}

	// Drain order: processor before publisher so buffered telemetry still
	// has a stream to land on.
	startstop.NewSerialStopper(a.proc, a.consumer, a.engine, a.publisher).Stop()

	_ = a.httpSrv.Shutdown(ctx)
	a.hub.Stop()

	if a.storeStop != nil {
		_ = a.storeStop()
	}
	_ = a.live.Close()

	if remaining := time.Until(deadline); remaining < 0 {
		log.Warnf("shutdown exceeded the %s budget", a.cfg.ShutdownTimeout)
	}
	log.Info("mission control stopped")
	log.Flush()
}

// healthy is the /healthz probe: the process is ready when its brokers are.
func (a *App) healthy() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.live.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if !a.adapter.Connected() {
		return fmt.Errorf("mqtt broker disconnected")
	}
	return nil
}

// startAutoRTH reacts to critical battery alerts by dispatching RTH for the
// affected mission. Opt-in; the drone still acks or rejects the command.
func (a *App) startAutoRTH() {
	a.autoRTHSub = a.live.Subscribe(context.Background(), livestate.ChannelSystemAlerts)
	go func() {
		for msg := range a.autoRTHSub.Messages() {
			var ev model.MissionEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			if ev.EventType != model.EventBatteryCritical || ev.MissionID == "" {
				continue
			}
			go func(missionID string) {
				ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CommandTimeout+time.Second)
				defer cancel()
				if _, err := a.dispatch.Send(ctx, missionID, model.ActionRTH, "auto-rth"); err != nil {
					log.Warnf("auto RTH for mission %s: %v", missionID, err)
				}
			}(ev.MissionID)
		}
	}()
	log.Info("auto RTH on critical battery enabled")
}

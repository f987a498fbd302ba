// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package processor is the hot path of the pipeline: every accepted
// telemetry record updates live state, is broadcast to dashboards, buffered
// for the durable stream and checked for critical conditions.
//
// Work is partitioned by drone id hash onto a fixed worker pool, so samples
// of one drone are processed serially in arrival order while the fleet is
// processed in parallel.
package processor

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/skyfleet/mission-control/pkg/livestate"
	"github.com/skyfleet/mission-control/pkg/model"
	"github.com/skyfleet/mission-control/pkg/telemetry"
	"github.com/skyfleet/mission-control/pkg/util/log"
)

var (
	tlmProcessed    = telemetry.NewCounter("processor", "records_processed", nil, "Telemetry records fully processed")
	tlmOutOfOrder   = telemetry.NewCounter("processor", "telemetry_out_of_order", nil, "Samples dropped by the per-drone monotonicity filter")
	tlmStale        = telemetry.NewCounter("processor", "telemetry_stale", nil, "Samples dropped for exceeding the staleness threshold")
	tlmQueueDropped = telemetry.NewCounter("processor", "queue_dropped", nil, "Samples dropped by queue overflow (freshness preferred)")
	tlmStateErrors  = telemetry.NewCounter("processor", "live_state_errors", nil, "Live state writes that failed (telemetry is advisory)")
	tlmLatency      = telemetry.NewHistogram("processor", "ingest_latency_ms", nil,
		"Drone-to-processor latency in ms", []float64{10, 25, 50, 100, 250, 500, 1000, 5000, 30000})
)

// Battery and signal thresholds for the critical-condition checks.
const (
	batteryWarnPct     = 15
	batteryCriticalPct = 5
	signalWarnLevel    = 20
)

// LiveStore is the slice of the live state store the processor writes to.
type LiveStore interface {
	ApplyTelemetry(ctx context.Context, rec *model.TelemetryRecord) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

// StreamBuffer is the slice of the stream publisher the processor feeds.
type StreamBuffer interface {
	BufferTelemetry(rec *model.TelemetryRecord)
	BufferEvent(ev model.MissionEvent)
}

// Observer sees every accepted sample, after the staleness and ordering
// gates. The analytics tick hangs off this.
type Observer interface {
	Observe(rec *model.TelemetryRecord)
}

// Config tunes the worker pool.
type Config struct {
	// Workers is the pool size; samples are partitioned over it by drone id.
	Workers int
	// QueueSize bounds each worker queue. Overflow drops the oldest queued
	// sample: a fresher one is always the better one to keep.
	QueueSize int
	// StaleThreshold rejects samples older than this on arrival.
	StaleThreshold time.Duration
}

// Processor fans telemetry out to live state, stream and broadcast.
type Processor struct {
	cfg       Config
	store     LiveStore
	stream    StreamBuffer
	observers []Observer

	queues   []chan *model.TelemetryRecord
	finished []chan struct{}

	// lastSeen holds the newest accepted sent_at per drone. A drone's
	// samples all land on the same worker, so per-key access is serial.
	lastSeen *gocache.Cache
}

// New returns a Processor with the given sinks.
func New(cfg Config, store LiveStore, stream StreamBuffer) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &Processor{
		cfg:      cfg,
		store:    store,
		stream:   stream,
		queues:   make([]chan *model.TelemetryRecord, cfg.Workers),
		finished: make([]chan struct{}, cfg.Workers),
		lastSeen: gocache.New(10*time.Minute, 30*time.Minute),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *model.TelemetryRecord, cfg.QueueSize)
		p.finished[i] = make(chan struct{})
	}
	return p
}

// AddObserver registers an accepted-sample observer. Not safe to call after
// Start.
func (p *Processor) AddObserver(o Observer) {
	p.observers = append(p.observers, o)
}

// Start launches the worker pool.
func (p *Processor) Start() error {
	for i := range p.queues {
		go p.worker(i)
	}
	return nil
}

// Stop closes the queues and waits for the workers to drain them.
func (p *Processor) Stop() {
	for i := range p.queues {
		close(p.queues[i])
	}
	for i := range p.finished {
		<-p.finished[i]
	}
}

// Process enqueues one record onto its drone's worker. It never blocks the
// ingest loop: on overflow the oldest queued sample is dropped in favor of
// the new one.
func (p *Processor) Process(rec *model.TelemetryRecord) {
	q := p.queues[partition(rec.DroneID, len(p.queues))]
	for {
		select {
		case q <- rec:
			return
		default:
		}
		select {
		case <-q: // evict oldest
			tlmQueueDropped.Inc()
		default:
		}
	}
}

func partition(droneID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(droneID))
	return int(h.Sum32()) % n
}

func (p *Processor) worker(idx int) {
	defer close(p.finished[idx])
	for rec := range p.queues[idx] {
		p.handle(rec)
	}
}

func (p *Processor) handle(rec *model.TelemetryRecord) {
	// Staleness gate: a sample that sat in the network longer than the
	// threshold describes a state nobody should act on.
	latency := rec.Latency()
	if latency > p.cfg.StaleThreshold {
		tlmStale.Inc()
		return
	}

	// Monotonicity gate, keyed by drone: older samples than the newest
	// processed one are dropped with no side effects.
	if last, ok := p.lastSeen.Get(rec.DroneID); ok {
		if !rec.SentAt.After(last.(time.Time)) {
			tlmOutOfOrder.Inc()
			return
		}
	}
	p.lastSeen.SetDefault(rec.DroneID, rec.SentAt)

	tlmLatency.Observe(float64(latency.Milliseconds()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Live state and broadcast failures are logged and counted, never
	// fatal: the next sample re-converges the views within a second.
	if err := p.store.ApplyTelemetry(ctx, rec); err != nil {
		tlmStateErrors.Inc()
		log.Warnf("live state update for %s failed: %v", rec.DroneID, err)
	}

	if rec.MissionID != "" {
		if payload, err := json.Marshal(rec); err == nil {
			if err := p.store.Publish(ctx, livestate.ChannelMissionTelemetry(rec.MissionID), payload); err != nil {
				tlmStateErrors.Inc()
				log.Warnf("telemetry broadcast for %s failed: %v", rec.MissionID, err)
			}
		}
	}

	p.stream.BufferTelemetry(rec)
	for _, o := range p.observers {
		o.Observe(rec)
	}
	p.checkCriticalConditions(ctx, rec)
	tlmProcessed.Inc()
}

// checkCriticalConditions emits warning events for low battery and weak
// signal. At critically low battery it emits an RTH suggestion; whether to
// act on it is the coordinator's call, not ours.
func (p *Processor) checkCriticalConditions(ctx context.Context, rec *model.TelemetryRecord) {
	emit := func(eventType model.EventType, payload map[string]interface{}) {
		ev := model.NewMissionEvent(rec.MissionID, rec.DroneID, eventType, payload)
		p.stream.BufferEvent(ev)
		if raw, err := json.Marshal(ev); err == nil {
			if err := p.store.Publish(ctx, livestate.ChannelSystemAlerts, raw); err != nil {
				tlmStateErrors.Inc()
			}
		}
	}

	if rec.BatteryPct < batteryCriticalPct {
		emit(model.EventBatteryCritical, map[string]interface{}{
			"battery": rec.BatteryPct,
			"hint":    "return-to-home suggested",
		})
	} else if rec.BatteryPct < batteryWarnPct {
		emit(model.EventBatteryLow, map[string]interface{}{"battery": rec.BatteryPct})
	}

	if rec.Signal < signalWarnLevel {
		emit(model.EventSignalWeak, map[string]interface{}{"signal": rec.Signal})
	}
}

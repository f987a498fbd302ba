// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/model"
	"github.com/skyfleet/mission-control/pkg/telemetry"
	"github.com/skyfleet/mission-control/pkg/util/log"
)

var (
	tlmConsumed      = telemetry.NewCounter("stream_consumer", "records_consumed", nil, "Telemetry records read from the durable stream")
	tlmConsumeErrors = telemetry.NewCounter("stream_consumer", "record_errors", nil, "Stream records that could not be handled")
	tlmConsumerLag   = telemetry.NewGauge("stream_consumer", "lag_seconds", nil, "Age of the newest record in the last batch")
	tlmCompletions   = telemetry.NewCounter("stream_consumer", "mission_completions", nil, "Missions completed from stream progress")
)

// BatteryUpdater persists a drone's battery level. Implemented by the
// mission store.
type BatteryUpdater interface {
	UpdateDroneBattery(ctx context.Context, droneID string, batteryPct float64) error
}

// MissionCompleter finishes a mission. Implemented by the coordinator;
// Complete is idempotent, which is what makes at-least-once replay safe.
type MissionCompleter interface {
	Complete(ctx context.Context, missionID string) error
}

// ConsumerConfig tunes the reconciliation consumer.
type ConsumerConfig struct {
	// BatteryWriteThrottle bounds durable battery writes to one per drone
	// per interval.
	BatteryWriteThrottle time.Duration
}

// Consumer reads the telemetry topic at the group's committed offset and
// reconciles secondary state: drone battery in the durable store and mission
// completion at progress >= 100. Offsets advance only after a batch has been
// handled, so a crash replays the batch (all handlers are idempotent).
type Consumer struct {
	cfg       ConsumerConfig
	reader    Reader
	drones    BatteryUpdater
	missions  MissionCompleter
	clock     clock.Clock
	cancel    context.CancelFunc
	finished  chan struct{}
	lastWrite map[string]time.Time
}

// NewConsumer returns a Consumer over the given reader.
func NewConsumer(cfg ConsumerConfig, reader Reader, drones BatteryUpdater, missions MissionCompleter) *Consumer {
	return newConsumerWithClock(cfg, reader, drones, missions, clock.New())
}

func newConsumerWithClock(cfg ConsumerConfig, reader Reader, drones BatteryUpdater, missions MissionCompleter, clk clock.Clock) *Consumer {
	return &Consumer{
		cfg:       cfg,
		reader:    reader,
		drones:    drones,
		missions:  missions,
		clock:     clk,
		finished:  make(chan struct{}),
		lastWrite: make(map[string]time.Time),
	}
}

// Start launches the consume loop.
func (c *Consumer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	return nil
}

// Stop halts consumption. The current batch finishes and commits first.
func (c *Consumer) Stop() {
	c.cancel()
	<-c.finished
	c.reader.Close()
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.finished)
	for {
		records, err := c.reader.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("stream poll failed: %v", err)
			c.clock.Sleep(time.Second)
			continue
		}
		if len(records) == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		c.handleBatch(ctx, records)
		// Commit after the batch: a crash before this point replays it.
		if err := c.reader.Commit(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("offset commit failed, batch will replay: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) handleBatch(ctx context.Context, records []ConsumedRecord) {
	var newest time.Time
	for _, raw := range records {
		tlmConsumed.Inc()
		var rec model.TelemetryRecord
		if err := json.Unmarshal(raw.Value, &rec); err != nil {
			tlmConsumeErrors.Inc()
			log.Debugf("skipping undecodable stream record at offset %d: %v", raw.Offset, err)
			continue
		}
		if rec.SentAt.After(newest) {
			newest = rec.SentAt
		}
		c.handleRecord(ctx, &rec)
	}
	if !newest.IsZero() {
		tlmConsumerLag.Set(c.clock.Now().Sub(newest).Seconds())
	}
}

func (c *Consumer) handleRecord(ctx context.Context, rec *model.TelemetryRecord) {
	now := c.clock.Now()
	if last, ok := c.lastWrite[rec.DroneID]; !ok || now.Sub(last) >= c.cfg.BatteryWriteThrottle {
		if err := c.drones.UpdateDroneBattery(ctx, rec.DroneID, rec.BatteryPct); err != nil {
			tlmConsumeErrors.Inc()
			log.Warnf("battery update for %s failed: %v", rec.DroneID, err)
		} else {
			c.lastWrite[rec.DroneID] = now
		}
	}

	if rec.ProgressPct >= 100 && rec.MissionID != "" {
		switch err := c.missions.Complete(ctx, rec.MissionID); {
		case err == nil:
			tlmCompletions.Inc()
		case errors.IsConflict(err):
			// Not IN_PROGRESS: a stale or replayed record, not a fault.
			log.Debugf("skipping completion of mission %s: %v", rec.MissionID, err)
		default:
			tlmConsumeErrors.Inc()
			log.Warnf("completing mission %s failed: %v", rec.MissionID, err)
		}
	}
}

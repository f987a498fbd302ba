// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfleet/mission-control/pkg/model"
)

// fakeSender collects produced batches and can be told to fail.
type fakeSender struct {
	mu       sync.Mutex
	batches  [][]Record
	calls    int
	failures int // number of Produce calls to fail before succeeding
}

func (f *fakeSender) Produce(_ context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("broker down")
	}
	batch := make([]Record, len(records))
	copy(batch, records)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSender) Close() {}

func (f *fakeSender) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeSender) produceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fixedRetry replaces the exponential policy with a constant delay.
type fixedRetry time.Duration

func (f fixedRetry) NextBackOff() time.Duration { return time.Duration(f) }
func (fixedRetry) Reset()                       {}

func (f *fakeSender) allRecords() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func testConfig() PublisherConfig {
	return PublisherConfig{
		TopicTelemetry: "telemetry",
		TopicCommands:  "commands",
		TopicEvents:    "events",
		BatchSize:      3,
		FlushInterval:  time.Second,
		RetryBudget:    2,
	}
}

func telemetryRec(droneID string) *model.TelemetryRecord {
	return &model.TelemetryRecord{
		DroneID:   droneID,
		MissionID: "m1",
		SentAt:    time.Now().UTC(),
		Lat:       48, Lon: 16, BatteryPct: 50,
	}
}

func TestPublisherFlushesFullBatch(t *testing.T) {
	sender := &fakeSender{}
	p := NewPublisher(testConfig(), sender)
	require.NoError(t, p.Start())

	for i := 0; i < 3; i++ {
		p.BufferTelemetry(telemetryRec("d1"))
	}

	require.Eventually(t, func() bool { return sender.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	p.Stop()

	records := sender.allRecords()
	require.Len(t, records, 3)
	assert.Equal(t, "telemetry", records[0].Topic)
	assert.Equal(t, "d1", records[0].Key)
}

func TestPublisherFlushesOnInterval(t *testing.T) {
	sender := &fakeSender{}
	clk := clock.NewMock()
	p := newPublisherWithClock(testConfig(), sender, clk)
	require.NoError(t, p.Start())
	defer p.Stop()

	p.BufferEvent(model.NewMissionEvent("m1", "d1", model.EventMissionCreated, nil))

	// Below the batch size: nothing goes out until the ticker fires.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sender.batchCount())

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return sender.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "events", sender.allRecords()[0].Topic)
	assert.Equal(t, "m1", sender.allRecords()[0].Key)
}

func TestPublisherRequeuesFailedBatchAtHead(t *testing.T) {
	sender := &fakeSender{failures: 1}
	clk := clock.NewMock()
	p := newPublisherWithClock(testConfig(), sender, clk)
	p.retryWait = fixedRetry(0) // one attempt per tick
	require.NoError(t, p.Start())
	defer p.Stop()

	p.BufferCommand(&model.CommandRecord{CommandID: "c1", DroneID: "d1", Action: model.ActionStart})
	time.Sleep(20 * time.Millisecond)
	clk.Add(time.Second) // first flush fails, batch re-queued
	p.BufferCommand(&model.CommandRecord{CommandID: "c2", DroneID: "d1", Action: model.ActionPause})
	time.Sleep(20 * time.Millisecond)
	clk.Add(time.Second) // retry succeeds, then the new buffer flushes

	require.Eventually(t, func() bool { return len(sender.allRecords()) == 2 }, 2*time.Second, 10*time.Millisecond)
	records := sender.allRecords()
	// Head retry preserves order: c1 before c2.
	assert.Contains(t, string(records[0].Value), `"commandId":"c1"`)
	assert.Contains(t, string(records[1].Value), `"commandId":"c2"`)
}

func TestPublisherDropsBatchAfterRetryBudget(t *testing.T) {
	sender := &fakeSender{failures: 10}
	clk := clock.NewMock()
	cfg := testConfig()
	p := newPublisherWithClock(cfg, sender, clk)
	p.retryWait = fixedRetry(0) // one attempt per tick
	require.NoError(t, p.Start())
	defer p.Stop()

	before := tlmRecordsDropped.Get("telemetry", "retry_budget")
	p.BufferTelemetry(telemetryRec("d1"))

	// Each tick is one attempt; budget 2 means the batch dies on the third.
	for i := 0; i < 4; i++ {
		clk.Add(time.Second)
		time.Sleep(20 * time.Millisecond)
	}

	assert.Zero(t, sender.batchCount())
	assert.Equal(t, before+1, tlmRecordsDropped.Get("telemetry", "retry_budget"))

	// A later record still goes through once the broker recovers.
	sender.mu.Lock()
	sender.failures = 0
	sender.mu.Unlock()
	p.BufferTelemetry(telemetryRec("d2"))
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return sender.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPublisherSpacesRetriesWithBackoff(t *testing.T) {
	sender := &fakeSender{failures: 1}
	clk := clock.NewMock()
	p := newPublisherWithClock(testConfig(), sender, clk)
	p.retryWait = fixedRetry(5 * time.Second)
	require.NoError(t, p.Start())
	defer p.Stop()

	p.BufferTelemetry(telemetryRec("d1"))
	time.Sleep(20 * time.Millisecond)
	clk.Add(time.Second) // first attempt fails, next one gated 5 s out
	require.Eventually(t, func() bool { return sender.produceCalls() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Flush ticks inside the backoff window must not retry.
	for i := 0; i < 3; i++ {
		clk.Add(time.Second)
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, 1, sender.produceCalls())
	assert.Zero(t, sender.batchCount())

	// Past the delay the retry goes out and succeeds.
	clk.Add(2 * time.Second)
	require.Eventually(t, func() bool { return sender.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, sender.produceCalls())
}

func TestPublisherStopFlushesRemainder(t *testing.T) {
	sender := &fakeSender{}
	p := NewPublisher(testConfig(), sender)
	require.NoError(t, p.Start())

	p.BufferTelemetry(telemetryRec("d1"))
	p.Stop()

	require.Equal(t, 1, sender.batchCount())
}

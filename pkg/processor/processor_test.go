// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfleet/mission-control/pkg/model"
)

type fakeStore struct {
	mu        sync.Mutex
	applied   []*model.TelemetryRecord
	published map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{published: make(map[string]int)}
}

func (f *fakeStore) ApplyTelemetry(_ context.Context, rec *model.TelemetryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, rec)
	return nil
}

func (f *fakeStore) Publish(_ context.Context, channel string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel]++
	return nil
}

func (f *fakeStore) appliedRecords() []*model.TelemetryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.TelemetryRecord(nil), f.applied...)
}

func (f *fakeStore) publishCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[channel]
}

type fakeStream struct {
	mu       sync.Mutex
	buffered []*model.TelemetryRecord
	events   []model.MissionEvent
}

func (f *fakeStream) BufferTelemetry(rec *model.TelemetryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffered = append(f.buffered, rec)
}

func (f *fakeStream) BufferEvent(ev model.MissionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeStream) eventTypes() []model.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EventType
	for _, ev := range f.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (f *fakeStream) bufferedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffered)
}

func testProcessor(t *testing.T, store *fakeStore, stream *fakeStream) *Processor {
	t.Helper()
	p := New(Config{Workers: 4, QueueSize: 16, StaleThreshold: 60 * time.Second}, store, stream)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p
}

func record(droneID string, sentAt time.Time) *model.TelemetryRecord {
	return &model.TelemetryRecord{
		DroneID:     droneID,
		MissionID:   "m1",
		SentAt:      sentAt,
		ReceivedAt:  time.Now().UTC(),
		Lat:         48.2,
		Lon:         16.3,
		BatteryPct:  80,
		ProgressPct: 50,
		Signal:      60,
		Status:      "flying",
	}
}

func TestProcessAcceptedRecordSideEffects(t *testing.T) {
	store := newFakeStore()
	stream := &fakeStream{}
	p := testProcessor(t, store, stream)

	p.Process(record("d1", time.Now().UTC()))

	// Exactly one live-state apply, one broadcast, one stream append.
	require.Eventually(t, func() bool { return len(store.appliedRecords()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.publishCount("mission:m1:telemetry"))
	assert.Equal(t, 1, stream.bufferedCount())
	assert.Empty(t, stream.eventTypes())
}

func TestProcessDropsOutOfOrderSample(t *testing.T) {
	store := newFakeStore()
	stream := &fakeStream{}
	p := testProcessor(t, store, stream)

	now := time.Now().UTC()
	before := tlmOutOfOrder.Get()
	p.Process(record("d1", now))
	p.Process(record("d1", now.Add(-2*time.Second))) // late sample

	require.Eventually(t, func() bool { return tlmOutOfOrder.Get() == before+1 }, 2*time.Second, 10*time.Millisecond)
	// The late sample produced no writes at all.
	assert.Len(t, store.appliedRecords(), 1)
	assert.Equal(t, 1, store.publishCount("mission:m1:telemetry"))
	assert.Equal(t, 1, stream.bufferedCount())
}

func TestProcessDropsStaleSample(t *testing.T) {
	store := newFakeStore()
	stream := &fakeStream{}
	p := testProcessor(t, store, stream)

	before := tlmStale.Get()
	rec := record("d1", time.Now().UTC().Add(-2*time.Minute))
	p.Process(rec)

	require.Eventually(t, func() bool { return tlmStale.Get() == before+1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, store.appliedRecords())
}

func TestPerDroneOrderingPreserved(t *testing.T) {
	store := newFakeStore()
	stream := &fakeStream{}
	p := testProcessor(t, store, stream)

	base := time.Now().UTC()
	const n = 50
	for i := 0; i < n; i++ {
		p.Process(record("d1", base.Add(time.Duration(i)*time.Millisecond)))
	}

	require.Eventually(t, func() bool { return len(store.appliedRecords()) == n }, 5*time.Second, 10*time.Millisecond)
	applied := store.appliedRecords()
	for i := 1; i < len(applied); i++ {
		assert.True(t, applied[i].SentAt.After(applied[i-1].SentAt),
			"sample %d processed out of order", i)
	}
}

func TestIdleDroneSkipsMissionBroadcast(t *testing.T) {
	store := newFakeStore()
	stream := &fakeStream{}
	p := testProcessor(t, store, stream)

	rec := record("d1", time.Now().UTC())
	rec.MissionID = ""
	p.Process(rec)

	require.Eventually(t, func() bool { return len(store.appliedRecords()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, store.publishCount("mission::telemetry"))
}

func TestCriticalConditionEvents(t *testing.T) {
	tests := []struct {
		name    string
		battery float64
		signal  float64
		want    []model.EventType
	}{
		{"healthy", 50, 60, nil},
		{"battery at warn threshold", 15, 60, nil},
		{"battery below warn", 14.9, 60, []model.EventType{model.EventBatteryLow}},
		{"battery below critical", 4, 60, []model.EventType{model.EventBatteryCritical}},
		{"weak signal", 50, 19, []model.EventType{model.EventSignalWeak}},
		{"battery and signal", 10, 10, []model.EventType{model.EventBatteryLow, model.EventSignalWeak}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			stream := &fakeStream{}
			p := testProcessor(t, store, stream)

			rec := record("d1", time.Now().UTC())
			rec.BatteryPct = tt.battery
			rec.Signal = tt.signal
			p.Process(rec)

			require.Eventually(t, func() bool { return len(store.appliedRecords()) == 1 }, 2*time.Second, 10*time.Millisecond)
			require.Eventually(t, func() bool { return len(stream.eventTypes()) == len(tt.want) }, 2*time.Second, 10*time.Millisecond)
			assert.Equal(t, tt.want, stream.eventTypes())
			assert.Equal(t, len(tt.want), store.publishCount("system:alerts"))
		})
	}
}

func TestQueueOverflowPrefersFreshness(t *testing.T) {
	store := newFakeStore()
	stream := &fakeStream{}
	// A single worker with a tiny queue, not started: everything queues up.
	p := New(Config{Workers: 1, QueueSize: 2, StaleThreshold: time.Minute}, store, stream)

	base := time.Now().UTC()
	before := tlmQueueDropped.Get()
	for i := 0; i < 5; i++ {
		p.Process(record("d1", base.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, before+3, tlmQueueDropped.Get())

	require.NoError(t, p.Start())
	p.Stop()

	// The two freshest samples survived.
	applied := store.appliedRecords()
	require.Len(t, applied, 2)
	assert.Equal(t, base.Add(3*time.Second), applied[0].SentAt)
	assert.Equal(t, base.Add(4*time.Second), applied[1].SentAt)
}

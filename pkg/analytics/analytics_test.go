// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/model"
)

type fakeMissions struct {
	mu       sync.Mutex
	missions map[string]*model.Mission
	calls    int
}

func (f *fakeMissions) Get(_ context.Context, id string) (*model.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	m, ok := f.missions[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "mission %s not found", id)
	}
	return m, nil
}

func (f *fakeMissions) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDrones struct {
	mu     sync.Mutex
	drones map[string]*model.Drone
	calls  int
}

func (f *fakeDrones) GetDrone(_ context.Context, id string) (*model.Drone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	d, ok := f.drones[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "drone %s not found", id)
	}
	return d, nil
}

func (f *fakeDrones) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBroadcast struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func newFakeBroadcast() *fakeBroadcast {
	return &fakeBroadcast{payloads: make(map[string][][]byte)}
}

func (f *fakeBroadcast) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[channel] = append(f.payloads[channel], payload)
	return nil
}

func (f *fakeBroadcast) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads[channel])
}

func (f *fakeBroadcast) last(channel string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.payloads[channel]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []*DroneMetrics
}

func (f *fakeRecorder) RecordDroneMetrics(_ context.Context, m *DroneMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, m)
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func sample(droneID, missionID string) *model.TelemetryRecord {
	return &model.TelemetryRecord{
		DroneID:    droneID,
		MissionID:  missionID,
		SentAt:     time.Now().UTC(),
		Lat:        48.2000,
		Lon:        16.3000,
		AltM:       50,
		SpeedMPS:   10,
		BatteryPct: 80,
		Signal:     -60,
		Status:     "flying",
	}
}

func testMission() *model.Mission {
	return &model.Mission{
		ID:      "m1",
		OrgID:   "org1",
		DroneID: "d1",
		Status:  model.MissionInProgress,
		Parameters: model.FlightParameters{
			AltitudeM: 50,
			SpeedMPS:  10,
		},
		Waypoints: []model.Waypoint{
			{Lat: 48.2000, Lng: 16.3000, AltM: 50},
			{Lat: 48.2100, Lng: 16.3100, AltM: 50}, // far away, never visited
		},
	}
}

func TestDeriveAlertThresholds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.TelemetryRecord)
		want   []Alert
	}{
		{"healthy", func(*model.TelemetryRecord) {}, nil},
		{"battery at high threshold", func(r *model.TelemetryRecord) { r.BatteryPct = 20 }, nil},
		{"battery below high threshold", func(r *model.TelemetryRecord) { r.BatteryPct = 19 },
			[]Alert{{Type: "battery_low", Severity: SeverityHigh, Value: 19}}},
		{"battery below critical threshold", func(r *model.TelemetryRecord) { r.BatteryPct = 9 },
			[]Alert{{Type: "battery_low", Severity: SeverityCritical, Value: 9}}},
		{"altitude high", func(r *model.TelemetryRecord) { r.AltM = 151 },
			[]Alert{{Type: "altitude_high", Severity: SeverityMedium, Value: 151}}},
		{"speed high", func(r *model.TelemetryRecord) { r.SpeedMPS = 21 },
			[]Alert{{Type: "speed_high", Severity: SeverityMedium, Value: 21}}},
		{"weak signal", func(r *model.TelemetryRecord) { r.Signal = -81 },
			[]Alert{{Type: "signal_weak", Severity: SeverityHigh, Value: -81}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := sample("d1", "m1")
			tt.mutate(rec)
			assert.Equal(t, tt.want, deriveAlerts(rec))
		})
	}
}

func TestEfficiencyWeights(t *testing.T) {
	m := testMission()

	// Perfect conformance, full battery.
	rec := sample("d1", "m1")
	rec.BatteryPct = 100
	assert.InDelta(t, 100, efficiency(rec, m), 0.001)

	// Battery is the only detractor: 0.4*100 + 0.3*100 + 0.3*50.
	rec.BatteryPct = 50
	assert.InDelta(t, 85, efficiency(rec, m), 0.001)

	// Speed twice the plan zeroes the speed term.
	rec.SpeedMPS = 20
	rec.BatteryPct = 100
	assert.InDelta(t, 60, efficiency(rec, m), 0.001)

	// No plan: conformance terms count as full.
	rec = sample("d1", "")
	rec.BatteryPct = 40
	assert.InDelta(t, 82, efficiency(rec, nil), 0.001)
}

func TestCoverageTracksVisitedWaypoints(t *testing.T) {
	missions := &fakeMissions{missions: map[string]*model.Mission{"m1": testMission()}}
	e := New(5*time.Second, missions, &fakeDrones{}, newFakeBroadcast(), nil)

	// First waypoint sits at the sample position; the second is ~1.3 km out.
	e.Observe(sample("d1", "m1"))
	assert.InDelta(t, 50, e.coverage(testMission()), 0.001)

	// Re-observing the same spot does not double count.
	e.Observe(sample("d1", "m1"))
	assert.InDelta(t, 50, e.coverage(testMission()), 0.001)
}

func TestCoverageZeroWaypoints(t *testing.T) {
	m := testMission()
	m.Waypoints = nil
	missions := &fakeMissions{missions: map[string]*model.Mission{"m1": m}}
	e := New(5*time.Second, missions, &fakeDrones{}, newFakeBroadcast(), nil)

	e.Observe(sample("d1", "m1"))
	assert.Zero(t, e.coverage(m))
}

func TestTickBroadcastsAllChannels(t *testing.T) {
	missions := &fakeMissions{missions: map[string]*model.Mission{"m1": testMission()}}
	broadcast := newFakeBroadcast()
	recorder := &fakeRecorder{}
	clk := clock.NewMock()
	e := newWithClock(5*time.Second, missions, &fakeDrones{}, broadcast, recorder, clk)
	require.NoError(t, e.Start())
	defer e.Stop()

	rec := sample("d1", "m1")
	rec.ProgressPct = 42
	e.Observe(rec)

	time.Sleep(20 * time.Millisecond)
	clk.Add(5 * time.Second)

	require.Eventually(t, func() bool { return broadcast.count(ChannelDroneMetrics) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, broadcast.count(ChannelMissionProgress))
	assert.Equal(t, 1, broadcast.count(ChannelFleetStatus))
	assert.Equal(t, 1, recorder.count(), "one persisted row per drone per tick")

	var dm DroneMetrics
	require.NoError(t, json.Unmarshal(broadcast.last(ChannelDroneMetrics), &dm))
	assert.Equal(t, "d1", dm.DroneID)
	assert.InDelta(t, 50, dm.CoveragePct, 0.001)

	var mp MissionProgress
	require.NoError(t, json.Unmarshal(broadcast.last(ChannelMissionProgress), &mp))
	assert.Equal(t, "m1", mp.MissionID)
	assert.InDelta(t, 42, mp.ProgressPct, 0.001)

	var fs FleetStatus
	require.NoError(t, json.Unmarshal(broadcast.last(ChannelFleetStatus), &fs))
	assert.Equal(t, "org1", fs.OrgID)
	assert.Equal(t, 1, fs.Drones)
	assert.Equal(t, map[string]int{"flying": 1}, fs.ByStatus)
	assert.InDelta(t, 80, fs.MeanBattery, 0.001)
}

func TestTickAggregatesFleetPerOrg(t *testing.T) {
	m2 := testMission()
	m2.ID = "m2"
	m2.DroneID = "d2"
	missions := &fakeMissions{missions: map[string]*model.Mission{"m1": testMission(), "m2": m2}}
	broadcast := newFakeBroadcast()
	clk := clock.NewMock()
	e := newWithClock(5*time.Second, missions, &fakeDrones{}, broadcast, nil, clk)
	require.NoError(t, e.Start())
	defer e.Stop()

	a := sample("d1", "m1")
	a.BatteryPct = 90
	b := sample("d2", "m2")
	b.BatteryPct = 50
	b.Status = "returning"
	e.Observe(a)
	e.Observe(b)

	time.Sleep(20 * time.Millisecond)
	clk.Add(5 * time.Second)

	// Both drones belong to org1: one fleet payload.
	require.Eventually(t, func() bool { return broadcast.count(ChannelFleetStatus) == 1 }, 2*time.Second, 10*time.Millisecond)

	var fs FleetStatus
	require.NoError(t, json.Unmarshal(broadcast.last(ChannelFleetStatus), &fs))
	assert.Equal(t, 2, fs.Drones)
	assert.InDelta(t, 70, fs.MeanBattery, 0.001)
	assert.Equal(t, map[string]int{"flying": 1, "returning": 1}, fs.ByStatus)
}

func TestTickSkipsIdleDroneMissionOutputs(t *testing.T) {
	broadcast := newFakeBroadcast()
	clk := clock.NewMock()
	e := newWithClock(5*time.Second, &fakeMissions{missions: map[string]*model.Mission{}}, &fakeDrones{}, broadcast, nil, clk)
	require.NoError(t, e.Start())
	defer e.Stop()

	e.Observe(sample("d1", ""))

	time.Sleep(20 * time.Millisecond)
	clk.Add(5 * time.Second)

	require.Eventually(t, func() bool { return broadcast.count(ChannelDroneMetrics) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, broadcast.count(ChannelMissionProgress))
	assert.Zero(t, broadcast.count(ChannelFleetStatus), "unknown drone, no org to attribute")
}

func TestFleetCountsIdleDrones(t *testing.T) {
	// An idle drone has no mission to derive the org from; the drone
	// record covers it.
	drones := &fakeDrones{drones: map[string]*model.Drone{
		"d1": {ID: "d1", OrgID: "org1", Status: model.DroneAvailable},
	}}
	broadcast := newFakeBroadcast()
	clk := clock.NewMock()
	e := newWithClock(5*time.Second, &fakeMissions{missions: map[string]*model.Mission{}}, drones, broadcast, nil, clk)
	require.NoError(t, e.Start())
	defer e.Stop()

	idle := sample("d1", "")
	idle.Status = "idle"
	e.Observe(idle)

	time.Sleep(20 * time.Millisecond)
	clk.Add(5 * time.Second)

	require.Eventually(t, func() bool { return broadcast.count(ChannelFleetStatus) == 1 }, 2*time.Second, 10*time.Millisecond)

	var fs FleetStatus
	require.NoError(t, json.Unmarshal(broadcast.last(ChannelFleetStatus), &fs))
	assert.Equal(t, "org1", fs.OrgID)
	assert.Equal(t, 1, fs.Drones)
	assert.Equal(t, map[string]int{"idle": 1}, fs.ByStatus)

	// The org resolution is cached, not re-queried per tick.
	clk.Add(5 * time.Second)
	require.Eventually(t, func() bool { return broadcast.count(ChannelFleetStatus) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, drones.callCount())
}

func TestPruneVisitedOnTerminalMission(t *testing.T) {
	missions := &fakeMissions{missions: map[string]*model.Mission{"m1": testMission()}}
	e := New(5*time.Second, missions, &fakeDrones{}, newFakeBroadcast(), nil)

	e.Observe(sample("d1", "m1"))
	e.mu.Lock()
	_, tracked := e.visited["m1"]
	e.mu.Unlock()
	require.True(t, tracked)

	// The mission ends; once the cached plan expires it reloads as
	// terminal and the waypoint state goes with it.
	done := testMission()
	done.Status = model.MissionCompleted
	missions.mu.Lock()
	missions.missions["m1"] = done
	missions.mu.Unlock()
	e.plans.Flush()

	e.tick()

	e.mu.Lock()
	_, tracked = e.visited["m1"]
	e.mu.Unlock()
	assert.False(t, tracked, "terminal mission keeps no waypoint state")
}

func TestDroneBudgetAbandonsDerivation(t *testing.T) {
	missions := &fakeMissions{missions: map[string]*model.Mission{"m1": testMission()}}
	broadcast := newFakeBroadcast()
	e := New(5*time.Second, missions, &fakeDrones{}, broadcast, nil)
	e.droneBudget = -time.Nanosecond // every derivation blows the budget

	e.Observe(sample("d1", "m1"))
	before := tlmOverBudget.Get()
	e.tick()

	assert.Zero(t, broadcast.count(ChannelDroneMetrics), "abandoned drones publish nothing")
	assert.Zero(t, broadcast.count(ChannelMissionProgress))
	assert.Zero(t, broadcast.count(ChannelFleetStatus))
	assert.Equal(t, before+1, tlmOverBudget.Get())
}

func TestMissionLookupFailureIsCachedBriefly(t *testing.T) {
	missions := &fakeMissions{missions: map[string]*model.Mission{}}
	e := New(5*time.Second, missions, &fakeDrones{}, newFakeBroadcast(), nil)

	e.Observe(sample("d1", "ghost"))
	e.Observe(sample("d1", "ghost"))
	e.Observe(sample("d1", "ghost"))

	assert.Equal(t, 1, missions.callCount(), "a failed lookup must not hit the store per sample")
}

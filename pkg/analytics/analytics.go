// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package analytics derives per-drone, per-mission and per-fleet metrics
// from the live telemetry flow on a fixed tick, independent of ingress rate.
// The formulas are deliberately simple and deterministic; the contract is
// the shape of the output, not the model behind it.
package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gocache "github.com/patrickmn/go-cache"

	"github.com/skyfleet/mission-control/pkg/flightplan"
	"github.com/skyfleet/mission-control/pkg/model"
	"github.com/skyfleet/mission-control/pkg/telemetry"
	"github.com/skyfleet/mission-control/pkg/util/log"
)

// Broadcast channels consumed by the websocket fan-out.
const (
	ChannelDroneMetrics    = "drone_metrics"
	ChannelMissionProgress = "mission_progress"
	ChannelFleetStatus     = "fleet_status"
)

// Alert severities.
const (
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	sampleWindow    = 5 * time.Minute
	waypointRadiusM = 10.0
	droneSoftBudget = 100 * time.Millisecond
	// lookupMissTTL caches failed mission/drone lookups so a hot telemetry
	// flow for an unknown id does not become a store query per sample.
	lookupMissTTL = 5 * time.Second
)

var (
	tlmTicks       = telemetry.NewCounter("analytics", "ticks", nil, "Analytics ticks executed")
	tlmTickErrors  = telemetry.NewCounter("analytics", "tick_errors", nil, "Per-drone derivations that failed")
	tlmOverBudget  = telemetry.NewCounter("analytics", "drone_over_budget", nil, "Per-drone derivations exceeding the soft budget")
	tlmDroneMillis = telemetry.NewHistogram("analytics", "drone_derive_ms", nil,
		"Per-drone derivation time in ms", []float64{1, 5, 10, 25, 50, 100, 250})
)

// Alert is a threshold breach on the latest sample.
type Alert struct {
	Type     string  `json:"type"`
	Severity string  `json:"severity"`
	Value    float64 `json:"value"`
}

// DroneMetrics is the per-drone output of one tick.
type DroneMetrics struct {
	DroneID     string    `json:"drone_id"`
	MissionID   string    `json:"mission_id,omitempty"`
	Efficiency  float64   `json:"efficiency"`
	CoveragePct float64   `json:"coverage_pct"`
	BatteryPct  float64   `json:"battery_pct"`
	SpeedMPS    float64   `json:"speed"`
	AltitudeM   float64   `json:"altitude"`
	Alerts      []Alert   `json:"alerts,omitempty"`
	ComputedAt  time.Time `json:"computed_at"`
}

// MissionProgress is the per-mission output of one tick.
type MissionProgress struct {
	MissionID   string    `json:"mission_id"`
	DroneID     string    `json:"drone_id"`
	ProgressPct float64   `json:"progress_pct"`
	CoveragePct float64   `json:"coverage_pct"`
	Efficiency  float64   `json:"efficiency"`
	ComputedAt  time.Time `json:"computed_at"`
}

// FleetStatus is the per-org aggregate of one tick.
type FleetStatus struct {
	OrgID        string         `json:"org_id"`
	Drones       int            `json:"drones"`
	ByStatus     map[string]int `json:"by_status"`
	MeanBattery  float64        `json:"mean_battery"`
	ActiveAlerts int            `json:"active_alerts"`
	ComputedAt   time.Time      `json:"computed_at"`
}

// MissionProvider resolves the planned envelope a drone is measured against.
type MissionProvider interface {
	Get(ctx context.Context, id string) (*model.Mission, error)
}

// DroneProvider resolves drone records, used to attribute idle drones (no
// mission to derive the org from) to their org's fleet aggregate.
type DroneProvider interface {
	GetDrone(ctx context.Context, id string) (*model.Drone, error)
}

// Broadcaster publishes derived metrics for the fan-out layer.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Recorder persists derived metrics. May be nil; persistence is a side
// effect, never a gate.
type Recorder interface {
	RecordDroneMetrics(ctx context.Context, m *DroneMetrics) error
}

// Engine holds the rolling sample state and runs the tick.
type Engine struct {
	missions  MissionProvider
	drones    DroneProvider
	broadcast Broadcaster
	recorder  Recorder
	clock     clock.Clock
	interval  time.Duration

	// droneBudget bounds one drone's derivation per tick; beyond it the
	// drone is abandoned and retried next tick.
	droneBudget time.Duration

	// latest sample per drone, evicted after the sample window.
	latest *gocache.Cache
	// cached mission plans, refreshed lazily.
	plans *gocache.Cache
	// cached drone org ids for fleet attribution.
	orgs *gocache.Cache

	// visited waypoint indexes per mission, dropped once the mission is
	// observed terminal.
	mu      sync.Mutex
	visited map[string]map[int]bool

	stop     chan struct{}
	finished chan struct{}
}

// New returns an Engine ticking at interval.
func New(interval time.Duration, missions MissionProvider, drones DroneProvider, broadcast Broadcaster, recorder Recorder) *Engine {
	return newWithClock(interval, missions, drones, broadcast, recorder, clock.New())
}

func newWithClock(interval time.Duration, missions MissionProvider, drones DroneProvider, broadcast Broadcaster, recorder Recorder, clk clock.Clock) *Engine {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Engine{
		missions:    missions,
		drones:      drones,
		broadcast:   broadcast,
		recorder:    recorder,
		clock:       clk,
		interval:    interval,
		droneBudget: droneSoftBudget,
		latest:      gocache.New(sampleWindow, time.Minute),
		plans:       gocache.New(time.Minute, 5*time.Minute),
		orgs:        gocache.New(time.Minute, 5*time.Minute),
		visited:     make(map[string]map[int]bool),
		stop:        make(chan struct{}),
		finished:    make(chan struct{}),
	}
}

// Observe feeds one accepted telemetry sample into the rolling state.
// Called from the processor workers; must stay cheap.
func (e *Engine) Observe(rec *model.TelemetryRecord) {
	e.latest.SetDefault(rec.DroneID, rec)
	if rec.MissionID == "" {
		return
	}
	m := e.mission(rec.MissionID)
	if m == nil || len(m.Waypoints) == 0 || m.Status.IsTerminal() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := e.visited[rec.MissionID]
	if seen == nil {
		seen = make(map[int]bool)
		e.visited[rec.MissionID] = seen
	}
	for i, wp := range m.Waypoints {
		if seen[i] {
			continue
		}
		if flightplan.HaversineM(rec.Lat, rec.Lon, wp.Lat, wp.Lng) <= waypointRadiusM {
			seen[i] = true
		}
	}
}

// Start launches the tick loop.
func (e *Engine) Start() error {
	go e.run()
	return nil
}

// Stop halts the tick loop.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.finished
}

func (e *Engine) run() {
	defer close(e.finished)
	ticker := e.clock.Ticker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.tick()
		case <-e.stop:
			return
		}
	}
}

// tick derives and broadcasts metrics for every drone seen in the window.
// Errors are logged and the tick proceeds; the next one starts fresh.
func (e *Engine) tick() {
	tlmTicks.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), e.interval)
	defer cancel()

	now := time.Now().UTC()
	fleets := make(map[string]*FleetStatus)

	for droneID, item := range e.latest.Items() {
		rec, ok := item.Object.(*model.TelemetryRecord)
		if !ok {
			continue
		}
		start := e.clock.Now()
		metrics, ok := e.deriveDrone(rec, now, start.Add(e.droneBudget))
		elapsed := e.clock.Since(start)
		tlmDroneMillis.Observe(float64(elapsed.Milliseconds()))
		if !ok {
			tlmOverBudget.Inc()
			log.Warnf("abandoning analytics for drone %s after %s, retrying next tick", droneID, elapsed)
			continue
		}

		e.publish(ctx, ChannelDroneMetrics, metrics)
		if metrics.MissionID != "" {
			e.publish(ctx, ChannelMissionProgress, &MissionProgress{
				MissionID:   metrics.MissionID,
				DroneID:     metrics.DroneID,
				ProgressPct: rec.ProgressPct,
				CoveragePct: metrics.CoveragePct,
				Efficiency:  metrics.Efficiency,
				ComputedAt:  now,
			})
		}
		if e.recorder != nil {
			if err := e.recorder.RecordDroneMetrics(ctx, metrics); err != nil {
				tlmTickErrors.Inc()
				log.Warnf("persisting metrics for drone %s failed: %v", droneID, err)
			}
		}

		e.accumulateFleet(fleets, rec, metrics, now)
	}

	for _, fleet := range fleets {
		e.publish(ctx, ChannelFleetStatus, fleet)
	}

	e.pruneVisited()
}

// pruneVisited drops waypoint state for missions observed terminal, so the
// map tracks only live missions. Detection rides the plan cache: once the
// cached plan expires and the mission reloads as terminal, the entry goes.
func (e *Engine) pruneVisited() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.visited))
	for id := range e.visited {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		m := e.mission(id)
		if m == nil || !m.Status.IsTerminal() {
			continue
		}
		e.mu.Lock()
		delete(e.visited, id)
		e.mu.Unlock()
	}
}

// deriveDrone computes efficiency, coverage and alerts from the drone's
// latest sample against its mission's planned envelope. Past the deadline
// the derivation is abandoned; ok reports whether it ran to completion.
func (e *Engine) deriveDrone(rec *model.TelemetryRecord, now, deadline time.Time) (_ *DroneMetrics, ok bool) {
	out := &DroneMetrics{
		DroneID:    rec.DroneID,
		MissionID:  rec.MissionID,
		BatteryPct: rec.BatteryPct,
		SpeedMPS:   rec.SpeedMPS,
		AltitudeM:  rec.AltM,
		Alerts:     deriveAlerts(rec),
		ComputedAt: now,
	}

	var m *model.Mission
	if rec.MissionID != "" {
		m = e.mission(rec.MissionID)
	}
	out.Efficiency = efficiency(rec, m)
	if e.clock.Now().After(deadline) {
		return nil, false
	}
	if m != nil {
		out.CoveragePct = e.coverage(m)
	}
	return out, true
}

// efficiency is the weighted mean of speed conformance (0.4), altitude
// conformance (0.3) and battery (0.3), each in [0,100]. Without a planned
// envelope the conformance terms count as full.
func efficiency(rec *model.TelemetryRecord, m *model.Mission) float64 {
	speedScore, altScore := 100.0, 100.0
	if m != nil {
		speedScore = conformance(rec.SpeedMPS, m.Parameters.SpeedMPS)
		altScore = conformance(rec.AltM, m.Parameters.AltitudeM)
	}
	battery := clamp(rec.BatteryPct, 0, 100)
	return 0.4*speedScore + 0.3*altScore + 0.3*battery
}

// conformance maps relative deviation from the planned value onto [0,100]:
// spot on scores 100, off by the planned value or more scores 0.
func conformance(actual, planned float64) float64 {
	if planned <= 0 {
		return 100
	}
	dev := actual - planned
	if dev < 0 {
		dev = -dev
	}
	return clamp(100*(1-dev/planned), 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// coverage is the fraction of plan waypoints a sample has come within 10 m
// of, as a percentage. A plan with no waypoints has zero coverage.
func (e *Engine) coverage(m *model.Mission) float64 {
	if len(m.Waypoints) == 0 {
		return 0
	}
	e.mu.Lock()
	seen := len(e.visited[m.ID])
	e.mu.Unlock()
	return 100 * float64(seen) / float64(len(m.Waypoints))
}

func deriveAlerts(rec *model.TelemetryRecord) []Alert {
	var alerts []Alert
	switch {
	case rec.BatteryPct < 10:
		alerts = append(alerts, Alert{Type: "battery_low", Severity: SeverityCritical, Value: rec.BatteryPct})
	case rec.BatteryPct < 20:
		alerts = append(alerts, Alert{Type: "battery_low", Severity: SeverityHigh, Value: rec.BatteryPct})
	}
	if rec.AltM > 150 {
		alerts = append(alerts, Alert{Type: "altitude_high", Severity: SeverityMedium, Value: rec.AltM})
	}
	if rec.SpeedMPS > 20 {
		alerts = append(alerts, Alert{Type: "speed_high", Severity: SeverityMedium, Value: rec.SpeedMPS})
	}
	if rec.Signal < -80 {
		alerts = append(alerts, Alert{Type: "signal_weak", Severity: SeverityHigh, Value: rec.Signal})
	}
	return alerts
}

func (e *Engine) accumulateFleet(fleets map[string]*FleetStatus, rec *model.TelemetryRecord, metrics *DroneMetrics, now time.Time) {
	orgID := ""
	if rec.MissionID != "" {
		if m := e.mission(rec.MissionID); m != nil {
			orgID = m.OrgID
		}
	}
	if orgID == "" {
		// Idle drone: the drone record is the org source.
		orgID = e.droneOrg(rec.DroneID)
	}
	if orgID == "" {
		return
	}
	fleet := fleets[orgID]
	if fleet == nil {
		fleet = &FleetStatus{OrgID: orgID, ByStatus: make(map[string]int), ComputedAt: now}
		fleets[orgID] = fleet
	}
	// Running mean over the drones seen so far this tick.
	fleet.MeanBattery = (fleet.MeanBattery*float64(fleet.Drones) + rec.BatteryPct) / float64(fleet.Drones+1)
	fleet.Drones++
	fleet.ByStatus[rec.Status]++
	fleet.ActiveAlerts += len(metrics.Alerts)
}

// mission returns the cached plan, loading it on a miss. Lookup failures are
// tolerated and negatively cached: the drone is scored without an envelope
// until the plan loads.
func (e *Engine) mission(id string) *model.Mission {
	if cached, ok := e.plans.Get(id); ok {
		m, _ := cached.(*model.Mission)
		return m
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := e.missions.Get(ctx, id)
	if err != nil {
		log.Debugf("mission %s lookup for analytics failed: %v", id, err)
		e.plans.Set(id, (*model.Mission)(nil), lookupMissTTL)
		return nil
	}
	e.plans.SetDefault(id, m)
	return m
}

// droneOrg resolves a drone's org id, cached like mission plans.
func (e *Engine) droneOrg(id string) string {
	if cached, ok := e.orgs.Get(id); ok {
		return cached.(string)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := e.drones.GetDrone(ctx, id)
	if err != nil {
		log.Debugf("drone %s lookup for analytics failed: %v", id, err)
		e.orgs.Set(id, "", lookupMissTTL)
		return ""
	}
	e.orgs.SetDefault(id, d.OrgID)
	return d.OrgID
}

func (e *Engine) publish(ctx context.Context, channel string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		tlmTickErrors.Inc()
		return
	}
	if err := e.broadcast.Publish(ctx, channel, payload); err != nil {
		tlmTickErrors.Inc()
		log.Warnf("broadcast on %s failed: %v", channel, err)
	}
}

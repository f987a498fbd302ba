// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/flightplan"
	"github.com/skyfleet/mission-control/pkg/livestate"
	"github.com/skyfleet/mission-control/pkg/model"
	"github.com/skyfleet/mission-control/pkg/telemetry"
	"github.com/skyfleet/mission-control/pkg/util/log"
)

var (
	tlmMissionsCreated = telemetry.NewCounter("mission", "created", nil, "Missions created")
	tlmTransitions     = telemetry.NewCounter("mission", "transitions", []string{"action"}, "Applied mission state transitions")
	tlmCompleted       = telemetry.NewCounter("mission", "completed", nil, "Missions completed via progress")
	tlmStateSyncErrors = telemetry.NewCounter("mission", "state_sync_errors", nil, "Live state syncs that failed after a durable write")
)

// LiveState is the slice of the live state store the coordinator syncs.
type LiveState interface {
	SetMissionState(ctx context.Context, missionID string, fields map[string]interface{}) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

// EventSink buffers lifecycle events for the durable stream.
type EventSink interface {
	BufferEvent(ev model.MissionEvent)
}

// Coordinator applies the mission lifecycle. All status changes funnel
// through here: the durable store is written first, then the Redis views and
// the event stream. A failed durable write changes nothing downstream.
type Coordinator struct {
	store   Store
	live    LiveState
	events  EventSink
	planner flightplan.Generator
}

// NewCoordinator wires the coordinator.
func NewCoordinator(store Store, live LiveState, events EventSink, planner flightplan.Generator) *Coordinator {
	return &Coordinator{store: store, live: live, events: events, planner: planner}
}

// CreateInput is a mission creation request.
type CreateInput struct {
	OrgID          string                 `json:"org_id"`
	SiteID         string                 `json:"site_id"`
	DroneID        string                 `json:"drone_id"`
	Name           string                 `json:"name"`
	SurveyArea     []model.LatLng         `json:"survey_area"`
	FlightPattern  string                 `json:"flight_pattern"`
	Parameters     model.FlightParameters `json:"parameters"`
	ScheduledStart *time.Time             `json:"scheduled_start,omitempty"`
	CreatedBy      string                 `json:"created_by"`
}

// Create plans and persists a new mission in PLANNED. The drone must be
// AVAILABLE and must not already hold an active mission.
func (c *Coordinator) Create(ctx context.Context, in CreateInput) (*model.Mission, error) {
	if in.DroneID == "" || in.Name == "" {
		return nil, errors.New(errors.KindValidation, "drone_id and name are required")
	}

	drone, err := c.store.GetDrone(ctx, in.DroneID)
	if err != nil {
		return nil, err
	}
	if drone.Status != model.DroneAvailable {
		return nil, errors.Newf(errors.KindConflict, "drone %s is %s", drone.ID, drone.Status)
	}
	if active, err := c.store.ActiveMissionForDrone(ctx, in.DroneID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, errors.Newf(errors.KindConflict, "drone %s already assigned to mission %s", in.DroneID, active.ID)
	}

	plan, err := c.planner.Generate(in.SurveyArea, in.FlightPattern, in.Parameters)
	if err != nil {
		return nil, err
	}

	m := &model.Mission{
		ID:                 uuid.NewString(),
		OrgID:              in.OrgID,
		SiteID:             in.SiteID,
		DroneID:            in.DroneID,
		Name:               in.Name,
		SurveyArea:         in.SurveyArea,
		FlightPattern:      in.FlightPattern,
		Parameters:         in.Parameters,
		Waypoints:          plan.Waypoints,
		EstimatedDuration:  plan.EstimatedDuration,
		EstimatedDistanceM: plan.EstimatedDistanceM,
		ScheduledStart:     in.ScheduledStart,
		Status:             model.MissionPlanned,
		CreatedBy:          in.CreatedBy,
		CreatedAt:          time.Now().UTC(),
	}
	if err := c.store.CreateMission(ctx, m); err != nil {
		return nil, err
	}
	tlmMissionsCreated.Inc()
	log.Infof("mission %s created for drone %s (%d waypoints, ~%s)",
		m.ID, m.DroneID, len(m.Waypoints), m.EstimatedDuration)

	c.syncLiveState(ctx, m)
	c.emit(ctx, model.NewMissionEvent(m.ID, m.DroneID, model.EventMissionCreated, map[string]interface{}{
		"name":      m.Name,
		"waypoints": len(m.Waypoints),
	}))
	return m, nil
}

// Get loads one mission.
func (c *Coordinator) Get(ctx context.Context, id string) (*model.Mission, error) {
	return c.store.GetMission(ctx, id)
}

// List returns the org's missions, newest first.
func (c *Coordinator) List(ctx context.Context, orgID string) ([]*model.Mission, error) {
	return c.store.ListMissions(ctx, orgID)
}

// ApplyTransition moves a mission to the status the acked action implies.
// Called by the dispatcher once the drone has ACCEPTED the command.
func (c *Coordinator) ApplyTransition(ctx context.Context, missionID string, action model.CommandAction) (*model.Mission, error) {
	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	next, err := model.NextStatus(m.Status, action)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	prev := m.Status
	m.Status = next
	if prev == model.MissionPlanned && next == model.MissionInProgress {
		m.ActualStart = &now
	}
	if next.IsTerminal() {
		m.ActualEnd = &now
	}

	if err := c.store.UpdateMission(ctx, m); err != nil {
		return nil, err
	}
	tlmTransitions.Inc(string(action))

	// Drone availability follows the mission: busy while it runs, free once
	// it ends.
	if prev == model.MissionPlanned && next == model.MissionInProgress {
		c.setDroneStatus(ctx, m.DroneID, model.DroneInMission)
	}
	if next.IsTerminal() {
		c.setDroneStatus(ctx, m.DroneID, model.DroneAvailable)
	}

	c.syncLiveState(ctx, m)
	c.emit(ctx, model.NewMissionEvent(m.ID, m.DroneID, model.EventForTransition(action, next), map[string]interface{}{
		"from": string(prev),
		"to":   string(next),
	}))
	log.Infof("mission %s: %s -> %s (%s)", m.ID, prev, next, action)
	return m, nil
}

// Complete marks a mission COMPLETED when telemetry reports full progress.
// Idempotent: completing an already terminal mission is a no-op, so stream
// replays are safe. Only IN_PROGRESS missions complete; a stale progress-100
// record for a PLANNED or PAUSED mission must not skip the state machine.
func (c *Coordinator) Complete(ctx context.Context, missionID string) error {
	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status.IsTerminal() {
		return nil
	}
	if m.Status != model.MissionInProgress {
		return errors.Newf(errors.KindConflict, "mission %s is %s, not %s", m.ID, m.Status, model.MissionInProgress)
	}

	now := time.Now().UTC()
	m.Status = model.MissionCompleted
	m.ActualEnd = &now
	if err := c.store.UpdateMission(ctx, m); err != nil {
		return err
	}
	tlmCompleted.Inc()

	c.setDroneStatus(ctx, m.DroneID, model.DroneAvailable)
	c.syncLiveState(ctx, m)
	c.emit(ctx, model.NewMissionEvent(m.ID, m.DroneID, model.EventMissionCompleted, nil))
	log.Infof("mission %s completed", m.ID)
	return nil
}

// Fail marks a mission FAILED, for operator intervention or watchdogs
// detecting a drone that went dark mid-flight.
func (c *Coordinator) Fail(ctx context.Context, missionID, reason string) error {
	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status.IsTerminal() {
		return errors.Newf(errors.KindConflict, "mission %s is already %s", m.ID, m.Status)
	}

	now := time.Now().UTC()
	m.Status = model.MissionFailed
	m.ActualEnd = &now
	if err := c.store.UpdateMission(ctx, m); err != nil {
		return err
	}

	c.setDroneStatus(ctx, m.DroneID, model.DroneAvailable)
	c.syncLiveState(ctx, m)
	c.emit(ctx, model.NewMissionEvent(m.ID, m.DroneID, model.EventMissionFailed, map[string]interface{}{
		"reason": reason,
	}))
	log.Warnf("mission %s failed: %s", m.ID, reason)
	return nil
}

// GetDrone loads one drone.
func (c *Coordinator) GetDrone(ctx context.Context, id string) (*model.Drone, error) {
	return c.store.GetDrone(ctx, id)
}

// UpdateDroneBattery persists the battery level the stream consumer sees.
func (c *Coordinator) UpdateDroneBattery(ctx context.Context, droneID string, batteryPct float64) error {
	return c.store.UpdateDroneBattery(ctx, droneID, batteryPct)
}

func (c *Coordinator) setDroneStatus(ctx context.Context, droneID string, status model.DroneStatus) {
	if err := c.store.UpdateDroneStatus(ctx, droneID, status); err != nil {
		log.Warnf("drone %s status update to %s failed: %v", droneID, status, err)
		return
	}
	payload, err := json.Marshal(map[string]string{"drone_id": droneID, "status": string(status)})
	if err != nil {
		return
	}
	if err := c.live.Publish(ctx, livestate.ChannelDroneStatus(droneID), payload); err != nil {
		tlmStateSyncErrors.Inc()
	}
}

// syncLiveState refreshes the Redis mission hash. Failures are counted and
// logged only: the durable store already holds the truth and the next
// telemetry sample or transition re-converges the cache.
func (c *Coordinator) syncLiveState(ctx context.Context, m *model.Mission) {
	fields := map[string]interface{}{
		"status":   string(m.Status),
		"drone_id": m.DroneID,
	}
	if m.ActualStart != nil {
		fields["actual_start"] = m.ActualStart.UTC().Format(time.RFC3339)
	}
	if m.ActualEnd != nil {
		fields["actual_end"] = m.ActualEnd.UTC().Format(time.RFC3339)
	}
	if err := c.live.SetMissionState(ctx, m.ID, fields); err != nil {
		tlmStateSyncErrors.Inc()
		log.Warnf("live state sync for mission %s failed: %v", m.ID, err)
	}
}

// emit buffers the event for the durable stream and broadcasts it.
func (c *Coordinator) emit(ctx context.Context, ev model.MissionEvent) {
	c.events.BufferEvent(ev)
	if raw, err := json.Marshal(ev); err == nil {
		if err := c.live.Publish(ctx, livestate.ChannelMissionTelemetry(ev.MissionID), raw); err != nil {
			tlmStateSyncErrors.Inc()
		}
	}
}

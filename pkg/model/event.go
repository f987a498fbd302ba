// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a mission lifecycle or alerting event.
type EventType string

// Event types published on the events topic.
const (
	EventMissionCreated   EventType = "MissionCreated"
	EventMissionStarted   EventType = "MissionStarted"
	EventMissionPaused    EventType = "MissionPaused"
	EventMissionResumed   EventType = "MissionResumed"
	EventMissionCompleted EventType = "MissionCompleted"
	EventMissionAborted   EventType = "MissionAborted"
	EventMissionFailed    EventType = "MissionFailed"

	EventBatteryLow      EventType = "BatteryLowWarning"
	EventSignalWeak      EventType = "SignalWeakWarning"
	EventBatteryCritical EventType = "BatteryCriticalRTHSuggested"
)

// MissionEvent is the durable event schema. EventID is globally unique so
// downstream consumers can deduplicate replays.
type MissionEvent struct {
	EventID   string                 `json:"eventId"`
	MissionID string                 `json:"missionId"`
	DroneID   string                 `json:"droneId"`
	EventType EventType              `json:"eventType"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewMissionEvent builds an event with a fresh id and the current time.
func NewMissionEvent(missionID, droneID string, eventType EventType, payload map[string]interface{}) MissionEvent {
	return MissionEvent{
		EventID:   uuid.NewString(),
		MissionID: missionID,
		DroneID:   droneID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// EventForTransition maps an acked action to its lifecycle event type.
func EventForTransition(action CommandAction, next MissionStatus) EventType {
	switch {
	case next == MissionInProgress && action == ActionStart:
		return EventMissionStarted
	case next == MissionInProgress && action == ActionResume:
		return EventMissionResumed
	case next == MissionPaused:
		return EventMissionPaused
	case next == MissionAborted:
		return EventMissionAborted
	case next == MissionFailed:
		return EventMissionFailed
	case next == MissionCompleted:
		return EventMissionCompleted
	}
	return EventType("")
}

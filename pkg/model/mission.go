// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import "time"

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

// Mission statuses.
const (
	MissionPlanned    MissionStatus = "PLANNED"
	MissionInProgress MissionStatus = "IN_PROGRESS"
	MissionPaused     MissionStatus = "PAUSED"
	MissionCompleted  MissionStatus = "COMPLETED"
	MissionAborted    MissionStatus = "ABORTED"
	MissionFailed     MissionStatus = "FAILED"
)

// IsTerminal reports whether s is a terminal mission status.
func (s MissionStatus) IsTerminal() bool {
	switch s {
	case MissionCompleted, MissionAborted, MissionFailed:
		return true
	}
	return false
}

// LatLng is a 2-D coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Waypoint is a 3-D point in a flight plan.
type Waypoint struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	AltM float64 `json:"alt"`
}

// FlightParameters are the planned envelope of a mission, used by the
// analytics conformance formulas.
type FlightParameters struct {
	AltitudeM  float64 `json:"altitude"`
	SpeedMPS   float64 `json:"speed"`
	SpacingM   float64 `json:"spacing"`
	OverlapPct float64 `json:"overlap,omitempty"`
}

// Mission is the durable unit of work: one drone surveying one polygon.
type Mission struct {
	ID                 string           `json:"id" db:"id"`
	OrgID              string           `json:"org_id" db:"org_id"`
	SiteID             string           `json:"site_id" db:"site_id"`
	DroneID            string           `json:"drone_id" db:"drone_id"`
	Name               string           `json:"name" db:"name"`
	SurveyArea         []LatLng         `json:"survey_area" db:"-"`
	FlightPattern      string           `json:"flight_pattern" db:"flight_pattern"`
	Parameters         FlightParameters `json:"parameters" db:"-"`
	Waypoints          []Waypoint       `json:"waypoints" db:"-"`
	EstimatedDuration  time.Duration    `json:"estimated_duration_s" db:"estimated_duration_s"`
	EstimatedDistanceM float64          `json:"estimated_distance_m" db:"estimated_distance_m"`
	ScheduledStart     *time.Time       `json:"scheduled_start,omitempty" db:"scheduled_start"`
	ActualStart        *time.Time       `json:"actual_start,omitempty" db:"actual_start"`
	ActualEnd          *time.Time       `json:"actual_end,omitempty" db:"actual_end"`
	Status             MissionStatus    `json:"status" db:"status"`
	CreatedBy          string           `json:"created_by" db:"created_by"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
}

// DroneStatus is the availability state of a registered drone.
type DroneStatus string

// Drone statuses.
const (
	DroneAvailable   DroneStatus = "AVAILABLE"
	DroneInMission   DroneStatus = "IN_MISSION"
	DroneCharging    DroneStatus = "CHARGING"
	DroneMaintenance DroneStatus = "MAINTENANCE"
	DroneOffline     DroneStatus = "OFFLINE"
)

// Drone is a registered asset.
type Drone struct {
	ID         string      `json:"id" db:"id"`
	SiteID     string      `json:"site_id" db:"site_id"`
	OrgID      string      `json:"org_id" db:"org_id"`
	Serial     string      `json:"serial" db:"serial"`
	Model      string      `json:"model" db:"model"`
	Status     DroneStatus `json:"status" db:"status"`
	BatteryPct float64     `json:"battery_pct" db:"battery_pct"`
	HomeLat    float64     `json:"home_lat" db:"home_lat"`
	HomeLng    float64     `json:"home_lng" db:"home_lng"`
	LastSeen   time.Time   `json:"last_seen" db:"last_seen"`
}

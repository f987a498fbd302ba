// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package model holds the wire and domain types shared by the pipeline
// components. JSON field names follow the drone transport contract and are
// reused unchanged on the durable stream.
package model

import (
	"fmt"
	"time"
)

// TelemetryRecord is one sample from one drone at one instant. Records are
// immutable once decoded; the pipeline never mutates them.
type TelemetryRecord struct {
	DroneID     string    `json:"drone_id"`
	MissionID   string    `json:"mission_id"` // empty when the drone is idle
	SentAt      time.Time `json:"timestamp"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	AltM        float64   `json:"alt"`
	SpeedMPS    float64   `json:"speed"`
	HeadingDeg  float64   `json:"heading"`
	BatteryPct  float64   `json:"battery"`
	Status      string    `json:"status"`
	ProgressPct float64   `json:"progress"`
	Signal      float64   `json:"signal"`

	// ReceivedAt is stamped by the transport adapter on decode; it is not
	// part of the wire payload.
	ReceivedAt time.Time `json:"-"`
}

// Validate rejects records with out-of-range coordinates or percentages.
func (r *TelemetryRecord) Validate() error {
	if r.DroneID == "" {
		return fmt.Errorf("telemetry record has no drone id")
	}
	if r.Lat < -90 || r.Lat > 90 {
		return fmt.Errorf("latitude %f out of range", r.Lat)
	}
	if r.Lon < -180 || r.Lon > 180 {
		return fmt.Errorf("longitude %f out of range", r.Lon)
	}
	if r.BatteryPct < 0 || r.BatteryPct > 100 {
		return fmt.Errorf("battery %f out of range", r.BatteryPct)
	}
	if r.ProgressPct < 0 || r.ProgressPct > 100 {
		return fmt.Errorf("progress %f out of range", r.ProgressPct)
	}
	if r.SentAt.IsZero() {
		return fmt.Errorf("telemetry record has no timestamp")
	}
	return nil
}

// Latency returns how long the record spent between the drone and us.
func (r *TelemetryRecord) Latency() time.Duration {
	return r.ReceivedAt.Sub(r.SentAt)
}

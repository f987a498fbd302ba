// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package mission owns the durable mission and drone records and the
// coordinator that moves missions through their lifecycle. Redis views are
// derived caches; the store here is the source of truth.
package mission

import (
	"context"

	"github.com/skyfleet/mission-control/pkg/model"
)

// Store persists missions and drones.
type Store interface {
	CreateMission(ctx context.Context, m *model.Mission) error
	GetMission(ctx context.Context, id string) (*model.Mission, error)
	UpdateMission(ctx context.Context, m *model.Mission) error
	// ActiveMissionForDrone returns the drone's non-terminal mission, or nil.
	ActiveMissionForDrone(ctx context.Context, droneID string) (*model.Mission, error)
	ListMissions(ctx context.Context, orgID string) ([]*model.Mission, error)

	GetDrone(ctx context.Context, id string) (*model.Drone, error)
	UpdateDroneStatus(ctx context.Context, droneID string, status model.DroneStatus) error
	UpdateDroneBattery(ctx context.Context, droneID string, batteryPct float64) error
}

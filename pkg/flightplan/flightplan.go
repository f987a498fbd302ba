// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package flightplan generates survey flight plans. The generator is pure
// and deterministic: the same polygon and parameters always yield the same
// waypoints, which keeps mission estimates and coverage analytics
// reproducible.
package flightplan

import (
	"math"
	"time"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/model"
)

const earthRadiusM = 6371000.0

// Plan is a generated flight plan with its estimates.
type Plan struct {
	Waypoints          []model.Waypoint
	EstimatedDuration  time.Duration
	EstimatedDistanceM float64
}

// Generator produces a plan for a survey area. The production implementation
// lives here; planners with smarter pathing satisfy the same interface.
type Generator interface {
	Generate(area []model.LatLng, pattern string, params model.FlightParameters) (*Plan, error)
}

// GridGenerator flies a lawnmower pattern over the area's bounding box.
type GridGenerator struct{}

// NewGridGenerator returns the default generator.
func NewGridGenerator() *GridGenerator { return &GridGenerator{} }

// Generate builds the plan. Spacing defaults to 30 m, speed to 10 m/s and
// altitude to 50 m when unset.
func (g *GridGenerator) Generate(area []model.LatLng, pattern string, params model.FlightParameters) (*Plan, error) {
	if len(area) < 3 {
		return nil, errors.New(errors.KindValidation, "survey area needs at least 3 vertices")
	}
	spacing := params.SpacingM
	if spacing <= 0 {
		spacing = 30
	}
	speed := params.SpeedMPS
	if speed <= 0 {
		speed = 10
	}
	alt := params.AltitudeM
	if alt <= 0 {
		alt = 50
	}

	minLat, maxLat := area[0].Lat, area[0].Lat
	minLng, maxLng := area[0].Lng, area[0].Lng
	for _, p := range area[1:] {
		minLat = math.Min(minLat, p.Lat)
		maxLat = math.Max(maxLat, p.Lat)
		minLng = math.Min(minLng, p.Lng)
		maxLng = math.Max(maxLng, p.Lng)
	}

	// Degrees per meter at this latitude.
	latStep := spacing / 111320.0
	lngStep := spacing / (111320.0 * math.Cos(midLat(minLat, maxLat)*math.Pi/180))

	var waypoints []model.Waypoint
	reverse := false
	for lat := minLat; lat <= maxLat+1e-12; lat += latStep {
		var row []model.Waypoint
		for lng := minLng; lng <= maxLng+1e-12; lng += lngStep {
			row = append(row, model.Waypoint{Lat: lat, Lng: lng, AltM: alt})
		}
		if reverse {
			for i, j := 0, len(row)-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
		reverse = !reverse
		waypoints = append(waypoints, row...)
	}

	distance := 0.0
	for i := 1; i < len(waypoints); i++ {
		distance += HaversineM(waypoints[i-1].Lat, waypoints[i-1].Lng, waypoints[i].Lat, waypoints[i].Lng)
	}

	// Cruise time plus a fixed per-waypoint dwell for stabilization and
	// capture.
	const dwellPerWaypoint = 2 * time.Second
	duration := time.Duration(distance/speed)*time.Second + time.Duration(len(waypoints))*dwellPerWaypoint

	return &Plan{
		Waypoints:          waypoints,
		EstimatedDuration:  duration,
		EstimatedDistanceM: distance,
	}, nil
}

func midLat(min, max float64) float64 { return (min + max) / 2 }

// HaversineM returns the great-circle ground distance in meters.
func HaversineM(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}

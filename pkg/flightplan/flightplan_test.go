// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package flightplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/model"
)

var testArea = []model.LatLng{
	{Lat: 48.2000, Lng: 16.3000},
	{Lat: 48.2010, Lng: 16.3000},
	{Lat: 48.2010, Lng: 16.3015},
	{Lat: 48.2000, Lng: 16.3015},
}

func TestGenerateIsDeterministic(t *testing.T) {
	g := NewGridGenerator()
	params := model.FlightParameters{AltitudeM: 60, SpeedMPS: 8, SpacingM: 25}

	a, err := g.Generate(testArea, "grid", params)
	require.NoError(t, err)
	b, err := g.Generate(testArea, "grid", params)
	require.NoError(t, err)

	assert.Equal(t, a.Waypoints, b.Waypoints)
	assert.Equal(t, a.EstimatedDistanceM, b.EstimatedDistanceM)
	assert.Equal(t, a.EstimatedDuration, b.EstimatedDuration)
}

func TestGenerateCoversBoundingBox(t *testing.T) {
	g := NewGridGenerator()
	plan, err := g.Generate(testArea, "grid", model.FlightParameters{SpacingM: 30, AltitudeM: 50, SpeedMPS: 10})
	require.NoError(t, err)
	require.NotEmpty(t, plan.Waypoints)

	for _, wp := range plan.Waypoints {
		assert.GreaterOrEqual(t, wp.Lat, 48.2000)
		assert.GreaterOrEqual(t, wp.Lng, 16.3000)
		assert.LessOrEqual(t, wp.Lat, 48.2011)
		assert.LessOrEqual(t, wp.Lng, 16.3016)
		assert.Equal(t, 50.0, wp.AltM)
	}
	assert.Greater(t, plan.EstimatedDistanceM, 0.0)
	assert.Greater(t, plan.EstimatedDuration.Seconds(), 0.0)
}

func TestGenerateLawnmowerAlternatesRows(t *testing.T) {
	g := NewGridGenerator()
	plan, err := g.Generate(testArea, "grid", model.FlightParameters{SpacingM: 40})
	require.NoError(t, err)

	// Consecutive waypoints never jump more than one row plus one column of
	// spacing; a naive raster scan would teleport across the box.
	for i := 1; i < len(plan.Waypoints); i++ {
		d := HaversineM(plan.Waypoints[i-1].Lat, plan.Waypoints[i-1].Lng,
			plan.Waypoints[i].Lat, plan.Waypoints[i].Lng)
		assert.Less(t, d, 90.0, "waypoint %d jumped %fm", i, d)
	}
}

func TestGenerateRejectsDegenerateArea(t *testing.T) {
	g := NewGridGenerator()
	_, err := g.Generate([]model.LatLng{{Lat: 48, Lng: 16}, {Lat: 48.1, Lng: 16}}, "grid", model.FlightParameters{})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is about 111.2 km.
	d := HaversineM(48.0, 16.0, 49.0, 16.0)
	assert.InDelta(t, 111195, d, 300)

	assert.Zero(t, HaversineM(48.2, 16.3, 48.2, 16.3))
}

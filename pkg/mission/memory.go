// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mission

import (
	"context"
	"sync"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/model"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	missions map[string]*model.Mission
	drones   map[string]*model.Drone
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		missions: make(map[string]*model.Mission),
		drones:   make(map[string]*model.Drone),
	}
}

// AddDrone registers a drone. Test helper; production drones come from the
// fleet registry tables.
func (s *MemoryStore) AddDrone(d *model.Drone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.drones[d.ID] = &cp
}

func (s *MemoryStore) CreateMission(_ context.Context, m *model.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[m.ID]; ok {
		return errors.Newf(errors.KindConflict, "mission %s already exists", m.ID)
	}
	cp := *m
	s.missions[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMission(_ context.Context, id string) (*model.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "mission %s not found", id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpdateMission(_ context.Context, m *model.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[m.ID]; !ok {
		return errors.Newf(errors.KindNotFound, "mission %s not found", m.ID)
	}
	cp := *m
	s.missions[m.ID] = &cp
	return nil
}

func (s *MemoryStore) ActiveMissionForDrone(_ context.Context, droneID string) (*model.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.missions {
		if m.DroneID == droneID && !m.Status.IsTerminal() {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListMissions(_ context.Context, orgID string) ([]*model.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Mission
	for _, m := range s.missions {
		if m.OrgID == orgID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetDrone(_ context.Context, id string) (*model.Drone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drones[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "drone %s not found", id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) UpdateDroneStatus(_ context.Context, droneID string, status model.DroneStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drones[droneID]
	if !ok {
		return errors.Newf(errors.KindNotFound, "drone %s not found", droneID)
	}
	d.Status = status
	return nil
}

func (s *MemoryStore) UpdateDroneBattery(_ context.Context, droneID string, batteryPct float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drones[droneID]
	if !ok {
		return errors.Newf(errors.KindNotFound, "drone %s not found", droneID)
	}
	d.BatteryPct = batteryPct
	return nil
}

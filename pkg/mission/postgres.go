// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/skyfleet/mission-control/pkg/analytics"
	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/model"
)

// PostgresStore is the production Store backed by Postgres via sqlx.
// The polygon, parameters and waypoints travel as jsonb columns; everything
// filtered or joined on has its own column.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens the pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "opening postgres")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.KindTransport, err, "pinging postgres")
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

type missionRow struct {
	ID                 string         `db:"id"`
	OrgID              string         `db:"org_id"`
	SiteID             string         `db:"site_id"`
	DroneID            string         `db:"drone_id"`
	Name               string         `db:"name"`
	SurveyArea         []byte         `db:"survey_area"`
	FlightPattern      string         `db:"flight_pattern"`
	Parameters         []byte         `db:"parameters"`
	Waypoints          []byte         `db:"waypoints"`
	EstimatedDurationS int64          `db:"estimated_duration_s"`
	EstimatedDistanceM float64        `db:"estimated_distance_m"`
	ScheduledStart     sql.NullTime   `db:"scheduled_start"`
	ActualStart        sql.NullTime   `db:"actual_start"`
	ActualEnd          sql.NullTime   `db:"actual_end"`
	Status             string         `db:"status"`
	CreatedBy          string         `db:"created_by"`
	CreatedAt          time.Time      `db:"created_at"`
}

func toRow(m *model.Mission) (*missionRow, error) {
	area, err := json.Marshal(m.SurveyArea)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(m.Parameters)
	if err != nil {
		return nil, err
	}
	waypoints, err := json.Marshal(m.Waypoints)
	if err != nil {
		return nil, err
	}
	return &missionRow{
		ID:                 m.ID,
		OrgID:              m.OrgID,
		SiteID:             m.SiteID,
		DroneID:            m.DroneID,
		Name:               m.Name,
		SurveyArea:         area,
		FlightPattern:      m.FlightPattern,
		Parameters:         params,
		Waypoints:          waypoints,
		EstimatedDurationS: int64(m.EstimatedDuration / time.Second),
		EstimatedDistanceM: m.EstimatedDistanceM,
		ScheduledStart:     toNullTime(m.ScheduledStart),
		ActualStart:        toNullTime(m.ActualStart),
		ActualEnd:          toNullTime(m.ActualEnd),
		Status:             string(m.Status),
		CreatedBy:          m.CreatedBy,
		CreatedAt:          m.CreatedAt,
	}, nil
}

func (r *missionRow) toModel() (*model.Mission, error) {
	m := &model.Mission{
		ID:                 r.ID,
		OrgID:              r.OrgID,
		SiteID:             r.SiteID,
		DroneID:            r.DroneID,
		Name:               r.Name,
		FlightPattern:      r.FlightPattern,
		EstimatedDuration:  time.Duration(r.EstimatedDurationS) * time.Second,
		EstimatedDistanceM: r.EstimatedDistanceM,
		ScheduledStart:     fromNullTime(r.ScheduledStart),
		ActualStart:        fromNullTime(r.ActualStart),
		ActualEnd:          fromNullTime(r.ActualEnd),
		Status:             model.MissionStatus(r.Status),
		CreatedBy:          r.CreatedBy,
		CreatedAt:          r.CreatedAt,
	}
	if err := json.Unmarshal(r.SurveyArea, &m.SurveyArea); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Parameters, &m.Parameters); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Waypoints, &m.Waypoints); err != nil {
		return nil, err
	}
	return m, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

const missionColumns = `id, org_id, site_id, drone_id, name, survey_area, flight_pattern,
	parameters, waypoints, estimated_duration_s, estimated_distance_m,
	scheduled_start, actual_start, actual_end, status, created_by, created_at`

func (s *PostgresStore) CreateMission(ctx context.Context, m *model.Mission) error {
	row, err := toRow(m)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "encoding mission")
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO missions (`+missionColumns+`)
		VALUES (:id, :org_id, :site_id, :drone_id, :name, :survey_area, :flight_pattern,
			:parameters, :waypoints, :estimated_duration_s, :estimated_distance_m,
			:scheduled_start, :actual_start, :actual_end, :status, :created_by, :created_at)`, row)
	if err != nil {
		return errors.Wrap(errors.KindTransport, err, "inserting mission")
	}
	return nil
}

func (s *PostgresStore) GetMission(ctx context.Context, id string) (*model.Mission, error) {
	var row missionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.KindNotFound, "mission %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "loading mission")
	}
	return row.toModel()
}

func (s *PostgresStore) UpdateMission(ctx context.Context, m *model.Mission) error {
	row, err := toRow(m)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "encoding mission")
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE missions SET
			status = :status, actual_start = :actual_start, actual_end = :actual_end,
			waypoints = :waypoints, estimated_duration_s = :estimated_duration_s,
			estimated_distance_m = :estimated_distance_m
		WHERE id = :id`, row)
	if err != nil {
		return errors.Wrap(errors.KindTransport, err, "updating mission")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "mission %s not found", m.ID)
	}
	return nil
}

func (s *PostgresStore) ActiveMissionForDrone(ctx context.Context, droneID string) (*model.Mission, error) {
	var row missionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+missionColumns+` FROM missions
		WHERE drone_id = $1 AND status NOT IN ('COMPLETED', 'ABORTED', 'FAILED')
		ORDER BY created_at DESC LIMIT 1`, droneID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "loading active mission")
	}
	return row.toModel()
}

func (s *PostgresStore) ListMissions(ctx context.Context, orgID string) ([]*model.Mission, error) {
	var rows []missionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+missionColumns+` FROM missions WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "listing missions")
	}
	out := make([]*model.Mission, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, errors.Wrap(errors.KindInternal, err, "decoding mission")
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *PostgresStore) GetDrone(ctx context.Context, id string) (*model.Drone, error) {
	var d model.Drone
	err := s.db.GetContext(ctx, &d, `
		SELECT id, site_id, org_id, serial, model, status, battery_pct, home_lat, home_lng, last_seen
		FROM drones WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.KindNotFound, "drone %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "loading drone")
	}
	return &d, nil
}

func (s *PostgresStore) UpdateDroneStatus(ctx context.Context, droneID string, status model.DroneStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE drones SET status = $2 WHERE id = $1`, droneID, status)
	if err != nil {
		return errors.Wrap(errors.KindTransport, err, "updating drone status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "drone %s not found", droneID)
	}
	return nil
}

// RecordDroneMetrics appends one derived analytics row. The caller throttles
// to one row per drone per tick.
func (s *PostgresStore) RecordDroneMetrics(ctx context.Context, m *analytics.DroneMetrics) error {
	alerts, err := json.Marshal(m.Alerts)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "encoding alerts")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drone_metrics (drone_id, mission_id, efficiency, coverage_pct, battery_pct, alerts, computed_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)`,
		m.DroneID, m.MissionID, m.Efficiency, m.CoveragePct, m.BatteryPct, alerts, m.ComputedAt)
	if err != nil {
		return errors.Wrap(errors.KindTransport, err, "inserting drone metrics")
	}
	return nil
}

func (s *PostgresStore) UpdateDroneBattery(ctx context.Context, droneID string, batteryPct float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drones SET battery_pct = $2, last_seen = now() WHERE id = $1`, droneID, batteryPct)
	if err != nil {
		return errors.Wrap(errors.KindTransport, err, "updating drone battery")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "drone %s not found", droneID)
	}
	return nil
}

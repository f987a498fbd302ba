// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package livestate implements the TTL-bounded view of the most recent
// per-drone and per-mission information, backed by redis. Single-key
// operations are linearizable; the multi-key telemetry update is issued as a
// pipeline and is deliberately not atomic across keys (both views are
// advisory and re-converge within one telemetry period).
package livestate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/model"
)

// TTLs of the live-state keys.
const (
	LatestTelemetryTTL = 60 * time.Second
	DroneLocationTTL   = 30 * time.Second
	PendingCommandTTL  = 30 * time.Second
	CommandAckTTL      = 60 * time.Second
)

const geoIndexKey = "drones:live"

// Key helpers. The layout is part of the external contract and is also read
// by the REST services.
func missionStateKey(missionID string) string  { return "mission:" + missionID + ":state" }
func missionLatestKey(missionID string) string { return "mission:" + missionID + ":latest" }
func droneLocationKey(droneID string) string   { return "drone:" + droneID + ":location" }
func pendingKey(commandID string) string       { return "command:" + commandID + ":pending" }
func ackKey(commandID string) string           { return "command:" + commandID + ":ack" }
func inFlightKey(missionID string) string      { return "command:inflight:" + missionID }

// Channel names used on the pub/sub side.
func ChannelMissionTelemetry(missionID string) string { return "mission:" + missionID + ":telemetry" }

// ChannelDroneStatus returns the per-drone status channel.
func ChannelDroneStatus(droneID string) string { return "drone:" + droneID + ":status" }

// ChannelSystemAlerts is the fleet-wide alert channel.
const ChannelSystemAlerts = "system:alerts"

// Store is the live state store.
type Store struct {
	rdb *redis.Client
}

// New connects to redis at addr.
func New(addr, password string, db int) *Store {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(errors.KindTransport, s.rdb.Ping(ctx).Err(), "live state unreachable")
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// SetMissionState merge-updates the mission state hash.
func (s *Store) SetMissionState(ctx context.Context, missionID string, fields map[string]interface{}) error {
	err := s.rdb.HSet(ctx, missionStateKey(missionID), fields).Err()
	return errors.Wrap(errors.KindTransport, err, "set mission state")
}

// GetMissionState reads the mission state hash. Missing missions yield an
// empty map.
func (s *Store) GetMissionState(ctx context.Context, missionID string) (map[string]string, error) {
	res, err := s.rdb.HGetAll(ctx, missionStateKey(missionID)).Result()
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "get mission state")
	}
	return res, nil
}

// SetLatestTelemetry stores the most recent full record for a mission.
func (s *Store) SetLatestTelemetry(ctx context.Context, missionID string, rec *model.TelemetryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "marshal telemetry")
	}
	err = s.rdb.Set(ctx, missionLatestKey(missionID), payload, LatestTelemetryTTL).Err()
	return errors.Wrap(errors.KindTransport, err, "set latest telemetry")
}

// GetLatestTelemetry returns the most recent record for a mission, or nil if
// none is live.
func (s *Store) GetLatestTelemetry(ctx context.Context, missionID string) (*model.TelemetryRecord, error) {
	raw, err := s.rdb.Get(ctx, missionLatestKey(missionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "get latest telemetry")
	}
	var rec model.TelemetryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "unmarshal telemetry")
	}
	return &rec, nil
}

// UpdateDroneLocation stores the drone's last position and refreshes the geo
// index entry.
func (s *Store) UpdateDroneLocation(ctx context.Context, rec *model.TelemetryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "marshal location")
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, droneLocationKey(rec.DroneID), payload, DroneLocationTTL)
	pipe.GeoAdd(ctx, geoIndexKey, &redis.GeoLocation{
		Name:      rec.DroneID,
		Longitude: rec.Lon,
		Latitude:  rec.Lat,
	})
	_, err = pipe.Exec(ctx)
	return errors.Wrap(errors.KindTransport, err, "update drone location")
}

// NearbyDrone is one geo query result.
type NearbyDrone struct {
	DroneID string
	DistKM  float64
	Lat     float64
	Lon     float64
}

// GeoQuery returns the drones within radiusKM of the center, nearest first.
func (s *Store) GeoQuery(ctx context.Context, lat, lon, radiusKM float64) ([]NearbyDrone, error) {
	locs, err := s.rdb.GeoRadius(ctx, geoIndexKey, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKM,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "geo query")
	}
	out := make([]NearbyDrone, 0, len(locs))
	for _, l := range locs {
		out = append(out, NearbyDrone{
			DroneID: l.Name,
			DistKM:  l.Dist,
			Lat:     l.Latitude,
			Lon:     l.Longitude,
		})
	}
	return out, nil
}

// ApplyTelemetry issues the full per-record live-state update as one
// pipeline: latest record, state hash merge, location + geo index.
func (s *Store) ApplyTelemetry(ctx context.Context, rec *model.TelemetryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "marshal telemetry")
	}
	pipe := s.rdb.Pipeline()
	if rec.MissionID != "" {
		pipe.Set(ctx, missionLatestKey(rec.MissionID), payload, LatestTelemetryTTL)
		pipe.HSet(ctx, missionStateKey(rec.MissionID), map[string]interface{}{
			"status":      rec.Status,
			"progress":    rec.ProgressPct,
			"battery":     rec.BatteryPct,
			"last_update": rec.SentAt.UTC().Format(time.RFC3339Nano),
		})
	}
	pipe.Set(ctx, droneLocationKey(rec.DroneID), payload, DroneLocationTTL)
	pipe.GeoAdd(ctx, geoIndexKey, &redis.GeoLocation{
		Name:      rec.DroneID,
		Longitude: rec.Lon,
		Latitude:  rec.Lat,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(errors.KindTransport, err, "apply telemetry")
	}
	return nil
}

// Publish sends a payload on a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	err := s.rdb.Publish(ctx, channel, payload).Err()
	return errors.Wrap(errors.KindTransport, err, "publish")
}

// Message is one inbound pub/sub message.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an active pattern subscription.
type Subscription struct {
	ps  *redis.PubSub
	out chan Message
}

// Subscribe opens a pattern subscription. The returned subscription delivers
// messages until Close is called.
func (s *Store) Subscribe(ctx context.Context, patterns ...string) *Subscription {
	ps := s.rdb.PSubscribe(ctx, patterns...)
	sub := &Subscription{ps: ps, out: make(chan Message, 64)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			sub.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()
	return sub
}

// Messages returns the inbound message channel.
func (sub *Subscription) Messages() <-chan Message { return sub.out }

// Close tears the subscription down and drains the message channel.
func (sub *Subscription) Close() error { return sub.ps.Close() }

// SetPending stores a pending command entry with the dispatch TTL.
func (s *Store) SetPending(ctx context.Context, cmd *model.CommandRecord, ttl time.Duration) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "marshal command")
	}
	err = s.rdb.Set(ctx, pendingKey(cmd.CommandID), payload, ttl).Err()
	return errors.Wrap(errors.KindTransport, err, "set pending command")
}

// DeletePending removes a pending command entry.
func (s *Store) DeletePending(ctx context.Context, commandID string) error {
	err := s.rdb.Del(ctx, pendingKey(commandID)).Err()
	return errors.Wrap(errors.KindTransport, err, "delete pending command")
}

// SetAck records a drone ack with the ack TTL.
func (s *Store) SetAck(ctx context.Context, ack *model.AckRecord) error {
	payload, err := json.Marshal(ack)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "marshal ack")
	}
	err = s.rdb.Set(ctx, ackKey(ack.CommandID), payload, CommandAckTTL).Err()
	return errors.Wrap(errors.KindTransport, err, "set ack")
}

// GetAck returns the ack for a command, or nil if none arrived yet.
func (s *Store) GetAck(ctx context.Context, commandID string) (*model.AckRecord, error) {
	raw, err := s.rdb.Get(ctx, ackKey(commandID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "get ack")
	}
	var ack model.AckRecord
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "unmarshal ack")
	}
	return &ack, nil
}

// AcquireInFlight takes the per-mission dispatch guard. It returns false when
// another command is already in flight for the mission.
func (s *Store) AcquireInFlight(ctx context.Context, missionID, commandID string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, inFlightKey(missionID), commandID, ttl).Result()
	if err != nil {
		return false, errors.Wrap(errors.KindTransport, err, "acquire in-flight guard")
	}
	return ok, nil
}

// ReleaseInFlight drops the per-mission dispatch guard if this command still
// holds it.
func (s *Store) ReleaseInFlight(ctx context.Context, missionID, commandID string) error {
	// Check-and-delete; losing the race to the TTL is fine, the guard only
	// needs to bound concurrent dispatches.
	holder, err := s.rdb.Get(ctx, inFlightKey(missionID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.KindTransport, err, "release in-flight guard")
	}
	if holder != commandID {
		return nil
	}
	return errors.Wrap(errors.KindTransport, s.rdb.Del(ctx, inFlightKey(missionID)).Err(), "release in-flight guard")
}

// String renders the store target for startup logs.
func (s *Store) String() string {
	return fmt.Sprintf("livestate(%s)", s.rdb.Options().Addr)
}

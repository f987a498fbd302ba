// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package dispatcher sends mission commands to drones and resolves their
// fate: accepted, rejected, failed, timed out or cancelled. One command per
// mission is in flight at a time; the guard lives in Redis so it holds
// across processes.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/model"
	"github.com/skyfleet/mission-control/pkg/telemetry"
	"github.com/skyfleet/mission-control/pkg/util/log"
)

var (
	tlmDispatched = telemetry.NewCounter("dispatcher", "commands_dispatched", []string{"action"}, "Commands sent to drones")
	tlmAcks       = telemetry.NewCounter("dispatcher", "acks", []string{"status"}, "Command acks by drone verdict")
	tlmTimeouts   = telemetry.NewCounter("dispatcher", "command_timeouts", []string{"action"}, "Commands that never got an ack in time")
	tlmLateAcks   = telemetry.NewCounter("dispatcher", "late_acks", nil, "Acks that arrived after their command was resolved")
)

// CommandSender delivers a command to the drone's command topic.
type CommandSender interface {
	SendCommand(ctx context.Context, cmd *model.CommandRecord) error
}

// AckStore is the slice of the live state store holding command state.
type AckStore interface {
	SetPending(ctx context.Context, cmd *model.CommandRecord, ttl time.Duration) error
	DeletePending(ctx context.Context, commandID string) error
	SetAck(ctx context.Context, ack *model.AckRecord) error
	GetAck(ctx context.Context, commandID string) (*model.AckRecord, error)
	AcquireInFlight(ctx context.Context, missionID, commandID string, ttl time.Duration) (bool, error)
	ReleaseInFlight(ctx context.Context, missionID, commandID string) error
}

// Coordinator is the slice of the mission coordinator the dispatcher needs.
type Coordinator interface {
	Get(ctx context.Context, id string) (*model.Mission, error)
	ApplyTransition(ctx context.Context, missionID string, action model.CommandAction) (*model.Mission, error)
}

// CommandAudit records every dispatched command on the durable stream.
type CommandAudit interface {
	BufferCommand(cmd *model.CommandRecord)
}

// Config tunes the ack wait.
type Config struct {
	// Timeout bounds the whole dispatch, send plus ack wait.
	Timeout time.Duration
	// PollInterval is the Redis ack poll cadence, the fallback for acks
	// received by another instance.
	PollInterval time.Duration
}

// Dispatcher implements the command round trip.
type Dispatcher struct {
	cfg    Config
	sender CommandSender
	acks   AckStore
	coord  Coordinator
	audit  CommandAudit
	clock  clock.Clock

	mu      sync.Mutex
	waiters map[string]chan *model.AckRecord
}

// New wires a Dispatcher.
func New(cfg Config, sender CommandSender, acks AckStore, coord Coordinator, audit CommandAudit) *Dispatcher {
	return newWithClock(cfg, sender, acks, coord, audit, clock.New())
}

func newWithClock(cfg Config, sender CommandSender, acks AckStore, coord Coordinator, audit CommandAudit, clk clock.Clock) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Dispatcher{
		cfg:     cfg,
		sender:  sender,
		acks:    acks,
		coord:   coord,
		audit:   audit,
		clock:   clk,
		waiters: make(map[string]chan *model.AckRecord),
	}
}

// Send dispatches action to the mission's drone and blocks until the drone
// acks, the timeout fires or ctx is cancelled. On ACCEPTED the mission
// transition is applied and the updated mission returned.
func (d *Dispatcher) Send(ctx context.Context, missionID string, action model.CommandAction, issuedBy string) (*model.Mission, error) {
	m, err := d.coord.Get(ctx, missionID)
	if err != nil {
		return nil, err
	}
	// Validate before paying for the round trip. The transition is applied
	// again after the ack; the drone may have moved on meanwhile.
	if _, err := model.NextStatus(m.Status, action); err != nil {
		return nil, err
	}

	cmd := &model.CommandRecord{
		CommandID: uuid.NewString(),
		MissionID: missionID,
		DroneID:   m.DroneID,
		Action:    action,
		IssuedAt:  time.Now().UTC(),
		IssuedBy:  issuedBy,
	}

	acquired, err := d.acks.AcquireInFlight(ctx, missionID, cmd.CommandID, d.cfg.Timeout)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "acquiring command guard")
	}
	if !acquired {
		return nil, errors.Newf(errors.KindConflict, "a command is already in flight for mission %s", missionID)
	}
	defer func() {
		if err := d.acks.ReleaseInFlight(context.Background(), missionID, cmd.CommandID); err != nil {
			log.Warnf("releasing command guard for %s: %v", missionID, err)
		}
	}()

	if err := d.acks.SetPending(ctx, cmd, d.cfg.Timeout); err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "recording pending command")
	}

	// Register the waiter before sending so an instant ack cannot slip
	// between send and wait.
	waiter := d.register(cmd.CommandID)
	defer d.unregister(cmd.CommandID)

	if err := d.sender.SendCommand(ctx, cmd); err != nil {
		_ = d.acks.DeletePending(context.Background(), cmd.CommandID)
		return nil, err
	}
	tlmDispatched.Inc(string(action))
	d.audit.BufferCommand(cmd)
	log.Infof("command %s (%s) sent to drone %s for mission %s", cmd.CommandID, action, cmd.DroneID, missionID)

	ack, err := d.awaitAck(ctx, cmd, waiter)
	if err != nil {
		return nil, err
	}

	switch ack.Status {
	case model.AckAccepted:
		return d.coord.ApplyTransition(ctx, missionID, action)
	case model.AckRejected, model.AckFailed:
		return nil, errors.Newf(errors.KindRejected, "drone %s %s command %s: %s",
			cmd.DroneID, ackVerb(ack.Status), action, ack.Reason)
	default:
		return nil, errors.Newf(errors.KindInternal, "unknown ack status %q for command %s", ack.Status, cmd.CommandID)
	}
}

// awaitAck blocks on the local waiter with a Redis poll fallback, bounded by
// the dispatch timeout and the caller's context.
func (d *Dispatcher) awaitAck(ctx context.Context, cmd *model.CommandRecord, waiter <-chan *model.AckRecord) (*model.AckRecord, error) {
	timeout := d.clock.Timer(d.cfg.Timeout)
	defer timeout.Stop()
	poll := d.clock.Ticker(d.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case ack := <-waiter:
			return ack, nil
		case <-poll.C:
			ack, err := d.acks.GetAck(ctx, cmd.CommandID)
			if err != nil {
				log.Warnf("ack poll for command %s failed: %v", cmd.CommandID, err)
				continue
			}
			if ack != nil {
				tlmAcks.Inc(string(ack.Status))
				return ack, nil
			}
		case <-timeout.C:
			tlmTimeouts.Inc(string(cmd.Action))
			_ = d.acks.DeletePending(context.Background(), cmd.CommandID)
			return nil, errors.Newf(errors.KindTimeout, "command %s (%s) not acked within %s",
				cmd.CommandID, cmd.Action, d.cfg.Timeout)
		case <-ctx.Done():
			_ = d.acks.DeletePending(context.Background(), cmd.CommandID)
			return nil, errors.Wrap(errors.KindCancelled, ctx.Err(), "command dispatch cancelled")
		}
	}
}

// HandleAck is the ingest sink for drone acks. It persists the ack so other
// instances' polls can see it, clears the pending marker and wakes the local
// waiter if the command was dispatched here.
func (d *Dispatcher) HandleAck(ctx context.Context, ack *model.AckRecord) {
	if ack.AckedAt.IsZero() {
		ack.AckedAt = time.Now().UTC()
	}
	if err := d.acks.SetAck(ctx, ack); err != nil {
		log.Warnf("storing ack for command %s failed: %v", ack.CommandID, err)
	}
	_ = d.acks.DeletePending(ctx, ack.CommandID)

	d.mu.Lock()
	waiter, ok := d.waiters[ack.CommandID]
	d.mu.Unlock()
	if !ok {
		// Resolved already, most likely after a timeout. The drone acted on
		// a command we gave up on; the next telemetry sample reconciles it.
		tlmLateAcks.Inc()
		log.Infof("late ack for command %s (%s)", ack.CommandID, ack.Status)
		return
	}
	tlmAcks.Inc(string(ack.Status))
	select {
	case waiter <- ack:
	default:
	}
}

func (d *Dispatcher) register(commandID string) chan *model.AckRecord {
	ch := make(chan *model.AckRecord, 1)
	d.mu.Lock()
	d.waiters[commandID] = ch
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) unregister(commandID string) {
	d.mu.Lock()
	delete(d.waiters, commandID)
	d.mu.Unlock()
}

func ackVerb(s model.AckStatus) string {
	if s == model.AckFailed {
		return "failed"
	}
	return "rejected"
}

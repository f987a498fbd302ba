// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import "time"

// CommandAction is an operator-issued action on a mission.
type CommandAction string

// The command actions understood by drones.
const (
	ActionStart  CommandAction = "START"
	ActionPause  CommandAction = "PAUSE"
	ActionResume CommandAction = "RESUME"
	ActionAbort  CommandAction = "ABORT"
	ActionRTH    CommandAction = "RTH"
)

// IsValid reports whether a is a known action.
func (a CommandAction) IsValid() bool {
	switch a {
	case ActionStart, ActionPause, ActionResume, ActionAbort, ActionRTH:
		return true
	}
	return false
}

// CommandRecord is a dispatched command, pending until acked or timed out.
type CommandRecord struct {
	CommandID string        `json:"commandId"`
	MissionID string        `json:"missionId"`
	DroneID   string        `json:"droneId"`
	Action    CommandAction `json:"action"`
	IssuedAt  time.Time     `json:"timestamp"`
	IssuedBy  string        `json:"issuedBy"`
}

// AckStatus is the drone's verdict on a command.
type AckStatus string

// Ack statuses sent by drones.
const (
	AckAccepted AckStatus = "ACCEPTED"
	AckRejected AckStatus = "REJECTED"
	AckFailed   AckStatus = "FAILED"
)

// AckRecord is a drone's response to a command.
type AckRecord struct {
	CommandID string    `json:"cmd_id"`
	DroneID   string    `json:"drone_id,omitempty"`
	Status    AckStatus `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	AckedAt   time.Time `json:"acked_at,omitempty"`
}

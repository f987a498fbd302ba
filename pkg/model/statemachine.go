// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import (
	"github.com/skyfleet/mission-control/pkg/errors"
)

// transitions lists the legal commands per mission status and the status an
// accepted command moves the mission to. Terminal statuses accept nothing.
var transitions = map[MissionStatus]map[CommandAction]MissionStatus{
	MissionPlanned: {
		ActionStart: MissionInProgress,
	},
	MissionInProgress: {
		ActionPause: MissionPaused,
		ActionAbort: MissionAborted,
		ActionRTH:   MissionAborted,
	},
	MissionPaused: {
		ActionResume: MissionInProgress,
		ActionAbort:  MissionAborted,
		ActionRTH:    MissionAborted,
	},
}

// NextStatus returns the status a mission in the given status moves to when
// the given action is acked. A ValidationError is returned for an illegal
// transition.
func NextStatus(current MissionStatus, action CommandAction) (MissionStatus, error) {
	if !action.IsValid() {
		return "", errors.Newf(errors.KindValidation, "unknown action %q", action)
	}
	legal, ok := transitions[current]
	if !ok {
		return "", errors.Newf(errors.KindValidation, "mission is %s, no commands accepted", current)
	}
	next, ok := legal[action]
	if !ok {
		return "", errors.Newf(errors.KindValidation, "action %s not allowed while %s", action, current)
	}
	return next, nil
}

// CanTransition reports whether the action is legal in the current status.
func CanTransition(current MissionStatus, action CommandAction) bool {
	_, err := NextStatus(current, action)
	return err == nil
}

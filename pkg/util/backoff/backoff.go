// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package backoff configures the retry policies used by the transport and
// stream layers.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewPolicy returns a bounded exponential backoff policy. The policy never
// gives up on its own (MaxElapsedTime is disabled); callers stop retrying by
// cancelling their context or by consulting their own retry budget.
func NewPolicy(initial, max time.Duration) *backoff.ExponentialBackOff {
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = initial
	p.MaxInterval = max
	p.MaxElapsedTime = 0
	p.RandomizationFactor = 0.2
	p.Reset()
	return p
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package startstop provides the lifecycle primitives used to bring the
// pipeline up and down in a fixed order.
package startstop

// Startable represents a component that can be started.
type Startable interface {
	Start() error
}

// Stoppable represents a component that can be stopped. Stop blocks until
// the component has drained its in-flight work.
type Stoppable interface {
	Stop()
}

// StartStoppable combines both lifecycle halves.
type StartStoppable interface {
	Startable
	Stoppable
}

// SerialStopper stops a group of components one after the other, in the
// order they were added. Shutdown ordering matters here: ingress is stopped
// before the stages that drain it.
type SerialStopper struct {
	components []Stoppable
}

// NewSerialStopper returns a SerialStopper with the given components.
func NewSerialStopper(components ...Stoppable) *SerialStopper {
	return &SerialStopper{components: components}
}

// Add appends a component to the stop list.
func (s *SerialStopper) Add(component Stoppable) {
	s.components = append(s.components, component)
}

// Stop stops all components serially.
func (s *SerialStopper) Stop() {
	for _, component := range s.components {
		component.Stop()
	}
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package wsfanout pushes live updates to dashboard websockets. Clients join
// rooms; pub/sub channels are bridged into rooms on demand, one Redis
// subscription per channel regardless of how many sockets watch it.
package wsfanout

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/skyfleet/mission-control/pkg/analytics"
	"github.com/skyfleet/mission-control/pkg/livestate"
	"github.com/skyfleet/mission-control/pkg/telemetry"
	"github.com/skyfleet/mission-control/pkg/util/log"
)

var (
	tlmConnections  = telemetry.NewGauge("wsfanout", "connections", nil, "Open websocket sessions")
	tlmAuthFailures = telemetry.NewCounter("wsfanout", "auth_failures", nil, "Rejected websocket handshakes")
	tlmSent         = telemetry.NewCounter("wsfanout", "messages_sent", []string{"event"}, "Events delivered to sockets")
	tlmSlowClients  = telemetry.NewCounter("wsfanout", "slow_clients_dropped", nil, "Sockets dropped for not keeping up")
)

// Event is the frame sent to clients.
type Event struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Subscriber opens pub/sub pattern subscriptions; the live state store
// satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, patterns ...string) *livestate.Subscription
}

// Hub owns every session and room and routes bridged pub/sub messages.
type Hub struct {
	verifier TokenVerifier
	subs     Subscriber
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
	// bridges maps a pub/sub channel to its subscription and room refcount.
	bridges map[string]*bridge
}

type bridge struct {
	sub  *livestate.Subscription
	refs int
}

// NewHub wires a Hub. Start must be called before serving connections.
func NewHub(verifier TokenVerifier, subs Subscriber) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		verifier: verifier,
		subs:     subs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
		bridges: make(map[string]*bridge),
	}
}

// Start opens the always-on bridges: system alerts and the analytics
// channels live for the whole process, dashboards expect them without an
// explicit subscribe.
func (h *Hub) Start() error {
	for _, channel := range []string{
		livestate.ChannelSystemAlerts,
		analytics.ChannelDroneMetrics,
		analytics.ChannelMissionProgress,
		analytics.ChannelFleetStatus,
	} {
		h.ensureBridge(channel)
	}
	return nil
}

// Stop closes every session and bridge.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for _, b := range h.bridges {
		_ = b.sub.Close()
	}
	h.bridges = make(map[string]*bridge)
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
}

// ServeHTTP upgrades an authenticated request into a session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifier.Verify(bearerToken(r))
	if err != nil {
		tlmAuthFailures.Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := newClient(h, conn, claims)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	tlmConnections.Inc()

	// Every session starts in its org room.
	h.join(c, "org:"+claims.OrgID, "")

	h.wg.Add(2)
	go func() { defer h.wg.Done(); c.writePump() }()
	go func() { defer h.wg.Done(); c.readPump() }()
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Browser websocket clients cannot set headers.
	return r.URL.Query().Get("token")
}

// join adds the client to a room and, when the room bridges a pub/sub
// channel, takes a reference on that channel's bridge.
func (h *Hub) join(c *client, room, channel string) {
	h.mu.Lock()
	members := h.rooms[room]
	if members == nil {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	if _, already := members[c]; already {
		h.mu.Unlock()
		return
	}
	members[c] = struct{}{}
	h.mu.Unlock()

	c.addRoom(room, channel)
	if channel != "" {
		h.ensureBridge(channel)
	}
}

// leave removes the client from a room, releasing the channel bridge when
// the last subscriber is gone.
func (h *Hub) leave(c *client, room, channel string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		if _, in := members[c]; in {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
			h.mu.Unlock()
			c.removeRoom(room)
			if channel != "" {
				h.releaseBridge(channel)
			}
			return
		}
	}
	h.mu.Unlock()
}

func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	tlmConnections.Dec()

	for room, channel := range c.roomSnapshot() {
		h.leave(c, room, channel)
	}
}

// ensureBridge opens the subscription on its first reference.
func (h *Hub) ensureBridge(channel string) {
	h.mu.Lock()
	if b, ok := h.bridges[channel]; ok {
		b.refs++
		h.mu.Unlock()
		return
	}
	sub := h.subs.Subscribe(h.ctx, channel)
	h.bridges[channel] = &bridge{sub: sub, refs: 1}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for msg := range sub.Messages() {
			h.deliver(msg.Channel, msg.Payload)
		}
	}()
}

// releaseBridge closes the subscription when the last reference drops.
func (h *Hub) releaseBridge(channel string) {
	h.mu.Lock()
	b, ok := h.bridges[channel]
	if !ok {
		h.mu.Unlock()
		return
	}
	b.refs--
	if b.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.bridges, channel)
	h.mu.Unlock()
	_ = b.sub.Close()
}

// deliver routes one bridged message to its room. An empty room broadcasts
// to every session.
func (h *Hub) deliver(channel string, payload []byte) {
	room, eventType := route(channel, payload)
	frame, err := json.Marshal(Event{Type: eventType, Channel: channel, Data: payload})
	if err != nil {
		return
	}

	h.mu.Lock()
	var targets []*client
	if room == "" {
		targets = make([]*client, 0, len(h.clients))
		for c := range h.clients {
			targets = append(targets, c)
		}
	} else {
		targets = make([]*client, 0, len(h.rooms[room]))
		for c := range h.rooms[room] {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.send(frame)
		tlmSent.Inc(eventType)
	}
}

// route maps a pub/sub channel onto a room and client-facing event type.
func route(channel string, payload []byte) (room, eventType string) {
	switch channel {
	case livestate.ChannelSystemAlerts:
		return "", "alert"
	case analytics.ChannelDroneMetrics:
		return "drone:" + payloadField(payload, "drone_id"), "drone:metrics"
	case analytics.ChannelMissionProgress:
		return "mission:" + payloadField(payload, "mission_id"), "mission:progress"
	case analytics.ChannelFleetStatus:
		return "org:" + payloadField(payload, "org_id"), "fleet:status"
	}

	parts := strings.Split(channel, ":")
	if len(parts) == 3 {
		switch {
		case parts[0] == "mission" && parts[2] == "telemetry":
			return "mission:" + parts[1], "telemetry:update"
		case parts[0] == "drone" && parts[2] == "status":
			return "drone:" + parts[1], "drone:status"
		case parts[0] == "site" && parts[2] == "events":
			return "site:" + parts[1], "site:event"
		}
	}
	return "", "message"
}

func payloadField(payload []byte, field string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(m[field], &v); err != nil {
		return ""
	}
	return v
}

// channelForRoom returns the pub/sub channel a subscribable room bridges.
func channelForRoom(kind, id string) (room, channel string) {
	switch kind {
	case "mission":
		return "mission:" + id, livestate.ChannelMissionTelemetry(id)
	case "drone":
		return "drone:" + id, livestate.ChannelDroneStatus(id)
	case "site":
		return "site:" + id, "site:" + id + ":events"
	}
	return "", ""
}

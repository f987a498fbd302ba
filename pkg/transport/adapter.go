// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package transport

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/model"
	"github.com/skyfleet/mission-control/pkg/telemetry"
	"github.com/skyfleet/mission-control/pkg/util/log"
)

var (
	tlmTelemetryReceived = telemetry.NewCounter("transport", "telemetry_received", nil, "Telemetry messages received from the broker")
	tlmAcksReceived      = telemetry.NewCounter("transport", "acks_received", nil, "Command acks received from the broker")
	tlmDecodeErrors      = telemetry.NewCounter("transport", "decode_errors", []string{"topic_kind"}, "Inbound payloads that failed to decode")
	tlmCommandsSent      = telemetry.NewCounter("transport", "commands_sent", []string{"action"}, "Commands published to drones")
	tlmPublishErrors     = telemetry.NewCounter("transport", "publish_errors", nil, "Command publishes refused by the broker")
	tlmBrokerDisconnects = telemetry.NewCounter("transport", "broker_disconnects", nil, "Broker connection losses")
)

// Wildcard subscriptions and the per-drone command topic.
const (
	topicTelemetry = "drones/+/telemetry"
	topicAck       = "drones/+/ack"
)

func commandTopic(droneID string) string { return "drones/" + droneID + "/commands" }

// TelemetrySink receives each decoded telemetry record.
type TelemetrySink func(rec *model.TelemetryRecord)

// AckSink receives each decoded command ack.
type AckSink func(ack *model.AckRecord)

// Adapter bridges the drone broker to the pipeline.
type Adapter struct {
	broker Broker
}

// NewAdapter returns an Adapter on top of the given broker.
func NewAdapter(broker Broker) *Adapter {
	return &Adapter{broker: broker}
}

// Connect establishes the broker connection.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.broker.Connect(ctx)
}

// StartIngest subscribes to the telemetry and ack topics and delivers
// decoded records to the sinks. Decode failures are counted and logged but
// never stop the ingest loop.
func (a *Adapter) StartIngest(onTelemetry TelemetrySink, onAck AckSink) error {
	err := a.broker.Subscribe(topicTelemetry, func(topic string, payload []byte) {
		droneID, ok := droneIDFromTopic(topic)
		if !ok {
			tlmDecodeErrors.Inc("telemetry")
			return
		}
		var rec model.TelemetryRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			tlmDecodeErrors.Inc("telemetry")
			log.Debugf("dropping undecodable telemetry from %s: %v", droneID, err)
			return
		}
		rec.DroneID = droneID
		rec.ReceivedAt = time.Now().UTC()
		if err := rec.Validate(); err != nil {
			tlmDecodeErrors.Inc("telemetry")
			log.Debugf("dropping invalid telemetry from %s: %v", droneID, err)
			return
		}
		tlmTelemetryReceived.Inc()
		onTelemetry(&rec)
	})
	if err != nil {
		return err
	}

	return a.broker.Subscribe(topicAck, func(topic string, payload []byte) {
		droneID, ok := droneIDFromTopic(topic)
		if !ok {
			tlmDecodeErrors.Inc("ack")
			return
		}
		var ack model.AckRecord
		if err := json.Unmarshal(payload, &ack); err != nil || ack.CommandID == "" {
			tlmDecodeErrors.Inc("ack")
			log.Debugf("dropping undecodable ack from %s: %v", droneID, err)
			return
		}
		ack.DroneID = droneID
		if ack.AckedAt.IsZero() {
			ack.AckedAt = time.Now().UTC()
		}
		tlmAcksReceived.Inc()
		onAck(&ack)
	})
}

// SendCommand publishes a command on the drone's command topic and returns
// once the broker confirms. Failures surface synchronously as TransportError.
func (a *Adapter) SendCommand(ctx context.Context, cmd *model.CommandRecord) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "marshal command")
	}
	if err := a.broker.Publish(ctx, commandTopic(cmd.DroneID), payload); err != nil {
		tlmPublishErrors.Inc()
		return err
	}
	tlmCommandsSent.Inc(string(cmd.Action))
	return nil
}

// Stop disconnects from the broker. Ingress stops first during shutdown so
// the pipeline can drain behind it.
func (a *Adapter) Stop() {
	a.broker.Disconnect()
}

// Connected reports broker health for readiness checks.
func (a *Adapter) Connected() bool {
	return a.broker.IsConnected()
}

// droneIDFromTopic extracts the drone id from drones/{id}/{leaf}.
func droneIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "drones" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

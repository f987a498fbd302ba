// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package transport adapts the drone-side MQTT broker to the pipeline. It
// subscribes to the per-drone telemetry and ack topics and publishes
// commands, all with at-least-once delivery. Deduplication is left to the
// downstream consumers (commands carry unique ids).
package transport

import (
	"context"
	"sync"
	"time"

	bo "github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/util/backoff"
	"github.com/skyfleet/mission-control/pkg/util/log"
)

// MessageHandler receives the raw payload of one inbound broker message.
type MessageHandler func(topic string, payload []byte)

// Broker is the seam over the MQTT client. Tests substitute a fake.
type Broker interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, handler MessageHandler) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Disconnect()
	IsConnected() bool
}

// QoS 1: at-least-once, both directions.
const qosAtLeastOnce = 1

const (
	connectTimeout       = 10 * time.Second
	publishTimeout       = 2 * time.Second
	reconnectMinInterval = time.Second
	reconnectMaxInterval = 30 * time.Second
)

// BrokerConfig configures the paho-backed broker.
type BrokerConfig struct {
	URL      string
	Username string
	Password string
	ClientID string
}

type pahoBroker struct {
	client mqtt.Client
	policy *bo.ExponentialBackOff
	done   chan struct{}

	mu            sync.Mutex
	subscriptions map[string]MessageHandler
}

// NewBroker returns a Broker backed by paho. Reconnects are scheduled by a
// bounded exponential backoff policy and re-establish all subscriptions.
func NewBroker(cfg BrokerConfig) Broker {
	b := &pahoBroker{
		policy:        backoff.NewPolicy(reconnectMinInterval, reconnectMaxInterval),
		done:          make(chan struct{}),
		subscriptions: make(map[string]MessageHandler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			tlmBrokerDisconnects.Inc()
			log.Warnf("broker connection lost: %v", err)
			go b.reconnect()
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			b.policy.Reset()
			b.mu.Lock()
			defer b.mu.Unlock()
			log.Infof("broker connected, restoring %d subscription(s)", len(b.subscriptions))
			for topic, handler := range b.subscriptions {
				b.subscribe(topic, handler)
			}
		})

	b.client = mqtt.NewClient(opts)
	return b
}

// reconnect retries the connection until it lands or the broker is shut
// down, sleeping the policy's delay between attempts.
func (b *pahoBroker) reconnect() {
	for {
		delay := b.policy.NextBackOff()
		log.Infof("reconnecting to broker in %s", delay)
		select {
		case <-b.done:
			return
		case <-time.After(delay):
		}
		token := b.client.Connect()
		token.Wait()
		if token.Error() == nil {
			return
		}
		log.Warnf("broker reconnect failed: %v", token.Error())
	}
}

func (b *pahoBroker) Connect(ctx context.Context) error {
	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return errors.Wrap(errors.KindCancelled, ctx.Err(), "broker connect")
	}
	return errors.Wrap(errors.KindTransport, token.Error(), "broker connect")
}

func (b *pahoBroker) Subscribe(topic string, handler MessageHandler) error {
	b.mu.Lock()
	b.subscriptions[topic] = handler
	b.mu.Unlock()
	return b.subscribe(topic, handler)
}

func (b *pahoBroker) subscribe(topic string, handler MessageHandler) error {
	token := b.client.Subscribe(topic, qosAtLeastOnce, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return errors.Wrap(errors.KindTransport, token.Error(), "subscribe "+topic)
}

func (b *pahoBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if !b.client.IsConnected() {
		return errors.New(errors.KindTransport, "broker disconnected")
	}
	token := b.client.Publish(topic, qosAtLeastOnce, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Newf(errors.KindTransport, "publish to %s timed out", topic)
	}
	return errors.Wrap(errors.KindTransport, token.Error(), "publish "+topic)
}

func (b *pahoBroker) Disconnect() {
	close(b.done)
	b.client.Disconnect(uint(250)) // milliseconds, per paho API
}

func (b *pahoBroker) IsConnected() bool {
	return b.client.IsConnected()
}

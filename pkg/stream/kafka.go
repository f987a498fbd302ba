// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package stream writes the telemetry, command and event flows to durable
// append-only topics and consumes the telemetry topic for secondary state
// reconciliation. Values are JSON; batches are gzip-compressed on the wire.
package stream

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/skyfleet/mission-control/pkg/errors"
)

// Record is one durable stream record. The key selects the partition, which
// is what preserves per-drone (telemetry, commands) and per-mission (events)
// ordering.
type Record struct {
	Topic string
	Key   string
	Value []byte
}

// Sender produces a batch of records synchronously. Implemented by the kgo
// client; tests substitute a fake.
type Sender interface {
	Produce(ctx context.Context, records []Record) error
	Close()
}

// KafkaConfig configures the stream brokers.
type KafkaConfig struct {
	Brokers      []string
	SASLUser     string
	SASLPassword string
	// ConsumerGroup, Topic and SessionTimeout are only used by readers.
	ConsumerGroup  string
	Topic          string
	SessionTimeout time.Duration
}

func clientOpts(cfg KafkaConfig) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		// Spec'd wire format: gzip across each batch.
		kgo.ProducerBatchCompression(kgo.GzipCompression()),
	}
	if cfg.SASLUser != "" {
		opts = append(opts, kgo.SASL(plain.Auth{
			User: cfg.SASLUser,
			Pass: cfg.SASLPassword,
		}.AsMechanism()))
	}
	return opts
}

type kgoSender struct {
	client *kgo.Client
}

// NewSender connects a producer to the stream brokers.
func NewSender(cfg KafkaConfig) (Sender, error) {
	client, err := kgo.NewClient(clientOpts(cfg)...)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "kafka producer")
	}
	return &kgoSender{client: client}, nil
}

func (s *kgoSender) Produce(ctx context.Context, records []Record) error {
	batch := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		batch = append(batch, &kgo.Record{
			Topic: r.Topic,
			Key:   []byte(r.Key),
			Value: r.Value,
		})
	}
	if err := s.client.ProduceSync(ctx, batch...).FirstErr(); err != nil {
		return errors.Wrap(errors.KindTransport, err, "produce batch")
	}
	return nil
}

func (s *kgoSender) Close() {
	s.client.Close()
}

// ConsumedRecord is one record read from a durable topic.
type ConsumedRecord struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Reader reads a topic within a consumer group. Commit marks the records of
// the last poll as processed; offsets are only advanced after a batch has
// been handled, which keeps delivery at-least-once across restarts.
type Reader interface {
	Poll(ctx context.Context) ([]ConsumedRecord, error)
	Commit(ctx context.Context) error
	Close()
}

type kgoReader struct {
	client *kgo.Client
}

// NewReader joins the consumer group on the given topic. Group heartbeats
// and partition assignment are handled by the client; one Reader consumes
// whatever partitions the broker assigns it.
func NewReader(cfg KafkaConfig) (Reader, error) {
	opts := append(clientOpts(cfg),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	)
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, err, "kafka consumer")
	}
	return &kgoReader{client: client}, nil
}

func (r *kgoReader) Poll(ctx context.Context) ([]ConsumedRecord, error) {
	fetches := r.client.PollFetches(ctx)
	if err := fetches.Err0(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindCancelled, ctx.Err(), "poll")
		}
		return nil, errors.Wrap(errors.KindTransport, err, "poll")
	}
	var out []ConsumedRecord
	fetches.EachRecord(func(rec *kgo.Record) {
		out = append(out, ConsumedRecord{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Key:       rec.Key,
			Value:     rec.Value,
		})
	})
	return out, nil
}

func (r *kgoReader) Commit(ctx context.Context) error {
	return errors.Wrap(errors.KindTransport, r.client.CommitUncommittedOffsets(ctx), "commit offsets")
}

func (r *kgoReader) Close() {
	r.client.Close()
}

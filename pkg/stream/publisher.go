// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/skyfleet/mission-control/pkg/model"
	"github.com/skyfleet/mission-control/pkg/telemetry"
	"github.com/skyfleet/mission-control/pkg/util/backoff"
	"github.com/skyfleet/mission-control/pkg/util/log"
)

const (
	retryMinBackoff = time.Second
	retryMaxBackoff = 30 * time.Second
)

// retryPolicy spaces produce retry attempts. Satisfied by the
// cenkalti/backoff policies.
type retryPolicy interface {
	NextBackOff() time.Duration
	Reset()
}

var (
	tlmRecordsBuffered = telemetry.NewCounter("stream", "records_buffered", []string{"topic"}, "Records accepted into the publish buffer")
	tlmRecordsDropped  = telemetry.NewCounter("stream", "records_dropped", []string{"topic", "reason"}, "Records dropped before reaching the stream")
	tlmBatchesSent     = telemetry.NewCounter("stream", "batches_sent", nil, "Batches produced to the stream")
	tlmBatchRetries    = telemetry.NewCounter("stream", "batch_retries", nil, "Batch produce retries")
)

// PublisherConfig tunes the batching behavior.
type PublisherConfig struct {
	TopicTelemetry string
	TopicCommands  string
	TopicEvents    string

	// A batch is flushed when it holds BatchSize records or when
	// FlushInterval elapses, whichever comes first.
	BatchSize     int
	FlushInterval time.Duration
	// RetryBudget bounds produce attempts per batch. Beyond it the batch is
	// dropped and counted.
	RetryBudget int
}

// Publisher buffers records and writes them to the durable topics in
// compressed batches. A batch that fails to produce is re-queued at the head
// so ordering is preserved across retries.
type Publisher struct {
	cfg    PublisherConfig
	sender Sender
	clock  clock.Clock

	in       chan Record
	done     chan struct{}
	finished chan struct{}

	// retryBatch is the head batch awaiting re-send; retryCount its
	// attempts; retryAt the earliest next attempt per the backoff policy.
	retryBatch []Record
	retryCount int
	retryWait  retryPolicy
	retryAt    time.Time
	buffer     []Record
}

// NewPublisher returns a Publisher writing through the given sender.
func NewPublisher(cfg PublisherConfig, sender Sender) *Publisher {
	return newPublisherWithClock(cfg, sender, clock.New())
}

func newPublisherWithClock(cfg PublisherConfig, sender Sender, clk clock.Clock) *Publisher {
	return &Publisher{
		cfg:       cfg,
		sender:    sender,
		clock:     clk,
		in:        make(chan Record, cfg.BatchSize*4),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		retryWait: backoff.NewPolicy(retryMinBackoff, retryMaxBackoff),
		buffer:    make([]Record, 0, cfg.BatchSize),
	}
}

// Start launches the flush loop.
func (p *Publisher) Start() error {
	go p.run()
	return nil
}

// Stop flushes the remaining buffer and blocks until the loop exits.
func (p *Publisher) Stop() {
	close(p.done)
	<-p.finished
}

// BufferTelemetry enqueues a telemetry record, keyed by drone id.
func (p *Publisher) BufferTelemetry(rec *model.TelemetryRecord) {
	p.enqueue(p.cfg.TopicTelemetry, rec.DroneID, rec)
}

// BufferCommand enqueues a command record for the audit trail, keyed by
// drone id.
func (p *Publisher) BufferCommand(cmd *model.CommandRecord) {
	p.enqueue(p.cfg.TopicCommands, cmd.DroneID, cmd)
}

// BufferEvent enqueues a mission event, keyed by mission id.
func (p *Publisher) BufferEvent(ev model.MissionEvent) {
	p.enqueue(p.cfg.TopicEvents, ev.MissionID, ev)
}

// enqueue never blocks the caller: the pipeline prefers dropping stream
// records (they are reconcilable downstream) over stalling ingestion.
func (p *Publisher) enqueue(topic, key string, v interface{}) {
	value, err := json.Marshal(v)
	if err != nil {
		tlmRecordsDropped.Inc(topic, "marshal")
		log.Errorf("dropping unmarshalable record for %s: %v", topic, err)
		return
	}
	select {
	case p.in <- Record{Topic: topic, Key: key, Value: value}:
		tlmRecordsBuffered.Inc(topic)
	default:
		tlmRecordsDropped.Inc(topic, "overflow")
	}
}

func (p *Publisher) run() {
	ticker := p.clock.Ticker(p.cfg.FlushInterval)
	defer ticker.Stop()
	defer close(p.finished)

	for {
		select {
		case rec := <-p.in:
			p.buffer = append(p.buffer, rec)
			if len(p.buffer) >= p.cfg.BatchSize {
				p.flush()
			}
		case <-ticker.C:
			p.flush()
		case <-p.done:
			// Drain whatever is still queued, then flush once. Shutdown
			// ignores the retry spacing: it is the last chance to land.
			for {
				select {
				case rec := <-p.in:
					p.buffer = append(p.buffer, rec)
				default:
					p.retryAt = time.Time{}
					p.flush()
					return
				}
			}
		}
	}
}

// flush sends the head retry batch first, then the current buffer. On
// failure the batch stays at the head, spaced by the backoff policy, until
// the retry budget is exhausted.
func (p *Publisher) flush() {
	if p.retryBatch == nil && len(p.buffer) > 0 {
		p.retryBatch = p.buffer
		p.retryCount = 0
		p.buffer = make([]Record, 0, p.cfg.BatchSize)
	}
	for p.retryBatch != nil {
		if p.clock.Now().Before(p.retryAt) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.sender.Produce(ctx, p.retryBatch)
		cancel()
		if err == nil {
			tlmBatchesSent.Inc()
			p.retryBatch = nil
			p.retryCount = 0
			p.retryWait.Reset()
			p.retryAt = time.Time{}
			if len(p.buffer) > 0 {
				p.retryBatch = p.buffer
				p.buffer = make([]Record, 0, p.cfg.BatchSize)
			}
			continue
		}
		p.retryCount++
		tlmBatchRetries.Inc()
		if p.retryCount > p.cfg.RetryBudget {
			log.Errorf("dropping batch of %d record(s) after %d attempts: %v", len(p.retryBatch), p.retryCount, err)
			for _, rec := range p.retryBatch {
				tlmRecordsDropped.Inc(rec.Topic, "retry_budget")
			}
			p.retryBatch = nil
			p.retryCount = 0
			p.retryWait.Reset()
			p.retryAt = time.Time{}
			continue
		}
		wait := p.retryWait.NextBackOff()
		p.retryAt = p.clock.Now().Add(wait)
		log.Warnf("batch produce failed (attempt %d/%d), retrying in %s: %v", p.retryCount, p.cfg.RetryBudget, wait, err)
		return
	}
}

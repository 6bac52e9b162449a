// SPDX-License-Identifier: Apache-2.0

// Package bus implements the per-job in-memory event log and fan-out. One
// producer (the orchestrator) appends events; any number of subscribers
// replay buffered history and then follow the live stream. The bus never
// blocks or fails the producer: slow subscribers lose their oldest
// undelivered events and receive a synthetic gap marker instead.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/google/uuid"
)

type Deps struct {
	Logger       *slog.Logger
	HistoryLimit int
	QueueSize    int
	ReapGrace    time.Duration
	// HeartbeatEvery <= 0 disables heartbeats (tests drive publishes directly).
	HeartbeatEvery time.Duration
}

type Bus struct {
	logger         *slog.Logger
	historyLimit   int
	queueSize      int
	reapGrace      time.Duration
	heartbeatEvery time.Duration

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobStream
}

type jobStream struct {
	jobID       uuid.UUID
	history     []domain.Event
	nextSeq     int64
	subs        map[*Subscription]struct{}
	closed      bool
	lastPublish time.Time
	stopBeat    chan struct{}
}

func New(deps Deps) *Bus {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	historyLimit := deps.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 200
	}

	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	reapGrace := deps.ReapGrace
	if reapGrace <= 0 {
		reapGrace = 30 * time.Second
	}

	return &Bus{
		logger:         logger,
		historyLimit:   historyLimit,
		queueSize:      queueSize,
		reapGrace:      reapGrace,
		heartbeatEvery: deps.HeartbeatEvery,
		jobs:           make(map[uuid.UUID]*jobStream, 16),
	}
}

// Publish appends an event to the job's history and fans it out. A payload
// that fails to marshal is logged and dropped; publishing never propagates an
// error into the pipeline.
func (b *Bus) Publish(jobID uuid.UUID, eventType domain.EventType, payload any) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			b.logger.Error("event payload marshal failed",
				"job_id", jobID,
				"type", eventType,
				"error", err,
			)
			return
		}
		raw = encoded
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stream := b.streamLocked(jobID)
	if stream.closed {
		b.logger.Warn("publish after close dropped",
			"job_id", jobID,
			"type", eventType,
		)
		return
	}

	ev := domain.Event{
		Type:      eventType,
		JobID:     jobID,
		Sequence:  stream.nextSeq,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	stream.nextSeq++
	stream.lastPublish = ev.Timestamp

	stream.history = append(stream.history, ev)
	if len(stream.history) > b.historyLimit {
		stream.history = stream.history[len(stream.history)-b.historyLimit:]
	}

	for sub := range stream.subs {
		sub.enqueue(ev)
	}
}

// Open registers the job's stream ahead of its first publish so that early
// subscribers attach to a live stream. The orchestrator calls it when it
// launches a run; Publish opens implicitly for everything else.
func (b *Bus) Open(jobID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamLocked(jobID)
}

// Subscribe returns the buffered history as an immediate snapshot plus a live
// channel carrying every event published afterwards. Snapshot and channel are
// split atomically, so a reader that replays the snapshot and then follows
// the channel sees no gap and no duplicate. Subscribing to a job the bus does
// not know, including one already reaped, yields an empty snapshot and an
// immediately closed channel; only producers create streams.
func (b *Bus) Subscribe(jobID uuid.UUID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.jobs[jobID]
	if !ok {
		sub := &Subscription{
			bus:          b,
			jobID:        jobID,
			maxQueue:     b.queueSize,
			ch:           make(chan domain.Event, 1),
			notify:       make(chan struct{}, 1),
			done:         make(chan struct{}),
			streamClosed: true,
		}
		go sub.pump()
		return sub
	}

	sub := &Subscription{
		bus:      b,
		jobID:    jobID,
		snapshot: append([]domain.Event(nil), stream.history...),
		maxQueue: b.queueSize,
		ch:       make(chan domain.Event, 1),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	if stream.closed {
		sub.streamClosed = true
	} else {
		stream.subs[sub] = struct{}{}
	}

	go sub.pump()
	return sub
}

// Close seals the job's stream after its terminal event. Live subscribers
// drain whatever is still queued and then see their channel close; the
// history stays available for late snapshot fetches until the grace period
// expires.
func (b *Bus) Close(jobID uuid.UUID) {
	b.mu.Lock()
	stream, ok := b.jobs[jobID]
	if !ok || stream.closed {
		b.mu.Unlock()
		return
	}

	stream.closed = true
	if stream.stopBeat != nil {
		close(stream.stopBeat)
		stream.stopBeat = nil
	}
	subs := make([]*Subscription, 0, len(stream.subs))
	for sub := range stream.subs {
		subs = append(subs, sub)
	}
	stream.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.markStreamClosed()
	}

	time.AfterFunc(b.reapGrace, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if current, ok := b.jobs[jobID]; ok && current == stream {
			delete(b.jobs, jobID)
		}
	})

	b.logger.Debug("event stream closed", "job_id", jobID)
}

func (b *Bus) streamLocked(jobID uuid.UUID) *jobStream {
	stream, ok := b.jobs[jobID]
	if ok {
		return stream
	}

	stream = &jobStream{
		jobID:       jobID,
		history:     make([]domain.Event, 0, 32),
		subs:        make(map[*Subscription]struct{}, 4),
		lastPublish: time.Now().UTC(),
	}
	b.jobs[jobID] = stream

	if b.heartbeatEvery > 0 {
		stream.stopBeat = make(chan struct{})
		go b.heartbeatLoop(stream, stream.stopBeat)
	}

	return stream
}

// heartbeatLoop publishes a heartbeat whenever the stream has been silent for
// a full interval, so consumers can tell idle from disconnected.
func (b *Bus) heartbeatLoop(stream *jobStream, stop chan struct{}) {
	ticker := time.NewTicker(b.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			idle := !stream.closed && now.Sub(stream.lastPublish) >= b.heartbeatEvery
			b.mu.Unlock()
			if idle {
				b.Publish(stream.jobID, domain.EventHeartbeat, nil)
			}
		}
	}
}

func (b *Bus) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stream, ok := b.jobs[sub.jobID]; ok {
		delete(stream.subs, sub)
	}
}

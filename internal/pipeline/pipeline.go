// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the bounded hand-off between the source
// reader and the sink: a single accumulating Batch, flushed whichever
// trigger fires first (size, interval, or an explicit drain), with
// backpressure applied to the reader when the in-flight event count
// reaches capacity.
package pipeline

import (
	"context"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dbmazz/dbmazz/internal/metrics"
	"github.com/dbmazz/dbmazz/internal/types"
	"github.com/dbmazz/dbmazz/internal/util/notify"
	"github.com/dbmazz/dbmazz/internal/util/stopper"
)

// DefaultFlushSize is the default event-count flush trigger, matching
// §4.4's FLUSH_SIZE default.
const DefaultFlushSize = 1500

// DefaultFlushInterval is the default elapsed-time flush trigger,
// matching §4.4's FLUSH_INTERVAL_MS default.
const DefaultFlushInterval = 5 * time.Second

// Config configures a Pipeline's capacity and flush triggers.
type Config struct {
	// Capacity bounds the number of events in flight (queued plus
	// accumulated into the pending batch) before Enqueue blocks.
	Capacity int
	// FlushSize is the accumulated event count that forces a flush.
	FlushSize int
	// FlushInterval is the elapsed time, since the oldest queued
	// event, that forces a flush.
	FlushInterval time.Duration
}

type txnGroup struct {
	events []types.ChangeEvent
	marker pglogrepl.LSN
}

// Pipeline accumulates committed transactions from the reader into a
// Batch and flushes it to a Sink under the size/interval/drain policy
// of §4.4. A Pipeline never reorders events: it only ever appends
// whole transactions, in the order Enqueue was called, to the pending
// batch.
type Pipeline struct {
	cfg  Config
	sink types.Sink

	// onConfirmed is invoked with the greatest commit marker durably
	// flushed so far; wired to the reader's ConfirmFlush and the
	// checkpoint store by the caller.
	onConfirmed func(ctx context.Context, marker pglogrepl.LSN) error

	sem   chan struct{} // capacity semaphore, one token per in-flight event
	queue chan txnGroup
	drain chan chan struct{}

	confirmed notify.Var[pglogrepl.LSN]
}

// New returns a Pipeline that flushes to sink and reports confirmed
// markers via onConfirmed.
func New(cfg Config, sink types.Sink, onConfirmed func(ctx context.Context, marker pglogrepl.LSN) error) *Pipeline {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultFlushSize
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = DefaultFlushSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Pipeline{
		cfg:         cfg,
		sink:        sink,
		onConfirmed: onConfirmed,
		sem:         make(chan struct{}, cfg.Capacity),
		queue:       make(chan txnGroup, cfg.Capacity),
		drain:       make(chan chan struct{}),
	}
}

// Confirmed returns the greatest commit marker flushed so far, and a
// channel that closes the next time it advances.
func (p *Pipeline) Confirmed() (pglogrepl.LSN, <-chan struct{}) {
	return p.confirmed.Get()
}

// Enqueue adds one completed transaction's events to the pipeline,
// blocking (providing backpressure to the reader) until capacity is
// available or ctx is done. events must be non-empty and already
// stamped with marker as their CommitMarker.
func (p *Pipeline) Enqueue(ctx context.Context, events []types.ChangeEvent, marker pglogrepl.LSN) error {
	for range events {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case p.queue <- txnGroup{events: events, marker: marker}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue into batches and flushes them under the
// size/interval/drain policy until ctx.Stopping() fires or a fatal
// sink error occurs.
func (p *Pipeline) Run(ctx *stopper.Context) error {
	batch := &types.Batch{}
	timer := time.NewTimer(p.cfg.FlushInterval)
	timerRunning := true
	defer timer.Stop()

	stopTimer := func() {
		if !timerRunning {
			return
		}
		if !timer.Stop() {
			<-timer.C
		}
		timerRunning = false
	}
	resetTimer := func() {
		stopTimer()
		timer.Reset(p.cfg.FlushInterval)
		timerRunning = true
	}

	for {
		select {
		case tg := <-p.queue:
			if batch.Len() == 0 {
				resetTimer()
			}
			for _, e := range tg.events {
				batch.Add(e)
			}
			if batch.Len() >= p.cfg.FlushSize {
				if err := p.flush(ctx, batch); err != nil {
					return err
				}
				stopTimer()
			}

		case <-timer.C:
			timerRunning = false
			if batch.Len() > 0 {
				if err := p.flush(ctx, batch); err != nil {
					return err
				}
			} else {
				resetTimer()
			}

		case req := <-p.drain:
			// Absorb every transaction already queued so that the drain
			// covers all events enqueued before the request.
		absorb:
			for {
				select {
				case tg := <-p.queue:
					for _, e := range tg.events {
						batch.Add(e)
					}
				default:
					break absorb
				}
			}
			if batch.Len() > 0 {
				if err := p.flush(ctx, batch); err != nil {
					close(req)
					return err
				}
			}
			close(req)

		case <-ctx.Stopping():
			// Absorb whatever is already queued before the final flush;
			// events enqueued in the instant before shutdown would
			// otherwise sit unflushed in the channel buffer.
		drain:
			for {
				select {
				case tg := <-p.queue:
					for _, e := range tg.events {
						batch.Add(e)
					}
				default:
					break drain
				}
			}
			if batch.Len() > 0 {
				return p.flush(ctx, batch)
			}
			return nil
		}
	}
}

// Drain forces an immediate flush of whatever is accumulated or
// still queued and blocks until it completes. The reader calls it
// before applying a changed relation layout; graceful shutdown is
// handled by Run's own ctx.Stopping() branch instead.
func (p *Pipeline) Drain(ctx context.Context) error {
	req := make(chan struct{})
	select {
	case p.drain <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) flush(ctx context.Context, batch *types.Batch) error {
	start := time.Now()
	n := batch.Len()

	confirmed, err := p.sink.Load(ctx, batch)

	metrics.PipelineFlushDurations.Observe(time.Since(start).Seconds())
	metrics.PipelineFlushEvents.Observe(float64(n))

	for i := range batch.Events {
		batch.Events[i].Release()
		<-p.sem
	}
	batch.Reset()

	if confirmed > 0 {
		cur, _ := p.confirmed.Get()
		if confirmed > cur {
			p.confirmed.Set(confirmed)
		}
		if cbErr := p.onConfirmed(ctx, confirmed); cbErr != nil {
			log.WithError(cbErr).Error("failed to persist confirmed marker after flush")
		}
	}

	if err != nil {
		return errors.Wrap(err, "sink flush")
	}
	return nil
}

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

// Package chaos wraps the sink, checkpoint store, and reader event
// handler with probabilistic fault injection, for use by tests
// asserting the partial-failure rule (a failed sub-batch never
// advances the confirmed marker) and sink idempotency under retry.
// Production wiring never imports this package.
package chaos

import (
	"context"
	"math/rand"

	"github.com/jackc/pglogrepl"
	"github.com/pkg/errors"

	"github.com/dbmazz/dbmazz/internal/reader"
	"github.com/dbmazz/dbmazz/internal/types"
)

// ErrChaos is the error injected by every WithXxx wrapper in this
// package.
var ErrChaos = errors.New("chaos")

func doChaos(msg string) error {
	return errors.WithMessage(ErrChaos, msg)
}

// sink wraps a types.Sink, failing Load with probability prob before
// ever reaching the delegate.
type sink struct {
	delegate types.Sink
	prob     float32
}

// WithSink returns a types.Sink that injects ErrChaos into Load with
// probability prob. delegate is returned unwrapped if prob <= 0.
func WithSink(delegate types.Sink, prob float32) types.Sink {
	if prob <= 0 {
		return delegate
	}
	return &sink{delegate: delegate, prob: prob}
}

func (s *sink) Load(ctx context.Context, batch *types.Batch) (pglogrepl.LSN, error) {
	if rand.Float32() < s.prob {
		return 0, doChaos("Sink.Load")
	}
	return s.delegate.Load(ctx, batch)
}

// checkpointStore wraps a types.CheckpointStore with the same
// injection scheme as sink.
type checkpointStore struct {
	delegate types.CheckpointStore
	prob     float32
}

// WithCheckpointStore returns a types.CheckpointStore that injects
// ErrChaos into Load and Store with probability prob.
func WithCheckpointStore(delegate types.CheckpointStore, prob float32) types.CheckpointStore {
	if prob <= 0 {
		return delegate
	}
	return &checkpointStore{delegate: delegate, prob: prob}
}

func (c *checkpointStore) Load(ctx context.Context, slotName string) (pglogrepl.LSN, bool, error) {
	if rand.Float32() < c.prob {
		return 0, false, doChaos("CheckpointStore.Load")
	}
	return c.delegate.Load(ctx, slotName)
}

func (c *checkpointStore) Store(ctx context.Context, slotName string, marker pglogrepl.LSN) error {
	if rand.Float32() < c.prob {
		return doChaos("CheckpointStore.Store")
	}
	return c.delegate.Store(ctx, slotName, marker)
}

// WithEventHandler returns a reader.EventHandler that injects ErrChaos
// with probability prob before ever reaching delegate, simulating a
// reader-side decode or dispatch failure.
func WithEventHandler(delegate reader.EventHandler, prob float32) reader.EventHandler {
	if prob <= 0 {
		return delegate
	}
	return func(ctx context.Context, events []types.ChangeEvent, commitMarker pglogrepl.LSN) error {
		if rand.Float32() < prob {
			return doChaos("EventHandler")
		}
		return delegate(ctx, events, commitMarker)
	}
}

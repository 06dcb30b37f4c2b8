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

// Package main wires dbmazz's components into a runnable daemon: a
// pgx connection pool, the schema cache, the checkpoint store, the
// StarRocks sink, the pipeline, and the source reader, in the order
// fixed by their dependencies on one another.
package main

import (
	"context"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dbmazz/dbmazz/internal/checkpoint"
	"github.com/dbmazz/dbmazz/internal/config"
	"github.com/dbmazz/dbmazz/internal/pipeline"
	"github.com/dbmazz/dbmazz/internal/reader"
	"github.com/dbmazz/dbmazz/internal/schema"
	"github.com/dbmazz/dbmazz/internal/sink"
	"github.com/dbmazz/dbmazz/internal/types"
	"github.com/dbmazz/dbmazz/internal/util/stopper"
)

// ProvidePool opens a pgx connection pool against the source
// database, used by both the checkpoint store and (separately, with
// replication=database appended) the reader's own direct pgconn.
func ProvidePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open source pool")
	}
	return pool, pool.Close, nil
}

// ProvideSchemaCache returns a fresh, empty schema cache. It is the
// sole writer-free dependency in the graph: both the reader's decoder
// and the sink read from it, but only the decoder ever calls Upsert.
func ProvideSchemaCache() *schema.Cache {
	return schema.New()
}

// ProvideCheckpointStore ensures the checkpoint table exists and
// returns a Store bound to pool.
func ProvideCheckpointStore(ctx context.Context, pool *pgxpool.Pool) (*checkpoint.Store, error) {
	return checkpoint.Open(ctx, pool)
}

// ProvideSink returns a Sink configured from cfg's StarRocks settings.
func ProvideSink(cfg *config.Config, schemaCache *schema.Cache) *sink.Sink {
	return sink.New(sink.Config{
		BaseURL:     cfg.StarRocksURL,
		Database:    cfg.StarRocksDB,
		User:        cfg.StarRocksUser,
		Pass:        cfg.StarRocksPass,
		Parallelism: cfg.SinkParallelism,
		OnTruncate:  sink.OnTruncate(cfg.OnTruncate),
	}, schemaCache)
}

// Loop ties the pipeline and the reader together: the reader's
// EventHandler enqueues onto the pipeline, and the pipeline's
// confirmed-marker callback advances both the reader's flush LSN and
// the durable checkpoint. Neither component can be fully constructed
// before the other exists, so Loop is assembled in two steps by
// ProvideLoop: first the pipeline (referencing Loop's own methods as
// callbacks), then the reader (referencing the pipeline).
type Loop struct {
	cfg             *config.Config
	checkpointStore *checkpoint.Store
	sink            *sink.Sink

	pipeline *pipeline.Pipeline
	reader   *reader.Reader
}

// onConfirmed persists marker to the checkpoint store and only then
// advances the reader's flush_lsn, per §4.3/§7: if the checkpoint
// write keeps failing after its own retries, flush_lsn must not move,
// so a restart re-streams from the last durably-recorded marker
// instead of one the sink never actually confirmed durably.
func (l *Loop) onConfirmed(ctx context.Context, marker pglogrepl.LSN) error {
	if err := l.checkpointStore.Store(ctx, l.cfg.SlotName, marker); err != nil {
		return err
	}
	l.reader.ConfirmFlush(marker)
	return nil
}

func (l *Loop) handleEvents(ctx context.Context, events []types.ChangeEvent, marker pglogrepl.LSN) error {
	return l.pipeline.Enqueue(ctx, events, marker)
}

// ProvideLoop assembles the pipeline and reader around a shared Loop.
func ProvideLoop(
	cfg *config.Config,
	schemaCache *schema.Cache,
	checkpointStore *checkpoint.Store,
	sinkClient *sink.Sink,
) *Loop {
	l := &Loop{cfg: cfg, checkpointStore: checkpointStore, sink: sinkClient}

	l.pipeline = pipeline.New(pipeline.Config{
		Capacity:      2 * cfg.FlushSize,
		FlushSize:     cfg.FlushSize,
		FlushInterval: time.Duration(cfg.FlushIntervalMS) * time.Millisecond,
	}, sinkClient, l.onConfirmed)

	l.reader = reader.New(reader.Config{
		ConnString:          cfg.DatabaseURL + " replication=database",
		SlotName:            cfg.SlotName,
		PublicationName:     cfg.PublicationName,
		Tables:              cfg.Tables,
		DrainOnSchemaChange: l.pipeline.Drain,
	}, schemaCache, l.handleEvents)

	return l
}

// Run bootstraps the sink's audit columns, loads the last confirmed
// checkpoint, and runs the pipeline and reader until ctx is stopped
// or either returns an error.
func (l *Loop) Run(ctx *stopper.Context) error {
	if err := l.sink.Bootstrap(ctx, l.cfg.StarRocksQueryAddr, l.cfg.Tables); err != nil {
		return errors.Wrap(err, "bootstrap sink audit columns")
	}

	startFrom, ok, err := l.checkpointStore.Load(ctx, l.cfg.SlotName)
	if err != nil {
		return errors.Wrap(err, "load checkpoint")
	}
	if ok {
		log.WithField("marker", startFrom.String()).Info("resuming from checkpoint")
	} else {
		log.Info("no checkpoint found, starting from the slot's current position")
	}

	ctx.Go(func() error {
		return errors.Wrap(l.pipeline.Run(ctx), "pipeline")
	})
	ctx.Go(func() error {
		return errors.Wrap(l.reader.Run(ctx, startFrom), "reader")
	})

	return ctx.Wait()
}

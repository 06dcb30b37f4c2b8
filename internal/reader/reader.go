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

// Package reader owns the replication-protocol session with the source
// Postgres instance: slot/publication bootstrap, the receive loop, and
// keepalive/standby-status bookkeeping.
package reader

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dbmazz/dbmazz/internal/decode"
	"github.com/dbmazz/dbmazz/internal/types"
	"github.com/dbmazz/dbmazz/internal/util/ident"
	"github.com/dbmazz/dbmazz/internal/util/stopper"
)

// standbyMessageTimeout is the maximum interval between standby status
// updates sent to the source, matching the >=10s keepalive requirement.
const standbyMessageTimeout = 10 * time.Second

// Config configures a Reader's replication session.
type Config struct {
	// ConnString is a Postgres connection string with replication=database
	// set, suitable for pgconn.Connect.
	ConnString string
	// SlotName is the logical replication slot to consume from. It is
	// created if it does not already exist.
	SlotName string
	// PublicationName is the publication the slot is bound to. It is
	// created FOR TABLE Tables (or FOR ALL TABLES if Tables is empty)
	// if it does not already exist.
	PublicationName string
	// Tables lists the schema-qualified tables (e.g. "public.orders")
	// the bootstrapped publication should cover. Empty means FOR ALL
	// TABLES.
	Tables []string
	// DrainOnSchemaChange is invoked synchronously whenever the decoder
	// reports that a Relation message altered a cached layout (see the
	// relation-type-change policy in DESIGN.md). It must flush every
	// batch accumulated so far, since those batches were decoded
	// against the old layout and the sink re-derives column
	// projections from the schema cache at flush time. Nil disables
	// the drain (only used by tests that do not exercise schema
	// changes).
	DrainOnSchemaChange func(ctx context.Context) error
}

// EventHandler is invoked once per completed transaction the Reader
// decodes. It must not retain the events slice or any TupleValue.Data
// within it beyond release() having been called on every event.
type EventHandler func(ctx context.Context, events []types.ChangeEvent, commitMarker pglogrepl.LSN) error

// Reader drives a single logical replication session end to end.
type Reader struct {
	cfg    Config
	schema types.SchemaCache
	handle EventHandler

	conn *pgconn.PgConn
	dec  *decode.Decoder

	writeLSN atomic.Uint64
	flushLSN atomic.Uint64
	applyLSN atomic.Uint64
}

// New returns a Reader that will decode against schema and invoke
// handle once per committed transaction.
func New(cfg Config, schema types.SchemaCache, handle EventHandler) *Reader {
	return &Reader{
		cfg:    cfg,
		schema: schema,
		handle: handle,
		dec:    decode.New(schema),
	}
}

// FlushLSN returns the most recently confirmed-flushed LSN, safe to
// call concurrently with Run.
func (r *Reader) FlushLSN() pglogrepl.LSN {
	return pglogrepl.LSN(r.flushLSN.Load())
}

// ConfirmFlush records that marker has been durably persisted
// downstream (sink + checkpoint store), allowing the next standby
// status update to report it to the source.
func (r *Reader) ConfirmFlush(marker pglogrepl.LSN) {
	for {
		cur := r.flushLSN.Load()
		if uint64(marker) <= cur {
			return
		}
		if r.flushLSN.CompareAndSwap(cur, uint64(marker)) {
			return
		}
	}
}

// Run connects, bootstraps the slot/publication, and runs the receive
// loop until ctx.Stopping() fires or an unrecoverable error occurs.
func (r *Reader) Run(ctx *stopper.Context, startFrom pglogrepl.LSN) error {
	conn, err := pgconn.Connect(ctx, r.cfg.ConnString)
	if err != nil {
		return errors.Wrap(err, "connect for replication")
	}
	r.conn = conn
	defer conn.Close(context.Background())

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return errors.Wrap(err, "identify system")
	}
	log.WithFields(log.Fields{
		"systemID": sysident.SystemID,
		"timeline": sysident.Timeline,
		"xlogPos":  sysident.XLogPos.String(),
	}).Info("identified replication source")

	if err := r.ensurePublication(ctx, conn); err != nil {
		return err
	}

	if _, err := pglogrepl.CreateReplicationSlot(
		ctx, conn, r.cfg.SlotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Mode: pglogrepl.LogicalReplication},
	); err != nil && !isAlreadyExistsError(err) {
		return errors.Wrap(err, "create replication slot")
	}

	clientXLogPos := sysident.XLogPos
	if startFrom != 0 {
		clientXLogPos = startFrom
	}
	r.writeLSN.Store(uint64(clientXLogPos))
	r.flushLSN.Store(uint64(clientXLogPos))
	r.applyLSN.Store(uint64(clientXLogPos))

	pluginArgs := []string{
		"proto_version '1'",
		"publication_names '" + r.cfg.PublicationName + "'",
	}
	if err := pglogrepl.StartReplication(
		ctx, conn, r.cfg.SlotName, clientXLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs},
	); err != nil {
		return errors.Wrap(err, "start replication")
	}
	log.WithField("slot", r.cfg.SlotName).Info("logical replication started")

	return r.receiveLoop(ctx, clientXLogPos)
}

func (r *Reader) receiveLoop(ctx *stopper.Context, clientXLogPos pglogrepl.LSN) error {
	nextStandby := time.Now().Add(standbyMessageTimeout)

	for {
		select {
		case <-ctx.Stopping():
			return r.sendStandbyStatus(ctx, clientXLogPos)
		default:
		}

		if time.Now().After(nextStandby) {
			if err := r.sendStandbyStatus(ctx, clientXLogPos); err != nil {
				return err
			}
			nextStandby = time.Now().Add(standbyMessageTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		rawMsg, err := r.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			select {
			case <-ctx.Stopping():
				return nil
			default:
			}
			return errors.Wrap(err, "receive replication message")
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return errors.Errorf("replication stream error: %+v", errMsg)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return errors.Wrap(err, "parse keepalive")
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextStandby = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return errors.Wrap(err, "parse xlog data")
			}
			if err := r.handleXLogData(ctx, xld); err != nil {
				return err
			}
			if xld.WALStart > clientXLogPos {
				clientXLogPos = xld.WALStart
			}
			r.writeLSN.Store(uint64(clientXLogPos))
		}
	}
}

func (r *Reader) handleXLogData(ctx context.Context, xld pglogrepl.XLogData) error {
	raw := make([]byte, len(xld.WALData))
	copy(raw, xld.WALData)
	frame := decode.NewFrameRef(raw, nil)
	defer frame.Done()

	res, err := r.dec.Decode(raw, frame)
	if err != nil {
		return errors.Wrap(err, "decode wal data")
	}

	if res.SchemaChanged {
		if r.cfg.DrainOnSchemaChange != nil {
			if err := r.cfg.DrainOnSchemaChange(ctx); err != nil {
				return errors.Wrap(err, "drain pipeline before applying new relation layout")
			}
		}
		r.dec.ApplyPendingRelations()
	}

	if res.Events == nil {
		return nil
	}

	r.applyLSN.Store(uint64(res.CommitMarker))
	return r.handle(ctx, res.Events, res.CommitMarker)
}

func (r *Reader) sendStandbyStatus(ctx context.Context, clientXLogPos pglogrepl.LSN) error {
	flush := pglogrepl.LSN(r.flushLSN.Load())
	apply := pglogrepl.LSN(r.applyLSN.Load())
	err := pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: clientXLogPos,
		WALFlushPosition: flush,
		WALApplyPosition: apply,
	})
	if err != nil {
		return errors.Wrap(err, "send standby status")
	}
	return nil
}

// ensurePublication issues an idempotent CREATE PUBLICATION for
// r.cfg.PublicationName, scoped to r.cfg.Tables (or FOR ALL TABLES
// when Tables is empty). A pre-existing publication of the same name
// is left untouched rather than altered, matching the slot bootstrap's
// tolerance of "already exists".
func (r *Reader) ensurePublication(ctx context.Context, conn *pgconn.PgConn) error {
	stmt := fmt.Sprintf("CREATE PUBLICATION %s ", ident.Ident(r.cfg.PublicationName).Quote())
	if len(r.cfg.Tables) == 0 {
		stmt += "FOR ALL TABLES"
	} else {
		refs := make([]string, len(r.cfg.Tables))
		for i, t := range r.cfg.Tables {
			refs[i] = quoteTableRef(t)
		}
		stmt += "FOR TABLE " + strings.Join(refs, ", ")
	}

	result := conn.Exec(ctx, stmt)
	_, err := result.ReadAll()
	if err != nil && !isAlreadyExistsError(err) {
		return errors.Wrap(err, "create publication")
	}
	log.WithFields(log.Fields{
		"publication": r.cfg.PublicationName,
		"tables":      r.cfg.Tables,
	}).Info("publication bootstrapped")
	return nil
}

// quoteTableRef quotes a possibly schema-qualified table reference
// (e.g. "public.orders" or bare "orders") for use in DDL.
func quoteTableRef(raw string) string {
	if schema, name, ok := strings.Cut(raw, "."); ok {
		return ident.NewTable(schema, name).Quote()
	}
	return ident.Ident(raw).Quote()
}

func isAlreadyExistsError(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}

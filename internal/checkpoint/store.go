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

// Package checkpoint persists the confirmed replication marker for a
// slot so that a restarted daemon resumes from the last durably-loaded
// point instead of from the slot's own confirmed_flush_lsn, which may
// lag the sink.
package checkpoint

import (
	"context"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dbmazz/dbmazz/internal/metrics"
	"github.com/dbmazz/dbmazz/internal/types"
)

const tableName = "dbmazz_checkpoints"

// writeTimeout and the retry policy implement §5/§7: checkpoint writes
// get a 5s deadline per attempt and up to 3 attempts with a short
// linear backoff before the caller gives up and leaves flush_lsn
// unadvanced.
const (
	writeTimeout  = 5 * time.Second
	maxStoreTries = 3
	retryDelay    = 250 * time.Millisecond
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS ` + tableName + ` (
	slot_name        TEXT PRIMARY KEY,
	confirmed_marker BIGINT NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)
`

const selectQuery = `SELECT confirmed_marker FROM ` + tableName + ` WHERE slot_name = $1`

const upsertQuery = `
INSERT INTO ` + tableName + ` (slot_name, confirmed_marker, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (slot_name) DO UPDATE
SET confirmed_marker = GREATEST(` + tableName + `.confirmed_marker, EXCLUDED.confirmed_marker),
    updated_at = now()
`

// Store persists Checkpoint rows in a pgxpool-backed Postgres table.
type Store struct {
	pool *pgxpool.Pool
}

var _ types.CheckpointStore = (*Store)(nil)

// Open ensures the checkpoint table exists and returns a Store bound
// to pool.
func Open(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return nil, errors.Wrap(err, "create checkpoint table")
	}
	return &Store{pool: pool}, nil
}

// Load returns the last confirmed marker for slotName, or (0, false,
// nil) if none has been recorded yet.
func (s *Store) Load(ctx context.Context, slotName string) (pglogrepl.LSN, bool, error) {
	var marker uint64
	err := s.pool.QueryRow(ctx, selectQuery, slotName).Scan(&marker)
	switch {
	case err == nil:
		return pglogrepl.LSN(marker), true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, false, nil
	default:
		return 0, false, errors.Wrapf(err, "load checkpoint for slot %s", slotName)
	}
}

// Store clamps to max(existing, marker) and persists it for slotName,
// retrying up to maxStoreTries times on a transient failure (per §7,
// "Checkpoint write") before giving up. The clamp happens server-side
// via GREATEST so concurrent writers (a restarted instance racing the
// previous one's final flush) cannot regress the marker.
func (s *Store) Store(ctx context.Context, slotName string, marker pglogrepl.LSN) error {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxStoreTries; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		_, err := s.pool.Exec(writeCtx, upsertQuery, slotName, uint64(marker))
		cancel()
		if err == nil {
			metrics.CheckpointStoreDurations.Observe(time.Since(start).Seconds())
			log.WithFields(log.Fields{
				"slot":   slotName,
				"marker": marker.String(),
			}).Debug("checkpoint stored")
			return nil
		}
		lastErr = err
		metrics.CheckpointErrorsTotal.Inc()
		if attempt == maxStoreTries {
			break
		}
		log.WithError(err).WithFields(log.Fields{
			"slot":    slotName,
			"attempt": attempt,
		}).Warn("checkpoint store attempt failed, retrying")
		select {
		case <-time.After(time.Duration(attempt) * retryDelay):
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "store checkpoint for slot %s", slotName)
		}
	}
	return errors.Wrapf(lastErr, "store checkpoint for slot %s: exhausted %d attempts", slotName, maxStoreTries)
}

// DescribeTable returns the checkpoint table name, used by diagnostics
// and tests.
func DescribeTable() string {
	return tableName
}

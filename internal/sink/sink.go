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

// Package sink partitions a flushed Batch by (relation, toast
// signature), serializes each partition as newline-delimited JSON, and
// issues it to StarRocks as a Stream Load HTTP PUT, retrying
// transient failures and escalating the rest as fatal.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dbmazz/dbmazz/internal/faults"
	"github.com/dbmazz/dbmazz/internal/metrics"
	"github.com/dbmazz/dbmazz/internal/types"
	"github.com/dbmazz/dbmazz/internal/util/msort"
)

// requestTimeout bounds a single Stream Load attempt, per §5.
const requestTimeout = 60 * time.Second

// OnTruncate is the configured policy for handling a Truncate
// message's synthetic wipe marker, resolved in DESIGN.md's Open
// Question. FlushAndWipe is currently the only supported value.
type OnTruncate string

// The supported truncate policies.
const (
	FlushAndWipe OnTruncate = "flush_and_wipe"
)

// Config configures a Sink's StarRocks target and retry/parallelism
// behavior.
type Config struct {
	// BaseURL is the StarRocks FE HTTP endpoint, e.g. "http://host:8030".
	BaseURL string
	// Database is the target StarRocks database.
	Database string
	// User and Pass authenticate the Stream Load request.
	User, Pass string
	// Parallelism bounds the number of sub-batch requests in flight at
	// once; the default of 1 preserves per-relation ordering trivially.
	Parallelism int
	// OnTruncate selects the policy for synthetic truncate markers.
	OnTruncate OnTruncate
}

// Sink loads partitioned batches into StarRocks via Stream Load.
type Sink struct {
	cfg    Config
	schema types.SchemaCache
	client *http.Client
}

var _ types.Sink = (*Sink)(nil)

// New returns a Sink bound to cfg and schema.
func New(cfg Config, schema types.SchemaCache) *Sink {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Sink{cfg: cfg, schema: schema, client: newClient(cfg.User, cfg.Pass)}
}

type subResult struct {
	key              types.BatchKey
	minMark, maxMark pglogrepl.LSN
	err              error
}

// Load partitions batch by BatchKey, sends each sub-batch (up to
// cfg.Parallelism concurrently), and returns the greatest commit
// marker that is now durably visible in StarRocks. Per the
// partial-failure rule (§7), that may be strictly less than
// batch.MaxCommitMarker when some sub-batches failed.
func (s *Sink) Load(ctx context.Context, batch *types.Batch) (pglogrepl.LSN, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	syncedAt := time.Now()
	partitions := batch.Partition()
	order := batch.PartitionOrder()

	results := make([]subResult, len(order))
	sem := make(chan struct{}, s.cfg.Parallelism)
	var wg sync.WaitGroup
	for i, key := range order {
		i, key := i, key
		events := partitions[key]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.sendSubBatch(ctx, key, events, syncedAt)
		}()
	}
	wg.Wait()

	return reconcileMarkers(results)
}

// reconcileMarkers implements §7's partial-failure rule: a failed
// sub-batch never advances the confirmed marker, and successful
// sub-batches may advance it only up to the greatest marker strictly
// below the smallest marker carried by any failed sub-batch.
func reconcileMarkers(results []subResult) (pglogrepl.LSN, error) {
	var failedMin pglogrepl.LSN
	haveFailed := false
	var firstErr error
	failedRelations := 0
	for _, r := range results {
		if r.err == nil {
			continue
		}
		if !haveFailed || r.minMark < failedMin {
			failedMin = r.minMark
		}
		haveFailed = true
		failedRelations++
		if firstErr == nil {
			firstErr = r.err
		}
	}
	if failedRelations > 1 {
		firstErr = errors.Wrapf(firstErr, "and %d other sub-batch(es) also failed", failedRelations-1)
	}

	if !haveFailed {
		var maxMark pglogrepl.LSN
		for _, r := range results {
			if r.maxMark > maxMark {
				maxMark = r.maxMark
			}
		}
		return maxMark, nil
	}

	var confirmed pglogrepl.LSN
	for _, r := range results {
		if r.err != nil {
			continue
		}
		if r.maxMark < failedMin && r.maxMark > confirmed {
			confirmed = r.maxMark
		}
	}
	return confirmed, errors.Wrap(firstErr, "one or more sub-batches failed")
}

func (s *Sink) sendSubBatch(ctx context.Context, key types.BatchKey, events []types.ChangeEvent, syncedAt time.Time) subResult {
	res := subResult{key: key}
	for i, e := range events {
		if i == 0 || e.CommitMarker < res.minMark {
			res.minMark = e.CommitMarker
		}
		if e.CommitMarker > res.maxMark {
			res.maxMark = e.CommitMarker
		}
	}

	rel, ok := s.schema.Get(key.RelationID)
	if !ok {
		res.err = errors.Wrapf(types.ErrUnknownRelation, "relation id %d", key.RelationID)
		return res
	}

	if key.Delete {
		rows, wipeCount := partitionDeletes(events)
		if wipeCount > 0 {
			if err := s.wipeRelation(ctx, rel); err != nil {
				res.err = err
				return res
			}
		}
		if len(rows) == 0 {
			return res
		}
		if err := s.sendRows(ctx, rel, key, rows, syncedAt); err != nil {
			res.err = err
		}
		return res
	}

	if err := s.sendRows(ctx, rel, key, events, syncedAt); err != nil {
		res.err = err
	}
	return res
}

// partitionDeletes splits a Delete sub-batch into genuine row deletes
// (OldTuple present) and synthetic truncate-wipe markers (OldTuple
// nil, emitted by the decoder's handleTruncate), since they require
// entirely different Stream Load requests. One wipeRelation call
// covers every marker for the relation, so only the count is needed.
func partitionDeletes(events []types.ChangeEvent) (rows []types.ChangeEvent, wipeCount int) {
	for _, e := range events {
		if e.OldTuple == nil {
			wipeCount++
			continue
		}
		rows = append(rows, e)
	}
	return rows, wipeCount
}

func (s *Sink) sendRows(ctx context.Context, rel types.Relation, key types.BatchKey, events []types.ChangeEvent, syncedAt time.Time) error {
	// Every event in a sub-batch shares a column projection, so a row
	// for a primary key that appears more than once is fully covered
	// by the latest event for that key: ship only that one.
	events = msort.UniqueByRelationKey(events, eventKeyFn(rel))

	var names []string
	var rows []map[string]interface{}

	if key.Delete {
		keyIdxs := keyIndices(rel)
		names = columnNames(rel, keyIdxs)
		rows = make([]map[string]interface{}, 0, len(events))
		for _, e := range events {
			row, err := buildDeleteRow(rel, e, keyIdxs, syncedAt)
			if err != nil {
				return errors.Wrap(faults.ErrSinkFatal, err.Error())
			}
			rows = append(rows, row)
		}
	} else {
		idxs := projectedIndices(rel, key.ToastBitmap)
		names = columnNames(rel, idxs)
		rows = make([]map[string]interface{}, 0, len(events))
		for _, e := range events {
			row, err := buildUpsertRow(rel, e, idxs, syncedAt)
			if err != nil {
				return errors.Wrap(faults.ErrSinkFatal, err.Error())
			}
			rows = append(rows, row)
		}
	}

	body, err := encodeNDJSON(rows)
	if err != nil {
		return errors.Wrap(faults.ErrSinkFatal, err.Error())
	}

	partial := key.Delete || key.ToastBitmap != 0
	columnsHeader := strings.Join(append(append([]string{}, names...), auditColumns...), ",")

	label := streamLoadLabel(rel)
	start := time.Now()
	err = withBackoff(ctx, func(attempt int) (bool, error) {
		if attempt > 1 {
			metrics.SinkRetriesTotal.WithLabelValues(rel.QualifiedName()).Inc()
		}
		return s.doStreamLoad(ctx, rel, columnsHeader, label, partial, body)
	})
	metrics.SinkRequestDurations.WithLabelValues(rel.QualifiedName()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SinkErrorsTotal.WithLabelValues(rel.QualifiedName()).Inc()
		// Every attempt is exhausted by the time withBackoff returns an
		// error, retryable or not, so it is now fatal regardless of
		// which sentinel (if any) doStreamLoad already attached.
		if !errors.Is(err, faults.ErrSinkFatal) && !errors.Is(err, faults.ErrSchemaMismatch) && !errors.Is(err, faults.ErrConfigFatal) {
			err = errors.Wrap(faults.ErrSinkFatal, err.Error())
		}
		return err
	}
	return nil
}

// streamLoadResponse is the subset of StarRocks' Stream Load JSON
// response body this sink inspects.
type streamLoadResponse struct {
	Status  string `json:"Status"`
	Message string `json:"Message"`
}

// doStreamLoad issues one Stream Load PUT attempt and classifies the
// outcome as (retryable, error). A nil error means the load
// succeeded.
func (s *Sink) doStreamLoad(ctx context.Context, rel types.Relation, columnsHeader, label string, partial bool, body []byte) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/%s/%s/_stream_load", s.cfg.BaseURL, s.cfg.Database, rel.Name)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(faults.ErrSinkFatal, err.Error())
	}
	req.SetBasicAuth(s.cfg.User, s.cfg.Pass)
	req.ContentLength = int64(len(body))
	req.Header.Set("Expect", "100-continue")
	req.Header.Set("format", "json")
	req.Header.Set("strip_outer_array", "false")
	req.Header.Set("read_json_by_line", "true")
	req.Header.Set("columns", columnsHeader)
	req.Header.Set("label", label)
	if partial {
		req.Header.Set("partial_update", "true")
		req.Header.Set("partial_update_mode", "row")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return true, errors.Wrapf(err, "stream load %s: transport error", rel.QualifiedName())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, errors.Wrapf(err, "stream load %s: read response", rel.QualifiedName())
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, errors.Errorf("stream load %s: 429 rate limited", rel.QualifiedName())
	case resp.StatusCode >= 500:
		return true, errors.Errorf("stream load %s: %d %s", rel.QualifiedName(), resp.StatusCode, raw)
	case resp.StatusCode >= 400:
		return false, errors.Wrapf(faults.ErrSinkFatal, "stream load %s: %d %s", rel.QualifiedName(), resp.StatusCode, raw)
	}

	var parsed streamLoadResponse
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr != nil {
		return false, errors.Wrapf(faults.ErrSinkFatal, "stream load %s: unparseable response %s", rel.QualifiedName(), raw)
	}

	switch parsed.Status {
	case "Success":
		return false, nil
	case "Publish Timeout":
		log.WithField("relation", rel.QualifiedName()).Warn("stream load publish timeout, retrying")
		return true, errors.Errorf("stream load %s: publish timeout", rel.QualifiedName())
	case "Label Already Exists":
		// The previous attempt's label collided with a retry of the
		// same logical request; treat this as success since Stream
		// Load labels are idempotent within their dedup window.
		return false, nil
	default:
		if isSchemaMismatch(parsed.Message) {
			return false, errors.Wrapf(faults.ErrSchemaMismatch, "stream load %s: %s", rel.QualifiedName(), parsed.Message)
		}
		return false, errors.Wrapf(faults.ErrSinkFatal, "stream load %s: status %s: %s", rel.QualifiedName(), parsed.Status, parsed.Message)
	}
}

func isSchemaMismatch(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "schema") || strings.Contains(lower, "column count") || strings.Contains(lower, "unknown column")
}

// streamLoadLabel derives a unique-enough label for the StarRocks
// dedup window from the relation and current time; collisions across
// retries of the same logical sub-batch are handled by the 200/"Label
// Already Exists" case above.
func streamLoadLabel(rel types.Relation) string {
	return "dbmazz_" + rel.Name + "_" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// wipeRelation implements the flush_and_wipe truncate policy: a
// dedicated Stream Load request carrying no rows, with
// partial_update disabled, standing in for StarRocks' lack of a
// native bulk-ingest truncate — the source gives us no enumeration of
// the truncated table's primary keys to synthesize row-level deletes
// with (see DESIGN.md's Open Question resolution). Operators relying
// on Truncate should pair this with an external retention/compaction
// job on the StarRocks side.
func (s *Sink) wipeRelation(ctx context.Context, rel types.Relation) error {
	if s.cfg.OnTruncate != FlushAndWipe {
		return errors.Wrapf(faults.ErrConfigFatal, "relation %s: truncate received but on_truncate policy %q is unsupported", rel.QualifiedName(), s.cfg.OnTruncate)
	}
	log.WithField("relation", rel.QualifiedName()).Warn("truncate received: wiping sink table contents")

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/%s/%s/_stream_load", s.cfg.BaseURL, s.cfg.Database, rel.Name)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, url, nil)
	if err != nil {
		return errors.Wrap(faults.ErrSinkFatal, err.Error())
	}
	req.SetBasicAuth(s.cfg.User, s.cfg.Pass)
	req.Header.Set("format", "json")
	req.Header.Set("read_json_by_line", "true")
	req.Header.Set("label", streamLoadLabel(rel))
	req.Header.Set("columns", strings.Join(columnNames(rel, keyIndices(rel)), ","))
	req.Header.Set("merge_condition", "dbmazz_cdc_version")
	req.Header.Set("partial_update", "false")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(faults.ErrSinkFatal, "wipe relation %s: %v", rel.QualifiedName(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return errors.Wrapf(faults.ErrSinkFatal, "wipe relation %s: %d %s", rel.QualifiedName(), resp.StatusCode, raw)
	}
	return nil
}

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

// Package types contains the data types and interfaces that define the
// major functional blocks of dbmazz: the relation cache, the decoded
// tuple and event shapes, batching, and checkpointing. Keeping them in
// one package makes it easy to compose the decoder, pipeline, and sink
// without import cycles.
package types

import (
	"context"
	"math/bits"

	"github.com/jackc/pglogrepl"
	"github.com/pkg/errors"
)

// MaxBitmapColumns is the number of columns the 64-bit toast bitmap
// can track (indices 0 through 63). A tuple with an Unchanged value at
// a column index at or beyond this cannot be represented.
const MaxBitmapColumns = 64

// ReplicaIdentity mirrors Postgres' REPLICA IDENTITY settings and
// determines whether an UPDATE/DELETE carries an old tuple.
type ReplicaIdentity int

// The replica identity modes a Relation may report.
const (
	ReplicaIdentityDefault ReplicaIdentity = iota
	ReplicaIdentityFull
	ReplicaIdentityIndex
	ReplicaIdentityNothing
)

func (r ReplicaIdentity) String() string {
	switch r {
	case ReplicaIdentityFull:
		return "full"
	case ReplicaIdentityIndex:
		return "index"
	case ReplicaIdentityNothing:
		return "nothing"
	default:
		return "default"
	}
}

// Column describes one column of a cached Relation.
type Column struct {
	Name    string
	TypeOID uint32
	IsKey   bool
}

// Relation is a cached description of a source table, keyed by the
// relation id the source assigns it for the lifetime of a replication
// session.
type Relation struct {
	RelationID      uint32
	Namespace       string
	Name            string
	Columns         []Column
	ReplicaIdentity ReplicaIdentity
}

// QualifiedName returns "namespace.name".
func (r *Relation) QualifiedName() string {
	return r.Namespace + "." + r.Name
}

// KeyColumns returns the subset of Columns marked IsKey, in declaration
// order.
func (r *Relation) KeyColumns() []Column {
	var out []Column
	for _, c := range r.Columns {
		if c.IsKey {
			out = append(out, c)
		}
	}
	return out
}

// ErrUnknownRelation is returned when an event references a relation_id
// that has not been registered via a Relation message. The decoder
// always treats this as fatal.
var ErrUnknownRelation = errors.New("unknown relation")

// ErrBitmapOverflow is returned when a decoded tuple has an Unchanged
// value at a column index >= MaxBitmapColumns.
var ErrBitmapOverflow = errors.New("relation exceeds toast-bitmap column cap")

// TupleValueKind distinguishes the three wire encodings a column value
// can take within a TupleData.
type TupleValueKind uint8

// The kinds a TupleValue can take, matching the pgoutput tag bytes
// 'n' (null), 'u' (unchanged/TOASTed), 't'/'b' (text/binary).
const (
	ValueNull TupleValueKind = iota
	ValueUnchanged
	ValueText
)

// TupleValue is one decoded column value. Data is only meaningful when
// Kind is ValueText; it borrows a sub-slice of the owning FrameRef's
// backing array and must not be retained past the frame's release.
type TupleValue struct {
	Kind TupleValueKind
	Data []byte
}

// TupleData is a decoded row instance: one TupleValue per column of the
// owning Relation, plus the derived toast bitmap.
type TupleData struct {
	Values      []TupleValue
	ToastBitmap uint64
}

// NewTupleData builds a TupleData from ordered column values, deriving
// the toast bitmap as it goes. It returns ErrBitmapOverflow if an
// Unchanged value occurs at a column index >= MaxBitmapColumns.
func NewTupleData(values []TupleValue) (TupleData, error) {
	td := TupleData{Values: values}
	for i, v := range values {
		if v.Kind != ValueUnchanged {
			continue
		}
		if i >= MaxBitmapColumns {
			return TupleData{}, ErrBitmapOverflow
		}
		td.ToastBitmap |= 1 << uint(i)
	}
	return td, nil
}

// PopCount returns the number of Unchanged (TOASTed-and-omitted)
// columns, computed as the population count of the toast bitmap.
func (t TupleData) PopCount() int {
	return bits.OnesCount64(t.ToastBitmap)
}

// HasUnchanged reports whether any column in the tuple is Unchanged.
func (t TupleData) HasUnchanged() bool {
	return t.ToastBitmap != 0
}

// UnchangedIndices returns the column indices whose value is Unchanged,
// in ascending order, by repeatedly extracting and clearing the lowest
// set bit of the toast bitmap. This is O(k) in the number of unchanged
// columns rather than O(n) in the total column count.
func (t TupleData) UnchangedIndices() []int {
	if t.ToastBitmap == 0 {
		return nil
	}
	out := make([]int, 0, t.PopCount())
	bm := t.ToastBitmap
	for bm != 0 {
		idx := bits.TrailingZeros64(bm)
		out = append(out, idx)
		bm &= bm - 1 // clear lowest set bit
	}
	return out
}

// EventKind is the kind of change a ChangeEvent represents.
type EventKind uint8

// The kinds of row-level change the decoder emits.
const (
	EventInsert EventKind = iota
	EventUpdate
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// OpType returns the dbmazz_op_type audit column value: 0=Insert,
// 1=Update, 2=Delete.
func (k EventKind) OpType() int {
	return int(k)
}

// ChangeEvent is the unit produced by the decoder and consumed by the
// pipeline and sink.
type ChangeEvent struct {
	Kind         EventKind
	RelationID   uint32
	NewTuple     *TupleData
	OldTuple     *TupleData
	CommitMarker pglogrepl.LSN

	release func()
}

// SetRelease attaches a frame-release callback to the event. Decode
// call sites invoke this once per event produced from a given frame.
func (e *ChangeEvent) SetRelease(fn func()) {
	e.release = fn
}

// Release invokes the frame-release callback, if any. The pipeline
// calls this for every event of a batch once the sink's Load call for
// that batch has returned, whether or not the load succeeded.
func (e *ChangeEvent) Release() {
	if e.release != nil {
		e.release()
		e.release = nil
	}
}

// BatchKey partitions a Batch into sub-batches that share a column
// projection: same relation, same set of TOASTed-and-omitted columns,
// and same operation class. Delete is tracked separately from
// ToastBitmap because a soft-delete row always projects to
// primary-key-only regardless of what the deleted row's old tuple
// happened to carry, so it must never share a sub-batch (and thus a
// Stream Load columns: header) with an Insert/Update whose
// ToastBitmap also happens to be zero.
type BatchKey struct {
	RelationID  uint32
	ToastBitmap uint64
	Delete      bool
}

// Batch is the set of ChangeEvents accumulated by the pipeline between
// flushes, in commit order.
type Batch struct {
	Events          []ChangeEvent
	MaxCommitMarker pglogrepl.LSN
}

// Add appends an event to the batch and maintains MaxCommitMarker.
func (b *Batch) Add(e ChangeEvent) {
	b.Events = append(b.Events, e)
	if e.CommitMarker > b.MaxCommitMarker {
		b.MaxCommitMarker = e.CommitMarker
	}
}

// Len reports the number of events accumulated so far.
func (b *Batch) Len() int {
	return len(b.Events)
}

// Reset clears the batch for reuse without releasing its backing
// array.
func (b *Batch) Reset() {
	b.Events = b.Events[:0]
	b.MaxCommitMarker = 0
}

// Partition groups the batch's events by BatchKey, preserving the
// relative order of events that share a key. Deletes always use the
// primary-key-only projection (ToastBitmap zero, Delete true), since
// the toast bitmap of a deleted row's old tuple has no bearing on the
// delete payload shape.
func (b *Batch) Partition() map[BatchKey][]ChangeEvent {
	out := make(map[BatchKey][]ChangeEvent)
	for _, e := range b.Events {
		key := BatchKey{RelationID: e.RelationID, Delete: e.Kind == EventDelete}
		if e.Kind != EventDelete && e.NewTuple != nil {
			key.ToastBitmap = e.NewTuple.ToastBitmap
		}
		out[key] = append(out[key], e)
	}
	return out
}

// PartitionOrder returns the distinct BatchKeys produced by Partition,
// in the order each was first encountered in b.Events. Sinks that
// preserve per-relation ordering under sink_parallelism=1 process
// sub-batches in this order.
func (b *Batch) PartitionOrder() []BatchKey {
	seen := make(map[BatchKey]bool)
	var order []BatchKey
	for _, e := range b.Events {
		key := BatchKey{RelationID: e.RelationID, Delete: e.Kind == EventDelete}
		if e.Kind != EventDelete && e.NewTuple != nil {
			key.ToastBitmap = e.NewTuple.ToastBitmap
		}
		if !seen[key] {
			seen[key] = true
			order = append(order, key)
		}
	}
	return order
}

// Checkpoint is the durable progress marker for a replication slot.
type Checkpoint struct {
	SlotName        string
	ConfirmedMarker pglogrepl.LSN
}

// SchemaCache maps relation ids to their cached Relation description.
// The decoder is the sole writer; the sink reads concurrently.
type SchemaCache interface {
	// Upsert replaces or inserts the Relation under its RelationID.
	Upsert(rel Relation)
	// Get returns the cached Relation and true, or a zero Relation and
	// false if relationID has not been registered.
	Get(relationID uint32) (Relation, bool)
	// ListColumns returns the column slice for relationID, or
	// ErrUnknownRelation if it has not been registered.
	ListColumns(relationID uint32) ([]Column, error)
}

// CheckpointStore persists and loads the confirmed marker for a
// replication slot.
type CheckpointStore interface {
	// Load returns the last confirmed marker for slotName, or (0,
	// false, nil) if none has been recorded yet.
	Load(ctx context.Context, slotName string) (pglogrepl.LSN, bool, error)
	// Store clamps to max(existing, marker) and persists it.
	Store(ctx context.Context, slotName string, marker pglogrepl.LSN) error
}

// Sink accepts a partitioned batch and durably loads it into the
// analytical target, returning once every sub-batch has either
// succeeded or been escalated as fatal. Confirmed is the greatest
// commit marker that is now durably visible in the sink; per the
// partial-failure rule, this may be less than batch.MaxCommitMarker
// when some sub-batches failed, and callers must persist Confirmed
// (if nonzero) even when err is non-nil.
type Sink interface {
	Load(ctx context.Context, batch *Batch) (confirmed pglogrepl.LSN, err error)
}

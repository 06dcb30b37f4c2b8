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

package sink

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dbmazz/dbmazz/internal/types"
)

// The audit columns synthesized onto every sink row, per §6.
const (
	colOpType    = "dbmazz_op_type"
	colIsDeleted = "dbmazz_is_deleted"
	colSyncedAt  = "dbmazz_synced_at"
	colCDCVer    = "dbmazz_cdc_version"
)

var auditColumns = []string{colOpType, colIsDeleted, colSyncedAt, colCDCVer}

// projectedIndices returns the indices into rel.Columns (and,
// equivalently, into a TupleData.Values built against rel) whose bit
// is clear in bitmap, in column order: the upsert projection for a
// sub-batch with the given toast bitmap.
func projectedIndices(rel types.Relation, bitmap uint64) []int {
	idxs := make([]int, 0, len(rel.Columns))
	for i := range rel.Columns {
		if bitmap&(1<<uint(i)) != 0 {
			continue
		}
		idxs = append(idxs, i)
	}
	return idxs
}

func columnNames(rel types.Relation, idxs []int) []string {
	names := make([]string, len(idxs))
	for i, idx := range idxs {
		names[i] = rel.Columns[idx].Name
	}
	return names
}

func keyIndices(rel types.Relation) []int {
	idxs := make([]int, 0, len(rel.Columns))
	for i, c := range rel.Columns {
		if c.IsKey {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// eventKeyFn returns the primary-key identity extractor used to
// deduplicate a sub-batch before serialization. Deletes identify by
// their old tuple, everything else by the new tuple. An event with no
// row identity (a truncate wipe marker, or a key column that is not a
// plain value) returns the empty string and is never deduplicated.
func eventKeyFn(rel types.Relation) func(types.ChangeEvent) string {
	keyIdxs := keyIndices(rel)
	return func(e types.ChangeEvent) string {
		tuple := e.NewTuple
		if e.Kind == types.EventDelete {
			tuple = e.OldTuple
		}
		if tuple == nil || len(keyIdxs) == 0 {
			return ""
		}
		var sb strings.Builder
		for _, i := range keyIdxs {
			v := tuple.Values[i]
			if v.Kind != types.ValueText {
				return ""
			}
			sb.Write(v.Data)
			sb.WriteByte(0)
		}
		return sb.String()
	}
}

// tupleValue renders one decoded column value as the interface{} that
// encoding/json will serialize. ValueUnchanged should never reach this
// function for a projected column, since projectedIndices already
// excludes every bit set in the bitmap the projection was built from.
func tupleValue(v types.TupleValue) (interface{}, error) {
	switch v.Kind {
	case types.ValueNull:
		return nil, nil
	case types.ValueText:
		return string(v.Data), nil
	default:
		return nil, errors.Errorf("unexpected tuple value kind %d in projected column", v.Kind)
	}
}

// buildUpsertRow renders one Insert/Update event's projected columns
// plus the four audit columns into a JSON-serializable row.
func buildUpsertRow(rel types.Relation, ev types.ChangeEvent, idxs []int, syncedAt time.Time) (map[string]interface{}, error) {
	row := make(map[string]interface{}, len(idxs)+len(auditColumns))
	for _, i := range idxs {
		val, err := tupleValue(ev.NewTuple.Values[i])
		if err != nil {
			return nil, errors.Wrapf(err, "relation %s column %s", rel.QualifiedName(), rel.Columns[i].Name)
		}
		row[rel.Columns[i].Name] = val
	}
	row[colOpType] = ev.Kind.OpType()
	row[colIsDeleted] = false
	row[colSyncedAt] = syncedAt.UTC().Format("2006-01-02 15:04:05.999999")
	row[colCDCVer] = uint64(ev.CommitMarker)
	return row, nil
}

// buildDeleteRow renders one Delete event as a soft-delete row: only
// the primary-key columns plus the four audit columns, per §4.5.
func buildDeleteRow(rel types.Relation, ev types.ChangeEvent, keyIdxs []int, syncedAt time.Time) (map[string]interface{}, error) {
	row := make(map[string]interface{}, len(keyIdxs)+len(auditColumns))
	for _, i := range keyIdxs {
		val, err := tupleValue(ev.OldTuple.Values[i])
		if err != nil {
			return nil, errors.Wrapf(err, "relation %s key column %s", rel.QualifiedName(), rel.Columns[i].Name)
		}
		row[rel.Columns[i].Name] = val
	}
	row[colOpType] = types.EventDelete.OpType()
	row[colIsDeleted] = true
	row[colSyncedAt] = syncedAt.UTC().Format("2006-01-02 15:04:05.999999")
	row[colCDCVer] = uint64(ev.CommitMarker)
	return row, nil
}

// encodeNDJSON marshals rows as newline-delimited JSON objects, one
// per line, matching the read_json_by_line Stream Load convention.
func encodeNDJSON(rows []map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, errors.Wrap(err, "encode ndjson row")
		}
	}
	return buf.Bytes(), nil
}

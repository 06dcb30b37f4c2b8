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

package decode

import (
	"github.com/jackc/pglogrepl"
	"github.com/pkg/errors"

	"github.com/dbmazz/dbmazz/internal/faults"
	"github.com/dbmazz/dbmazz/internal/types"
)

// buildTuple converts a decoded pglogrepl.TupleData into our
// types.TupleData, validating the column count against rel and
// borrowing TupleValue.Data directly from frame rather than copying.
// Binary tag 'b' is accepted alongside the text tag 't' for forward
// compatibility with protocol versions pglogrepl does not currently
// emit under v1; both carry the column's value as-is.
func buildTuple(rel types.Relation, tuple *pglogrepl.TupleData) (types.TupleData, error) {
	if tuple == nil {
		return types.TupleData{}, nil
	}
	if len(tuple.Columns) != len(rel.Columns) {
		return types.TupleData{}, errors.Wrapf(faults.ErrSchemaMismatch,
			"relation %s: expected %d columns, wire tuple has %d",
			rel.QualifiedName(), len(rel.Columns), len(tuple.Columns))
	}

	values := make([]types.TupleValue, len(tuple.Columns))
	for i, col := range tuple.Columns {
		switch col.DataType {
		case 'n':
			values[i] = types.TupleValue{Kind: types.ValueNull}
		case 'u':
			values[i] = types.TupleValue{Kind: types.ValueUnchanged}
		case 't', 'b':
			values[i] = types.TupleValue{Kind: types.ValueText, Data: col.Data}
		default:
			return types.TupleData{}, errors.Wrapf(faults.ErrDecodeFatal,
				"relation %s: unrecognized tuple tag byte %q for column %d",
				rel.QualifiedName(), col.DataType, i)
		}
	}

	td, err := types.NewTupleData(values)
	if err != nil {
		return types.TupleData{}, errors.Wrapf(faults.ErrDecodeFatal, "relation %s: %s", rel.QualifiedName(), err.Error())
	}
	return td, nil
}

// relationFromMessage converts a pglogrepl.RelationMessage into our
// cached types.Relation, marking key columns from the replica-identity
// flag pglogrepl sets on each RelationMessageColumn (flag bit 1).
func relationFromMessage(msg *pglogrepl.RelationMessage) types.Relation {
	cols := make([]types.Column, len(msg.Columns))
	for i, c := range msg.Columns {
		cols[i] = types.Column{
			Name:    c.Name,
			TypeOID: c.DataType,
			IsKey:   c.Flags&1 != 0,
		}
	}

	identity := types.ReplicaIdentityDefault
	switch msg.ReplicaIdentity {
	case 'f':
		identity = types.ReplicaIdentityFull
	case 'i':
		identity = types.ReplicaIdentityIndex
	case 'n':
		identity = types.ReplicaIdentityNothing
	}

	return types.Relation{
		RelationID:      msg.RelationID,
		Namespace:       msg.Namespace,
		Name:            msg.RelationName,
		Columns:         cols,
		ReplicaIdentity: identity,
	}
}

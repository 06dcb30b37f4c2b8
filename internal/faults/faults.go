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

// Package faults declares the sentinel errors that mark a failure as
// fatal to the daemon, along with the exit code each maps to. Callers
// wrap these with pkg/errors context; main matches on them with a
// single errors.Is/errors.As switch.
package faults

import "github.com/pkg/errors"

// The fatal-error vocabulary the daemon's components escalate through.
var (
	// ErrDecodeFatal marks an unrecoverable wire-protocol decode
	// failure: malformed message framing, an unknown relation id, or
	// an unrecognized tuple tag byte.
	ErrDecodeFatal = errors.New("fatal decode error")
	// ErrSchemaMismatch marks a relation layout that does not agree
	// with its counterpart: a wire tuple whose column count differs
	// from the cached relation, or a layout the sink cannot reconcile
	// with its target table (e.g. a primary key column removed from
	// the source table).
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrSinkFatal marks a Stream Load failure that retry cannot
	// resolve: a non-429 4xx response, or retry exhaustion on a 5xx.
	ErrSinkFatal = errors.New("fatal sink error")
	// ErrConfigFatal marks a configuration value that failed
	// preflight validation.
	ErrConfigFatal = errors.New("invalid configuration")
)

// ExitCode maps a fatal sentinel to the process exit code the daemon
// reports it under. Unrecognized errors map to the generic failure
// code 1.
func ExitCode(err error) int {
	switch {
	case errors.Is(err, ErrConfigFatal):
		return 2
	case errors.Is(err, ErrDecodeFatal):
		return 3
	case errors.Is(err, ErrSchemaMismatch):
		return 4
	case errors.Is(err, ErrSinkFatal):
		return 5
	default:
		return 1
	}
}

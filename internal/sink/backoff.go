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
	"context"
	"time"
)

// backoffBase, backoffCap, and maxAttempts implement §4.5's retry
// policy: exponential backoff starting at 500ms, doubling to a 30s
// cap, up to 5 attempts total. No backoff library appears anywhere in
// the retrieved corpus, so this is hand-rolled on top of time.Timer,
// matching every retrieved CDC-adjacent example's own transport code.
const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
	maxAttempts = 5
)

// attemptFunc performs one attempt. retryable is only consulted when
// err is non-nil: it tells withBackoff whether another attempt should
// be made.
type attemptFunc func(attempt int) (retryable bool, err error)

// withBackoff calls fn up to maxAttempts times, sleeping with
// exponentially increasing backoff between attempts that fn marks
// retryable. It returns the last error seen, or nil on success.
func withBackoff(ctx context.Context, fn attemptFunc) error {
	delay := backoffBase
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryable, err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == maxAttempts {
			return lastErr
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	return lastErr
}

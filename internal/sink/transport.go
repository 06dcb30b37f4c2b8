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
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// newClient builds the shared http.Client used for every Stream Load
// PUT: at least 10 idle connections per host, a 90s idle timeout, and
// TCP keepalive around 60s. The client itself carries no request
// timeout; each sub-batch attempt applies its own 60s deadline via
// context so that retry backoff sleeps are not counted against it.
//
// Stream Load's FE answers with a 307 redirect to a BE node, which is
// usually a different host; net/http strips the Authorization header
// on cross-host redirects, so CheckRedirect restores basic auth and
// caps the chain at the single redirect the protocol calls for.
func newClient(user, pass string) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 1 {
				return errors.New("stream load redirected more than once")
			}
			req.SetBasicAuth(user, pass)
			return nil
		},
	}
}

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

//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"

	"github.com/dbmazz/dbmazz/internal/config"
)

// ProviderSet is used by Wire.
var ProviderSet = wire.NewSet(
	ProvidePool,
	ProvideSchemaCache,
	ProvideCheckpointStore,
	ProvideSink,
	ProvideLoop,
)

// InitializeLoop builds a fully-wired Loop from cfg. The returned
// cleanup function closes the connection pool and must be called
// after the Loop has stopped running.
func InitializeLoop(ctx context.Context, cfg *config.Config) (*Loop, func(), error) {
	wire.Build(ProviderSet)
	return nil, nil, nil
}

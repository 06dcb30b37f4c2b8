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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/dbmazz/dbmazz/internal/config"
	"github.com/dbmazz/dbmazz/internal/faults"
	"github.com/dbmazz/dbmazz/internal/util/stopper"
)

// shutdownGrace bounds how long Run waits for the pipeline and reader
// to wind down after a shutdown signal before canceling them outright.
const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	logLevel := pflag.String("logLevel", envOr("LOG_LEVEL", "info"), "logrus level (env LOG_LEVEL)")

	var cfg config.Config
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Warn("invalid log level, defaulting to info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := cfg.Preflight(); err != nil {
		log.WithError(err).Error("invalid configuration")
		return faults.ExitCode(err)
	}

	ctx := stopper.WithContext(context.Background())
	go waitForSignal(ctx)

	loop, cleanup, err := InitializeLoop(ctx, &cfg)
	if err != nil {
		log.WithError(err).Error("failed to initialize dbmazz")
		return faults.ExitCode(err)
	}
	defer cleanup()

	log.WithFields(log.Fields{
		"slot":        cfg.SlotName,
		"publication": cfg.PublicationName,
		"tables":      cfg.Tables,
	}).Info("dbmazz starting")

	if err := loop.Run(ctx); err != nil && errors.Cause(err) != context.Canceled {
		log.WithError(err).Error("dbmazz stopped with an error")
		return faults.ExitCode(err)
	}

	log.Info("dbmazz stopped cleanly")
	return 0
}

// waitForSignal requests graceful shutdown on SIGINT/SIGTERM, giving
// the pipeline and reader shutdownGrace to drain before the context
// is canceled out from under them.
func waitForSignal(ctx *stopper.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutdown requested")
		ctx.Stop(shutdownGrace)
	case <-ctx.Stopping():
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

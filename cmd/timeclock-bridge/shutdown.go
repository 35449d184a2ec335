// Copyright 2023 UMH Systems GmbH
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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// gracefulShutdown runs the shutdown tasks once SIGINT or SIGTERM arrives, or Shutdown is called.
type gracefulShutdown struct {
	quit         chan os.Signal
	shuttingDown atomic.Bool
	done         chan struct{}
	err          error
}

// newGracefulShutdown registers the signal handler. onShutdown may be nil; if it takes longer
// than timeout, Wait gives up and reports an error.
func newGracefulShutdown(onShutdown func() error, timeout time.Duration) *gracefulShutdown {
	gs := &gracefulShutdown{
		quit: make(chan os.Signal, 1),
		done: make(chan struct{}),
	}
	signal.Notify(gs.quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(gs.done)
		// Kubernetes sends SIGTERM 30 seconds before shutting down the pod.
		sig := <-gs.quit
		signal.Stop(gs.quit)
		gs.shuttingDown.Store(true)
		zap.S().Infow("Received signal, shutting down", "signal", sig.String())
		if onShutdown == nil {
			return
		}

		zap.S().Infow("Waiting for shutdown tasks to complete", "timeout", timeout)
		result := make(chan error, 1)
		go func() {
			result <- onShutdown()
		}()
		select {
		case gs.err = <-result:
		case <-time.After(timeout):
			gs.err = fmt.Errorf("shutdown tasks did not complete within %s", timeout)
		}
	}()
	return gs
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	return gs.shuttingDown.Load()
}

// Shutdown triggers the shutdown as if SIGTERM was received.
func (gs *gracefulShutdown) Shutdown() {
	if gs.shuttingDown.Load() {
		return
	}
	select {
	case gs.quit <- syscall.SIGTERM:
	default:
	}
}

// Wait blocks until the shutdown tasks are done and returns their error.
func (gs *gracefulShutdown) Wait() error {
	<-gs.done
	return gs.err
}

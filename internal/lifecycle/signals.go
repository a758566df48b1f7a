// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package lifecycle

import (
	"context"
	"os"
	"os/signal"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// SignalEvents are the channels a signal observer feeds. Each channel
// carries at most one pending event; duplicates coalesce.
type SignalEvents struct {
	// Reload fires on SIGHUP.
	Reload <-chan struct{}
	// Drain fires on the first SIGTERM or SIGINT.
	Drain <-chan struct{}
	// Force fires when a second SIGTERM or SIGINT arrives while draining.
	Force <-chan struct{}
}

// ObserveSignals installs the agent's signal handlers and returns the event
// channels. The observer goroutine runs until ctx is cancelled.
//
// SIGHUP requests a configuration reload. The first SIGTERM or SIGINT
// requests a graceful drain; a second one while the drain is in progress
// abandons the buffer and forces an immediate stop.
func ObserveSignals(ctx context.Context, logger logr.Logger, ctrl *Controller) SignalEvents {
	logger = logger.WithName("signals")

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, unix.SIGHUP, unix.SIGTERM, unix.SIGINT)

	reload := make(chan struct{}, 1)
	drain := make(chan struct{}, 1)
	force := make(chan struct{}, 1)

	go func() {
		defer signal.Stop(sigs)
		terminationSeen := false
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				switch sig {
				case unix.SIGHUP:
					if ctrl.State() != StateRunning {
						logger.Info("ignoring reload signal", "state", ctrl.State())
						continue
					}
					logger.Info("received reload signal")
					offer(reload)
				case unix.SIGTERM, unix.SIGINT:
					if terminationSeen {
						logger.Info("received second termination signal, forcing stop",
							"signal", sig.String())
						offer(force)
						continue
					}
					terminationSeen = true
					logger.Info("received termination signal, draining",
						"signal", sig.String())
					offer(drain)
				}
			}
		}
	}()

	return SignalEvents{Reload: reload, Drain: drain, Force: force}
}

func offer(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

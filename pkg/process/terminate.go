// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"time"
)

// Terminate stops a process that this package may not own: SIGTERM, then
// SIGKILL once grace elapses. It polls for disappearance and reports whether
// the kill had to be forced.
func Terminate(ctx context.Context, pid int, grace time.Duration) (forced bool, err error) {
	if !alive(pid) {
		return false, nil
	}
	if err := signalGroup(pid, sigTerm); err != nil {
		return false, err
	}
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, signalGroup(pid, sigKill)
		case <-deadline.C:
			if !alive(pid) {
				return false, nil
			}
			return true, signalGroup(pid, sigKill)
		case <-poll.C:
			if !alive(pid) {
				return false, nil
			}
		}
	}
}

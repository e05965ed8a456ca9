// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject a Fake with deterministic control
// over when timeouts fire.
//
// Every production function that would call time.Now, time.After, or
// time.Sleep accepts a Clock (or is a method on a struct with a Clock
// field) instead of calling the time package directly. The session
// layer's bounded waits — the restore deadline, the crypto-ready
// deadline — are all driven through this interface so tests never
// sleep.
package clock

import "time"

// Clock is the time interface used throughout Perch.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeClockNow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if !fake.Now().Equal(start) {
		t.Errorf("unexpected initial time: %v", fake.Now())
	}

	fake.Advance(time.Minute)
	if !fake.Now().Equal(start.Add(time.Minute)) {
		t.Errorf("unexpected time after advance: %v", fake.Now())
	}
}

func TestFakeClockAfter(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	ch := fake.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before clock advanced")
	default:
	}

	fake.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(5 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFakeClockPendingWaiters(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	if fake.PendingWaiters() != 0 {
		t.Fatalf("expected no waiters, got %d", fake.PendingWaiters())
	}
	fake.After(time.Second)
	fake.After(2 * time.Second)
	if fake.PendingWaiters() != 2 {
		t.Fatalf("expected 2 waiters, got %d", fake.PendingWaiters())
	}
	fake.Advance(time.Second)
	if fake.PendingWaiters() != 1 {
		t.Fatalf("expected 1 waiter after partial advance, got %d", fake.PendingWaiters())
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	fake := Fake(epoch)

	var order []string
	fake.AfterFunc(3*time.Second, func() { order = append(order, "third") })
	fake.AfterFunc(1*time.Second, func() { order = append(order, "first") })
	fake.AfterFunc(2*time.Second, func() { order = append(order, "second") })

	fake.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("after 2s order = %v, want [first second]", order)
	}

	fake.Advance(time.Second)
	if len(order) != 3 || order[2] != "third" {
		t.Fatalf("after 3s order = %v, want third last", order)
	}
	if fake.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", fake.PendingCount())
	}
}

func TestFakeStopPreventsCallback(t *testing.T) {
	fake := Fake(epoch)

	fired := false
	timer := fake.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}

	fake.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeAfterChannel(t *testing.T) {
	fake := Fake(epoch)
	channel := fake.After(5 * time.Second)

	fake.Advance(4 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fired := <-channel:
		if !fired.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v, want %v", fired, epoch.Add(5*time.Second))
		}
	default:
		t.Fatal("After did not fire at deadline")
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan struct{})

	go func() {
		<-fake.After(time.Second)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	<-done
}

func TestFakeNonPositiveDuration(t *testing.T) {
	fake := Fake(epoch)

	ran := false
	fake.AfterFunc(0, func() { ran = true })
	if !ran {
		t.Error("AfterFunc(0) did not run synchronously")
	}

	select {
	case <-fake.After(-time.Second):
	default:
		t.Error("After(-1s) was not immediately ready")
	}
}

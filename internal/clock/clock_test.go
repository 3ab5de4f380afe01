package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFunc(t *testing.T) {
	f := NewFake()
	fired := false
	f.AfterFunc(3*time.Second, func() { fired = true })

	f.Advance(2 * time.Second)
	if fired {
		t.Fatal("timer fired before its deadline")
	}

	f.Advance(time.Second)
	if !fired {
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeStop(t *testing.T) {
	f := NewFake()
	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop() = false for a pending timer")
	}
	f.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("Stop() = true for an already stopped timer")
	}
}

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	f := NewFake()
	var order []int
	f.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	f.AfterFunc(1*time.Second, func() { order = append(order, 1) })

	f.Advance(3 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("fire order = %v, want [1 2]", order)
	}
}

func TestFakeRescheduleWithinWindow(t *testing.T) {
	f := NewFake()
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			f.AfterFunc(time.Second, tick)
		}
	}
	f.AfterFunc(time.Second, tick)

	f.Advance(3 * time.Second)
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestFakeNowAdvances(t *testing.T) {
	f := NewFake()
	start := f.Now()
	f.Advance(90 * time.Second)
	if got := f.Now().Sub(start); got != 90*time.Second {
		t.Fatalf("elapsed = %v, want 90s", got)
	}
}

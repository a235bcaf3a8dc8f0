package loop

import (
	"context"
	"testing"
	"time"
)

func TestLoopRunsPostedInOrder(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var got []int
	for i := range 5 {
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Call(ctx, func() {}); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got %v, want 0..4 in order", got)
		}
	}
}

func TestPostFromLoopDoesNotBlock(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	ran := false
	err := l.Call(ctx, func() {
		for range 1000 {
			l.Post(func() {})
		}
		l.Post(func() { ran = true })
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Call(ctx, func() {}); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("task posted from the loop never ran")
	}
}

func TestCallAfterStop(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	err := l.Call(context.Background(), func() {})
	if err != ErrStopped {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestAfterFuncPostsOntoLoop(t *testing.T) {
	clock := NewManual(time.Unix(0, 0))
	l := New(WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := 0
	l.AfterFunc(time.Second, func() { fired++ })
	clock.Advance(999 * time.Millisecond)
	_ = l.Call(ctx, func() {})
	if fired != 0 {
		t.Fatal("timer fired early")
	}
	clock.Advance(time.Millisecond)
	_ = l.Call(ctx, func() {})
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestManualStopAndOrder(t *testing.T) {
	clock := NewManual(time.Unix(0, 0))
	var order []string
	clock.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	clock.AfterFunc(time.Second, func() { order = append(order, "a") })
	stopped := clock.AfterFunc(time.Second, func() { order = append(order, "x") })

	if !stopped.Stop() {
		t.Fatal("Stop on pending timer should return true")
	}
	if stopped.Stop() {
		t.Fatal("second Stop should return false")
	}
	clock.Advance(3 * time.Second)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v, want [a b]", order)
	}
	if clock.Pending() != 0 {
		t.Errorf("pending = %d, want 0", clock.Pending())
	}
	if !clock.Now().Equal(time.Unix(3, 0)) {
		t.Errorf("now = %v", clock.Now())
	}
}

package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitAll(t *testing.T, futs []*Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, f := range futs {
		select {
		case <-f.Done():
		case <-ctx.Done():
			t.Fatalf("future %d did not settle", i)
		}
	}
}

func TestManager_NeverExceedsMaxConcurrent(t *testing.T) {
	const maxN, total = 3, 40
	m := New(maxN)

	var cur, peak atomic.Int64
	futs := make([]*Future, 0, total)
	for range total {
		futs = append(futs, m.Enqueue(context.Background(), func(context.Context) (any, error) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			cur.Add(-1)
			return nil, nil
		}))
	}
	waitAll(t, futs)

	if got := peak.Load(); got > maxN {
		t.Fatalf("peak concurrency=%d want <= %d", got, maxN)
	}
	if got := peak.Load(); got < 2 {
		t.Fatalf("peak concurrency=%d, expected tasks to overlap", got)
	}
	if r, q := m.Stats(); r != 0 || q != 0 {
		t.Fatalf("stats after drain running=%d queued=%d", r, q)
	}
}

func TestManager_SerialStartsInFIFOOrder(t *testing.T) {
	m := New(1)

	var mu sync.Mutex
	var order []int
	futs := make([]*Future, 0, 10)
	for i := range 10 {
		futs = append(futs, m.Enqueue(context.Background(), func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}
	waitAll(t, futs)

	for i, v := range order {
		if v != i {
			t.Fatalf("start order=%v want ascending", order)
		}
	}
	v, err := futs[7].Wait(context.Background())
	if err != nil || v.(int) != 7 {
		t.Fatalf("future 7 = %v, %v", v, err)
	}
}

func TestManager_ClearDropsQueuedAndStaysUsable(t *testing.T) {
	m := New(1)

	block := make(chan struct{})
	first := m.Enqueue(context.Background(), func(context.Context) (any, error) {
		<-block
		return "first", nil
	})

	var started atomic.Int64
	queued := make([]*Future, 0, 5)
	for range 5 {
		queued = append(queued, m.Enqueue(context.Background(), func(context.Context) (any, error) {
			started.Add(1)
			return nil, nil
		}))
	}
	if _, q := m.Stats(); q != 5 {
		t.Fatalf("queued=%d want 5", q)
	}

	m.Clear()
	close(block)

	v, err := first.Wait(context.Background())
	if err != nil || v != "first" {
		t.Fatalf("running task should finish normally, got %v, %v", v, err)
	}
	for i, f := range queued {
		if _, err := f.Wait(context.Background()); !errors.Is(err, ErrCleared) {
			t.Fatalf("queued[%d] err=%v want ErrCleared", i, err)
		}
	}

	after, err := Do(context.Background(), m, func(context.Context) (string, error) { return "again", nil })
	if err != nil || after != "again" {
		t.Fatalf("manager not reusable after Clear: %q, %v", after, err)
	}
	if got := started.Load(); got != 0 {
		t.Fatalf("%d cleared tasks started", got)
	}
}

func TestManager_FailureIsIsolated(t *testing.T) {
	m := New(2)
	boom := errors.New("boom")

	bad := m.Enqueue(context.Background(), func(context.Context) (any, error) { return nil, boom })
	panicky := m.Enqueue(context.Background(), func(context.Context) (any, error) { panic("kaboom") })
	good := m.Enqueue(context.Background(), func(context.Context) (any, error) { return 42, nil })
	waitAll(t, []*Future{bad, panicky, good})

	if _, err := bad.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("bad err=%v want boom", err)
	}
	if _, err := panicky.Wait(context.Background()); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
	if v, err := good.Wait(context.Background()); err != nil || v.(int) != 42 {
		t.Fatalf("good = %v, %v", v, err)
	}
}

func TestManager_SkipsTasksWhoseContextEnded(t *testing.T) {
	m := New(1)
	block := make(chan struct{})
	first := m.Enqueue(context.Background(), func(context.Context) (any, error) {
		<-block
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	late := m.Enqueue(ctx, func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	cancel()
	close(block)
	waitAll(t, []*Future{first, late})

	if ran.Load() {
		t.Fatalf("task with canceled context should not run")
	}
	if _, err := late.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestNew_DefaultsInvalidMax(t *testing.T) {
	if got := New(0).Max(); got != DefaultMaxConcurrent {
		t.Fatalf("max=%d want %d", got, DefaultMaxConcurrent)
	}
}

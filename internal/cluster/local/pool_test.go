package local

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var running, peak int32
	for i := 0; i < 6; i++ {
		p.Go(nil, func() {
			now := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}
	p.Wait()
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("expected at most 2 concurrent workers, saw %d", got)
	}
}

func TestPoolGateRunsWithoutSlot(t *testing.T) {
	p := NewPool(1)
	slot := make(chan struct{})
	p.Go(nil, func() { <-slot })

	// The gate must be reachable while the single slot is occupied.
	gated := make(chan struct{})
	p.Go(func() bool { close(gated); return true }, func() {})
	select {
	case <-gated:
	case <-time.After(5 * time.Second):
		t.Fatal("gate blocked on a worker slot")
	}
	close(slot)
	p.Wait()
}

func TestPoolGateFalseSkipsWork(t *testing.T) {
	p := NewPool(1)
	var ran int32
	p.Go(func() bool { return false }, func() { atomic.AddInt32(&ran, 1) })
	p.Wait()
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("fn ran despite the gate refusing it")
	}
}

func TestPoolDefaultSize(t *testing.T) {
	if got := NewPool(0).Size(); got != runtime.NumCPU() {
		t.Errorf("expected pool sized to %d cores, got %d", runtime.NumCPU(), got)
	}
	if got := NewPool(8).Size(); got != 8 {
		t.Errorf("expected pool size 8, got %d", got)
	}
}

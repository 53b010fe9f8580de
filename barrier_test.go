package sageattn

import (
	"testing"
	"time"
)

// A phase with expected copy traffic completes only after the bytes arrive
func TestBarrierTxCompletion(t *testing.T) {
	var b Barrier
	b.Init(1)

	b.ExpectTx(64)
	if b.TryWait(0) {
		t.Fatal("phase completed before any bytes arrived")
	}
	b.CompleteTx(32)
	if b.TryWait(0) {
		t.Fatal("phase completed with bytes still outstanding")
	}
	b.CompleteTx(32)
	if !b.TryWait(0) {
		t.Fatal("phase did not complete after all bytes arrived")
	}
}

// Arrivals without copy traffic
func TestBarrierArrive(t *testing.T) {
	var b Barrier
	b.Init(4)

	b.Arrive(3)
	if b.TryWait(0) {
		t.Fatal("phase completed with arrivals outstanding")
	}
	b.Arrive(1)
	if !b.TryWait(0) {
		t.Fatal("phase did not complete after final arrival")
	}
}

// The parity bit must alternate across reuses so a waiter cannot be
// satisfied by a stale phase
func TestBarrierReuseParity(t *testing.T) {
	var b Barrier
	b.Init(1)

	parity := uint32(0)
	for i := 0; i < 10; i++ {
		b.ExpectTx(16)
		go b.CompleteTx(16)
		done := make(chan struct{})
		go func() {
			b.Wait(parity)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("Wait(%d) hung on reuse %d", parity, i)
		}
		parity ^= 1
	}
}

// ExpectTx counts as an arrival: with count 1 the phase condition is
// entirely byte-driven
func TestBarrierExpectIsArrival(t *testing.T) {
	var b Barrier
	b.Init(2)

	b.ExpectTx(8)
	b.CompleteTx(8)
	if b.TryWait(0) {
		t.Fatal("phase completed with one arrival outstanding")
	}
	b.Arrive(1)
	if !b.TryWait(0) {
		t.Fatal("phase did not complete")
	}
}

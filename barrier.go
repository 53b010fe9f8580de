package sageattn

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Barrier is a phase-counted arrival barrier modelled on the hardware
// mbarrier: one phase completes when all expected arrivals and all expected
// asynchronous-copy bytes for that phase have been recorded. The parity bit
// alternates on each completion, which lets the barrier be reused across
// the whole key/value tile loop without reallocation: a waiter on phase p
// cannot be satisfied by a stale signal from the barrier's previous reuse.
//
// ExpectTx performs an arrive-and-expect: it both declares incoming copy
// traffic and counts as one arrival, matching the producer-side idiom of
// the hardware barrier. Arrive signals arrivals with no associated bytes.
type Barrier struct {
	mu sync.Mutex

	count         int // arrivals expected per phase
	pendingArrive int // arrivals still outstanding this phase
	pendingTx     int // copy bytes still outstanding this phase

	// parity of the phase currently in progress; advanced on completion.
	parity atomic.Uint32
}

// Init prepares the barrier for count arrivals per phase. The phase in
// progress after Init has parity 0.
func (b *Barrier) Init(count int) {
	b.mu.Lock()
	b.count = count
	b.pendingArrive = count
	b.pendingTx = 0
	b.mu.Unlock()
	b.parity.Store(0)
}

// ExpectTx declares that bytes additional bytes of asynchronous-copy
// traffic must complete before the current phase can advance, and records
// one arrival.
func (b *Barrier) ExpectTx(bytes int) {
	b.mu.Lock()
	b.pendingTx += bytes
	b.pendingArrive--
	b.advanceLocked()
	b.mu.Unlock()
}

// CompleteTx records bytes of completed asynchronous-copy traffic. Called
// by the copy engine, never by kernel code.
func (b *Barrier) CompleteTx(bytes int) {
	b.mu.Lock()
	b.pendingTx -= bytes
	b.advanceLocked()
	b.mu.Unlock()
}

// Arrive signals count manual arrivals with no associated copy traffic.
func (b *Barrier) Arrive(count int) {
	b.mu.Lock()
	b.pendingArrive -= count
	b.advanceLocked()
	b.mu.Unlock()
}

// advanceLocked flips the parity and re-arms the barrier once the phase
// condition holds. Caller holds b.mu.
func (b *Barrier) advanceLocked() {
	if b.pendingArrive > 0 || b.pendingTx > 0 {
		return
	}
	b.pendingArrive = b.count
	b.pendingTx = 0
	b.parity.Store(b.parity.Load() ^ 1)
}

// TryWait reports whether the phase with the given parity has completed.
// A false return may be spurious under reuse, which is why Wait retests
// in a loop rather than trusting a single probe.
func (b *Barrier) TryWait(parity uint32) bool {
	return b.parity.Load() != parity
}

// Wait blocks until the phase with the given parity (0/1, alternating
// across successive reuses) has completed. This is a spin-retry loop over
// TryWait, mirroring the hardware wait primitive which can return a
// spurious "not yet".
func (b *Barrier) Wait(parity uint32) {
	for !b.TryWait(parity) {
		runtime.Gosched()
	}
}

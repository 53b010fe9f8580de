package sageattn

import (
	"runtime"
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// Warp-group geometry. One cooperative unit of 128 threads (4 warps of 32
// lanes) jointly issues and completes each matrix-multiply instruction.
const (
	WarpSize      = 32
	NumWarps      = 4
	WarpGroupSize = WarpSize * NumWarps

	// MMAK is the contraction depth of a single instruction for both the
	// s8 and e4m3 specializations. Contracting over a wider axis means
	// issuing multiple instructions advancing MMAK elements per step.
	MMAK = 32

	// MMAM is the row extent of a single instruction, equal to the query
	// tile height.
	MMAM = 64
)

// MatrixDesc encodes a shared-scratch matrix operand the way the hardware
// instruction expects it: a base element offset plus a leading-dimension
// stride class. The row stride within a core matrix is fixed at 16
// elements and not configurable.
type MatrixDesc struct {
	Base int
	LD   int
}

// NewMatrixDesc validates the leading-dimension class, which must be one
// of 32, 64 or 128 elements.
func NewMatrixDesc(base, ld int) MatrixDesc {
	if ld != 32 && ld != 64 && ld != 128 {
		exceptions.Panicf("sageattn: matrix descriptor leading dimension must be 32, 64 or 128, got %d", ld)
	}
	return MatrixDesc{Base: base, LD: ld}
}

// FragmentCoord maps (thread, fragment index) of an m64×n accumulator tile
// to the (row, col) it covers. This is the data-distribution contract of
// the matrix-multiply instruction: thread t = warp*32+lane owns rows
// warp*16 + lane/4 + {0,8}, and within each 8-column group j the two
// columns j*8 + (lane%4)*2 + {0,1}. Fragment i belongs to column group
// i/4, row half (i/2)%2 and column half i%2, so a tile of n columns holds
// n/2 fragments per thread.
//
// Implementations targeting a different matmul primitive must re-derive
// this mapping from their own distribution contract; everything else in
// the kernel goes through it.
func FragmentCoord(thread, idx, n int) (row, col int) {
	warp := thread / WarpSize
	lane := thread % WarpSize
	group := idx / 4
	rowHalf := (idx / 2) % 2
	colHalf := idx % 2
	row = warp*16 + lane/4 + rowHalf*8
	col = group*8 + (lane%4)*2 + colHalf
	return row, col
}

// AccumFragLen returns the per-thread fragment count of an m64×n
// accumulator tile.
func AccumFragLen(n int) int {
	return n / 2
}

// AccumTileI32 is a 64×N int32 accumulator distributed across the warp
// group in the instruction's register layout.
type AccumTileI32 struct {
	N    int
	Frag [WarpGroupSize][]int32
}

// NewAccumTileI32 allocates a zeroed 64×n int32 accumulator tile.
func NewAccumTileI32(n int) *AccumTileI32 {
	t := &AccumTileI32{N: n}
	backing := make([]int32, WarpGroupSize*AccumFragLen(n))
	for i := range t.Frag {
		t.Frag[i] = backing[i*AccumFragLen(n) : (i+1)*AccumFragLen(n)]
	}
	return t
}

// AccumTileF32 is a 64×N float32 accumulator distributed across the warp
// group in the instruction's register layout.
type AccumTileF32 struct {
	N    int
	Frag [WarpGroupSize][]float32
}

// NewAccumTileF32 allocates a zeroed 64×n float32 accumulator tile.
func NewAccumTileF32(n int) *AccumTileF32 {
	t := &AccumTileF32{N: n}
	backing := make([]float32, WarpGroupSize*AccumFragLen(n))
	for i := range t.Frag {
		t.Frag[i] = backing[i*AccumFragLen(n) : (i+1)*AccumFragLen(n)]
	}
	return t
}

// At reads the accumulator element covering (row, col) through the
// fragment mapping. Test and finalization helper, not a kernel fast path.
func (t *AccumTileF32) At(row, col int) float32 {
	thread, idx := fragmentOwner(row, col)
	return t.Frag[thread][idx]
}

// fragmentOwner inverts FragmentCoord for an m64×n tile.
func fragmentOwner(row, col int) (thread, idx int) {
	warp := row / 16
	lane := (row%16%8)*4 + (col%8)/2
	thread = warp*WarpSize + lane
	group := col / 8
	rowHalf := (row % 16) / 8
	colHalf := col % 2
	idx = group*4 + rowHalf*2 + colHalf
	return thread, idx
}

// RegOperandFP8 is a register-resident 64×K e4m3 operand: the post-softmax
// probability tile feeding the second matmul. Four narrow values are packed
// into each 32-bit register lane; register r of k-step s holds the values
// of accumulator fragments 16s+4r .. 16s+4r+3 as successive bytes.
type RegOperandFP8 struct {
	K    int
	Frag [WarpGroupSize][]uint32
}

// NewRegOperandFP8 allocates a packed 64×k register operand.
func NewRegOperandFP8(k int) *RegOperandFP8 {
	t := &RegOperandFP8{K: k}
	regs := k / 8 // 16 e4m3 values per k-step of 32, 4 per register
	backing := make([]uint32, WarpGroupSize*regs)
	for i := range t.Frag {
		t.Frag[i] = backing[i*regs : (i+1)*regs]
	}
	return t
}

// WarpGroup carries the asynchronous-issue state of one warp group's
// matrix-multiply pipeline: Arrive fences a new issue sequence,
// CommitBatch seals everything issued since the previous commit into one
// async group, and Wait blocks until at most n groups remain outstanding.
type WarpGroup struct {
	pending     []func()
	queue       chan func()
	outstanding atomic.Int32
	closed      chan struct{}
}

// NewWarpGroup starts the warp group's async execution worker.
func NewWarpGroup() *WarpGroup {
	wg := &WarpGroup{
		queue:  make(chan func(), 64),
		closed: make(chan struct{}),
	}
	go func() {
		for f := range wg.queue {
			f()
			wg.outstanding.Add(-1)
		}
		close(wg.closed)
	}()
	return wg
}

// Arrive fences register state before a new issue sequence. Instructions
// issued after Arrive and before the next CommitBatch form one batch.
func (wg *WarpGroup) Arrive() {
	wg.pending = wg.pending[:0]
}

// CommitBatch seals all instructions issued since the last commit into a
// single async group.
func (wg *WarpGroup) CommitBatch() {
	if len(wg.pending) == 0 {
		return
	}
	batch := make([]func(), len(wg.pending))
	copy(batch, wg.pending)
	wg.pending = wg.pending[:0]
	wg.outstanding.Add(1)
	wg.queue <- func() {
		for _, f := range batch {
			f()
		}
	}
}

// Wait blocks until at most n async groups remain outstanding; n=0 drains
// everything committed so far. Like the barrier wait this is a spin-poll.
func (wg *WarpGroup) Wait(n int) {
	for wg.outstanding.Load() > int32(n) {
		runtime.Gosched()
	}
}

// Close shuts down the async worker. Pending batches still complete.
func (wg *WarpGroup) Close() {
	close(wg.queue)
	<-wg.closed
}

// MMAI8SS issues one m64×n×k32 s8·s8→s32 instruction with both operands in
// shared scratch: S += A · Bᵀ over a 32-deep contraction, A is 64×32 at
// aDesc and B is n×32 at bDesc. scaleD=false zeroes the accumulator
// instead of adding. n is acc.N, either 64 or 128 columns.
func (wg *WarpGroup) MMAI8SS(acc *AccumTileI32, aScratch []int8, aDesc MatrixDesc, bScratch []int8, bDesc MatrixDesc, scaleD bool) {
	n := acc.N
	wg.pending = append(wg.pending, func() {
		for t := 0; t < WarpGroupSize; t++ {
			frag := acc.Frag[t]
			for i := range frag {
				row, col := FragmentCoord(t, i, n)
				var sum int32
				aOff := aDesc.Base + row*aDesc.LD
				bOff := bDesc.Base + col*bDesc.LD
				for k := 0; k < MMAK; k++ {
					sum += int32(aScratch[aOff+k]) * int32(bScratch[bOff+k])
				}
				if scaleD {
					frag[i] += sum
				} else {
					frag[i] = sum
				}
			}
		}
	})
}

// MMAFP8RS issues one m64×n×k32 e4m3·e4m3→f32 instruction whose first
// operand is register-resident: the packed probability tile a, k-step
// kStep, against an n×32 shared-scratch operand at bDesc (the value tile,
// head-dim major). scaleD=false zeroes the accumulator instead of adding.
func (wg *WarpGroup) MMAFP8RS(acc *AccumTileF32, a *RegOperandFP8, kStep int, bScratch []FP8E4M3, bDesc MatrixDesc, scaleD bool) {
	n := acc.N
	wg.pending = append(wg.pending, func() {
		// Unpack this k-step's 64×32 slice of the register operand.
		var aTile [MMAM][MMAK]float32
		for t := 0; t < WarpGroupSize; t++ {
			for r := 0; r < 4; r++ {
				reg := a.Frag[t][kStep*4+r]
				for b := 0; b < 4; b++ {
					idx := kStep*16 + r*4 + b
					row, col := FragmentCoord(t, idx, a.K)
					v := FP8E4M3(reg >> (8 * b))
					aTile[row][col-kStep*MMAK] = v.ToFloat32()
				}
			}
		}
		for t := 0; t < WarpGroupSize; t++ {
			frag := acc.Frag[t]
			for i := range frag {
				row, col := FragmentCoord(t, i, n)
				var sum float32
				bOff := bDesc.Base + col*bDesc.LD
				for k := 0; k < MMAK; k++ {
					sum += aTile[row][k] * bScratch[bOff+k].ToFloat32()
				}
				if scaleD {
					frag[i] += sum
				} else {
					frag[i] = sum
				}
			}
		}
	})
}

package sageattn

import (
	"fmt"
	"runtime"
	"sync"

	"k8s.io/klog/v2"
)

// QuantGranularity selects how many quantized values share one scale
// factor for the query/key tensors.
type QuantGranularity int

const (
	// GranPerBlock shares one scale per 64/128-row block. Declared for
	// interface compatibility but not served by any kernel specialization;
	// selecting it fails at dispatch.
	GranPerBlock QuantGranularity = iota
	// GranPerWarp shares one scale per 16-row warp strip of the query
	// tile and per 128-row key block.
	GranPerWarp
	// GranPerThread shares one scale per thread-owned row group (8 per
	// warp strip for Q, 4 per key block).
	GranPerThread
)

// String returns the granularity name
func (g QuantGranularity) String() string {
	switch g {
	case GranPerBlock:
		return "per_block"
	case GranPerWarp:
		return "per_warp"
	case GranPerThread:
		return "per_thread"
	default:
		return "unknown"
	}
}

// DType identifies the output element type of a kernel specialization.
type DType int

const (
	Float16DType DType = iota
	BFloat16DType
)

// String returns the dtype name
func (d DType) String() string {
	switch d {
	case Float16DType:
		return "float16"
	case BFloat16DType:
		return "bfloat16"
	default:
		return "unknown"
	}
}

// KernelSpec names one concrete kernel specialization. The original design
// instantiates the kernel per head dimension, mask mode, granularity,
// output type, log-sum-exp flag and fused-scale flag; here the same tuple
// selects the generic instantiation and its compile-time constants.
type KernelSpec struct {
	HeadDim    int
	Causal     bool
	Gran       QuantGranularity
	OutDType   DType
	ReturnLSE  bool
	FuseVScale bool
}

// String formats the specialization the way the kernel registry names it.
func (s KernelSpec) String() string {
	mask := "full"
	if s.Causal {
		mask = "causal"
	}
	return fmt.Sprintf("attn_d%d_%s_%s_%s_lse%t_fusev%t",
		s.HeadDim, mask, s.Gran, s.OutDType, s.ReturnLSE, s.FuseVScale)
}

// SelectKernel is the pure specialization-selection function: it maps
// runtime parameters to one concrete kernel instantiation, or fails when
// no specialization exists. All failures here are dispatch errors raised
// before any launch.
func SelectKernel(headDim int, causal bool, gran QuantGranularity, dt DType, returnLSE, fuseVScale bool) (KernelSpec, error) {
	if headDim != 64 && headDim != 128 {
		return KernelSpec{}, newDispatchError("SelectKernel",
			fmt.Sprintf("unsupported head_dim %d, must be 64 or 128", headDim))
	}
	switch gran {
	case GranPerWarp, GranPerThread:
	case GranPerBlock:
		return KernelSpec{}, newDispatchError("SelectKernel",
			"per_block granularity has no kernel specialization")
	default:
		return KernelSpec{}, newDispatchError("SelectKernel",
			fmt.Sprintf("unknown quantization granularity %d", int(gran)))
	}
	switch dt {
	case Float16DType, BFloat16DType:
	default:
		return KernelSpec{}, newDispatchError("SelectKernel",
			fmt.Sprintf("unknown output dtype %d", int(dt)))
	}
	return KernelSpec{
		HeadDim:    headDim,
		Causal:     causal,
		Gran:       gran,
		OutDType:   dt,
		ReturnLSE:  returnLSE,
		FuseVScale: fuseVScale,
	}, nil
}

// launchGrid walks the (query tiles × heads × batch) grid, executing one
// thread block per cell. Blocks are fully independent: the grid is chunked
// over worker goroutines, each worker running its blocks to completion in
// sequence for cache reuse.
func launchGrid[O OutputElem](p *blockParams[O], numQTiles, qoHeads, batch int) {
	gridSize := numQTiles * qoHeads * batch
	if gridSize == 0 {
		return
	}

	numWorkers := runtime.NumCPU()
	if gridSize < numWorkers {
		numWorkers = gridSize
	}
	blocksPerWorker := (gridSize + numWorkers - 1) / numWorkers

	klog.V(2).Infof("sageattn launch %s: grid=(%d,%d,%d) workers=%d device=%q",
		p.spec, numQTiles, qoHeads, batch, numWorkers, DeviceName())

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for workerID := 0; workerID < numWorkers; workerID++ {
		start := workerID * blocksPerWorker
		end := start + blocksPerWorker
		if end > gridSize {
			end = gridSize
		}
		go func(start, end int) {
			defer wg.Done()
			for blockID := start; blockID < end; blockID++ {
				qTile := blockID % numQTiles
				head := (blockID / numQTiles) % qoHeads
				bz := blockID / (numQTiles * qoHeads)
				runBlock(p, qTile, head, bz)
			}
		}(start, end)
	}
	wg.Wait()
}

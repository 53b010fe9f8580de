// Package sageattn implements a fused, quantized attention kernel in the
// style of the Hopper-generation single-kernel designs: int8 query-key
// matmul, online (streaming) softmax, fp8 probability-value matmul and
// output rescaling fused into one per-tile kernel with software-pipelined
// asynchronous tile transfers.
//
// The hardware fixed-function units of the original design are rendered as
// capability primitives with the same numeric and synchronization contracts:
//
//   - RegionDesc issues bulk asynchronous tile copies out of 4-D row-major
//     buffers, signalled through byte-counted Barrier arrivals.
//   - Barrier is a phase-counted arrival barrier with parity reuse, so one
//     barrier carries a whole key/value tile loop without reallocation.
//   - WarpGroup executes 128-lane cooperative matrix-multiply instructions
//     (s8×s8→s32 and e4m3×e4m3→f32) with batch commit/wait semantics.
//
// Example usage:
//
//	lse, err := sageattn.Attention(q, k, v, o,
//		qScale, kScale, sageattn.LayoutHND, false,
//		sageattn.GranPerWarp, smScale, true)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Inputs are produced by the quantizers in this package (QuantizeInt8PerWarp,
// QuantizeInt8PerThread, QuantizeVFP8PerChannel), or upstream by the caller.
package sageattn

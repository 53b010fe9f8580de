package sageattn

// Online quantization of the attention inputs. Q and K go to int8 with a
// shared scale per row group, where the grouping matches the dequantization
// index arithmetic of the kernel: per-warp groups 16 consecutive query rows
// (one warp strip) and a whole 128-row key tile; per-thread splits each
// strip 8 ways and each key tile 4 ways along the fragment row pattern. V
// goes to e4m3 with one scale per output channel, transposed so the kernel
// streams it with the channel axis major.

const quantEps = 1e-7

// warpRowsQ is the query rows covered by one warp strip.
const warpRowsQ = CTAQ / NumWarps

func roundInt8(x float32) int8 {
	if x >= 0 {
		return int8(x + 0.5)
	}
	return int8(x - 0.5)
}

// quantGroupInt8 quantizes the rows of one scale group in place and
// returns the scale. km, when non-empty, is subtracted per channel before
// measuring the range. Rows past the sequence end are simply absent from
// the group, so a fully clipped group gets the epsilon scale.
func quantGroupInt8(x Tensor[float32], out Tensor[int8], d seqDims, km Scale3, b, h int, rows []int) float32 {
	base := b*d.StrideBatch + h*d.StrideHead
	maxAbs := float32(0)
	for _, r := range rows {
		off := base + r*d.StrideSeq
		for c := 0; c < d.HeadDim; c++ {
			v := x.Data[off+c]
			if !km.Empty() {
				v -= km.At(b, h, c)
			}
			if v < 0 {
				v = -v
			}
			if v > maxAbs {
				maxAbs = v
			}
		}
	}
	scale := maxAbs/127 + quantEps
	inv := 1 / scale
	for _, r := range rows {
		off := base + r*d.StrideSeq
		for c := 0; c < d.HeadDim; c++ {
			v := x.Data[off+c]
			if !km.Empty() {
				v -= km.At(b, h, c)
			}
			out.Data[off+c] = roundInt8(v * inv)
		}
	}
	return scale
}

// SmoothKMean returns the per-channel mean of k along the sequence axis,
// shaped (batch, kv_heads, head_dim). Subtracting it before quantization
// removes the common-mode component of the keys; softmax is invariant to
// the shift except for the log-sum-exp value, which the high-level entry
// point corrects.
func SmoothKMean(k Tensor[float32], layout TensorLayout) (Scale3, error) {
	if err := checkDense("key", k); err != nil {
		return Scale3{}, err
	}
	d, err := deriveSeqDims(k.Shape, layout)
	if err != nil {
		return Scale3{}, newInvalidArgError("SmoothKMean", err.Error())
	}
	km := NewScale3(d.Batch, d.Heads, d.HeadDim)
	for b := 0; b < d.Batch; b++ {
		for h := 0; h < d.Heads; h++ {
			base := b*d.StrideBatch + h*d.StrideHead
			for c := 0; c < d.HeadDim; c++ {
				sum := float64(0)
				for r := 0; r < d.SeqLen; r++ {
					sum += float64(k.Data[base+r*d.StrideSeq+c])
				}
				km.Set(b, h, c, float32(sum/float64(d.SeqLen)))
			}
		}
	}
	return km, nil
}

// QuantizeInt8PerWarp quantizes q and k to int8 at per-warp granularity:
// one scale per 16-row query strip, one per 128-row key tile. The query
// scale array is padded to whole query tiles, so its shape is
// (batch, qo_heads, ceil(qo_len/64)*4); the key scale array is
// (batch, kv_heads, ceil(kv_len/128)). km may be empty.
func QuantizeInt8PerWarp(q, k Tensor[float32], km Scale3, layout TensorLayout) (Tensor[int8], Scale3, Tensor[int8], Scale3, error) {
	const op = "QuantizeInt8PerWarp"
	qd, kd, err := quantDims(op, q, k, layout)
	if err != nil {
		return Tensor[int8]{}, Scale3{}, Tensor[int8]{}, Scale3{}, err
	}

	qi := Tensor[int8]{Data: make([]int8, q.Numel()), Shape: q.Shape}
	ki := Tensor[int8]{Data: make([]int8, k.Numel()), Shape: k.Shape}

	numQStrips := (qd.SeqLen + CTAQ - 1) / CTAQ * NumWarps
	qs := NewScale3(qd.Batch, qd.Heads, numQStrips)
	for b := 0; b < qd.Batch; b++ {
		for h := 0; h < qd.Heads; h++ {
			for s := 0; s < numQStrips; s++ {
				rows := stripRows(s*warpRowsQ, warpRowsQ, qd.SeqLen)
				qs.Set(b, h, s, quantGroupInt8(q, qi, qd, Scale3{}, b, h, rows))
			}
		}
	}

	numKTiles := (kd.SeqLen + CTAK - 1) / CTAK
	ks := NewScale3(kd.Batch, kd.Heads, numKTiles)
	for b := 0; b < kd.Batch; b++ {
		for h := 0; h < kd.Heads; h++ {
			for t := 0; t < numKTiles; t++ {
				rows := stripRows(t*CTAK, CTAK, kd.SeqLen)
				ks.Set(b, h, t, quantGroupInt8(k, ki, kd, km, b, h, rows))
			}
		}
	}
	return qi, qs, ki, ks, nil
}

// QuantizeInt8PerThread quantizes q and k to int8 at per-thread
// granularity. Each 16-row query strip is split into 8 groups of rows
// {g, g+8}, each 128-row key tile into 4 groups of the row pairs
// {8j+2t, 8j+2t+1}; both groupings follow the rows a single thread's
// fragments touch in the score tile. Scale shapes are
// (batch, qo_heads, ceil(qo_len/64)*32) and
// (batch, kv_heads, ceil(kv_len/128)*4). km may be empty.
func QuantizeInt8PerThread(q, k Tensor[float32], km Scale3, layout TensorLayout) (Tensor[int8], Scale3, Tensor[int8], Scale3, error) {
	const op = "QuantizeInt8PerThread"
	qd, kd, err := quantDims(op, q, k, layout)
	if err != nil {
		return Tensor[int8]{}, Scale3{}, Tensor[int8]{}, Scale3{}, err
	}

	qi := Tensor[int8]{Data: make([]int8, q.Numel()), Shape: q.Shape}
	ki := Tensor[int8]{Data: make([]int8, k.Numel()), Shape: k.Shape}

	numQStrips := (qd.SeqLen + CTAQ - 1) / CTAQ * NumWarps
	qs := NewScale3(qd.Batch, qd.Heads, numQStrips*8)
	for b := 0; b < qd.Batch; b++ {
		for h := 0; h < qd.Heads; h++ {
			for s := 0; s < numQStrips; s++ {
				for g := 0; g < 8; g++ {
					rows := clipRows([]int{s*warpRowsQ + g, s*warpRowsQ + g + 8}, qd.SeqLen)
					qs.Set(b, h, s*8+g, quantGroupInt8(q, qi, qd, Scale3{}, b, h, rows))
				}
			}
		}
	}

	numKTiles := (kd.SeqLen + CTAK - 1) / CTAK
	ks := NewScale3(kd.Batch, kd.Heads, numKTiles*4)
	for b := 0; b < kd.Batch; b++ {
		for h := 0; h < kd.Heads; h++ {
			for t := 0; t < numKTiles; t++ {
				for g := 0; g < 4; g++ {
					rows := make([]int, 0, 32)
					for j := 0; j < CTAK/8; j++ {
						rows = append(rows, t*CTAK+j*8+g*2, t*CTAK+j*8+g*2+1)
					}
					rows = clipRows(rows, kd.SeqLen)
					ks.Set(b, h, t*4+g, quantGroupInt8(k, ki, kd, km, b, h, rows))
				}
			}
		}
	}
	return qi, qs, ki, ks, nil
}

// QuantizeVFP8PerChannel quantizes v to e4m3 with one scale per output
// channel and transposes it to the kernel's (batch, kv_heads, head_dim,
// padded_kv_len) layout, zero-padding the sequence axis to a multiple
// of 128. The scale is max|v| over the sequence divided by the e4m3
// maximum. Returns the quantized tensor and the (batch, kv_heads,
// head_dim) scale array.
func QuantizeVFP8PerChannel(v Tensor[float32], layout TensorLayout) (Tensor[FP8E4M3], Scale3, error) {
	if err := checkDense("value", v); err != nil {
		return Tensor[FP8E4M3]{}, Scale3{}, err
	}
	d, err := deriveSeqDims(v.Shape, layout)
	if err != nil {
		return Tensor[FP8E4M3]{}, Scale3{}, newInvalidArgError("QuantizeVFP8PerChannel", err.Error())
	}

	padded := (d.SeqLen + CTAK - 1) / CTAK * CTAK
	out := NewTensor[FP8E4M3](d.Batch, d.Heads, d.HeadDim, padded)
	vs := NewScale3(d.Batch, d.Heads, d.HeadDim)

	for b := 0; b < d.Batch; b++ {
		for h := 0; h < d.Heads; h++ {
			base := b*d.StrideBatch + h*d.StrideHead
			for c := 0; c < d.HeadDim; c++ {
				maxAbs := float32(0)
				for r := 0; r < d.SeqLen; r++ {
					x := v.Data[base+r*d.StrideSeq+c]
					if x < 0 {
						x = -x
					}
					if x > maxAbs {
						maxAbs = x
					}
				}
				scale := maxAbs/FP8MaxValue + quantEps
				inv := 1 / scale
				vs.Set(b, h, c, scale)
				for r := 0; r < d.SeqLen; r++ {
					out.Set(b, h, c, r, FP8FromFloat32(v.Data[base+r*d.StrideSeq+c]*inv))
				}
			}
		}
	}
	return out, vs, nil
}

// quantDims derives and cross-checks the dimensions of a q/k pair.
func quantDims(op string, q, k Tensor[float32], layout TensorLayout) (seqDims, seqDims, error) {
	if err := checkDense("query", q); err != nil {
		return seqDims{}, seqDims{}, err
	}
	if err := checkDense("key", k); err != nil {
		return seqDims{}, seqDims{}, err
	}
	qd, err := deriveSeqDims(q.Shape, layout)
	if err != nil {
		return seqDims{}, seqDims{}, newInvalidArgError(op, err.Error())
	}
	kd, _ := deriveSeqDims(k.Shape, layout)
	if qd.HeadDim != kd.HeadDim {
		return seqDims{}, seqDims{}, newInvalidArgError(op,
			"query and key head_dim differ")
	}
	if qd.Batch != kd.Batch {
		return seqDims{}, seqDims{}, newInvalidArgError(op,
			"query and key batch sizes differ")
	}
	return qd, kd, nil
}

// stripRows returns the consecutive rows [start, start+n) clipped to the
// sequence length.
func stripRows(start, n, seqLen int) []int {
	rows := make([]int, 0, n)
	for r := start; r < start+n && r < seqLen; r++ {
		rows = append(rows, r)
	}
	return rows
}

func clipRows(rows []int, seqLen int) []int {
	out := rows[:0]
	for _, r := range rows {
		if r < seqLen {
			out = append(out, r)
		}
	}
	return out
}

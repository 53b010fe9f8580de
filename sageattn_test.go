package sageattn

import (
	"math"
	"math/rand"
	"testing"
)

// attnCase quantizes random float inputs and runs the kernel and the
// reference on identical int8/e4m3 data.
type attnCase struct {
	name    string
	batch   int
	qoHeads int
	kvHeads int
	qoLen   int
	kvLen   int
	headDim int
	causal  bool
	gran    QuantGranularity
	layout  TensorLayout
	seed    int64
}

func (c attnCase) inputs(t *testing.T) (q, k Tensor[int8], v Tensor[FP8E4M3], qs, ks, vs Scale3) {
	t.Helper()
	r := rand.New(rand.NewSource(c.seed))
	shape := func(heads, seq int) [4]int {
		if c.layout == LayoutHND {
			return [4]int{c.batch, heads, seq, c.headDim}
		}
		return [4]int{c.batch, seq, heads, c.headDim}
	}
	randT := func(s [4]int) Tensor[float32] {
		x := NewTensor[float32](s[0], s[1], s[2], s[3])
		for i := range x.Data {
			x.Data[i] = r.Float32()*2 - 1
		}
		return x
	}
	qf := randT(shape(c.qoHeads, c.qoLen))
	kf := randT(shape(c.kvHeads, c.kvLen))
	vf := randT(shape(c.kvHeads, c.kvLen))

	var err error
	if c.gran == GranPerWarp {
		q, qs, k, ks, err = QuantizeInt8PerWarp(qf, kf, Scale3{}, c.layout)
	} else {
		q, qs, k, ks, err = QuantizeInt8PerThread(qf, kf, Scale3{}, c.layout)
	}
	if err != nil {
		t.Fatalf("quantize q/k: %v", err)
	}
	v, vs, err = QuantizeVFP8PerChannel(vf, c.layout)
	if err != nil {
		t.Fatalf("quantize v: %v", err)
	}
	return q, k, v, qs, ks, vs
}

func (c attnCase) run(t *testing.T) {
	t.Helper()
	q, k, v, qs, ks, vs := c.inputs(t)
	smScale := float32(1.0 / math.Sqrt(float64(c.headDim)))

	o := Tensor[Float16]{Data: make([]Float16, q.Numel()), Shape: q.Shape}
	lse, err := AttentionFusedVScale(q, k, v, o, qs, ks, vs,
		c.layout, c.causal, c.gran, smScale, true)
	if err != nil {
		t.Fatalf("kernel failed: %v", err)
	}

	ref, refLSE := Reference{}.Attention(q, k, v, qs, ks, vs,
		c.layout, c.causal, c.gran, smScale)

	got := make([]float32, len(o.Data))
	for i, h := range o.Data {
		got[i] = h.ToFloat32()
	}
	vr := VerifyFloat32Array(ref.Data, got, DefaultTolerance())
	if !vr.IsAcceptable() {
		t.Errorf("output mismatch:\n%s", vr)
	}

	lseTol := ToleranceConfig{AbsTol: 1e-2, RelTol: 1e-3, CheckNaN: true}
	lvr := VerifyFloat32Array(refLSE.Data, lse.Data, lseTol)
	if !lvr.IsAcceptable() {
		t.Errorf("log-sum-exp mismatch:\n%s", lvr)
	}
}

func TestAttentionAgainstReference(t *testing.T) {
	cases := []attnCase{
		{name: "single_tile_hd64", batch: 1, qoHeads: 1, kvHeads: 1,
			qoLen: 64, kvLen: 128, headDim: 64, gran: GranPerWarp, layout: LayoutHND, seed: 1},
		{name: "multi_tile_hd64", batch: 1, qoHeads: 1, kvHeads: 1,
			qoLen: 64, kvLen: 256, headDim: 64, gran: GranPerWarp, layout: LayoutHND, seed: 2},
		{name: "per_thread_hd128", batch: 1, qoHeads: 2, kvHeads: 2,
			qoLen: 128, kvLen: 128, headDim: 128, gran: GranPerThread, layout: LayoutHND, seed: 3},
		{name: "ragged_lengths", batch: 1, qoHeads: 1, kvHeads: 1,
			qoLen: 70, kvLen: 150, headDim: 64, gran: GranPerThread, layout: LayoutHND, seed: 4},
		{name: "grouped_heads_nhd", batch: 2, qoHeads: 4, kvHeads: 2,
			qoLen: 64, kvLen: 128, headDim: 64, gran: GranPerWarp, layout: LayoutNHD, seed: 5},
		{name: "causal_square", batch: 1, qoHeads: 2, kvHeads: 2,
			qoLen: 128, kvLen: 128, headDim: 64, causal: true, gran: GranPerThread, layout: LayoutHND, seed: 6},
		{name: "causal_ragged_hd128", batch: 1, qoHeads: 1, kvHeads: 1,
			qoLen: 200, kvLen: 200, headDim: 128, causal: true, gran: GranPerWarp, layout: LayoutHND, seed: 7},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) { c.run(t) })
	}
}

// The non-fused variant must leave the value scale to the caller
func TestAttentionWithoutFusedScale(t *testing.T) {
	c := attnCase{batch: 1, qoHeads: 1, kvHeads: 1, qoLen: 64, kvLen: 128,
		headDim: 64, gran: GranPerWarp, layout: LayoutHND, seed: 8}
	q, k, v, qs, ks, _ := c.inputs(t)
	smScale := float32(0.125)

	o := Tensor[Float16]{Data: make([]Float16, q.Numel()), Shape: q.Shape}
	if _, err := Attention(q, k, v, o, qs, ks,
		c.layout, false, c.gran, smScale, false); err != nil {
		t.Fatalf("kernel failed: %v", err)
	}

	ref, _ := Reference{}.Attention(q, k, v, qs, ks, Scale3{},
		c.layout, false, c.gran, smScale)

	got := make([]float32, len(o.Data))
	for i, h := range o.Data {
		got[i] = h.ToFloat32()
	}
	vr := VerifyFloat32Array(ref.Data, got, DefaultTolerance())
	if !vr.IsAcceptable() {
		t.Errorf("output mismatch:\n%s", vr)
	}
}

func TestAttentionBFloat16Output(t *testing.T) {
	c := attnCase{batch: 1, qoHeads: 1, kvHeads: 1, qoLen: 64, kvLen: 128,
		headDim: 64, gran: GranPerWarp, layout: LayoutHND, seed: 9}
	q, k, v, qs, ks, vs := c.inputs(t)

	o := Tensor[BFloat16]{Data: make([]BFloat16, q.Numel()), Shape: q.Shape}
	if _, err := AttentionFusedVScale(q, k, v, o, qs, ks, vs,
		c.layout, false, c.gran, 0.125, false); err != nil {
		t.Fatalf("kernel failed: %v", err)
	}

	ref, _ := Reference{}.Attention(q, k, v, qs, ks, vs,
		c.layout, false, c.gran, 0.125)

	got := make([]float32, len(o.Data))
	for i, h := range o.Data {
		got[i] = h.ToFloat32()
	}
	// bfloat16 keeps 7 mantissa bits, so the comparison is looser.
	vr := VerifyFloat32Array(ref.Data, got, ToleranceConfig{AbsTol: 2e-2, RelTol: 1e-1, CheckNaN: true})
	if !vr.IsAcceptable() {
		t.Errorf("output mismatch:\n%s", vr)
	}
}

// A default softmax scale is substituted when none is given
func TestAttentionDefaultScale(t *testing.T) {
	c := attnCase{batch: 1, qoHeads: 1, kvHeads: 1, qoLen: 64, kvLen: 128,
		headDim: 64, gran: GranPerWarp, layout: LayoutHND, seed: 10}
	q, k, v, qs, ks, vs := c.inputs(t)

	run := func(smScale float32) []float32 {
		o := Tensor[Float16]{Data: make([]Float16, q.Numel()), Shape: q.Shape}
		if _, err := AttentionFusedVScale(q, k, v, o, qs, ks, vs,
			c.layout, false, c.gran, smScale, false); err != nil {
			t.Fatalf("kernel failed: %v", err)
		}
		out := make([]float32, len(o.Data))
		for i, h := range o.Data {
			out[i] = h.ToFloat32()
		}
		return out
	}

	implicit := run(0)
	explicit := run(0.125) // 1/sqrt(64)
	for i := range implicit {
		if implicit[i] != explicit[i] {
			t.Fatalf("index %d: default scale %g, explicit %g", i, implicit[i], explicit[i])
		}
	}
}

func TestAttentionArgumentErrors(t *testing.T) {
	c := attnCase{batch: 1, qoHeads: 3, kvHeads: 2, qoLen: 64, kvLen: 128,
		headDim: 64, gran: GranPerWarp, layout: LayoutHND, seed: 11}
	// 3 qo heads over 2 kv heads is not a valid grouping.
	q := NewTensor[int8](1, 3, 64, 64)
	k := NewTensor[int8](1, 2, 128, 64)
	v := NewTensor[FP8E4M3](1, 2, 64, 128)
	o := Tensor[Float16]{Data: make([]Float16, q.Numel()), Shape: q.Shape}
	qs := NewScale3(1, 3, 4)
	ks := NewScale3(1, 2, 1)

	_, err := Attention(q, k, v, o, qs, ks, c.layout, false, c.gran, 0.125, false)
	if !IsInvalidArgError(err) {
		t.Fatalf("head grouping: got %v, expected invalid argument error", err)
	}

	// Unpadded value sequence axis.
	q2 := NewTensor[int8](1, 2, 64, 64)
	o2 := Tensor[Float16]{Data: make([]Float16, q2.Numel()), Shape: q2.Shape}
	qs2 := NewScale3(1, 2, 4)
	vBad := NewTensor[FP8E4M3](1, 2, 64, 100)
	_, err = Attention(q2, k, vBad, o2, qs2, ks, c.layout, false, c.gran, 0.125, false)
	if !IsInvalidArgError(err) {
		t.Fatalf("value padding: got %v, expected invalid argument error", err)
	}

	// Scale array shaped for the wrong granularity.
	_, err = Attention(q2, k, v, o2, qs2, ks, c.layout, false, GranPerThread, 0.125, false)
	if !IsShapeError(err) {
		t.Fatalf("scale shape: got %v, expected shape error", err)
	}

	// Unsupported head dimension fails at dispatch.
	q3 := NewTensor[int8](1, 2, 64, 96)
	k3 := NewTensor[int8](1, 2, 128, 96)
	v3 := NewTensor[FP8E4M3](1, 2, 96, 128)
	o3 := Tensor[Float16]{Data: make([]Float16, q3.Numel()), Shape: q3.Shape}
	_, err = Attention(q3, k3, v3, o3, qs2, ks, c.layout, false, c.gran, 0.125, false)
	if err == nil || IsInvalidArgError(err) || IsShapeError(err) {
		t.Fatalf("head_dim 96: got %v, expected dispatch error", err)
	}

	// Per-block granularity has no specialization.
	_, err = Attention(q2, k, v, o2, qs2, ks, c.layout, false, GranPerBlock, 0.125, false)
	if err == nil {
		t.Fatal("per_block granularity should fail at dispatch")
	}
}

// A query length that ends mid-tile must still fill every output row
func TestAttentionRaggedQueryTail(t *testing.T) {
	c := attnCase{batch: 1, qoHeads: 1, kvHeads: 1, qoLen: 70, kvLen: 128,
		headDim: 64, gran: GranPerWarp, layout: LayoutHND, seed: 12}
	q, k, v, qs, ks, vs := c.inputs(t)

	o := Tensor[Float16]{Data: make([]Float16, q.Numel()), Shape: q.Shape}
	sentinel := Float16FromFloat32(12345)
	for i := range o.Data {
		o.Data[i] = sentinel
	}
	if _, err := AttentionFusedVScale(q, k, v, o, qs, ks, vs,
		c.layout, false, c.gran, 0.125, false); err != nil {
		t.Fatalf("kernel failed: %v", err)
	}

	for row := 0; row < 70; row++ {
		if o.At(0, 0, row, 0) == sentinel {
			t.Fatalf("row %d not written", row)
		}
	}
}

func TestAttentionLSEShape(t *testing.T) {
	c := attnCase{batch: 2, qoHeads: 2, kvHeads: 2, qoLen: 100, kvLen: 128,
		headDim: 64, gran: GranPerWarp, layout: LayoutHND, seed: 13}
	q, k, v, qs, ks, vs := c.inputs(t)

	o := Tensor[Float16]{Data: make([]Float16, q.Numel()), Shape: q.Shape}
	lse, err := AttentionFusedVScale(q, k, v, o, qs, ks, vs,
		c.layout, false, c.gran, 0.125, true)
	if err != nil {
		t.Fatalf("kernel failed: %v", err)
	}
	if lse.Shape != [3]int{2, 2, 100} {
		t.Fatalf("lse shape %v, expected [2 2 100]", lse.Shape)
	}

	// Without the flag, an empty placeholder comes back.
	none, err := AttentionFusedVScale(q, k, v, o, qs, ks, vs,
		c.layout, false, c.gran, 0.125, false)
	if err != nil {
		t.Fatalf("kernel failed: %v", err)
	}
	if !none.Empty() {
		t.Fatal("expected empty log-sum-exp placeholder")
	}
}

package main

import (
	"fmt"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"

	sageattn "github.com/cjmcv/SageAttention"
)

// Case describes one attention problem instance.
type Case struct {
	Name        string `yaml:"name"`
	Batch       int    `yaml:"batch"`
	QOHeads     int    `yaml:"qo_heads"`
	KVHeads     int    `yaml:"kv_heads"`
	QOLen       int    `yaml:"qo_len"`
	KVLen       int    `yaml:"kv_len"`
	HeadDim     int    `yaml:"head_dim"`
	Causal      bool   `yaml:"causal"`
	Granularity string `yaml:"granularity"` // per_warp or per_thread
	Layout      string `yaml:"layout"`      // HND or NHD
	Seed        int64  `yaml:"seed"`
}

type caseFile struct {
	Cases []Case `yaml:"cases"`
}

// defaultCases covers both head dims, both granularities, grouped heads
// and a causal ragged-length case.
func defaultCases() []Case {
	return []Case{
		{Name: "small_hd64", Batch: 1, QOHeads: 2, KVHeads: 2, QOLen: 128, KVLen: 128,
			HeadDim: 64, Granularity: "per_warp", Layout: "HND", Seed: 1},
		{Name: "small_hd128", Batch: 1, QOHeads: 2, KVHeads: 2, QOLen: 128, KVLen: 128,
			HeadDim: 128, Granularity: "per_thread", Layout: "HND", Seed: 2},
		{Name: "gqa_nhd", Batch: 2, QOHeads: 8, KVHeads: 2, QOLen: 192, KVLen: 320,
			HeadDim: 64, Granularity: "per_thread", Layout: "NHD", Seed: 3},
		{Name: "causal_ragged", Batch: 1, QOHeads: 4, KVHeads: 4, QOLen: 200, KVLen: 200,
			HeadDim: 128, Causal: true, Granularity: "per_warp", Layout: "HND", Seed: 4},
	}
}

func loadCases(path string) ([]Case, error) {
	if path == "" {
		return defaultCases(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read case file: %w", err)
	}
	var cf caseFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse case file %s: %w", path, err)
	}
	if len(cf.Cases) == 0 {
		return nil, fmt.Errorf("case file %s contains no cases", path)
	}
	return cf.Cases, nil
}

func (c Case) layout() (sageattn.TensorLayout, error) {
	switch c.Layout {
	case "", "HND":
		return sageattn.LayoutHND, nil
	case "NHD":
		return sageattn.LayoutNHD, nil
	default:
		return 0, fmt.Errorf("case %s: unknown layout %q", c.Name, c.Layout)
	}
}

func (c Case) granularity() (sageattn.QuantGranularity, error) {
	switch c.Granularity {
	case "per_warp":
		return sageattn.GranPerWarp, nil
	case "", "per_thread":
		return sageattn.GranPerThread, nil
	default:
		return 0, fmt.Errorf("case %s: unknown granularity %q", c.Name, c.Granularity)
	}
}

// tensors generates the q, k, v inputs for the case, uniform in [-1, 1).
func (c Case) tensors() (q, k, v sageattn.Tensor[float32], err error) {
	layout, err := c.layout()
	if err != nil {
		return q, k, v, err
	}
	r := rand.New(rand.NewSource(c.Seed))
	fill := func(t sageattn.Tensor[float32]) {
		for i := range t.Data {
			t.Data[i] = r.Float32()*2 - 1
		}
	}
	if layout == sageattn.LayoutHND {
		q = sageattn.NewTensor[float32](c.Batch, c.QOHeads, c.QOLen, c.HeadDim)
		k = sageattn.NewTensor[float32](c.Batch, c.KVHeads, c.KVLen, c.HeadDim)
		v = sageattn.NewTensor[float32](c.Batch, c.KVHeads, c.KVLen, c.HeadDim)
	} else {
		q = sageattn.NewTensor[float32](c.Batch, c.QOLen, c.QOHeads, c.HeadDim)
		k = sageattn.NewTensor[float32](c.Batch, c.KVLen, c.KVHeads, c.HeadDim)
		v = sageattn.NewTensor[float32](c.Batch, c.KVLen, c.KVHeads, c.HeadDim)
	}
	fill(q)
	fill(k)
	fill(v)
	return q, k, v, nil
}

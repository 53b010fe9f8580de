package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	sageattn "github.com/cjmcv/SageAttention"
)

type verifyResult struct {
	Case        string  `json:"case"`
	Kernel      string  `json:"kernel"`
	KernelPass  bool    `json:"kernel_pass"`
	KernelStats string  `json:"kernel_stats,omitempty"`
	E2EPass     bool    `json:"e2e_pass"`
	E2EMaxAbs   float32 `json:"e2e_max_abs_error"`
	Error       string  `json:"error,omitempty"`
}

func verifyCmd() *cli.Command {
	var casesPath, outPath string

	return &cli.Command{
		Name:  "verify",
		Usage: "Check the tiled kernel against reference implementations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "cases",
				Usage:       "YAML file with test cases (built-in set if omitted)",
				Destination: &casesPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Usage:       "write JSON results to this file",
				Destination: &outPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cases, err := loadCases(casesPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			bar := progressbar.Default(int64(len(cases)), "verifying")
			results := make([]verifyResult, 0, len(cases))
			failures := 0
			for _, c := range cases {
				res := runVerifyCase(c)
				if res.Error != "" || !res.KernelPass || !res.E2EPass {
					failures++
				}
				results = append(results, res)
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			for _, r := range results {
				status := "PASS"
				if r.Error != "" {
					status = "ERROR: " + r.Error
				} else if !r.KernelPass || !r.E2EPass {
					status = "FAIL"
				}
				fmt.Printf("%-24s %-40s %s\n", r.Case, r.Kernel, status)
				if r.KernelStats != "" {
					fmt.Println(r.KernelStats)
				}
			}

			if outPath != "" {
				data, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: marshal results: %v", err), 1)
				}
				if err := os.WriteFile(outPath, data, 0644); err != nil {
					return cli.Exit(fmt.Sprintf("error: write %s: %v", outPath, err), 1)
				}
			}

			if failures > 0 {
				return cli.Exit(fmt.Sprintf("%d/%d cases failed", failures, len(cases)), 1)
			}
			fmt.Printf("all %d cases passed\n", len(cases))
			return nil
		},
	}
}

func runVerifyCase(c Case) verifyResult {
	res := verifyResult{Case: c.Name}

	layout, err := c.layout()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	gran, err := c.granularity()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	q, k, v, err := c.tensors()
	if err != nil {
		res.Error = err.Error()
		return res
	}

	spec, err := sageattn.SelectKernel(c.HeadDim, c.Causal, gran,
		sageattn.Float16DType, true, true)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Kernel = spec.String()

	smScale := float32(1.0)

	// Kernel vs quantized reference: identical int8/e4m3 inputs on both
	// sides, so the comparison isolates the tile pipeline itself.
	var qi, ki sageattn.Tensor[int8]
	var qs, ks sageattn.Scale3
	if gran == sageattn.GranPerWarp {
		qi, qs, ki, ks, err = sageattn.QuantizeInt8PerWarp(q, k, sageattn.Scale3{}, layout)
	} else {
		qi, qs, ki, ks, err = sageattn.QuantizeInt8PerThread(q, k, sageattn.Scale3{}, layout)
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	vq, vs, err := sageattn.QuantizeVFP8PerChannel(v, layout)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	o := sageattn.Tensor[sageattn.Float16]{
		Data:  make([]sageattn.Float16, q.Numel()),
		Shape: q.Shape,
	}
	if _, err = sageattn.AttentionFusedVScale(qi, ki, vq, o, qs, ks, vs,
		layout, c.Causal, gran, smScale, false); err != nil {
		res.Error = err.Error()
		return res
	}

	ref, _ := sageattn.Reference{}.Attention(qi, ki, vq, qs, ks, vs,
		layout, c.Causal, gran, smScale)

	got := make([]float32, len(o.Data))
	for i, h := range o.Data {
		got[i] = h.ToFloat32()
	}
	vr := sageattn.VerifyFloat32Array(ref.Data, got, sageattn.DefaultTolerance())
	res.KernelPass = vr.IsAcceptable()
	if !res.KernelPass {
		res.KernelStats = vr.String()
	}

	// End to end: full pipeline with smoothing against float attention.
	opts := sageattn.DefaultSageOpts()
	opts.Layout = layout
	opts.Causal = c.Causal
	opts.Gran = gran
	opts.SMScale = smScale
	out, _, err := sageattn.SageAttention(q, k, v, opts)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	truth := sageattn.Reference{}.AttentionFloat(q, k, v, layout, c.Causal, smScale)
	evr := sageattn.VerifyFloat32Array(truth.Data, out.Data, sageattn.QuantizationTolerance())
	res.E2EPass = evr.IsAcceptable()
	res.E2EMaxAbs = evr.MaxAbsError

	return res
}

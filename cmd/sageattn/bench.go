package main

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	sageattn "github.com/cjmcv/SageAttention"
)

func benchCmd() *cli.Command {
	var (
		casesPath string
		session   string
		warmup    int64
		runs      int64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time the attention pipeline over a set of cases",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "cases",
				Usage:       "YAML file with benchmark cases (built-in set if omitted)",
				Destination: &casesPath,
			},
			&cli.StringFlag{
				Name:        "session",
				Usage:       "benchmark session name for the JSON log",
				Value:       "sageattn",
				Destination: &session,
			},
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "number of warmup runs per case",
				Value:       1,
				Destination: &warmup,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Usage:       "number of timed runs per case",
				Value:       3,
				Destination: &runs,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cases, err := loadCases(casesPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := sageattn.InitBenchmarkLogger(session); err != nil {
				return cli.Exit(fmt.Sprintf("error: init benchmark log: %v", err), 1)
			}

			fmt.Printf("device: %s\n", sageattn.DeviceName())
			bar := progressbar.Default(int64(len(cases))*(warmup+runs), "benchmarking")
			for _, c := range cases {
				if err := runBenchCase(c, int(warmup), int(runs), bar); err != nil {
					sageattn.LogBenchmarkFail(c.Name, err)
				}
			}
			_ = bar.Finish()

			return sageattn.PrintBenchmarkSummary()
		},
	}
}

func runBenchCase(c Case, warmup, runs int, bar *progressbar.ProgressBar) error {
	layout, err := c.layout()
	if err != nil {
		return err
	}
	gran, err := c.granularity()
	if err != nil {
		return err
	}
	q, k, v, err := c.tensors()
	if err != nil {
		return err
	}

	opts := sageattn.DefaultSageOpts()
	opts.Layout = layout
	opts.Causal = c.Causal
	opts.Gran = gran

	for i := 0; i < warmup; i++ {
		if _, _, err := sageattn.SageAttention(q, k, v, opts); err != nil {
			return err
		}
		_ = bar.Add(1)
	}

	var total time.Duration
	for i := 0; i < runs; i++ {
		start := time.Now()
		if _, _, err := sageattn.SageAttention(q, k, v, opts); err != nil {
			return err
		}
		total += time.Since(start)
		_ = bar.Add(1)
	}

	nsPerOp := float64(total.Nanoseconds()) / float64(runs)
	// Two matmuls of qo_len x kv_len x head_dim per head, 2 flops per MAC.
	flops := 4.0 * float64(c.Batch) * float64(c.QOHeads) *
		float64(c.QOLen) * float64(c.KVLen) * float64(c.HeadDim)
	if c.Causal {
		flops /= 2
	}

	sageattn.LogBenchmarkResult(sageattn.BenchmarkResult{
		Name:     c.Name,
		Status:   "pass",
		Batch:    c.Batch,
		Heads:    c.QOHeads,
		SeqLen:   c.QOLen,
		HeadDim:  c.HeadDim,
		Causal:   c.Causal,
		NsPerOp:  nsPerOp,
		GFlops:   flops / nsPerOp,
		Duration: total,
	})
	return nil
}

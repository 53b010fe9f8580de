package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"

	sageattn "github.com/cjmcv/SageAttention"
)

func main() {
	klog.InitFlags(nil)

	version, _ := sageattn.Version()
	if version == "" {
		version = "devel"
	}

	var verbosity string
	app := &cli.Command{
		Name:    "sageattn",
		Usage:   "Quantized attention kernel harness",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "v",
				Usage:       "log verbosity level",
				Value:       "0",
				Destination: &verbosity,
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, flag.Set("v", verbosity)
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			verifyCmd(),
			benchCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

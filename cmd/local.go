package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bfsim/bfsim/sim/federation"
	"github.com/bfsim/bfsim/sim/model"
	"github.com/bfsim/bfsim/sim/worker"
)

var (
	localExperimentPath string
	localWorkers        int
)

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run a coordinator and its workers in one process",
	Long:  "Start the coordinator of an experiment plus N workers talking to it over loopback TCP. Exits once the experiment is finished.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := federation.LoadConfig(localExperimentPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		ctx, stop := signalContext()
		defer stop()
		start := time.Now()
		rounds, err := runLocal(ctx, cfg, localWorkers)
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.Fatalf("local: %v", err)
		}
		logrus.Infof("Local experiment finished: %d rounds in %s", rounds, time.Since(start).Round(time.Millisecond))
	},
}

// runLocal binds the coordinator's listeners, then runs it alongside n
// workers. The first failure cancels everything else.
func runLocal(ctx context.Context, cfg *federation.Config, n int) (int, error) {
	if n < cfg.RoundClientNum*len(cfg.Scenarios) {
		return 0, fmt.Errorf("%d workers cannot fill %d tags of %d clients", n, len(cfg.Scenarios), cfg.RoundClientNum)
	}
	c, err := newCoordinator(cfg)
	if err != nil {
		return 0, err
	}
	selLn, err := net.Listen("tcp", cfg.SelectionAddr)
	if err != nil {
		return 0, fmt.Errorf("binding selection channel: %w", err)
	}
	repLn, err := net.Listen("tcp", cfg.ReportingAddr)
	if err != nil {
		selLn.Close()
		return 0, fmt.Errorf("binding reporting channel: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Serve(gctx, selLn, repLn) })
	for i := 0; i < n; i++ {
		w := worker.New(worker.Config{
			SelectionAddr: selLn.Addr().String(),
			ReportingAddr: repLn.Addr().String(),
			RetryInterval: 100 * time.Millisecond,
			MaxAttempts:   10,
		}, model.LinearFactory{})
		g.Go(func() error { return w.Run(gctx) })
	}
	err = g.Wait()
	return c.Round(), err
}

func init() {
	localCmd.Flags().StringVar(&localExperimentPath, "experiment", "", "Path to the experiment YAML file")
	localCmd.Flags().IntVar(&localWorkers, "workers", 2, "Number of in-process workers")
	_ = localCmd.MarkFlagRequired("experiment")

	rootCmd.AddCommand(localCmd)
}

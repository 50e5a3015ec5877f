package cmd

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bfsim/bfsim/sim/federation"
	"github.com/bfsim/bfsim/sim/model"
	"github.com/bfsim/bfsim/sim/worker"
)

// hostEnv names the environment variable holding the coordinator host.
const hostEnv = "GLOBAL_HOSTNAME"

var (
	workerHost          string
	workerSelectionPort int
	workerReportingPort int
	workerRetry         time.Duration
	workerMaxAttempts   int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a training worker against a coordinator",
	Run: func(cmd *cobra.Command, args []string) {
		// Hyperparameters travel inside the global model.
		w := worker.New(workerConfig(workerHost, workerSelectionPort, workerReportingPort), model.LinearFactory{})

		ctx, stop := signalContext()
		defer stop()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.Fatalf("worker: %v", err)
		}
		logrus.Infof("Worker stopped after %d rounds.", w.Rounds())
	},
}

func workerConfig(host string, selPort, repPort int) worker.Config {
	return worker.Config{
		SelectionAddr: net.JoinHostPort(host, strconv.Itoa(selPort)),
		ReportingAddr: net.JoinHostPort(host, strconv.Itoa(repPort)),
		RetryInterval: workerRetry,
		MaxAttempts:   workerMaxAttempts,
	}
}

// defaultHost returns $GLOBAL_HOSTNAME, or "global" when unset.
func defaultHost() string {
	if h := os.Getenv(hostEnv); h != "" {
		return h
	}
	return "global"
}

func init() {
	workerCmd.Flags().StringVar(&workerHost, "host", defaultHost(), "Coordinator host (default from "+hostEnv+")")
	workerCmd.Flags().IntVar(&workerSelectionPort, "selection-port", federation.DefaultSelectionPort, "Coordinator selection port")
	workerCmd.Flags().IntVar(&workerReportingPort, "reporting-port", federation.DefaultReportingPort, "Coordinator reporting port")
	workerCmd.Flags().DurationVar(&workerRetry, "retry-interval", worker.DefaultRetryInterval, "Pause between connection attempts")
	workerCmd.Flags().IntVar(&workerMaxAttempts, "max-attempts", 0, "Consecutive failed connection attempts before giving up (0 = forever)")

	rootCmd.AddCommand(workerCmd)
}

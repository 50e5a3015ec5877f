package cmd

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bfsim/bfsim/sim/federation"
	"github.com/bfsim/bfsim/sim/model"
)

var experimentPath string

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the round coordinator for an experiment",
	Long:  "Bind the selection and reporting channels, hand out simulation segments in synchronized rounds and average the returned models per tag.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := federation.LoadConfig(experimentPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		c, err := newCoordinator(cfg)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		ctx, stop := signalContext()
		defer stop()
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.Fatalf("coordinator: %v", err)
		}
		logrus.Info("Coordinator stopped.")
	},
}

func newCoordinator(cfg *federation.Config) (*federation.Coordinator, error) {
	return federation.NewCoordinator(cfg, model.LinearFactory{Config: cfg.Model}, federation.NewHistorySink(cfg.Telemetry))
}

func init() {
	coordinatorCmd.Flags().StringVar(&experimentPath, "experiment", "", "Path to the experiment YAML file")
	_ = coordinatorCmd.MarkFlagRequired("experiment")

	rootCmd.AddCommand(coordinatorCmd)
}

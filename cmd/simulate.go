package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bfsim/bfsim/sim"
	"github.com/bfsim/bfsim/sim/federation"
	"github.com/bfsim/bfsim/sim/model"
	"github.com/bfsim/bfsim/sim/scenario"
	"github.com/bfsim/bfsim/sim/trace"
	"github.com/bfsim/bfsim/sim/wire"
	"github.com/bfsim/bfsim/sim/worker"
)

// simulateOptions configures a standalone run of one scenario.
type simulateOptions struct {
	ScenarioPath string
	Reward       string
	Steps        int       // 0 = whole series
	Action       []float64 // fixed action; empty runs the linear policy
	Train        bool
	Seed         int64
	TSVDir       string
}

var simOpts simulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one scenario locally and print a summary",
	Run: func(cmd *cobra.Command, args []string) {
		summary, err := runSimulate(cmd.Context(), simOpts)
		if err != nil {
			logrus.Fatalf("simulate: %v", err)
		}
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			logrus.Fatalf("encoding summary: %v", err)
		}
		fmt.Println("=== Simulation Summary ===")
		fmt.Println(string(data))
	},
}

// fixedPolicy replays the same action every tick and never learns.
type fixedPolicy struct {
	action []float64
}

func (p fixedPolicy) SelectAction([]float64) []float64 {
	return append([]float64(nil), p.action...)
}

func (fixedPolicy) RecordTransition(model.Transition) {}

func (fixedPolicy) Update() {}

func (p fixedPolicy) MarshalBinary() ([]byte, error) {
	return json.Marshal(p.action)
}

func runSimulate(ctx context.Context, opts simulateOptions) (trace.Summary, error) {
	s, err := scenario.LoadScenario(opts.ScenarioPath)
	if err != nil {
		return trace.Summary{}, err
	}
	built, err := s.Build()
	if err != nil {
		return trace.Summary{}, err
	}
	steps := len(built.Environment)
	if opts.Steps > 0 {
		if opts.Steps > steps {
			return trace.Summary{}, fmt.Errorf("--steps %d exceeds the %d-step environment series", opts.Steps, steps)
		}
		steps = opts.Steps
	}

	actionDim, stateDim := sim.ActionWidthOf(built.Areas), sim.StateWidthOf(built.Areas)
	var m model.Model
	if len(opts.Action) > 0 {
		if len(opts.Action) != actionDim {
			return trace.Summary{}, fmt.Errorf("%w: --action has %d values, scenario needs %d", sim.ErrActionWidth, len(opts.Action), actionDim)
		}
		m = fixedPolicy{action: opts.Action}
	} else {
		rng := sim.NewPartitionedRNG(sim.NewSimulationKey(opts.Seed))
		m = model.NewLinearPolicy(stateDim, actionDim, rng.SeedFor(sim.SubsystemModel("simulate")), model.LinearConfig{})
	}

	end := built.StartTime.Add(sim.TickDuration * time.Duration(steps))
	trainStart := end
	if opts.Train {
		trainStart = built.StartTime
	}
	seg := &wire.Segment{
		Areas:              built.Areas,
		Environment:        built.Environment[:steps],
		StartDatetime:      built.StartTime,
		TrainStartDatetime: trainStart,
		EndDatetime:        end,
		Reward:             opts.Reward,
	}
	logrus.Infof("Simulating %s: %d areas, %d steps, action width %d, state width %d",
		opts.ScenarioPath, len(built.Areas), steps, actionDim, stateDim)
	cp, err := worker.RunSegment(seg, m, 0)
	if err != nil {
		return trace.Summary{}, err
	}

	if opts.TSVDir != "" {
		if err := writeSimulationLog(ctx, opts, built.Areas, cp); err != nil {
			return trace.Summary{}, err
		}
	}
	return trace.Summarize(cp.History), nil
}

func writeSimulationLog(ctx context.Context, opts simulateOptions, areas []*sim.Area, cp wire.Checkpoint) error {
	names := make([]string, len(areas))
	for i, a := range areas {
		names[i] = a.Name
	}
	tag := strings.TrimSuffix(filepath.Base(opts.ScenarioPath), filepath.Ext(opts.ScenarioPath))
	batch := federation.HistoryBatch{ExperimentID: uuid.NewString(), Tag: tag, AreaNames: names, Records: cp.History}

	sink := federation.NewTSVSink(opts.TSVDir)
	if err := sink.Write(ctx, batch); err != nil {
		sink.Close()
		return err
	}
	if err := sink.Close(); err != nil {
		return err
	}
	logrus.Infof("State log written to %s", filepath.Join(opts.TSVDir, batch.ExperimentID, tag, "client0.tsv"))
	return nil
}

func init() {
	simulateCmd.Flags().StringVar(&simOpts.ScenarioPath, "scenario", "", "Path to the scenario YAML/JSON file")
	simulateCmd.Flags().StringVar(&simOpts.Reward, "reward", "comfort", "Reward function ("+strings.Join(sim.ValidRewardNames(), ", ")+")")
	simulateCmd.Flags().IntVar(&simOpts.Steps, "steps", 0, "Number of minutes to simulate (0 = whole series)")
	simulateCmd.Flags().Float64SliceVar(&simOpts.Action, "action", nil, "Comma-separated fixed action vector; omit to run the linear policy")
	simulateCmd.Flags().BoolVar(&simOpts.Train, "train", false, "Train the linear policy while simulating")
	simulateCmd.Flags().Int64Var(&simOpts.Seed, "seed", 42, "Seed for the linear policy")
	simulateCmd.Flags().StringVar(&simOpts.TSVDir, "tsv-dir", "", "Write the per-tick state log below this directory")
	_ = simulateCmd.MarkFlagRequired("scenario")

	rootCmd.AddCommand(simulateCmd)
}

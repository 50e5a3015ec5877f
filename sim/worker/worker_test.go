package worker_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/bfsim/bfsim/sim/federation"
	"github.com/bfsim/bfsim/sim/internal/testutil"
	"github.com/bfsim/bfsim/sim/model"
	"github.com/bfsim/bfsim/sim/wire"
	"github.com/bfsim/bfsim/sim/worker"
)

func writeScenario(t *testing.T, steps int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(`areas:
  - name: office
    capacity: 300
    initial_temperature: 16
    facilities:
      - type: HVAC
        parameters: {cool_max_power: 2, heat_max_power: 2, cool_cop: 3, heat_cop: 3}
      - type: ES
        parameters: {charge_power: 1, discharge_power: 1, capacity: 5}
external_environment:
`)
	for i := 0; i < steps; i++ {
		fmt.Fprintf(&b, "  - {solar_radiation: %d, temperature: 8, electric_price_unit: 0.3}\n", i*10)
	}
	return testutil.WriteFile(t, t.TempDir(), "scenario.yaml", b.String())
}

func TestWorker_RunsUntilDone(t *testing.T) {
	// GIVEN a coordinator expecting two workers for three rounds
	cfg := &federation.Config{
		StartTime:      "2024-03-01 06:00",
		TotalSteps:     15,
		StepsPerRound:  5,
		RoundClientNum: 2,
		Seed:           1,
		DoneLinger:     time.Second,
		Scenarios:      []federation.ScenarioRef{{Tag: "office", Path: writeScenario(t, 15), Reward: "comfort"}},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	c, err := federation.NewCoordinator(cfg, model.LinearFactory{}, nil)
	require.NoError(t, err)
	c.PollInterval = 10 * time.Millisecond

	selLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	repLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// WHEN both workers run against it
	workers := []*worker.Worker{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Serve(gctx, selLn, repLn) })
	for i := 0; i < 2; i++ {
		w := worker.New(worker.Config{
			SelectionAddr: selLn.Addr().String(),
			ReportingAddr: repLn.Addr().String(),
			RetryInterval: 10 * time.Millisecond,
			MaxAttempts:   3,
		}, model.LinearFactory{})
		workers = append(workers, w)
		g.Go(func() error { return w.Run(gctx) })
	}

	// THEN everyone stops cleanly after the last round
	require.NoError(t, g.Wait())
	assert.Equal(t, 3, c.Round())
	ids := map[int]bool{}
	for _, w := range workers {
		assert.Equal(t, 3, w.Rounds())
		ids[w.ClientID()] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, ids)

	global, err := model.LinearFactory{}.Unmarshal(c.GlobalModel("office"))
	require.NoError(t, err)
	assert.Positive(t, global.(*model.LinearPolicy).Updates, "global model was never trained")
}

func TestWorker_GivesUpWithoutCoordinator(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	w := worker.New(worker.Config{SelectionAddr: addr, ReportingAddr: addr, RetryInterval: time.Millisecond, MaxAttempts: 2}, model.LinearFactory{})
	err = w.Run(context.Background())
	assert.ErrorContains(t, err, "giving up after 2 attempts")
	assert.ErrorIs(t, err, worker.ErrUnreachable)
	assert.Equal(t, -1, w.ClientID())
}

// flakySelection serves a selection listener that hangs up on the first drop
// registrations and then answers done with id 7.
func flakySelection(t *testing.T, drop int) (string, <-chan wire.SelectionRequest) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	hellos := make(chan wire.SelectionRequest, 16)
	go func() {
		for n := 0; ; n++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			var req wire.SelectionRequest
			if err := wire.Receive(conn, wire.KindSelectionRequest, &req); err == nil {
				hellos <- req
			}
			if n >= drop {
				_ = wire.Send(conn, wire.KindSelectionResponse, wire.SelectionResponse{ClientID: 7, Done: true})
			}
			conn.Close()
		}
	}()
	return ln.Addr().String(), hellos
}

func TestWorker_SurvivesDroppedRegistration(t *testing.T) {
	// GIVEN a coordinator that hangs up on the first registration
	addr, hellos := flakySelection(t, 1)
	w := worker.New(worker.Config{SelectionAddr: addr, ReportingAddr: addr, RetryInterval: time.Millisecond, MaxAttempts: 3}, model.LinearFactory{})

	// WHEN the worker runs
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.Run(ctx)

	// THEN it registers again and stops cleanly on done
	require.NoError(t, err)
	assert.Equal(t, 7, w.ClientID())
	assert.Len(t, hellos, 2)
}

func TestWorker_GivesUpAfterRepeatedDrops(t *testing.T) {
	addr, _ := flakySelection(t, 1000)
	w := worker.New(worker.Config{SelectionAddr: addr, ReportingAddr: addr, RetryInterval: time.Millisecond, MaxAttempts: 2}, model.LinearFactory{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.Run(ctx)
	assert.ErrorContains(t, err, "giving up after 2 dropped exchanges")
	assert.NotErrorIs(t, err, worker.ErrUnreachable)
}

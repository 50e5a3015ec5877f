package federation

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bfsim/bfsim/sim/internal/testutil"
	"github.com/bfsim/bfsim/sim/model"
	"github.com/bfsim/bfsim/sim/wire"
	"github.com/bfsim/bfsim/sim/worker"
)

const waitFor = 5 * time.Second

// writeScenario writes a one-room scenario with steps minutes of weather.
func writeScenario(t *testing.T, dir, name string, steps int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(`areas:
  - name: room
    capacity: 200
    initial_temperature: 18
    facilities:
      - type: HVAC
        parameters: {cool_max_power: 1, heat_max_power: 1, cool_cop: 3, heat_cop: 3}
external_environment:
`)
	for i := 0; i < steps; i++ {
		fmt.Fprintf(&b, "  - {solar_radiation: 0, temperature: %d, electric_price_unit: 0.2}\n", 5+i%10)
	}
	return testutil.WriteFile(t, dir, name, b.String())
}

// testConfig returns a validated config with one scenario per tag.
func testConfig(t *testing.T, clients, stepsPerRound, rounds int, tags ...string) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &Config{
		SelectionAddr:  "127.0.0.1:0",
		ReportingAddr:  "127.0.0.1:0",
		StartTime:      "2024-01-01 00:00",
		TotalSteps:     stepsPerRound * rounds,
		StepsPerRound:  stepsPerRound,
		RoundClientNum: clients,
		Seed:           42,
		DoneLinger:     100 * time.Millisecond,
		dir:            dir,
	}
	for _, tag := range tags {
		writeScenario(t, dir, tag+".yaml", cfg.TotalSteps)
		cfg.Scenarios = append(cfg.Scenarios, ScenarioRef{Tag: tag, Path: tag + ".yaml", Reward: "comfort"})
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	require.FileExists(t, filepath.Join(dir, tags[0]+".yaml"))
	return cfg
}

type harness struct {
	c       *Coordinator
	selAddr string
	repAddr string
	done    chan error
}

func startCoordinator(t *testing.T, cfg *Config, sink HistorySink) *harness {
	t.Helper()
	c, err := NewCoordinator(cfg, model.LinearFactory{}, sink)
	require.NoError(t, err)
	c.PollInterval = 10 * time.Millisecond

	selLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	repLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{c: c, selAddr: selLn.Addr().String(), repAddr: repLn.Addr().String(), done: make(chan error, 1)}
	go func() { h.done <- c.Serve(ctx, selLn, repLn) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitFor):
			t.Error("coordinator did not stop")
		}
	})
	return h
}

// register dials the selection channel and sends a hello, leaving the
// connection open for the configuration.
func (h *harness) register(t *testing.T, id *int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", h.selAddr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, wire.Send(conn, wire.KindSelectionRequest, wire.SelectionRequest{ClientID: id}))
	return conn
}

func awaitSelection(t *testing.T, conn net.Conn) wire.SelectionResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	var resp wire.SelectionResponse
	require.NoError(t, wire.Receive(conn, wire.KindSelectionResponse, &resp))
	return resp
}

// runSegment plays the worker side of a selection response.
func runSegment(t *testing.T, resp wire.SelectionResponse) wire.Checkpoint {
	t.Helper()
	m, err := model.LinearFactory{}.Unmarshal(resp.Model)
	require.NoError(t, err)
	cp, err := worker.RunSegment(resp.Segment, m, resp.HistoryLimit)
	require.NoError(t, err)
	return cp
}

// pendingReport is an in-flight report whose acknowledgement arrives later.
type pendingReport struct {
	conn net.Conn
}

func (h *harness) report(t *testing.T, clientID int, cp wire.Checkpoint) pendingReport {
	t.Helper()
	conn, err := net.Dial("tcp", h.repAddr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, wire.Send(conn, wire.KindReportRequest, wire.ReportRequest{ClientID: clientID, Checkpoint: cp}))
	return pendingReport{conn: conn}
}

func (p pendingReport) await(t *testing.T) wire.ReportResponse {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(waitFor))
	var resp wire.ReportResponse
	require.NoError(t, wire.Receive(p.conn, wire.KindReportResponse, &resp))
	return resp
}

// acked reports whether an acknowledgement is already readable.
func (p pendingReport) acked(wait time.Duration) bool {
	p.conn.SetReadDeadline(time.Now().Add(wait))
	var b [1]byte
	n, _ := p.conn.Read(b[:])
	return n > 0
}

func (h *harness) waitQueued(t *testing.T, tag string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.c.registry.QueueSizes()[tag] >= n
	}, waitFor, 5*time.Millisecond, "tag %s never reached %d queued clients", tag, n)
}

func (h *harness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(waitFor):
		t.Fatal("coordinator did not finish")
		return nil
	}
}

func poisonBlob(t *testing.T, stateDim, actionDim int, weight float64) []byte {
	t.Helper()
	p := model.NewLinearPolicy(stateDim, actionDim, 0, model.LinearConfig{})
	for i := range p.Weights {
		p.Weights[i] = weight
	}
	blob, err := p.MarshalBinary()
	require.NoError(t, err)
	return blob
}

func decodeLinear(t *testing.T, blob []byte) *model.LinearPolicy {
	t.Helper()
	m, err := model.LinearFactory{}.Unmarshal(blob)
	require.NoError(t, err)
	return m.(*model.LinearPolicy)
}

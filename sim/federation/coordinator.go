// Package federation implements the round coordinator: it registers workers,
// hands out simulation segments in barrier-synchronized rounds and merges the
// returned models per tag by federated averaging.
package federation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bfsim/bfsim/sim"
	"github.com/bfsim/bfsim/sim/model"
	"github.com/bfsim/bfsim/sim/scenario"
	"github.com/bfsim/bfsim/sim/wire"
)

var (
	// ErrUnknownClient is returned when a worker registers with an id the coordinator never issued.
	ErrUnknownClient = errors.New("unknown client id")
	// ErrUnexpectedReport is returned for a report from a client that holds no segment this round.
	ErrUnexpectedReport = errors.New("client was not configured in this round")
)

// template is a loaded scenario a new client is materialized from.
type template struct {
	ref       ScenarioRef
	scenario  *scenario.Scenario
	stateDim  int
	actionDim int
}

// Coordinator drives synchronized training rounds over a dynamically joining
// worker population.
type Coordinator struct {
	// PollInterval is the sleep between readiness checks of the round loop.
	PollInterval time.Duration

	cfg          *Config
	factory      model.Factory
	sink         HistorySink
	registry     *Registry
	experimentID string
	endTime      time.Time

	mu        sync.Mutex // guards clients, poolNext and released
	clients   []*ClientManager
	released  map[int]bool // clients that were sent done
	pool      []ScenarioRef
	poolNext  int
	templates map[string]*template
	rng       *sim.PartitionedRNG

	stateMu  sync.RWMutex // guards curTime, round and finished
	curTime  time.Time
	round    int
	finished bool
}

// NewCoordinator loads every scenario of cfg and prepares an idle coordinator.
// A nil sink discards history.
func NewCoordinator(cfg *Config, factory model.Factory, sink HistorySink) (*Coordinator, error) {
	if cfg.RoundClientNum <= 0 || cfg.StepsPerRound <= 0 {
		panic(fmt.Sprintf("NewCoordinator: invalid round sizing %d clients x %d steps", cfg.RoundClientNum, cfg.StepsPerRound))
	}
	if sink == nil {
		sink = MultiSink{}
	}
	c := &Coordinator{
		PollInterval: DefaultPollInterval,
		cfg:          cfg,
		factory:      factory,
		sink:         sink,
		registry:     NewRegistry(),
		experimentID: uuid.NewString(),
		curTime:      cfg.Start(),
		endTime:      cfg.End(),
		templates:    make(map[string]*template, len(cfg.Scenarios)),
		released:     make(map[int]bool),
		rng:          sim.NewPartitionedRNG(sim.NewSimulationKey(cfg.Seed)),
	}
	for _, ref := range cfg.Scenarios {
		tpl, err := c.loadTemplate(ref)
		if err != nil {
			return nil, err
		}
		c.templates[ref.Tag] = tpl
	}

	c.pool = append([]ScenarioRef(nil), cfg.Scenarios...)
	c.rng.ForSubsystem(sim.SubsystemTagPool).Shuffle(len(c.pool), func(i, j int) {
		c.pool[i], c.pool[j] = c.pool[j], c.pool[i]
	})
	return c, nil
}

func (c *Coordinator) loadTemplate(ref ScenarioRef) (*template, error) {
	path := c.cfg.ScenarioPath(ref)
	s, err := scenario.LoadScenario(path)
	if err != nil {
		return nil, fmt.Errorf("tag %q: %w", ref.Tag, err)
	}
	built, err := s.Build()
	if err != nil {
		return nil, fmt.Errorf("tag %q: scenario %s: %w", ref.Tag, path, err)
	}
	if !c.cfg.CycleEnvironment && len(built.Environment) < c.cfg.TotalSteps {
		return nil, fmt.Errorf("tag %q: scenario %s covers %d steps, experiment needs %d (set cycle_environment to wrap)",
			ref.Tag, path, len(built.Environment), c.cfg.TotalSteps)
	}
	return &template{
		ref:       ref,
		scenario:  s,
		stateDim:  sim.StateWidthOf(built.Areas),
		actionDim: sim.ActionWidthOf(built.Areas),
	}, nil
}

// ExperimentID identifies this coordinator run in telemetry.
func (c *Coordinator) ExperimentID() string { return c.experimentID }

// Run binds both listeners, retrying while the ports are taken, optionally
// serves the status endpoint, and runs rounds until the experiment ends.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	selLn, err := c.listen(ctx, c.cfg.SelectionAddr, "selection")
	if err != nil {
		return err
	}
	repLn, err := c.listen(ctx, c.cfg.ReportingAddr, "reporting")
	if err != nil {
		selLn.Close()
		return err
	}
	if c.cfg.StatusAddr != "" {
		go c.serveStatus(ctx, c.cfg.StatusAddr)
	}
	return c.Serve(ctx, selLn, repLn)
}

// listen binds addr, retrying every BindRetryInterval until it succeeds or ctx ends.
func (c *Coordinator) listen(ctx context.Context, addr, name string) (net.Listener, error) {
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			logrus.Infof("%s channel listening on %s", name, ln.Addr())
			return ln, nil
		}
		logrus.Warnf("binding %s channel on %s failed: %v; retrying in %s", name, addr, err, c.cfg.BindRetryInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.BindRetryInterval):
		}
	}
}

// Serve runs the experiment on already bound listeners and closes them on return.
func (c *Coordinator) Serve(ctx context.Context, selLn, repLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		selLn.Close()
		repLn.Close()
	}()

	logrus.Infof("coordinator started: experiment %s, %s to %s, %d steps per round, %d clients per tag",
		c.experimentID, c.curTime.Format(time.RFC3339), c.endTime.Format(time.RFC3339), c.cfg.StepsPerRound, c.cfg.RoundClientNum)

	var handlers sync.WaitGroup
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		c.acceptRegistrations(ctx, selLn, &handlers)
	}()

	err := c.roundLoop(ctx, repLn)
	c.finish()
	if err == nil {
		c.awaitFarewells(ctx)
	}
	cancel()
	<-acceptDone
	handlers.Wait()

	if cerr := c.sink.Close(); cerr != nil {
		logrus.Warnf("closing history sink: %v", cerr)
	}
	return err
}

func (c *Coordinator) acceptRegistrations(ctx context.Context, ln net.Listener, handlers *sync.WaitGroup) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.Warnf("accepting registration: %v", err)
			continue
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			c.handleRegistration(conn)
		}()
	}
}

// handleRegistration classifies and enqueues one worker. It never does simulation work.
func (c *Coordinator) handleRegistration(conn net.Conn) {
	addr := conn.RemoteAddr()
	conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	var req wire.SelectionRequest
	if err := wire.Receive(conn, wire.KindSelectionRequest, &req); err != nil {
		logrus.Warnf("[selector] bad registration from %s: %v", addr, err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	id, tag, err := c.resolveClient(req.ClientID)
	if err != nil {
		logrus.Warnf("[selector] rejecting %s: %v", addr, err)
		wire.SendError(conn, err.Error())
		conn.Close()
		return
	}
	if !c.registry.Enqueue(tag, pending{conn: conn, clientID: id}) {
		c.sendDone(conn, id)
		return
	}
	logrus.Infof("[selector] client%d (addr: %s, tag: %s) queued for the next round", id, addr, tag)
}

// resolveClient returns the id and tag of a registering worker, creating the
// client on first contact.
func (c *Coordinator) resolveClient(clientID *int) (int, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clientID == nil {
		return c.initClient()
	}
	id := *clientID
	if id < 0 || id >= len(c.clients) {
		return 0, "", fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	return id, c.clients[id].Tag, nil
}

// initClient binds a new client to the next tag of the shuffled pool, reused
// cyclically, and lazily creates the tag's global model. Caller holds c.mu.
func (c *Coordinator) initClient() (int, string, error) {
	ref := c.pool[c.poolNext%len(c.pool)]
	c.poolNext++
	tpl := c.templates[ref.Tag]

	built, err := tpl.scenario.Build()
	if err != nil {
		return 0, "", fmt.Errorf("materializing tag %q: %w", ref.Tag, err)
	}
	id := len(c.clients)
	c.clients = append(c.clients, NewClientManager(id, ref, built, c.cfg.Start(), c.cfg.CycleEnvironment))

	if c.registry.Model(ref.Tag) == nil {
		seed := c.rng.SeedFor(sim.SubsystemModel(ref.Tag))
		blob, err := c.factory.New(tpl.stateDim, tpl.actionDim, seed).MarshalBinary()
		if err != nil {
			return 0, "", fmt.Errorf("initializing model for tag %q: %w", ref.Tag, err)
		}
		c.registry.AddTag(ref.Tag, blob)
		logrus.Infof("[selector] initialized global model for tag %s (%d state, %d action)", ref.Tag, tpl.stateDim, tpl.actionDim)
	}
	logrus.Infof("[selector] initialized client%d (tag: %s) from %s", id, ref.Tag, ref.Path)
	return id, ref.Tag, nil
}

func (c *Coordinator) client(id int) *ClientManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[id]
}

func (c *Coordinator) sendDone(conn net.Conn, id int) {
	c.mu.Lock()
	c.released[id] = true
	c.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := wire.Send(conn, wire.KindSelectionResponse, wire.SelectionResponse{ClientID: id, Done: true}); err != nil {
		logrus.Debugf("[selector] sending done to client%d: %v", id, err)
	}
	conn.Close()
}

// finish stops accepting work and releases every queued worker.
func (c *Coordinator) finish() {
	c.stateMu.Lock()
	c.finished = true
	c.stateMu.Unlock()
	for _, p := range c.registry.Close() {
		c.sendDone(p.conn, p.clientID)
	}
}

// awaitFarewells keeps the selection channel open until every known client
// has been told the experiment is over, or DoneLinger passes.
func (c *Coordinator) awaitFarewells(ctx context.Context) {
	deadline := time.NewTimer(c.cfg.DoneLinger)
	defer deadline.Stop()
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		missing := len(c.clients) - len(c.released)
		c.mu.Unlock()
		if missing <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			logrus.Infof("[selector] %d clients never came back for their done message", missing)
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) roundLoop(ctx context.Context, repLn net.Listener) error {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for c.now().Before(c.endTime) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !c.registry.Ready(c.cfg.RoundClientNum) {
			continue
		}
		if err := c.runRound(ctx, repLn); err != nil {
			return err
		}
	}
	logrus.Infof("experiment %s finished at %s after %d rounds", c.experimentID, c.now().Format(time.RFC3339), c.Round())
	return nil
}

func (c *Coordinator) runRound(ctx context.Context, repLn net.Listener) error {
	c.stateMu.Lock()
	c.round++
	round, start := c.round, c.curTime
	c.stateMu.Unlock()
	end := start.Add(time.Duration(c.cfg.StepsPerRound) * sim.TickDuration)

	logrus.Infof("[round %04d] start (time: %s, tags: %v)", round, start.Format(time.RFC3339), c.registry.ActiveTags())
	expected := c.configure(round, start, end)

	c.stateMu.Lock()
	c.curTime = end
	c.stateMu.Unlock()

	return c.collectReports(ctx, round, repLn, expected)
}

// configure dequeues roundClientNum clients per tag and sends each its
// segment plus the tag's global model. Returns the clients expected to report.
func (c *Coordinator) configure(round int, start, end time.Time) map[int]string {
	expected := make(map[int]string)
	for _, tag := range c.registry.ActiveTags() {
		// A tag activated after the readiness check may not be full yet.
		batch := c.registry.DequeueN(tag, c.cfg.RoundClientNum)
		if batch == nil {
			continue
		}
		global := c.registry.Model(tag)
		for _, p := range batch {
			mgr := c.client(p.clientID)
			seg, err := mgr.CreateSegment(start, end)
			if err != nil {
				logrus.Errorf("[round %04d] client%d: %v", round, p.clientID, err)
				wire.SendError(p.conn, err.Error())
				p.conn.Close()
				continue
			}
			resp := wire.SelectionResponse{
				ClientID:     p.clientID,
				Tag:          tag,
				Model:        global,
				Segment:      seg,
				HistoryLimit: c.cfg.HistoryLimit,
			}
			p.conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
			err = wire.Send(p.conn, wire.KindSelectionResponse, resp)
			p.conn.Close()
			if err != nil {
				logrus.Warnf("[round %04d] configuring client%d failed, dropping it from this round: %v", round, p.clientID, err)
				mgr.AbortSegment()
				continue
			}
			logrus.Infof("[round %04d] configured client%d (tag: %s): %d steps from %s, training from %s",
				round, p.clientID, tag, seg.Steps(), seg.StartDatetime.Format(time.RFC3339), seg.TrainStartDatetime.Format(time.RFC3339))
			expected[p.clientID] = tag
		}
	}
	return expected
}

type reply struct {
	conn net.Conn
	resp wire.ReportResponse
}

// collectReports accepts exactly one report per configured client. A tag is
// aggregated as soon as its whole group has reported; every connection is
// acknowledged after the last report arrives.
func (c *Coordinator) collectReports(ctx context.Context, round int, ln net.Listener, expected map[int]string) error {
	remaining := make(map[string]int)
	for _, tag := range expected {
		remaining[tag]++
	}
	reported := make(map[int]bool, len(expected))
	accepted := make(map[string][][]byte)
	var replies []reply
	defer func() {
		for _, r := range replies {
			r.conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
			if err := wire.Send(r.conn, wire.KindReportResponse, r.resp); err != nil {
				logrus.Warnf("[round %04d] acknowledging report: %v", round, err)
			}
			r.conn.Close()
		}
	}()

	for len(reported) < len(expected) {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logrus.Warnf("[round %04d] accepting report: %v", round, err)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
		var req wire.ReportRequest
		if err := wire.Receive(conn, wire.KindReportRequest, &req); err != nil {
			logrus.Warnf("[round %04d] bad report from %s: %v", round, conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		conn.SetReadDeadline(time.Time{})

		tag, ok := expected[req.ClientID]
		if !ok || reported[req.ClientID] {
			err := fmt.Errorf("%w: client%d", ErrUnexpectedReport, req.ClientID)
			logrus.Warnf("[round %04d] %v", round, err)
			conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
			wire.Send(conn, wire.KindReportResponse, wire.ReportResponse{Error: err.Error()})
			conn.Close()
			continue
		}
		reported[req.ClientID] = true

		resp := c.acceptReport(ctx, round, tag, req)
		if resp.Success {
			accepted[tag] = append(accepted[tag], req.Checkpoint.Model)
		}
		replies = append(replies, reply{conn: conn, resp: resp})

		remaining[tag]--
		if remaining[tag] == 0 {
			c.aggregate(round, tag, accepted[tag])
		}
	}
	logrus.Infof("[round %04d] complete", round)
	return nil
}

// acceptReport validates a checkpoint and folds it into the client's manager.
// A rejected checkpoint leaves the manager and the tag's model untouched.
func (c *Coordinator) acceptReport(ctx context.Context, round int, tag string, req wire.ReportRequest) wire.ReportResponse {
	reject := func(err error) wire.ReportResponse {
		logrus.Warnf("[round %04d] rejected report of client%d: %v", round, req.ClientID, err)
		return wire.ReportResponse{Success: false, Error: err.Error()}
	}
	cp := req.Checkpoint
	m, err := c.factory.Unmarshal(cp.Model)
	if err != nil {
		return reject(err)
	}
	// The template is the tag's fixed topology, so it fixes the model shape too.
	tpl := c.templates[tag]
	if err := c.factory.CheckShape(m, tpl.stateDim, tpl.actionDim); err != nil {
		return reject(err)
	}
	mgr := c.client(req.ClientID)
	if err := mgr.LoadCheckpoint(cp); err != nil {
		return reject(err)
	}
	logrus.Infof("[round %04d] got report from client%d (tag: %s, clock: %s)", round, req.ClientID, tag, cp.CurrentDatetime.Format(time.RFC3339))

	names := make([]string, len(cp.Areas))
	for i, a := range cp.Areas {
		names[i] = a.Name
	}
	batch := HistoryBatch{
		ExperimentID: c.experimentID,
		ClientID:     req.ClientID,
		Tag:          tag,
		Round:        round,
		AreaNames:    names,
		Records:      cp.History,
		Dropped:      cp.DroppedHistory,
	}
	if err := c.sink.Write(ctx, batch); err != nil {
		logrus.Warnf("[round %04d] writing history of client%d: %v", round, req.ClientID, err)
	}
	return wire.ReportResponse{Success: true}
}

// aggregate replaces a tag's global model with the mean of the accepted models.
func (c *Coordinator) aggregate(round int, tag string, blobs [][]byte) {
	if len(blobs) == 0 {
		logrus.Warnf("[round %04d] no valid reports for tag %s, keeping previous model", round, tag)
		return
	}
	avg, err := model.AverageBlobs(c.factory, blobs)
	if err != nil {
		logrus.Errorf("[round %04d] aggregating tag %s: %v; keeping previous model", round, tag, err)
		return
	}
	c.registry.SetModel(tag, avg)
	logrus.Infof("[round %04d] aggregated %d models into global model for tag %s", round, len(blobs), tag)
}

func (c *Coordinator) now() time.Time {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.curTime
}

// Round returns the number of rounds started so far.
func (c *Coordinator) Round() int {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.round
}

// GlobalModel returns the current global model blob of a tag, nil if the tag is inactive.
func (c *Coordinator) GlobalModel(tag string) []byte {
	return c.registry.Model(tag)
}

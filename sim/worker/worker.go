// Package worker implements the worker runtime: register with the
// coordinator, run the handed segment while training, report, repeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bfsim/bfsim/sim/model"
	"github.com/bfsim/bfsim/sim/wire"
)

// DefaultRetryInterval is the pause between connection attempts.
const DefaultRetryInterval = 5 * time.Second

// ErrUnreachable is returned once MaxAttempts consecutive dials failed.
var ErrUnreachable = errors.New("coordinator unreachable")

// Config locates the coordinator.
type Config struct {
	SelectionAddr string
	ReportingAddr string
	RetryInterval time.Duration
	// MaxAttempts bounds consecutive failed dials and consecutive dropped
	// exchanges; 0 retries forever.
	MaxAttempts int
}

// Worker is a single-threaded, purely reactive client of the coordinator.
type Worker struct {
	cfg     Config
	factory model.Factory
	// clientID is nil until the coordinator assigns one.
	clientID *int
	rounds   int
}

// New creates a worker.
func New(cfg Config, factory model.Factory) *Worker {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &Worker{cfg: cfg, factory: factory}
}

// ClientID returns the assigned id, or -1 before the first registration.
func (w *Worker) ClientID() int {
	if w.clientID == nil {
		return -1
	}
	return *w.clientID
}

// Rounds returns the number of segments reported so far.
func (w *Worker) Rounds() int { return w.rounds }

// Run loops register → run segment → report until the coordinator says done
// or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	failures := 0
	for {
		resp, err := w.register(ctx)
		var remote *wire.RemoteError
		if errors.As(err, &remote) && w.clientID != nil {
			// The coordinator restarted and forgot us; join as a new client.
			logrus.Warnf("client%d rejected (%s); registering as a new client", *w.clientID, remote.Message)
			w.clientID = nil
			continue
		}
		if err != nil {
			if err := w.backoff(ctx, &failures, err); err != nil {
				return err
			}
			continue
		}
		failures = 0
		id := resp.ClientID
		w.clientID = &id
		log := logrus.WithField("client", id)
		if resp.Done {
			log.Infof("coordinator finished the experiment after %d rounds", w.rounds)
			return nil
		}
		seg := resp.Segment
		log.Infof("received segment (tag: %s) %s to %s", resp.Tag,
			seg.StartDatetime.Format(time.RFC3339), seg.EndDatetime.Format(time.RFC3339))

		m, err := w.factory.Unmarshal(resp.Model)
		if err != nil {
			return fmt.Errorf("decoding global model: %w", err)
		}
		cp, err := RunSegment(seg, m, resp.HistoryLimit)
		if err != nil {
			return fmt.Errorf("running segment: %w", err)
		}

		ack, err := w.report(ctx, cp)
		if err != nil {
			// The segment is forfeited.
			if err := w.backoff(ctx, &failures, err); err != nil {
				return err
			}
			continue
		}
		w.rounds++
		if !ack.Success {
			log.Warnf("checkpoint rejected: %s", ack.Error)
			continue
		}
		log.Infof("checkpoint accepted (clock: %s)", cp.CurrentDatetime.Format(time.RFC3339))
	}
}

// backoff decides whether a failed exchange is survivable. Dropped
// connections are: the worker waits RetryInterval and registers again with
// its id. An unreachable coordinator or a cancelled ctx is returned.
func (w *Worker) backoff(ctx context.Context, failures *int, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, ErrUnreachable) {
		return err
	}
	*failures++
	if w.cfg.MaxAttempts > 0 && *failures >= w.cfg.MaxAttempts {
		return fmt.Errorf("giving up after %d dropped exchanges: %w", *failures, err)
	}
	logrus.Warnf("client%d: %v; registering again in %s (attempt %d)", w.ClientID(), err, w.cfg.RetryInterval, *failures)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.cfg.RetryInterval):
	}
	return nil
}

func (w *Worker) register(ctx context.Context) (wire.SelectionResponse, error) {
	var resp wire.SelectionResponse
	err := w.exchange(ctx, w.cfg.SelectionAddr, func(conn net.Conn) error {
		if err := wire.Send(conn, wire.KindSelectionRequest, wire.SelectionRequest{ClientID: w.clientID}); err != nil {
			return err
		}
		// Blocks until the coordinator configures this worker for a round.
		return wire.Receive(conn, wire.KindSelectionResponse, &resp)
	})
	if err != nil {
		return resp, fmt.Errorf("registering: %w", err)
	}
	return resp, nil
}

func (w *Worker) report(ctx context.Context, cp wire.Checkpoint) (wire.ReportResponse, error) {
	var resp wire.ReportResponse
	err := w.exchange(ctx, w.cfg.ReportingAddr, func(conn net.Conn) error {
		req := wire.ReportRequest{ClientID: w.ClientID(), Checkpoint: cp}
		if err := wire.Send(conn, wire.KindReportRequest, req); err != nil {
			return err
		}
		return wire.Receive(conn, wire.KindReportResponse, &resp)
	})
	if err != nil {
		return resp, fmt.Errorf("reporting: %w", err)
	}
	return resp, nil
}

// exchange dials addr, retrying on failure, and runs fn on the connection.
// The connection is closed when fn returns or ctx ends.
func (w *Worker) exchange(ctx context.Context, addr string, fn func(net.Conn) error) error {
	conn, err := w.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := fn(conn); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (w *Worker) dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			logrus.Debugf("connected to %s", addr)
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if w.cfg.MaxAttempts > 0 && attempt >= w.cfg.MaxAttempts {
			return nil, fmt.Errorf("%w: connecting to %s: giving up after %d attempts: %v", ErrUnreachable, addr, attempt, err)
		}
		logrus.Warnf("connecting to %s failed (attempt %d): %v; retrying in %s", addr, attempt, err, w.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.cfg.RetryInterval):
		}
	}
}

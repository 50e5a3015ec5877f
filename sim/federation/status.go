package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	ExperimentID string      `json:"experiment_id"`
	Round        int         `json:"round"`
	CurrentTime  time.Time   `json:"current_time"`
	EndTime      time.Time   `json:"end_time"`
	Finished     bool        `json:"finished"`
	Clients      int         `json:"clients"`
	Tags         []TagStatus `json:"tags"`
}

// TagStatus describes one tag group.
type TagStatus struct {
	Tag          string `json:"tag"`
	Clients      int    `json:"clients"`
	Queued       int    `json:"queued"`
	ModelUpdates int    `json:"model_updates"`
}

// Status returns a snapshot safe to call from any goroutine.
func (c *Coordinator) Status() Status {
	c.stateMu.RLock()
	s := Status{
		ExperimentID: c.experimentID,
		Round:        c.round,
		CurrentTime:  c.curTime,
		EndTime:      c.endTime,
		Finished:     c.finished,
	}
	c.stateMu.RUnlock()

	perTag := make(map[string]int)
	c.mu.Lock()
	s.Clients = len(c.clients)
	for _, m := range c.clients {
		perTag[m.Tag]++
	}
	c.mu.Unlock()

	queued := c.registry.QueueSizes()
	for _, tag := range c.registry.ActiveTags() {
		s.Tags = append(s.Tags, TagStatus{
			Tag:          tag,
			Clients:      perTag[tag],
			Queued:       queued[tag],
			ModelUpdates: c.registry.Updates(tag),
		})
	}
	sort.Slice(s.Tags, func(i, j int) bool { return s.Tags[i].Tag < s.Tags[j].Tag })
	return s
}

// NewStatusRouter exposes GET /status and GET /healthz.
func NewStatusRouter(c *Coordinator) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Status()); err != nil {
			logrus.Warnf("encoding status: %v", err)
		}
	}).Methods(http.MethodGet)
	return r
}

func (c *Coordinator) serveStatus(ctx context.Context, addr string) {
	accessLog := logrus.StandardLogger().WriterLevel(logrus.DebugLevel)
	defer accessLog.Close()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handlers.LoggingHandler(accessLog, NewStatusRouter(c)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logrus.Infof("status endpoint listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.Errorf("status endpoint: %v", err)
	}
}

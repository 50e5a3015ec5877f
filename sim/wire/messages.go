package wire

import (
	"time"

	"github.com/bfsim/bfsim/sim"
	"github.com/bfsim/bfsim/sim/trace"
)

// SelectionRequest announces an idle worker. ClientID is nil on first contact.
type SelectionRequest struct {
	ClientID *int `json:"client_id"`
}

// SelectionResponse hands a worker its next segment, or tells it to stop.
type SelectionResponse struct {
	ClientID     int      `json:"client_id"`
	Tag          string   `json:"tag,omitempty"`
	Done         bool     `json:"done,omitempty"`
	Model        []byte   `json:"model,omitempty"`
	Segment      *Segment `json:"segment,omitempty"`
	HistoryLimit int      `json:"history_limit,omitempty"`
}

// Segment is a bounded slice of a client's simulation: the carried-over areas
// and the environment from StartDatetime up to EndDatetime (exclusive).
// Ticks before TrainStartDatetime replay history without training.
type Segment struct {
	Areas              []*sim.Area               `json:"areas"`
	Environment        []sim.BuildingEnvironment `json:"environment"`
	StartStep          int                       `json:"start_step"`
	StartDatetime      time.Time                 `json:"start_datetime"`
	TrainStartDatetime time.Time                 `json:"train_start_datetime"`
	EndDatetime        time.Time                 `json:"end_datetime"`
	Reward             string                    `json:"reward"`
}

// Steps returns the number of ticks in the segment.
func (s *Segment) Steps() int { return len(s.Environment) }

// Checkpoint is what a worker returns after running a segment.
type Checkpoint struct {
	Model           []byte         `json:"model"`
	Areas           []*sim.Area    `json:"areas"`
	CurrentDatetime time.Time      `json:"current_datetime"`
	History         []trace.Record `json:"history,omitempty"`
	DroppedHistory  int            `json:"dropped_history,omitempty"`
}

// ReportRequest submits a checkpoint.
type ReportRequest struct {
	ClientID   int        `json:"client_id"`
	Checkpoint Checkpoint `json:"checkpoint"`
}

// ReportResponse acknowledges a report. Success is false when the checkpoint was rejected.
type ReportResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

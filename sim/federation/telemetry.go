package federation

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/bfsim/bfsim/sim/trace"
)

// HistoryBatch is the history a client returned with one checkpoint.
type HistoryBatch struct {
	ExperimentID string         `json:"experiment_id"`
	ClientID     int            `json:"client_id"`
	Tag          string         `json:"tag"`
	Round        int            `json:"round"`
	AreaNames    []string       `json:"area_names"`
	Records      []trace.Record `json:"records"`
	Dropped      int            `json:"dropped"`
}

// HistorySink receives reported history. The coordinator discards history
// after handing it to the sink.
type HistorySink interface {
	Write(ctx context.Context, batch HistoryBatch) error
	Close() error
}

// NewHistorySink builds the sinks enabled by cfg. With nothing enabled the
// returned sink discards every batch.
func NewHistorySink(cfg TelemetryConfig) HistorySink {
	var sinks MultiSink
	if cfg.Log {
		sinks = append(sinks, LogSink{})
	}
	if cfg.TSVDir != "" {
		sinks = append(sinks, NewTSVSink(cfg.TSVDir))
	}
	if cfg.Kafka != nil {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	return sinks
}

// MultiSink fans a batch out to every sink.
type MultiSink []HistorySink

func (m MultiSink) Write(ctx context.Context, batch HistoryBatch) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink logs a one-line summary per batch.
type LogSink struct{}

func (LogSink) Write(_ context.Context, b HistoryBatch) error {
	s := trace.Summarize(b.Records)
	logrus.WithFields(logrus.Fields{
		"client": b.ClientID,
		"tag":    b.Tag,
		"round":  b.Round,
	}).Infof("history: %d steps (%d trained), mean reward %.4f, temperature [%.2f, %.2f], grid %.3f kWh in / %.3f kWh out",
		s.Steps, s.TrainedSteps, s.MeanReward, s.MinTemperature, s.MaxTemperature, s.EnergyDrawn, s.EnergyFedIn)
	return nil
}

func (LogSink) Close() error { return nil }

// TSVSink appends every record to a tab-separated file per client, under
// <dir>/<experiment>/<tag>/client<id>.tsv.
type TSVSink struct {
	dir string

	mu    sync.Mutex
	files map[int]*tsvFile
}

type tsvFile struct {
	f *os.File
	w *csv.Writer
}

// NewTSVSink creates a sink writing below dir.
func NewTSVSink(dir string) *TSVSink {
	return &TSVSink{dir: dir, files: make(map[int]*tsvFile)}
}

func (s *TSVSink) Write(_ context.Context, b HistoryBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.open(b)
	if err != nil {
		return err
	}
	for _, r := range b.Records {
		row := []string{r.Datetime.Format(time.RFC3339)}
		for _, a := range r.State.Areas {
			row = append(row, formatFloat(a.Temperature))
		}
		row = append(row,
			formatFloat(r.State.Temperature),
			formatFloat(r.State.PowerBalance),
			formatFloat(r.State.SolarRadiation),
			formatFloat(r.TotalReward()),
			strconv.FormatBool(r.Trained),
		)
		if err := tf.w.Write(row); err != nil {
			return fmt.Errorf("writing state log: %w", err)
		}
	}
	tf.w.Flush()
	return tf.w.Error()
}

func (s *TSVSink) open(b HistoryBatch) (*tsvFile, error) {
	if tf, ok := s.files[b.ClientID]; ok {
		return tf, nil
	}
	path := filepath.Join(s.dir, b.ExperimentID, b.Tag, fmt.Sprintf("client%d.tsv", b.ClientID))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state log dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating state log: %w", err)
	}
	w := csv.NewWriter(f)
	w.Comma = '\t'
	header := []string{"datetime"}
	for _, name := range b.AreaNames {
		header = append(header, name+"_temperature")
	}
	header = append(header, "outside_temperature", "grid_power", "solar_radiation", "reward", "trained")
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing state log header: %w", err)
	}
	tf := &tsvFile{f: f, w: w}
	s.files[b.ClientID] = tf
	return tf, nil
}

func (s *TSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, tf := range s.files {
		tf.w.Flush()
		if err := tf.w.Error(); err != nil {
			errs = append(errs, err)
		}
		if err := tf.f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.files, id)
	}
	return errors.Join(errs...)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one JSON message per record, keyed by experiment and
// client so a client's history stays ordered within a partition.
type KafkaSink struct {
	writer kafkaMessageWriter
}

// kafkaRecord is the published message value.
type kafkaRecord struct {
	ExperimentID string       `json:"experiment_id"`
	ClientID     int          `json:"client_id"`
	Tag          string       `json:"tag"`
	Round        int          `json:"round"`
	Record       trace.Record `json:"record"`
}

// NewKafkaSink creates a sink publishing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (k *KafkaSink) Write(ctx context.Context, b HistoryBatch) error {
	if len(b.Records) == 0 {
		return nil
	}
	key := []byte(fmt.Sprintf("%s/%d", b.ExperimentID, b.ClientID))
	msgs := make([]kafka.Message, len(b.Records))
	for i, r := range b.Records {
		value, err := json.Marshal(kafkaRecord{
			ExperimentID: b.ExperimentID,
			ClientID:     b.ClientID,
			Tag:          b.Tag,
			Round:        b.Round,
			Record:       r,
		})
		if err != nil {
			return fmt.Errorf("encoding history record: %w", err)
		}
		msgs[i] = kafka.Message{Key: key, Value: value, Time: r.Datetime}
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publishing history: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

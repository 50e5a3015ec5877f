package federation

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bfsim/bfsim/sim"
	"github.com/bfsim/bfsim/sim/model"
	"github.com/bfsim/bfsim/sim/scenario"
)

// Well-known coordinator ports.
const (
	DefaultSelectionPort = 11113
	DefaultReportingPort = 11114
)

const (
	DefaultBindRetryInterval = 5 * time.Second
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultDoneLinger        = 10 * time.Second
)

// Config is the experiment configuration of a coordinator.
// Loaded from YAML via LoadConfig(path).
type Config struct {
	SelectionAddr     string        `yaml:"selection_addr"`
	ReportingAddr     string        `yaml:"reporting_addr"`
	StatusAddr        string        `yaml:"status_addr,omitempty"` // empty disables the HTTP endpoint
	StartTime         string        `yaml:"start_time"`
	TotalSteps        int           `yaml:"total_steps"`
	StepsPerRound     int           `yaml:"steps_per_round"`
	RoundClientNum    int           `yaml:"round_client_num"`
	Seed              int64         `yaml:"seed"`
	CycleEnvironment  bool          `yaml:"cycle_environment"`
	HistoryLimit      int           `yaml:"history_limit"` // 0 = unbounded
	BindRetryInterval time.Duration `yaml:"bind_retry_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	// DoneLinger bounds how long the selection channel stays open after the
	// last round for workers to collect their done message.
	DoneLinger time.Duration `yaml:"done_linger"`

	Scenarios []ScenarioRef      `yaml:"scenarios"`
	Model     model.LinearConfig `yaml:"model"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`

	// dir resolves relative scenario paths.
	dir string
}

// ScenarioRef pairs a scenario file with a reward function under one tag.
type ScenarioRef struct {
	Tag    string `yaml:"tag"`
	Path   string `yaml:"path"`
	Reward string `yaml:"reward"`
}

// TelemetryConfig selects where reported history goes.
type TelemetryConfig struct {
	Log    bool         `yaml:"log"`
	TSVDir string       `yaml:"tsv_dir,omitempty"`
	Kafka  *KafkaConfig `yaml:"kafka,omitempty"`
}

// KafkaConfig configures the Kafka history sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoadConfig reads and parses an experiment file, applies defaults and validates it.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading experiment config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing experiment config: %w", err)
	}
	cfg.dir = filepath.Dir(path)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("experiment config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.SelectionAddr == "" {
		c.SelectionAddr = fmt.Sprintf(":%d", DefaultSelectionPort)
	}
	if c.ReportingAddr == "" {
		c.ReportingAddr = fmt.Sprintf(":%d", DefaultReportingPort)
	}
	if c.BindRetryInterval == 0 {
		c.BindRetryInterval = DefaultBindRetryInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DoneLinger == 0 {
		c.DoneLinger = DefaultDoneLinger
	}
}

// Validate checks round sizing, tags, reward names and listener addresses.
func (c *Config) Validate() error {
	if _, err := scenario.ParseTime(c.StartTime); err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	if c.TotalSteps <= 0 {
		return fmt.Errorf("total_steps must be positive, got %d", c.TotalSteps)
	}
	if c.StepsPerRound <= 0 {
		return fmt.Errorf("steps_per_round must be positive, got %d", c.StepsPerRound)
	}
	if c.RoundClientNum <= 0 {
		return fmt.Errorf("round_client_num must be positive, got %d", c.RoundClientNum)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must be non-negative, got %d", c.HistoryLimit)
	}
	if c.BindRetryInterval < 0 || c.HandshakeTimeout < 0 || c.DoneLinger < 0 {
		return fmt.Errorf("bind_retry_interval, handshake_timeout and done_linger must be non-negative")
	}
	if len(c.Scenarios) == 0 {
		return fmt.Errorf("at least one scenario required")
	}
	tags := make(map[string]bool, len(c.Scenarios))
	for i, s := range c.Scenarios {
		if s.Tag == "" || s.Path == "" {
			return fmt.Errorf("scenarios[%d]: tag and path required", i)
		}
		if tags[s.Tag] {
			return fmt.Errorf("scenarios[%d]: duplicate tag %q", i, s.Tag)
		}
		tags[s.Tag] = true
		if _, err := sim.LookupReward(s.Reward); err != nil {
			return fmt.Errorf("scenarios[%d]: %w", i, err)
		}
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if k := c.Telemetry.Kafka; k != nil && (len(k.Brokers) == 0 || k.Topic == "") {
		return fmt.Errorf("telemetry.kafka: brokers and topic required")
	}
	return validateAddrs(map[string]string{
		"selection_addr": c.SelectionAddr,
		"reporting_addr": c.ReportingAddr,
		"status_addr":    c.StatusAddr,
	})
}

// validateAddrs rejects malformed addresses and two listeners sharing a port.
func validateAddrs(addrs map[string]string) error {
	ports := make(map[string]string, len(addrs))
	for _, name := range []string{"selection_addr", "reporting_addr", "status_addr"} {
		addr := addrs[name]
		if addr == "" {
			continue
		}
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if port == "0" {
			continue
		}
		if other, ok := ports[port]; ok {
			return fmt.Errorf("%s and %s share port %s", other, name, port)
		}
		ports[port] = name
	}
	return nil
}

// Start returns the parsed experiment start time.
func (c *Config) Start() time.Time {
	t, _ := scenario.ParseTime(c.StartTime)
	return t
}

// End returns the time at which no further rounds are issued.
func (c *Config) End() time.Time {
	return c.Start().Add(time.Duration(c.TotalSteps) * sim.TickDuration)
}

// ScenarioPath resolves a scenario path against the config file's directory.
func (c *Config) ScenarioPath(ref ScenarioRef) string {
	if filepath.IsAbs(ref.Path) || c.dir == "" {
		return ref.Path
	}
	return filepath.Join(c.dir, ref.Path)
}

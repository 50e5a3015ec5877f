package federation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfsim/bfsim/sim/internal/testutil"
)

const validExperiment = `
start_time: "2024-01-01 00:00"
total_steps: 1440
steps_per_round: 60
round_client_num: 2
seed: 7
scenarios:
  - tag: office
    path: scenarios/office.yaml
    reward: comfort
telemetry:
  log: true
`

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "experiment.yaml", validExperiment)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":11113", cfg.SelectionAddr)
	assert.Equal(t, ":11114", cfg.ReportingAddr)
	assert.Equal(t, DefaultBindRetryInterval, cfg.BindRetryInterval)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.HandshakeTimeout)
	assert.Equal(t, DefaultDoneLinger, cfg.DoneLinger)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), cfg.Start())
	assert.Equal(t, cfg.Start().Add(24*time.Hour), cfg.End())
	assert.Equal(t, filepath.Join(dir, "scenarios", "office.yaml"), cfg.ScenarioPath(cfg.Scenarios[0]))
}

func TestLoadConfig_RejectsUnknownField(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "experiment.yaml", validExperiment+"round_clients: 3\n")
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "round_clients")
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		c := &Config{
			StartTime:      "2024-01-01",
			TotalSteps:     60,
			StepsPerRound:  10,
			RoundClientNum: 1,
			Scenarios:      []ScenarioRef{{Tag: "a", Path: "a.yaml", Reward: "comfort"}},
		}
		c.ApplyDefaults()
		return c
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad start time", func(c *Config) { c.StartTime = "yesterday" }, "start_time"},
		{"zero total steps", func(c *Config) { c.TotalSteps = 0 }, "total_steps"},
		{"zero steps per round", func(c *Config) { c.StepsPerRound = 0 }, "steps_per_round"},
		{"zero clients", func(c *Config) { c.RoundClientNum = 0 }, "round_client_num"},
		{"negative history limit", func(c *Config) { c.HistoryLimit = -1 }, "history_limit"},
		{"no scenarios", func(c *Config) { c.Scenarios = nil }, "scenario"},
		{"duplicate tag", func(c *Config) { c.Scenarios = append(c.Scenarios, c.Scenarios[0]) }, "duplicate tag"},
		{"unknown reward", func(c *Config) { c.Scenarios[0].Reward = "profit" }, "profit"},
		{"negative learning rate", func(c *Config) { c.Model.LearningRate = -1 }, "learning_rate"},
		{"kafka without topic", func(c *Config) { c.Telemetry.Kafka = &KafkaConfig{Brokers: []string{"k:9092"}} }, "telemetry.kafka"},
		{"shared port", func(c *Config) { c.ReportingAddr = "127.0.0.1:11113" }, "share port"},
		{"status shares port", func(c *Config) { c.StatusAddr = ":11114" }, "share port"},
		{"malformed address", func(c *Config) { c.SelectionAddr = "localhost" }, "selection_addr"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			assert.ErrorContains(t, c.Validate(), tc.want)
		})
	}
}

func TestConfig_EphemeralPortsDoNotConflict(t *testing.T) {
	c := &Config{
		SelectionAddr:  "127.0.0.1:0",
		ReportingAddr:  "127.0.0.1:0",
		StatusAddr:     "127.0.0.1:0",
		StartTime:      "2024-01-01",
		TotalSteps:     1,
		StepsPerRound:  1,
		RoundClientNum: 1,
		Scenarios:      []ScenarioRef{{Tag: "a", Path: "a.yaml", Reward: "occupancy"}},
	}
	assert.NoError(t, c.Validate())
}

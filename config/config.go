package config

import (
	"os"
	"time"

	"github.com/Nystya/txn-coordinator/logger"
	"github.com/Nystya/txn-coordinator/telemetry"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger      logger.Config      `yaml:"logger"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
	Coordinator *CoordinatorConfig `yaml:"coordinator"`
	Participant *ParticipantConfig `yaml:"participant"`
}

type BackoffConfig struct {
	InitialMillis int     `yaml:"initialMillis"`
	MaxMillis     int     `yaml:"maxMillis"`
	Multiplier    float64 `yaml:"multiplier"`
}

func (b BackoffConfig) Initial() time.Duration {
	return time.Duration(b.InitialMillis) * time.Millisecond
}

func (b BackoffConfig) Max() time.Duration {
	return time.Duration(b.MaxMillis) * time.Millisecond
}

type ParticipantEndpoint struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type CoordinatorConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	StorePath  string `yaml:"storePath"`

	InteractiveSessionKey string   `yaml:"interactiveSessionKey"`
	CoordinatorKey        string   `yaml:"coordinatorKey"`
	SessionTokens         []string `yaml:"sessionTokens"`
	AdminSessionTokens    []string `yaml:"adminSessionTokens"`

	TransactionTimeoutSeconds     int           `yaml:"transactionTimeoutSeconds"`
	TransactionCountLimit         int           `yaml:"transactionCountLimit"`
	RecoveryIntervalSeconds       int           `yaml:"recoveryIntervalSeconds"`
	ReaperIntervalSeconds         int           `yaml:"reaperIntervalSeconds"`
	ParticipantCallTimeoutSeconds int           `yaml:"participantCallTimeoutSeconds"`
	CommitRetryBackoff            BackoffConfig `yaml:"commitRetryBackoff"`
	RetryRatePerSecond            float64       `yaml:"retryRatePerSecond"`

	Participants []ParticipantEndpoint `yaml:"participants"`
}

type ParticipantConfig struct {
	Name                 string `yaml:"name"`
	Kind                 string `yaml:"kind"`
	ListenAddr           string `yaml:"listenAddr"`
	DataDir              string `yaml:"dataDir"`
	JournalDir           string `yaml:"journalDir"`
	JournalMaxFileSizeKB int64  `yaml:"journalMaxFileSizeKB"`
	JournalCompactEvery  int    `yaml:"journalCompactEvery"`
	CoordinatorKey       string `yaml:"coordinatorKey"`
}

const (
	KindEntity = "entity"
	KindFile   = "file"
)

// Load reads a YAML config file, fills in defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config %s", path)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "could not parse config")
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}

	if c.Telemetry.PrometheusAddr == "" {
		c.Telemetry.PrometheusAddr = ":9090"
	}

	if co := c.Coordinator; co != nil {
		if co.ListenAddr == "" {
			co.ListenAddr = "127.0.0.1:5000"
		}
		if co.StorePath == "" {
			co.StorePath = "data/coordinator/transactions.db"
		}
		if co.TransactionTimeoutSeconds == 0 {
			co.TransactionTimeoutSeconds = 3600
		}
		if co.TransactionCountLimit == 0 {
			co.TransactionCountLimit = 10
		}
		if co.RecoveryIntervalSeconds == 0 {
			co.RecoveryIntervalSeconds = 60
		}
		if co.ReaperIntervalSeconds == 0 {
			co.ReaperIntervalSeconds = 10
		}
		if co.ParticipantCallTimeoutSeconds == 0 {
			co.ParticipantCallTimeoutSeconds = 30
		}
		if co.CommitRetryBackoff.InitialMillis == 0 {
			co.CommitRetryBackoff.InitialMillis = 500
		}
		if co.CommitRetryBackoff.MaxMillis == 0 {
			co.CommitRetryBackoff.MaxMillis = 30000
		}
		if co.CommitRetryBackoff.Multiplier == 0 {
			co.CommitRetryBackoff.Multiplier = 2
		}
		if co.RetryRatePerSecond == 0 {
			co.RetryRatePerSecond = 20
		}
	}

	if p := c.Participant; p != nil {
		if p.DataDir == "" {
			p.DataDir = "data/" + p.Name
		}
		if p.JournalDir == "" {
			p.JournalDir = p.DataDir + "/journal"
		}
		if p.JournalMaxFileSizeKB == 0 {
			p.JournalMaxFileSizeKB = 100
		}
		if p.JournalCompactEvery == 0 {
			p.JournalCompactEvery = 256
		}
	}
}

func (c *Config) Validate() error {
	if c.Coordinator == nil && c.Participant == nil {
		return errors.New("config must contain a coordinator or a participant section")
	}

	if co := c.Coordinator; co != nil {
		if co.InteractiveSessionKey == "" {
			return errors.New("coordinator.interactiveSessionKey cannot be empty")
		}
		if co.CoordinatorKey == "" {
			return errors.New("coordinator.coordinatorKey cannot be empty")
		}
		if co.TransactionTimeoutSeconds < 0 || co.TransactionCountLimit < 0 || co.RecoveryIntervalSeconds < 0 ||
			co.ReaperIntervalSeconds < 0 || co.ParticipantCallTimeoutSeconds < 0 {
			return errors.New("coordinator timeouts, intervals and limits must be positive")
		}
		if co.CommitRetryBackoff.MaxMillis < co.CommitRetryBackoff.InitialMillis {
			return errors.New("coordinator.commitRetryBackoff.maxMillis must not be lower than initialMillis")
		}
		if co.CommitRetryBackoff.Multiplier < 1 {
			return errors.New("coordinator.commitRetryBackoff.multiplier must be >= 1")
		}
		if len(co.Participants) == 0 {
			return errors.New("coordinator.participants cannot be empty")
		}

		seen := make(map[string]struct{})
		for _, p := range co.Participants {
			if p.Name == "" || p.Address == "" {
				return errors.New("every coordinator participant needs a name and an address")
			}
			if _, ok := seen[p.Name]; ok {
				return errors.Newf("duplicate participant name %q", p.Name)
			}
			seen[p.Name] = struct{}{}
		}
	}

	if p := c.Participant; p != nil {
		if p.Name == "" {
			return errors.New("participant.name cannot be empty")
		}
		if p.Kind != KindEntity && p.Kind != KindFile {
			return errors.Newf("participant.kind must be %q or %q, got %q", KindEntity, KindFile, p.Kind)
		}
		if p.ListenAddr == "" {
			return errors.New("participant.listenAddr cannot be empty")
		}
		if p.CoordinatorKey == "" {
			return errors.New("participant.coordinatorKey cannot be empty")
		}
	}

	return nil
}

func (co *CoordinatorConfig) TransactionTimeout() time.Duration {
	return time.Duration(co.TransactionTimeoutSeconds) * time.Second
}

func (co *CoordinatorConfig) RecoveryInterval() time.Duration {
	return time.Duration(co.RecoveryIntervalSeconds) * time.Second
}

func (co *CoordinatorConfig) ReaperInterval() time.Duration {
	return time.Duration(co.ReaperIntervalSeconds) * time.Second
}

func (co *CoordinatorConfig) ParticipantCallTimeout() time.Duration {
	return time.Duration(co.ParticipantCallTimeoutSeconds) * time.Second
}

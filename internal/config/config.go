// Package config loads the service configuration from a JSON file, with
// ${ENV} references expanded so credentials stay out of the file itself.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"chatrelay/internal/llm"
	"chatrelay/internal/router"
)

// Config is the full service configuration.
type Config struct {
	Logging   LoggingConfig                 `json:"logging"`
	Server    ServerConfig                  `json:"server"`
	Store     StoreConfig                   `json:"store"`
	Providers map[string]llm.ProviderConfig `json:"providers"`
	Models    []router.ModelConfig          `json:"models"`
	Memory    MemoryConfig                  `json:"memory"`
	Chat      ChatConfig                    `json:"chat"`
}

type LoggingConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

type ServerConfig struct {
	Listen string `json:"listen"`
}

type StoreConfig struct {
	Path string `json:"path"`
}

type MemoryConfig struct {
	JudgeModel     string `json:"judgeModel"` // logical model for save-worthiness; empty = heuristic only
	MaxHints       int    `json:"maxHints"`
	HintTTLSeconds int    `json:"hintTTLSeconds"`
	SweepSchedule  string `json:"sweepSchedule"` // cron expression for the expiry sweep
}

func (m MemoryConfig) HintTTL() time.Duration {
	return time.Duration(m.HintTTLSeconds) * time.Second
}

type ChatConfig struct {
	SystemPrompt     string `json:"systemPrompt"`
	HistoryLimit     int    `json:"historyLimit"`
	HeartbeatSeconds int    `json:"heartbeatSeconds"`
}

func (c ChatConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Load reads and parses the config file at path. ${VAR} and $VAR references
// anywhere in the file are replaced from the environment before parsing.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/chatrelay.db"
	}
	if c.Memory.MaxHints == 0 {
		c.Memory.MaxHints = 8
	}
	if c.Memory.HintTTLSeconds == 0 {
		c.Memory.HintTTLSeconds = 30
	}
	if c.Memory.SweepSchedule == "" {
		c.Memory.SweepSchedule = "@hourly"
	}
	if c.Chat.HistoryLimit == 0 {
		c.Chat.HistoryLimit = 20
	}
	if c.Chat.HeartbeatSeconds == 0 {
		c.Chat.HeartbeatSeconds = 15
	}
}

func (c *Config) validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("config: at least one model must be defined")
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("config: model with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("config: duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		if len(m.Chain) == 0 {
			return fmt.Errorf("config: model %q has an empty provider chain", m.ID)
		}
	}
	return nil
}

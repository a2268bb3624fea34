package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the trainer configuration file
// (~/.config/peer/config.yaml). Pointer fields distinguish "not set" from
// zero values; a config value only applies when the matching flag was not
// given on the command line.
type Config struct {
	Dataset       string         `yaml:"dataset"`
	Tokenizer     string         `yaml:"tokenizer"`
	PlotsDir      string         `yaml:"plots_dir"`
	CheckpointDir string         `yaml:"checkpoint_dir"`
	StatusAddr    string         `yaml:"status_addr"`
	SeqLen        *int64         `yaml:"seq_len"`
	Seed          *int64         `yaml:"seed"`
	GradClip      *float64       `yaml:"grad_clip"`
	Rendezvous    *time.Duration `yaml:"rendezvous_timeout"`
	LogLevel      string         `yaml:"log_level"`
	LogFormat     string         `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "peer", "config.yaml")
}

// applyTrainConfig applies config file defaults to train command variables
// when the corresponding CLI flag was not explicitly set.
func applyTrainConfig(c *cli.Command, cfg Config) {
	if cfg.Dataset != "" && !c.IsSet("dataset") {
		dataset = cfg.Dataset
	}
	if cfg.Tokenizer != "" && !c.IsSet("tokenizer") {
		tokenizerDir = cfg.Tokenizer
	}
	if cfg.PlotsDir != "" && !c.IsSet("plots-dir") {
		plotsDir = cfg.PlotsDir
	}
	if cfg.CheckpointDir != "" && !c.IsSet("checkpoint-dir") {
		checkpointDir = cfg.CheckpointDir
	}
	if cfg.StatusAddr != "" && !c.IsSet("status-addr") {
		statusAddr = cfg.StatusAddr
	}
	if cfg.SeqLen != nil && !c.IsSet("seq-len") {
		seqLen = *cfg.SeqLen
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.GradClip != nil && !c.IsSet("grad-clip") {
		gradClip = *cfg.GradClip
	}
	if cfg.Rendezvous != nil && !c.IsSet("rendezvous-timeout") {
		rendezvous = *cfg.Rendezvous
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or cannot be parsed.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

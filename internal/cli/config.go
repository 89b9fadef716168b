package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/ChuLiYu/logbus/internal/filecheck"
	"github.com/ChuLiYu/logbus/internal/gc"
	"github.com/ChuLiYu/logbus/internal/metrics"
	"github.com/ChuLiYu/logbus/internal/node"
	"github.com/ChuLiYu/logbus/pkg/types"
)

const (
	DefaultConfigPath  = "configs/logbus.yaml"
	DefaultAdminAddr   = ":50061"
	DefaultMetricsAddr = ":9090"
)

// Config represents the complete node configuration.
// Maps config file fields through YAML and TOML tags.
type Config struct {
	Bus struct {
		LogDir    string        `yaml:"log_dir" toml:"log_dir"`
		ServiceID string        `yaml:"service_id" toml:"service_id"`
		Delay     time.Duration `yaml:"delay" toml:"delay"`
		FromStart bool          `yaml:"from_start" toml:"from_start"`
		StateDir  string        `yaml:"state_dir" toml:"state_dir"`
	} `yaml:"bus" toml:"bus"`

	GC struct {
		MaxLogSize int64         `yaml:"max_log_size" toml:"max_log_size"`
		Timeout    time.Duration `yaml:"timeout" toml:"timeout"`
		Settle     time.Duration `yaml:"settle" toml:"settle"`
	} `yaml:"gc" toml:"gc"`

	Ack struct {
		Timeout time.Duration `yaml:"timeout" toml:"timeout"`
		Retry   time.Duration `yaml:"retry" toml:"retry"`
	} `yaml:"ack" toml:"ack"`

	FileCheck struct {
		MaxCheckTimes int           `yaml:"max_check_times" toml:"max_check_times"`
		CheckInterval time.Duration `yaml:"check_interval" toml:"check_interval"`
		CheckSelf     bool          `yaml:"check_self" toml:"check_self"`
		Root          string        `yaml:"root" toml:"root"`
	} `yaml:"filecheck" toml:"filecheck"`

	Archive struct {
		Dir        string `yaml:"dir" toml:"dir"`
		S3Bucket   string `yaml:"s3_bucket" toml:"s3_bucket"`
		S3Prefix   string `yaml:"s3_prefix" toml:"s3_prefix"`
		S3Region   string `yaml:"s3_region" toml:"s3_region"`
		S3Endpoint string `yaml:"s3_endpoint" toml:"s3_endpoint"`
	} `yaml:"archive" toml:"archive"`

	Mirror struct {
		NATSURL       string `yaml:"nats_url" toml:"nats_url"`
		SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
	} `yaml:"mirror" toml:"mirror"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" toml:"enabled"`
		Addr    string `yaml:"addr" toml:"addr"`
	} `yaml:"metrics" toml:"metrics"`

	Admin struct {
		Addr string `yaml:"addr" toml:"addr"`
	} `yaml:"admin" toml:"admin"`
}

// loadConfig reads a YAML file, or a TOML file when path ends in ".toml".
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills the listener addresses. Component defaults are left to
// the components themselves.
func (c *Config) applyDefaults() {
	if c.Admin.Addr == "" {
		c.Admin.Addr = DefaultAdminAddr
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
}

func (c *Config) validate() error {
	if c.Bus.LogDir == "" {
		return fmt.Errorf("bus.log_dir is required")
	}
	if c.Bus.ServiceID == "" {
		return fmt.Errorf("bus.service_id is required")
	}
	if strings.ContainsAny(c.Bus.ServiceID, `/\`) {
		return fmt.Errorf("bus.service_id %q must not contain path separators", c.Bus.ServiceID)
	}
	return nil
}

// nodeConfig maps the file configuration onto the node.
func (c *Config) nodeConfig(logger *slog.Logger, m *metrics.Collector) node.Config {
	return node.Config{
		Bus: bus.Config{
			LogDir:    c.Bus.LogDir,
			ServiceID: types.PeerID(c.Bus.ServiceID),
			Delay:     c.Bus.Delay,
			FromStart: c.Bus.FromStart,
			StateDir:  c.Bus.StateDir,
		},
		GC: gc.Config{
			MaxLogSize: c.GC.MaxLogSize,
			Timeout:    c.GC.Timeout,
			Settle:     c.GC.Settle,
		},
		FileCheck: filecheck.Config{
			MaxCheckTimes: c.FileCheck.MaxCheckTimes,
			CheckInterval: c.FileCheck.CheckInterval,
			CheckSelf:     c.FileCheck.CheckSelf,
			Timeout:       c.Ack.Timeout,
			Retry:         c.Ack.Retry,
		},
		Archive: node.ArchiveConfig{
			Dir:        c.Archive.Dir,
			S3Bucket:   c.Archive.S3Bucket,
			S3Prefix:   c.Archive.S3Prefix,
			S3Region:   c.Archive.S3Region,
			S3Endpoint: c.Archive.S3Endpoint,
		},
		Mirror: node.MirrorConfig{
			URL:    c.Mirror.NATSURL,
			Prefix: c.Mirror.SubjectPrefix,
		},
		Stater:  filecheck.LocalDisk{Root: c.FileCheck.Root},
		Logger:  logger,
		Metrics: m,
	}
}

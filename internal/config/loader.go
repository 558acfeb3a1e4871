// Package config loads fleetd configuration files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for every role. Zero values mean
// "unspecified" and are replaced by WithDefaults.
type Config struct {
	Log        LogConfig        `json:"log" yaml:"log" toml:"log"`
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor" toml:"supervisor"`
	Worker     WorkerConfig     `json:"worker" yaml:"worker" toml:"worker"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// SupervisorConfig configures the coordinator and its REST API.
type SupervisorConfig struct {
	Listen         string          `json:"listen" yaml:"listen" toml:"listen"`
	MaxBodyBytes   int64           `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	InferTimeoutMS int             `json:"infer_timeout_ms" yaml:"infer_timeout_ms" toml:"infer_timeout_ms"`
	QueryTimeoutMS int             `json:"query_timeout_ms" yaml:"query_timeout_ms" toml:"query_timeout_ms"`
	NodeRetries    int             `json:"node_retries" yaml:"node_retries" toml:"node_retries"`
	NodeTimeoutMS  int             `json:"node_timeout_ms" yaml:"node_timeout_ms" toml:"node_timeout_ms"`
	CORS           CORSConfig      `json:"cors" yaml:"cors" toml:"cors"`
	RateLimit      RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// RateLimitConfig limits inference calls per model. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `json:"rps" yaml:"rps" toml:"rps"`
	Burst int     `json:"burst" yaml:"burst" toml:"burst"`
}

// WorkerConfig configures a node agent.
type WorkerConfig struct {
	Listen string `json:"listen" yaml:"listen" toml:"listen"`
	// Address is what the supervisor dials; defaults to Listen.
	Address            string `json:"address" yaml:"address" toml:"address"`
	Supervisor         string `json:"supervisor" yaml:"supervisor" toml:"supervisor"`
	Devices            []int  `json:"devices" yaml:"devices" toml:"devices"`
	MaxModelsPerDevice int    `json:"max_models_per_device" yaml:"max_models_per_device" toml:"max_models_per_device"`
	RequireDevice      bool   `json:"require_device" yaml:"require_device" toml:"require_device"`
	ReportIntervalMS   int    `json:"report_interval_ms" yaml:"report_interval_ms" toml:"report_interval_ms"`
	SchedulerTickMS    int    `json:"scheduler_tick_ms" yaml:"scheduler_tick_ms" toml:"scheduler_tick_ms"`
	RelayCapacity      int    `json:"relay_capacity" yaml:"relay_capacity" toml:"relay_capacity"`
	ModelsFile         string `json:"models_file" yaml:"models_file" toml:"models_file"`
	ModelsDir          string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// ModelsDirBackend is the backend kind given to families found in ModelsDir.
	ModelsDirBackend string `json:"models_dir_backend" yaml:"models_dir_backend" toml:"models_dir_backend"`
	RegistrationsDir string `json:"registrations_dir" yaml:"registrations_dir" toml:"registrations_dir"`
	Retries          int    `json:"retries" yaml:"retries" toml:"retries"`
	TimeoutMS        int    `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
}

const (
	DefaultSupervisorListen = ":9997"
	DefaultWorkerListen     = ":9998"
)

// WithDefaults returns a copy of c with unspecified values filled in.
func (c Config) WithDefaults() Config {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	s := &c.Supervisor
	if s.Listen == "" {
		s.Listen = DefaultSupervisorListen
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = 1 << 20
	}
	if s.QueryTimeoutMS <= 0 {
		s.QueryTimeoutMS = 5000
	}
	if s.NodeRetries <= 0 {
		s.NodeRetries = 3
	}
	if s.NodeTimeoutMS <= 0 {
		s.NodeTimeoutMS = 30000
	}
	if s.CORS.Enabled && len(s.CORS.Methods) == 0 {
		s.CORS.Methods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if s.CORS.Enabled && len(s.CORS.Headers) == 0 {
		s.CORS.Headers = []string{"Content-Type", "X-Log-Level"}
	}

	w := &c.Worker
	if w.Listen == "" {
		w.Listen = DefaultWorkerListen
	}
	if w.Address == "" {
		w.Address = w.Listen
		if strings.HasPrefix(w.Address, ":") {
			w.Address = "127.0.0.1" + w.Address
		}
	}
	if w.Supervisor == "" {
		w.Supervisor = "http://127.0.0.1" + DefaultSupervisorListen
	}
	if w.ReportIntervalMS <= 0 {
		w.ReportIntervalMS = 5000
	}
	if w.SchedulerTickMS <= 0 {
		w.SchedulerTickMS = 10
	}
	if w.ModelsDirBackend == "" {
		w.ModelsDirBackend = "llama"
	}
	if w.RegistrationsDir == "" {
		w.RegistrationsDir = "~/.fleetd/registrations"
	}
	if w.Retries <= 0 {
		w.Retries = 3
	}
	if w.TimeoutMS <= 0 {
		w.TimeoutMS = 10000
	}
	return c
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (s SupervisorConfig) InferTimeout() time.Duration { return ms(s.InferTimeoutMS) }
func (s SupervisorConfig) QueryTimeout() time.Duration { return ms(s.QueryTimeoutMS) }
func (s SupervisorConfig) NodeTimeout() time.Duration  { return ms(s.NodeTimeoutMS) }
func (w WorkerConfig) ReportInterval() time.Duration   { return ms(w.ReportIntervalMS) }
func (w WorkerConfig) SchedulerTick() time.Duration    { return ms(w.SchedulerTickMS) }
func (w WorkerConfig) Timeout() time.Duration          { return ms(w.TimeoutMS) }

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Relay settings from defaults, files, environment and CLI overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides (RELAY_CACHE_TTL -> cache.ttl).
const EnvPrefix = "RELAY_"

type Config struct {
	Log          LogConfig       `koanf:"log"`
	Telemetry    TelemetryConfig `koanf:"telemetry"`
	DefaultAgent string          `koanf:"default_agent"` // empty selects the first registered agent
	Agents       []AgentConfig   `koanf:"agents"`
	Process      ProcessConfig   `koanf:"process"`
	Cache        CacheConfig     `koanf:"cache"`
	Retry        RetryConfig     `koanf:"retry"`
	Dispatch     DispatchConfig  `koanf:"dispatch"`
	Monitor      MonitorConfig   `koanf:"monitor"`
	Workflows    WorkflowsConfig `koanf:"workflows"`
	History      HistoryConfig   `koanf:"history"`
	Server       ServerConfig    `koanf:"server"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string  `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	OTLPInsecure bool    `koanf:"otlp_insecure"`
	SampleRatio  float64 `koanf:"sample_ratio"` // 0 or 1 keeps every trace
}

// AgentConfig describes how to invoke one external CLI agent.
type AgentConfig struct {
	Name    string            `koanf:"name"`
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Input   string            `koanf:"input"` // stdin, arg
	TTY     bool              `koanf:"tty"`
	Env     map[string]string `koanf:"env"`
	Dir     string            `koanf:"dir"`
	Timeout time.Duration     `koanf:"timeout"`
	// Completion selects how the end of a response is detected: heuristic, exit or sentinel.
	Completion   string             `koanf:"completion"`
	Sentinel     string             `koanf:"sentinel"`
	Capabilities CapabilitiesConfig `koanf:"capabilities"`
}

type CapabilitiesConfig struct {
	Plan          float64  `koanf:"plan"`
	Execute       float64  `koanf:"execute"`
	Review        float64  `koanf:"review"`
	ContextWindow int      `koanf:"context_window"`
	Languages     []string `koanf:"languages"`
}

type ProcessConfig struct {
	Timeout    time.Duration `koanf:"timeout"`
	Quiescence time.Duration `koanf:"quiescence"`
	Grace      time.Duration `koanf:"grace"`
}

type CacheConfig struct {
	Enabled bool          `koanf:"enabled"`
	TTL     time.Duration `koanf:"ttl"`
	MaxSize int           `koanf:"max_size"`
}

type RetryConfig struct {
	Attempts      int           `koanf:"attempts"`
	Delay         time.Duration `koanf:"delay"`
	BackoffFactor float64       `koanf:"backoff_factor"`
	MaxDelay      time.Duration `koanf:"max_delay"`
}

type DispatchConfig struct {
	MaxParallel      int           `koanf:"max_parallel"`
	Retry            bool          `koanf:"retry"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

type MonitorConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Interval     time.Duration `koanf:"interval"`
	CPUThreshold float64       `koanf:"cpu_threshold"`
	MaxAge       time.Duration `koanf:"max_age"`
	Grace        time.Duration `koanf:"grace"`
}

type WorkflowsConfig struct {
	Paths         []string      `koanf:"paths"`
	MaxIterations int           `koanf:"max_iterations"`
	Timeout       time.Duration `koanf:"timeout"`
}

type HistoryConfig struct {
	Driver string `koanf:"driver"` // "", memory, sqlite
	DSN    string `koanf:"dsn"`
}

type ServerConfig struct {
	HealthAddr string `koanf:"health_addr"`
}

// Global k instance
var k = koanf.New(".")

// nestedSections lists the top-level keys whose env names split after the
// first underscore (RELAY_CACHE_MAX_SIZE -> cache.max_size).
var nestedSections = map[string]bool{
	"log": true, "telemetry": true, "process": true, "cache": true, "retry": true,
	"dispatch": true, "monitor": true, "workflows": true, "history": true, "server": true,
}

// Load reads defaults, then the optional file at path, then RELAY_ environment variables.
func Load(path string) (*Config, error) {
	if err := loadLayers(path); err != nil {
		return nil, err
	}
	return unmarshal()
}

// LoadWithCLI behaves like Load but also honours --config and --set key=value
// arguments, applied after the environment. A .env file in the working
// directory is loaded into the environment first when present.
func LoadWithCLI(args []string) (*Config, error) {
	path, overrides, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := loadLayers(path); err != nil {
		return nil, err
	}
	for _, ov := range overrides {
		if err := k.Set(ov.key, ov.value); err != nil {
			return nil, fmt.Errorf("apply --set %s: %w", ov.key, err)
		}
	}
	return unmarshal()
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func loadLayers(path string) error {
	k = koanf.New(".")
	setDefaults(k)

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// 2. Load from ENV
	return k.Load(env.Provider(EnvPrefix, ".", envKey), nil)
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if ok && nestedSections[section] {
		return section + "." + rest
	}
	return key
}

func unmarshal() (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	for i := range cfg.Agents {
		cfg.Agents[i].applyDefaults(cfg.Process)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (a *AgentConfig) applyDefaults(p ProcessConfig) {
	if a.Command == "" {
		a.Command = a.Name
	}
	if a.Input == "" {
		a.Input = "stdin"
	}
	if a.Completion == "" {
		a.Completion = "heuristic"
		if a.Sentinel != "" {
			a.Completion = "sentinel"
		}
	}
	if a.Timeout <= 0 {
		a.Timeout = p.Timeout
	}
}

// Validate checks settings that cannot be repaired with defaults.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d]: duplicate agent %q", i, a.Name)
		}
		seen[a.Name] = true
		switch a.Input {
		case "stdin", "arg":
		default:
			return fmt.Errorf("agent %q: unknown input mode %q", a.Name, a.Input)
		}
		switch a.Completion {
		case "heuristic", "exit":
		case "sentinel":
			if a.Sentinel == "" {
				return fmt.Errorf("agent %q: sentinel completion requires a sentinel", a.Name)
			}
		default:
			return fmt.Errorf("agent %q: unknown completion mode %q", a.Name, a.Completion)
		}
	}
	if c.DefaultAgent != "" && len(c.Agents) > 0 && !seen[c.DefaultAgent] {
		return fmt.Errorf("default_agent %q is not a configured agent", c.DefaultAgent)
	}
	if c.Cache.MaxSize < 0 {
		return fmt.Errorf("cache.max_size must be >= 0")
	}
	if c.Retry.Attempts < 0 {
		return fmt.Errorf("retry.attempts must be >= 0")
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

// Agent returns the configuration for the named agent.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}

func setDefaults(k *koanf.Koanf) {
	_ = k.Set("log.level", "info")
	_ = k.Set("log.format", "text")
	_ = k.Set("telemetry.exporter", "none")

	_ = k.Set("process.timeout", "5m")
	_ = k.Set("process.quiescence", "200ms")
	_ = k.Set("process.grace", "2s")

	_ = k.Set("cache.enabled", true)
	_ = k.Set("cache.ttl", "1h")
	_ = k.Set("cache.max_size", 100)

	_ = k.Set("retry.attempts", 3)
	_ = k.Set("retry.delay", "1s")
	_ = k.Set("retry.backoff_factor", 2.0)
	_ = k.Set("retry.max_delay", "30s")

	_ = k.Set("dispatch.max_parallel", 4)
	_ = k.Set("dispatch.retry", true)
	_ = k.Set("dispatch.breaker_threshold", 5)
	_ = k.Set("dispatch.breaker_timeout", "30s")

	_ = k.Set("monitor.enabled", true)
	_ = k.Set("monitor.interval", "30s")
	_ = k.Set("monitor.cpu_threshold", 90.0)
	_ = k.Set("monitor.max_age", "30m")
	_ = k.Set("monitor.grace", "2s")

	_ = k.Set("workflows.max_iterations", 10)
	_ = k.Set("workflows.timeout", "30m")

	_ = k.Set("agents", DefaultAgents())
}

// DefaultAgents returns the built-in agent table used when no agents are configured.
func DefaultAgents() []interface{} {
	return []interface{}{
		map[string]interface{}{
			"name":    "claude",
			"command": "claude",
			"args":    []interface{}{"-p"},
			"input":   "stdin",
			"capabilities": map[string]interface{}{
				"plan": 0.95, "execute": 0.85, "review": 0.9,
				"context_window": 200000,
				"languages":      []interface{}{"python", "typescript", "javascript", "go", "rust"},
			},
		},
		map[string]interface{}{
			"name":    "gemini",
			"command": "gemini",
			"args":    []interface{}{"-p", "{prompt}"},
			"input":   "arg",
			"capabilities": map[string]interface{}{
				"plan": 0.8, "execute": 0.9, "review": 0.75,
				"context_window": 1000000,
				"languages":      []interface{}{"python", "javascript", "go", "java"},
			},
		},
		map[string]interface{}{
			"name":    "codex",
			"command": "codex",
			"args":    []interface{}{"exec"},
			"input":   "arg",
			"capabilities": map[string]interface{}{
				"plan": 0.7, "execute": 0.9, "review": 0.7,
				"context_window": 128000,
				"languages":      []interface{}{"python", "javascript", "typescript", "go"},
			},
		},
	}
}

type cliOverride struct {
	key   string
	value interface{}
}

// parseCLIOverrides extracts --config and repeated --set arguments. Unknown
// arguments are ignored so the caller can share the slice with other parsers.
func parseCLIOverrides(args []string) (string, []cliOverride, error) {
	var path string
	var overrides []cliOverride
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--config requires a value")
			}
			i++
			path = args[i]
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		case arg == "--set":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--set requires key=value")
			}
			i++
			ov, err := parseSet(args[i])
			if err != nil {
				return "", nil, err
			}
			overrides = append(overrides, ov)
		case strings.HasPrefix(arg, "--set="):
			ov, err := parseSet(strings.TrimPrefix(arg, "--set="))
			if err != nil {
				return "", nil, err
			}
			overrides = append(overrides, ov)
		}
	}
	return path, overrides, nil
}

func parseSet(raw string) (cliOverride, error) {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return cliOverride{}, fmt.Errorf("invalid --set %q: expected key=value", raw)
	}
	return cliOverride{key: key, value: parseValue(strings.TrimSpace(value))}, nil
}

// parseValue decodes YAML scalars and inline collections so "--set cache.enabled=false"
// yields a bool and "--set workflows.paths=[a,b]" yields a list.
func parseValue(raw string) interface{} {
	if raw == "" {
		return ""
	}
	parsed, err := yaml.Parser().Unmarshal([]byte("v: " + raw))
	if err != nil {
		return raw
	}
	if v, ok := parsed["v"]; ok && v != nil {
		return v
	}
	return raw
}

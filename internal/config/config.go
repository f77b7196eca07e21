package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/workerrelay/internal/rpcproto"
)

// WorkerDescription identifies the out-of-process worker a channel will
// start: which language it speaks and where its executable and function
// app directory live. The Dispatcher supplies one of these per channel;
// this package only defines its shape.
type WorkerDescription struct {
	Language   string   `yaml:"language"`
	Executable string   `yaml:"executable"`
	WorkerDir  string   `yaml:"worker_dir"`
	Arguments  []string `yaml:"arguments"`

	// Functions lists the functions to load once the channel reaches
	// Initialized. A Dispatcher would normally discover these by scanning
	// the worker directory; this config-driven list stands in for that
	// for a single statically-configured worker.
	Functions []rpcproto.FunctionMetadata `yaml:"functions"`
}

// ChannelConfig holds the timeouts and feature gates that govern one worker
// channel's lifecycle.
type ChannelConfig struct {
	StartupTimeout      time.Duration `yaml:"startup_timeout"`
	InitTimeout         time.Duration `yaml:"init_timeout"`
	EnvReloadTimeout    time.Duration `yaml:"env_reload_timeout"`
	FunctionLoadTimeout time.Duration `yaml:"function_load_timeout"`
	DrainGracePeriod    time.Duration `yaml:"drain_grace_period"`

	// MaxPendingInvocationsPerFunction bounds the per-function buffer of
	// invocations that arrive before that function has finished loading.
	MaxPendingInvocationsPerFunction int `yaml:"max_pending_invocations_per_function"`

	// LatencyProbeInterval governs how often the dynamic-concurrency probe
	// round-trips, when enabled.
	LatencyProbeInterval time.Duration `yaml:"latency_probe_interval"`
	LatencyHistorySize   int           `yaml:"latency_history_size"`

	SharedMemoryDataTransferEnabled bool `yaml:"shared_memory_data_transfer_enabled"`
	DynamicConcurrencyEnabled       bool `yaml:"dynamic_concurrency_enabled"`
	ApplicationInsightsEnabled      bool `yaml:"application_insights_enabled"`
	V2CompatibilityMode             bool `yaml:"v2_compatibility_mode"`
}

// DaemonConfig holds process-wide settings unrelated to any single channel.
type DaemonConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	RPCAddr  string `yaml:"rpc_addr"`
	LogLevel string `yaml:"log_level"`
}

// Config is the root configuration document.
type Config struct {
	Channel DaemonChannelDefaults `yaml:"channel"`
	Daemon  DaemonConfig          `yaml:"daemon"`
	Worker  WorkerDescription     `yaml:"worker"`
}

// DaemonChannelDefaults is the ChannelConfig applied to every worker the
// daemon starts, absent a per-worker override.
type DaemonChannelDefaults = ChannelConfig

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Channel: ChannelConfig{
			StartupTimeout:                    30 * time.Second,
			InitTimeout:                       30 * time.Second,
			EnvReloadTimeout:                  30 * time.Second,
			FunctionLoadTimeout:               60 * time.Second,
			DrainGracePeriod:                  10 * time.Second,
			MaxPendingInvocationsPerFunction:  64,
			LatencyProbeInterval:              5 * time.Second,
			LatencyHistorySize:                32,
			SharedMemoryDataTransferEnabled:   false,
			DynamicConcurrencyEnabled:         false,
			ApplicationInsightsEnabled:        false,
			V2CompatibilityMode:               false,
		},
		Daemon: DaemonConfig{
			HTTPAddr: ":7071",
			RPCAddr:  ":7073",
			LogLevel: "info",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, applied on top of the
// defaults so a file only needs to specify overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config. Names
// match the host-facing env vars the worker protocol defines; these gate
// the shared-memory branch, the dynamic concurrency probe, trace-context
// enrichment, and the V2 compatibility flag carried in WorkerInitRequest.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FunctionsWorkerSharedMemoryDataTransferEnabled"); v != "" {
		cfg.Channel.SharedMemoryDataTransferEnabled = truthy(v)
	}
	if v := os.Getenv("FunctionsWorkerDynamicConcurrencyEnabled"); v != "" {
		cfg.Channel.DynamicConcurrencyEnabled = truthy(v)
	}
	if v := os.Getenv("APPLICATIONINSIGHTS_ENABLE_AGENT"); v != "" {
		cfg.Channel.ApplicationInsightsEnabled = truthy(v)
	}
	if v := os.Getenv("FUNCTIONS_V2_COMPATIBILITY_MODE"); v != "" {
		cfg.Channel.V2CompatibilityMode = truthy(v)
	}
	if v := os.Getenv("WORKERRELAY_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("WORKERRELAY_RPC_ADDR"); v != "" {
		cfg.Daemon.RPCAddr = v
	}
	if v := os.Getenv("WORKERRELAY_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
}

// truthy mirrors the worker protocol's loose boolean parsing: whatever
// strconv.ParseBool reads as true ("1", "t", "T", "true", "True", "TRUE")
// and "yes", "Yes" or "YES" enable the flag; anything else, including an
// unparseable value or another casing, is treated as false.
func truthy(v string) bool {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	switch v {
	case "yes", "Yes", "YES":
		return true
	default:
		return false
	}
}

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"overlayplane/internal/logger"
)

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

type TelemetryConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

type FileLoggerConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"`
	Compress   bool   `yaml:"compress"`
}

type LoggerConfig struct {
	Active   bool             `yaml:"active"`
	Level    string           `yaml:"level"`
	Encoding string           `yaml:"encoding"`
	Mode     string           `yaml:"mode"`
	File     FileLoggerConfig `yaml:"file"`
}

type RouterConfig struct {
	MaxHops  int           `yaml:"maxHops"`
	EntryTTL time.Duration `yaml:"entryTTL"`
}

type RouterSyncConfig struct {
	Interval          time.Duration `yaml:"interval"`
	ImmediateDebounce time.Duration `yaml:"immediateDebounce"`
}

type RegisterConfig struct {
	Enabled      bool   `yaml:"enabled"`
	HostedZoneID string `yaml:"hostedZoneId"`
	DomainSuffix string `yaml:"domainSuffix"`
	TTL          int64  `yaml:"ttl"`
}

type DiscoveryConfig struct {
	Mode            string         `yaml:"mode"` // static, route53, docker
	Seeds           []string       `yaml:"seeds"`
	LocalTags       []string       `yaml:"localTags"`
	ConnectTags     []string       `yaml:"connectTags"`
	RequireTagMatch bool           `yaml:"requireTagMatch"`
	DockerNetwork   string         `yaml:"dockerNetwork"`
	DockerLabelKey  string         `yaml:"dockerLabelKey"`
	Register        RegisterConfig `yaml:"register"`
}

type KVConfig struct {
	RetransmitInterval time.Duration `yaml:"retransmitInterval"`
	ReconcileInterval  time.Duration `yaml:"reconcileInterval"`
}

type PubSubConfig struct {
	StickyDuration time.Duration `yaml:"stickyDuration"`
}

type AliasConfig struct {
	BroadcastTTL    int           `yaml:"broadcastTTL"`
	ScanHintTimeout time.Duration `yaml:"scanHintTimeout"`
	ScanTimeout     time.Duration `yaml:"scanTimeout"`
}

type NodeConfig struct {
	Id   string `yaml:"id"`
	Bind string `yaml:"bind"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Node       NodeConfig       `yaml:"node"`
	Router     RouterConfig     `yaml:"router"`
	RouterSync RouterSyncConfig `yaml:"routerSync"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	KV         KVConfig         `yaml:"kv"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Alias      AliasConfig      `yaml:"alias"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// LoadConfig loads the configuration from a YAML file at the given path.
//
// Behavior:
//   - Reads the file contents from disk.
//   - Unmarshals the YAML data into a Config struct.
//   - Returns the parsed configuration or an error if reading or parsing fails.
//
// This function performs only syntactic parsing of the YAML file.
// To validate the configuration structure and check for missing or invalid
// fields, call cfg.ValidateConfig() after loading.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Supported overrides:
//
//	NODE_ID              -> cfg.Node.Id
//	NODE_BIND            -> cfg.Node.Bind
//	NODE_HOST            -> cfg.Node.Host
//	NODE_PORT            -> cfg.Node.Port
//	DISCOVERY_MODE       -> cfg.Discovery.Mode
//	DISCOVERY_SEEDS      -> cfg.Discovery.Seeds (comma-separated)
//	DISCOVERY_REQUIRE_TAG_MATCH -> cfg.Discovery.RequireTagMatch
//	REGISTER_ENABLED     -> cfg.Discovery.Register.Enabled
//	REGISTER_ZONE_ID     -> cfg.Discovery.Register.HostedZoneID
//	REGISTER_SUFFIX      -> cfg.Discovery.Register.DomainSuffix
//	REGISTER_TTL         -> cfg.Discovery.Register.TTL
//	TRACE_ENABLED        -> cfg.Telemetry.Tracing.Enabled
//	TRACE_EXPORTER       -> cfg.Telemetry.Tracing.Exporter
//	TRACE_ENDPOINT       -> cfg.Telemetry.Tracing.Endpoint
//	LOGGER_ENABLED       -> cfg.Logger.Active
//	LOGGER_LEVEL         -> cfg.Logger.Level
//	LOGGER_ENCODING      -> cfg.Logger.Encoding
//	LOGGER_MODE          -> cfg.Logger.Mode
//	LOGGER_FILE_PATH     -> cfg.Logger.File.Path
//	LOG_FILE             -> cfg.Logger.File.Path (takes precedence over LOGGER_FILE_PATH)
//
// Integer fields are parsed with strconv; invalid values are ignored.
// Boolean fields accept "true", "1", or "yes" (case-insensitive) as true.
func (cfg *Config) ApplyEnvOverrides() {
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.Node.Id = v
	}
	if v := os.Getenv("NODE_BIND"); v != "" {
		cfg.Node.Bind = v
	} else if cfg.Node.Bind == "" {
		cfg.Node.Bind = "0.0.0.0"
	}
	if v := os.Getenv("NODE_HOST"); v != "" {
		cfg.Node.Host = v
	}
	if v := os.Getenv("NODE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Node.Port = port
		}
	}

	if v := os.Getenv("DISCOVERY_MODE"); v != "" {
		cfg.Discovery.Mode = v
	}
	if v := os.Getenv("DISCOVERY_SEEDS"); v != "" {
		cfg.Discovery.Seeds = strings.Split(v, ",")
	}
	if v := os.Getenv("DISCOVERY_REQUIRE_TAG_MATCH"); v != "" {
		v = strings.ToLower(v)
		cfg.Discovery.RequireTagMatch = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("REGISTER_ENABLED"); v != "" {
		v = strings.ToLower(v)
		cfg.Discovery.Register.Enabled = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("REGISTER_ZONE_ID"); v != "" {
		cfg.Discovery.Register.HostedZoneID = v
	}
	if v := os.Getenv("REGISTER_SUFFIX"); v != "" {
		cfg.Discovery.Register.DomainSuffix = v
	}
	if v := os.Getenv("REGISTER_TTL"); v != "" {
		if ttl, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Discovery.Register.TTL = ttl
		}
	}
	if v := os.Getenv("TRACE_ENABLED"); v != "" {
		v = strings.ToLower(v)
		cfg.Telemetry.Tracing.Enabled = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("TRACE_EXPORTER"); v != "" {
		cfg.Telemetry.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACE_ENDPOINT"); v != "" {
		cfg.Telemetry.Tracing.Endpoint = v
	}
	if v := os.Getenv("LOGGER_ENABLED"); v != "" {
		v = strings.ToLower(v)
		cfg.Logger.Active = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LOGGER_ENCODING"); v != "" {
		cfg.Logger.Encoding = v
	}
	if v := os.Getenv("LOGGER_MODE"); v != "" {
		cfg.Logger.Mode = v
	}
	if v := os.Getenv("LOGGER_FILE_PATH"); v != "" {
		cfg.Logger.File.Path = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logger.File.Path = v
	}
}

// ValidateConfig performs structural validation of the loaded
// configuration: required fields present, values within valid ranges,
// enum-like fields restricted to supported values. It accumulates every
// problem found and returns them as a single error.
func (cfg *Config) ValidateConfig() error {
	var errs []string

	switch cfg.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid logger.level: %s", cfg.Logger.Level))
	}
	switch cfg.Logger.Encoding {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("invalid logger.encoding: %s", cfg.Logger.Encoding))
	}
	switch cfg.Logger.Mode {
	case "stdout":
	case "file":
		if cfg.Logger.File.Path == "" {
			errs = append(errs, "logger.file.path is required when mode=file")
		}
		if cfg.Logger.File.MaxSize < 0 || cfg.Logger.File.MaxBackups < 0 || cfg.Logger.File.MaxAge < 0 {
			errs = append(errs, "logger.file.* values must be non-negative")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid logger.mode: %s", cfg.Logger.Mode))
	}

	if cfg.Node.Port < 0 || cfg.Node.Port > 65535 {
		errs = append(errs, fmt.Sprintf("node.port must be in [0,65535], got %d", cfg.Node.Port))
	}

	if cfg.Router.MaxHops <= 0 {
		errs = append(errs, "router.maxHops must be > 0")
	}
	if cfg.Router.EntryTTL <= 0 {
		errs = append(errs, "router.entryTTL must be > 0")
	}
	if cfg.RouterSync.Interval <= 0 {
		errs = append(errs, "routerSync.interval must be > 0")
	}
	if cfg.RouterSync.ImmediateDebounce < 0 {
		errs = append(errs, "routerSync.immediateDebounce must be >= 0")
	}

	switch cfg.Discovery.Mode {
	case "static", "route53":
		for _, p := range cfg.Discovery.Seeds {
			if _, _, err := net.SplitHostPort(p); err != nil {
				errs = append(errs, fmt.Sprintf("invalid seed address %q in discovery.seeds: %v", p, err))
			}
		}
	case "docker":
		if cfg.Discovery.DockerNetwork == "" {
			errs = append(errs, "discovery.dockerNetwork is required when mode=docker")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid discovery.mode: %s (must be static, route53 or docker)", cfg.Discovery.Mode))
	}
	if cfg.Discovery.Register.Enabled {
		if cfg.Discovery.Register.HostedZoneID == "" {
			errs = append(errs, "discovery.register.hostedZoneId is required when register.enabled=true")
		}
		if cfg.Discovery.Register.DomainSuffix == "" {
			errs = append(errs, "discovery.register.domainSuffix is required when register.enabled=true")
		}
		if cfg.Discovery.Register.TTL <= 0 {
			errs = append(errs, "discovery.register.ttl must be > 0 when register.enabled=true")
		}
	}

	if cfg.KV.RetransmitInterval <= 0 {
		errs = append(errs, "kv.retransmitInterval must be > 0")
	}
	if cfg.KV.ReconcileInterval <= 0 {
		errs = append(errs, "kv.reconcileInterval must be > 0")
	}
	if cfg.PubSub.StickyDuration <= 0 {
		errs = append(errs, "pubsub.stickyDuration must be > 0")
	}
	if cfg.Alias.BroadcastTTL <= 0 {
		errs = append(errs, "alias.broadcastTTL must be > 0")
	}
	if cfg.Alias.ScanHintTimeout <= 0 {
		errs = append(errs, "alias.scanHintTimeout must be > 0")
	}
	if cfg.Alias.ScanTimeout <= 0 {
		errs = append(errs, "alias.scanTimeout must be > 0")
	}

	if cfg.Telemetry.Tracing.Enabled {
		switch cfg.Telemetry.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			errs = append(errs, fmt.Sprintf("invalid telemetry.tracing.exporter: %s", cfg.Telemetry.Tracing.Exporter))
		}
		if cfg.Telemetry.Tracing.Exporter == "otlp" && cfg.Telemetry.Tracing.Endpoint == "" {
			errs = append(errs, "telemetry.tracing.endpoint is required for exporter=otlp")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// LogConfig prints the loaded configuration at DEBUG level, useful for
// verifying startup configuration without relying on the YAML source.
func (cfg *Config) LogConfig(lgr logger.Logger) {
	lgr.Debug("Loaded configuration",
		logger.F("logger.active", cfg.Logger.Active),
		logger.F("logger.level", cfg.Logger.Level),
		logger.F("logger.encoding", cfg.Logger.Encoding),
		logger.F("logger.mode", cfg.Logger.Mode),
		logger.F("logger.file.path", cfg.Logger.File.Path),

		logger.F("node.id", cfg.Node.Id),
		logger.F("node.bind", cfg.Node.Bind),
		logger.F("node.host", cfg.Node.Host),
		logger.F("node.port", cfg.Node.Port),

		logger.F("router.maxHops", cfg.Router.MaxHops),
		logger.F("router.entryTTL", cfg.Router.EntryTTL.String()),
		logger.F("routerSync.interval", cfg.RouterSync.Interval.String()),
		logger.F("routerSync.immediateDebounce", cfg.RouterSync.ImmediateDebounce.String()),

		logger.F("discovery.mode", cfg.Discovery.Mode),
		logger.F("discovery.seeds", cfg.Discovery.Seeds),
		logger.F("discovery.requireTagMatch", cfg.Discovery.RequireTagMatch),
		logger.F("discovery.register.enabled", cfg.Discovery.Register.Enabled),

		logger.F("kv.retransmitInterval", cfg.KV.RetransmitInterval.String()),
		logger.F("kv.reconcileInterval", cfg.KV.ReconcileInterval.String()),
		logger.F("pubsub.stickyDuration", cfg.PubSub.StickyDuration.String()),
		logger.F("alias.broadcastTTL", cfg.Alias.BroadcastTTL),

		logger.F("telemetry.tracing.enabled", cfg.Telemetry.Tracing.Enabled),
		logger.F("telemetry.tracing.exporter", cfg.Telemetry.Tracing.Exporter),
		logger.F("telemetry.tracing.endpoint", cfg.Telemetry.Tracing.Endpoint),
	)
}

// Package config loads the agent's YAML configuration with
// defaults-then-file-then-env precedence and validates it before any
// component starts.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	LLM           LLMConfig           `yaml:"llm"`
	Logging       LoggingConfig       `yaml:"logging"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Tools         ToolsConfig         `yaml:"tools"`
}

type AgentConfig struct {
	BatchSize     int    `yaml:"batch_size"`
	MaxIterations int    `yaml:"max_iterations"`
	SchemaPath    string `yaml:"schema_path"`
}

type LLMConfig struct {
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type LoggingConfig struct {
	ConsoleLevel string `yaml:"console_level"`
	FileLevel    string `yaml:"file_level"`
	Dir          string `yaml:"dir"`
	File         string `yaml:"file"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DSN         string `yaml:"dsn"`
	QueueSize   int    `yaml:"queue_size"`
	BusyTimeout int    `yaml:"busy_timeout_ms"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

type SandboxConfig struct {
	ReadableRoots      []string                 `yaml:"readable_roots"`
	WritableRoots      []string                 `yaml:"writable_roots"`
	ExecutableCommands []string                 `yaml:"executable_commands"`
	CommandPolicies    map[string]CommandPolicy `yaml:"command_policies"`
	CommandTimeoutMS   int                      `yaml:"command_timeout_ms"`
}

// CommandPolicy narrows the arguments a granted command accepts. A
// granted command without a policy accepts only file paths and numeric
// arguments.
type CommandPolicy struct {
	AllowedArgs       []string `yaml:"allowed_args"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
}

// ToolsConfig maps tool names to logging strategies. Unlisted tools
// fall back to metadata_only at dispatch time.
type ToolsConfig struct {
	LoggingStrategies map[string]string `yaml:"logging_strategies"`
}

const (
	VerbosityLow  = "low"
	VerbosityMid  = "mid"
	VerbosityHigh = "high"
)

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "schema-agent"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Agent: AgentConfig{
			BatchSize:     200,
			MaxIterations: 25,
			SchemaPath:    "./data/schema.json",
		},
		LLM: LLMConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			TimeoutMS: 60000,
		},
		Logging: LoggingConfig{
			ConsoleLevel: VerbosityLow,
			FileLevel:    VerbosityMid,
			Dir:          "./logs",
			File:         "schema-agent.jsonl",
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			Path:        "./data/events.db",
			QueueSize:   256,
			BusyTimeout: 5000,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
		Sandbox: SandboxConfig{
			ReadableRoots:      []string{"./data"},
			WritableRoots:      []string{"./data"},
			ExecutableCommands: nil,
			CommandTimeoutMS:   30000,
		},
		Tools: ToolsConfig{
			LoggingStrategies: map[string]string{},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Agent.BatchSize <= 0 {
		return fmt.Errorf("agent.batch_size must be > 0 (got %d)", cfg.Agent.BatchSize)
	}
	if cfg.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be > 0 (got %d)", cfg.Agent.MaxIterations)
	}
	if strings.TrimSpace(cfg.Agent.SchemaPath) == "" {
		return errors.New("agent.schema_path must not be empty")
	}

	if strings.TrimSpace(cfg.LLM.Model) == "" {
		return errors.New("llm.model must not be empty")
	}
	if cfg.LLM.TimeoutMS <= 0 {
		return fmt.Errorf("llm.timeout_ms must be > 0 (got %d)", cfg.LLM.TimeoutMS)
	}

	if err := validateVerbosity("logging.console_level", cfg.Logging.ConsoleLevel); err != nil {
		return err
	}
	if err := validateVerbosity("logging.file_level", cfg.Logging.FileLevel); err != nil {
		return err
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}
	if cfg.Storage.QueueSize <= 0 {
		return fmt.Errorf("storage.queue_size must be > 0 (got %d)", cfg.Storage.QueueSize)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	for _, root := range cfg.Sandbox.ReadableRoots {
		if strings.TrimSpace(root) == "" {
			return errors.New("sandbox.readable_roots must not contain empty paths")
		}
	}
	for _, root := range cfg.Sandbox.WritableRoots {
		if strings.TrimSpace(root) == "" {
			return errors.New("sandbox.writable_roots must not contain empty paths")
		}
	}
	for _, command := range cfg.Sandbox.ExecutableCommands {
		name := strings.TrimSpace(command)
		if name == "" {
			return errors.New("sandbox.executable_commands must not contain empty names")
		}
		if strings.ContainsAny(name, "/\\") {
			return fmt.Errorf("sandbox.executable_commands must be bare command names (got %q)", command)
		}
	}
	for command := range cfg.Sandbox.CommandPolicies {
		if !commandGranted(command, cfg.Sandbox.ExecutableCommands) {
			return fmt.Errorf("sandbox.command_policies[%q] has no matching entry in sandbox.executable_commands", command)
		}
	}
	if cfg.Sandbox.CommandTimeoutMS <= 0 {
		return fmt.Errorf("sandbox.command_timeout_ms must be > 0 (got %d)", cfg.Sandbox.CommandTimeoutMS)
	}

	for tool, strategy := range cfg.Tools.LoggingStrategies {
		switch strings.ToLower(strings.TrimSpace(strategy)) {
		case "full", "metadata_only", "truncate":
		default:
			return fmt.Errorf("tools.logging_strategies[%q] must be one of full, metadata_only, truncate (got %q)", tool, strategy)
		}
	}

	return nil
}

func commandGranted(command string, granted []string) bool {
	name := strings.TrimSpace(command)
	for _, candidate := range granted {
		if strings.TrimSpace(candidate) == name {
			return true
		}
	}
	return false
}

func validateVerbosity(field, value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case VerbosityLow, VerbosityMid, VerbosityHigh:
		return nil
	default:
		return fmt.Errorf("%s must be one of low, mid, high (got %q)", field, value)
	}
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if batchSize := os.Getenv("LOGAGENT_BATCH_SIZE"); batchSize != "" {
		v, err := strconv.Atoi(batchSize)
		if err != nil {
			return fmt.Errorf("invalid LOGAGENT_BATCH_SIZE: %w", err)
		}
		cfg.Agent.BatchSize = v
	}
	if maxIterations := os.Getenv("LOGAGENT_MAX_ITERATIONS"); maxIterations != "" {
		v, err := strconv.Atoi(maxIterations)
		if err != nil {
			return fmt.Errorf("invalid LOGAGENT_MAX_ITERATIONS: %w", err)
		}
		cfg.Agent.MaxIterations = v
	}
	if schemaPath := os.Getenv("LOGAGENT_SCHEMA_PATH"); schemaPath != "" {
		cfg.Agent.SchemaPath = schemaPath
	}

	if model := os.Getenv("LOGAGENT_LLM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if baseURL := os.Getenv("LOGAGENT_LLM_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}

	if consoleLevel := os.Getenv("LOGAGENT_CONSOLE_LEVEL"); consoleLevel != "" {
		cfg.Logging.ConsoleLevel = consoleLevel
	}
	if fileLevel := os.Getenv("LOGAGENT_FILE_LEVEL"); fileLevel != "" {
		cfg.Logging.FileLevel = fileLevel
	}
	if logDir := os.Getenv("LOGAGENT_LOG_DIR"); logDir != "" {
		cfg.Logging.Dir = logDir
	}

	if storageDriver := os.Getenv("LOGAGENT_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("LOGAGENT_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("LOGAGENT_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	return applyOTelEnv(cfg)
}

func applyOTelEnv(cfg *Config) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}

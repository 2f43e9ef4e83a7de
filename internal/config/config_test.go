package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema-agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	t.Parallel()

	if err := Validate(Default()); err != nil {
		t.Fatalf("Default() must validate, got %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load of absent file = %v, want defaults", err)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("default storage driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Logging.ConsoleLevel != VerbosityLow {
		t.Fatalf("default console level = %q, want low", cfg.Logging.ConsoleLevel)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  batch_size: 500
logging:
  file_level: high
sandbox:
  executable_commands: ["jq"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Agent.BatchSize != 500 {
		t.Fatalf("batch_size = %d, want 500", cfg.Agent.BatchSize)
	}
	if cfg.Logging.FileLevel != "high" {
		t.Fatalf("file_level = %q, want high", cfg.Logging.FileLevel)
	}
	// Untouched sections keep their defaults.
	if cfg.Agent.MaxIterations != Default().Agent.MaxIterations {
		t.Fatalf("max_iterations = %d, want default", cfg.Agent.MaxIterations)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("merged config must validate, got %v", err)
	}
}

func TestLoadCommandPolicies(t *testing.T) {
	path := writeConfig(t, `
sandbox:
  executable_commands: ["jq", "wc"]
  command_policies:
    jq:
      allowed_args: ["-r", "--compact-output"]
      forbidden_patterns: ["--rawfile"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}

	jq, ok := cfg.Sandbox.CommandPolicies["jq"]
	if !ok {
		t.Fatal("jq command policy missing")
	}
	if len(jq.AllowedArgs) != 2 || jq.AllowedArgs[0] != "-r" {
		t.Fatalf("jq allowed args = %v", jq.AllowedArgs)
	}
	if len(jq.ForbiddenPatterns) != 1 || jq.ForbiddenPatterns[0] != "--rawfile" {
		t.Fatalf("jq forbidden patterns = %v", jq.ForbiddenPatterns)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
agent:
  batch_sizee: 500
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "agent:\n  batch_size: 10\n---\nagent:\n  batch_size: 20\n")

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "multiple yaml documents") {
		t.Fatalf("multi-document error = %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "agent:\n  batch_size: 100\n")
	t.Setenv("LOGAGENT_BATCH_SIZE", "250")
	t.Setenv("LOGAGENT_STORAGE_DRIVER", "postgres")
	t.Setenv("LOGAGENT_STORAGE_DSN", "postgres://localhost/agent")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Agent.BatchSize != 250 {
		t.Fatalf("batch_size = %d, want env value 250", cfg.Agent.BatchSize)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("storage = (%q, %q), want postgres driver with dsn", cfg.Storage.Driver, cfg.Storage.DSN)
	}
}

func TestOTelEnvEnablesExport(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !cfg.Observability.OTel.Enabled {
		t.Fatal("setting an OTLP endpoint must enable otel")
	}
	if cfg.Observability.OTel.Endpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q", cfg.Observability.OTel.Endpoint)
	}
}

func TestOTelSDKDisabledWins(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("OTEL_SDK_DISABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatal("OTEL_SDK_DISABLED=true must keep otel off")
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Agent.BatchSize = 0 }},
		{"bad console level", func(c *Config) { c.Logging.ConsoleLevel = "loud" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" }},
		{"path-shaped command", func(c *Config) { c.Sandbox.ExecutableCommands = []string{"/bin/sh"} }},
		{"policy for ungranted command", func(c *Config) {
			c.Sandbox.ExecutableCommands = []string{"jq"}
			c.Sandbox.CommandPolicies = map[string]CommandPolicy{"rm": {}}
		}},
		{"bad tool strategy", func(c *Config) {
			c.Tools.LoggingStrategies = map[string]string{"t": "everything"}
		}},
		{"empty model", func(c *Config) { c.LLM.Model = "" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("Validate accepted config with %s", tt.name)
			}
		})
	}
}

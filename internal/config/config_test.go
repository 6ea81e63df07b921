package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/cookforge/cooker/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
repos:
  - name: main
    root: "/srv/repos/main"
rule_files:
  - "rules.yaml"
log_level: debug
parallelism: 8
max_retries: 3
api:
  addr: "127.0.0.1:9001"
  jwt_public_key_path: "/etc/cooker/jwt.pub"
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Repos) != 1 || cfg.Repos[0].Name != "main" || cfg.Repos[0].Root != "/srv/repos/main" {
		t.Errorf("Repos = %+v", cfg.Repos)
	}
	if len(cfg.RuleFiles) != 1 || cfg.RuleFiles[0] != "rules.yaml" {
		t.Errorf("RuleFiles = %+v", cfg.RuleFiles)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Parallelism != 8 {
		t.Errorf("Parallelism = %d, want 8", cfg.Parallelism)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.API.Addr != "127.0.0.1:9001" {
		t.Errorf("API.Addr = %q", cfg.API.Addr)
	}
	if cfg.API.JWTPublicKeyPath != "/etc/cooker/jwt.pub" {
		t.Errorf("API.JWTPublicKeyPath = %q", cfg.API.JWTPublicKeyPath)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
repos:
  - name: main
    root: "/srv/repos/main"
rule_files:
  - "rules.yaml"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.StatePath != "./cooker-state.db" {
		t.Errorf("default StatePath = %q", cfg.StatePath)
	}
	if want := runtime.NumCPU(); cfg.Parallelism != want {
		t.Errorf("default Parallelism = %d, want %d", cfg.Parallelism, want)
	}
	if cfg.RetryBackoff.String() != "500ms" {
		t.Errorf("default RetryBackoff = %v, want 500ms", cfg.RetryBackoff)
	}
	if cfg.API.Addr != "127.0.0.1:9000" {
		t.Errorf("default API.Addr = %q, want %q", cfg.API.Addr, "127.0.0.1:9000")
	}
}

func TestLoadConfig_MissingRepos(t *testing.T) {
	yaml := `
rule_files:
  - "rules.yaml"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing repos, got nil")
	}
	if !strings.Contains(err.Error(), "repos") {
		t.Errorf("error %q does not mention repos", err.Error())
	}
}

func TestLoadConfig_DuplicateRepoName(t *testing.T) {
	yaml := `
repos:
  - name: main
    root: "/srv/a"
  - name: main
    root: "/srv/b"
rule_files:
  - "rules.yaml"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for duplicate repo name, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error %q does not mention duplicate", err.Error())
	}
}

func TestLoadConfig_MissingRuleFiles(t *testing.T) {
	yaml := `
repos:
  - name: main
    root: "/srv/repos/main"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing rule_files, got nil")
	}
	if !strings.Contains(err.Error(), "rule_files") {
		t.Errorf("error %q does not mention rule_files", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
repos:
  - name: main
    root: "/srv/repos/main"
rule_files:
  - "rules.yaml"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_NegativeMaxRetries(t *testing.T) {
	yaml := `
repos:
  - name: main
    root: "/srv/repos/main"
rule_files:
  - "rules.yaml"
max_retries: -1
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for negative max_retries, got nil")
	}
	if !strings.Contains(err.Error(), "max_retries") {
		t.Errorf("error %q does not mention max_retries", err.Error())
	}
}

func TestLoadConfig_APIAddrWithoutJWTKey(t *testing.T) {
	yaml := `
repos:
  - name: main
    root: "/srv/repos/main"
rule_files:
  - "rules.yaml"
api:
  addr: "127.0.0.1:9001"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for api.addr without jwt_public_key_path, got nil")
	}
	if !strings.Contains(err.Error(), "jwt_public_key_path") {
		t.Errorf("error %q does not mention jwt_public_key_path", err.Error())
	}
}

func TestLoadConfig_HistoryMirrorMissingConnString(t *testing.T) {
	yaml := `
repos:
  - name: main
    root: "/srv/repos/main"
rule_files:
  - "rules.yaml"
history_mirror:
  batch_size: 50
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for history_mirror without conn_string, got nil")
	}
	if !strings.Contains(err.Error(), "conn_string") {
		t.Errorf("error %q does not mention conn_string", err.Error())
	}
}

func TestLoadConfig_HistoryMirrorDefaults(t *testing.T) {
	yaml := `
repos:
  - name: main
    root: "/srv/repos/main"
rule_files:
  - "rules.yaml"
history_mirror:
  conn_string: "postgres://cooker@localhost/cooker"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HistoryMirror == nil {
		t.Fatal("expected HistoryMirror to be set")
	}
	if cfg.HistoryMirror.BatchSize != 100 {
		t.Errorf("default HistoryMirror.BatchSize = %d, want 100", cfg.HistoryMirror.BatchSize)
	}
	if cfg.HistoryMirror.FlushInterval.String() != "500ms" {
		t.Errorf("default HistoryMirror.FlushInterval = %v, want 500ms", cfg.HistoryMirror.FlushInterval)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadConfig_MultipleRepos(t *testing.T) {
	yaml := `
repos:
  - name: main
    root: "/srv/repos/main"
  - name: tools
    root: "/srv/repos/tools"
rule_files:
  - "rules.yaml"
  - "rules.ci.yaml"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Repos) != 2 {
		t.Fatalf("len(Repos) = %d, want 2", len(cfg.Repos))
	}
	if len(cfg.RuleFiles) != 2 {
		t.Fatalf("len(RuleFiles) = %d, want 2", len(cfg.RuleFiles))
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfigOptionalEmptyPath(t *testing.T) {
	t.Setenv("PORT", "9999")

	cfg, err := LoadConfigOptional("")
	if err != nil {
		t.Fatalf("LoadConfigOptional with empty path should not error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("expected Port=9999 from env, got %d", cfg.Port)
	}
}

func TestLoadConfigOptionalFileNotExist(t *testing.T) {
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.ExecutionMode != "auto" || cfg.MinVRAMGB != 8 {
		t.Errorf("defaults not applied: mode=%q minVram=%v", cfg.ExecutionMode, cfg.MinVRAMGB)
	}
	if cfg.VideoTimeoutSeconds != 1260 || cfg.MeshTimeoutSeconds != 960 {
		t.Errorf("timeout defaults not applied: %d %d", cfg.VideoTimeoutSeconds, cfg.MeshTimeoutSeconds)
	}
}

func TestLoadConfigOptionalInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.yaml")
	bad := "port: 8080\nredisAddr: \"localhost:6379\"\n  broken indentation\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigOptional(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadConfigOptionalValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valid.yaml")
	content := `
port: 8081
redisAddr: "redis.internal:6379"
engineUrl: "http://engine:8188"
executionMode: "local"
minVramGb: 12
workerTypes: ["image", "video"]
callbackBaseUrl: "http://backend:8000/v1/internal"
workerKey: "wkey"
env: "test"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigOptional(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8081 || cfg.EngineURL != "http://engine:8188" {
		t.Errorf("file values not loaded: %+v", cfg)
	}
	if cfg.ExecutionMode != "local" || cfg.MinVRAMGB != 12 {
		t.Errorf("execution settings not loaded: %+v", cfg)
	}
	if len(cfg.WorkerTypes) != 2 {
		t.Errorf("workerTypes not loaded: %v", cfg.WorkerTypes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config must validate: %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "engineUrl: \"http://file-engine:8188\"\nexecutionMode: \"local\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENGINE_URL", "http://env-engine:8188")
	t.Setenv("EXECUTION_MODE", "cloud")
	t.Setenv("CLOUD_PROVIDER", "runpod")
	t.Setenv("WORKER_TYPES", "image, mesh")

	cfg, err := LoadConfigOptional(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EngineURL != "http://env-engine:8188" {
		t.Errorf("env override lost: %q", cfg.EngineURL)
	}
	if cfg.ExecutionMode != "cloud" || cfg.CloudProvider != "runpod" {
		t.Errorf("env overrides lost: %+v", cfg)
	}
	if len(cfg.WorkerTypes) != 2 || cfg.WorkerTypes[1] != "mesh" {
		t.Errorf("WORKER_TYPES not split: %v", cfg.WorkerTypes)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.ExecutionMode = "hybrid" }, "executionMode"},
		{"bad probe", func(c *Config) { c.GPUProbe = "cuda" }, "gpuProbe"},
		{"cloud mode without provider", func(c *Config) { c.ExecutionMode = "cloud"; c.CloudProvider = "none" }, "cloudProvider"},
		{"bad callback url", func(c *Config) { c.CallbackBaseURL = "not-a-url" }, "callbackBaseUrl"},
		{"bad worker type", func(c *Config) { c.WorkerTypes = []string{"audio"} }, "workerTypes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadConfigOptional("")
			if err != nil {
				t.Fatal(err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateNonDevRequiresCredentials(t *testing.T) {
	cfg, err := LoadConfigOptional("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Env = "prod"
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "workerKey") {
		t.Fatalf("expected workerKey required in prod, got %v", err)
	}
}

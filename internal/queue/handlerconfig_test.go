package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func registryWithJobHandler(t *testing.T) *HandlerRegistry {
	t.Helper()
	registry := NewHandlerRegistry(false)
	if err := registry.Register("job", func(context.Context, *Task) error { return nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return registry
}

func TestLoadHandlerConfig_JSON(t *testing.T) {
	registry := registryWithJobHandler(t)
	path := filepath.Join(t.TempDir(), "handlers.json")
	body := `{"tasks":[{"type":"job","enabled":true,"priority":5,"max_attempts":3,"options":{"foo":"bar"}}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadHandlerConfig(path, registry)
	if err != nil {
		t.Fatalf("LoadHandlerConfig: %v", err)
	}
	tc, ok := cfg["job"]
	if !ok {
		t.Fatalf("cfg = %+v, missing entry for \"job\"", cfg)
	}
	if !tc.Enabled || tc.Priority != 5 || tc.MaxAttempts != 3 {
		t.Errorf("tc = %+v, want enabled priority=5 max_attempts=3", tc)
	}
}

func TestLoadHandlerConfig_YAML(t *testing.T) {
	registry := registryWithJobHandler(t)
	path := filepath.Join(t.TempDir(), "handlers.yaml")
	body := "tasks:\n  - type: job\n    enabled: true\n    priority: 1\n    max_attempts: 2\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadHandlerConfig(path, registry)
	if err != nil {
		t.Fatalf("LoadHandlerConfig: %v", err)
	}
	if cfg["job"].MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, want 2", cfg["job"].MaxAttempts)
	}
}

func TestLoadHandlerConfig_TOML(t *testing.T) {
	registry := registryWithJobHandler(t)
	path := filepath.Join(t.TempDir(), "handlers.toml")
	body := "[[tasks]]\ntype = \"job\"\nenabled = true\npriority = 2\nmax_attempts = 4\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadHandlerConfig(path, registry)
	if err != nil {
		t.Fatalf("LoadHandlerConfig: %v", err)
	}
	if cfg["job"].Priority != 2 {
		t.Errorf("Priority = %d, want 2", cfg["job"].Priority)
	}
}

func TestLoadHandlerConfig_RejectsUnregisteredType(t *testing.T) {
	registry := registryWithJobHandler(t)
	path := filepath.Join(t.TempDir(), "handlers.json")
	body := `{"tasks":[{"type":"ghost","enabled":true}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadHandlerConfig(path, registry); err == nil {
		t.Fatal("expected an error for a config entry naming an unregistered type")
	}
}

func TestLoadHandlerConfig_RejectsUnsupportedExtension(t *testing.T) {
	registry := registryWithJobHandler(t)
	path := filepath.Join(t.TempDir(), "handlers.ini")
	if err := os.WriteFile(path, []byte("nonsense"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadHandlerConfig(path, registry); err == nil {
		t.Fatal("expected an error for an unsupported file extension")
	}
}

func TestLoadHandlerConfig_MissingFile(t *testing.T) {
	registry := registryWithJobHandler(t)
	if _, err := LoadHandlerConfig(filepath.Join(t.TempDir(), "missing.json"), registry); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

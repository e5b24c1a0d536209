package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := Load(nil, "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Fatalf("expected default websocket port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Server.WebPort != 8080 {
		t.Fatalf("expected default web port 8080, got %d", cfg.Server.WebPort)
	}
	if cfg.Server.Iface != "127.0.0.1" {
		t.Fatalf("unexpected default iface %q", cfg.Server.Iface)
	}
	if cfg.Pipeline.Timeout != 10*time.Second {
		t.Fatalf("unexpected default timeout %s", cfg.Pipeline.Timeout)
	}
	if cfg.Engine.Kind != EngineKindPython {
		t.Fatalf("unexpected default engine %q", cfg.Engine.Kind)
	}
	if cfg.DB.IsPostgres() {
		t.Fatalf("default DSN should target sqlite")
	}
}

func TestLoader_EnvironmentOverrides(t *testing.T) {
	t.Setenv("FACEATTEND_SERVER_PORT", "9100")
	t.Setenv("FACEATTEND_PIPELINE_TIMEOUT", "250ms")
	t.Setenv("FACEATTEND_DB_DSN", "postgres://user:pw@localhost:5432/faces")
	t.Setenv("FACEATTEND_EVENTS_KAFKA_BROKERS", "a:9092, b:9092,,")

	cfg, err := Load(nil, "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("expected port override, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.Timeout != 250*time.Millisecond {
		t.Fatalf("expected timeout override, got %s", cfg.Pipeline.Timeout)
	}
	if !cfg.DB.IsPostgres() {
		t.Fatalf("expected postgres DSN to be detected")
	}
	brokers := cfg.Events.KafkaBrokerList()
	if len(brokers) != 2 || brokers[0] != "a:9092" || brokers[1] != "b:9092" {
		t.Fatalf("unexpected broker list: %v", brokers)
	}
}

func TestLoader_ConfigFile(t *testing.T) {
	t.Run("reads ini sections", func(t *testing.T) {
		path := writeConfigFile(t, "conf.ini", strings.Join([]string{
			"[classifier]",
			"model_location = /srv/models/classifier.msgpack",
			"[server]",
			"web_port = 8443",
			"web_dir = /srv/www",
		}, "\n"))

		cfg, err := Load(nil, path)
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}
		if cfg.Classifier.ModelLocation != "/srv/models/classifier.msgpack" {
			t.Fatalf("unexpected model location %q", cfg.Classifier.ModelLocation)
		}
		if cfg.Server.WebPort != 8443 || cfg.Server.WebDir != "/srv/www" {
			t.Fatalf("unexpected server section: %+v", cfg.Server)
		}
		if err := cfg.RequireClassifier(); err != nil {
			t.Fatalf("expected classifier to be configured: %v", err)
		}
	})

	t.Run("missing file is reported", func(t *testing.T) {
		_, err := Load(nil, filepath.Join(t.TempDir(), "absent.yaml"))
		if err == nil {
			t.Fatalf("expected error for missing file")
		}
	})
}

func TestLoader_Validation(t *testing.T) {
	t.Run("tls requires key material", func(t *testing.T) {
		path := writeConfigFile(t, "tls.yaml", "tls:\n  enabled: true\n")
		_, err := Load(nil, path)
		if err == nil {
			t.Fatalf("expected validation error")
		}
		expected := "missing required configuration: tls.key, tls.crt"
		if err.Error() != expected {
			t.Fatalf("unexpected error message: %q", err.Error())
		}
	})

	t.Run("invalid values are collected", func(t *testing.T) {
		path := writeConfigFile(t, "bad.yaml", strings.Join([]string{
			"server:",
			"  port: 70000",
			"engine:",
			"  kind: opencv",
			"pipeline:",
			"  workers: 0",
			"events:",
			"  buffer: 0",
		}, "\n"))
		_, err := Load(nil, path)
		if err == nil {
			t.Fatalf("expected validation error")
		}
		expected := "invalid configuration values: server.port, engine.kind, pipeline.workers, events.buffer"
		if err.Error() != expected {
			t.Fatalf("unexpected error message: %q", err.Error())
		}
	})

	t.Run("classifier is required to serve", func(t *testing.T) {
		cfg, err := Load(nil, "")
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}
		if err := cfg.RequireClassifier(); err == nil {
			t.Fatalf("expected missing classifier error")
		}
	})
}

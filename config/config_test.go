package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func baseConfig() Config {
	return Config{
		ListenTCP:         ":9900",
		ListenUDP:         ":9900",
		Protocol:          ProtoBoth,
		KeyFile:           "keys.ndjson",
		RidsDir:           "rids",
		BusPath:           "/tmp/bus.sock",
		KeyRequestPath:    "/tmp/keyreq.sock",
		WorkerPool:        4,
		SenderPool:        4,
		QueueSize:         1024,
		KeyUpdateInterval: 60,
		RidsClosingTime:   3600,
		MaxMessageSize:    65536,
	}
}

func TestLoadJSONOverlayOverridesFields(t *testing.T) {
	path := writeTempFile(t, "config.json", `{"listen_tcp":"10.0.0.1:9901","worker_pool":8}`)

	cfg := baseConfig()
	if err := LoadJSONOverlay(&cfg, path); err != nil {
		t.Fatalf("LoadJSONOverlay: %v", err)
	}

	if cfg.ListenTCP != "10.0.0.1:9901" {
		t.Fatalf("ListenTCP = %q, want overridden value", cfg.ListenTCP)
	}
	if cfg.WorkerPool != 8 {
		t.Fatalf("WorkerPool = %d, want 8", cfg.WorkerPool)
	}
	if cfg.SenderPool != 4 {
		t.Fatalf("SenderPool = %d, want unchanged 4", cfg.SenderPool)
	}
}

func TestLoadJSONOverlayEmptyPathIsNoop(t *testing.T) {
	cfg := baseConfig()
	want := cfg
	if err := LoadJSONOverlay(&cfg, ""); err != nil {
		t.Fatalf("LoadJSONOverlay: %v", err)
	}
	if cfg != want {
		t.Fatalf("expected config unchanged, got %+v", cfg)
	}
}

func TestLoadJSONOverlayMissingFile(t *testing.T) {
	cfg := baseConfig()
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := LoadJSONOverlay(&cfg, missing); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadEnvOverlayAppliesRecognizedKeys(t *testing.T) {
	path := writeTempFile(t, "agentsec.env", "AGENTSEC_KEY_FILE=/etc/agentsec/keys.ndjson\nAGENTSEC_LOG_LEVEL=debug\n")

	cfg := baseConfig()
	if err := LoadEnvOverlay(&cfg, path); err != nil {
		t.Fatalf("LoadEnvOverlay: %v", err)
	}

	if cfg.KeyFile != "/etc/agentsec/keys.ndjson" {
		t.Fatalf("KeyFile = %q, want overridden value", cfg.KeyFile)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadEnvOverlayIgnoresUnknownKeys(t *testing.T) {
	path := writeTempFile(t, "agentsec.env", "SOME_OTHER_VAR=ignored\n")

	cfg := baseConfig()
	want := cfg
	if err := LoadEnvOverlay(&cfg, path); err != nil {
		t.Fatalf("LoadEnvOverlay: %v", err)
	}
	if cfg != want {
		t.Fatalf("expected config unchanged by unrecognized keys, got %+v", cfg)
	}
}

func TestValidateRejectsOutOfRangePools(t *testing.T) {
	cfg := baseConfig()
	cfg.WorkerPool = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for worker_pool = 0")
	}

	cfg = baseConfig()
	cfg.SenderPool = 65
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for sender_pool = 65")
	}
}

func TestValidateRejectsMissingListenAddressForEnabledProtocol(t *testing.T) {
	cfg := baseConfig()
	cfg.Protocol = ProtoTCP
	cfg.ListenTCP = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing listen_tcp with protocol=tcp")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := baseConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsUnknownProtocol(t *testing.T) {
	cfg := baseConfig()
	cfg.Protocol = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}

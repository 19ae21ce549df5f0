package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/kvx-labs/repelgo/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Gateway.Role != "server" {
		t.Errorf("Gateway.Role = %q, want %q", cfg.Gateway.Role, "server")
	}

	if cfg.Gateway.Listen != ":15020" {
		t.Errorf("Gateway.Listen = %q, want %q", cfg.Gateway.Listen, ":15020")
	}

	if cfg.Parser.Kind != "modbustcp" {
		t.Errorf("Parser.Kind = %q, want %q", cfg.Parser.Kind, "modbustcp")
	}

	if cfg.Parser.ModbusTCP.ReuseTIDBits != 12 {
		t.Errorf("Parser.ModbusTCP.ReuseTIDBits = %d, want 12", cfg.Parser.ModbusTCP.ReuseTIDBits)
	}

	if !cfg.Parser.ModbusTCP.ReuseUnitID {
		t.Error("Parser.ModbusTCP.ReuseUnitID = false, want true")
	}

	if cfg.MAC.Kind != "hmac-sha256" {
		t.Errorf("MAC.Kind = %q, want %q", cfg.MAC.Kind, "hmac-sha256")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
gateway:
  role: client
  listen: ":16000"
  upstream: "10.0.0.5:15020"
  embed_nonce_bits: 5
parser:
  kind: modbustcp
  modbustcp:
    reuse_tid_bits: 8
    reuse_unit_id: false
mac:
  kind: "null"
log:
  level: "debug"
  format: "text"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Gateway.Role != "client" {
		t.Errorf("Gateway.Role = %q, want %q", cfg.Gateway.Role, "client")
	}

	if cfg.Gateway.Listen != ":16000" {
		t.Errorf("Gateway.Listen = %q, want %q", cfg.Gateway.Listen, ":16000")
	}

	if cfg.Gateway.EmbedNonceBits != 5 {
		t.Errorf("Gateway.EmbedNonceBits = %d, want 5", cfg.Gateway.EmbedNonceBits)
	}

	if cfg.Parser.ModbusTCP.ReuseTIDBits != 8 {
		t.Errorf("Parser.ModbusTCP.ReuseTIDBits = %d, want 8", cfg.Parser.ModbusTCP.ReuseTIDBits)
	}

	if cfg.Parser.ModbusTCP.ReuseUnitID {
		t.Error("Parser.ModbusTCP.ReuseUnitID = true, want false")
	}

	if cfg.MAC.Kind != "null" {
		t.Errorf("MAC.Kind = %q, want %q", cfg.MAC.Kind, "null")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	yamlContent := `
gateway:
  listen: ":17000"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Gateway.Listen != ":17000" {
		t.Errorf("Gateway.Listen = %q, want %q", cfg.Gateway.Listen, ":17000")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Parser.ModbusTCP.ReuseTIDBits != 12 {
		t.Errorf("Parser.ModbusTCP.ReuseTIDBits = %d, want default 12", cfg.Parser.ModbusTCP.ReuseTIDBits)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty listen addr",
			modify: func(cfg *config.Config) {
				cfg.Gateway.Listen = ""
			},
			wantErr: config.ErrEmptyListenAddr,
		},
		{
			name: "invalid role",
			modify: func(cfg *config.Config) {
				cfg.Gateway.Role = "bogus"
			},
			wantErr: config.ErrInvalidRole,
		},
		{
			name: "invalid parser kind",
			modify: func(cfg *config.Config) {
				cfg.Parser.Kind = "bogus"
			},
			wantErr: config.ErrInvalidParserKind,
		},
		{
			name: "invalid mac kind",
			modify: func(cfg *config.Config) {
				cfg.MAC.Kind = "bogus"
			},
			wantErr: config.ErrInvalidMACKind,
		},
		{
			name: "invalid reuse tid bits",
			modify: func(cfg *config.Config) {
				cfg.Parser.ModbusTCP.ReuseTIDBits = 17
			},
			wantErr: config.ErrInvalidReuseTIDBits,
		},
		{
			name: "invalid split alignment",
			modify: func(cfg *config.Config) {
				cfg.Parser.Split.Alignment = "bogus"
			},
			wantErr: config.ErrInvalidAlignment,
		},
		{
			name: "invalid key hex",
			modify: func(cfg *config.Config) {
				cfg.Gateway.Keys = "not-hex"
			},
			wantErr: config.ErrInvalidKeyLen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/repelgo.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestKeyBytes(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Gateway.Keys = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"[:64]

	b, err := cfg.Gateway.KeyBytes()
	if err != nil {
		t.Fatalf("KeyBytes() error: %v", err)
	}
	if len(b) != 32 {
		t.Errorf("KeyBytes() len = %d, want 32", len(b))
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
gateway:
  listen: ":15020"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("REPELGO_GATEWAY_LISTEN", ":18000")
	t.Setenv("REPELGO_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Gateway.Listen != ":18000" {
		t.Errorf("Gateway.Listen = %q, want %q (from env)", cfg.Gateway.Listen, ":18000")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "repelgo.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}

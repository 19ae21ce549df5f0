// Package config manages repelgo daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides, layered on a
// built-in default configuration, the same way the donor BFD daemon
// this module's skeleton descends from loads its own config.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete repelgod configuration: which parser/MAC
// modules to instantiate, the gateway's two listen sides, and the
// admin/metrics surfaces.
type Config struct {
	Gateway GatewayConfig `koanf:"gateway"`
	Parser  ParserConfig  `koanf:"parser"`
	MAC     MACConfig     `koanf:"mac"`
	Metrics MetricsConfig `koanf:"metrics"`
	Admin   AdminConfig   `koanf:"admin"`
	Log     LogConfig     `koanf:"log"`
}

// GatewayConfig describes the TCP proxy that terminates a legacy
// Modbus/TCP peer on one side and an authenticated repelgo peer on the
// other (see cmd/repelgod): the role this connection plays
// (client/server, per the Modbus/TCP parser's TID-remap asymmetry),
// the two addresses, and the nonce width shared by both ends.
type GatewayConfig struct {
	// Role is "client" or "server". Only the client role performs
	// Modbus/TCP transaction-identifier remapping.
	Role string `koanf:"role"`
	// Listen is the address the gateway accepts legacy connections on.
	Listen string `koanf:"listen"`
	// Upstream is the address of the authenticated peer gateway (client
	// role) or of the real Modbus/TCP server (server role).
	Upstream string `koanf:"upstream"`
	// EmbedNonceBits is the number of low nonce bits carried alongside
	// the MAC whenever the parser supplies no replay protection of its
	// own (engine.New's embedNonceBits, 0..64).
	EmbedNonceBits uint8 `koanf:"embed_nonce_bits"`
	// Keys is the hex-encoded key blob passed to MAC.SetKeys, format
	// owned entirely by the configured MAC module. Never logged.
	Keys string `koanf:"keys"`
}

// KeyBytes decodes Keys from hex.
func (g GatewayConfig) KeyBytes() ([]byte, error) {
	if g.Keys == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(g.Keys)
	if err != nil {
		return nil, fmt.Errorf("decode gateway.keys: %w", err)
	}
	return b, nil
}

// ParserConfig selects and configures one of the three parser modules.
type ParserConfig struct {
	// Kind is "modbustcp", "split", or "fake".
	Kind     string         `koanf:"kind"`
	ModbusTCP ModbusTCPConfig `koanf:"modbustcp"`
	Split    SplitConfig    `koanf:"split"`
}

// ModbusTCPConfig configures the Modbus/TCP reference parser.
type ModbusTCPConfig struct {
	// ReuseTIDBits is the number of upper Transaction Identifier bits
	// reused as MAC carrier, 0..16 (default 12).
	ReuseTIDBits uint8 `koanf:"reuse_tid_bits"`
	// ReuseUnitID reuses the full 8-bit Unit Identifier field as
	// carrier when true (default true).
	ReuseUnitID bool `koanf:"reuse_unit_id"`
	// StrictTIDMap resolves the core spec's open question on a full
	// TID remap table: when true, a full map fails embed (returns 0)
	// instead of degrading to a colliding slot = TID mod map_len.
	StrictTIDMap bool `koanf:"strict_tid_map"`
}

// SplitConfig configures the evaluation split parser.
type SplitConfig struct {
	// Splits is the number of internal MAC segment boundaries (S in
	// the core spec's §4.4; the MAC is divided into Splits+1 segments).
	Splits uint `koanf:"splits"`
	// Alignment is "gap", "packet", or "mac" (core spec §4.4 options
	// a/b/c).
	Alignment string `koanf:"alignment"`
}

// MACConfig selects and configures the MAC module.
type MACConfig struct {
	// Kind is "hmac-sha256" or "null".
	Kind string `koanf:"kind"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// AdminConfig holds the admin HTTP API endpoint configuration
// (internal/adminapi): list/show/set-keys, the plain net/http
// replacement for the donor's generated ConnectRPC surface — see
// DESIGN.md for why no RPC stubs are used here.
type AdminConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the core spec's own
// defaults: reuse_tid_bits=12, reuse_unit_id=true (core spec §4.5).
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Role:           "server",
			Listen:         ":15020",
			Upstream:       "127.0.0.1:502",
			EmbedNonceBits: 3,
		},
		Parser: ParserConfig{
			Kind: "modbustcp",
			ModbusTCP: ModbusTCPConfig{
				ReuseTIDBits: 12,
				ReuseUnitID:  true,
				StrictTIDMap: false,
			},
			Split: SplitConfig{
				Splits:    3,
				Alignment: "gap",
			},
		},
		MAC: MACConfig{
			Kind: "hmac-sha256",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Admin: AdminConfig{
			Addr: ":9101",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for repelgo configuration.
// Variables are named REPELGO_<section>_<key>, e.g. REPELGO_GATEWAY_LISTEN.
const envPrefix = "REPELGO_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (REPELGO_ prefix), and merges on top
// of DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms REPELGO_GATEWAY_LISTEN -> gateway.listen.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"gateway.role":                    defaults.Gateway.Role,
		"gateway.listen":                  defaults.Gateway.Listen,
		"gateway.upstream":                defaults.Gateway.Upstream,
		"gateway.embed_nonce_bits":        defaults.Gateway.EmbedNonceBits,
		"gateway.keys":                    defaults.Gateway.Keys,
		"parser.kind":                     defaults.Parser.Kind,
		"parser.modbustcp.reuse_tid_bits": defaults.Parser.ModbusTCP.ReuseTIDBits,
		"parser.modbustcp.reuse_unit_id":  defaults.Parser.ModbusTCP.ReuseUnitID,
		"parser.modbustcp.strict_tid_map": defaults.Parser.ModbusTCP.StrictTIDMap,
		"parser.split.splits":             defaults.Parser.Split.Splits,
		"parser.split.alignment":          defaults.Parser.Split.Alignment,
		"mac.kind":                        defaults.MAC.Kind,
		"metrics.addr":                    defaults.Metrics.Addr,
		"metrics.path":                    defaults.Metrics.Path,
		"admin.addr":                      defaults.Admin.Addr,
		"log.level":                       defaults.Log.Level,
		"log.format":                      defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

var (
	ErrEmptyListenAddr     = errors.New("gateway.listen must not be empty")
	ErrInvalidRole         = errors.New("gateway.role must be client or server")
	ErrInvalidParserKind   = errors.New("parser.kind must be modbustcp, split, or fake")
	ErrInvalidMACKind      = errors.New("mac.kind must be hmac-sha256 or null")
	ErrInvalidReuseTIDBits = errors.New("parser.modbustcp.reuse_tid_bits must be 0..16")
	ErrInvalidAlignment    = errors.New("parser.split.alignment must be gap, packet, or mac")
	ErrInvalidKeyLen       = errors.New("gateway.keys must decode to a valid hex blob")
)

// ValidRoles and friends enumerate the recognized enum-like string
// fields, the way the donor validates its session type strings.
var (
	ValidRoles      = map[string]bool{"client": true, "server": true}
	ValidParserKind = map[string]bool{"modbustcp": true, "split": true, "fake": true}
	ValidMACKind    = map[string]bool{"hmac-sha256": true, "null": true}
	ValidAlignment  = map[string]bool{"gap": true, "packet": true, "mac": true}
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.Gateway.Listen == "" {
		return ErrEmptyListenAddr
	}
	if !ValidRoles[cfg.Gateway.Role] {
		return ErrInvalidRole
	}
	if !ValidParserKind[cfg.Parser.Kind] {
		return ErrInvalidParserKind
	}
	if !ValidMACKind[cfg.MAC.Kind] {
		return ErrInvalidMACKind
	}
	if cfg.Parser.ModbusTCP.ReuseTIDBits > 16 {
		return ErrInvalidReuseTIDBits
	}
	if !ValidAlignment[cfg.Parser.Split.Alignment] {
		return ErrInvalidAlignment
	}
	if _, err := cfg.Gateway.KeyBytes(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKeyLen, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

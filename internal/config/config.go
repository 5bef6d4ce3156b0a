// Package config loads node runtime parameters from an optional YAML file
// and the environment. Environment variables use the EMERGANCE_ prefix and
// override file values.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/emergance/emergance/internal/crypto"
	"github.com/emergance/emergance/internal/protocol"
)

// Config captures the node runtime parameters.
type Config struct {
	Role             string         `mapstructure:"role"`
	Name             string         `mapstructure:"name"`
	LogLevel         string         `mapstructure:"log_level"`
	DataDir          string         `mapstructure:"data_dir"`
	MissionFile      string         `mapstructure:"mission_file"`
	NetworkKeyBase64 string         `mapstructure:"network_key_base64"`
	LANListen        string         `mapstructure:"lan_listen"`
	Bridge           BridgeConfig   `mapstructure:"bridge"`
	Location         LocationConfig `mapstructure:"location"`
}

// BridgeConfig describes the local HTTP bridge served to operator UIs.
type BridgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LocationConfig pins fixed installations to a position. Driver and SOS
// devices replace this with a live provider.
type LocationConfig struct {
	Lat       float64 `mapstructure:"lat"`
	Lng       float64 `mapstructure:"lng"`
	AccuracyM float64 `mapstructure:"accuracy_m"`
}

const (
	defaultRole        = string(protocol.RoleDispatch)
	defaultLogLevel    = "info"
	defaultDataDir     = "data"
	defaultMissionFile = "data/mission.json"
	defaultLANListen   = "0.0.0.0:4711"
	defaultBridgeAddr  = "127.0.0.1:8787"
)

// Load reads configuration from the provided file path (if any) and the
// environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EMERGANCE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("role", defaultRole)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("mission_file", defaultMissionFile)
	v.SetDefault("lan_listen", defaultLANListen)
	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.listen", defaultBridgeAddr)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if _, err := cfg.ParseRole(); err != nil {
		return Config{}, err
	}
	if _, err := cfg.NetworkKey(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseRole validates and returns the node role.
func (c Config) ParseRole() (protocol.Role, error) {
	switch role := protocol.Role(strings.ToUpper(c.Role)); role {
	case protocol.RoleSOS, protocol.RoleDriver, protocol.RoleDispatch, protocol.RoleRelay:
		return role, nil
	default:
		return "", fmt.Errorf("unknown role %q", c.Role)
	}
}

// NetworkKey returns the configured network key, or the derived offline
// default when none is set.
func (c Config) NetworkKey() ([]byte, error) {
	if c.NetworkKeyBase64 == "" {
		return crypto.DefaultNetworkKey(), nil
	}
	key, err := base64.StdEncoding.DecodeString(c.NetworkKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode network_key_base64: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("network key must be %d bytes, got %d", crypto.KeySize, len(key))
	}
	return key, nil
}

// Package config persists local device settings: the stable device identity,
// key file locations, and listening preferences.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanlink"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 47320
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID       string `json:"device_id"`
	DisplayName    string `json:"display_name"`
	PortMode       string `json:"port_mode"`
	ListeningPort  int    `json:"listening_port"`
	PrivateKeyPath string `json:"private_key_path"`
	PublicKeyPath  string `json:"public_key_path"`
	KeyFingerprint string `json:"key_fingerprint"`
	StorePath      string `json:"store_path"`
}

// ResolveDataDir returns the app data directory, honoring the
// LANLINK_DATA_DIR override before falling back to the per-user config
// directory (XDG on unix, AppData on windows, Application Support on darwin).
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANLINK_DATA_DIR"); override != "" {
		return override, nil
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// IncomingDir returns the directory received files are written to.
func IncomingDir(dataDir string) string {
	return filepath.Join(dataDir, "incoming")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "incoming"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	displayName := "LanLink Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		displayName = host
	}

	keysDir := filepath.Join(dataDir, "keys")
	return &DeviceConfig{
		DeviceID:       uuid.NewString(),
		DisplayName:    displayName,
		PortMode:       PortModeAutomatic,
		ListeningPort:  0,
		PrivateKeyPath: filepath.Join(keysDir, "identity_private.pem"),
		PublicKeyPath:  filepath.Join(keysDir, "identity_public.pem"),
		KeyFingerprint: "",
		StorePath:      filepath.Join(dataDir, "peers.db"),
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DisplayName == "" {
		displayName := "LanLink Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			displayName = host
		}
		cfg.DisplayName = displayName
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(keysDir, "identity_private.pem")
		updated = true
	}

	if cfg.PublicKeyPath == "" {
		cfg.PublicKeyPath = filepath.Join(keysDir, "identity_public.pem")
		updated = true
	}

	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(dataDir, "peers.db")
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

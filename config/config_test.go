package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveDataDirHonorsOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LANLINK_DATA_DIR", dir)

	got, err := ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir: %v", err)
	}
	if got != dir {
		t.Fatalf("data dir = %q, want %q", got, dir)
	}
}

func TestResolveDataDirUsesUserConfigDir(t *testing.T) {
	t.Setenv("LANLINK_DATA_DIR", "")
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	got, err := ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir: %v", err)
	}
	want := filepath.Join(base, AppDirectoryName)
	if got != want {
		t.Fatalf("data dir = %q, want %q", got, want)
	}
}

func TestEnsureDataDirectories(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "lanlink")
	if err := EnsureDataDirectories(dataDir); err != nil {
		t.Fatalf("EnsureDataDirectories: %v", err)
	}

	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys"), IncomingDir(dataDir)} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %q: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%q is not a directory", dir)
		}
	}
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("LANLINK_DATA_DIR", dataDir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if cfgPath != ConfigPath(dataDir) {
		t.Fatalf("config path = %q", cfgPath)
	}
	if cfg.DeviceID == "" {
		t.Fatal("device ID must be generated")
	}
	if cfg.DisplayName == "" {
		t.Fatal("display name must be defaulted")
	}
	if cfg.PortMode != PortModeAutomatic {
		t.Fatalf("port mode = %q", cfg.PortMode)
	}
	if cfg.StorePath != filepath.Join(dataDir, "peers.db") {
		t.Fatalf("store path = %q", cfg.StorePath)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
}

func TestLoadOrCreateIsStableAcrossRuns(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("LANLINK_DATA_DIR", dataDir)

	first, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate: %v", err)
	}
	second, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if first.DeviceID != second.DeviceID {
		t.Fatalf("device ID changed: %q then %q", first.DeviceID, second.DeviceID)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := &DeviceConfig{
		DeviceID:       "device-1",
		DisplayName:    "Den PC",
		PortMode:       PortModeFixed,
		ListeningPort:  53317,
		PrivateKeyPath: "/keys/identity_private.pem",
		PublicKeyPath:  "/keys/identity_public.pem",
		KeyFingerprint: "aa:bb:cc",
		StorePath:      "/data/peers.db",
	}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip = %+v, want %+v", *got, *want)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNormalizeDefaultsFillsMissingFields(t *testing.T) {
	dataDir := "/data/lanlink"
	cfg := &DeviceConfig{}

	if !normalizeDefaults(cfg, dataDir) {
		t.Fatal("empty config must be updated")
	}
	if cfg.DeviceID == "" || cfg.DisplayName == "" {
		t.Fatalf("identity fields not filled: %+v", *cfg)
	}
	if cfg.PortMode != PortModeAutomatic || cfg.ListeningPort != 0 {
		t.Fatalf("port defaults wrong: mode=%q port=%d", cfg.PortMode, cfg.ListeningPort)
	}
	if cfg.PrivateKeyPath != filepath.Join(dataDir, "keys", "identity_private.pem") {
		t.Fatalf("private key path = %q", cfg.PrivateKeyPath)
	}
	if cfg.StorePath != filepath.Join(dataDir, "peers.db") {
		t.Fatalf("store path = %q", cfg.StorePath)
	}

	// A complete config is left alone.
	if normalizeDefaults(cfg, dataDir) {
		t.Fatal("second pass must be a no-op")
	}
}

func TestNormalizeDefaultsInfersPortMode(t *testing.T) {
	cfg := &DeviceConfig{
		DeviceID:       "device-1",
		DisplayName:    "Den PC",
		PortMode:       "bogus",
		ListeningPort:  53317,
		PrivateKeyPath: "/k/priv.pem",
		PublicKeyPath:  "/k/pub.pem",
		StorePath:      "/d/peers.db",
	}
	if !normalizeDefaults(cfg, "/d") {
		t.Fatal("expected an update")
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("port mode = %q, a configured port implies fixed mode", cfg.PortMode)
	}

	cfg.PortMode = PortModeFixed
	cfg.ListeningPort = 0
	if !normalizeDefaults(cfg, "/d") {
		t.Fatal("expected an update")
	}
	if cfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("listening port = %d, want default", cfg.ListeningPort)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BRACKETEER_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if cfg.Capture.EVStep != 1.0 || cfg.Capture.ShotCount != 3 {
		t.Errorf("capture defaults: %+v", cfg.Capture)
	}
	if cfg.Capture.SettleTimeoutMS != 2000 || cfg.Capture.SettlePollMS != 50 || cfg.Capture.SettleThreshold != 0.1 {
		t.Errorf("settle defaults: %+v", cfg.Capture)
	}
	if cfg.Device.Lens != "wide" || !cfg.Device.RawEnabled || cfg.Device.Resolution != "full" {
		t.Errorf("device defaults: %+v", cfg.Device)
	}
	if cfg.Server.Addr != ":8787" {
		t.Errorf("server default addr: %q", cfg.Server.Addr)
	}
	if !cfg.Library.Watch {
		t.Error("library watch should default on")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"capture": {"ev_step": 1.5, "shot_count": 5, "settle_timeout_ms": 500, "settle_poll_ms": 10, "settle_threshold": 0.05},
		"device": {"lens": "telephoto", "raw": false, "resolution": "reduced", "zoom": "2x", "rotation": 90},
		"server": {"addr": ":9090"}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BRACKETEER_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Capture.EVStep != 1.5 || cfg.Capture.ShotCount != 5 {
		t.Errorf("capture overrides not applied: %+v", cfg.Capture)
	}
	if cfg.Device.Lens != "telephoto" || cfg.Device.RawEnabled || cfg.Device.ZoomPreset != "2x" || cfg.Device.RotationDegrees != 90 {
		t.Errorf("device overrides not applied: %+v", cfg.Device)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("server override not applied: %q", cfg.Server.Addr)
	}
	// Untouched sections keep defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("logging defaults lost: %+v", cfg.Logging)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BRACKETEER_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestInitWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	t.Setenv("BRACKETEER_CONFIG", path)

	got, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got != path {
		t.Errorf("Init path = %q, want %q", got, path)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load after Init: %v", err)
	}
	if cfg.Capture.ShotCount != 3 || cfg.Device.Lens != "wide" {
		t.Errorf("written defaults: %+v", cfg)
	}

	// A second Init must not clobber the existing file.
	if _, err := Init(); err != os.ErrExist {
		t.Errorf("Init over existing file: %v, want os.ErrExist", err)
	}
}

func TestZoomFactor(t *testing.T) {
	tests := []struct {
		preset string
		want   float64
	}{
		{"", 1.0},
		{"1x", 1.0},
		{"2x", 2.0},
		{"5x", 5.0},
		{"8x", 8.0},
		{"50x", 1.0},
	}
	for _, tt := range tests {
		if got := ZoomFactor(tt.preset); got != tt.want {
			t.Errorf("ZoomFactor(%q) = %v, want %v", tt.preset, got, tt.want)
		}
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	got, err := expandUser("~/.config/bracketeer/config.json")
	if err != nil {
		t.Fatalf("expandUser: %v", err)
	}
	if want := filepath.Join(home, ".config/bracketeer/config.json"); got != want {
		t.Errorf("expandUser = %q, want %q", got, want)
	}

	got, err = expandUser("/etc/bracketeer.json")
	if err != nil || got != "/etc/bracketeer.json" {
		t.Errorf("absolute path altered: %q, %v", got, err)
	}
}

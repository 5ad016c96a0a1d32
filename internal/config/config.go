package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/bracketeer/config.json"
)

// Config holds user-editable settings for the capture controller.
type Config struct {
	Capture Capture `json:"capture"`
	Device  Device  `json:"device"`
	Library Library `json:"library"`
	Server  Server  `json:"server"`
	Logging Logging `json:"logging"`
}

// Capture controls bracket policy and the exposure settle loop.
type Capture struct {
	EVStep          float64 `json:"ev_step"`           // stops between shots
	ShotCount       int     `json:"shot_count"`        // 3, 5 or 7
	SettleTimeoutMS int     `json:"settle_timeout_ms"` // max wait for auto exposure
	SettlePollMS    int     `json:"settle_poll_ms"`    // offset poll interval
	SettleThreshold float64 `json:"settle_threshold"`  // |offset| considered settled, in EV
}

// Device configures lens selection and format negotiation.
type Device struct {
	Lens            string `json:"lens"`       // ultrawide, wide, telephoto
	RawEnabled      bool   `json:"raw"`        // prefer RAW capture
	Resolution      string `json:"resolution"` // "full" or "reduced"
	ZoomPreset      string `json:"zoom"`       // "1x", "2x", "5x", "8x"
	RotationDegrees int    `json:"rotation"`
}

// Library configures asset persistence.
type Library struct {
	AssetDir     string `json:"asset_dir"`
	DatabasePath string `json:"database_path"`
	Watch        bool   `json:"watch"` // flag assets removed outside the controller
}

// Server configures the control API.
type Server struct {
	Addr string `json:"addr"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// ZoomFactor maps a zoom preset to the requested optical(+digital) factor.
// "2x" is true optical 2.0; higher presets are nearest-achievable requests
// that the coordinator clamps to device bounds.
func ZoomFactor(preset string) float64 {
	switch preset {
	case "", "1x":
		return 1.0
	case "2x":
		return 2.0
	case "5x":
		return 5.0
	case "8x":
		return 8.0
	}
	return 1.0
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("BRACKETEER_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Capture: Capture{
			EVStep:          1.0,
			ShotCount:       3,
			SettleTimeoutMS: 2000,
			SettlePollMS:    50,
			SettleThreshold: 0.1,
		},
		Device: Device{
			Lens:       "wide",
			RawEnabled: true,
			Resolution: "full",
			ZoomPreset: "1x",
		},
		Library: Library{
			AssetDir:     "./assets",
			DatabasePath: filepath.Join(os.TempDir(), "bracketeer.db"),
			Watch:        true,
		},
		Server: Server{
			Addr: ":8787",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
	}
}

// Init writes the default configuration to the active config path, creating
// parent directories as needed. Returns the written path; refuses to
// overwrite an existing file.
func Init() (string, error) {
	configPath := os.Getenv("BRACKETEER_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	expanded, err := expandUser(configPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(expanded); err == nil {
		return expanded, os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(defaultConfig(), "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(expanded, append(data, '\n'), 0644); err != nil {
		return "", err
	}
	return expanded, nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

// Package config provides configuration management for SabhaPass.
// It loads configuration from YAML files with sensible defaults, optionally
// preceded by a .env file whose variables can be referenced in paths.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrCodeEU/sabhapass/pkg/liveness"
	"github.com/MrCodeEU/sabhapass/pkg/logging"
	"github.com/MrCodeEU/sabhapass/pkg/view"
)

// Environment variables that override the loaded file.
const (
	EnvProfile   = "SABHAPASS_PROFILE"
	EnvLogLevel  = "SABHAPASS_LOG_LEVEL"
	EnvDataDir   = "SABHAPASS_DATA_DIR"
	EnvModelPath = "SABHAPASS_MODEL_PATH"
)

// Default config locations, tried in order by LoadDefault.
const (
	SystemConfigPath = "/etc/sabhapass/sabhapass.yaml"
	UserConfigPath   = ".config/sabhapass/sabhapass.yaml"
)

// Config holds all SabhaPass configuration.
type Config struct {
	Liveness    LivenessConfig    `yaml:"liveness"`
	View        ViewConfig        `yaml:"view"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Capture     CaptureConfig     `yaml:"capture"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LivenessConfig holds the liveness engine tunables.
type LivenessConfig struct {
	Profile            string                         `yaml:"profile"`
	MinLandmarks       int                            `yaml:"min_landmarks"`
	Blink              BlinkConfig                    `yaml:"blink"`
	Movement           MovementConfig                 `yaml:"movement"`
	FeedbackDurationMs int                            `yaml:"feedback_duration_ms"`
	Profiles           map[string]liveness.Thresholds `yaml:"profiles"`
	Timeout            int                            `yaml:"timeout"`
}

// BlinkConfig holds blink detector settings.
type BlinkConfig struct {
	BaselineMargin float64 `yaml:"baseline_margin"`
	ClosedRatio    float64 `yaml:"closed_ratio"`
	MinDurationMs  int     `yaml:"min_duration_ms"`
	MaxDurationMs  int     `yaml:"max_duration_ms"`
}

// MovementConfig holds movement detector settings.
type MovementConfig struct {
	NoiseFloor      float64 `yaml:"noise_floor"`
	Threshold       float64 `yaml:"threshold"`
	MinValidPoints  int     `yaml:"min_valid_points"`
	HistorySize     int     `yaml:"history_size"`
	MinMovingFrames int     `yaml:"min_moving_frames"`
}

// ViewConfig holds the camera view settings.
type ViewConfig struct {
	FacingMode string  `yaml:"facing_mode"`
	MaxZoom    float64 `yaml:"max_zoom"`
	ZoomStep   float64 `yaml:"zoom_step"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
}

// RecognitionConfig holds descriptor extraction settings.
type RecognitionConfig struct {
	ModelPath string `yaml:"model_path"`
}

// CaptureConfig holds capture encoding settings.
type CaptureConfig struct {
	JPEGQuality int `yaml:"jpeg_quality"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	engine := liveness.DefaultConfig()

	profiles := make(map[string]liveness.Thresholds)
	for name, t := range liveness.DefaultProfiles() {
		profiles[string(name)] = t
	}

	return &Config{
		Liveness: LivenessConfig{
			Profile:      string(liveness.ProfileLogin),
			MinLandmarks: engine.MinLandmarks,
			Blink: BlinkConfig{
				BaselineMargin: engine.Blink.BaselineMargin,
				ClosedRatio:    engine.Blink.ClosedRatio,
				MinDurationMs:  int(engine.Blink.MinDuration / time.Millisecond),
				MaxDurationMs:  int(engine.Blink.MaxDuration / time.Millisecond),
			},
			Movement: MovementConfig{
				NoiseFloor:      engine.Movement.NoiseFloor,
				Threshold:       engine.Movement.Threshold,
				MinValidPoints:  engine.Movement.MinValidPoints,
				HistorySize:     engine.Movement.HistorySize,
				MinMovingFrames: engine.Movement.MinMovingFrames,
			},
			FeedbackDurationMs: int(engine.FeedbackDuration / time.Millisecond),
			Profiles:           profiles,
			Timeout:            30,
		},
		View: ViewConfig{
			FacingMode: string(view.FacingUser),
			MaxZoom:    view.DefaultLimits().MaxZoom,
			ZoomStep:   view.DefaultLimits().ZoomStep,
			Width:      640,
			Height:     480,
		},
		Recognition: RecognitionConfig{
			ModelPath: filepath.Join(homeDir, ".local/share/sabhapass/models"),
		},
		Capture: CaptureConfig{
			JPEGQuality: view.DefaultJPEGQuality,
		},
		Storage: StorageConfig{
			DataDir:           filepath.Join(homeDir, ".local/share/sabhapass"),
			EncryptionEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
			File:   filepath.Join(homeDir, ".local/share/sabhapass/sabhapass.log"),
		},
	}
}

// LoadEnv loads variables from a .env file into the process environment.
// Existing variables win. An empty path means ./.env, which may be absent.
func LoadEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from the specified file and applies environment
// overrides.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	config.ApplyEnv()
	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	// Try system config first
	if _, err := os.Stat(SystemConfigPath); err == nil {
		return Load(SystemConfigPath)
	}

	// Try user config
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, UserConfigPath)
		if _, err := os.Stat(userConfig); err == nil {
			return Load(userConfig)
		}
	}

	config := DefaultConfig()
	config.ApplyEnv()
	return config, nil
}

// ApplyEnv overrides settings from SABHAPASS_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvProfile); v != "" {
		c.Liveness.Profile = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(EnvModelPath); v != "" {
		c.Recognition.ModelPath = v
	}
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// ProfileNames returns the configured profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Liveness.Profiles))
	for name := range c.Liveness.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EngineConfig converts the liveness section for the engine, selecting the
// thresholds of the active profile.
func (l LivenessConfig) EngineConfig() (liveness.Config, error) {
	thresholds, ok := l.Profiles[l.Profile]
	if !ok {
		return liveness.Config{}, fmt.Errorf("unknown liveness profile: %s", l.Profile)
	}

	cfg := liveness.DefaultConfig()
	cfg.MinLandmarks = l.MinLandmarks
	cfg.Blink.BaselineMargin = l.Blink.BaselineMargin
	cfg.Blink.ClosedRatio = l.Blink.ClosedRatio
	cfg.Blink.MinDuration = time.Duration(l.Blink.MinDurationMs) * time.Millisecond
	cfg.Blink.MaxDuration = time.Duration(l.Blink.MaxDurationMs) * time.Millisecond
	cfg.Movement.NoiseFloor = l.Movement.NoiseFloor
	cfg.Movement.Threshold = l.Movement.Threshold
	cfg.Movement.MinValidPoints = l.Movement.MinValidPoints
	cfg.Movement.HistorySize = l.Movement.HistorySize
	cfg.Movement.MinMovingFrames = l.Movement.MinMovingFrames
	cfg.FeedbackDuration = time.Duration(l.FeedbackDurationMs) * time.Millisecond
	cfg.Thresholds = thresholds
	return cfg, nil
}

// TimeoutDuration returns the capture gate timeout.
func (l LivenessConfig) TimeoutDuration() time.Duration {
	return time.Duration(l.Timeout) * time.Second
}

// Limits converts the view section for the zoom controller.
func (v ViewConfig) Limits() view.Limits {
	return view.Limits{MaxZoom: v.MaxZoom, ZoomStep: v.ZoomStep}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// Validate liveness settings
	engine, err := c.Liveness.EngineConfig()
	if err != nil {
		return err
	}
	if err := engine.Validate(); err != nil {
		return fmt.Errorf("invalid liveness settings: %w", err)
	}
	if c.Liveness.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", c.Liveness.Timeout)
	}

	// Validate view settings
	if _, err := view.ParseFacingMode(c.View.FacingMode); err != nil {
		return err
	}
	if c.View.MaxZoom < view.MinZoom {
		return fmt.Errorf("max_zoom must be at least 1, got %f", c.View.MaxZoom)
	}
	if c.View.ZoomStep <= 0 {
		return fmt.Errorf("zoom_step must be positive, got %f", c.View.ZoomStep)
	}
	if c.View.Width <= 0 || c.View.Height <= 0 {
		return fmt.Errorf("invalid view size: %dx%d", c.View.Width, c.View.Height)
	}

	// Validate capture settings
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", c.Capture.JPEGQuality)
	}

	// Validate logging settings
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, warning, or error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// CapturesDir returns the directory holding pending captures.
func (c *Config) CapturesDir() string {
	return filepath.Join(c.Storage.DataDir, "captures")
}

// EnsureDirectories creates necessary directories for storage and logging.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.CapturesDir(), 0700); err != nil {
		return fmt.Errorf("failed to create captures directory: %w", err)
	}

	if err := os.MkdirAll(c.Recognition.ModelPath, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	if c.Logging.File != "" {
		logDir := filepath.Dir(c.Logging.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}

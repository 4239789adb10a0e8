package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for acquisition tuning.
// The schema matches the /api/acquisition/params endpoint so the same JSON
// can be used for both startup configuration and runtime updates.
type TuningConfig struct {
	// Camera params
	CameraFPS      *float64 `json:"camera_fps,omitempty"`
	CameraWidthPx  *int     `json:"camera_width_px,omitempty"`
	CameraHeightPx *int     `json:"camera_height_px,omitempty"`

	// Stimulus params
	ScreenWidthPx         *int     `json:"screen_width_px,omitempty"`
	ScreenHeightPx        *int     `json:"screen_height_px,omitempty"`
	BarWidthPx            *int     `json:"bar_width_px,omitempty"`
	SweepDurationSeconds  *float64 `json:"sweep_duration_seconds,omitempty"`
	HorizontalSpanDegrees *float64 `json:"horizontal_span_degrees,omitempty"`
	VerticalSpanDegrees   *float64 `json:"vertical_span_degrees,omitempty"`
	BarLuminance          *int     `json:"bar_luminance,omitempty"`

	// Frame transport params
	StreamName      *string `json:"stream_name,omitempty"`
	BufferSizeMB    *int    `json:"buffer_size_mb,omitempty"`
	SlotCount       *int    `json:"slot_count,omitempty"`
	MetadataHistory *int    `json:"metadata_history,omitempty"`

	// Ring buffer params
	RingCapacity     *int    `json:"ring_capacity,omitempty"`
	OverflowStrategy *string `json:"overflow_strategy,omitempty"` // drop_oldest, drop_newest, expand, block

	// Control bus params
	HealthAddr        *string `json:"health_addr,omitempty"`
	SyncAddr          *string `json:"sync_addr,omitempty"`
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"` // duration string like "1s"

	// Recording params
	SessionBaseDir *string `json:"session_base_dir,omitempty"`
	SweepCycles    *int    `json:"sweep_cycles,omitempty"`

	// Synchronization params
	SyncMaxHistory *int `json:"sync_max_history,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.CameraFPS != nil && *c.CameraFPS <= 0 {
		return fmt.Errorf("camera_fps must be positive, got %f", *c.CameraFPS)
	}

	if c.SweepDurationSeconds != nil && *c.SweepDurationSeconds <= 0 {
		return fmt.Errorf("sweep_duration_seconds must be positive, got %f", *c.SweepDurationSeconds)
	}

	if c.BufferSizeMB != nil && *c.BufferSizeMB <= 0 {
		return fmt.Errorf("buffer_size_mb must be positive, got %d", *c.BufferSizeMB)
	}

	if c.RingCapacity != nil && *c.RingCapacity <= 0 {
		return fmt.Errorf("ring_capacity must be positive, got %d", *c.RingCapacity)
	}

	if c.OverflowStrategy != nil {
		switch *c.OverflowStrategy {
		case "drop_oldest", "drop_newest", "expand", "block":
		default:
			return fmt.Errorf("unknown overflow_strategy %q", *c.OverflowStrategy)
		}
	}

	if c.BarLuminance != nil && (*c.BarLuminance < 0 || *c.BarLuminance > 255) {
		return fmt.Errorf("bar_luminance must be between 0 and 255, got %d", *c.BarLuminance)
	}

	// Validate HeartbeatInterval can be parsed if set
	if c.HeartbeatInterval != nil && *c.HeartbeatInterval != "" {
		if _, err := time.ParseDuration(*c.HeartbeatInterval); err != nil {
			return fmt.Errorf("invalid heartbeat_interval '%s': %w", *c.HeartbeatInterval, err)
		}
	}

	if c.SweepCycles != nil && *c.SweepCycles < 1 {
		return fmt.Errorf("sweep_cycles must be at least 1, got %d", *c.SweepCycles)
	}

	// The control bus requires distinct ports; catching a duplicate here
	// gives a clearer startup error than the bind failure would.
	if c.HealthAddr != nil && c.SyncAddr != nil && *c.HealthAddr == *c.SyncAddr {
		return fmt.Errorf("health_addr and sync_addr must differ, both are %q", *c.HealthAddr)
	}

	return nil
}

// GetCameraFPS returns the camera_fps value or the default.
func (c *TuningConfig) GetCameraFPS() float64 {
	if c.CameraFPS == nil {
		return 30.0 // default
	}
	return *c.CameraFPS
}

// GetCameraWidthPx returns the camera_width_px value or the default.
func (c *TuningConfig) GetCameraWidthPx() int {
	if c.CameraWidthPx == nil {
		return 2048
	}
	return *c.CameraWidthPx
}

// GetCameraHeightPx returns the camera_height_px value or the default.
func (c *TuningConfig) GetCameraHeightPx() int {
	if c.CameraHeightPx == nil {
		return 2048
	}
	return *c.CameraHeightPx
}

// GetScreenWidthPx returns the screen_width_px value or the default.
func (c *TuningConfig) GetScreenWidthPx() int {
	if c.ScreenWidthPx == nil {
		return 1920
	}
	return *c.ScreenWidthPx
}

// GetScreenHeightPx returns the screen_height_px value or the default.
func (c *TuningConfig) GetScreenHeightPx() int {
	if c.ScreenHeightPx == nil {
		return 1080
	}
	return *c.ScreenHeightPx
}

// GetBarWidthPx returns the bar_width_px value or the default.
func (c *TuningConfig) GetBarWidthPx() int {
	if c.BarWidthPx == nil {
		return 60
	}
	return *c.BarWidthPx
}

// GetSweepDurationSeconds returns the sweep_duration_seconds value or the default.
func (c *TuningConfig) GetSweepDurationSeconds() float64 {
	if c.SweepDurationSeconds == nil {
		return 3.0
	}
	return *c.SweepDurationSeconds
}

// GetHorizontalSpanDegrees returns the horizontal_span_degrees value or the default.
func (c *TuningConfig) GetHorizontalSpanDegrees() float64 {
	if c.HorizontalSpanDegrees == nil {
		return 120.0
	}
	return *c.HorizontalSpanDegrees
}

// GetVerticalSpanDegrees returns the vertical_span_degrees value or the default.
func (c *TuningConfig) GetVerticalSpanDegrees() float64 {
	if c.VerticalSpanDegrees == nil {
		return 60.0
	}
	return *c.VerticalSpanDegrees
}

// GetBarLuminance returns the bar_luminance value or the default.
func (c *TuningConfig) GetBarLuminance() uint8 {
	if c.BarLuminance == nil {
		return 255
	}
	return uint8(*c.BarLuminance)
}

// GetStreamName returns the stream_name value or the default.
func (c *TuningConfig) GetStreamName() string {
	if c.StreamName == nil || *c.StreamName == "" {
		return "retinomap-frames"
	}
	return *c.StreamName
}

// GetBufferSizeMB returns the buffer_size_mb value or the default.
func (c *TuningConfig) GetBufferSizeMB() int {
	if c.BufferSizeMB == nil {
		return 64
	}
	return *c.BufferSizeMB
}

// GetSlotCount returns the slot_count value or the default.
func (c *TuningConfig) GetSlotCount() int {
	if c.SlotCount == nil {
		return 3
	}
	return *c.SlotCount
}

// GetMetadataHistory returns the metadata_history value or the default.
func (c *TuningConfig) GetMetadataHistory() int {
	if c.MetadataHistory == nil {
		return 1024
	}
	return *c.MetadataHistory
}

// GetRingCapacity returns the ring_capacity value or the default.
func (c *TuningConfig) GetRingCapacity() int {
	if c.RingCapacity == nil {
		return 100
	}
	return *c.RingCapacity
}

// GetOverflowStrategy returns the overflow_strategy value or the default.
func (c *TuningConfig) GetOverflowStrategy() string {
	if c.OverflowStrategy == nil || *c.OverflowStrategy == "" {
		return "drop_oldest"
	}
	return *c.OverflowStrategy
}

// GetHealthAddr returns the health_addr value or the default.
func (c *TuningConfig) GetHealthAddr() string {
	if c.HealthAddr == nil || *c.HealthAddr == "" {
		return "127.0.0.1:9870"
	}
	return *c.HealthAddr
}

// GetSyncAddr returns the sync_addr value or the default.
func (c *TuningConfig) GetSyncAddr() string {
	if c.SyncAddr == nil || *c.SyncAddr == "" {
		return "127.0.0.1:9871"
	}
	return *c.SyncAddr
}

// GetHeartbeatInterval parses and returns the HeartbeatInterval as a time.Duration.
func (c *TuningConfig) GetHeartbeatInterval() time.Duration {
	if c.HeartbeatInterval == nil || *c.HeartbeatInterval == "" {
		return time.Second // default
	}
	d, err := time.ParseDuration(*c.HeartbeatInterval)
	if err != nil {
		return time.Second // default on parse error
	}
	return d
}

// GetSessionBaseDir returns the session_base_dir value or the default.
func (c *TuningConfig) GetSessionBaseDir() string {
	if c.SessionBaseDir == nil || *c.SessionBaseDir == "" {
		return "sessions"
	}
	return *c.SessionBaseDir
}

// GetSweepCycles returns the sweep_cycles value or the default.
func (c *TuningConfig) GetSweepCycles() int {
	if c.SweepCycles == nil {
		return 1
	}
	return *c.SweepCycles
}

// GetSyncMaxHistory returns the sync_max_history value or the default.
func (c *TuningConfig) GetSyncMaxHistory() int {
	if c.SyncMaxHistory == nil {
		return 10000
	}
	return *c.SyncMaxHistory
}

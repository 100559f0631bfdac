package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/spotspray/internal/fsutil"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/spotspray.defaults.json"

// Sample methods accepted by sample_method.
const (
	SampleWhole  = "whole"
	SampleBBox   = "bbox"
	SampleSquare = "square"
)

// Config is the root configuration. Every field is optional; Get* methods
// supply the default for anything left unset, so partial files are safe.
type Config struct {
	// Relays
	RelayCount  *int    `json:"relay_count,omitempty" yaml:"relay_count,omitempty"`
	RelayPins   []int   `json:"relay_pins,omitempty" yaml:"relay_pins,omitempty"`
	RelayDevice *string `json:"relay_device,omitempty" yaml:"relay_device,omitempty"` // empty: log-only driver
	RelayBaud   *int    `json:"relay_baud,omitempty" yaml:"relay_baud,omitempty"`

	// Camera and activation
	FrameWidth         *int     `json:"frame_width,omitempty" yaml:"frame_width,omitempty"`
	FrameHeight        *int     `json:"frame_height,omitempty" yaml:"frame_height,omitempty"`
	ActivationFraction *float64 `json:"activation_fraction,omitempty" yaml:"activation_fraction,omitempty"`
	ActuationDelay     *string  `json:"actuation_delay,omitempty" yaml:"actuation_delay,omitempty"`       // duration string like "0s"
	ActuationDuration  *string  `json:"actuation_duration,omitempty" yaml:"actuation_duration,omitempty"` // duration string like "150ms"

	// Detection
	Algorithm        *string `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	ExgMin           *int    `json:"exg_min,omitempty" yaml:"exg_min,omitempty"`
	ExgMax           *int    `json:"exg_max,omitempty" yaml:"exg_max,omitempty"`
	HueMin           *int    `json:"hue_min,omitempty" yaml:"hue_min,omitempty"`
	HueMax           *int    `json:"hue_max,omitempty" yaml:"hue_max,omitempty"`
	SaturationMin    *int    `json:"saturation_min,omitempty" yaml:"saturation_min,omitempty"`
	SaturationMax    *int    `json:"saturation_max,omitempty" yaml:"saturation_max,omitempty"`
	BrightnessMin    *int    `json:"brightness_min,omitempty" yaml:"brightness_min,omitempty"`
	BrightnessMax    *int    `json:"brightness_max,omitempty" yaml:"brightness_max,omitempty"`
	MinDetectionArea *int    `json:"min_detection_area,omitempty" yaml:"min_detection_area,omitempty"`
	InvertHue        *bool   `json:"invert_hue,omitempty" yaml:"invert_hue,omitempty"`
	DisableDetection *bool   `json:"disable_detection,omitempty" yaml:"disable_detection,omitempty"`

	// Data collection
	SampleImages       *bool    `json:"sample_images,omitempty" yaml:"sample_images,omitempty"`
	SampleMethod       *string  `json:"sample_method,omitempty" yaml:"sample_method,omitempty"`
	SampleFrequency    *int     `json:"sample_frequency,omitempty" yaml:"sample_frequency,omitempty"`
	SaveDirectory      *string  `json:"save_directory,omitempty" yaml:"save_directory,omitempty"`
	StorageFullAt      *float64 `json:"storage_full_at,omitempty" yaml:"storage_full_at,omitempty"`
	Recording          *bool    `json:"recording,omitempty" yaml:"recording,omitempty"`
	MaxQueue           *int     `json:"max_queue,omitempty" yaml:"max_queue,omitempty"`
	NewWorkerThreshold *int     `json:"new_worker_threshold,omitempty" yaml:"new_worker_threshold,omitempty"`
	MaxWorkers         *int     `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`

	// Positioning
	GPSEnabled      *bool   `json:"gps_enabled,omitempty" yaml:"gps_enabled,omitempty"`
	GPSHost         *string `json:"gps_host,omitempty" yaml:"gps_host,omitempty"`
	GPSPort         *int    `json:"gps_port,omitempty" yaml:"gps_port,omitempty"`
	GPSSerialDevice *string `json:"gps_serial_device,omitempty" yaml:"gps_serial_device,omitempty"`
	GPSBaud         *int    `json:"gps_baud,omitempty" yaml:"gps_baud,omitempty"`

	// Input and diagnostics
	InputPath       *string `json:"input_path,omitempty" yaml:"input_path,omitempty"`
	ImageLoopTime   *string `json:"image_loop_time,omitempty" yaml:"image_loop_time,omitempty"`
	LogFPS          *bool   `json:"log_fps,omitempty" yaml:"log_fps,omitempty"`
	FPSReportFrames *int    `json:"fps_report_frames,omitempty" yaml:"fps_report_frames,omitempty"`
	DatabasePath    *string `json:"database_path,omitempty" yaml:"database_path,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultConfig returns a Config with every field populated from the
// built-in defaults.
func DefaultConfig() *Config {
	c := &Config{}
	c.RelayCount = ptrInt(c.GetRelayCount())
	c.RelayPins = c.GetRelayPins()
	c.RelayDevice = ptrString(c.GetRelayDevice())
	c.RelayBaud = ptrInt(c.GetRelayBaud())
	c.FrameWidth = ptrInt(c.GetFrameWidth())
	c.FrameHeight = ptrInt(c.GetFrameHeight())
	c.ActivationFraction = ptrFloat64(c.GetActivationFraction())
	c.ActuationDelay = ptrString(c.GetActuationDelay().String())
	c.ActuationDuration = ptrString(c.GetActuationDuration().String())
	c.Algorithm = ptrString(c.GetAlgorithm())
	c.ExgMin = ptrInt(c.GetExgMin())
	c.ExgMax = ptrInt(c.GetExgMax())
	c.HueMin = ptrInt(c.GetHueMin())
	c.HueMax = ptrInt(c.GetHueMax())
	c.SaturationMin = ptrInt(c.GetSaturationMin())
	c.SaturationMax = ptrInt(c.GetSaturationMax())
	c.BrightnessMin = ptrInt(c.GetBrightnessMin())
	c.BrightnessMax = ptrInt(c.GetBrightnessMax())
	c.MinDetectionArea = ptrInt(c.GetMinDetectionArea())
	c.InvertHue = ptrBool(c.GetInvertHue())
	c.DisableDetection = ptrBool(c.GetDisableDetection())
	c.SampleImages = ptrBool(c.GetSampleImages())
	c.SampleMethod = ptrString(c.GetSampleMethod())
	c.SampleFrequency = ptrInt(c.GetSampleFrequency())
	c.SaveDirectory = ptrString(c.GetSaveDirectory())
	c.StorageFullAt = ptrFloat64(c.GetStorageFullAt())
	c.Recording = ptrBool(c.GetRecording())
	c.MaxQueue = ptrInt(c.GetMaxQueue())
	c.NewWorkerThreshold = ptrInt(c.GetNewWorkerThreshold())
	c.MaxWorkers = ptrInt(c.GetMaxWorkers())
	c.GPSEnabled = ptrBool(c.GetGPSEnabled())
	c.GPSHost = ptrString(c.GetGPSHost())
	c.GPSPort = ptrInt(c.GetGPSPort())
	c.GPSSerialDevice = ptrString(c.GetGPSSerialDevice())
	c.GPSBaud = ptrInt(c.GetGPSBaud())
	c.InputPath = ptrString(c.GetInputPath())
	c.ImageLoopTime = ptrString(c.GetImageLoopTime().String())
	c.LogFPS = ptrBool(c.GetLogFPS())
	c.FPSReportFrames = ptrInt(c.GetFPSReportFrames())
	c.DatabasePath = ptrString(c.GetDatabasePath())
	return c
}

// LoadConfig loads a Config from a JSON or YAML file, chosen by extension.
// The file must be under 1MB. Fields omitted from the file keep their
// defaults through the Get* methods.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

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

	cfg := &Config{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upward from the
// current directory. Panics if the file cannot be loaded; intended for tests.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that set values are in range and parseable.
func (c *Config) Validate() error {
	if c.RelayCount != nil && *c.RelayCount < 1 {
		return fmt.Errorf("relay_count must be at least 1, got %d", *c.RelayCount)
	}
	if c.RelayPins != nil && len(c.RelayPins) < c.GetRelayCount() {
		return fmt.Errorf("relay_pins has %d entries but relay_count is %d", len(c.RelayPins), c.GetRelayCount())
	}
	if c.FrameWidth != nil && *c.FrameWidth <= 0 {
		return fmt.Errorf("frame_width must be positive, got %d", *c.FrameWidth)
	}
	if c.FrameHeight != nil && *c.FrameHeight <= 0 {
		return fmt.Errorf("frame_height must be positive, got %d", *c.FrameHeight)
	}
	if c.ActivationFraction != nil {
		if *c.ActivationFraction < 0 || *c.ActivationFraction >= 1 {
			return fmt.Errorf("activation_fraction must be in [0,1), got %f", *c.ActivationFraction)
		}
	}
	for name, v := range map[string]*string{
		"actuation_delay":    c.ActuationDelay,
		"actuation_duration": c.ActuationDuration,
		"image_loop_time":    c.ImageLoopTime,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	if c.ExgMin != nil && c.ExgMax != nil && *c.ExgMin > *c.ExgMax {
		return fmt.Errorf("exg_min %d exceeds exg_max %d", *c.ExgMin, *c.ExgMax)
	}
	if c.SampleMethod != nil {
		switch *c.SampleMethod {
		case SampleWhole, SampleBBox, SampleSquare:
		default:
			return fmt.Errorf("sample_method must be one of whole, bbox, square; got %q", *c.SampleMethod)
		}
	}
	if c.SampleFrequency != nil && *c.SampleFrequency < 1 {
		return fmt.Errorf("sample_frequency must be at least 1, got %d", *c.SampleFrequency)
	}
	if c.StorageFullAt != nil && (*c.StorageFullAt <= 0 || *c.StorageFullAt > 1) {
		return fmt.Errorf("storage_full_at must be in (0,1], got %f", *c.StorageFullAt)
	}
	if c.MaxQueue != nil && *c.MaxQueue < 1 {
		return fmt.Errorf("max_queue must be at least 1, got %d", *c.MaxQueue)
	}
	if c.MaxWorkers != nil && *c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", *c.MaxWorkers)
	}
	if c.NewWorkerThreshold != nil && *c.NewWorkerThreshold < 0 {
		return fmt.Errorf("new_worker_threshold must be non-negative, got %d", *c.NewWorkerThreshold)
	}
	if c.GPSPort != nil && (*c.GPSPort <= 0 || *c.GPSPort > 65535) {
		return fmt.Errorf("gps_port out of range: %d", *c.GPSPort)
	}
	if c.FPSReportFrames != nil && *c.FPSReportFrames < 1 {
		return fmt.Errorf("fps_report_frames must be at least 1, got %d", *c.FPSReportFrames)
	}
	return nil
}

// SaveSnapshot writes the configuration as JSON to a timestamped file in dir,
// named like 20260301-091500_spotspray.json, and returns its path.
func (c *Config) SaveSnapshot(fs fsutil.FileSystem, dir string, now time.Time) (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	path := filepath.Join(dir, now.Format("20060102-150405")+"_spotspray.json")
	if err := fs.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetRelayCount returns the number of relays (lanes).
func (c *Config) GetRelayCount() int {
	if c.RelayCount == nil {
		return 4
	}
	return *c.RelayCount
}

// GetRelayPins returns the relay-to-board-pin map, one entry per relay.
func (c *Config) GetRelayPins() []int {
	if c.RelayPins != nil {
		return append([]int(nil), c.RelayPins...)
	}
	defaults := []int{13, 15, 16, 18}
	n := c.GetRelayCount()
	pins := make([]int, n)
	for i := range pins {
		if i < len(defaults) {
			pins[i] = defaults[i]
		} else {
			pins[i] = i
		}
	}
	return pins
}

func (c *Config) GetRelayDevice() string {
	if c.RelayDevice == nil {
		return ""
	}
	return *c.RelayDevice
}

func (c *Config) GetRelayBaud() int {
	if c.RelayBaud == nil {
		return 115200
	}
	return *c.RelayBaud
}

func (c *Config) GetFrameWidth() int {
	if c.FrameWidth == nil {
		return 416
	}
	return *c.FrameWidth
}

func (c *Config) GetFrameHeight() int {
	if c.FrameHeight == nil {
		return 320
	}
	return *c.FrameHeight
}

// maxFramePixels bounds the capture size the detector can keep up with.
const maxFramePixels = 832 * 640

// FrameSize returns the capture size. Sizes above 832x640 pixels fall back
// to the 416x320 default and report clamped=true.
func (c *Config) FrameSize() (w, h int, clamped bool) {
	w, h = c.GetFrameWidth(), c.GetFrameHeight()
	if w*h > maxFramePixels {
		return 416, 320, true
	}
	return w, h, false
}

// GetActivationFraction returns the share of frame height above which
// detections are ignored.
func (c *Config) GetActivationFraction() float64 {
	if c.ActivationFraction == nil {
		return 0.01
	}
	return *c.ActivationFraction
}

func (c *Config) GetActuationDelay() time.Duration {
	return durationOr(c.ActuationDelay, 0)
}

func (c *Config) GetActuationDuration() time.Duration {
	return durationOr(c.ActuationDuration, 150*time.Millisecond)
}

func (c *Config) GetAlgorithm() string {
	if c.Algorithm == nil || *c.Algorithm == "" {
		return "exhsv"
	}
	return *c.Algorithm
}

func (c *Config) GetExgMin() int {
	if c.ExgMin == nil {
		return 25
	}
	return *c.ExgMin
}

func (c *Config) GetExgMax() int {
	if c.ExgMax == nil {
		return 200
	}
	return *c.ExgMax
}

func (c *Config) GetHueMin() int {
	if c.HueMin == nil {
		return 39
	}
	return *c.HueMin
}

func (c *Config) GetHueMax() int {
	if c.HueMax == nil {
		return 83
	}
	return *c.HueMax
}

func (c *Config) GetSaturationMin() int {
	if c.SaturationMin == nil {
		return 50
	}
	return *c.SaturationMin
}

func (c *Config) GetSaturationMax() int {
	if c.SaturationMax == nil {
		return 220
	}
	return *c.SaturationMax
}

func (c *Config) GetBrightnessMin() int {
	if c.BrightnessMin == nil {
		return 60
	}
	return *c.BrightnessMin
}

func (c *Config) GetBrightnessMax() int {
	if c.BrightnessMax == nil {
		return 190
	}
	return *c.BrightnessMax
}

func (c *Config) GetMinDetectionArea() int {
	if c.MinDetectionArea == nil {
		return 10
	}
	return *c.MinDetectionArea
}

func (c *Config) GetInvertHue() bool {
	return c.InvertHue != nil && *c.InvertHue
}

func (c *Config) GetDisableDetection() bool {
	return c.DisableDetection != nil && *c.DisableDetection
}

func (c *Config) GetSampleImages() bool {
	return c.SampleImages != nil && *c.SampleImages
}

func (c *Config) GetSampleMethod() string {
	if c.SampleMethod == nil {
		return SampleWhole
	}
	return *c.SampleMethod
}

func (c *Config) GetSampleFrequency() int {
	if c.SampleFrequency == nil {
		return 30
	}
	return *c.SampleFrequency
}

func (c *Config) GetSaveDirectory() string {
	if c.SaveDirectory == nil || *c.SaveDirectory == "" {
		return "samples"
	}
	return *c.SaveDirectory
}

// GetStorageFullAt returns the used-space fraction at which sampling stops.
func (c *Config) GetStorageFullAt() float64 {
	if c.StorageFullAt == nil {
		return 0.9
	}
	return *c.StorageFullAt
}

func (c *Config) GetRecording() bool {
	return c.Recording != nil && *c.Recording
}

func (c *Config) GetMaxQueue() int {
	if c.MaxQueue == nil {
		return 200
	}
	return *c.MaxQueue
}

func (c *Config) GetNewWorkerThreshold() int {
	if c.NewWorkerThreshold == nil {
		return 90
	}
	return *c.NewWorkerThreshold
}

func (c *Config) GetMaxWorkers() int {
	if c.MaxWorkers == nil {
		return 4
	}
	return *c.MaxWorkers
}

func (c *Config) GetGPSEnabled() bool {
	return c.GPSEnabled != nil && *c.GPSEnabled
}

func (c *Config) GetGPSHost() string {
	if c.GPSHost == nil || *c.GPSHost == "" {
		return "localhost"
	}
	return *c.GPSHost
}

func (c *Config) GetGPSPort() int {
	if c.GPSPort == nil {
		return 9000
	}
	return *c.GPSPort
}

// GetGPSSerialDevice returns the NMEA serial device; empty selects TCP.
func (c *Config) GetGPSSerialDevice() string {
	if c.GPSSerialDevice == nil {
		return ""
	}
	return *c.GPSSerialDevice
}

func (c *Config) GetGPSBaud() int {
	if c.GPSBaud == nil {
		return 9600
	}
	return *c.GPSBaud
}

func (c *Config) GetInputPath() string {
	if c.InputPath == nil {
		return ""
	}
	return *c.InputPath
}

func (c *Config) GetImageLoopTime() time.Duration {
	return durationOr(c.ImageLoopTime, 5*time.Millisecond)
}

func (c *Config) GetLogFPS() bool {
	if c.LogFPS == nil {
		return true
	}
	return *c.LogFPS
}

func (c *Config) GetFPSReportFrames() int {
	if c.FPSReportFrames == nil {
		return 900
	}
	return *c.FPSReportFrames
}

func (c *Config) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "spotspray.db"
	}
	return *c.DatabasePath
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete duoscope configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Display          DisplayConfig   `yaml:"display"`
	Cameras          CamerasConfig   `yaml:"cameras"`
	Depth            DepthConfig     `yaml:"depth"`
	Alignment        AlignmentConfig `yaml:"alignment"`
	Tuning           TuningConfig    `yaml:"tuning"`
	Recording        RecordingConfig `yaml:"recording"`
	Health           HealthConfig    `yaml:"health"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
}

// DisplayConfig describes the composite output surface
type DisplayConfig struct {
	Width     int     `yaml:"width"`      // full side-by-side width
	Height    int     `yaml:"height"`     // composite height
	FrameRate float64 `yaml:"frame_rate"` // processing loop target fps
}

// CamerasConfig holds both sides of the stereo pair
type CamerasConfig struct {
	Right CameraConfig `yaml:"right"`
	Left  CameraConfig `yaml:"left"`
}

// CameraConfig describes one capture device
type CameraConfig struct {
	DeviceID int `yaml:"device_id"`
	Rotation int `yaml:"rotation"` // degrees clockwise: 0, 90, 180, 270
	Width    int `yaml:"width"`    // capture width before rotation
	Height   int `yaml:"height"`   // capture height before rotation
}

// DepthConfig holds the block-matching parameters
type DepthConfig struct {
	Enabled       bool `yaml:"enabled"`
	NDisparities  int  `yaml:"ndisparities"`    // multiple of 16
	SADWindowSize int  `yaml:"sad_window_size"` // odd, 5..255
}

// AlignmentConfig controls the auto-alignment loop
type AlignmentConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Horizontal bool    `yaml:"horizontal"` // continuous horizontal correction
	PeriodS    float64 `yaml:"period_s"`   // tick period (default: 1)
}

// TuningConfig controls the brightness control loop
type TuningConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Goal        float64 `yaml:"goal"`      // target mean intensity (default: 128)
	Tolerance   float64 `yaml:"tolerance"` // dead band (default: 5)
	LearnRate   float64 `yaml:"learn_rate"`
	GainMin     float64 `yaml:"gain_min"`
	GainMax     float64 `yaml:"gain_max"`
	ExposureMin float64 `yaml:"exposure_min"`
	ExposureMax float64 `yaml:"exposure_max"`
}

// RecordingConfig holds the recorder and library settings
type RecordingConfig struct {
	Dir         string `yaml:"dir"`          // recording output directory
	Codec       string `yaml:"codec"`        // four-character codec (default: MJPG)
	SnapshotDir string `yaml:"snapshot_dir"` // still capture directory
	LibraryPath string `yaml:"library_path"` // sqlite recordings index
}

// HealthConfig holds the HTTP health endpoint settings
type HealthConfig struct {
	Addr string `yaml:"addr"` // listen address, empty disables the endpoint
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Broker     string          `yaml:"broker"`
	Topics     MQTTTopics      `yaml:"topics"`
	QoS        map[string]byte `yaml:"qos"`
	FrameEvery int             `yaml:"frame_every"` // publish every Nth display frame (default: 10)
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Frames  string `yaml:"frames"`
	Health  string `yaml:"health"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

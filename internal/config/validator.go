package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Validate display
	if cfg.Display.Width <= 0 || cfg.Display.Height <= 0 {
		return fmt.Errorf("display.width and display.height must be > 0")
	}
	if cfg.Display.Width%2 != 0 {
		return fmt.Errorf("display.width must be even (two side-by-side halves)")
	}
	if cfg.Display.FrameRate <= 0 {
		cfg.Display.FrameRate = 30
	}

	// Validate cameras
	if err := validateCamera("cameras.right", &cfg.Cameras.Right); err != nil {
		return err
	}
	if err := validateCamera("cameras.left", &cfg.Cameras.Left); err != nil {
		return err
	}
	if cfg.Cameras.Right.DeviceID == cfg.Cameras.Left.DeviceID {
		return fmt.Errorf("cameras.right and cameras.left must use distinct device ids")
	}

	// Depth defaults; the block-matching invariants are enforced at apply
	// time against the live display geometry.
	if cfg.Depth.NDisparities == 0 {
		cfg.Depth.NDisparities = 32
	}
	if cfg.Depth.SADWindowSize == 0 {
		cfg.Depth.SADWindowSize = 31
	}

	// Alignment defaults
	if cfg.Alignment.PeriodS <= 0 {
		cfg.Alignment.PeriodS = 1
	}

	// Tuning defaults
	if cfg.Tuning.Goal == 0 {
		cfg.Tuning.Goal = 128
	}
	if cfg.Tuning.Tolerance <= 0 {
		cfg.Tuning.Tolerance = 5
	}
	if cfg.Tuning.LearnRate <= 0 {
		cfg.Tuning.LearnRate = 0.5
	}
	if cfg.Tuning.GainMax <= cfg.Tuning.GainMin {
		return fmt.Errorf("tuning.gain_max must be > tuning.gain_min")
	}
	if cfg.Tuning.ExposureMax <= cfg.Tuning.ExposureMin {
		return fmt.Errorf("tuning.exposure_max must be > tuning.exposure_min")
	}

	// Recording defaults
	if cfg.Recording.Dir == "" {
		cfg.Recording.Dir = "recordings"
	}
	if cfg.Recording.Codec == "" {
		cfg.Recording.Codec = "MJPG"
	}
	if cfg.Recording.SnapshotDir == "" {
		cfg.Recording.SnapshotDir = "snapshots"
	}
	if cfg.Recording.LibraryPath == "" {
		cfg.Recording.LibraryPath = "duoscope.db"
	}

	// MQTT
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("duoscope/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("duoscope/events/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Frames == "" {
			cfg.MQTT.Topics.Frames = fmt.Sprintf("duoscope/frames/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("duoscope/health/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"control": 1,
				"events":  1,
				"frames":  0,
				"health":  0,
			}
		}
		if cfg.MQTT.FrameEvery <= 0 {
			cfg.MQTT.FrameEvery = 10
		}
	}

	return nil
}

func validateCamera(name string, cam *CameraConfig) error {
	if cam.Width <= 0 || cam.Height <= 0 {
		return fmt.Errorf("%s: width and height must be > 0", name)
	}
	switch cam.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("%s: rotation must be one of 0, 90, 180, 270 (got %d)", name, cam.Rotation)
	}
	return nil
}

package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sjawhar/ghost-recorder/internal/recorder"
	"github.com/sjawhar/ghost-recorder/internal/stopwatch"
	"github.com/sjawhar/ghost-recorder/internal/waveform"
)

// EnvPrefix is the namespace prefix for all Ghost Recorder environment variables.
const EnvPrefix = "GHOST_RECORDER_"

const (
	defaultAcquireTimeout = recorder.DefaultAcquireTimeout
	defaultTrashTTL       = 7 * 24 * time.Hour
)

// Config holds all application configuration. Durations are kept as strings
// so a bad value degrades to its default with a warning instead of failing
// the load.
type Config struct {
	DBPath     string `yaml:"db_path"`
	AudioDir   string `yaml:"audio_dir"`
	TempDir    string `yaml:"temp_dir"`
	ListenAddr string `yaml:"listen_addr"`
	Owner      string `yaml:"owner"`

	Encoder            string `yaml:"encoder"`
	Quality            string `yaml:"quality"`
	MicSampleRate      int    `yaml:"mic_sample_rate"`
	FramesPerBuffer    int    `yaml:"frames_per_buffer"`
	PreferBluetoothMic bool   `yaml:"prefer_bluetooth_mic"`
	AddLocation        bool   `yaml:"add_location"`

	WaveformCapacity  int     `yaml:"waveform_capacity"`
	WaveformSmoothing float64 `yaml:"waveform_smoothing"`
	TickInterval      string  `yaml:"tick_interval"`
	AcquireTimeout    string  `yaml:"acquire_timeout"`
	TrashTTL          string  `yaml:"trash_ttl"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`
}

func defaults() Config {
	return Config{
		DBPath:                "data/ghost-recorder.db",
		AudioDir:              "data/audio",
		TempDir:               "data/tmp",
		ListenAddr:            "127.0.0.1:8080",
		Owner:                 "local",
		Encoder:               string(recorder.FormatWAV),
		Quality:               string(recorder.QualityMedium),
		FramesPerBuffer:       1024,
		WaveformCapacity:      waveform.DefaultCapacity,
		WaveformSmoothing:     0.3,
		TickInterval:          stopwatch.DefaultTickInterval.String(),
		AcquireTimeout:        defaultAcquireTimeout.String(),
		TrashTTL:              defaultTrashTTL.String(),
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, and validates the result. It returns the
// config, any validation warnings, and an error if the file exists but cannot
// be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// SettingsLoader returns a loader that re-reads the configuration each time
// it is called, so edits take effect at the next START and never mid-session.
func SettingsLoader(path string) func(ctx context.Context) (recorder.Settings, error) {
	return func(ctx context.Context) (recorder.Settings, error) {
		if err := ctx.Err(); err != nil {
			return recorder.Settings{}, err
		}
		cfg, _, err := Load(path)
		if err != nil {
			return recorder.Settings{}, err
		}
		return cfg.RecorderSettings()
	}
}

// RecorderSettings converts the capture keys into session settings.
func (c *Config) RecorderSettings() (recorder.Settings, error) {
	format, err := recorder.ParseFormat(c.Encoder)
	if err != nil {
		return recorder.Settings{}, err
	}
	quality, err := recorder.ParseQuality(c.Quality)
	if err != nil {
		return recorder.Settings{}, err
	}
	return recorder.Settings{
		Format:             format,
		Quality:            quality,
		SampleRate:         max(c.MicSampleRate, 0),
		PreferBluetoothMic: c.PreferBluetoothMic,
		AddLocation:        c.AddLocation,
	}, nil
}

func (c *Config) ParsedTickInterval() time.Duration {
	return parseDuration(c.TickInterval, stopwatch.DefaultTickInterval)
}

func (c *Config) ParsedAcquireTimeout() time.Duration {
	return parseDuration(c.AcquireTimeout, defaultAcquireTimeout)
}

func (c *Config) ParsedTrashTTL() time.Duration {
	return parseDuration(c.TrashTTL, defaultTrashTTL)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.DBPath, "DB_PATH")
	setString(&cfg.AudioDir, "AUDIO_DIR")
	setString(&cfg.TempDir, "TEMP_DIR")
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Owner, "OWNER")
	setString(&cfg.Encoder, "ENCODER")
	setString(&cfg.Quality, "QUALITY")
	setString(&cfg.TickInterval, "TICK_INTERVAL")
	setString(&cfg.AcquireTimeout, "ACQUIRE_TIMEOUT")
	setString(&cfg.TrashTTL, "TRASH_TTL")
	setString(&cfg.GDriveFolderID, "GDRIVE_FOLDER_ID")
	setString(&cfg.GoogleCredentialsFile, "GOOGLE_CREDENTIALS_FILE")

	setInt(&cfg.MicSampleRate, "MIC_SAMPLE_RATE")
	setInt(&cfg.FramesPerBuffer, "FRAMES_PER_BUFFER")
	setInt(&cfg.WaveformCapacity, "WAVEFORM_CAPACITY")

	if v := os.Getenv(EnvPrefix + "WAVEFORM_SMOOTHING"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.WaveformSmoothing = f
		}
	}
	setBool(&cfg.PreferBluetoothMic, "PREFER_BLUETOOTH_MIC")
	setBool(&cfg.AddLocation, "ADD_LOCATION")
}

func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func validate(cfg *Config) []string {
	var warnings []string

	if _, err := recorder.ParseFormat(cfg.Encoder); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid encoder %q; sessions will fail to start until it is wav or mp3.", cfg.Encoder))
	}
	if _, err := recorder.ParseQuality(cfg.Quality); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid quality %q; sessions will fail to start until it is low, medium or high.", cfg.Quality))
	}
	if cfg.MicSampleRate < 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid mic_sample_rate %d; using the rate implied by quality.", cfg.MicSampleRate))
		cfg.MicSampleRate = 0
	}
	if cfg.FramesPerBuffer <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid frames_per_buffer %d; using default 1024.", cfg.FramesPerBuffer))
		cfg.FramesPerBuffer = 1024
	}
	if cfg.WaveformCapacity <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid waveform_capacity %d; using default %d.", cfg.WaveformCapacity, waveform.DefaultCapacity))
		cfg.WaveformCapacity = waveform.DefaultCapacity
	}
	if cfg.WaveformSmoothing < 0 || cfg.WaveformSmoothing >= 1 {
		warnings = append(warnings, fmt.Sprintf("Invalid waveform_smoothing %g; smoothing disabled.", cfg.WaveformSmoothing))
		cfg.WaveformSmoothing = 0
	}

	for _, d := range []struct {
		key, raw string
		def      time.Duration
	}{
		{"tick_interval", cfg.TickInterval, stopwatch.DefaultTickInterval},
		{"acquire_timeout", cfg.AcquireTimeout, defaultAcquireTimeout},
		{"trash_ttl", cfg.TrashTTL, defaultTrashTTL},
	} {
		if v, err := time.ParseDuration(strings.TrimSpace(d.raw)); err != nil || v <= 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q; using default %s.", d.key, d.raw, d.def))
		}
	}

	if cfg.GDriveFolderID != "" {
		if _, err := os.Stat(cfg.GoogleCredentialsFile); err != nil {
			warnings = append(warnings, fmt.Sprintf("Google credentials file %q not readable; Drive backup is disabled.", cfg.GoogleCredentialsFile))
		}
	}

	return warnings
}

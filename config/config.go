// Package config holds the media core configuration: defaults, an
// optional YAML file and MEDIACORE_* environment overrides, applied in
// that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the complete media core configuration
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Network  NetworkConfig  `yaml:"network"`
	Encoder  EncoderConfig  `yaml:"encoder"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Shm      ShmConfig      `yaml:"shm"`
	Mixer    MixerConfig    `yaml:"mixer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// NetworkConfig contains RTP transport settings
type NetworkConfig struct {
	PollTimeout  time.Duration `yaml:"poll_timeout"`  // socket poll bound, re-checks interruption
	MTU          int           `yaml:"mtu"`           // max RTP datagram size
	RTCPInterval time.Duration `yaml:"rtcp_interval"` // sender report period
}

// EncoderConfig contains the outgoing stream settings
type EncoderConfig struct {
	Codec       string  `yaml:"codec"`     // rawvideo, mjpeg
	Container   string  `yaml:"container"` // rtp
	Bitrate     int     `yaml:"bitrate"`   // kbit/s
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	Framerate   float64 `yaml:"framerate"`
	PayloadType int     `yaml:"payload_type"`
	Parameters  string  `yaml:"parameters"` // codec specific "key=value;..." string
}

// ReceiverConfig contains receive-side recovery settings
type ReceiverConfig struct {
	RestartBudget           int           `yaml:"restart_budget"`             // decoder rebuilds before the loop stops
	KeyFrameRequestInterval time.Duration `yaml:"keyframe_request_interval"` // re-request until the first key frame
}

// ShmConfig contains shared memory sink settings
type ShmConfig struct {
	Prefix      string `yaml:"prefix"`       // segment name prefix
	PixelFormat string `yaml:"pixel_format"` // bgra, rgba, i420
}

// MixerConfig contains conference mixer settings
type MixerConfig struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	Framerate float64 `yaml:"framerate"`
	Layout    string  `yaml:"layout"` // grid, one_big, one_big_with_small
}

// MetricsConfig contains Prometheus exposition settings
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the endpoint
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Network: NetworkConfig{
			PollTimeout:  100 * time.Millisecond,
			MTU:          1200,
			RTCPInterval: 5 * time.Second,
		},
		Encoder: EncoderConfig{
			Codec:       "mjpeg",
			Container:   "rtp",
			Bitrate:     800,
			Width:       640,
			Height:      480,
			Framerate:   30,
			PayloadType: 96,
		},
		Receiver: ReceiverConfig{
			RestartBudget:           5,
			KeyFrameRequestInterval: 500 * time.Millisecond,
		},
		Shm: ShmConfig{
			Prefix:      "mediacore",
			PixelFormat: "bgra",
		},
		Mixer: MixerConfig{
			Width:     640,
			Height:    480,
			Framerate: 30,
			Layout:    "grid",
		},
	}
}

// LoadFile reads a YAML configuration file on top of the defaults, applies
// environment overrides and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "config.LoadFile",
		"path":     path,
	}).Info("Configuration loaded")
	return cfg, nil
}

// ApplyEnv overrides fields from MEDIACORE_* environment variables.
// Unparseable values leave the field unchanged.
func (c *Config) ApplyEnv() {
	c.LogLevel = getEnv("MEDIACORE_LOG_LEVEL", c.LogLevel)

	c.Network.PollTimeout = getDurationEnv("MEDIACORE_POLL_TIMEOUT", c.Network.PollTimeout)
	c.Network.MTU = getIntEnv("MEDIACORE_MTU", c.Network.MTU)
	c.Network.RTCPInterval = getDurationEnv("MEDIACORE_RTCP_INTERVAL", c.Network.RTCPInterval)

	c.Encoder.Codec = getEnv("MEDIACORE_CODEC", c.Encoder.Codec)
	c.Encoder.Container = getEnv("MEDIACORE_CONTAINER", c.Encoder.Container)
	c.Encoder.Bitrate = getIntEnv("MEDIACORE_BITRATE", c.Encoder.Bitrate)
	c.Encoder.Width = getIntEnv("MEDIACORE_WIDTH", c.Encoder.Width)
	c.Encoder.Height = getIntEnv("MEDIACORE_HEIGHT", c.Encoder.Height)
	c.Encoder.Framerate = getFloatEnv("MEDIACORE_FRAMERATE", c.Encoder.Framerate)
	c.Encoder.PayloadType = getIntEnv("MEDIACORE_PAYLOAD_TYPE", c.Encoder.PayloadType)
	c.Encoder.Parameters = getEnv("MEDIACORE_CODEC_PARAMETERS", c.Encoder.Parameters)

	c.Receiver.RestartBudget = getIntEnv("MEDIACORE_RESTART_BUDGET", c.Receiver.RestartBudget)
	c.Receiver.KeyFrameRequestInterval = getDurationEnv("MEDIACORE_KEYFRAME_REQUEST_INTERVAL", c.Receiver.KeyFrameRequestInterval)

	c.Shm.Prefix = getEnv("MEDIACORE_SHM_PREFIX", c.Shm.Prefix)
	c.Shm.PixelFormat = getEnv("MEDIACORE_SHM_PIXEL_FORMAT", c.Shm.PixelFormat)

	c.Mixer.Width = getIntEnv("MEDIACORE_MIXER_WIDTH", c.Mixer.Width)
	c.Mixer.Height = getIntEnv("MEDIACORE_MIXER_HEIGHT", c.Mixer.Height)
	c.Mixer.Framerate = getFloatEnv("MEDIACORE_MIXER_FRAMERATE", c.Mixer.Framerate)
	c.Mixer.Layout = getEnv("MEDIACORE_MIXER_LAYOUT", c.Mixer.Layout)

	c.Metrics.ListenAddr = getEnv("MEDIACORE_METRICS_ADDR", c.Metrics.ListenAddr)
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Network.PollTimeout <= 0 {
		errs = append(errs, errors.New("network.poll_timeout must be positive"))
	}
	if c.Network.MTU < 64 || c.Network.MTU > 8192 {
		errs = append(errs, fmt.Errorf("network.mtu %d out of range [64, 8192]", c.Network.MTU))
	}
	if c.Encoder.Codec == "" || c.Encoder.Container == "" {
		errs = append(errs, errors.New("encoder.codec and encoder.container are required"))
	}
	if c.Encoder.Width <= 0 || c.Encoder.Height <= 0 {
		errs = append(errs, fmt.Errorf("encoder size %dx%d is invalid", c.Encoder.Width, c.Encoder.Height))
	}
	if c.Encoder.Framerate <= 0 {
		errs = append(errs, errors.New("encoder.framerate must be positive"))
	}
	if c.Encoder.PayloadType < 0 || c.Encoder.PayloadType > 127 {
		errs = append(errs, fmt.Errorf("encoder.payload_type %d out of range [0, 127]", c.Encoder.PayloadType))
	}
	if c.Receiver.RestartBudget < 0 {
		errs = append(errs, errors.New("receiver.restart_budget must not be negative"))
	}
	if c.Mixer.Width <= 0 || c.Mixer.Height <= 0 {
		errs = append(errs, fmt.Errorf("mixer size %dx%d is invalid", c.Mixer.Width, c.Mixer.Height))
	}
	switch strings.ToLower(c.Mixer.Layout) {
	case "grid", "one_big", "one_big_with_small":
	default:
		errs = append(errs, fmt.Errorf("mixer.layout %q is unknown", c.Mixer.Layout))
	}
	return errors.Join(errs...)
}

// EncoderArgs returns the configuration map consumed by VideoEncoder and
// VideoSender. Keys the encoder does not know are ignored by it.
func (c *Config) EncoderArgs() map[string]string {
	args := map[string]string{
		"codec":        c.Encoder.Codec,
		"container":    c.Encoder.Container,
		"bitrate":      strconv.Itoa(c.Encoder.Bitrate),
		"width":        strconv.Itoa(c.Encoder.Width),
		"height":       strconv.Itoa(c.Encoder.Height),
		"framerate":    strconv.FormatFloat(c.Encoder.Framerate, 'f', -1, 64),
		"payload_type": strconv.Itoa(c.Encoder.PayloadType),
		"mtu":          strconv.Itoa(c.Network.MTU),
	}
	if c.Encoder.Parameters != "" {
		args["parameters"] = c.Encoder.Parameters
	}
	return args
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

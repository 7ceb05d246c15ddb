package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/stack"
)

type Config struct {
	Radio struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"radio"`
	Network struct {
		DeviceType string  `yaml:"device_type"` // coordinator, router, end_device
		Channels   []uint8 `yaml:"channels"`
		// PanID to form with; 0 picks one at random.
		PanID        uint16 `yaml:"pan_id"`
		ExtPanID     string `yaml:"extended_pan_id"`
		NetworkKey   string `yaml:"network_key"`
		TCLinkKey    string `yaml:"tc_link_key"`
		TrustCenter  *bool  `yaml:"trust_center"`
		Security     *bool  `yaml:"security"`
		PermitJoin   uint8  `yaml:"permit_join"`
		Concentrator bool   `yaml:"concentrator"`
		MaxChildren  int    `yaml:"max_children"`
		MaxRouters   int    `yaml:"max_routers"`
	} `yaml:"network"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Metrics        *bool    `yaml:"metrics"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		// File adds a rotated log file next to stdout.
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Radio.Port == "" {
		return fmt.Errorf("radio.port is required")
	}
	for _, ch := range c.Network.Channels {
		if ch < 11 || ch > 26 {
			return fmt.Errorf("network.channels must be 11-26, got %d", ch)
		}
	}
	if c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0xFFFF")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if _, err := c.stackConfig(); err != nil {
		return err
	}
	return nil
}

// metricsEnabled reports whether /metrics is served; it is on by default.
func (c *Config) metricsEnabled() bool {
	return c.Web.Metrics == nil || *c.Web.Metrics
}

// stackConfig builds the layer configuration from the network section.
func (c *Config) stackConfig() (stack.Config, error) {
	dt, err := nwk.ParseDeviceType(c.Network.DeviceType)
	if err != nil {
		return stack.Config{}, fmt.Errorf("network.device_type: %w", err)
	}
	sc := stack.DefaultConfig(dt)

	if len(c.Network.Channels) > 0 {
		var mask uint32
		for _, ch := range c.Network.Channels {
			mask |= 1 << ch
		}
		sc.NWK.Channels = mask
	}
	sc.NWK.PanID = mac.PanID(c.Network.PanID)
	if c.Network.ExtPanID != "" {
		epid, err := stack.ParseExtPanID(c.Network.ExtPanID)
		if err != nil {
			return stack.Config{}, fmt.Errorf("network.extended_pan_id: %w", err)
		}
		sc.NWK.ExtPanID = epid
	}
	if c.Network.MaxChildren > 0 {
		sc.NWK.MaxChildren = c.Network.MaxChildren
	}
	if c.Network.MaxRouters > 0 {
		sc.NWK.MaxRouters = c.Network.MaxRouters
	}
	sc.NWK.Concentrator = c.Network.Concentrator

	if c.Network.Security != nil {
		sc.NWK.SecurityEnabled = *c.Network.Security
		sc.APS.SecurityEnabled = *c.Network.Security
	}
	if c.Network.TrustCenter != nil {
		sc.TrustCenter = *c.Network.TrustCenter
	}
	if c.Network.TCLinkKey != "" {
		key, err := stack.ParseKey(c.Network.TCLinkKey)
		if err != nil {
			return stack.Config{}, fmt.Errorf("network.tc_link_key: %w", err)
		}
		sc.APS.TCLinkKey = key
	}
	if c.Network.NetworkKey != "" {
		key, err := stack.ParseKey(c.Network.NetworkKey)
		if err != nil {
			return stack.Config{}, fmt.Errorf("network.network_key: %w", err)
		}
		sc.ZDO.NetworkKey = key
	}
	sc.ZDO.PermitJoinDuration = c.Network.PermitJoin

	if err := sc.Validate(); err != nil {
		return stack.Config{}, err
	}
	return sc, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Radio.Baud == 0 {
		cfg.Radio.Baud = 115200
	}
	if cfg.Network.DeviceType == "" {
		cfg.Network.DeviceType = "coordinator"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zigbee-stack.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zigbee-stack"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 50
	}
	return &cfg, nil
}

// newLogger builds the configured logger. The returned closer releases
// the log file, if any.
func newLogger(cfg *Config) (*slog.Logger, io.Closer) {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.Log.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

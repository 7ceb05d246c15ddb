package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/stack"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "radio:\n  port: /dev/ttyACM0\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.validate())

	if cfg.Radio.Baud != 115200 {
		t.Errorf("baud = %d, want 115200", cfg.Radio.Baud)
	}
	require.Equal(t, "coordinator", cfg.Network.DeviceType)
	require.Equal(t, "127.0.0.1:8080", cfg.Web.Listen)
	require.Equal(t, "zigbee-stack.db", cfg.Store.Path)
	require.Equal(t, "zigbee-stack", cfg.MQTT.TopicPrefix)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
	require.True(t, cfg.metricsEnabled())

	sc, err := cfg.stackConfig()
	require.NoError(t, err)
	require.Equal(t, nwk.Coordinator, sc.NWK.DeviceType)
	require.True(t, sc.TrustCenter, "coordinator is the trust center by default")
	require.True(t, sc.NWK.SecurityEnabled)
}

func TestLoadConfigNetwork(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
radio:
  port: /dev/ttyUSB0
  baud: 460800
network:
  device_type: coordinator
  channels: [15, 20]
  pan_id: 0x1A62
  extended_pan_id: "00:12:4B:00:00:00:BE:EF"
  network_key: "000102030405060708090A0B0C0D0E0F"
  permit_join: 60
  concentrator: true
  max_children: 10
web:
  metrics: false
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  discovery: true
`))
	require.NoError(t, err)
	require.NoError(t, cfg.validate())
	require.False(t, cfg.metricsEnabled())
	require.True(t, cfg.MQTT.Discovery)

	sc, err := cfg.stackConfig()
	require.NoError(t, err)
	if want := uint32(1<<15 | 1<<20); sc.NWK.Channels != want {
		t.Errorf("channels = 0x%08X, want 0x%08X", sc.NWK.Channels, want)
	}
	require.Equal(t, mac.PanID(0x1A62), sc.NWK.PanID)
	require.Equal(t, uint64(0x00124B000000BEEF), sc.NWK.ExtPanID)
	require.True(t, sc.NWK.Concentrator)
	require.Equal(t, 10, sc.NWK.MaxChildren)
	require.Equal(t, uint8(60), sc.ZDO.PermitJoinDuration)

	key, err := stack.ParseKey("000102030405060708090A0B0C0D0E0F")
	require.NoError(t, err)
	require.Equal(t, key, sc.ZDO.NetworkKey)
}

func TestLoadConfigSecurityOff(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
radio:
  port: /dev/ttyUSB0
network:
  device_type: router
  security: false
`))
	require.NoError(t, err)
	sc, err := cfg.stackConfig()
	require.NoError(t, err)
	require.Equal(t, nwk.Router, sc.NWK.DeviceType)
	require.False(t, sc.TrustCenter)
	require.False(t, sc.NWK.SecurityEnabled)
	require.False(t, sc.APS.SecurityEnabled)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing port", "network:\n  channels: [11]\n", "radio.port"},
		{"bad channel", "radio:\n  port: x\nnetwork:\n  channels: [27]\n", "11-26"},
		{"broadcast pan", "radio:\n  port: x\nnetwork:\n  pan_id: 0xFFFF\n", "pan_id"},
		{"device type", "radio:\n  port: x\nnetwork:\n  device_type: gateway\n", "unknown device type"},
		{"network key", "radio:\n  port: x\nnetwork:\n  network_key: \"0102\"\n", "network.network_key"},
		{"ext pan id", "radio:\n  port: x\nnetwork:\n  extended_pan_id: zz\n", "network.extended_pan_id"},
		{"router trust center", "radio:\n  port: x\nnetwork:\n  device_type: router\n  trust_center: true\n", "trust center"},
		{"mqtt broker", "radio:\n  port: x\nmqtt:\n  enabled: true\n", "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.body))
			require.NoError(t, err)
			err = cfg.validate()
			require.Error(t, err)
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")

	_, err = loadConfig(writeConfig(t, "radio: [unclosed\n"))
	require.ErrorContains(t, err, "parse config")
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.log")
	cfg := &Config{}
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	cfg.Log.File = path
	cfg.Log.MaxSizeMB = 1

	logger, closer := newLogger(cfg)
	logger.Debug("file logging works", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"file logging works"`)
	require.Contains(t, string(data), `"k":"v"`)
}

func TestNewLoggerLevel(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "warn"
	logger, closer := newLogger(cfg)
	defer closer.Close()
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
}

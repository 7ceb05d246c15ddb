//go:build no_mqtt

package main

import (
	"log/slog"

	"zigbee-go-stack/internal/stack"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *stack.Stack, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}

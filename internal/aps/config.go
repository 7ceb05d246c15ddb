package aps

import (
	"fmt"
	"time"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/security"
)

// Config holds APS tunables.
type Config struct {
	KeyPairSetSize     int
	DuplicateTableSize int
	DuplicateTTL       time.Duration
	AckWaitDuration    time.Duration
	MaxFrameRetries    int
	GroupTableSize     int
	CounterPersistStep uint32

	// TrustCenter is the trust center's extended address. On the trust
	// center itself it is the device's own address; zero on other devices
	// learns it from the first transported network key.
	TrustCenter mac.ExtAddr
	// TCLinkKey is the preconfigured trust center link key.
	TCLinkKey security.Key
	// SecurityEnabled requires link-key protection on key commands.
	SecurityEnabled bool
}

// DefaultConfig returns the ZigBee PRO defaults.
func DefaultConfig() Config {
	return Config{
		KeyPairSetSize:     16,
		DuplicateTableSize: 8,
		DuplicateTTL:       3 * time.Second,
		AckWaitDuration:    1600 * time.Millisecond,
		MaxFrameRetries:    3,
		GroupTableSize:     8,
		CounterPersistStep: 1024,
		TCLinkKey:          security.DefaultTCLinkKey,
		SecurityEnabled:    true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.KeyPairSetSize <= 0 || c.DuplicateTableSize <= 0 || c.GroupTableSize <= 0 {
		return fmt.Errorf("aps config: table sizes must be positive")
	}
	if c.DuplicateTTL <= 0 || c.AckWaitDuration <= 0 {
		return fmt.Errorf("aps config: durations must be positive")
	}
	if c.MaxFrameRetries < 0 {
		return fmt.Errorf("aps config: negative retry count")
	}
	if c.CounterPersistStep == 0 {
		return fmt.Errorf("aps config: counter persist step must be positive")
	}
	if c.SecurityEnabled && c.TCLinkKey.IsZero() {
		return fmt.Errorf("aps config: security enabled without a trust center link key")
	}
	return nil
}

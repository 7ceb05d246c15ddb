package stack

import (
	"encoding/hex"
	"fmt"
	"strings"

	"zigbee-go-stack/internal/aps"
	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/zdo"
)

// Config holds the configuration of every layer.
type Config struct {
	NWK nwk.Config
	APS aps.Config
	ZDO zdo.Config
	// TrustCenter makes a coordinator the network's trust center.
	TrustCenter bool
}

// DefaultConfig returns the defaults for a device of type dt. A
// coordinator is the trust center.
func DefaultConfig(dt nwk.DeviceType) Config {
	return Config{
		NWK:         nwk.DefaultConfig(dt),
		APS:         aps.DefaultConfig(),
		ZDO:         zdo.DefaultConfig(),
		TrustCenter: dt == nwk.Coordinator,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.NWK.Validate(); err != nil {
		return err
	}
	if err := c.APS.Validate(); err != nil {
		return err
	}
	if err := c.ZDO.Validate(); err != nil {
		return err
	}
	if c.TrustCenter && c.NWK.DeviceType != nwk.Coordinator {
		return fmt.Errorf("stack config: only a coordinator can be the trust center")
	}
	if c.NWK.SecurityEnabled != c.APS.SecurityEnabled {
		return fmt.Errorf("stack config: nwk and aps security settings differ")
	}
	return nil
}

func parseHex(s string, n int) ([]byte, error) {
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("must be %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// ParseExtAddr parses "DD:DD:DD:DD:DD:DD:DD:DD" or "DDDDDDDDDDDDDDDD",
// most significant byte first.
func ParseExtAddr(s string) (mac.ExtAddr, error) {
	b, err := parseHex(s, 8)
	if err != nil {
		return 0, fmt.Errorf("parse extended address: %w", err)
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return mac.ExtAddr(v), nil
}

// ParseExtPanID parses an extended PAN ID written like an extended
// address.
func ParseExtPanID(s string) (uint64, error) {
	e, err := ParseExtAddr(s)
	return uint64(e), err
}

// ParseKey parses a 128-bit key in hex, optionally colon separated.
func ParseKey(s string) (security.Key, error) {
	var k security.Key
	b, err := parseHex(s, len(k))
	if err != nil {
		return k, fmt.Errorf("parse key: %w", err)
	}
	copy(k[:], b)
	return k, nil
}

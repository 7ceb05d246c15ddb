package nwk

import (
	"fmt"
	"time"

	"zigbee-go-stack/internal/mac"
)

// DeviceType is the ZigBee logical device type.
type DeviceType uint8

const (
	Coordinator DeviceType = iota
	Router
	EndDevice
)

func (d DeviceType) String() string {
	switch d {
	case Coordinator:
		return "coordinator"
	case Router:
		return "router"
	case EndDevice:
		return "end_device"
	default:
		return fmt.Sprintf("device_type_%d", uint8(d))
	}
}

// ParseDeviceType parses the names produced by String.
func ParseDeviceType(s string) (DeviceType, error) {
	switch s {
	case "coordinator":
		return Coordinator, nil
	case "router":
		return Router, nil
	case "end_device", "enddevice":
		return EndDevice, nil
	}
	return 0, fmt.Errorf("nwk: unknown device type %q", s)
}

// PacketLimits caps how many pool buffers each packet type may hold.
type PacketLimits struct {
	Input    int `yaml:"input"`
	Output   int `yaml:"output"`
	Transit  int `yaml:"transit"`
	Loopback int `yaml:"loopback"`
	Extern   int `yaml:"extern"`
}

// Total is the pool size.
func (p PacketLimits) Total() int {
	return p.Input + p.Output + p.Transit + p.Loopback + p.Extern
}

// Config holds NWK tunables.
type Config struct {
	DeviceType   DeviceType
	Channels     uint32
	ScanDuration uint8
	// ExtPanID to form or join; zero forms with the device's own extended
	// address and joins any network.
	ExtPanID uint64
	// PanID to form with; zero picks one at random.
	PanID mac.PanID

	MaxDepth    uint8
	MaxChildren int
	MaxRouters  int

	Packets      PacketLimits
	MaxFrameSize int

	BTTSize               int
	BroadcastDeliveryTime time.Duration
	MaxBroadcastJitter    time.Duration
	BroadcastRetries      int
	PassiveAckTimeout     time.Duration

	AddressMapSize      int
	NeighborTableSize   int
	LinkStatusPeriod    time.Duration
	NeighborAgeLimit    int
	RoutingTableSize    int
	FailOrder           int
	RouteCacheSize      int
	MaxSourceRouteHops  int
	DiscoveryTableSize  int
	RouteDiscoveryTime  time.Duration
	RouteRequestRetries int
	RREQRetryInterval   time.Duration
	PendingPackets      int

	Concentrator         bool
	ConcentratorRadius   uint8
	ConcentratorInterval time.Duration

	PanIDRangeMin mac.PanID
	PanIDRangeMax mac.PanID

	ConflictRetries      int
	ConflictRetryBackoff time.Duration

	SecurityEnabled    bool
	CounterPersistStep uint32

	JoinTimeout time.Duration
}

// DefaultConfig returns the ZigBee PRO defaults for a device of type dt.
func DefaultConfig(dt DeviceType) Config {
	return Config{
		DeviceType:   dt,
		Channels:     1 << 11,
		ScanDuration: 3,

		MaxDepth:    15,
		MaxChildren: 20,
		MaxRouters:  6,

		Packets:      PacketLimits{Input: 4, Output: 4, Transit: 4, Loopback: 1, Extern: 4},
		MaxFrameSize: 127,

		BTTSize:               16,
		BroadcastDeliveryTime: 9 * time.Second,
		MaxBroadcastJitter:    64 * time.Millisecond,
		BroadcastRetries:      2,
		PassiveAckTimeout:     500 * time.Millisecond,

		AddressMapSize:      16,
		NeighborTableSize:   16,
		LinkStatusPeriod:    15 * time.Second,
		NeighborAgeLimit:    3,
		RoutingTableSize:    16,
		FailOrder:           3,
		RouteCacheSize:      8,
		MaxSourceRouteHops:  8,
		DiscoveryTableSize:  8,
		RouteDiscoveryTime:  10 * time.Second,
		RouteRequestRetries: 2,
		RREQRetryInterval:   254 * time.Millisecond,
		PendingPackets:      4,

		ConcentratorRadius:   10,
		ConcentratorInterval: 60 * time.Second,

		PanIDRangeMin: 0x0001,
		PanIDRangeMax: 0x3FFF,

		ConflictRetries:      3,
		ConflictRetryBackoff: 100 * time.Millisecond,

		SecurityEnabled:    true,
		CounterPersistStep: 1024,

		JoinTimeout: 5 * time.Second,
	}
}

// MaxRadius is the default radius of originated frames.
func (c Config) MaxRadius() uint8 {
	return 2 * c.MaxDepth
}

// Validate checks the configuration for values the tables cannot work with.
func (c Config) Validate() error {
	if c.DeviceType > EndDevice {
		return fmt.Errorf("nwk config: unknown device type %d", c.DeviceType)
	}
	if c.Packets.Total() == 0 {
		return fmt.Errorf("nwk config: empty packet pool")
	}
	if c.BTTSize <= 0 || c.AddressMapSize <= 0 || c.NeighborTableSize <= 0 || c.RoutingTableSize <= 0 {
		return fmt.Errorf("nwk config: table sizes must be positive")
	}
	if c.NeighborTableSize > 64 {
		return fmt.Errorf("nwk config: neighbor table size %d exceeds the passive ack mask", c.NeighborTableSize)
	}
	if c.RouteCacheSize <= 0 || c.DiscoveryTableSize <= 0 {
		return fmt.Errorf("nwk config: route cache and discovery table sizes must be positive")
	}
	if c.FailOrder < 0 {
		return fmt.Errorf("nwk config: negative fail order")
	}
	if c.PanIDRangeMin == 0 || c.PanIDRangeMin > c.PanIDRangeMax || c.PanIDRangeMax >= 0xFFFF {
		return fmt.Errorf("nwk config: bad PAN ID range %s-%s", c.PanIDRangeMin, c.PanIDRangeMax)
	}
	if c.Channels&mac.AllChannels == 0 {
		return fmt.Errorf("nwk config: no 2.4 GHz channel in mask 0x%08X", c.Channels)
	}
	if c.CounterPersistStep == 0 {
		return fmt.Errorf("nwk config: counter persist step must be positive")
	}
	return nil
}

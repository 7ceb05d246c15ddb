package stack

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventNetworkState   = "network_state"
	EventDeviceJoined   = "device_joined"
	EventDeviceLeft     = "device_left"
	EventDeviceAnnounce = "device_announce"
	EventKeySwitched    = "key_switched"
	EventNetworkStatus  = "network_status"
	EventPanIDChanged   = "pan_id_changed"
	EventData           = "data"
	EventFatal          = "fatal"
)

// Event is a stack notification. Data holds one of the *Event payload
// types below.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// NetworkStateEvent reports a ZDO state change.
type NetworkStateEvent struct {
	State     string `json:"state"`
	ShortAddr string `json:"short_addr"`
	PanID     string `json:"pan_id"`
	Channel   uint8  `json:"channel"`
}

// DeviceEvent reports a device joining, leaving or announcing itself.
type DeviceEvent struct {
	ExtAddr   string `json:"ext_addr"`
	ShortAddr string `json:"short_addr"`
	Parent    string `json:"parent,omitempty"`
	Rejoin    bool   `json:"rejoin,omitempty"`
}

// KeySwitchedEvent reports a new active network key.
type KeySwitchedEvent struct {
	Seq uint8 `json:"seq"`
}

// NetworkStatusEvent reports a received NWK status command.
type NetworkStatusEvent struct {
	Code string `json:"code"`
	Addr string `json:"addr"`
}

// PanIDChangedEvent reports a PAN ID change after a conflict.
type PanIDChangedEvent struct {
	PanID string `json:"pan_id"`
}

// DataEvent reports an application frame received on a registered
// endpoint.
type DataEvent struct {
	SrcAddr     string `json:"src_addr"`
	SrcEndpoint uint8  `json:"src_endpoint"`
	DstEndpoint uint8  `json:"dst_endpoint"`
	ProfileID   uint16 `json:"profile_id"`
	ClusterID   uint16 `json:"cluster_id"`
	Payload     []byte `json:"payload"`
	Secured     bool   `json:"secured"`
}

// FatalEvent reports an unrecoverable error before the reset hook runs.
type FatalEvent struct {
	Code string `json:"code"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for stack events. Events are emitted on the
// stack goroutine, so handlers must not block.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

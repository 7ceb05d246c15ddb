//go:build !no_mqtt

// Package mqtt bridges stack events and management requests to an MQTT
// broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/stack"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	// Discovery publishes Home Assistant discovery messages.
	Discovery bool
}

// Backend is the stack as seen by the bridge. *stack.Stack implements it.
type Backend interface {
	Snapshot(ctx context.Context) (stack.Snapshot, error)
	PermitJoin(ctx context.Context, seconds uint8) error
	RotateNetworkKey(ctx context.Context, key security.Key) error
	RemoveDevice(ctx context.Context, ext mac.ExtAddr) error
	Events() *stack.EventBus
}

// client is the part of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// bridgeInfo is the retained summary on <prefix>/bridge/info.
type bridgeInfo struct {
	ExtAddr       string `json:"ext_addr"`
	DeviceType    string `json:"device_type"`
	State         string `json:"state"`
	Joined        bool   `json:"joined"`
	PanID         string `json:"pan_id"`
	ExtPanID      string `json:"ext_pan_id"`
	Channel       uint8  `json:"channel"`
	PermitJoining bool   `json:"permit_joining"`
	KeySeq        *uint8 `json:"key_seq,omitempty"`
	Devices       int    `json:"devices"`
}

// deviceState is the retained payload on <prefix>/devices/<ext>.
type deviceState struct {
	ExtAddr   string `json:"ext_addr"`
	ShortAddr string `json:"short_addr"`
	Parent    string `json:"parent,omitempty"`
	State     string `json:"state"`
	LastSeen  string `json:"last_seen"`
}

// Bridge publishes stack events to MQTT and executes requests received on
// <prefix>/bridge/request/<name>.
type Bridge struct {
	client    client
	backend   Backend
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	localExt  string
	published map[string]bool // ext -> device discovery sent
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(backend Backend, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(backend, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zigbee-go-stack"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	// The connect handler may fire before Connect returns.
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(backend Backend, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "zigbee-stack"
	}
	return &Bridge{
		backend:   backend,
		prefix:    prefix,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
		ctx:       ctx,
		cancel:    cancel,
		published: make(map[string]bool),
	}
}

// Start subscribes to stack events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.backend.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.subscribeRequests()
	b.refreshInfo()
}

// handleEvent runs on the stack goroutine; anything that needs a snapshot
// is moved off it.
func (b *Bridge) handleEvent(event stack.Event) {
	b.publish(b.prefix+"/events/"+event.Type, mustJSON(event), false)

	switch event.Type {
	case stack.EventDeviceJoined, stack.EventDeviceAnnounce:
		if dev, ok := event.Data.(stack.DeviceEvent); ok {
			b.publishDevice(dev, "joined", event.Time)
		}
		b.refreshInfo()
	case stack.EventDeviceLeft:
		if dev, ok := event.Data.(stack.DeviceEvent); ok {
			b.removeDevice(dev.ExtAddr)
		}
		b.refreshInfo()
	case stack.EventNetworkState, stack.EventKeySwitched, stack.EventPanIDChanged:
		b.refreshInfo()
	}
}

func (b *Bridge) publishDevice(dev stack.DeviceEvent, state string, seen time.Time) {
	ds := deviceState{
		ExtAddr:   dev.ExtAddr,
		ShortAddr: dev.ShortAddr,
		Parent:    dev.Parent,
		State:     state,
		LastSeen:  seen.Format(time.RFC3339),
	}
	b.publish(deviceTopic(b.prefix, dev.ExtAddr), mustJSON(ds), true)

	if !b.discovery {
		return
	}
	b.mu.Lock()
	via := b.localExt
	first := !b.published[dev.ExtAddr]
	b.published[dev.ExtAddr] = true
	b.mu.Unlock()
	if first {
		for _, msg := range buildDeviceDiscovery(ds, via, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
}

func (b *Bridge) removeDevice(ext string) {
	// Empty retained payload clears the topic.
	b.publish(deviceTopic(b.prefix, ext), nil, true)
	if !b.discovery {
		return
	}
	for _, msg := range buildRemoveDiscovery(ext) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.mu.Lock()
	delete(b.published, ext)
	b.mu.Unlock()
}

// refreshInfo publishes the bridge info from a fresh snapshot.
func (b *Bridge) refreshInfo() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
		defer cancel()
		snap, err := b.backend.Snapshot(ctx)
		if err != nil {
			if b.ctx.Err() == nil {
				b.logger.Warn("snapshot for bridge info", "err", err)
			}
			return
		}
		b.publishInfo(snap)
	}()
}

func (b *Bridge) publishInfo(snap stack.Snapshot) {
	info := bridgeInfo{
		ExtAddr:       snap.ExtAddr,
		DeviceType:    snap.DeviceType,
		State:         snap.State,
		Joined:        snap.Joined,
		PanID:         snap.PanID,
		ExtPanID:      snap.ExtPanID,
		Channel:       snap.Channel,
		PermitJoining: snap.PermitJoining,
		KeySeq:        snap.KeySeq,
		Devices:       len(snap.Devices),
	}
	b.publish(b.prefix+"/bridge/info", mustJSON(info), true)

	b.mu.Lock()
	first := b.localExt == ""
	b.localExt = snap.ExtAddr
	b.mu.Unlock()
	if b.discovery && first {
		for _, msg := range buildStackDiscovery(info, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "ext", snap.ExtAddr)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) subscribeRequests() {
	topic := b.prefix + "/bridge/request/+"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		name := strings.TrimPrefix(msg.Topic(), b.prefix+"/bridge/request/")
		b.handleRequest(name, msg.Payload())
	})
}

type permitJoinRequest struct {
	Duration uint8 `json:"duration"`
}

type rotateKeyRequest struct {
	Key string `json:"key"`
}

type removeRequest struct {
	ExtAddr string `json:"ext_addr"`
}

type response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleRequest executes a management request and answers on
// <prefix>/bridge/response/<name>.
func (b *Bridge) handleRequest(name string, payload []byte) {
	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()

	var err error
	switch name {
	case "permit_join":
		var req permitJoinRequest
		if err = json.Unmarshal(payload, &req); err == nil {
			err = b.backend.PermitJoin(ctx, req.Duration)
		}
	case "rotate_key":
		var req rotateKeyRequest
		if len(payload) > 0 {
			err = json.Unmarshal(payload, &req)
		}
		var key security.Key
		if err == nil && req.Key != "" {
			key, err = stack.ParseKey(req.Key)
		}
		if err == nil {
			err = b.backend.RotateNetworkKey(ctx, key)
		}
	case "remove":
		var req removeRequest
		var ext mac.ExtAddr
		if err = json.Unmarshal(payload, &req); err == nil {
			ext, err = stack.ParseExtAddr(req.ExtAddr)
		}
		if err == nil {
			err = b.backend.RemoveDevice(ctx, ext)
		}
	default:
		b.logger.Warn("unknown bridge request", "name", name)
		return
	}

	resp := response{Status: "ok"}
	if err != nil {
		b.logger.Warn("bridge request failed", "name", name, "err", err)
		resp = response{Status: "error", Error: err.Error()}
	}
	b.publish(b.prefix+"/bridge/response/"+name, mustJSON(resp), false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func deviceTopic(prefix, ext string) string {
	return prefix + "/devices/" + ext
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

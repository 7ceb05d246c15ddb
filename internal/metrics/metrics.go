// Package metrics exports stack statistics to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"zigbee-go-stack/internal/stack"
)

const namespace = "zigbee"

// Source provides stack snapshots. *stack.Stack implements it.
type Source interface {
	Snapshot(ctx context.Context) (stack.Snapshot, error)
}

// Collector reads a snapshot on every scrape and counts stack events as
// they are emitted.
type Collector struct {
	source  Source
	timeout time.Duration
	logger  *slog.Logger

	up       *prometheus.Desc
	joined   *prometheus.Desc
	counters *prometheus.Desc
	tables   *prometheus.Desc
	devices  *prometheus.Desc
	keySeq   *prometheus.Desc

	events *prometheus.CounterVec
}

// NewCollector creates a collector over source.
func NewCollector(source Source, logger *slog.Logger) *Collector {
	return &Collector{
		source:  source,
		timeout: 2 * time.Second,
		logger:  logger.With("component", "metrics"),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "stack", "up"),
			"Whether the last snapshot of the stack succeeded",
			nil, nil,
		),
		joined: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "network", "joined"),
			"Whether the device is on a network",
			[]string{"device_type", "state"}, nil,
		),
		counters: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "stack", "frames_total"),
			"Cumulative layer statistics",
			[]string{"layer", "counter"}, nil,
		),
		tables: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "table", "entries"),
			"Number of used table entries",
			[]string{"table"}, nil,
		),
		devices: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "trust_center", "devices"),
			"Devices tracked by the trust center",
			[]string{"authorized"}, nil,
		),
		keySeq: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "security", "network_key_seq"),
			"Sequence number of the active network key",
			nil, nil,
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Stack events by type",
			},
			[]string{"type"},
		),
	}
}

// Observe counts events emitted on bus. It returns the unsubscribe
// function.
func (c *Collector) Observe(bus *stack.EventBus) func() {
	return bus.OnAll(func(e stack.Event) {
		c.events.WithLabelValues(e.Type).Inc()
	})
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.joined
	ch <- c.counters
	ch <- c.tables
	ch <- c.devices
	ch <- c.keySeq
	c.events.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.events.Collect(ch)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		c.logger.Warn("snapshot for scrape", "err", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.joined, prometheus.GaugeValue, boolValue(snap.Joined), snap.DeviceType, snap.State)
	if snap.KeySeq != nil {
		ch <- prometheus.MustNewConstMetric(c.keySeq, prometheus.GaugeValue, float64(*snap.KeySeq))
	}

	for _, v := range nwkCounters(snap.Counters) {
		ch <- prometheus.MustNewConstMetric(c.counters, prometheus.CounterValue, float64(v.value), "nwk", v.name)
	}
	for _, v := range apsCounters(snap.Counters) {
		ch <- prometheus.MustNewConstMetric(c.counters, prometheus.CounterValue, float64(v.value), "aps", v.name)
	}

	ch <- prometheus.MustNewConstMetric(c.tables, prometheus.GaugeValue, float64(len(snap.Routes)), "routing")
	ch <- prometheus.MustNewConstMetric(c.tables, prometheus.GaugeValue, float64(len(snap.Neighbors)), "neighbor")
	ch <- prometheus.MustNewConstMetric(c.tables, prometheus.GaugeValue, float64(len(snap.AddressMap)), "address_map")

	var authorized, pending int
	for _, d := range snap.Devices {
		if d.Authorized {
			authorized++
		} else {
			pending++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue, float64(authorized), "true")
	ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue, float64(pending), "false")
}

type namedCounter struct {
	name  string
	value uint64
}

func nwkCounters(c stack.Counters) []namedCounter {
	n := c.NWK
	return []namedCounter{
		{"tx_frames", n.TxFrames},
		{"tx_failures", n.TxFailures},
		{"rx_frames", n.RxFrames},
		{"relayed", n.Relayed},
		{"broadcasts_relayed", n.BroadcastsRelayed},
		{"duplicates", n.Duplicates},
		{"dropped", n.Dropped},
		{"security_failures", n.SecurityFailures},
		{"replays", n.Replays},
		{"route_failures", n.RouteFailures},
		{"discoveries", n.Discoveries},
		{"address_conflicts", n.AddressConflicts},
		{"pan_id_conflicts", n.PanIDConflicts},
	}
}

func apsCounters(c stack.Counters) []namedCounter {
	a := c.APS
	return []namedCounter{
		{"tx_frames", a.TxFrames},
		{"rx_frames", a.RxFrames},
		{"duplicates", a.Duplicates},
		{"dropped", a.Dropped},
		{"security_failures", a.SecurityFailures},
		{"replays", a.Replays},
		{"ack_timeouts", a.AckTimeouts},
		{"retries", a.Retries},
		{"tunneled", a.Tunneled},
		{"keys_transported", a.KeysTransported},
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewRegistry returns a registry holding c and the Go runtime collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

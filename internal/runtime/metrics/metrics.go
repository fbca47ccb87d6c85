// Package metrics exposes Prometheus collectors for credit bridges.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Settlement outcomes used as the "outcome" label.
const (
	OutcomeAcked  = "acked"
	OutcomeNacked = "nacked"
)

// BridgeMetrics tracks credit and settlement statistics per channel. A nil
// *BridgeMetrics is valid and records nothing.
type BridgeMetrics struct {
	mu sync.RWMutex

	channels map[string]*ChannelStats

	// Prometheus collectors
	settledTotal         *prometheus.CounterVec
	retriesTotal         *prometheus.CounterVec
	creditExhaustedTotal *prometheus.CounterVec
	addressFallbackTotal *prometheus.CounterVec
	creditGrant          *prometheus.GaugeVec
	inflight             *prometheus.GaugeVec
	sendSeconds          *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// ChannelStats holds the in-process view of one channel.
type ChannelStats struct {
	Acked            uint64    `json:"acked"`
	Nacked           uint64    `json:"nacked"`
	Retries          uint64    `json:"retries"`
	CreditExhausted  uint64    `json:"credit_exhausted"`
	AddressFallbacks uint64    `json:"address_fallbacks"`
	LastGrant        int64     `json:"last_grant"`
	Inflight         int64     `json:"inflight"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// Snapshot provides a point-in-time view of every channel.
type Snapshot struct {
	TotalAcked  uint64                   `json:"total_acked"`
	TotalNacked uint64                   `json:"total_nacked"`
	Channels    map[string]*ChannelStats `json:"channels"`
	CollectedAt time.Time                `json:"collected_at"`
}

// newBridgeCounterVec creates a counter vec with the creditflow/bridge namespace.
func newBridgeCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditflow",
			Subsystem: "bridge",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newBridgeGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "creditflow",
			Subsystem: "bridge",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newBridgeHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "creditflow",
			Subsystem: "bridge",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewBridgeMetrics creates the collectors. A nil registerer selects the
// Prometheus default registerer.
func NewBridgeMetrics(registerer prometheus.Registerer) *BridgeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	channel := []string{"channel"}
	return &BridgeMetrics{
		channels:             make(map[string]*ChannelStats),
		registerer:           registerer,
		settledTotal:         newBridgeCounterVec("settled_total", "Messages settled by the bridge, by outcome", []string{"channel", "outcome"}),
		retriesTotal:         newBridgeCounterVec("retries_total", "Send attempts retried after a transient failure", channel),
		creditExhaustedTotal: newBridgeCounterVec("credit_exhausted_total", "Times the bridge ran out of transport credit", channel),
		addressFallbackTotal: newBridgeCounterVec("address_fallback_total", "Message addresses replaced by the configured address", channel),
		creditGrant:          newBridgeGaugeVec("credit_grant", "Last credit grant observed from the transport", channel),
		inflight:             newBridgeGaugeVec("inflight", "Messages received from upstream and not yet settled", channel),
		sendSeconds:          newBridgeHistogramVec("send_duration_seconds", "Time from first send attempt to settlement", prometheus.DefBuckets, channel),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *BridgeMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.settledTotal,
		m.retriesTotal,
		m.creditExhaustedTotal,
		m.addressFallbackTotal,
		m.creditGrant,
		m.inflight,
		m.sendSeconds,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordSettled records the final outcome of a message.
func (m *BridgeMetrics) RecordSettled(channel, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats(channel)
	switch outcome {
	case OutcomeAcked:
		stats.Acked++
	case OutcomeNacked:
		stats.Nacked++
	}

	m.settledTotal.WithLabelValues(channel, outcome).Inc()
	m.sendSeconds.WithLabelValues(channel).Observe(elapsed.Seconds())
}

func (m *BridgeMetrics) RecordRetry(channel string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats(channel).Retries++
	m.retriesTotal.WithLabelValues(channel).Inc()
}

func (m *BridgeMetrics) RecordCreditExhausted(channel string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats(channel).CreditExhausted++
	m.creditExhaustedTotal.WithLabelValues(channel).Inc()
}

func (m *BridgeMetrics) RecordAddressFallback(channel string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats(channel).AddressFallbacks++
	m.addressFallbackTotal.WithLabelValues(channel).Inc()
}

// SetCredit records the last grant observed from the transport.
func (m *BridgeMetrics) SetCredit(channel string, grant int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats(channel).LastGrant = grant
	m.creditGrant.WithLabelValues(channel).Set(float64(grant))
}

func (m *BridgeMetrics) SetInflight(channel string, inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats(channel).Inflight = inflight
	m.inflight.WithLabelValues(channel).Set(float64(inflight))
}

// GetSnapshot returns a copy of every channel's statistics.
func (m *BridgeMetrics) GetSnapshot() Snapshot {
	snapshot := Snapshot{
		Channels:    make(map[string]*ChannelStats),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for channel, stats := range m.channels {
		statsCopy := *stats
		snapshot.Channels[channel] = &statsCopy
		snapshot.TotalAcked += stats.Acked
		snapshot.TotalNacked += stats.Nacked
	}
	return snapshot
}

// GetChannelStats returns a copy of one channel's statistics, or nil.
func (m *BridgeMetrics) GetChannelStats(channel string) *ChannelStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stats, ok := m.channels[channel]; ok {
		statsCopy := *stats
		return &statsCopy
	}
	return nil
}

func (m *BridgeMetrics) stats(channel string) *ChannelStats {
	stats, ok := m.channels[channel]
	if !ok {
		stats = &ChannelStats{}
		m.channels[channel] = stats
	}
	stats.LastUpdatedAt = time.Now()
	return stats
}

// Reset resets all metrics (useful for testing).
func (m *BridgeMetrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels = make(map[string]*ChannelStats)
	m.settledTotal.Reset()
	m.retriesTotal.Reset()
	m.creditExhaustedTotal.Reset()
	m.addressFallbackTotal.Reset()
	m.creditGrant.Reset()
	m.inflight.Reset()
	m.sendSeconds.Reset()
}

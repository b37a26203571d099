package monitoring

import (
	"context"
	"sync"
	"time"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stagewire"

// Collector records session, signaling and relay metrics. Every Observe
// method matches the observer hook of the component it is attached to.
type Collector struct {
	consumersActive  *prometheus.GaugeVec
	producersActive  *prometheus.GaugeVec
	peersEstablished prometheus.Gauge
	lifecycleEvents  *prometheus.CounterVec
	directoryEvents  *prometheus.CounterVec
	signalRequests   *prometheus.HistogramVec
	relayMessages    *prometheus.CounterVec
	mediaBytes       *prometheus.CounterVec
	registerer       prometheus.Registerer

	mu        sync.Mutex
	consumers map[domain.ConsumerID]domain.MediaKind
	producers map[domain.ProducerID]domain.MediaKind
	peers     map[domain.ParticipantID]struct{}
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		consumersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers_active",
			Help:      "Number of consumed remote producers",
		}, []string{"kind"}),

		producersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "producers_active",
			Help:      "Number of local producers on the send transport",
		}, []string{"kind"}),

		peersEstablished: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_connections_established",
			Help:      "Number of established P2P connections",
		}),

		lifecycleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events emitted by the session",
		}, []string{"event"}),

		directoryEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_events_total",
			Help:      "Directory change events received",
		}, []string{"event"}),

		signalRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_request_duration_seconds",
			Help:      "Duration of signaling requests",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"method", "outcome"}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "P2P messages handled by the signaling relay",
		}, []string{"event", "outcome"}),

		mediaBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_received_bytes_total",
			Help:      "RTP payload bytes received",
		}, []string{"kind"}),

		registerer: reg,
		consumers:  make(map[domain.ConsumerID]domain.MediaKind),
		producers:  make(map[domain.ProducerID]domain.MediaKind),
		peers:      make(map[domain.ParticipantID]struct{}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveLifecycle counts ev and keeps the active gauges. Gauges follow IDs,
// so repeated or unmatched removals leave them untouched.
func (c *Collector) ObserveLifecycle(ev domain.LifecycleEvent) {
	c.lifecycleEvents.WithLabelValues(ev.Kind.String()).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case domain.ConsumerAdded:
		if _, ok := c.consumers[ev.ConsumerID]; !ok {
			c.consumers[ev.ConsumerID] = ev.MediaKind
			c.consumersActive.WithLabelValues(string(ev.MediaKind)).Inc()
		}
	case domain.ConsumerRemoved:
		if kind, ok := c.consumers[ev.ConsumerID]; ok {
			delete(c.consumers, ev.ConsumerID)
			c.consumersActive.WithLabelValues(string(kind)).Dec()
		}
	case domain.LocalProducerAdded:
		if _, ok := c.producers[ev.ProducerID]; !ok {
			c.producers[ev.ProducerID] = ev.MediaKind
			c.producersActive.WithLabelValues(string(ev.MediaKind)).Inc()
		}
	case domain.LocalProducerRemoved:
		if kind, ok := c.producers[ev.ProducerID]; ok {
			delete(c.producers, ev.ProducerID)
			c.producersActive.WithLabelValues(string(kind)).Dec()
		}
	case domain.PeerEstablished:
		if _, ok := c.peers[ev.ParticipantID]; !ok {
			c.peers[ev.ParticipantID] = struct{}{}
			c.peersEstablished.Inc()
		}
	case domain.PeerClosed:
		if _, ok := c.peers[ev.ParticipantID]; ok {
			delete(c.peers, ev.ParticipantID)
			c.peersEstablished.Dec()
		}
	}
}

func (c *Collector) ObserveDirectoryEvent(ev domain.DirectoryEvent) {
	c.directoryEvents.WithLabelValues(ev.Kind.String()).Inc()
}

func (c *Collector) ObserveSignalRequest(method domain.Method, elapsed time.Duration, err error) {
	c.signalRequests.WithLabelValues(string(method), outcome(err)).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveRelay(event domain.SignalEvent, err error) {
	c.relayMessages.WithLabelValues(string(event), outcome(err)).Inc()
}

func (c *Collector) ObserveMediaBytes(kind domain.MediaKind, n int) {
	c.mediaBytes.WithLabelValues(string(kind)).Add(float64(n))
}

// RegisterConnections exports the relay's live connection count.
func (c *Collector) RegisterConnections(count func() int) {
	promauto.With(c.registerer).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "relay_connections",
		Help:      "Participants connected to the signaling relay",
	}, func() float64 { return float64(count()) })
}

// InstrumentDirectory counts the events flowing out of dir's subscriptions.
func (c *Collector) InstrumentDirectory(dir ports.Directory) ports.Directory {
	return &instrumentedDirectory{Directory: dir, collector: c}
}

type instrumentedDirectory struct {
	ports.Directory
	collector *Collector
}

func (d *instrumentedDirectory) Subscribe(ctx context.Context) (<-chan domain.DirectoryEvent, error) {
	in, err := d.Directory.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.DirectoryEvent)
	go func() {
		defer close(out)
		for ev := range in {
			d.collector.ObserveDirectoryEvent(ev)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

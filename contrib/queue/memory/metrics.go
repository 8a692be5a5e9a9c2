package memory

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	sentTotal     prometheus.Counter
	receivedTotal prometheus.Counter
	rejectedTotal prometheus.Counter
	depth         prometheus.GaugeFunc

	inflight atomic.Int64 // sends started, minus rejections and receives
	closed   atomic.Bool
}

// newMetrics returns nil when no registerer is configured; every method
// accepts a nil receiver.
func newMetrics(cfg Config) (*metrics, error) {
	if cfg.Registerer == nil {
		return nil, nil
	}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Name,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"mode": cfg.Mode.String()},
		}
	}
	m := &metrics{
		sentTotal:     prometheus.NewCounter(prometheus.CounterOpts(opts("sent_total", "Messages accepted by the channel."))),
		receivedTotal: prometheus.NewCounter(prometheus.CounterOpts(opts("received_total", "Messages taken off the channel."))),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts(opts("rejected_total", "Sends refused because the channel was closed."))),
	}
	m.depth = prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts("depth", "Messages sent but not yet received.")), m.pending)
	for _, c := range []prometheus.Collector{m.sentTotal, m.receivedTotal, m.rejectedTotal, m.depth} {
		if err := cfg.Registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// pending is zero once the consumer is closed: whatever was buffered is gone.
func (m *metrics) pending() float64 {
	if m.closed.Load() {
		return 0
	}
	return float64(max(m.inflight.Load(), 0))
}

// sending is counted before the channel send so a rendezvous receive never
// overtakes it.
func (m *metrics) sending() {
	if m == nil {
		return
	}
	m.inflight.Add(1)
}

func (m *metrics) sent() {
	if m == nil {
		return
	}
	m.sentTotal.Inc()
}

func (m *metrics) received() {
	if m == nil {
		return
	}
	m.receivedTotal.Inc()
	m.inflight.Add(-1)
}

func (m *metrics) rejected() {
	if m == nil {
		return
	}
	m.rejectedTotal.Inc()
	m.inflight.Add(-1)
}

func (m *metrics) drained() {
	if m == nil {
		return
	}
	m.closed.Store(true)
}

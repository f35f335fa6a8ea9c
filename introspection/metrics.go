package introspection

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hamicek/nexus/event"
)

// Metrics bridges the lifecycle-event stream and the local server table into
// Prometheus collectors. Registration is entirely opt-in: a node constructed
// without a Registerer pays nothing, and the embedding application decides
// whether and where /metrics is served.
type Metrics struct {
	serversRunning prometheus.GaugeFunc
	starts         prometheus.Counter
	crashes        prometheus.Counter
	restarts       prometheus.Counter
	nodeDowns      prometheus.Counter

	sub *event.Subscription
}

// NewMetrics registers nexus collectors with reg and starts consuming the
// lifecycle stream. Call Close to unsubscribe.
func NewMetrics(reg prometheus.Registerer, bus *event.Bus, collector *Collector) (*Metrics, error) {
	if bus == nil {
		bus = event.Default
	}
	m := &Metrics{
		serversRunning: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "nexus_servers_running",
			Help: "Number of locally addressable servers.",
		}, func() float64 { return float64(collector.local.Count()) }),
		starts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_server_starts_total",
			Help: "Servers started on this node.",
		}),
		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_server_crashes_total",
			Help: "Servers crashed on this node.",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_supervisor_restarts_total",
			Help: "Children restarted by supervisors on this node.",
		}),
		nodeDowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_cluster_node_down_total",
			Help: "node_down events observed by this node.",
		}),
	}

	for _, c := range []prometheus.Collector{m.serversRunning, m.starts, m.crashes, m.restarts, m.nodeDowns} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	m.sub = bus.Subscribe(256)
	go m.consume()
	return m, nil
}

func (m *Metrics) consume() {
	for ev := range m.sub.Events() {
		switch ev.Kind {
		case event.KindStarted:
			m.starts.Inc()
		case event.KindCrashed:
			m.crashes.Inc()
		case event.KindRestarted:
			m.restarts.Inc()
		case event.KindNodeDown:
			m.nodeDowns.Inc()
		}
	}
}

// Close stops the lifecycle subscription. Registered collectors stay
// registered; the embedding application owns the registry's lifetime.
func (m *Metrics) Close() { m.sub.Unsubscribe() }

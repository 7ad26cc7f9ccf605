package monitoring

import (
	"github.com/globalgrayhat/carcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the registry and admission metric hooks.
type PrometheusCollector struct {
	roomsActive    prometheus.Gauge
	peersConnected *prometheus.GaugeVec
	producersLive  *prometheus.GaugeVec
	consumersLive  prometheus.Gauge

	joinRequestDecisions *prometheus.CounterVec
	signalConnections    prometheus.Gauge
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "carcast_rooms_active",
			Help: "Number of live rooms",
		}),

		peersConnected: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carcast_peers_connected",
			Help: "Number of connected peers by role",
		}, []string{"role"}),

		producersLive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carcast_producers_live",
			Help: "Number of live producers by media kind",
		}, []string{"kind"}),

		consumersLive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "carcast_consumers_live",
			Help: "Number of live consumers",
		}),

		joinRequestDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "carcast_join_request_decisions_total",
			Help: "Join request decisions by outcome",
		}, []string{"status"}),

		signalConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "carcast_signal_connections",
			Help: "Number of open signaling connections",
		}),
	}
}

func (p *PrometheusCollector) RoomCreated() {
	p.roomsActive.Inc()
}

func (p *PrometheusCollector) RoomDeleted() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) PeerJoined(role domain.Role) {
	p.peersConnected.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) PeerLeft(role domain.Role) {
	p.peersConnected.WithLabelValues(string(role)).Dec()
}

func (p *PrometheusCollector) ProducerCreated(kind domain.MediaKind) {
	p.producersLive.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ProducerClosed(kind domain.MediaKind) {
	p.producersLive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) ConsumerCreated() {
	p.consumersLive.Inc()
}

func (p *PrometheusCollector) ConsumerClosed() {
	p.consumersLive.Dec()
}

func (p *PrometheusCollector) RequestDecided(status domain.RequestStatus) {
	p.joinRequestDecisions.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusCollector) SignalConnected() {
	p.signalConnections.Inc()
}

func (p *PrometheusCollector) SignalDisconnected() {
	p.signalConnections.Dec()
}

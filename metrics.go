package mq

import "github.com/prometheus/client_golang/prometheus"

// Metrics adapts a Client's stats counters to prometheus.Collector so a
// caller can register a client directly into an existing registry instead
// of polling GetStats by hand.
type Metrics struct {
	c *Client

	packetsSent     *prometheus.Desc
	packetsReceived *prometheus.Desc
	bytesSent       *prometheus.Desc
	bytesReceived   *prometheus.Desc
	reconnectCount  *prometheus.Desc
	pendingOps      *prometheus.Desc
	inFlight        *prometheus.Desc
	connected       *prometheus.Desc
}

// NewMetrics returns a collector for c. The returned value is registered
// with prometheus.Registry.Register like any other collector:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(mq.NewMetrics(client))
func NewMetrics(c *Client) *Metrics {
	labels := prometheus.Labels{"client_id": c.opts.ClientID}
	return &Metrics{
		c:               c,
		packetsSent:     prometheus.NewDesc("mqtt_client_packets_sent_total", "Total packets written to the transport.", nil, labels),
		packetsReceived: prometheus.NewDesc("mqtt_client_packets_received_total", "Total packets decoded from the transport.", nil, labels),
		bytesSent:       prometheus.NewDesc("mqtt_client_bytes_sent_total", "Total bytes written to the transport.", nil, labels),
		bytesReceived:   prometheus.NewDesc("mqtt_client_bytes_received_total", "Total bytes read from the transport.", nil, labels),
		reconnectCount:  prometheus.NewDesc("mqtt_client_reconnects_total", "Total number of reconnect attempts.", nil, labels),
		pendingOps:      prometheus.NewDesc("mqtt_client_pending_operations", "Outgoing PUBLISH/SUBSCRIBE/UNSUBSCRIBE awaiting acknowledgement.", nil, labels),
		inFlight:        prometheus.NewDesc("mqtt_client_inflight_publishes", "QoS 1/2 publishes currently counted against the broker's ReceiveMaximum.", nil, labels),
		connected:       prometheus.NewDesc("mqtt_client_connected", "1 if the client currently holds an open connection, 0 otherwise.", nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.packetsSent
	ch <- m.packetsReceived
	ch <- m.bytesSent
	ch <- m.bytesReceived
	ch <- m.reconnectCount
	ch <- m.pendingOps
	ch <- m.inFlight
	ch <- m.connected
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	stats := m.c.GetStats()

	m.c.sessionLock.Lock()
	pending := len(m.c.pending)
	inFlight := m.c.inFlightCount
	m.c.sessionLock.Unlock()

	connectedVal := 0.0
	if stats.Connected {
		connectedVal = 1
	}

	ch <- prometheus.MustNewConstMetric(m.packetsSent, prometheus.CounterValue, float64(stats.PacketsSent))
	ch <- prometheus.MustNewConstMetric(m.packetsReceived, prometheus.CounterValue, float64(stats.PacketsReceived))
	ch <- prometheus.MustNewConstMetric(m.bytesSent, prometheus.CounterValue, float64(stats.BytesSent))
	ch <- prometheus.MustNewConstMetric(m.bytesReceived, prometheus.CounterValue, float64(stats.BytesReceived))
	ch <- prometheus.MustNewConstMetric(m.reconnectCount, prometheus.CounterValue, float64(stats.ReconnectCount))
	ch <- prometheus.MustNewConstMetric(m.pendingOps, prometheus.GaugeValue, float64(pending))
	ch <- prometheus.MustNewConstMetric(m.inFlight, prometheus.GaugeValue, float64(inFlight))
	ch <- prometheus.MustNewConstMetric(m.connected, prometheus.GaugeValue, connectedVal)
}

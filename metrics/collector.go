// Package metrics exposes the path-quality instrumentation spec.md §2
// assigns the core ("measures path quality (RTT, loss, throughput)") as
// a prometheus.Collector, since that responsibility would otherwise be
// unobservable from outside the module.
//
// Grounded on runZeroInc-conniver's and runZeroInc-sockstats's
// pkg/exporter.TCPInfoCollector: Describe/Collect over a mutex-guarded
// map[net.Conn]connEntry, generalized here from TCP_INFO fields to
// pktstats' own ping, RTO and packet/byte counters, since SNP runs over UDP and
// has no TCP_INFO to read.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opendgram/snp/pktstats"
)

// Tracked is the subset of a connection's identity Collect needs to
// label its metrics.
type Tracked struct {
	Description string
	Stats       *pktstats.Stats
}

// Collector reports per-connection smoothed ping, RTO, and packet/byte
// counters for every connection currently registered via Add. It reports
// no loss estimate.
type Collector struct {
	mu    sync.Mutex
	conns map[string]Tracked

	smoothedPing *prometheus.Desc
	rto          *prometheus.Desc
	packetsSent  *prometheus.Desc
	packetsRecv  *prometheus.Desc
	bytesSent    *prometheus.Desc
	bytesRecv    *prometheus.Desc
}

// NewCollector returns an empty Collector. namespace/subsystem follow
// the same convention runZeroInc-conniver's NewTCPInfoCollector uses for
// its metric name prefix.
func NewCollector(namespace, subsystem string) *Collector {
	labels := []string{"connection"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		conns:        make(map[string]Tracked),
		smoothedPing: desc("smoothed_ping_seconds", "EWMA of measured ping (spec.md 4.1)"),
		rto:          desc("rto_seconds", "current retransmission timeout"),
		packetsSent:  desc("packets_sent_total", "packets sent on this connection"),
		packetsRecv:  desc("packets_received_total", "packets received on this connection"),
		bytesSent:    desc("bytes_sent_total", "raw bytes sent on this connection"),
		bytesRecv:    desc("bytes_received_total", "raw bytes received on this connection"),
	}
}

// Add registers a connection's stats tracker for reporting under the
// given label, replacing any previous entry with the same label.
func (c *Collector) Add(label string, t Tracked) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[label] = t
}

// Remove stops reporting the connection registered under label.
func (c *Collector) Remove(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, label)
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.smoothedPing
	descs <- c.rto
	descs <- c.packetsSent
	descs <- c.packetsRecv
	descs <- c.bytesSent
	descs <- c.bytesRecv
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for label, t := range c.conns {
		s := t.Stats
		ch <- prometheus.MustNewConstMetric(c.smoothedPing, prometheus.GaugeValue, s.SmoothedPing().Seconds(), label)
		ch <- prometheus.MustNewConstMetric(c.rto, prometheus.GaugeValue, s.RTO().Seconds(), label)
		ch <- prometheus.MustNewConstMetric(c.packetsSent, prometheus.CounterValue, float64(s.PacketsSent()), label)
		ch <- prometheus.MustNewConstMetric(c.packetsRecv, prometheus.CounterValue, float64(s.PacketsRecv()), label)
		ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(s.BytesSent()), label)
		ch <- prometheus.MustNewConstMetric(c.bytesRecv, prometheus.CounterValue, float64(s.BytesRecv()), label)
	}
}

// Package metrics adapts a link.Link's statistics snapshot into a
// prometheus.Collector, grounded on runZeroInc-conniver's
// pkg/exporter.TCPInfoCollector: both wrap a live resource (a set of TCP
// sockets there, a single Link here) and turn a point-in-time read of it
// into prometheus.Metric values on every scrape, rather than mirroring the
// values into a parallel set of prometheus.Gauge/Counter objects that would
// need to be kept in sync by hand.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"domlink/link"
)

// snapshotSource is the subset of *link.Link a Collector depends on. A
// plain function would do, but a named interface documents the dependency
// and keeps the package testable without constructing a real Link.
type snapshotSource interface {
	Snapshot() link.Snapshot
}

type metricInfo struct {
	desc     *prometheus.Desc
	valueTyp prometheus.ValueType
	supplier func(link.Snapshot) float64
}

// LinkCollector exposes one Link's Snapshot as prometheus metrics. Unlike
// TCPInfoCollector, which tracks an open set of net.Conn added and removed
// at runtime, a LinkCollector wraps exactly the one Link it was built with
// for its whole lifetime — there is no Add/Remove here.
type LinkCollector struct {
	link  snapshotSource
	id    string
	infos []metricInfo
}

// NewLinkCollector builds a collector for link, labeled with a short
// unique instance ID from github.com/rs/xid so that multiple Links
// registered in the same process (or scraped across process restarts)
// don't collide on identical metric label sets.
func NewLinkCollector(l snapshotSource) *LinkCollector {
	instanceID := xid.New().String()
	constLabels := prometheus.Labels{"link_instance": instanceID}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("domlink_"+name, help, nil, constLabels)
	}

	infos := []metricInfo{
		{desc("tx_frames_total", "Frames handed to hardware, all types."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.TxAll) }},
		{desc("tx_ack_frames_total", "First-time ACK frames sent."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.TxAck) }},
		{desc("tx_reack_frames_total", "Repeat ACK frames sent for an already-acknowledged sequence number."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.TxReack) }},
		{desc("tx_data_frames_total", "CONT/SYN_FIN frames sent for the first time."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.TxData) }},
		{desc("tx_resent_frames_total", "CONT/SYN_FIN frames retransmitted after a timeout."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.TxResent) }},
		{desc("tx_control_frames_total", "CONTROL frames sent (statistics replies)."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.TxControl) }},

		{desc("rx_frames_total", "Frames received, all types, including dropped and bad ones."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.RxAll) }},
		{desc("rx_data_frames_total", "CONT/SYN_FIN frames received."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.RxData) }},
		{desc("rx_good_data_frames_total", "CONT/SYN_FIN frames accepted in sequence."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.RxGoodData) }},
		{desc("rx_ack_frames_total", "ACK frames received."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.RxAck) }},
		{desc("rx_dup_data_frames_total", "CONT/SYN_FIN frames received that were already accepted (reack triggered)."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.RxDupData) }},
		{desc("rx_dup_ack_frames_total", "ACK frames received for a sequence number with no live retransmit entry."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.RxDupAck) }},
		{desc("rx_good_ack_frames_total", "ACK frames received that deleted a live retransmit entry."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.RxGoodAck) }},
		{desc("rx_control_frames_total", "CONTROL frames received."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.RxControl) }},
		{desc("rx_dropped_frames_total", "Data frames discarded for arriving out of sequence or with no room in the receive or ack queue."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.RxDropped) }},
		{desc("rx_bad_frames_total", "Frames rejected at the hardware boundary (bad header, CRC, or out-of-handshake data)."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.RxBad) }},

		{desc("bad_fins_total", "Times an in-progress reassembly exceeded MAX_MSG_SIZE without a terminating SYN_FIN."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.NBadFins) }},
		{desc("post_ic_invalid_total", "Data frames received while Unconnected."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.NPostICInvalid) }},
		{desc("reboots_total", "Reboot requests granted."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.NReboots) }},
		{desc("resets_total", "Connection resets observed (IC received while Connected)."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.NResets) }},
		{desc("unsticks_total", "Times the deadlock-breaker forced an aggressive receive scan."), prometheus.CounterValue, func(s link.Snapshot) float64 { return float64(s.NUnsticks) }},

		{desc("rx_queue_free_min", "Lowest observed free space in the receive queue since start (bytes)."), prometheus.GaugeValue, func(s link.Snapshot) float64 { return float64(s.MinRxQueueFree) }},
		{desc("retx_entries_max", "Highest observed number of live retransmit entries since start."), prometheus.GaugeValue, func(s link.Snapshot) float64 { return float64(s.MaxRetxEntries) }},
		{desc("ack_queue_free_min", "Lowest observed free space in the ack queue since start (entries)."), prometheus.GaugeValue, func(s link.Snapshot) float64 { return float64(s.MinAckQueueFree) }},
	}

	return &LinkCollector{link: l, id: instanceID, infos: infos}
}

func (c *LinkCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.desc
	}
}

func (c *LinkCollector) Collect(metrics chan<- prometheus.Metric) {
	snap := c.link.Snapshot()
	for _, info := range c.infos {
		metrics <- prometheus.MustNewConstMetric(info.desc, info.valueTyp, info.supplier(snap))
	}
}

package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"domlink/link"
)

type fakeSource struct {
	snap link.Snapshot
}

func (f fakeSource) Snapshot() link.Snapshot { return f.snap }

func TestCollectorExportsSnapshotFields(t *testing.T) {
	fake := fakeSource{snap: link.Snapshot{
		TxAll: 10, TxData: 7, TxResent: 1,
		RxAll: 9, RxGoodData: 6, RxDupData: 1,
		NBadFins: 2, MinRxQueueFree: 128, MaxRetxEntries: 4, MinAckQueueFree: 250,
		NUnsticks: 1,
	}}
	c := NewLinkCollector(fake)

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.Metric {
			got[mf.GetName()] = metricValue(m)
			for _, l := range m.GetLabel() {
				if l.GetName() == "link_instance" && l.GetValue() == "" {
					t.Fatalf("metric %s missing link_instance label value", mf.GetName())
				}
			}
		}
	}

	want := map[string]float64{
		"domlink_tx_frames_total":        10,
		"domlink_tx_data_frames_total":   7,
		"domlink_tx_resent_frames_total": 1,
		"domlink_rx_frames_total":        9,
		"domlink_rx_good_data_frames_total": 6,
		"domlink_rx_dup_data_frames_total":  1,
		"domlink_bad_fins_total":         2,
		"domlink_rx_queue_free_min":      128,
		"domlink_retx_entries_max":       4,
		"domlink_ack_queue_free_min":     250,
		"domlink_unsticks_total":         1,
	}
	for name, wantVal := range want {
		gotVal, ok := got[name]
		if !ok {
			t.Fatalf("metric %s not exported (have: %v)", name, keysOf(got))
		}
		if gotVal != wantVal {
			t.Fatalf("metric %s = %v, want %v", name, gotVal, wantVal)
		}
	}
}

func metricValue(m *dto.Metric) float64 {
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return 0
}

func keysOf(m map[string]float64) string {
	var b strings.Builder
	for k := range m {
		b.WriteString(k)
		b.WriteString(" ")
	}
	return b.String()
}

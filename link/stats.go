package link

import (
	"sync"
	"sync/atomic"

	"domlink/protocol"
)

// stats accumulates the statistics record of spec.md §6.1: packet totals by
// type and outcome, the worst-case occupancy of each bounded resource, and
// the counts that flag protocol misbehavior.
//
// The counters are incremented from the single goroutine driving
// scan/tick, but Snapshot is also called cross-goroutine — by the metrics
// collector's Collect and by a CLI "stats" command — so every counter is an
// atomic.Uint64 rather than a plain uint64 guarded by a lock only on the
// read side. The occupancy extremes (min/max) are updated and read under mu
// instead, since each update is a compare-then-maybe-store that atomics
// alone can't express race-free.
type stats struct {
	mu sync.Mutex

	// TX totals: all, ack, reack, data, resent, control.
	txAll     atomic.Uint64
	txAck     atomic.Uint64
	txReack   atomic.Uint64
	txData    atomic.Uint64
	txResent  atomic.Uint64
	txControl atomic.Uint64

	// RX totals: all, data, good-data, ack, dup-data, dup-ack, good-ack,
	// control, dropped, bad.
	rxAll      atomic.Uint64
	rxData     atomic.Uint64
	rxGoodData atomic.Uint64
	rxAck      atomic.Uint64
	rxDupData  atomic.Uint64
	rxDupAck   atomic.Uint64
	rxGoodAck  atomic.Uint64
	rxControl  atomic.Uint64
	rxDropped  atomic.Uint64
	rxBad      atomic.Uint64

	nBadFins        atomic.Uint64
	nPostICInvalid  atomic.Uint64
	minRxQueueFree  int
	maxRetxEntries  int
	minAckQueueFree int

	nReboots  atomic.Uint64
	nResets   atomic.Uint64
	nUnsticks atomic.Uint64
}

func newStats() *stats {
	return &stats{minRxQueueFree: -1, minAckQueueFree: -1}
}

func (s *stats) observeRxQueueFree(free int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minRxQueueFree == -1 || free < s.minRxQueueFree {
		s.minRxQueueFree = free
	}
}

func (s *stats) observeAckQueueFree(free int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minAckQueueFree == -1 || free < s.minAckQueueFree {
		s.minAckQueueFree = free
	}
}

func (s *stats) observeRetxEntries(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.maxRetxEntries {
		s.maxRetxEntries = n
	}
}

// Snapshot is a point-in-time copy safe to read from any goroutine — what
// the metrics collector and the CLI "stats" command both consume.
type Snapshot struct {
	TxAll, TxAck, TxReack, TxData, TxResent, TxControl uint64
	RxAll, RxData, RxGoodData, RxAck                   uint64
	RxDupData, RxDupAck, RxGoodAck, RxControl           uint64
	RxDropped, RxBad                                    uint64

	NBadFins, NPostICInvalid                        uint64
	MinRxQueueFree, MaxRetxEntries, MinAckQueueFree int

	NReboots, NResets, NUnsticks uint64
}

func (s *stats) Snapshot() Snapshot {
	s.mu.Lock()
	minRxQueueFree := maxInt(s.minRxQueueFree, 0)
	maxRetxEntries := s.maxRetxEntries
	minAckQueueFree := maxInt(s.minAckQueueFree, 0)
	s.mu.Unlock()

	return Snapshot{
		TxAll: s.txAll.Load(), TxAck: s.txAck.Load(), TxReack: s.txReack.Load(),
		TxData: s.txData.Load(), TxResent: s.txResent.Load(), TxControl: s.txControl.Load(),
		RxAll: s.rxAll.Load(), RxData: s.rxData.Load(), RxGoodData: s.rxGoodData.Load(), RxAck: s.rxAck.Load(),
		RxDupData: s.rxDupData.Load(), RxDupAck: s.rxDupAck.Load(), RxGoodAck: s.rxGoodAck.Load(),
		RxControl: s.rxControl.Load(), RxDropped: s.rxDropped.Load(), RxBad: s.rxBad.Load(),
		NBadFins: s.nBadFins.Load(), NPostICInvalid: s.nPostICInvalid.Load(),
		MinRxQueueFree:  minRxQueueFree,
		MaxRetxEntries:  maxRetxEntries,
		MinAckQueueFree: minAckQueueFree,
		NReboots:        s.nReboots.Load(), NResets: s.nResets.Load(), NUnsticks: s.nUnsticks.Load(),
	}
}

func maxInt(a, b int) int {
	if a < b {
		return b
	}
	return a
}

// encodeStatsReply packs a snapshot into a CONTROL frame payload in a
// fixed field order, using the same VLQ integer encoding this package
// already implements for Klipper-style command arguments
// (protocol.EncodeVLQUint) — reused here for statistics instead of
// command IDs, giving a self-describing encoding instead of a field-width
// contract the companion decoder would have to hardcode.
func encodeStatsReply(snap Snapshot) []byte {
	out := make([]byte, 0, 96)
	for _, v := range []uint64{
		snap.NBadFins,
		uint64(snap.MinRxQueueFree), uint64(snap.MaxRetxEntries), uint64(snap.MinAckQueueFree),
		snap.TxAll, snap.TxAck, snap.TxReack, snap.TxData, snap.TxResent, snap.TxControl,
		snap.RxAll, snap.RxData, snap.RxGoodData, snap.RxAck,
		snap.RxDupData, snap.RxDupAck, snap.RxGoodAck, snap.RxControl,
		snap.RxDropped, snap.RxBad,
		snap.NPostICInvalid,
	} {
		out = protocol.EncodeVLQUint(out, uint32(v))
	}
	return out
}

package link

import "time"

// Protocol timing constants (spec.md §6): RETRANSMIT_TIMEOUT_TICKS,
// the unstick threshold, and the IC retry interval declared in
// connstate.go. Tuned for a ~45 kB/s sustained link with ~32 kB of
// combined out-of-flight budget across both stations; re-tunable per
// spec.md §9 so long as P5 and P7 keep holding.
const (
	retransmitTimeout = 800 * time.Millisecond
	unstickThreshold  = 80 * time.Millisecond

	// TickInterval is the suggested granularity for driving Tick from an
	// external loop (spec.md §4.7's "once per ~2ms timer advance").
	TickInterval = 2 * time.Millisecond
)

// Tick runs the periodic supervision of spec.md §4.7: timeout-driven
// retransmission, then the stall-recovery check. Callers that want
// continuous background service can drive this from a time.Ticker in the
// same goroutine as every other Link call (Link is not safe for
// concurrent use — see the Link type doc); Send/Receive/waitConnected call
// it inline while they spin, so an application blocked in Receive gets
// tick service "for free" without running its own ticker at all.
func (l *Link) Tick() {
	now := time.Now()
	l.tick(now)
}

func (l *Link) tick(now time.Time) {
	l.retx.TimeoutRetransmit(now, retransmitTimeout, l.hw, l.st)
	l.unstickRx(now)
}

// unstickRx is the deadlock breaker of spec.md §4.7: when the receive
// queue is full and the oldest retransmit entry has been waiting longer
// than the unstick threshold, it forces an aggressive scan, which is
// permitted to drop data frames in order to extract the pending ACKs
// that would otherwise be the only thing freeing retransmit slots.
func (l *Link) unstickRx(now time.Time) bool {
	if !l.rxQueue.IsFull() {
		return false
	}
	if l.retx.OldestAge(now) < unstickThreshold {
		return false
	}
	l.scan(true)
	l.st.nUnsticks.Add(1)
	return true
}

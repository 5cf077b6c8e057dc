package link

import (
	"time"

	"domlink/protocol"
)

// connState is the two-state machine of spec.md §3/§4.5.
type connState int

const (
	Unconnected connState = iota
	Connected
)

func (s connState) String() string {
	if s == Connected {
		return "Connected"
	}
	return "Unconnected"
}

const icRetryInterval = 200 * time.Millisecond

// connStateMachine owns spec.md §4.5: the IC/CI handshake, rx_next_seqn/
// tx_next_seqn, and connect_flag (which tells an in-flight send to abort
// silently because the peer has already reset).
type connStateMachine struct {
	state       connState
	connectFlag bool

	rxNextSeqn uint16
	txNextSeqn uint16

	lastICSent time.Time
	icSent     bool
}

// resetSequencing is the side effect shared by the two resetting
// transitions of the spec.md §4.5 table (CI while Unconnected, IC while
// Connected): zero both sequence counters.
func (c *connStateMachine) resetSequencing() {
	c.rxNextSeqn = 0
	c.txNextSeqn = 0
}

// sendIC transmits (or retransmits, on the ~200ms timer) the handshake's
// initiating frame. Safe to call repeatedly; it no-ops between retries.
func (c *connStateMachine) sendIC(hw HWIO, now time.Time) {
	if c.icSent && now.Sub(c.lastICSent) < icRetryInterval {
		return
	}
	h := protocol.MakeHeader(0, protocol.FrameIC, false, 0)
	if hw.HasSpaceFor(h) {
		_ = hw.Send(protocol.Frame{Header: h}, nil)
		c.icSent = true
		c.lastICSent = now
	}
}

func (c *connStateMachine) sendCI(hw HWIO) {
	h := protocol.MakeHeader(0, protocol.FrameCI, false, 0)
	if hw.HasSpaceFor(h) {
		_ = hw.Send(protocol.Frame{Header: h}, nil)
	}
}

// onIC handles receipt of an IC frame (spec.md §4.5 table, rows 2 and 3):
// while Unconnected it's a duplicate of our own in-flight handshake and is
// drained without effect beyond replying with CI; while Connected it forces
// a reset back to Unconnected and restarts the handshake. l is passed so
// onIC can reset the other link-owned resources (retransmit
// buffer, ack queue, receive queue, reassembly state) that connstate.go
// does not own.
func (c *connStateMachine) onIC(l *Link, now time.Time) {
	if c.state == Connected {
		c.state = Unconnected
		c.connectFlag = true
		l.resetOnReconnect()
		c.resetSequencing()
		l.st.nResets.Add(1)
	}
	c.sendCI(l.hw)
}

// onCI handles receipt of a CI frame (spec.md §4.5 table, rows 1 and 4).
func (c *connStateMachine) onCI(l *Link) {
	if c.state == Unconnected {
		c.resetSequencing()
		l.resetOnReconnect()
		c.state = Connected
		c.sendCI(l.hw)
	}
	// Connected + receive CI: ignore.
}

// waitConnected spins scan(aggressive=true) plus the periodic tick until
// the handshake completes, as spec.md §4.5/§5 describes for the initial
// connection. poll is called once per iteration so the caller can also
// check for context cancellation.
func (c *connStateMachine) waitConnected(l *Link, poll func() bool) {
	for c.state != Connected {
		now := time.Now()
		c.sendIC(l.hw, now)
		l.scan(true)
		l.tick(now)
		if poll != nil && !poll() {
			return
		}
	}
}

package link

import (
	"context"
	"time"

	"domlink/protocol"
)

// Options configures a Link's internal resource sizes and ambient hooks.
// Plain fields with documented defaults, matching a Config/DefaultConfig
// shape rather than a functional-options API.
type Options struct {
	// RetransmitCapacity bounds the number of in-flight (unacked) frames.
	// Default 256.
	RetransmitCapacity int

	// ReceiveQueueCapacity is the receive byte ring's size. Default
	// 2*(MAX_MSG_SIZE+4) per spec.md §3's minimum.
	ReceiveQueueCapacity int

	// PollInterval is how long busy-wait loops (Send/Receive/waitConnected)
	// sleep between iterations when no progress is possible. Default 500µs.
	PollInterval time.Duration

	// Trace, if non-nil, receives a formatted line for notable internal
	// events (handshake transitions, resets, reboot requests). Defaults to
	// a no-op: silent unless the caller wants it, and no logging
	// dependency is pulled in for the default case.
	Trace func(format string, args ...any)
}

func defaultOptions(o Options) Options {
	if o.RetransmitCapacity <= 0 {
		o.RetransmitCapacity = 256
	}
	if o.ReceiveQueueCapacity <= 0 {
		o.ReceiveQueueCapacity = 2 * (protocol.MaxMsgSize + 4)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Microsecond
	}
	if o.Trace == nil {
		o.Trace = func(string, ...any) {}
	}
	return o
}

// Link is the reliable DOM-to-surface datagram service of spec.md: a single
// owned value whose methods are the entire public surface (spec.md §9 —
// "all state is a single owned Link value"). It is single-threaded
// cooperative, matching spec.md §5: every field is touched only from the
// goroutine that calls Send, Receive, MsgReady, Tick, RequestReboot, or
// IsRebootGranted. Link is explicitly NOT safe for concurrent use from
// multiple goroutines — that is deliberate, not an oversight: wrapping it
// in a mutex here would mask a caller bug (driving one link from two
// goroutines) instead of surfacing it.
type Link struct {
	hw HWIO

	rxQueue *protocol.ByteRing
	acks    *ackQueue
	retx    *retransmitBuffer
	conn    *connStateMachine
	reasm   *reassembler
	st      *stats

	trace          func(string, ...any)
	pollInterval   time.Duration
	rebootGranted  bool // latches the last IsRebootGranted edge, see IsRebootGranted
}

// New constructs a Link driving the given hardware backend. The link
// starts Unconnected; Send and Receive both complete the IC/CI handshake
// on first use if it hasn't happened yet.
func New(hw HWIO, opts Options) *Link {
	opts = defaultOptions(opts)
	return &Link{
		hw:           hw,
		rxQueue:      protocol.NewByteRing(opts.ReceiveQueueCapacity),
		acks:         &ackQueue{},
		retx:         newRetransmitBuffer(opts.RetransmitCapacity),
		conn:         &connStateMachine{},
		reasm:        &reassembler{},
		st:           newStats(),
		trace:        opts.Trace,
		pollInterval: opts.PollInterval,
	}
}

// resetOnReconnect discards everything connstate.go does not itself own:
// the retransmit buffer, ack queue, receive queue and reassembly state
// (spec.md §4.5's "same reset" side effect shared by the two handshake
// transitions that reset the link: CI received while Unconnected and IC
// received while Connected).
func (l *Link) resetOnReconnect() {
	l.retx.Reset()
	l.acks = &ackQueue{}
	l.rxQueue.Reset()
	l.reasm.Reset()
	l.trace("link: connection reset, state=%s", l.conn.state)
}

func (l *Link) pollCtx(ctx context.Context) func() bool {
	return func() bool {
		select {
		case <-ctx.Done():
			return false
		default:
			time.Sleep(l.pollInterval)
			return true
		}
	}
}

// Send segments payload into spec.md §4.6 CONT/SYN_FIN frames, allocates
// each a retransmit slot, and blocks until every segment has been flushed
// to hardware at least once. The only error it can return is ctx.Err();
// every protocol-level condition (lost frames, a mid-send reconnection) is
// absorbed internally, per spec.md §7. typ is carried only in the caller's
// own process — it is not transmitted on the wire (spec.md §9's open
// question on the type parameter; see SPEC_FULL.md §4.8) — so a peer
// running this same implementation has no way to recover it from Receive.
func (l *Link) Send(ctx context.Context, typ byte, payload []byte) error {
	_ = typ // informational only; not carried on the wire, see doc comment.

	l.conn.waitConnected(l, l.pollCtx(ctx))
	if err := ctx.Err(); err != nil {
		return err
	}
	// A reset observed before this send began is not an in-flight abort.
	l.conn.connectFlag = false

	for _, seg := range segmentMessage(payload) {
		if l.conn.connectFlag {
			l.conn.connectFlag = false
			return nil
		}

		ft := protocol.FrameCont
		if seg.final {
			ft = protocol.FrameSynFin
		}
		seqn := l.conn.txNextSeqn
		h := protocol.MakeHeader(len(seg.payload), ft, false, seqn)

		for !l.retx.AllocPayload(h, seg.payload, time.Now()) {
			l.scan(false)
			l.tick(time.Now())
			if l.conn.connectFlag {
				l.conn.connectFlag = false
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(l.pollInterval)
		}
		l.conn.txNextSeqn++
		l.st.observeRetxEntries(l.retx.LiveCount())

		l.retx.FlushToHW(l.hw, time.Now(), l.st)
		l.scan(false)
		l.tick(time.Now())
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	for !l.retx.FullyFlushed() {
		if l.conn.connectFlag {
			l.conn.connectFlag = false
			return nil
		}
		l.retx.FlushToHW(l.hw, time.Now(), l.st)
		l.scan(false)
		l.tick(time.Now())
		if err := ctx.Err(); err != nil {
			return err
		}
		if !l.retx.FullyFlushed() {
			time.Sleep(l.pollInterval)
		}
	}
	return nil
}

// Receive blocks for a fully reassembled message, running scan and the
// periodic tick while idle. The returned type is always 0: this
// implementation's wire format, like the one it's drawn from, never
// carries the sender's type byte end-to-end (see Send's doc comment).
func (l *Link) Receive(ctx context.Context) (byte, []byte, error) {
	l.conn.waitConnected(l, l.pollCtx(ctx))
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	for {
		l.scan(false)
		l.tick(time.Now())
		l.drainToReassembly()
		if msg, ok := l.reasm.Pop(); ok {
			return 0, msg, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		time.Sleep(l.pollInterval)
	}
}

// MsgReady is the non-blocking query of spec.md §4.8: it only processes
// what has already arrived (draining the receive queue into the
// reassembler), never polling hardware.
func (l *Link) MsgReady() bool {
	l.drainToReassembly()
	return l.reasm.Ready()
}

// RequestReboot waits for the hardware TX ring to drain, then asks the
// backend to raise REBOOT_REQUEST. It has no return value, matching
// spec.md §4.8 and §7: there are no user-facing timeouts here, by design.
func (l *Link) RequestReboot() {
	l.trace("link: requesting reboot")
	_ = l.hw.RequestReboot(nil)
}

// IsRebootGranted polls REBOOT_GRANTED, counting nReboots on the
// not-granted-to-granted edge so the statistic reflects reboots actually
// observed granted rather than every poll that happens to see it.
func (l *Link) IsRebootGranted() bool {
	granted := l.hw.IsRebootGranted()
	if granted && !l.rebootGranted {
		l.st.nReboots.Add(1)
	}
	l.rebootGranted = granted
	return granted
}

// IsConnected reports the connection state machine's current state. This
// is an addition beyond spec.md's four public operations, useful for
// callers (and the metrics collector) that want to observe link health
// without attempting a Send/Receive.
func (l *Link) IsConnected() bool { return l.conn.state == Connected }

// Snapshot returns the current statistics record (spec.md §6.1).
func (l *Link) Snapshot() Snapshot { return l.st.Snapshot() }

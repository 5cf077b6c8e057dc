package link

import (
	"sync"
	"time"

	"domlink/protocol"
)

// txDPWords and rxDPWords mirror the FPGA's 8k-word dual-ported TX/RX
// memory (spec.md §6).
const (
	txDPWords = 8 * 1024
	rxDPWords = 8 * 1024
)

// FaultAction describes what a Fault hook wants done with a frame placed on
// a SimWire's medium.
type FaultAction int

const (
	// ActionPass delivers the frame once, after Delay.
	ActionPass FaultAction = iota
	// ActionDrop never delivers the frame.
	ActionDrop
	// ActionDuplicate delivers the frame twice, each after Delay (the
	// second delivery is additionally offset by Jitter).
	ActionDuplicate
)

// FaultDecision is what a Fault func returns for one frame.
type FaultDecision struct {
	Action FaultAction
	Delay  time.Duration
	Jitter time.Duration
}

// Fault decides, for each frame entering the medium, whether and when it is
// delivered. The default (nil) Fault passes every frame through
// immediately. Tests compose Faults to reproduce spec.md §8's scenarios:
// dropped acks, reordering, duplication, delay.
type Fault func(f protocol.Frame) FaultDecision

func passThrough(protocol.Frame) FaultDecision { return FaultDecision{Action: ActionPass} }

type delivery struct {
	frame   protocol.Frame
	readyAt time.Time
}

// medium is the shared in-flight-frame pool between two directions of a
// SimWire pair: a small owned buffer rather than a generic channel, so
// tests can inspect and bound exactly what's in flight.
type medium struct {
	mu        sync.Mutex
	pending   []delivery
	fault     Fault
	available bool
}

func newMedium() *medium {
	return &medium{fault: passThrough, available: true}
}

func (m *medium) send(f protocol.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	decide := m.fault
	if decide == nil {
		decide = passThrough
	}
	d := decide(f)
	now := time.Now()
	switch d.Action {
	case ActionDrop:
		return
	case ActionDuplicate:
		m.pending = append(m.pending,
			delivery{frame: f, readyAt: now.Add(d.Delay)},
			delivery{frame: f, readyAt: now.Add(d.Delay + d.Jitter)},
		)
	default:
		m.pending = append(m.pending, delivery{frame: f, readyAt: now.Add(d.Delay)})
	}
}

// tryRecv returns the earliest-ready delivered frame, simulating reordering
// when deliveries' readyAt times cross over.
func (m *medium) tryRecv() (protocol.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	best := -1
	for i, d := range m.pending {
		if d.readyAt.After(now) {
			continue
		}
		if best == -1 || d.readyAt.Before(m.pending[best].readyAt) {
			best = i
		}
	}
	if best == -1 {
		return protocol.Frame{}, false
	}
	f := m.pending[best].frame
	m.pending = append(m.pending[:best], m.pending[best+1:]...)
	return f, true
}

func (m *medium) setFault(f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f == nil {
		f = passThrough
	}
	m.fault = f
}

func (m *medium) setAvailable(avail bool) {
	m.mu.Lock()
	m.available = avail
	m.mu.Unlock()
}

func (m *medium) isAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// txRing models the local TX DP-memory ring: capacity-bounded, draining at
// a fixed rate independent of what ultimately happens to a frame out on the
// medium (real hardware frees TX ring space once the FPGA has clocked the
// words out, regardless of whether the far end ever sees them).
type txRing struct {
	mu       sync.Mutex
	capacity uint16
	drain    time.Duration
	slots    []struct {
		words   uint16
		drainAt time.Time
	}
}

func newTXRing(capacity uint16, drain time.Duration) *txRing {
	return &txRing{capacity: capacity, drain: drain}
}

func (r *txRing) reap() {
	now := time.Now()
	i := 0
	for i < len(r.slots) && !r.slots[i].drainAt.After(now) {
		i++
	}
	r.slots = r.slots[i:]
}

func (r *txRing) used() uint16 {
	var u uint16
	for _, s := range r.slots {
		u += s.words
	}
	return u
}

func (r *txRing) spaceRemaining() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reap()
	used := r.used()
	if used >= r.capacity {
		return 0
	}
	return r.capacity - used
}

func (r *txRing) reserve(words uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reap()
	if r.used()+words > r.capacity {
		return false
	}
	r.slots = append(r.slots, struct {
		words   uint16
		drainAt time.Time
	}{words: words, drainAt: time.Now().Add(r.drain)})
	return true
}

// SimWire is an in-memory HWIO backend connecting two Links within one
// process. Pair two with NewSimWirePair for tests; inject faults with
// SetFault.
type SimWire struct {
	tx          *txRing
	outbound    *medium // frames this side sends, peer receives
	inbound     *medium // frames the peer sends, this side receives
	rebootReq   bool
	rebootGrant bool
}

// NewSimWirePair returns two SimWire endpoints wired to each other: frames
// A sends arrive at B, and vice versa.
func NewSimWirePair() (a, b *SimWire) {
	aToB := newMedium()
	bToA := newMedium()
	a = &SimWire{tx: newTXRing(txDPWords, time.Millisecond), outbound: aToB, inbound: bToA}
	b = &SimWire{tx: newTXRing(txDPWords, time.Millisecond), outbound: bToA, inbound: aToB}
	return a, b
}

// SetFault installs a Fault hook on the frames this endpoint sends (i.e.
// affecting what the peer receives).
func (s *SimWire) SetFault(f Fault) { s.outbound.setFault(f) }

// SetAvailable toggles the COMM_STATUS.AVAIL hint this endpoint reports.
func (s *SimWire) SetAvailable(avail bool) { s.inbound.setAvailable(avail) }

func (s *SimWire) SpaceRemaining() uint16 { return s.tx.spaceRemaining() }

func (s *SimWire) HasSpaceFor(h protocol.Header) bool {
	return s.SpaceRemaining() >= wordsInHeader(h)
}

func (s *SimWire) Send(f protocol.Frame, done <-chan struct{}) error {
	words := wordsInHeader(f.Header)
	for {
		if s.IsAvailable() && s.tx.reserve(words) {
			s.outbound.send(f)
			return nil
		}
		select {
		case <-done:
			return &ErrCanceled{Op: "Send"}
		default:
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func (s *SimWire) TryReceive() (protocol.Frame, bool, error) {
	f, ok := s.inbound.tryRecv()
	if !ok {
		return protocol.Frame{}, false, nil
	}
	if err := f.Header.Validate(); err != nil {
		return f, true, err
	}
	return f, true, nil
}

func (s *SimWire) RequestReboot(done <-chan struct{}) error {
	for s.tx.spaceRemaining() != s.tx.capacity {
		select {
		case <-done:
			return &ErrCanceled{Op: "RequestReboot"}
		default:
			time.Sleep(time.Millisecond)
		}
	}
	s.rebootReq = true
	s.rebootGrant = true // the simulator grants immediately once requested
	return nil
}

func (s *SimWire) IsRebootGranted() bool { return s.rebootGrant }

func (s *SimWire) IsAvailable() bool { return s.inbound.isAvailable() }

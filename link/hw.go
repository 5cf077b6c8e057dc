// Package link implements the reliable twisted-pair link between a DOM and
// its surface companion: a go-back-N style sliding-window protocol with
// software packet segmentation, a garbage-collecting retransmit buffer,
// connection state synchronization, and the resource management needed to
// avoid deadlock between full receive queues, full ack queues, and
// unacknowledged outbound data (spec.md §1–§5).
package link

import (
	"domlink/protocol"
)

// HWIO is the hardware frame I/O contract of spec.md §4.1: the only module
// boundary that touches DP memory (or whatever stands in for it). Every
// backend — the in-memory SimWire, the mmap'd FPGA device, or the serial
// bridge — implements this same surface (the four frame-I/O operations
// plus the reboot and availability queries) so the rest of the
// core is written once against an interface instead of three times against
// concrete transports.
type HWIO interface {
	// SpaceRemaining returns the available transmit space, in 32-bit
	// words, as CAPACITY - (writePtr - readPtr) with 16-bit wrap
	// arithmetic (spec.md §4.1).
	SpaceRemaining() uint16

	// HasSpaceFor reports whether there is room to send a frame with the
	// given header without blocking.
	HasSpaceFor(h protocol.Header) bool

	// Send blocks until the backend reports available and there is space
	// for the frame, then transmits it. Cancelable via done.
	Send(f protocol.Frame, done <-chan struct{}) error

	// TryReceive returns the next frame if one is waiting, without
	// blocking. ok is false if none is available. A frame whose header
	// fails validation is still returned with ok=true and a non-nil err,
	// so callers can count it as a bad packet per spec.md §4.1/§7.
	TryReceive() (f protocol.Frame, ok bool, err error)

	// RequestReboot asks the backend to raise REBOOT_REQUEST once the TX
	// side has fully drained (spec.md §4.8/§6.2). The backend itself
	// performs the drain-wait since only it knows what "drained" means.
	RequestReboot(done <-chan struct{}) error

	// IsRebootGranted polls REBOOT_GRANTED.
	IsRebootGranted() bool

	// IsAvailable reports the firmware-present / link-up hint
	// (COMM_STATUS.AVAIL in spec.md §6).
	IsAvailable() bool
}

// ErrCanceled is returned by blocking HWIO operations when their done
// channel closes before the operation could complete.
type ErrCanceled struct{ Op string }

func (e *ErrCanceled) Error() string { return "link: " + e.Op + " canceled" }

func wordsInHeader(h protocol.Header) uint16 { return uint16(h.Words()) }

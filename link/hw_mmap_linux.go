//go:build linux

package link

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"domlink/protocol"
)

// Register word offsets and status/control bits, as observed on the
// comms bridge device (spec.md §6): COMM_CTRL, COMM_STATUS, the four DP
// ring pointers, and COMM_ERRORS, packed at the front of the mapped
// region ahead of the TX and RX DP memory windows.
const (
	regCommCtrl   = 0
	regCommStatus = 1
	regTxWadr     = 2
	regTxRadr     = 3
	regRxRadr     = 4
	regRxAddr     = 5
	regCommErrors = 6
	regsWordSpan  = 16 // rounded up; registers beyond regCommErrors are reserved

	ctrlRebootRequest = 1 << 1
	statusAvail       = 1 << 0
	statusRxPktRcvd   = 1 << 1
	statusRebootGranted = 1 << 2
)

// MmapHW is the real FPGA DP-memory backend: it mmaps a device file
// exposing the register window and the TX/RX dual-ported memory, the way
// a seqlock-style shared-memory ring mmaps /dev/shm for a zero-copy IPC
// ring (golang.org/x/sys/unix.Mmap here instead of syscall.Mmap).
// Register words are accessed through atomic loads/stores on the mapped
// bytes, mirroring that same example's seqlock-style atomic access to
// shared memory; ring memory is copied in and out with plain copies.
type MmapHW struct {
	f    *os.File
	data []byte

	txBase int
	rxBase int
}

// OpenMmapHW maps devicePath, which must expose regsWordSpan registers
// followed by txDPWords and rxDPWords of TX/RX ring memory (spec.md §6:
// 8k 32-bit words each), all word-addressed.
func OpenMmapHW(devicePath string) (*MmapHW, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("link: open comms device %s: %w", devicePath, err)
	}
	regionWords := regsWordSpan + txDPWords + rxDPWords
	regionSize := regionWords * 4
	data, err := unix.Mmap(int(f.Fd()), 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("link: mmap comms device %s: %w", devicePath, err)
	}
	return &MmapHW{
		f:      f,
		data:   data,
		txBase: regsWordSpan * 4,
		rxBase: (regsWordSpan + txDPWords) * 4,
	}, nil
}

// Close unmaps the device and closes its file descriptor.
func (m *MmapHW) Close() error {
	if err := unix.Munmap(m.data); err != nil {
		return err
	}
	return m.f.Close()
}

func (m *MmapHW) regPtr(word int) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.data[word*4]))
}

func (m *MmapHW) readReg(word int) uint32        { return atomic.LoadUint32(m.regPtr(word)) }
func (m *MmapHW) writeReg(word int, v uint32)    { atomic.StoreUint32(m.regPtr(word), v) }
func (m *MmapHW) readReg16(word int) uint16      { return uint16(m.readReg(word)) }

// writeRing copies data into a word-addressed ring at startWord, wrapping
// at capWords. Unlike protocol.ByteRing, which never lets a frame straddle
// its wrap point, a copy that reaches the end of the mmap'd DP memory is
// split and continues at the start of the ring.
func (m *MmapHW) writeRing(base, capWords int, startWord uint16, data []byte) {
	capBytes := capWords * 4
	off := (int(startWord) % capWords) * 4
	if off+len(data) <= capBytes {
		copy(m.data[base+off:], data)
		return
	}
	first := capBytes - off
	copy(m.data[base+off:], data[:first])
	copy(m.data[base:], data[first:])
}

func (m *MmapHW) readRing(base, capWords int, startWord uint16, n int) []byte {
	capBytes := capWords * 4
	off := (int(startWord) % capWords) * 4
	out := make([]byte, n)
	if off+n <= capBytes {
		copy(out, m.data[base+off:base+off+n])
		return out
	}
	first := capBytes - off
	copy(out, m.data[base+off:base+capBytes])
	copy(out[first:], m.data[base:base+(n-first)])
	return out
}

// padWords rounds b up to a multiple of 4 bytes with zero padding, since
// the wire format's per-frame byte length need not be word-aligned but
// the DP ring is word-addressed (spec.md §6: "padding of the last word is
// unspecified").
func padWords(b []byte) []byte {
	if rem := len(b) % 4; rem != 0 {
		b = append(b, make([]byte, 4-rem)...)
	}
	return b
}

func (m *MmapHW) SpaceRemaining() uint16 {
	wadr := m.readReg16(regTxWadr)
	radr := m.readReg16(regTxRadr)
	used := wadr - radr // 16-bit wrap arithmetic, spec.md §4.1
	if used > uint16(txDPWords) {
		return 0
	}
	return uint16(txDPWords) - used
}

func (m *MmapHW) HasSpaceFor(h protocol.Header) bool {
	return m.SpaceRemaining() >= wordsInHeader(h)
}

func (m *MmapHW) IsAvailable() bool {
	return m.readReg(regCommStatus)&statusAvail != 0
}

func (m *MmapHW) Send(f protocol.Frame, done <-chan struct{}) error {
	words := padWords(f.Bytes())
	wordCount := uint16(len(words) / 4)
	for {
		if m.IsAvailable() && m.SpaceRemaining() >= wordCount {
			wadr := m.readReg16(regTxWadr)
			m.writeRing(m.txBase, txDPWords, wadr, words)
			m.writeReg(regTxWadr, uint32(wadr+wordCount))
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

func (m *MmapHW) TryReceive() (protocol.Frame, bool, error) {
	if m.readReg(regCommStatus)&statusRxPktRcvd == 0 {
		return protocol.Frame{}, false, nil
	}
	radr := m.readReg16(regRxRadr)
	hdrBytes := m.readRing(m.rxBase, rxDPWords, radr, 4)
	h := protocol.Header(getU32Reg(hdrBytes))
	if err := h.Validate(); err != nil {
		// Advance past the rejected frame anyway: an undefined type is
		// word-counted from its len like any frame, while an oversized len
		// is not trusted and is clamped to HWMaxPayloadBytes, so the read
		// pointer moves by at most one maximum-size frame.
		total := padWords(make([]byte, 4+minInt(h.Len(), protocol.HWMaxPayloadBytes)))
		m.writeReg(regRxRadr, uint32(radr)+uint32(len(total)/4))
		return protocol.Frame{Header: h}, true, err
	}
	total := 4 + h.Len()
	raw := m.readRing(m.rxBase, rxDPWords, radr, len(padWords(make([]byte, total))))
	frame, err := protocol.ParseFrame(raw[:total])
	words := uint16(len(padWords(make([]byte, total))) / 4)
	m.writeReg(regRxRadr, uint32(radr)+uint32(words))
	return frame, true, err
}

func getU32Reg(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (m *MmapHW) RequestReboot(done <-chan struct{}) error {
	for m.SpaceRemaining() != uint16(txDPWords) {
		select {
		case <-done:
			return &ErrCanceled{Op: "RequestReboot"}
		default:
			time.Sleep(time.Millisecond)
		}
	}
	m.writeReg(regCommCtrl, m.readReg(regCommCtrl)|ctrlRebootRequest)
	return nil
}

func (m *MmapHW) IsRebootGranted() bool {
	return m.readReg(regCommStatus)&statusRebootGranted != 0
}

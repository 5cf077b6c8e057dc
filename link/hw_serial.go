package link

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"domlink/protocol"
)

// SerialConfig configures a UART-bridge HWIO backend, shaped like a
// Device/Baud/ReadTimeout config struct since it opens the same
// underlying library.
type SerialConfig struct {
	Device      string
	Baud        int
	ReadTimeoutMillis int
}

// DefaultSerialConfig mirrors host/serial.DefaultConfig's role: sane
// defaults for a bench setup, here tuned for the comms bridge rather than
// a Klipper MCU.
func DefaultSerialConfig(device string) SerialConfig {
	return SerialConfig{Device: device, Baud: 250000, ReadTimeoutMillis: 100}
}

// serialFrame is one decoded or rejected frame handed from the reader
// goroutine to TryReceive.
type serialFrame struct {
	frame protocol.Frame
	err   error
}

// SerialHW is a UART-bridge HWIO backend: for bench setups where the DOM
// surface receiver is reached through a serial-attached protocol bridge
// board rather than a PCI/VME DP-memory window. It frames each hardware
// packet as header bytes + payload + a trailing CRC16 (protocol.CRC16)
// computed over header+payload, since — unlike the
// real FPGA path — a UART has no hardware CRC of its own.
//
// Because a generic serial bridge has no visibility into the true FPGA
// COMM_CTRL/COMM_STATUS register surface, SpaceRemaining/HasSpaceFor
// report a generous constant and rely on the OS's own TTY buffering for
// backpressure (Write blocks when the kernel buffer is full); Send writes
// straight to the port without waiting on IsAvailable; and
// RequestReboot/IsRebootGranted are no-ops — see their doc comments.
type SerialHW struct {
	port io.ReadWriteCloser

	mu        sync.Mutex
	available bool

	frames chan serialFrame
	closed chan struct{}
}

// OpenSerialHW opens the named serial device and starts the background
// reader that assembles frames off the wire.
func OpenSerialHW(cfg SerialConfig) (*SerialHW, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeoutMillis) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("link: open serial port %s: %w", cfg.Device, err)
	}
	s := &SerialHW{
		port:      port,
		available: true,
		frames:    make(chan serialFrame, 64),
		closed:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

// readLoop assembles [4-byte header][payload][2-byte CRC16] records off
// the wire and delivers them to TryReceive via frames. It terminates (and
// marks the backend unavailable) on the first read error, e.g. the port
// being closed.
func (s *SerialHW) readLoop() {
	defer close(s.closed)
	for {
		hdrBytes, err := readFull(s.port, 4)
		if err != nil {
			s.mu.Lock()
			s.available = false
			s.mu.Unlock()
			return
		}
		h := protocol.Header(binary.BigEndian.Uint32(hdrBytes))
		if verr := h.Validate(); verr != nil {
			// We don't know the intended length, so we can't resync to the
			// next frame boundary; report what we can and keep reading from
			// here, same as any framed-stream desync.
			s.frames <- serialFrame{frame: protocol.Frame{Header: h}, err: verr}
			continue
		}
		payload, err := readFull(s.port, h.Len())
		if err != nil {
			s.mu.Lock()
			s.available = false
			s.mu.Unlock()
			return
		}
		crcBytes, err := readFull(s.port, 2)
		if err != nil {
			s.mu.Lock()
			s.available = false
			s.mu.Unlock()
			return
		}
		want := binary.BigEndian.Uint16(crcBytes)
		got := protocol.CRC16(append(append([]byte{}, hdrBytes...), payload...))
		f := protocol.Frame{Header: h, Payload: payload}
		if got != want {
			s.frames <- serialFrame{frame: f, err: fmt.Errorf("link: serial frame CRC mismatch (got %04x, want %04x)", got, want)}
			continue
		}
		s.frames <- serialFrame{frame: f}
	}
}

// SpaceRemaining reports a generous constant: see the type doc comment on
// why this backend can't observe real DP-ring occupancy.
func (s *SerialHW) SpaceRemaining() uint16 { return protocol.HWMaxFrameWords }

func (s *SerialHW) HasSpaceFor(h protocol.Header) bool {
	return s.SpaceRemaining() >= wordsInHeader(h)
}

func (s *SerialHW) Send(f protocol.Frame, done <-chan struct{}) error {
	select {
	case <-done:
		return &ErrCanceled{Op: "Send"}
	default:
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(f.Header))
	crc := protocol.CRC16(append(append([]byte{}, hdr...), f.Payload...))
	crcBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(crcBytes, crc)

	if _, err := s.port.Write(hdr); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := s.port.Write(f.Payload); err != nil {
			return err
		}
	}
	_, err := s.port.Write(crcBytes)
	return err
}

func (s *SerialHW) TryReceive() (protocol.Frame, bool, error) {
	select {
	case sf := <-s.frames:
		return sf.frame, true, sf.err
	default:
		return protocol.Frame{}, false, nil
	}
}

// RequestReboot is a no-op: a generic serial bridge has no path to the
// FPGA's REBOOT_REQUEST control bit. Use hw_mmap_linux.go's backend for
// the reboot handshake.
func (s *SerialHW) RequestReboot(done <-chan struct{}) error { return nil }

// IsRebootGranted always reports false for the same reason.
func (s *SerialHW) IsRebootGranted() bool { return false }

func (s *SerialHW) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Close stops the reader goroutine and closes the underlying port.
func (s *SerialHW) Close() error { return s.port.Close() }

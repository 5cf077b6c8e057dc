package link

import "domlink/protocol"

// segment is one outbound chunk of an application message: payload bytes
// plus whether this is the terminal (SYN_FIN) segment of the message
// (spec.md §4.6, send side).
type segment struct {
	payload []byte
	final   bool
}

// segmentMessage partitions payload into HW_MAX_PAYLOAD_BYTES-sized chunks,
// all but the last typed CONT, the last typed SYN_FIN. A zero-length
// message still produces exactly one (empty) SYN_FIN segment, matching
// spec.md §8 scenario 1.
func segmentMessage(payload []byte) []segment {
	if len(payload) == 0 {
		return []segment{{final: true}}
	}
	var segs []segment
	for len(payload) > protocol.HWMaxPayloadBytes {
		segs = append(segs, segment{payload: payload[:protocol.HWMaxPayloadBytes]})
		payload = payload[protocol.HWMaxPayloadBytes:]
	}
	segs = append(segs, segment{payload: payload, final: true})
	return segs
}

// reassembler is the receive-side accumulator of spec.md §4.6: payload
// bytes from successive in-order CONT frames build up until a SYN_FIN
// delivers the completed message. Only one message is ever being
// assembled at a time (no out-of-order delivery, no multiplexing — the
// spec's Non-goals), but completed messages queue here until the caller's
// Receive drains them.
type reassembler struct {
	acc       []byte
	completed [][]byte
}

// OnCont appends a non-terminal segment. If the running total would
// exceed MAX_MSG_SIZE, the partial message is discarded and nBadFins
// increments (spec.md §4.6/§8 P9); accumulation then resumes empty.
func (r *reassembler) OnCont(payload []byte, st *stats) {
	if len(r.acc)+len(payload) > protocol.MaxMsgSize {
		r.acc = r.acc[:0]
		st.nBadFins.Add(1)
		return
	}
	r.acc = append(r.acc, payload...)
}

// OnSynFin appends the terminal segment and, unless that would overflow
// MAX_MSG_SIZE, delivers the completed message to the completed queue.
func (r *reassembler) OnSynFin(payload []byte, st *stats) {
	if len(r.acc)+len(payload) > protocol.MaxMsgSize {
		r.acc = r.acc[:0]
		st.nBadFins.Add(1)
		return
	}
	msg := make([]byte, len(r.acc)+len(payload))
	n := copy(msg, r.acc)
	copy(msg[n:], payload)
	r.completed = append(r.completed, msg)
	r.acc = r.acc[:0]
}

// Ready reports whether a fully reassembled message is waiting — exactly
// msg_ready's contract in spec.md §4.8.
func (r *reassembler) Ready() bool { return len(r.completed) > 0 }

// Pop removes and returns the oldest completed message.
func (r *reassembler) Pop() ([]byte, bool) {
	if len(r.completed) == 0 {
		return nil, false
	}
	m := r.completed[0]
	r.completed = r.completed[1:]
	return m, true
}

// Reset discards in-progress and queued messages; called on connection
// reset (spec.md §4.5/§5's cancellation semantics).
func (r *reassembler) Reset() {
	r.acc = r.acc[:0]
	r.completed = nil
}

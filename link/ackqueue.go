package link

import "domlink/protocol"

// ackEntry is one pending acknowledgment. reack marks an ack pushed for a
// seqn already accepted in an earlier iteration (spec.md §4.7's
// "already-acked duplicate — re-ack"), which stats.go counts separately
// from a first-time ack (spec.md §6.1's TX "ack"/"reack" totals).
type ackEntry struct {
	seqn  uint16
	reack bool
}

// ackQueue is the bounded FIFO of sequence numbers awaiting acknowledgment
// transmission (spec.md §4.2). Acks bypass the retransmit buffer entirely:
// a lost ack is corrected by the sender's next retransmit, not by retrying
// the ack itself.
type ackQueue struct {
	buf        [protocol.AckCapacity]ackEntry
	head, tail int // monotonic counters; index = counter % AckCapacity
}

func (q *ackQueue) Push(seqn uint16, reack bool) {
	q.buf[q.head%protocol.AckCapacity] = ackEntry{seqn: seqn, reack: reack}
	q.head++
}

func (q *ackQueue) Pop() (ackEntry, bool) {
	if q.IsEmpty() {
		return ackEntry{}, false
	}
	v := q.buf[q.tail%protocol.AckCapacity]
	q.tail++
	return v, true
}

func (q *ackQueue) IsEmpty() bool { return q.head == q.tail }

func (q *ackQueue) IsFull() bool { return q.head-q.tail == protocol.AckCapacity }

func (q *ackQueue) Len() int { return q.head - q.tail }

// FreeEntries reports how many more sequence numbers the queue can hold;
// stats.go tracks the minimum observed value across the link's lifetime.
func (q *ackQueue) FreeEntries() int { return protocol.AckCapacity - q.Len() }

// flushAcks drains the ack queue onto hw, emitting a type=ACK, len=0 frame
// per entry, stopping as soon as there's no hardware space for the next one
// (spec.md §4.2). It returns the number of acks actually sent.
func flushAcks(q *ackQueue, hw HWIO, st *stats) int {
	sent := 0
	for !q.IsEmpty() {
		e, _ := q.Pop()
		h := protocol.MakeHeader(0, protocol.FrameAck, false, e.seqn)
		if !hw.HasSpaceFor(h) {
			// No room for this one; un-pop it (the slot still holds the
			// value) and try again on the next scan.
			q.tail--
			return sent
		}
		_ = hw.Send(protocol.Frame{Header: h}, nil)
		st.txAll.Add(1)
		if e.reack {
			st.txReack.Add(1)
		} else {
			st.txAck.Add(1)
		}
		sent++
	}
	return sent
}

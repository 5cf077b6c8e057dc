package link

import (
	"time"

	"github.com/lithdew/seq"

	"domlink/protocol"
)

// scan is the single dispatch loop of spec.md §4.7, invoked from every
// public API entry point and from the periodic tick. It drains frames
// waiting on hw, processing each by type, until either hw has nothing more
// or — unless aggressive — the receive queue or ack queue would have no
// room to accept what comes next. It returns the number of frames
// processed.
func (l *Link) scan(aggressive bool) int {
	count := 0
	for {
		if !aggressive && (l.rxQueue.IsFull() || l.acks.IsFull()) {
			break
		}
		f, ok, err := l.hw.TryReceive()
		if !ok {
			break
		}
		count++
		l.st.rxAll.Add(1)
		if err != nil {
			l.st.rxBad.Add(1)
			flushAcks(l.acks, l.hw, l.st)
			continue
		}

		switch f.Header.Type() {
		case protocol.FrameAck:
			l.handleAck(f)
		case protocol.FrameControl:
			l.handleControl(f)
		case protocol.FrameIC:
			l.conn.onIC(l, time.Now())
		case protocol.FrameCI:
			if l.conn.state == Unconnected {
				l.conn.onCI(l)
			}
			// Connected + receive CI: ignore.
		case protocol.FrameCont, protocol.FrameSynFin:
			l.handleData(f)
		default:
			l.st.rxBad.Add(1)
		}

		flushAcks(l.acks, l.hw, l.st)
		l.st.observeAckQueueFree(l.acks.FreeEntries())
		l.st.observeRxQueueFree(l.rxQueue.Free())
	}
	return count
}

func (l *Link) handleAck(f protocol.Frame) {
	l.st.rxAck.Add(1)
	if l.retx.Delete(f.Header.Seqn()) {
		l.st.rxGoodAck.Add(1)
	} else {
		l.st.rxDupAck.Add(1)
	}
	l.st.observeRetxEntries(l.retx.LiveCount())
}

// handleControl answers a statistics request (spec.md §6.1): a CONTROL
// frame whose first payload byte is zero. The reply is sent best-effort —
// if there's no hardware space right now, it's simply dropped, matching
// §4.7's "best effort; dropped if no hardware space."
func (l *Link) handleControl(f protocol.Frame) {
	l.st.rxControl.Add(1)
	if len(f.Payload) < 1 || f.Payload[0] != 0 {
		return
	}
	reply := encodeStatsReply(l.st.Snapshot())
	h := protocol.MakeHeader(len(reply), protocol.FrameControl, false, 0)
	if !l.hw.HasSpaceFor(h) {
		return
	}
	_ = l.hw.Send(protocol.Frame{Header: h, Payload: reply}, nil)
	l.st.txAll.Add(1)
	l.st.txControl.Add(1)
}

// handleData implements spec.md §4.7's CONT/SYN_FIN branch: protocol
// violations while Unconnected are counted and discarded (§7); otherwise
// the frame is classified by comparing its seqn to rx_next_seqn with
// 16-bit wraparound arithmetic (github.com/lithdew/seq, the same wraparound
// helper other_examples' reliable-UDP implementation uses for its own send/
// receive indices).
func (l *Link) handleData(f protocol.Frame) {
	if l.conn.state == Unconnected {
		l.st.nPostICInvalid.Add(1)
		l.st.rxBad.Add(1)
		return
	}
	l.st.rxData.Add(1)

	seqn := f.Header.Seqn()
	rxNext := l.conn.rxNextSeqn

	switch {
	case seq.GT(rxNext, seqn):
		// delSeqn < 0: already-acked duplicate. Re-ack it, unless the ack
		// queue has no room — then drop rather than overwrite a pending
		// ack (comm-hal.c: "if (delSeqn<0 && !ackQisFull())", else counts
		// the frame as dropped instead of pushing).
		if l.acks.IsFull() {
			l.st.rxDropped.Add(1)
			return
		}
		l.st.rxDupData.Add(1)
		l.acks.Push(seqn, true)
	case seqn == rxNext:
		if l.rxQueue.IsFull() || l.acks.IsFull() {
			l.st.rxDropped.Add(1)
			return
		}
		if !l.rxQueue.Put(f) {
			l.st.rxDropped.Add(1)
			return
		}
		l.acks.Push(seqn, false)
		l.conn.rxNextSeqn++
		l.st.rxGoodData.Add(1)
	default:
		// delSeqn > 0: out-of-order future frame; no reordering buffer
		// per the spec's Non-goals, so it's simply dropped and will be
		// retransmitted by the sender.
		l.st.rxDropped.Add(1)
	}
}

// drainToReassembly feeds every frame currently sitting in the receive
// queue into the reassembler, freeing the queue's backing bytes. It does
// not touch hardware, so it's safe to call from the non-blocking
// MsgReady as well as from Receive's wait loop — the receive queue only
// gets relieved when the caller is actually polling for a message
// (spec.md's backpressure: an application that never calls Receive lets
// the queue fill, which is exactly the condition unstickRx exists for).
func (l *Link) drainToReassembly() {
	for {
		f, ok := l.rxQueue.Get()
		if !ok {
			return
		}
		switch f.Header.Type() {
		case protocol.FrameCont:
			l.reasm.OnCont(f.Payload, l.st)
		case protocol.FrameSynFin:
			l.reasm.OnSynFin(f.Payload, l.st)
		}
	}
}

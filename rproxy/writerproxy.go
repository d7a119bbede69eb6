package rproxy

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rqos"
	"github.com/gordian-engine/rtps/rtransport"
)

// BestEffortWindow is how far behind the newest received sequence number
// a best-effort reader still accepts out-of-order changes.
const BestEffortWindow = 256

// ReceiveWindow is how far beyond the low mark a reliable reader
// records out-of-order changes. Changes further ahead are dropped
// and recovered later through heartbeats and ACKNACK.
const ReceiveWindow = 1 << 14

// WriterAttributes describe a remote writer as known to a reader.
type WriterAttributes struct {
	GUID       rid.GUID
	Topic      string
	Durability rqos.DurabilityKind
	Reliable   bool
	Strength   uint32
	Locators   []rtransport.Locator
}

// WriterProxy is a reader's view of one matched writer.
type WriterProxy struct {
	attrs WriterAttributes

	// Every sequence number at or below lowMark is received,
	// irrelevant, or lost.
	lowMark rid.SequenceNumber

	// Bit i set means lowMark+1+i was received or is irrelevant.
	received *bitset.BitSet

	// Highest sequence number the writer has announced.
	maxAnnounced rid.SequenceNumber

	heartbeats countFilter

	synced bool
}

// NewWriterProxy returns a proxy that has received nothing.
func NewWriterProxy(attrs WriterAttributes) *WriterProxy {
	return &WriterProxy{
		attrs:    attrs,
		received: bitset.New(BestEffortWindow),
	}
}

// Attributes returns the remote writer's attributes.
func (p *WriterProxy) Attributes() WriterAttributes { return p.attrs }

// GUID returns the remote writer's GUID.
func (p *WriterProxy) GUID() rid.GUID { return p.attrs.GUID }

// IsReliable reports whether the writer runs the reliable protocol.
func (p *WriterProxy) IsReliable() bool { return p.attrs.Reliable }

// LowMark returns the highest sequence number up to which
// nothing more is expected.
func (p *WriterProxy) LowMark() rid.SequenceNumber { return p.lowMark }

// MaxAnnounced returns the highest sequence number known to exist.
func (p *WriterProxy) MaxAnnounced() rid.SequenceNumber { return p.maxAnnounced }

// AvailableChangesMax returns the highest sequence number
// at or below which every change has been received or resolved,
// so reliable delivery up to it preserves order.
func (p *WriterProxy) AvailableChangesMax() rid.SequenceNumber { return p.lowMark }

// Synced reports whether the first heartbeat or change has fixed the floor.
func (p *WriterProxy) Synced() bool { return p.synced }

// MarkSynced records that the floor is established.
func (p *WriterProxy) MarkSynced() { p.synced = true }

// IsReceived reports whether seq needs no further delivery.
func (p *WriterProxy) IsReceived(seq rid.SequenceNumber) bool {
	if seq <= p.lowMark {
		return true
	}
	return p.received.Test(uint(seq - p.lowMark - 1))
}

// ReceivedChangeSet records the arrival of seq.
// It returns false if seq was already received or resolved.
//
// A best-effort proxy jumps its low mark forward to keep seq
// within [BestEffortWindow] of the low mark.
func (p *WriterProxy) ReceivedChangeSet(seq rid.SequenceNumber) bool {
	if p.IsReceived(seq) {
		return false
	}
	if seq > p.maxAnnounced {
		p.maxAnnounced = seq
	}
	if seq-p.lowMark > BestEffortWindow {
		if p.attrs.Reliable {
			if seq-p.lowMark > ReceiveWindow {
				return false
			}
		} else {
			p.setLowMark(seq - BestEffortWindow)
		}
	}
	p.received.Set(uint(seq - p.lowMark - 1))
	p.advance()
	return true
}

// IrrelevantChangeSet records that seq will never be sent,
// as announced by GAP.
func (p *WriterProxy) IrrelevantChangeSet(seq rid.SequenceNumber) bool {
	return p.ReceivedChangeSet(seq)
}

// IrrelevantRange records that every sequence number in [first, last]
// will never be sent.
func (p *WriterProxy) IrrelevantRange(first, last rid.SequenceNumber) {
	if last < first {
		return
	}
	if first <= p.lowMark+1 {
		p.SetFloor(last)
		return
	}
	if !p.attrs.Reliable && last-first >= BestEffortWindow {
		first = last - BestEffortWindow + 1
	}
	for seq := first; seq <= last; seq++ {
		if seq-p.lowMark > ReceiveWindow {
			return
		}
		p.IrrelevantChangeSet(seq)
	}
}

// LostChangesUpdate declares every sequence number below first unavailable.
// It returns the range of sequence numbers that were never received,
// with n = 0 if nothing was lost.
func (p *WriterProxy) LostChangesUpdate(first rid.SequenceNumber) (lostFirst, lostLast rid.SequenceNumber, n int) {
	if first-1 <= p.lowMark {
		return 0, 0, 0
	}
	for seq := p.lowMark + 1; seq < first; seq++ {
		if p.received.Test(uint(seq - p.lowMark - 1)) {
			continue
		}
		if n == 0 {
			lostFirst = seq
		}
		lostLast = seq
		n++
	}
	p.setLowMark(first - 1)
	p.advance()
	return lostFirst, lostLast, n
}

// SetFloor silently moves the low mark to seq without reporting losses,
// as on the first heartbeat from a writer matched late.
func (p *WriterProxy) SetFloor(seq rid.SequenceNumber) {
	if seq <= p.lowMark {
		return
	}
	p.setLowMark(seq)
	p.advance()
}

// MissingChangesUpdate records that the writer holds changes up to last.
func (p *WriterProxy) MissingChangesUpdate(last rid.SequenceNumber) {
	if last > p.maxAnnounced {
		p.maxAnnounced = last
	}
}

// MissingChanges returns the announced but unreceived sequence numbers
// above the low mark, limited to what one bitmap can carry.
func (p *WriterProxy) MissingChanges() rid.SequenceNumberSet {
	set := rid.NewSequenceNumberSet(p.lowMark + 1)
	for seq := p.lowMark + 1; seq <= p.maxAnnounced; seq++ {
		if p.received.Test(uint(seq - p.lowMark - 1)) {
			continue
		}
		if !set.Add(seq) {
			break
		}
	}
	return set
}

// LowestReceivedAbove returns the smallest received sequence number
// above the low mark.
func (p *WriterProxy) LowestReceivedAbove() (rid.SequenceNumber, bool) {
	i, ok := p.received.NextSet(0)
	if !ok {
		return 0, false
	}
	return p.lowMark + 1 + rid.SequenceNumber(i), true
}

// AcceptHeartbeat reports whether a HEARTBEAT with the given count is new.
func (p *WriterProxy) AcceptHeartbeat(count uint32) bool {
	return p.heartbeats.accept(count)
}

// advance folds the contiguous received prefix into the low mark.
func (p *WriterProxy) advance() {
	var k uint
	for p.received.Test(k) {
		k++
	}
	if k > 0 {
		p.setLowMark(p.lowMark + rid.SequenceNumber(k))
	}
}

// setLowMark moves the low mark up to seq,
// rebasing the received bitmap to the new origin.
func (p *WriterProxy) setLowMark(seq rid.SequenceNumber) {
	shift := uint(seq - p.lowMark)
	next := bitset.New(BestEffortWindow)
	for i, ok := p.received.NextSet(shift); ok; i, ok = p.received.NextSet(i + 1) {
		next.Set(i - shift)
	}
	p.received = next
	p.lowMark = seq
	if seq > p.maxAnnounced {
		p.maxAnnounced = seq
	}
}

package rproxy

import (
	"fmt"
	"slices"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rqos"
	"github.com/gordian-engine/rtps/rtransport"
)

// ChangeStatus is the delivery state of one change for one reader.
type ChangeStatus uint8

const (
	Unsent ChangeStatus = iota
	Requested
	Unacknowledged
	Acknowledged
)

func (s ChangeStatus) String() string {
	switch s {
	case Unsent:
		return "UNSENT"
	case Requested:
		return "REQUESTED"
	case Unacknowledged:
		return "UNACKNOWLEDGED"
	case Acknowledged:
		return "ACKNOWLEDGED"
	}
	return fmt.Sprintf("ChangeStatus(%d)", uint8(s))
}

// ReaderAttributes describe a remote reader as known to a writer.
type ReaderAttributes struct {
	GUID       rid.GUID
	Topic      string
	Durability rqos.DurabilityKind
	Reliable   bool
	Locators   []rtransport.Locator
}

// ChangeForReader is a change's status as seen by one reader.
type ChangeForReader struct {
	Seq    rid.SequenceNumber
	Status ChangeStatus

	// Irrelevant changes are announced with GAP instead of DATA.
	Relevant bool

	LastSent time.Time
}

// ReaderProxy is a writer's view of one matched reader.
type ReaderProxy struct {
	attrs ReaderAttributes

	// Every sequence number at or below lowMark is acknowledged
	// (for best-effort readers: sent) or irrelevant.
	lowMark rid.SequenceNumber

	// Tracked changes above lowMark, ascending.
	changes []ChangeForReader

	requested mapset.Set[rid.SequenceNumber]

	acknacks countFilter

	nackSuppression time.Duration
}

// NewReaderProxy returns a proxy that has not seen any change.
func NewReaderProxy(attrs ReaderAttributes, nackSuppression time.Duration) *ReaderProxy {
	return &ReaderProxy{
		attrs:           attrs,
		requested:       mapset.NewThreadUnsafeSet[rid.SequenceNumber](),
		nackSuppression: nackSuppression,
	}
}

// Attributes returns the remote reader's attributes.
func (p *ReaderProxy) Attributes() ReaderAttributes { return p.attrs }

// GUID returns the remote reader's GUID.
func (p *ReaderProxy) GUID() rid.GUID { return p.attrs.GUID }

// IsReliable reports whether the remote reader acknowledges changes.
func (p *ReaderProxy) IsReliable() bool { return p.attrs.Reliable }

// LowMark returns the highest sequence number at or below which
// every change is acknowledged or irrelevant.
func (p *ReaderProxy) LowMark() rid.SequenceNumber { return p.lowMark }

func (p *ReaderProxy) index(seq rid.SequenceNumber) int {
	i := sort.Search(len(p.changes), func(i int) bool {
		return p.changes[i].Seq >= seq
	})
	if i < len(p.changes) && p.changes[i].Seq == seq {
		return i
	}
	return -1
}

// AddChange starts tracking seq as unsent.
// Sequence numbers must be added in ascending order.
func (p *ReaderProxy) AddChange(seq rid.SequenceNumber, relevant bool) {
	if seq <= p.lowMark {
		panic(fmt.Errorf("BUG: adding change %d at or below low mark %d", seq, p.lowMark))
	}
	if n := len(p.changes); n > 0 && p.changes[n-1].Seq >= seq {
		panic(fmt.Errorf(
			"BUG: adding change %d not above last tracked %d", seq, p.changes[n-1].Seq,
		))
	}
	p.changes = append(p.changes, ChangeForReader{Seq: seq, Status: Unsent, Relevant: relevant})
}

// IrrelevantBelow declares every sequence number below seq irrelevant
// to this reader, as for a volatile reader matched after those were written.
// It returns the range that became irrelevant, which the writer
// announces with a GAP; first > last means nothing changed.
func (p *ReaderProxy) IrrelevantBelow(seq rid.SequenceNumber) (first, last rid.SequenceNumber) {
	first = p.lowMark + 1
	if seq-1 <= p.lowMark {
		return first, p.lowMark
	}
	for len(p.changes) > 0 && p.changes[0].Seq < seq {
		p.requested.Remove(p.changes[0].Seq)
		p.changes = p.changes[1:]
	}
	p.lowMark = seq - 1
	return first, p.lowMark
}

// UnsentChanges returns the changes waiting for a first transmission
// or a retransmission request, in ascending order.
func (p *ReaderProxy) UnsentChanges() []ChangeForReader {
	var out []ChangeForReader
	for _, c := range p.changes {
		if c.Status == Unsent {
			out = append(out, c)
		}
	}
	return out
}

// HasUnsent reports whether any change awaits first transmission.
func (p *ReaderProxy) HasUnsent() bool {
	for _, c := range p.changes {
		if c.Status == Unsent {
			return true
		}
	}
	return false
}

// MarkSent records the transmission of seq at now.
// For a best-effort reader a sent change counts as acknowledged.
func (p *ReaderProxy) MarkSent(seq rid.SequenceNumber, now time.Time) {
	i := p.index(seq)
	if i < 0 {
		return
	}
	c := &p.changes[i]
	c.LastSent = now
	p.requested.Remove(seq)
	if p.attrs.Reliable && c.Relevant {
		c.Status = Unacknowledged
	} else {
		c.Status = Acknowledged
	}
	p.advance()
}

// advance pops leading acknowledged changes into the low mark.
func (p *ReaderProxy) advance() {
	for len(p.changes) > 0 && p.changes[0].Status == Acknowledged {
		p.lowMark = p.changes[0].Seq
		p.changes = p.changes[1:]
	}
}

// AcceptAckNack reports whether an ACKNACK with the given count is new.
func (p *ReaderProxy) AcceptAckNack(count uint32) bool {
	return p.acknacks.accept(count)
}

// AckedChangesSet acknowledges every sequence number below base.
// It reports whether the low mark moved.
func (p *ReaderProxy) AckedChangesSet(base rid.SequenceNumber) bool {
	if base-1 <= p.lowMark {
		return false
	}
	for len(p.changes) > 0 && p.changes[0].Seq < base {
		p.requested.Remove(p.changes[0].Seq)
		p.changes = p.changes[1:]
	}
	p.lowMark = base - 1
	p.advance()
	return true
}

// RequestedChangesSet marks the members of set as requested.
//
// Requests for changes sent within the NACK suppression window are ignored.
// Sequence numbers that are neither tracked nor acknowledged
// are returned in gone, as the writer no longer holds them and must send a GAP.
func (p *ReaderProxy) RequestedChangesSet(
	set rid.SequenceNumberSet, maxSeq rid.SequenceNumber, now time.Time,
) (requested int, gone []rid.SequenceNumber) {
	for seq := range set.All() {
		if seq > maxSeq {
			break
		}
		if seq <= p.lowMark {
			continue
		}
		i := p.index(seq)
		if i < 0 {
			gone = append(gone, seq)
			continue
		}
		c := &p.changes[i]
		switch c.Status {
		case Acknowledged, Unsent:
			continue
		case Unacknowledged:
			if p.nackSuppression > 0 && now.Sub(c.LastSent) < p.nackSuppression {
				continue
			}
		}
		c.Status = Requested
		if p.requested.Add(seq) {
			requested++
		}
	}
	return requested, gone
}

// RequestedChanges returns the requested sequence numbers, ascending.
func (p *ReaderProxy) RequestedChanges() []rid.SequenceNumber {
	out := p.requested.ToSlice()
	slices.Sort(out)
	return out
}

// HasRequested reports whether any retransmission is pending.
func (p *ReaderProxy) HasRequested() bool {
	return p.requested.Cardinality() > 0
}

// ChangeRemoved stops tracking seq after the history dropped it.
// It reports whether the reader had not yet acknowledged the change.
func (p *ReaderProxy) ChangeRemoved(seq rid.SequenceNumber) (unacked bool) {
	i := p.index(seq)
	if i < 0 {
		return false
	}
	c := p.changes[i]
	p.changes = slices.Delete(p.changes, i, i+1)
	p.requested.Remove(seq)
	// Removal of the head lets later acknowledged entries fold into the low mark.
	p.advance()
	return c.Relevant && c.Status != Acknowledged
}

// ChangeIsAcked reports whether the reader holds seq or never needs it.
func (p *ReaderProxy) ChangeIsAcked(seq rid.SequenceNumber) bool {
	if seq <= p.lowMark {
		return true
	}
	i := p.index(seq)
	return i >= 0 && p.changes[i].Status == Acknowledged
}

// HasUnacknowledged reports whether a relevant change still awaits acknowledgement.
func (p *ReaderProxy) HasUnacknowledged() bool {
	for _, c := range p.changes {
		if c.Relevant && c.Status != Acknowledged {
			return true
		}
	}
	return false
}

// Status returns the tracked status of seq.
func (p *ReaderProxy) Status(seq rid.SequenceNumber) (ChangeStatus, bool) {
	if seq <= p.lowMark {
		return Acknowledged, true
	}
	i := p.index(seq)
	if i < 0 {
		return 0, false
	}
	return p.changes[i].Status, true
}

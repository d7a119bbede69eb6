package rwire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gordian-engine/rtps/rcache"
	"github.com/gordian-engine/rtps/rid"
)

// Fixed sizes used to bound the encoded length of submessages.
const (
	InfoTSLen  = submessageHeaderLen + 8
	InfoDstLen = submessageHeaderLen + rid.GUIDPrefixLen

	HeartbeatLen = submessageHeaderLen + 28

	// Largest ACKNACK and GAP, with a full sequence number bitmap.
	AckNackMaxLen = submessageHeaderLen + 8 + setMaxLen + 4
	GapMaxLen     = submessageHeaderLen + 8 + 8 + setMaxLen

	// DataOverhead is the largest DATA submessage size excluding the
	// serialized payload and its encapsulation header.
	DataOverhead = submessageHeaderLen + 20 + maxInlineQoSLen

	// DataFragOverhead is the largest DATA_FRAG size excluding the shard bytes.
	DataFragOverhead = submessageHeaderLen + 32 + maxInlineQoSLen + 8
)

const setMaxLen = 8 + 4 + rid.MaxSetBits/8

// Key hash, status info and sentinel.
const maxInlineQoSLen = (4 + 16) + (4 + 4) + 4

// Encoder appends submessages to a single RTPS message.
//
// The source prefix of every submessage is the prefix in the header;
// GUID prefixes on the submessage arguments are ignored except where noted.
// Destination prefixes are set with [*Encoder.InfoDst].
//
// Multi-byte fields are written big-endian.
type Encoder struct {
	prefix rid.GUIDPrefix
	buf    []byte
	n      int
}

// NewEncoder returns an encoder for messages sent from the participant
// with the given prefix.
func NewEncoder(prefix rid.GUIDPrefix) *Encoder {
	e := &Encoder{prefix: prefix}
	e.Reset()
	return e
}

// Reset discards all submessages, keeping the allocated buffer.
func (e *Encoder) Reset() {
	e.buf = append(e.buf[:0], 'R', 'T', 'P', 'S', VersionMajor, VersionMinor)
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(rid.Vendor))
	e.buf = append(e.buf, e.prefix[:]...)
	e.n = 0
}

// Bytes returns the encoded message.
// The slice is only valid until the next call to Reset.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the current encoded length, including the header.
func (e *Encoder) Len() int { return len(e.buf) }

// HasSubmessages reports whether anything was appended since the last Reset.
func (e *Encoder) HasSubmessages() bool { return e.n > 0 }

func (e *Encoder) begin(id SubmessageID, flags byte) int {
	start := len(e.buf)
	e.buf = append(e.buf, byte(id), flags, 0, 0)
	return start
}

func (e *Encoder) end(start int) {
	n := len(e.buf) - start - submessageHeaderLen
	if n > 0xffff {
		panic(fmt.Errorf("BUG: submessage body of %d bytes exceeds 65535", n))
	}
	binary.BigEndian.PutUint16(e.buf[start+2:], uint16(n))
	e.n++
}

func (e *Encoder) appendSeq(sn rid.SequenceNumber) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(sn.High()))
	e.buf = binary.BigEndian.AppendUint32(e.buf, sn.Low())
}

func (e *Encoder) appendEntity(id rid.EntityID) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(id))
}

func (e *Encoder) appendSet(s rid.SequenceNumberSet) {
	e.appendSeq(s.Base)
	numBits := s.NumBits()
	e.buf = binary.BigEndian.AppendUint32(e.buf, numBits)

	words := make([]uint32, (numBits+31)/32)
	for sn := range s.All() {
		i := uint32(sn - s.Base)
		words[i/32] |= 1 << (31 - i%32)
	}
	for _, w := range words {
		e.buf = binary.BigEndian.AppendUint32(e.buf, w)
	}
}

// InfoDst directs the following submessages to the participant with prefix.
func (e *Encoder) InfoDst(prefix rid.GUIDPrefix) {
	start := e.begin(IDInfoDst, 0)
	e.buf = append(e.buf, prefix[:]...)
	e.end(start)
}

// InfoTS sets the source timestamp of the following submessages.
// A zero t invalidates any earlier timestamp.
func (e *Encoder) InfoTS(t time.Time) {
	if t.IsZero() {
		start := e.begin(IDInfoTS, flagInvalidate)
		e.end(start)
		return
	}
	start := e.begin(IDInfoTS, 0)
	sec, frac := timeToWire(t)
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(sec))
	e.buf = binary.BigEndian.AppendUint32(e.buf, frac)
	e.end(start)
}

func (e *Encoder) appendInlineQoS(kind rcache.ChangeKind, instance rcache.InstanceHandle, hasKey bool, dataShards, parityShards uint16) {
	if hasKey {
		e.buf = binary.BigEndian.AppendUint16(e.buf, pidKeyHash)
		e.buf = binary.BigEndian.AppendUint16(e.buf, 16)
		e.buf = append(e.buf, instance[:]...)
	}
	if kind != rcache.Alive {
		var flags byte
		switch kind {
		case rcache.NotAliveDisposed:
			flags = statusDisposed
		case rcache.NotAliveUnregistered:
			flags = statusUnregistered
		case rcache.NotAliveDisposedUnregistered:
			flags = statusDisposed | statusUnregistered
		}
		e.buf = binary.BigEndian.AppendUint16(e.buf, pidStatusInfo)
		e.buf = binary.BigEndian.AppendUint16(e.buf, 4)
		e.buf = append(e.buf, 0, 0, 0, flags)
	}
	if dataShards > 0 {
		e.buf = binary.BigEndian.AppendUint16(e.buf, pidShards)
		e.buf = binary.BigEndian.AppendUint16(e.buf, 4)
		e.buf = binary.BigEndian.AppendUint16(e.buf, dataShards)
		e.buf = binary.BigEndian.AppendUint16(e.buf, parityShards)
	}
	e.buf = binary.BigEndian.AppendUint16(e.buf, pidSentinel)
	e.buf = binary.BigEndian.AppendUint16(e.buf, 0)
}

// Data appends a DATA submessage.
// An alive change carries d.Payload in encapsulated form;
// other kinds carry only inline QoS.
// d.Timestamp is ignored; use [*Encoder.InfoTS].
func (e *Encoder) Data(d *Data) {
	needQoS := d.HasKey || d.Kind != rcache.Alive
	var flags byte
	if needQoS {
		flags |= flagInlineQoS
	}
	if d.Kind == rcache.Alive {
		flags |= flagData
	}

	start := e.begin(IDData, flags)
	e.buf = append(e.buf, 0, 0)                      // extra flags
	e.buf = binary.BigEndian.AppendUint16(e.buf, 16) // octets to inline QoS
	e.appendEntity(d.Reader.Entity)
	e.appendEntity(d.Writer.Entity)
	e.appendSeq(d.Seq)
	if needQoS {
		e.appendInlineQoS(d.Kind, d.Instance, d.HasKey, 0, 0)
	}
	if d.Kind == rcache.Alive {
		e.buf = AppendPayload(e.buf, d.Payload)
	}
	e.end(start)
}

// DataFrag appends a DATA_FRAG submessage carrying one shard.
func (e *Encoder) DataFrag(d *DataFrag) {
	start := e.begin(IDDataFrag, flagInlineQoS)
	e.buf = append(e.buf, 0, 0)
	e.buf = binary.BigEndian.AppendUint16(e.buf, 28)
	e.appendEntity(d.Reader.Entity)
	e.appendEntity(d.Writer.Entity)
	e.appendSeq(d.Seq)
	e.buf = binary.BigEndian.AppendUint32(e.buf, d.FragmentNum)
	e.buf = binary.BigEndian.AppendUint16(e.buf, 1) // fragments in submessage
	e.buf = binary.BigEndian.AppendUint16(e.buf, d.FragmentSize)
	e.buf = binary.BigEndian.AppendUint32(e.buf, d.SampleSize)
	e.appendInlineQoS(d.Kind, d.Instance, d.HasKey, d.DataShards, d.ParityShards)
	e.buf = append(e.buf, d.Fragment...)
	e.end(start)
}

// Heartbeat appends a HEARTBEAT submessage.
func (e *Encoder) Heartbeat(h *Heartbeat) {
	var flags byte
	if h.Final {
		flags |= flagFinal
	}
	if h.Liveliness {
		flags |= flagLiveliness
	}
	start := e.begin(IDHeartbeat, flags)
	e.appendEntity(h.Reader.Entity)
	e.appendEntity(h.Writer.Entity)
	e.appendSeq(h.First)
	e.appendSeq(h.Last)
	e.buf = binary.BigEndian.AppendUint32(e.buf, h.Count)
	e.end(start)
}

// AckNack appends an ACKNACK submessage.
// The writer's prefix must be set with a preceding [*Encoder.InfoDst].
func (e *Encoder) AckNack(a *AckNack) {
	var flags byte
	if a.Final {
		flags |= flagFinal
	}
	start := e.begin(IDAckNack, flags)
	e.appendEntity(a.Reader.Entity)
	e.appendEntity(a.Writer.Entity)
	e.appendSet(a.Missing)
	e.buf = binary.BigEndian.AppendUint32(e.buf, a.Count)
	e.end(start)
}

// Gap appends a GAP submessage.
func (e *Encoder) Gap(g *Gap) {
	start := e.begin(IDGap, 0)
	e.appendEntity(g.Reader.Entity)
	e.appendEntity(g.Writer.Entity)
	e.appendSeq(g.Start)
	e.appendSet(g.List)
	e.end(start)
}

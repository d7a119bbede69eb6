package rwire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/rtps/rcache"
	"github.com/gordian-engine/rtps/rid"
)

// Decode parses one RTPS message.
//
// Interpreter submessages (INFO_TS, INFO_DST) are applied to the entity
// submessages that follow them and are not returned themselves.
// Unknown and unsupported submessages are skipped.
//
// Returned payloads may alias b.
func Decode(b []byte) (Message, error) {
	var m Message
	if len(b) < HeaderLen {
		return m, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(b))
	}
	if string(b[:4]) != "RTPS" {
		return m, fmt.Errorf("%w: bad protocol identifier %q", ErrMalformed, b[:4])
	}
	m.Header.Major = b[4]
	m.Header.Minor = b[5]
	if m.Header.Major != VersionMajor {
		return m, fmt.Errorf("%w: unsupported protocol version %d.%d", ErrMalformed, m.Header.Major, m.Header.Minor)
	}
	m.Header.Vendor = rid.VendorID(binary.BigEndian.Uint16(b[6:]))
	copy(m.Header.Prefix[:], b[8:HeaderLen])

	d := decoder{src: m.Header.Prefix}
	rest := b[HeaderLen:]
	for len(rest) > 0 {
		if len(rest) < submessageHeaderLen {
			return m, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
		}
		id := SubmessageID(rest[0])
		flags := rest[1]
		var order binary.ByteOrder = binary.BigEndian
		if flags&flagEndianness != 0 {
			order = binary.LittleEndian
		}
		n := int(order.Uint16(rest[2:]))
		rest = rest[submessageHeaderLen:]
		if n == 0 && id != IDPad && id != IDInfoTS {
			n = len(rest)
		}
		if n > len(rest) {
			return m, fmt.Errorf("%w: submessage 0x%02x claims %d bytes, %d remain", ErrMalformed, uint8(id), n, len(rest))
		}
		body := rest[:n]
		rest = rest[n:]

		d.r = reader{b: body, order: order}
		sm, err := d.submessage(id, flags)
		if err != nil {
			return m, fmt.Errorf("submessage 0x%02x: %w", uint8(id), err)
		}
		if sm != nil {
			m.Submessages = append(m.Submessages, sm)
		}
	}
	return m, nil
}

type decoder struct {
	src rid.GUIDPrefix
	dst rid.GUIDPrefix
	ts  time.Time

	r reader
}

func (d *decoder) submessage(id SubmessageID, flags byte) (Submessage, error) {
	switch id {
	case IDInfoDst:
		p, err := d.r.bytes(rid.GUIDPrefixLen)
		if err != nil {
			return nil, err
		}
		copy(d.dst[:], p)
		return nil, nil
	case IDInfoTS:
		if flags&flagInvalidate != 0 {
			d.ts = time.Time{}
			return nil, nil
		}
		sec, err := d.r.u32()
		if err != nil {
			return nil, err
		}
		frac, err := d.r.u32()
		if err != nil {
			return nil, err
		}
		d.ts = timeFromWire(int32(sec), frac)
		return nil, nil
	case IDData:
		return d.data(flags)
	case IDDataFrag:
		return d.dataFrag(flags)
	case IDHeartbeat:
		return d.heartbeat(flags)
	case IDAckNack:
		return d.ackNack(flags)
	case IDGap:
		return d.gap()
	}
	return nil, nil
}

// endpoints reads the reader and writer entity IDs.
// The writer is on the source participant unless fromReader is set.
func (d *decoder) endpoints(fromReader bool) (rd, wr rid.GUID, err error) {
	re, err := d.r.u32()
	if err != nil {
		return
	}
	we, err := d.r.u32()
	if err != nil {
		return
	}
	if fromReader {
		rd = rid.GUID{Prefix: d.src, Entity: rid.EntityID(re)}
		wr = rid.GUID{Prefix: d.dst, Entity: rid.EntityID(we)}
	} else {
		rd = rid.GUID{Prefix: d.dst, Entity: rid.EntityID(re)}
		wr = rid.GUID{Prefix: d.src, Entity: rid.EntityID(we)}
	}
	return
}

type inlineQoS struct {
	kind     rcache.ChangeKind
	instance rcache.InstanceHandle
	hasKey   bool

	dataShards, parityShards uint16
}

func (d *decoder) inlineQoS() (inlineQoS, error) {
	var q inlineQoS
	for {
		pid, err := d.r.u16()
		if err != nil {
			return q, err
		}
		n, err := d.r.u16()
		if err != nil {
			return q, err
		}
		if pid == pidSentinel {
			return q, nil
		}
		if n%4 != 0 {
			return q, fmt.Errorf("%w: parameter 0x%04x length %d is not 4-aligned", ErrMalformed, pid, n)
		}
		v, err := d.r.bytes(int(n))
		if err != nil {
			return q, err
		}
		switch pid {
		case pidKeyHash:
			if len(v) != 16 {
				return q, fmt.Errorf("%w: key hash of %d bytes", ErrMalformed, len(v))
			}
			copy(q.instance[:], v)
			q.hasKey = true
		case pidStatusInfo:
			if len(v) != 4 {
				return q, fmt.Errorf("%w: status info of %d bytes", ErrMalformed, len(v))
			}
			switch v[3] & (statusDisposed | statusUnregistered) {
			case statusDisposed:
				q.kind = rcache.NotAliveDisposed
			case statusUnregistered:
				q.kind = rcache.NotAliveUnregistered
			case statusDisposed | statusUnregistered:
				q.kind = rcache.NotAliveDisposedUnregistered
			}
		case pidShards:
			if len(v) != 4 {
				return q, fmt.Errorf("%w: shard counts of %d bytes", ErrMalformed, len(v))
			}
			q.dataShards = d.r.order.Uint16(v)
			q.parityShards = d.r.order.Uint16(v[2:])
		}
	}
}

// skipTo positions the reader at the inline QoS or payload,
// given the octetsToInlineQos field and the number of bytes
// consumed since that field.
func (d *decoder) skipTo(octets uint16, consumed int) error {
	if int(octets) < consumed {
		return fmt.Errorf("%w: octetsToInlineQos %d overlaps fixed fields", ErrMalformed, octets)
	}
	_, err := d.r.bytes(int(octets) - consumed)
	return err
}

func (d *decoder) data(flags byte) (*Data, error) {
	if _, err := d.r.u16(); err != nil { // extra flags
		return nil, err
	}
	octets, err := d.r.u16()
	if err != nil {
		return nil, err
	}
	out := &Data{Timestamp: d.ts}
	if out.Reader, out.Writer, err = d.endpoints(false); err != nil {
		return nil, err
	}
	if out.Seq, err = d.r.seq(); err != nil {
		return nil, err
	}
	if out.Seq < 1 {
		return nil, fmt.Errorf("%w: DATA sequence number %d", ErrMalformed, out.Seq)
	}
	if err := d.skipTo(octets, 16); err != nil {
		return nil, err
	}

	if flags&flagInlineQoS != 0 {
		q, err := d.inlineQoS()
		if err != nil {
			return nil, err
		}
		out.Kind = q.kind
		out.Instance = q.instance
		out.HasKey = q.hasKey
	}

	if flags&(flagData|flagKey) != 0 {
		p, err := DecodePayload(d.r.b)
		if err != nil {
			return nil, err
		}
		out.Payload = p
	} else if out.Kind == rcache.Alive {
		return nil, fmt.Errorf("%w: alive DATA without payload", ErrMalformed)
	}
	return out, nil
}

func (d *decoder) dataFrag(flags byte) (*DataFrag, error) {
	if _, err := d.r.u16(); err != nil {
		return nil, err
	}
	octets, err := d.r.u16()
	if err != nil {
		return nil, err
	}
	out := &DataFrag{Timestamp: d.ts}
	if out.Reader, out.Writer, err = d.endpoints(false); err != nil {
		return nil, err
	}
	if out.Seq, err = d.r.seq(); err != nil {
		return nil, err
	}
	if out.Seq < 1 {
		return nil, fmt.Errorf("%w: DATA_FRAG sequence number %d", ErrMalformed, out.Seq)
	}
	if out.FragmentNum, err = d.r.u32(); err != nil {
		return nil, err
	}
	perSubmessage, err := d.r.u16()
	if err != nil {
		return nil, err
	}
	if out.FragmentSize, err = d.r.u16(); err != nil {
		return nil, err
	}
	if out.SampleSize, err = d.r.u32(); err != nil {
		return nil, err
	}
	if perSubmessage != 1 {
		return nil, fmt.Errorf("%w: %d fragments in one submessage", ErrMalformed, perSubmessage)
	}
	if err := d.skipTo(octets, 28); err != nil {
		return nil, err
	}
	if flags&flagInlineQoS == 0 {
		return nil, fmt.Errorf("%w: DATA_FRAG without shard counts", ErrMalformed)
	}
	q, err := d.inlineQoS()
	if err != nil {
		return nil, err
	}
	out.Kind = q.kind
	out.Instance = q.instance
	out.HasKey = q.hasKey
	out.DataShards = q.dataShards
	out.ParityShards = q.parityShards

	total := uint32(out.DataShards) + uint32(out.ParityShards)
	switch {
	case out.DataShards == 0:
		return nil, fmt.Errorf("%w: DATA_FRAG without shard counts", ErrMalformed)
	case out.FragmentNum < 1 || out.FragmentNum > total:
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, out.FragmentNum, total)
	case len(d.r.b) != int(out.FragmentSize):
		return nil, fmt.Errorf("%w: fragment of %d bytes, declared %d", ErrMalformed, len(d.r.b), out.FragmentSize)
	case uint64(out.SampleSize) > uint64(out.DataShards)*uint64(out.FragmentSize):
		return nil, fmt.Errorf("%w: sample size %d exceeds %d shards of %d bytes", ErrMalformed, out.SampleSize, out.DataShards, out.FragmentSize)
	}
	out.Fragment = d.r.b
	return out, nil
}

func (d *decoder) heartbeat(flags byte) (*Heartbeat, error) {
	out := &Heartbeat{
		Final:      flags&flagFinal != 0,
		Liveliness: flags&flagLiveliness != 0,
	}
	var err error
	if out.Reader, out.Writer, err = d.endpoints(false); err != nil {
		return nil, err
	}
	if out.First, err = d.r.seq(); err != nil {
		return nil, err
	}
	if out.Last, err = d.r.seq(); err != nil {
		return nil, err
	}
	if out.Count, err = d.r.u32(); err != nil {
		return nil, err
	}
	if out.First < 1 || out.Last < out.First-1 {
		return nil, fmt.Errorf("%w: heartbeat range [%d, %d]", ErrMalformed, out.First, out.Last)
	}
	return out, nil
}

func (d *decoder) ackNack(flags byte) (*AckNack, error) {
	out := &AckNack{Final: flags&flagFinal != 0}
	var err error
	if out.Reader, out.Writer, err = d.endpoints(true); err != nil {
		return nil, err
	}
	if out.Missing, err = d.r.set(); err != nil {
		return nil, err
	}
	if out.Count, err = d.r.u32(); err != nil {
		return nil, err
	}
	if out.Missing.Base < 1 {
		return nil, fmt.Errorf("%w: ACKNACK base %d", ErrMalformed, out.Missing.Base)
	}
	return out, nil
}

func (d *decoder) gap() (*Gap, error) {
	out := new(Gap)
	var err error
	if out.Reader, out.Writer, err = d.endpoints(false); err != nil {
		return nil, err
	}
	if out.Start, err = d.r.seq(); err != nil {
		return nil, err
	}
	if out.List, err = d.r.set(); err != nil {
		return nil, err
	}
	if out.Start < 1 || out.List.Base < out.Start {
		return nil, fmt.Errorf("%w: gap start %d, list base %d", ErrMalformed, out.Start, out.List.Base)
	}
	return out, nil
}

// reader consumes a submessage body.
type reader struct {
	b     []byte
	order binary.ByteOrder
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || n > len(r.b) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, len(r.b))
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out, nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

func (r *reader) seq() (rid.SequenceNumber, error) {
	high, err := r.u32()
	if err != nil {
		return 0, err
	}
	low, err := r.u32()
	if err != nil {
		return 0, err
	}
	return rid.SequenceNumberFromParts(int32(high), low), nil
}

func (r *reader) set() (rid.SequenceNumberSet, error) {
	base, err := r.seq()
	if err != nil {
		return rid.SequenceNumberSet{}, err
	}
	numBits, err := r.u32()
	if err != nil {
		return rid.SequenceNumberSet{}, err
	}
	if numBits > rid.MaxSetBits {
		return rid.SequenceNumberSet{}, fmt.Errorf("%w: set of %d bits exceeds %d", ErrMalformed, numBits, rid.MaxSetBits)
	}
	bs := bitset.New(uint(numBits))
	for w := uint32(0); w < (numBits+31)/32; w++ {
		word, err := r.u32()
		if err != nil {
			return rid.SequenceNumberSet{}, err
		}
		for i := uint32(0); i < 32; i++ {
			if word&(1<<(31-i)) == 0 {
				continue
			}
			bit := w*32 + i
			if bit >= numBits {
				return rid.SequenceNumberSet{}, fmt.Errorf("%w: set bit %d beyond numBits %d", ErrMalformed, bit, numBits)
			}
			bs.Set(uint(bit))
		}
	}
	return rid.SequenceNumberSetFromBits(base, bs), nil
}

package rwire

import (
	"iter"
	"time"

	"github.com/gordian-engine/rtps/rcache"
	"github.com/gordian-engine/rtps/rid"
)

// Submessage is one decoded entity submessage.
// It is one of *Data, *DataFrag, *Heartbeat, *AckNack or *Gap.
type Submessage interface {
	ID() SubmessageID
}

// Data carries one change.
//
// Reader has the destination prefix from INFO_DST (zero if absent)
// and may have an unknown entity, meaning every matched reader.
type Data struct {
	Reader, Writer rid.GUID
	Seq            rid.SequenceNumber

	Kind     rcache.ChangeKind
	Instance rcache.InstanceHandle
	HasKey   bool

	// Source timestamp from a preceding INFO_TS; zero if none.
	Timestamp time.Time

	// Serialized sample, already decapsulated on decode.
	Payload []byte
}

func (*Data) ID() SubmessageID { return IDData }

// DataFrag carries one erasure-coded shard of a large change.
// The shards are the Reed-Solomon split of the encapsulated payload.
type DataFrag struct {
	Reader, Writer rid.GUID
	Seq            rid.SequenceNumber

	Kind     rcache.ChangeKind
	Instance rcache.InstanceHandle
	HasKey   bool

	Timestamp time.Time

	// One-based shard number; data shards come before parity shards.
	FragmentNum  uint32
	FragmentSize uint16
	SampleSize   uint32

	DataShards, ParityShards uint16

	Fragment []byte
}

func (*DataFrag) ID() SubmessageID { return IDDataFrag }

// Heartbeat announces the range of changes a writer holds.
type Heartbeat struct {
	Reader, Writer rid.GUID
	First, Last    rid.SequenceNumber
	Count          uint32

	// A final heartbeat does not require a response.
	Final      bool
	Liveliness bool
}

func (*Heartbeat) ID() SubmessageID { return IDHeartbeat }

// AckNack acknowledges every sequence number below Missing.Base
// and requests the members of Missing.
type AckNack struct {
	Reader, Writer rid.GUID
	Missing        rid.SequenceNumberSet
	Count          uint32
	Final          bool
}

func (*AckNack) ID() SubmessageID { return IDAckNack }

// Gap declares sequence numbers that will never be sent:
// the range [Start, List.Base) and the members of List.
type Gap struct {
	Reader, Writer rid.GUID
	Start          rid.SequenceNumber
	List           rid.SequenceNumberSet
}

func (*Gap) ID() SubmessageID { return IDGap }

// All iterates every sequence number the gap covers, ascending.
func (g *Gap) All() iter.Seq[rid.SequenceNumber] {
	return func(yield func(rid.SequenceNumber) bool) {
		for sn := g.Start; sn < g.List.Base; sn++ {
			if !yield(sn) {
				return
			}
		}
		for sn := range g.List.All() {
			if !yield(sn) {
				return
			}
		}
	}
}

// Message is a decoded datagram.
type Message struct {
	Header      Header
	Submessages []Submessage
}

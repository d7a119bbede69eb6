package rwire

import (
	"errors"
	"time"

	"github.com/gordian-engine/rtps/rid"
)

// ErrMalformed is wrapped by every decoding failure.
var ErrMalformed = errors.New("malformed RTPS message")

// HeaderLen is the size of the RTPS message header.
const HeaderLen = 20

// Protocol version written by this implementation.
const (
	VersionMajor = 2
	VersionMinor = 3
)

// SubmessageID identifies a submessage kind.
type SubmessageID uint8

const (
	IDPad       SubmessageID = 0x01
	IDAckNack   SubmessageID = 0x06
	IDHeartbeat SubmessageID = 0x07
	IDGap       SubmessageID = 0x08
	IDInfoTS    SubmessageID = 0x09
	IDInfoSrc   SubmessageID = 0x0c
	IDInfoDst   SubmessageID = 0x0e
	IDNackFrag  SubmessageID = 0x12
	IDHBFrag    SubmessageID = 0x13
	IDData      SubmessageID = 0x15
	IDDataFrag  SubmessageID = 0x16
)

// Submessage flags.
const (
	flagEndianness = 0x01

	flagInlineQoS = 0x02 // DATA, DATA_FRAG
	flagData      = 0x04 // DATA
	flagKey       = 0x08 // DATA

	flagFinal      = 0x02 // HEARTBEAT, ACKNACK
	flagLiveliness = 0x04 // HEARTBEAT

	flagInvalidate = 0x02 // INFO_TS
)

const submessageHeaderLen = 4

// Parameter IDs used in inline QoS.
const (
	pidSentinel   uint16 = 0x0001
	pidKeyHash    uint16 = 0x0070
	pidStatusInfo uint16 = 0x0071

	// Vendor-specific: Reed-Solomon shard counts for DATA_FRAG.
	pidShards uint16 = 0x8001
)

// Status info flags.
const (
	statusDisposed     = 0x01
	statusUnregistered = 0x02
)

// Header is the RTPS message header.
type Header struct {
	Major, Minor uint8
	Vendor       rid.VendorID
	Prefix       rid.GUIDPrefix
}

// timeToWire converts t to the RTPS Time_t representation.
func timeToWire(t time.Time) (sec int32, frac uint32) {
	ns := t.UnixNano()
	s := ns / int64(time.Second)
	rem := ns % int64(time.Second)
	if rem < 0 {
		s--
		rem += int64(time.Second)
	}
	return int32(s), uint32((uint64(rem) << 32) / uint64(time.Second))
}

func timeFromWire(sec int32, frac uint32) time.Time {
	ns := (uint64(frac) * uint64(time.Second)) >> 32
	return time.Unix(int64(sec), int64(ns))
}

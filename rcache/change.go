package rcache

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gordian-engine/rtps/rid"
)

// ChangeKind is the lifecycle state a change announces for its instance.
type ChangeKind uint8

const (
	Alive ChangeKind = iota
	NotAliveDisposed
	NotAliveUnregistered
	NotAliveDisposedUnregistered
)

func (k ChangeKind) String() string {
	switch k {
	case Alive:
		return "ALIVE"
	case NotAliveDisposed:
		return "NOT_ALIVE_DISPOSED"
	case NotAliveUnregistered:
		return "NOT_ALIVE_UNREGISTERED"
	case NotAliveDisposedUnregistered:
		return "NOT_ALIVE_DISPOSED_UNREGISTERED"
	}
	return fmt.Sprintf("ChangeKind(%d)", uint8(k))
}

// IsValid reports whether k is one of the defined kinds.
func (k ChangeKind) IsValid() bool {
	return k <= NotAliveDisposedUnregistered
}

// Unregisters reports whether the change releases the writer's
// registration of the instance.
func (k ChangeKind) Unregisters() bool {
	return k == NotAliveUnregistered || k == NotAliveDisposedUnregistered
}

// InstanceHandle is the key hash of a keyed sample.
type InstanceHandle [16]byte

// HandleNil is the instance handle of every sample on a topic without a key.
var HandleNil InstanceHandle

// IsNil reports whether h is [HandleNil].
func (h InstanceHandle) IsNil() bool { return h == HandleNil }

func (h InstanceHandle) String() string { return hex.EncodeToString(h[:]) }

// Change is a single sample held in a history.
//
// Changes are allocated from a [Pool] and are exclusively owned by the
// history that reserved them.
// Payload aliases pool memory and is only valid until the change is released.
type Change struct {
	WriterGUID     rid.GUID
	SequenceNumber rid.SequenceNumber
	Kind           ChangeKind
	Instance       InstanceHandle

	SourceTimestamp    time.Time
	ReceptionTimestamp time.Time

	Payload []byte

	IsRead bool

	slot *slot
}

// Slot returns the pool slot index backing c,
// which is stable for the lifetime of the reservation.
func (c *Change) Slot() int {
	if c.slot == nil {
		return -1
	}
	return c.slot.idx
}

func (c *Change) String() string {
	return fmt.Sprintf("%s#%d(%s, %d bytes)", c.WriterGUID, c.SequenceNumber, c.Kind, len(c.Payload))
}

package rid

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// VendorID identifies the RTPS implementation that originated a message.
type VendorID uint16

// Vendor is the vendor ID written by this implementation.
const Vendor VendorID = 0x1234

// GUIDPrefixLen is the length of a GUID prefix in bytes.
const GUIDPrefixLen = 12

// GUIDPrefix identifies a participant.
// All endpoints within a participant share the prefix.
type GUIDPrefix [GUIDPrefixLen]byte

// NewGUIDPrefix returns a random prefix
// whose first two bytes carry [Vendor].
func NewGUIDPrefix() GUIDPrefix {
	var p GUIDPrefix
	binary.BigEndian.PutUint16(p[:2], uint16(Vendor))
	if _, err := rand.Read(p[2:]); err != nil {
		panic(fmt.Errorf("failed to read random GUID prefix: %w", err))
	}
	return p
}

// IsZero reports whether p is the unknown prefix.
func (p GUIDPrefix) IsZero() bool {
	return p == GUIDPrefix{}
}

func (p GUIDPrefix) String() string {
	return fmt.Sprintf("%x-%x-%x", p[0:4], p[4:8], p[8:12])
}

// Entity kinds, in the low byte of an [EntityID].
const (
	EntityKindUnknown       byte = 0x00
	EntityKindParticipant   byte = 0x01
	EntityKindWriterWithKey byte = 0x02
	EntityKindWriterNoKey   byte = 0x03
	EntityKindReaderNoKey   byte = 0x04
	EntityKindReaderWithKey byte = 0x07

	entityKindMask   byte = 0x3f
	entitySourceMask byte = 0xc0

	EntitySourceUser    byte = 0x00
	EntitySourceBuiltin byte = 0xc0
	EntitySourceVendor  byte = 0x40
)

// EntityID identifies an entity within a participant.
// The upper three bytes are the entity key and the low byte is the kind.
type EntityID uint32

const (
	EntityIDUnknown     EntityID = 0
	EntityIDParticipant EntityID = 0x000001c1
)

// NewEntityID composes a user entity ID from a 24-bit key and a kind.
func NewEntityID(key uint32, kind byte) EntityID {
	if key > 0xffffff {
		panic(fmt.Errorf("BUG: entity key must fit in 24 bits (got 0x%x)", key))
	}
	return EntityID(key<<8 | uint32(kind))
}

// Key returns the 24-bit entity key.
func (e EntityID) Key() uint32 { return uint32(e) >> 8 }

// Kind returns the kind byte without the source bits.
func (e EntityID) Kind() byte { return byte(e) & entityKindMask }

// IsBuiltin reports whether e was created by the protocol itself.
func (e EntityID) IsBuiltin() bool { return byte(e)&entitySourceMask == EntitySourceBuiltin }

// IsWriter reports whether e identifies a writer.
func (e EntityID) IsWriter() bool {
	switch e.Kind() {
	case EntityKindWriterWithKey, EntityKindWriterNoKey:
		return true
	}
	return false
}

// IsReader reports whether e identifies a reader.
func (e EntityID) IsReader() bool {
	switch e.Kind() {
	case EntityKindReaderWithKey, EntityKindReaderNoKey:
		return true
	}
	return false
}

// IsKeyed reports whether e identifies an endpoint on a keyed topic.
func (e EntityID) IsKeyed() bool {
	switch e.Kind() {
	case EntityKindWriterWithKey, EntityKindReaderWithKey:
		return true
	}
	return false
}

func (e EntityID) String() string {
	return fmt.Sprintf("0x%08x", uint32(e))
}

// GUID uniquely identifies an entity within a domain.
type GUID struct {
	Prefix GUIDPrefix
	Entity EntityID
}

// GUIDLen is the length of an encoded GUID.
const GUIDLen = GUIDPrefixLen + 4

// IsUnknown reports whether g is the zero GUID.
func (g GUID) IsUnknown() bool {
	return g.Prefix.IsZero() && g.Entity == EntityIDUnknown
}

// Compare returns -1, 0 or +1 ordering g against o
// by prefix bytes and then by entity ID.
func (g GUID) Compare(o GUID) int {
	if c := bytes.Compare(g.Prefix[:], o.Prefix[:]); c != 0 {
		return c
	}
	switch {
	case g.Entity < o.Entity:
		return -1
	case g.Entity > o.Entity:
		return 1
	}
	return 0
}

// AppendBinary appends the 16-byte wire form of g to b.
func (g GUID) AppendBinary(b []byte) []byte {
	b = append(b, g.Prefix[:]...)
	return binary.BigEndian.AppendUint32(b, uint32(g.Entity))
}

// GUIDFromBytes parses the wire form written by [GUID.AppendBinary].
// b must be at least [GUIDLen] bytes.
func GUIDFromBytes(b []byte) GUID {
	var g GUID
	copy(g.Prefix[:], b[:GUIDPrefixLen])
	g.Entity = EntityID(binary.BigEndian.Uint32(b[GUIDPrefixLen:]))
	return g
}

func (g GUID) String() string {
	return g.Prefix.String() + "|" + g.Entity.String()
}

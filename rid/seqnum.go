package rid

import (
	"fmt"
	"iter"

	"github.com/bits-and-blooms/bitset"
)

// SequenceNumber orders the changes of a single writer.
// The first change of a writer has sequence number 1.
type SequenceNumber int64

// SequenceNumberUnknown is the zero value, never assigned to a change.
const SequenceNumberUnknown SequenceNumber = 0

// High returns the upper 32 bits, as carried on the wire.
func (s SequenceNumber) High() int32 { return int32(uint64(s) >> 32) }

// Low returns the lower 32 bits, as carried on the wire.
func (s SequenceNumber) Low() uint32 { return uint32(uint64(s)) }

// SequenceNumberFromParts rebuilds a number from its wire halves.
func SequenceNumberFromParts(high int32, low uint32) SequenceNumber {
	return SequenceNumber(int64(high)<<32 | int64(low))
}

// MaxSetBits is the number of sequence numbers a [SequenceNumberSet]
// may span beyond its base, matching the RTPS bitmap limit.
const MaxSetBits = 256

// SequenceNumberSet is a set of sequence numbers in the range
// [Base, Base+MaxSetBits).
// It is used for the missing set in ACKNACK and the list in GAP.
//
// The zero value is an empty set with unknown base.
type SequenceNumberSet struct {
	Base SequenceNumber

	bits *bitset.BitSet
}

// NewSequenceNumberSet returns an empty set starting at base.
func NewSequenceNumberSet(base SequenceNumber) SequenceNumberSet {
	return SequenceNumberSet{
		Base: base,
		bits: bitset.New(0),
	}
}

// SequenceNumberSetFromBits returns a set backed by bs.
// The set takes ownership of bs.
func SequenceNumberSetFromBits(base SequenceNumber, bs *bitset.BitSet) SequenceNumberSet {
	return SequenceNumberSet{Base: base, bits: bs}
}

// Add inserts sn into the set.
// It returns false if sn lies outside the representable window.
func (s *SequenceNumberSet) Add(sn SequenceNumber) bool {
	if sn < s.Base || sn >= s.Base+MaxSetBits {
		return false
	}
	if s.bits == nil {
		s.bits = bitset.New(0)
	}
	s.bits.Set(uint(sn - s.Base))
	return true
}

// Contains reports whether sn is in the set.
func (s SequenceNumberSet) Contains(sn SequenceNumber) bool {
	if s.bits == nil || sn < s.Base {
		return false
	}
	return s.bits.Test(uint(sn - s.Base))
}

// Len returns the number of members.
func (s SequenceNumberSet) Len() int {
	if s.bits == nil {
		return 0
	}
	return int(s.bits.Count())
}

// Empty reports whether the set has no members.
func (s SequenceNumberSet) Empty() bool {
	return s.Len() == 0
}

// NumBits returns the span of the bitmap needed to encode the set,
// i.e. one past the highest member's offset from Base.
func (s SequenceNumberSet) NumBits() uint32 {
	if s.bits == nil {
		return 0
	}
	var last uint
	found := false
	for i, ok := s.bits.NextSet(0); ok; i, ok = s.bits.NextSet(i + 1) {
		last = i
		found = true
	}
	if !found {
		return 0
	}
	return uint32(last + 1)
}

// Bits returns the backing bitset, which may be nil.
// Callers must not modify it.
func (s SequenceNumberSet) Bits() *bitset.BitSet {
	return s.bits
}

// All iterates the members in ascending order.
func (s SequenceNumberSet) All() iter.Seq[SequenceNumber] {
	return func(yield func(SequenceNumber) bool) {
		if s.bits == nil {
			return
		}
		for i, ok := s.bits.NextSet(0); ok; i, ok = s.bits.NextSet(i + 1) {
			if !yield(s.Base + SequenceNumber(i)) {
				return
			}
		}
	}
}

func (s SequenceNumberSet) String() string {
	out := fmt.Sprintf("%d:[", s.Base)
	first := true
	for sn := range s.All() {
		if !first {
			out += " "
		}
		first = false
		out += fmt.Sprint(int64(sn))
	}
	return out + "]"
}

package rfrag

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rwire"
	"github.com/klauspost/reedsolomon"
)

// ErrInconsistent is returned when a fragment disagrees with earlier
// fragments of the same sample about its shape.
var ErrInconsistent = errors.New("fragment inconsistent with earlier fragments")

// DefaultMaxPending is the default number of partially received samples
// an [Assembler] holds.
const DefaultMaxPending = 64

type key struct {
	writer rid.GUID
	seq    rid.SequenceNumber
}

type encKey struct {
	nData, nParity uint16
}

type pending struct {
	nData, nParity uint16
	shardSize      uint16
	sampleSize     uint32

	shards [][]byte
	have   *bitset.BitSet

	// Arrival order, for eviction.
	created uint64
}

// Assembler collects DATA_FRAG shards until each sample can be rebuilt.
//
// It is not safe for concurrent use;
// the owning reader serializes access.
type Assembler struct {
	maxPending int

	pending map[key]*pending
	encs    map[encKey]reedsolomon.Encoder

	clock uint64
}

// NewAssembler returns an assembler holding at most maxPending
// incomplete samples; the oldest is discarded to make room.
// A non-positive maxPending means [DefaultMaxPending].
func NewAssembler(maxPending int) *Assembler {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Assembler{
		maxPending: maxPending,
		pending:    make(map[key]*pending),
		encs:       make(map[encKey]reedsolomon.Encoder),
	}
}

// Add records f.
// Once enough shards of the sample have arrived,
// Add returns the rebuilt serialized sample and true,
// and forgets the sample.
func (a *Assembler) Add(f *rwire.DataFrag) ([]byte, bool, error) {
	k := key{writer: f.Writer, seq: f.Seq}
	p, ok := a.pending[k]
	if !ok {
		if len(a.pending) >= a.maxPending {
			a.evictOldest()
		}
		total := int(f.DataShards) + int(f.ParityShards)
		p = &pending{
			nData:      f.DataShards,
			nParity:    f.ParityShards,
			shardSize:  f.FragmentSize,
			sampleSize: f.SampleSize,
			shards:     make([][]byte, total),
			have:       bitset.New(uint(total)),
			created:    a.clock,
		}
		a.clock++
		a.pending[k] = p
	} else if p.nData != f.DataShards ||
		p.nParity != f.ParityShards ||
		p.shardSize != f.FragmentSize ||
		p.sampleSize != f.SampleSize {
		return nil, false, fmt.Errorf(
			"%w: %s#%d", ErrInconsistent, f.Writer, f.Seq,
		)
	}

	idx := uint(f.FragmentNum - 1)
	if p.have.Test(idx) {
		return nil, false, nil
	}
	p.shards[idx] = append([]byte(nil), f.Fragment...)
	p.have.Set(idx)

	if p.have.Count() < uint(p.nData) {
		return nil, false, nil
	}

	delete(a.pending, k)
	out, err := a.rebuild(p)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (a *Assembler) rebuild(p *pending) ([]byte, error) {
	ek := encKey{nData: p.nData, nParity: p.nParity}
	enc, ok := a.encs[ek]
	if !ok {
		var err error
		enc, err = reedsolomon.New(
			int(p.nData), int(p.nParity),
			reedsolomon.WithAutoGoroutines(int(p.shardSize)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to build Reed-Solomon decoder: %w", err)
		}
		a.encs[ek] = enc
	}

	if err := enc.ReconstructData(p.shards); err != nil {
		return nil, fmt.Errorf("failed to reconstruct sample: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(int(p.sampleSize))
	if err := enc.Join(&buf, p.shards, int(p.sampleSize)); err != nil {
		return nil, fmt.Errorf("failed to join shards: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *Assembler) evictOldest() {
	var oldest key
	first := true
	var at uint64
	for k, p := range a.pending {
		if first || p.created < at {
			oldest, at, first = k, p.created, false
		}
	}
	delete(a.pending, oldest)
}

// Pending returns the number of incomplete samples held.
func (a *Assembler) Pending() int { return len(a.pending) }

// DropWriter discards every incomplete sample from w.
func (a *Assembler) DropWriter(w rid.GUID) {
	for k := range a.pending {
		if k.writer == w {
			delete(a.pending, k)
		}
	}
}

// DropBelow discards incomplete samples from w
// with sequence numbers at or below seq.
func (a *Assembler) DropBelow(w rid.GUID, seq rid.SequenceNumber) {
	for k := range a.pending {
		if k.writer == w && k.seq <= seq {
			delete(a.pending, k)
		}
	}
}

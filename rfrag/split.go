// Package rfrag splits large serialized samples into erasure-coded shards
// for DATA_FRAG submessages and reassembles them on the receiving side.
//
// Any DataShards of the DataShards+ParityShards shards of a sample
// are enough to rebuild it, so a lost fragment does not require a
// retransmission of the whole sample.
package rfrag

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// MaxShards is the largest number of shards a sample may be split into.
const MaxShards = (1 << 16) - 1

const minShardSize = 32

// Fragments is the result of [Split].
type Fragments struct {
	DataShards, ParityShards int

	// Size of the original sample; the last data shard is padded.
	SampleSize int

	// Every shard has the same length.
	// Data shards come first.
	Shards [][]byte
}

// ShardSize returns the length of each shard.
func (f Fragments) ShardSize() int {
	if len(f.Shards) == 0 {
		return 0
	}
	return len(f.Shards[0])
}

// Split erasure-codes sample into shards of at most maxShard bytes,
// adding parityRatio parity shards per data shard, rounded down.
func Split(sample []byte, maxShard int, parityRatio float32) (Fragments, error) {
	if parityRatio < 0 {
		panic(fmt.Errorf("BUG: parity ratio must be non-negative (got %g)", parityRatio))
	}
	if len(sample) == 0 {
		return Fragments{}, fmt.Errorf("cannot split empty sample")
	}
	if maxShard > 0xffff {
		maxShard = 0xffff
	}
	if maxShard < minShardSize {
		return Fragments{}, fmt.Errorf(
			"shard size too small: minimum is %d but got %d", minShardSize, maxShard,
		)
	}

	nData, nParity := shardCounts(len(sample), maxShard, parityRatio)
	if nData+nParity > 256 {
		// Above 256 shards the encoder works in GF(2^16),
		// which pads every shard to a multiple of 64 bytes.
		maxShard -= maxShard % 64
		if maxShard < minShardSize {
			return Fragments{}, fmt.Errorf(
				"shard size too small after aligning for %d shards", nData+nParity,
			)
		}
		nData, nParity = shardCounts(len(sample), maxShard, parityRatio)
	}
	if nData+nParity > MaxShards {
		return Fragments{}, fmt.Errorf(
			"sample too large: resulted in %d data and %d parity shards, but limit is %d",
			nData, nParity, MaxShards,
		)
	}

	enc, err := reedsolomon.New(
		nData, nParity,
		reedsolomon.WithAutoGoroutines(maxShard),
	)
	if err != nil {
		return Fragments{}, fmt.Errorf("failed to build Reed-Solomon encoder: %w", err)
	}

	// Split may reuse the backing array of its input.
	shards, err := enc.Split(append([]byte(nil), sample...))
	if err != nil {
		return Fragments{}, fmt.Errorf("failed to split sample: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return Fragments{}, fmt.Errorf("failed to erasure-code sample: %w", err)
	}

	return Fragments{
		DataShards:   nData,
		ParityShards: nParity,
		SampleSize:   len(sample),
		Shards:       shards,
	}, nil
}

func shardCounts(size, maxShard int, parityRatio float32) (nData, nParity int) {
	nData = size / maxShard
	if size%maxShard > 0 {
		nData++
	}
	return nData, int(parityRatio * float32(nData))
}

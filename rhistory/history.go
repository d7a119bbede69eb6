package rhistory

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gordian-engine/rtps/rcache"
	"github.com/gordian-engine/rtps/rqos"
)

var (
	// ErrResourceExhausted is returned when a change cannot be admitted
	// because a resource limit is reached and the history kind
	// forbids evicting anything to make room.
	ErrResourceExhausted = errors.New("history resource limits exhausted")

	// ErrNotFound is returned when an operation names a change
	// that is not in the history.
	ErrNotFound = errors.New("not found")

	// ErrSuperseded is returned when a KEEP_LAST reader history at depth
	// receives a change older than every change it would keep.
	// The change is not admitted; the caller still owns it.
	ErrSuperseded = errors.New("change superseded by newer changes")
)

// Config is the policy a history enforces.
type Config struct {
	History        rqos.History
	ResourceLimits rqos.ResourceLimits
	TopicKind      rqos.TopicKind

	// Payload size for pre-allocated pool slots.
	// Zero lets payload buffers grow to fit.
	MaxPayloadSize int
}

// RemoveReason says why a change left a history.
type RemoveReason uint8

const (
	// Explicit removal by sequence number or identity.
	RemovedExplicitly RemoveReason = iota + 1

	// KEEP_LAST depth or max_samples made room for a newer change.
	RemovedByDepth

	// Aged out through RemoveOlderChanges, regardless of acknowledgement.
	RemovedAged

	// Taken by the application (reader side).
	RemovedTaken

	// The originating writer was unmatched (reader side).
	RemovedWriterGone
)

func (r RemoveReason) String() string {
	switch r {
	case RemovedExplicitly:
		return "explicit"
	case RemovedByDepth:
		return "depth"
	case RemovedAged:
		return "aged"
	case RemovedTaken:
		return "taken"
	case RemovedWriterGone:
		return "writer_gone"
	}
	return fmt.Sprintf("RemoveReason(%d)", uint8(r))
}

// poolSlots derives the pool size from the policy.
// One slot beyond the limit allows a change to be reserved
// before the history decides what to evict for it.
func poolSlots(cfg Config) int {
	rl := cfg.ResourceLimits
	if rl.MaxSamples > 0 {
		return rl.MaxSamples + 1
	}
	if cfg.TopicKind == rqos.NoKey {
		switch cfg.History.Kind {
		case rqos.KeepLast:
			return cfg.History.Depth + 1
		case rqos.KeepAll:
			if rl.MaxSamplesPerInstance > 0 {
				return rl.MaxSamplesPerInstance + 1
			}
		}
	}
	if rl.MaxInstances > 0 {
		perInstance := rl.MaxSamplesPerInstance
		if cfg.History.Kind == rqos.KeepLast {
			perInstance = cfg.History.Depth
		}
		if perInstance > 0 {
			return rl.MaxInstances*perInstance + 1
		}
	}
	return 0
}

// perInstanceLimit is the most changes one instance may hold,
// or zero if unbounded.
func perInstanceLimit(cfg Config) int {
	if cfg.History.Kind == rqos.KeepLast {
		return cfg.History.Depth
	}
	return cfg.ResourceLimits.MaxSamplesPerInstance
}

// removeChange deletes c from a slice ordered by insertion,
// returning the shortened slice.
func removeChange(cs []*rcache.Change, c *rcache.Change) ([]*rcache.Change, bool) {
	i := slices.Index(cs, c)
	if i < 0 {
		return cs, false
	}
	return slices.Delete(cs, i, i+1), true
}

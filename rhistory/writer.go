package rhistory

import (
	"errors"
	"fmt"
	"iter"
	"sort"

	"github.com/gordian-engine/rtps/rcache"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rqos"
)

// WriterHistory is the ordered cache of changes produced by one writer.
//
// Changes are kept in ascending sequence number order.
// The history owns every change it holds;
// proxies and the application only ever borrow them.
type WriterHistory struct {
	cfg  Config
	guid rid.GUID

	pool *rcache.Pool

	changes   []*rcache.Change
	instances map[rcache.InstanceHandle]*writerInstance

	lastSeq rid.SequenceNumber

	onRemove func(*rcache.Change, RemoveReason)
}

type writerInstance struct {
	changes    []*rcache.Change
	registered bool
}

// NewWriterHistory returns an empty history for the writer guid.
//
// onRemove, if not nil, is called for every change leaving the history
// immediately before its slot is released.
// It runs while the caller of the removing method holds the endpoint lock.
func NewWriterHistory(
	guid rid.GUID, cfg Config, onRemove func(*rcache.Change, RemoveReason),
) *WriterHistory {
	return &WriterHistory{
		cfg:  cfg,
		guid: guid,

		pool: rcache.NewPool(poolSlots(cfg), cfg.MaxPayloadSize),

		instances: make(map[rcache.InstanceHandle]*writerInstance),

		onRemove: onRemove,
	}
}

// Reserve takes a change with a payload of the given size from the pool.
// The change must be passed to AddChange or Release.
func (h *WriterHistory) Reserve(size int) (*rcache.Change, error) {
	c, err := h.pool.Reserve(size)
	if err != nil {
		if errors.Is(err, rcache.ErrPoolExhausted) {
			return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
		}
		return nil, err
	}
	c.WriterGUID = h.guid
	return c, nil
}

// Adopt swaps the payload buffer of a reserved change.
func (h *WriterHistory) Adopt(c *rcache.Change, b []byte) error {
	return h.pool.Adopt(c, b)
}

// Release returns a reserved change that was never added.
func (h *WriterHistory) Release(c *rcache.Change) {
	h.pool.Release(c)
}

// Blocker returns the change that must leave the history
// before a change for the given instance can be admitted,
// or nil if there is room.
//
// With KEEP_LAST there is always room, since AddChange evicts.
func (h *WriterHistory) Blocker(instance rcache.InstanceHandle) *rcache.Change {
	if h.cfg.History.Kind == rqos.KeepLast {
		return nil
	}
	if h.cfg.TopicKind == rqos.NoKey {
		instance = rcache.HandleNil
	}

	inst := h.instances[instance]
	if lim := perInstanceLimit(h.cfg); lim > 0 && inst != nil && len(inst.changes) >= lim {
		return inst.changes[0]
	}
	if lim := h.cfg.ResourceLimits.MaxSamples; lim > 0 && len(h.changes) >= lim {
		return h.changes[0]
	}
	return nil
}

// AddChange admits c, which must have been reserved from this history.
//
// If c carries no sequence number, the next one is assigned.
// A supplied sequence number must be greater than every earlier one.
//
// With KEEP_LAST the oldest change of the instance is evicted when the
// instance is at depth, and the oldest change overall when max_samples is hit.
// With KEEP_ALL a full history returns [ErrResourceExhausted]
// and c remains reserved by the caller.
func (h *WriterHistory) AddChange(c *rcache.Change) error {
	if c.SequenceNumber != rid.SequenceNumberUnknown && c.SequenceNumber <= h.lastSeq {
		panic(fmt.Errorf(
			"BUG: sequence number %d not above last assigned %d",
			c.SequenceNumber, h.lastSeq,
		))
	}
	if !c.Kind.IsValid() {
		panic(fmt.Errorf("BUG: invalid change kind %d", c.Kind))
	}
	if h.cfg.TopicKind == rqos.NoKey {
		c.Instance = rcache.HandleNil
	}

	inst := h.instances[c.Instance]
	if inst == nil {
		if lim := h.cfg.ResourceLimits.MaxInstances; lim > 0 && len(h.instances) >= lim {
			if !h.dropIdleInstance() {
				return fmt.Errorf(
					"%w: max_instances %d reached", ErrResourceExhausted, lim,
				)
			}
		}
	}

	if h.cfg.History.Kind == rqos.KeepAll {
		// Check every limit before mutating anything.
		if b := h.Blocker(c.Instance); b != nil {
			return fmt.Errorf(
				"%w: keep-all history full (oldest blocking change %d)",
				ErrResourceExhausted, b.SequenceNumber,
			)
		}
	} else {
		if inst != nil && len(inst.changes) >= h.cfg.History.Depth {
			h.remove(inst.changes[0], RemovedByDepth)
			inst = h.instances[c.Instance]
		}
		if lim := h.cfg.ResourceLimits.MaxSamples; lim > 0 && len(h.changes) >= lim {
			h.remove(h.changes[0], RemovedByDepth)
			inst = h.instances[c.Instance]
		}
	}

	if inst == nil {
		inst = &writerInstance{}
		h.instances[c.Instance] = inst
	}

	if c.SequenceNumber == rid.SequenceNumberUnknown {
		c.SequenceNumber = h.lastSeq + 1
	}
	h.lastSeq = c.SequenceNumber
	c.WriterGUID = h.guid

	h.changes = append(h.changes, c)
	inst.changes = append(inst.changes, c)
	inst.registered = !c.Kind.Unregisters()
	return nil
}

// dropIdleInstance forgets one unregistered instance that holds no changes.
func (h *WriterHistory) dropIdleInstance() bool {
	for k, inst := range h.instances {
		if !inst.registered && len(inst.changes) == 0 {
			delete(h.instances, k)
			return true
		}
	}
	return false
}

func (h *WriterHistory) index(seq rid.SequenceNumber) int {
	i := sort.Search(len(h.changes), func(i int) bool {
		return h.changes[i].SequenceNumber >= seq
	})
	if i < len(h.changes) && h.changes[i].SequenceNumber == seq {
		return i
	}
	return -1
}

// Get returns the change with sequence number seq.
func (h *WriterHistory) Get(seq rid.SequenceNumber) (*rcache.Change, bool) {
	i := h.index(seq)
	if i < 0 {
		return nil, false
	}
	return h.changes[i], true
}

// RemoveChange removes the change with sequence number seq.
func (h *WriterHistory) RemoveChange(seq rid.SequenceNumber) error {
	i := h.index(seq)
	if i < 0 {
		return fmt.Errorf("%w: sequence number %d", ErrNotFound, seq)
	}
	h.remove(h.changes[i], RemovedExplicitly)
	return nil
}

// RemoveMinChange removes the oldest change,
// reporting false if the history was empty.
func (h *WriterHistory) RemoveMinChange() bool {
	if len(h.changes) == 0 {
		return false
	}
	h.remove(h.changes[0], RemovedExplicitly)
	return true
}

// RemoveOlderChanges removes up to n of the oldest changes,
// regardless of their acknowledgement state.
// It returns how many were removed.
func (h *WriterHistory) RemoveOlderChanges(n int) int {
	removed := 0
	for removed < n && len(h.changes) > 0 {
		h.remove(h.changes[0], RemovedAged)
		removed++
	}
	return removed
}

func (h *WriterHistory) remove(c *rcache.Change, why RemoveReason) {
	var ok bool
	h.changes, ok = removeChange(h.changes, c)
	if !ok {
		panic(fmt.Errorf("BUG: removing change %s not in writer history", c))
	}

	inst := h.instances[c.Instance]
	if inst == nil {
		panic(fmt.Errorf("BUG: change %s has no instance entry", c))
	}
	inst.changes, _ = removeChange(inst.changes, c)
	if len(inst.changes) == 0 && !inst.registered {
		delete(h.instances, c.Instance)
	}

	if h.onRemove != nil {
		h.onRemove(c, why)
	}
	h.pool.Release(c)
}

// MinChange returns the oldest change.
func (h *WriterHistory) MinChange() (*rcache.Change, bool) {
	if len(h.changes) == 0 {
		return nil, false
	}
	return h.changes[0], true
}

// SeqNumMin returns the lowest sequence number held,
// or [rid.SequenceNumberUnknown] if empty.
func (h *WriterHistory) SeqNumMin() rid.SequenceNumber {
	if len(h.changes) == 0 {
		return rid.SequenceNumberUnknown
	}
	return h.changes[0].SequenceNumber
}

// SeqNumMax returns the highest sequence number held,
// or [rid.SequenceNumberUnknown] if empty.
func (h *WriterHistory) SeqNumMax() rid.SequenceNumber {
	if len(h.changes) == 0 {
		return rid.SequenceNumberUnknown
	}
	return h.changes[len(h.changes)-1].SequenceNumber
}

// LastSequenceNumber returns the most recently assigned sequence number,
// even if that change has since been removed.
func (h *WriterHistory) LastSequenceNumber() rid.SequenceNumber {
	return h.lastSeq
}

// Changes iterates the held changes in ascending sequence number order.
// The history must not be modified during iteration.
func (h *WriterHistory) Changes() iter.Seq[*rcache.Change] {
	return func(yield func(*rcache.Change) bool) {
		for _, c := range h.changes {
			if !yield(c) {
				return
			}
		}
	}
}

// ChangesFrom iterates the held changes with sequence number at least seq.
func (h *WriterHistory) ChangesFrom(seq rid.SequenceNumber) iter.Seq[*rcache.Change] {
	return func(yield func(*rcache.Change) bool) {
		i := sort.Search(len(h.changes), func(i int) bool {
			return h.changes[i].SequenceNumber >= seq
		})
		for _, c := range h.changes[i:] {
			if !yield(c) {
				return
			}
		}
	}
}

// Len returns the number of held changes.
func (h *WriterHistory) Len() int { return len(h.changes) }

// Instances returns the number of tracked instances.
func (h *WriterHistory) Instances() int { return len(h.instances) }

// IsFull reports whether max_samples is reached.
// A history without a max_samples limit is never full.
func (h *WriterHistory) IsFull() bool {
	lim := h.cfg.ResourceLimits.MaxSamples
	return lim > 0 && len(h.changes) >= lim
}

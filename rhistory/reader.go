package rhistory

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/gordian-engine/rtps/rcache"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rqos"
)

// ReaderHistory is the cache of changes a reader has received
// from all of its matched writers.
//
// Changes are kept in delivery order:
// arrival order, except that a change is placed before any held change
// from the same writer with a greater sequence number.
// So within one writer, changes are always in ascending sequence order.
type ReaderHistory struct {
	cfg       Config
	exclusive bool

	pool *rcache.Pool

	changes   []*rcache.Change
	writers   map[rid.GUID]*writerChanges
	instances map[rcache.InstanceHandle]*readerInstance

	strengths map[rid.GUID]uint32
}

type writerChanges struct {
	changes []*rcache.Change // Ascending sequence number.

	// No change at or below floor may be inserted again.
	floor rid.SequenceNumber
}

type readerInstance struct {
	changes []*rcache.Change // Delivery order.

	// Writers that registered the instance, for ownership resolution.
	writers map[rid.GUID]struct{}
}

// NewReaderHistory returns an empty reader history.
// If exclusive is set, changes are only visible from the owner of their instance.
func NewReaderHistory(cfg Config, ownership rqos.OwnershipKind) *ReaderHistory {
	return &ReaderHistory{
		cfg:       cfg,
		exclusive: ownership == rqos.Exclusive,

		pool: rcache.NewPool(poolSlots(cfg), cfg.MaxPayloadSize),

		writers:   make(map[rid.GUID]*writerChanges),
		instances: make(map[rcache.InstanceHandle]*readerInstance),
		strengths: make(map[rid.GUID]uint32),
	}
}

// Reserve takes a change with a payload of the given size from the pool.
func (h *ReaderHistory) Reserve(size int) (*rcache.Change, error) {
	c, err := h.pool.Reserve(size)
	if err != nil {
		if errors.Is(err, rcache.ErrPoolExhausted) {
			return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
		}
		return nil, err
	}
	return c, nil
}

// Release returns a reserved change that was never added.
func (h *ReaderHistory) Release(c *rcache.Change) {
	h.pool.Release(c)
}

// SetStrength records the ownership strength of a matched writer.
func (h *ReaderHistory) SetStrength(w rid.GUID, strength uint32) {
	h.strengths[w] = strength
}

// AdvanceFloor declares that no change from w at or below seq
// will be inserted again.
// Later inserts that violate this are programming errors.
func (h *ReaderHistory) AdvanceFloor(w rid.GUID, seq rid.SequenceNumber) {
	wc := h.writer(w)
	if seq > wc.floor {
		wc.floor = seq
	}
}

// Floor returns the sequence number at or below which
// no change from w may be inserted.
func (h *ReaderHistory) Floor(w rid.GUID) rid.SequenceNumber {
	if wc := h.writers[w]; wc != nil {
		return wc.floor
	}
	return rid.SequenceNumberUnknown
}

func (h *ReaderHistory) writer(w rid.GUID) *writerChanges {
	wc := h.writers[w]
	if wc == nil {
		wc = &writerChanges{}
		h.writers[w] = wc
	}
	return wc
}

// AddChange admits c, which must have been reserved from this history
// with WriterGUID and SequenceNumber set.
//
// With KEEP_LAST the oldest change of the instance is evicted at depth,
// and the oldest change overall when max_samples is hit.
// If c itself would be that oldest change, [ErrSuperseded] is returned
// and c remains reserved by the caller.
// With KEEP_ALL a full history returns [ErrResourceExhausted]
// and c remains reserved by the caller.
func (h *ReaderHistory) AddChange(c *rcache.Change) error {
	if c.SequenceNumber <= rid.SequenceNumberUnknown {
		panic(fmt.Errorf("BUG: reader change without sequence number from %s", c.WriterGUID))
	}
	if !c.Kind.IsValid() {
		panic(fmt.Errorf("BUG: invalid change kind %d", c.Kind))
	}

	wc := h.writer(c.WriterGUID)
	if c.SequenceNumber <= wc.floor {
		panic(fmt.Errorf(
			"BUG: change %s at or below writer floor %d", c, wc.floor,
		))
	}
	pos, dup := slices.BinarySearchFunc(wc.changes, c.SequenceNumber, cmpSeq)
	if dup {
		panic(fmt.Errorf("BUG: duplicate change %s", c))
	}

	if h.cfg.TopicKind == rqos.NoKey {
		c.Instance = rcache.HandleNil
	}

	inst := h.instances[c.Instance]
	if inst == nil {
		if lim := h.cfg.ResourceLimits.MaxInstances; lim > 0 && len(h.instances) >= lim {
			if !h.dropIdleInstance() {
				return fmt.Errorf("%w: max_instances %d reached", ErrResourceExhausted, lim)
			}
		}
	}

	if h.cfg.History.Kind == rqos.KeepAll {
		if lim := perInstanceLimit(h.cfg); lim > 0 && inst != nil && len(inst.changes) >= lim {
			return fmt.Errorf(
				"%w: max_samples_per_instance %d reached", ErrResourceExhausted, lim,
			)
		}
		if lim := h.cfg.ResourceLimits.MaxSamples; lim > 0 && len(h.changes) >= lim {
			return fmt.Errorf("%w: max_samples %d reached", ErrResourceExhausted, lim)
		}
	} else {
		instFull := inst != nil && len(inst.changes) >= h.cfg.History.Depth
		lim := h.cfg.ResourceLimits.MaxSamples
		histFull := lim > 0 && len(h.changes) >= lim
		// A late change that would sort first is the one to drop.
		if instFull && insertionIndex(inst.changes, wc.changes[pos:]) == 0 {
			return fmt.Errorf("%w: %s older than depth %d kept", ErrSuperseded, c, h.cfg.History.Depth)
		}
		if histFull && insertionIndex(h.changes, wc.changes[pos:]) == 0 {
			return fmt.Errorf("%w: %s older than max_samples %d kept", ErrSuperseded, c, lim)
		}

		if instFull {
			h.remove(inst.changes[0], RemovedByDepth)
		}
		if histFull && len(h.changes) >= lim {
			h.remove(h.changes[0], RemovedByDepth)
		}
		// Eviction may have dropped the writer or instance entries.
		wc = h.writer(c.WriterGUID)
		pos, _ = slices.BinarySearchFunc(wc.changes, c.SequenceNumber, cmpSeq)
		inst = h.instances[c.Instance]
	}

	if inst == nil {
		inst = &readerInstance{writers: make(map[rid.GUID]struct{})}
		h.instances[c.Instance] = inst
	}

	later := wc.changes[pos:]
	h.changes = slices.Insert(h.changes, insertionIndex(h.changes, later), c)
	inst.changes = slices.Insert(inst.changes, insertionIndex(inst.changes, later), c)
	wc.changes = slices.Insert(wc.changes, pos, c)

	if c.Kind.Unregisters() {
		delete(inst.writers, c.WriterGUID)
	} else {
		inst.writers[c.WriterGUID] = struct{}{}
	}
	return nil
}

// insertionIndex returns where a change goes in cs so that it precedes
// later, the same writer's higher-numbered changes:
// before the first of them present in cs, or at the end.
func insertionIndex(cs, later []*rcache.Change) int {
	for _, next := range later {
		if i := slices.Index(cs, next); i >= 0 {
			return i
		}
	}
	return len(cs)
}

func cmpSeq(c *rcache.Change, seq rid.SequenceNumber) int {
	switch {
	case c.SequenceNumber < seq:
		return -1
	case c.SequenceNumber > seq:
		return 1
	}
	return 0
}

func (h *ReaderHistory) dropIdleInstance() bool {
	for k, inst := range h.instances {
		if len(inst.changes) == 0 && len(inst.writers) == 0 {
			delete(h.instances, k)
			return true
		}
	}
	return false
}

// RemoveChange removes c from the history and releases it.
func (h *ReaderHistory) RemoveChange(c *rcache.Change) error {
	if !slices.Contains(h.changes, c) {
		return fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	h.remove(c, RemovedTaken)
	return nil
}

func (h *ReaderHistory) remove(c *rcache.Change, why RemoveReason) {
	var ok bool
	h.changes, ok = removeChange(h.changes, c)
	if !ok {
		panic(fmt.Errorf("BUG: removing change %s not in reader history (%s)", c, why))
	}

	if wc := h.writers[c.WriterGUID]; wc != nil {
		wc.changes, _ = removeChange(wc.changes, c)
	}
	if inst := h.instances[c.Instance]; inst != nil {
		inst.changes, _ = removeChange(inst.changes, c)
		if len(inst.changes) == 0 && len(inst.writers) == 0 {
			delete(h.instances, c.Instance)
		}
	}

	h.pool.Release(c)
}

// Owner returns the writer currently owning instance:
// the registered writer with the greatest strength,
// ties going to the lower GUID.
// With shared ownership Owner always reports false.
func (h *ReaderHistory) Owner(instance rcache.InstanceHandle) (rid.GUID, bool) {
	if !h.exclusive {
		return rid.GUID{}, false
	}
	inst := h.instances[instance]
	if inst == nil || len(inst.writers) == 0 {
		return rid.GUID{}, false
	}

	var owner rid.GUID
	var best uint32
	found := false
	for w := range inst.writers {
		s := h.strengths[w]
		if !found || s > best || (s == best && w.Compare(owner) < 0) {
			owner, best, found = w, s, true
		}
	}
	return owner, true
}

// Visible reports whether c may be delivered to the application
// under the ownership policy.
func (h *ReaderHistory) Visible(c *rcache.Change) bool {
	if !h.exclusive {
		return true
	}
	owner, ok := h.Owner(c.Instance)
	if !ok {
		// Every registered writer released the instance;
		// the releasing change itself remains visible.
		return true
	}
	return owner == c.WriterGUID
}

// NextUnread returns the first unread, visible change in delivery order
// for which available returns true.
func (h *ReaderHistory) NextUnread(available func(*rcache.Change) bool) (*rcache.Change, bool) {
	for _, c := range h.changes {
		if c.IsRead || !h.Visible(c) {
			continue
		}
		if available != nil && !available(c) {
			continue
		}
		return c, true
	}
	return nil, false
}

// UnreadCount counts the changes NextUnread could return.
func (h *ReaderHistory) UnreadCount(available func(*rcache.Change) bool) int {
	n := 0
	for _, c := range h.changes {
		if c.IsRead || !h.Visible(c) {
			continue
		}
		if available != nil && !available(c) {
			continue
		}
		n++
	}
	return n
}

// MarkRead flags c as read so NextUnread skips it.
func (h *ReaderHistory) MarkRead(c *rcache.Change) {
	c.IsRead = true
}

// WriterUnmatched forgets the writer w.
// Its registrations are dropped, transferring ownership of its instances,
// and every change for which keep returns false is removed.
// A nil keep removes all of the writer's changes.
func (h *ReaderHistory) WriterUnmatched(w rid.GUID, keep func(*rcache.Change) bool) int {
	for _, inst := range h.instances {
		delete(inst.writers, w)
	}
	delete(h.strengths, w)

	wc := h.writers[w]
	if wc == nil {
		return 0
	}

	removed := 0
	for _, c := range slices.Clone(wc.changes) {
		if keep != nil && keep(c) {
			continue
		}
		h.remove(c, RemovedWriterGone)
		removed++
	}
	if len(wc.changes) == 0 {
		delete(h.writers, w)
	}

	// Drop instances left with neither changes nor registrations.
	for k, inst := range h.instances {
		if len(inst.changes) == 0 && len(inst.writers) == 0 {
			delete(h.instances, k)
		}
	}
	return removed
}

// MinChange returns the change at the head of delivery order.
func (h *ReaderHistory) MinChange() (*rcache.Change, bool) {
	if len(h.changes) == 0 {
		return nil, false
	}
	return h.changes[0], true
}

// SeqNumMin returns the lowest sequence number held from w,
// or [rid.SequenceNumberUnknown] if none.
func (h *ReaderHistory) SeqNumMin(w rid.GUID) rid.SequenceNumber {
	wc := h.writers[w]
	if wc == nil || len(wc.changes) == 0 {
		return rid.SequenceNumberUnknown
	}
	return wc.changes[0].SequenceNumber
}

// Contains reports whether the change (w, seq) is held.
func (h *ReaderHistory) Contains(w rid.GUID, seq rid.SequenceNumber) bool {
	wc := h.writers[w]
	if wc == nil {
		return false
	}
	_, ok := slices.BinarySearchFunc(wc.changes, seq, cmpSeq)
	return ok
}

// RemoveOlderChanges removes up to n changes from the head of delivery order.
func (h *ReaderHistory) RemoveOlderChanges(n int) int {
	removed := 0
	for removed < n && len(h.changes) > 0 {
		h.remove(h.changes[0], RemovedAged)
		removed++
	}
	return removed
}

// Changes iterates the held changes in delivery order.
// The history must not be modified during iteration.
func (h *ReaderHistory) Changes() iter.Seq[*rcache.Change] {
	return func(yield func(*rcache.Change) bool) {
		for _, c := range h.changes {
			if !yield(c) {
				return
			}
		}
	}
}

// Len returns the number of held changes.
func (h *ReaderHistory) Len() int { return len(h.changes) }

// IsFull reports whether max_samples is reached.
func (h *ReaderHistory) IsFull() bool {
	lim := h.cfg.ResourceLimits.MaxSamples
	return lim > 0 && len(h.changes) >= lim
}

package rcache

import (
	"errors"
	"fmt"
)

// ErrPoolExhausted is returned from [*Pool.Reserve]
// when every slot is reserved and the pool cannot grow.
var ErrPoolExhausted = errors.New("change pool exhausted")

// ErrPayloadTooLarge is returned from [*Pool.Reserve]
// when a fixed-size pool is asked for more than its slot size.
var ErrPayloadTooLarge = errors.New("payload exceeds pool slot size")

type slot struct {
	idx    int
	inUse  bool
	change Change
	buf    []byte
}

// Pool is a slot-indexed arena of changes.
//
// A pool created with a positive slot count pre-allocates every slot
// and never allocates change records afterwards.
// A pool created with zero slots grows on demand and recycles released slots.
//
// Pool is not safe for concurrent use;
// the owning endpoint serializes access under its own lock.
type Pool struct {
	slots []*slot
	free  []*slot

	fixed       bool
	payloadSize int

	reserved int
}

// NewPool returns a pool with n slots whose payload buffers are
// pre-sized to payloadSize bytes.
// If n is zero the pool is unbounded.
// If payloadSize is zero, payload buffers grow to fit.
func NewPool(n, payloadSize int) *Pool {
	if n < 0 || payloadSize < 0 {
		panic(fmt.Errorf("BUG: negative pool dimensions (%d slots, %d bytes)", n, payloadSize))
	}

	p := &Pool{
		fixed:       n > 0,
		payloadSize: payloadSize,
	}
	if n > 0 {
		p.slots = make([]*slot, n)
		p.free = make([]*slot, n)
		for i := range n {
			s := &slot{idx: i}
			if payloadSize > 0 {
				s.buf = make([]byte, 0, payloadSize)
			}
			p.slots[i] = s
			// Free list is a stack; fill it so slot 0 is reserved first.
			p.free[n-1-i] = s
		}
	}
	return p
}

// Reserve returns a cleared change whose Payload has length size.
func (p *Pool) Reserve(size int) (*Change, error) {
	if size < 0 {
		panic(fmt.Errorf("BUG: negative payload size %d", size))
	}
	if p.fixed && p.payloadSize > 0 && size > p.payloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, p.payloadSize)
	}

	var s *slot
	if n := len(p.free); n > 0 {
		s = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.fixed {
			return nil, ErrPoolExhausted
		}
		s = &slot{idx: len(p.slots)}
		p.slots = append(p.slots, s)
	}

	if s.inUse {
		panic(fmt.Errorf("BUG: slot %d on free list while in use", s.idx))
	}
	s.inUse = true
	p.reserved++

	if cap(s.buf) < size {
		s.buf = make([]byte, size)
	}
	s.change = Change{
		Payload: s.buf[:size],
		slot:    s,
	}
	return &s.change, nil
}

// Resize changes the payload length of a reserved change,
// preserving the existing prefix.
func (p *Pool) Resize(c *Change, size int) error {
	s := p.owned(c)
	if p.fixed && p.payloadSize > 0 && size > p.payloadSize {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, p.payloadSize)
	}
	if cap(s.buf) < size {
		nb := make([]byte, size)
		copy(nb, c.Payload)
		s.buf = nb
	}
	c.Payload = s.buf[:size]
	return nil
}

// Adopt replaces the payload of c with b,
// keeping b as the slot's buffer for later reuse.
// It is used when a serializer had to grow the buffer it was given.
func (p *Pool) Adopt(c *Change, b []byte) error {
	s := p.owned(c)
	if p.fixed && p.payloadSize > 0 && len(b) > p.payloadSize {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(b), p.payloadSize)
	}
	s.buf = b[:0:cap(b)]
	c.Payload = b
	return nil
}

// Release returns c's slot to the pool.
// c must not be used afterwards.
func (p *Pool) Release(c *Change) {
	s := p.owned(c)
	s.inUse = false
	// Keep the buffer, drop references held by the change.
	s.buf = s.buf[:0]
	s.change = Change{}
	p.free = append(p.free, s)
	p.reserved--
}

func (p *Pool) owned(c *Change) *slot {
	s := c.slot
	if s == nil || s.idx >= len(p.slots) || p.slots[s.idx] != s {
		panic(fmt.Errorf("BUG: change %p does not belong to this pool", c))
	}
	if !s.inUse {
		panic(fmt.Errorf("BUG: slot %d used after release", s.idx))
	}
	return s
}

// Reserved returns the number of slots currently handed out.
func (p *Pool) Reserved() int { return p.reserved }

// Capacity returns the fixed slot count, or 0 for a growable pool.
func (p *Pool) Capacity() int {
	if !p.fixed {
		return 0
	}
	return len(p.slots)
}

// Available reports how many more reservations are possible,
// or -1 if the pool is unbounded.
func (p *Pool) Available() int {
	if !p.fixed {
		return -1
	}
	return len(p.free)
}

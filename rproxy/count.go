package rproxy

// countFilter drops HEARTBEAT and ACKNACK submessages whose count
// does not exceed the last accepted one from the same peer.
type countFilter struct {
	last uint32
	seen bool
}

func (f *countFilter) accept(count uint32) bool {
	if f.seen && int32(count-f.last) <= 0 {
		return false
	}
	f.last = count
	f.seen = true
	return true
}

// Package rchan contains channel-based synchronization primitives
// shared by writers and readers.
//
// The [Signal] type replaces condition variables:
// waiters take the current generation channel while holding the endpoint lock,
// release the lock, and block on the channel.
// [WaitUntil] centralizes that loop so that "block until matched",
// "block until acknowledged" and "block until data available"
// are all expressed the same way.
package rchan

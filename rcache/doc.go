// Package rcache contains the CacheChange record
// and the slot-indexed pool that owns change records and their payload memory.
//
// A history owns exactly one [Pool].
// Proxies refer to changes only by sequence number,
// never by pointer into the pool.
package rcache

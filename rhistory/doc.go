// Package rhistory contains the ordered, bounded caches of changes
// that back writers and readers.
//
// [WriterHistory] assigns sequence numbers and applies the writer's
// KEEP_LAST/KEEP_ALL and resource-limit policy.
// [ReaderHistory] keeps the changes received from every matched writer,
// applies the reader's policy, and resolves exclusive ownership per instance.
//
// Neither type is safe for concurrent use.
// Each is owned by one endpoint and guarded by that endpoint's lock.
package rhistory

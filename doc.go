// Package rtps is a history cache and reliability engine for the
// Real-Time Publish-Subscribe wire protocol.
//
// A [Participant] owns one transport and any number of [Writer] and
// [Reader] endpoints. Writers keep their changes in a history bounded by
// the HISTORY and RESOURCE_LIMITS policies and push them to matched
// readers; reliable writers announce their history with heartbeats and
// repair what readers report missing. Readers filter duplicates, hold
// back out-of-order changes from reliable writers, apply exclusive
// ownership, and hand samples to the application through
// [*Reader.TakeNextSample] and [*Reader.ReadNextSample].
//
// Discovery is not part of this package. Endpoints are matched by calling
// [*Writer.MatchedReaderAdd] and [*Reader.MatchedWriterAdd], either directly
// or through the static registry in the rstatic package.
package rtps

// Package rproxy holds the per-remote-endpoint state of the reliability protocol.
//
// A [ReaderProxy] lives in a writer and tracks, per matched reader,
// which changes are unsent, requested, awaiting acknowledgement, or acknowledged.
// A [WriterProxy] lives in a reader and tracks, per matched writer,
// which sequence numbers have been received, are missing, or are lost.
//
// Proxies record sequence numbers only.
// Changes are owned by the endpoint's history.
// Proxies are not safe for concurrent use; the endpoint lock guards them.
package rproxy

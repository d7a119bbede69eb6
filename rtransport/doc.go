// Package rtransport defines how RTPS datagrams move between participants.
//
// A [Transport] sends opaque datagrams to a [Locator]
// and delivers inbound datagrams to a [Handler].
// [Hub] is an in-process network used by tests and by participants
// sharing one process; see the rudp and rquic subpackages for sockets.
package rtransport

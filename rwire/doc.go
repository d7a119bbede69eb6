// Package rwire encodes and decodes RTPS messages.
//
// A message is the 20-byte RTPS header followed by submessages.
// [Encoder] appends submessages to one datagram;
// [Decode] parses a datagram into resolved submessages,
// applying INFO_TS and INFO_DST to the submessages that follow them.
//
// Multi-byte fields are written big-endian;
// both endiannesses are accepted on decode, per the E flag.
// Malformed input is reported as an error wrapping [ErrMalformed].
package rwire

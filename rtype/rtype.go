// Package rtype defines how application samples become payload bytes.
//
// Serialization formats are supplied by the application;
// this package only carries the contract and a few simple implementations.
package rtype

import (
	"crypto/md5"

	"github.com/gordian-engine/rtps/rcache"
)

// TypeSupport converts samples of type T to and from payload bytes
// and derives the instance handle of keyed samples.
type TypeSupport[T any] interface {
	// Serialize appends the encoded form of v to dst.
	Serialize(dst []byte, v T) ([]byte, error)

	// Deserialize decodes src into v.
	// Implementations must not retain src.
	Deserialize(src []byte, v *T) error

	// Key returns the instance handle of v.
	// The second result is false for types without a key.
	Key(v T) (rcache.InstanceHandle, bool)
}

// Bytes passes byte slices through unchanged.
type Bytes struct{}

func (Bytes) Serialize(dst []byte, v []byte) ([]byte, error) {
	return append(dst, v...), nil
}

func (Bytes) Deserialize(src []byte, v *[]byte) error {
	*v = append((*v)[:0], src...)
	return nil
}

func (Bytes) Key([]byte) (rcache.InstanceHandle, bool) {
	return rcache.HandleNil, false
}

// String encodes strings as their UTF-8 bytes.
type String struct{}

func (String) Serialize(dst []byte, v string) ([]byte, error) {
	return append(dst, v...), nil
}

func (String) Deserialize(src []byte, v *string) error {
	*v = string(src)
	return nil
}

func (String) Key(string) (rcache.InstanceHandle, bool) {
	return rcache.HandleNil, false
}

// Keyed adds a key to another TypeSupport.
// KeyBytes returns the serialized key fields of a sample,
// which are hashed with [KeyHash].
type Keyed[T any] struct {
	TypeSupport[T]

	KeyBytes func(v T) []byte
}

func (k Keyed[T]) Key(v T) (rcache.InstanceHandle, bool) {
	return KeyHash(k.KeyBytes(v)), true
}

// KeyHash derives an instance handle from serialized key fields.
// Keys of up to 16 bytes are used directly, zero-padded;
// longer keys are replaced by their MD5 digest.
func KeyHash(key []byte) rcache.InstanceHandle {
	var h rcache.InstanceHandle
	if len(key) <= len(h) {
		copy(h[:], key)
		return h
	}
	return md5.Sum(key)
}

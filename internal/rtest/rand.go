package rtest

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
	"testing"
)

// RandomDataForTest returns sz pseudorandom bytes,
// stable for a given test name and size.
// Distinct sizes within one test get unrelated data,
// so a sample and a shorter copy of it never share a prefix by accident.
func RandomDataForTest(t testing.TB, sz int) []byte {
	h := sha256.New()
	h.Write([]byte(t.Name()))
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(sz)))

	var seed [32]byte
	h.Sum(seed[:0])

	out := make([]byte, sz)
	if _, err := rand.NewChaCha8(seed).Read(out); err != nil {
		t.Fatalf("failed to generate %d random bytes: %v", sz, err)
	}
	return out
}

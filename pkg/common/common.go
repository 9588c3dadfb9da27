package common

import (
	"encoding/binary"
	"sync"
)

const (
	// KB - Kilobytes
	KB uint64 = 1024

	// MB - Megabytes
	MB uint64 = 1024 * 1024
)

// U64ToByte converts a uint64 to a big endian byte slice.
func U64ToByte(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// ByteToU64 converts a big endian byte slice to a uint64.
func ByteToU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// AppendUvarint appends the varint encoding of v to data.
func AppendUvarint(data []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(data, buf[:n]...)
}

// ProtectedBool is a boolean protected by RW lock
type ProtectedBool struct {
	m     sync.RWMutex
	value bool
}

// Set sets the value (surprise surprise!)
func (b *ProtectedBool) Set(nvalue bool) {
	b.m.Lock()
	defer b.m.Unlock()
	b.value = nvalue
}

// Get gets the value
func (b *ProtectedBool) Get() bool {
	b.m.RLock()
	defer b.m.RUnlock()
	return b.value
}

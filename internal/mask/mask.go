// Package mask implements the reversible XOR byte mask applied to every
// persisted representation. Masking is obfuscation, not encryption.
package mask

import (
	"encoding/binary"

	rayerrors "github.com/gitlab-az1/ray/internal/errors"
)

// Fixed component keys.
var (
	StringKey = []byte{0xc0, 0xc0, 0xc0, 0xc0}
	IntKey    = []byte{0x30, 0x30, 0x30, 0x30}
	StoreKey  = []byte{0x72, 0x2f, 0x89, 0x5c}
	CacheKey  = []byte{0xf3, 0x39, 0xdb, 0x3a}
)

const (
	applyFastThreshold  = 48
	removeFastThreshold = 32
)

// Apply writes output[offset+i] = source[i] ^ key[i%len(key)] for i in [0,length).
func Apply(source, key, output []byte, offset, length int) error {
	if len(key) == 0 {
		return rayerrors.InvalidArgument("mask key must not be empty", nil)
	}
	if length < 0 || length > len(source) || offset < 0 || offset+length > len(output) {
		return rayerrors.InvalidArgument("mask bounds out of range", nil).
			WithDetail("offset", offset).
			WithDetail("length", length)
	}

	if length >= applyFastThreshold {
		applyFast(source, key, output, offset, length)
	} else {
		applyScalar(source, key, output, offset, length)
	}
	return nil
}

// Remove XORs buf in place with the repeating key.
func Remove(buf, key []byte) error {
	if len(key) == 0 {
		return rayerrors.InvalidArgument("mask key must not be empty", nil)
	}

	if len(buf) >= removeFastThreshold {
		applyFast(buf, key, buf, 0, len(buf))
	} else {
		applyScalar(buf, key, buf, 0, len(buf))
	}
	return nil
}

// Masked returns a masked copy of data. Since XOR is self-inverse it also
// unmasks, leaving data untouched.
func Masked(data, key []byte) []byte {
	out := make([]byte, len(data))
	if len(key) == 0 {
		copy(out, data)
		return out
	}
	if len(data) >= applyFastThreshold {
		applyFast(data, key, out, 0, len(data))
	} else {
		applyScalar(data, key, out, 0, len(data))
	}
	return out
}

func applyScalar(source, key, output []byte, offset, length int) {
	k := len(key)
	for i := 0; i < length; i++ {
		output[offset+i] = source[i] ^ key[i%k]
	}
}

// applyFast XORs eight bytes at a time against a key pattern expanded to a
// length that is a multiple of both 8 and len(key), then finishes the tail
// with the scalar loop.
func applyFast(source, key, output []byte, offset, length int) {
	k := len(key)
	period := k * 8
	pattern := make([]byte, period)
	for i := range pattern {
		pattern[i] = key[i%k]
	}

	i := 0
	for ; i+8 <= length; i += 8 {
		p := i % period
		w := binary.LittleEndian.Uint64(source[i:]) ^ binary.LittleEndian.Uint64(pattern[p:])
		binary.LittleEndian.PutUint64(output[offset+i:], w)
	}
	for ; i < length; i++ {
		output[offset+i] = source[i] ^ key[i%k]
	}
}

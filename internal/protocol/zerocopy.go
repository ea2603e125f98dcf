package protocol

import "unsafe"

// upperTable maps ASCII lowercase letters to uppercase and every other byte
// to itself.
var upperTable [256]byte

func init() {
	for i := 0; i < 256; i++ {
		if i >= 'a' && i <= 'z' {
			upperTable[i] = byte(i - 32)
		} else {
			upperTable[i] = byte(i)
		}
	}
}

// ToUpperInPlace upper-cases ASCII letters of a command name in place.
func ToUpperInPlace(b []byte) {
	for i := range b {
		b[i] = upperTable[b[i]]
	}
}

// EqualFold compares two byte slices ignoring ASCII case.
func EqualFold(a []byte, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if upperTable[a[i]] != upperTable[b[i]] {
			return false
		}
	}
	return true
}

func BytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HashBytes is FNV-1a over the upper-cased bytes.
func HashBytes(b []byte) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for _, c := range b {
		h ^= uint32(upperTable[c])
		h *= prime32
	}
	return h
}

// bytesToString returns a string sharing b's memory. b must not change while
// the string is in use.
func bytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}

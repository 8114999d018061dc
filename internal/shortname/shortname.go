// Package shortname implements MiniBus's length-prefixed short identifier:
// a UTF-8 string of at most 255 bytes, used for entity names, kv keys, and
// command tokens on the wire.
package shortname

import (
	"fmt"
	"unicode/utf8"
)

// MaxLen is the largest a Name may be — it must fit in a single length byte
// on the wire (§4.1 short_text).
const MaxLen = 255

// Name is a validated short identifier. The zero value is the empty name.
type Name string

// New validates b and returns a Name, or an error if b exceeds MaxLen bytes
// or is not valid UTF-8.
func New(b []byte) (Name, error) {
	if len(b) > MaxLen {
		return "", fmt.Errorf("shortname: %d bytes exceeds max length %d", len(b), MaxLen)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("shortname: not valid UTF-8")
	}
	return Name(b), nil
}

// Of builds a Name from a known-short Go string literal, panicking if it
// doesn't fit. Intended for compile-time-constant names like "registry" and
// "shared".
func Of(s string) Name {
	if len(s) > MaxLen {
		panic(fmt.Sprintf("shortname: %q exceeds max length %d", s, MaxLen))
	}
	return Name(s)
}

// Bytes returns the raw UTF-8 bytes of the name.
func (n Name) Bytes() []byte {
	return []byte(n)
}

// Len returns the byte length of the name.
func (n Name) Len() int {
	return len(n)
}

func (n Name) String() string {
	return string(n)
}

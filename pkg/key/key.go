// Package key validates cache keys against the memcache wire limits.
//
// A key is the only piece of user input that crosses directly onto the
// wire unescaped, so validation happens once, at the cluster boundary,
// before any hashing or routing decision is made.
package key

import "fmt"

// MaxLength is the largest number of octets a memcache key may occupy.
const MaxLength = 250

// ErrInvalid is returned when a key fails validation. Use errors.Is to
// check for it; the wrapped message says why the key was rejected.
var ErrInvalid = fmt.Errorf("invalid key")

// Validate reports whether key is acceptable for use on the wire: 1 to
// 250 octets, with no space, CR, LF, or NUL byte.
//
// Example:
//
//	if err := key.Validate("user:123"); err != nil {
//		return err
//	}
func Validate(k string) error {
	if len(k) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalid)
	}
	if len(k) > MaxLength {
		return fmt.Errorf("%w: %d octets exceeds max %d", ErrInvalid, len(k), MaxLength)
	}
	for i := 0; i < len(k); i++ {
		switch k[i] {
		case ' ', '\r', '\n', 0:
			return fmt.Errorf("%w: contains disallowed byte 0x%02x", ErrInvalid, k[i])
		}
	}
	return nil
}

// ValidateAll validates every key in keys, stopping at the first
// failure. It is a convenience wrapper for multi-key operations such
// as Gets.
func ValidateAll(keys []string) error {
	for _, k := range keys {
		if err := Validate(k); err != nil {
			return err
		}
	}
	return nil
}

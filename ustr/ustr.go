// Package ustr is an immutable byte-string type for data copied in from
// user memory (vm.Userstr returns one). Adapted from the teacher's
// ustr/ustr.go, trimmed to the byte-equality and NUL-truncation helpers
// vm actually needs; the path-component helpers (Extend, IsAbsolute,
// IndexByte and friends) belong to the filesystem layer above the block
// cache, which is out of this core's scope, so they are not carried
// forward.
package ustr

// Ustr is an immutable byte string copied in from user space.
type Ustr []uint8

// Mk returns an empty Ustr.
func Mk() Ustr {
	return Ustr{}
}

// FromNulTerminated truncates buf at its first NUL byte. Used when a
// caller (vm.Userstr) has read a block of user memory that may contain
// trailing garbage past the string's real end.
func FromNulTerminated(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

// Eq reports whether us and s contain identical bytes.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// String renders the Ustr for diagnostics.
func (us Ustr) String() string {
	return string(us)
}

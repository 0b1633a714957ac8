// Package securemem provides memory-protected storage for sensitive data
// using memguard, preventing secrets from being read via debugger, memory
// dump, or swap. The server keeps its shared-secret handshake token here.
package securemem

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

func init() {
	memguard.CatchInterrupt()
}

// String stores a sensitive string in encrypted memory.
type String struct {
	buf     *memguard.LockedBuffer
	invalid bool
}

// NewString creates a new secure string from the given plaintext.
func NewString(plaintext string) *String {
	return &String{
		buf: memguard.NewBufferFromBytes([]byte(plaintext)),
	}
}

// String returns the plaintext value.
// WARNING: the returned string is a copy in regular memory.
func (s *String) String() string {
	if s == nil || s.invalid || s.buf == nil {
		return ""
	}
	return string(s.buf.Bytes())
}

// IsEmpty returns true if the string is empty or has been destroyed.
func (s *String) IsEmpty() bool {
	if s == nil || s.invalid || s.buf == nil {
		return true
	}
	return len(s.buf.Bytes()) == 0
}

// Equal compares the secure string to the given plaintext in constant time.
func (s *String) Equal(other string) bool {
	if s == nil || s.invalid || s.buf == nil {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(other)) == 1
}

// Destroy securely wipes the value. The string must not be used afterwards.
func (s *String) Destroy() {
	if s == nil || s.invalid {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.invalid = true
}

// Purge wipes every secure allocation in the process. Called on shutdown.
func Purge() {
	memguard.Purge()
}

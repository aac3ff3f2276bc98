package clientcrypto

const redacted = "[REDACTED]"

// Password is a plaintext master password held only for the duration of a call.
// It redacts itself in every textual rendering.
type Password struct{ b []byte }

// NewPassword copies s into a Password.
func NewPassword(s string) Password { return Password{b: []byte(s)} }

// Bytes exposes the plaintext. Callers must not retain the slice.
func (p Password) Bytes() []byte { return p.b }

// Empty reports whether no password was supplied.
func (p Password) Empty() bool { return len(p.b) == 0 }

// Wipe zeroes the plaintext in place.
func (p Password) Wipe() {
	for i := range p.b {
		p.b[i] = 0
	}
}

func (p Password) String() string   { return redacted }
func (p Password) GoString() string { return redacted }

// MarshalJSON keeps the password out of serialized payloads and structured logs.
func (p Password) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// Package dcid generates and validates the short, globally-unique
// identifiers used for Message-ID locals and group IDs: 144 random
// bits, URL-safe base64 encoded, 24 characters.
//
// Grounded on the teacher's sqlitex.InsertRandID idiom
// (spilldb/db.AddUser mints a random row ID and retries on collision)
// generalized from int64 row IDs to opaque byte-string tokens.
package dcid

import (
	"crypto/rand"
	"encoding/base64"
)

const tokenBytes = 18 // 144 bits

// b64 encodes with the URL-safe base64 alphabet spec.md 4.4 validates
// against; it never emits '=' padding because tokenBytes*8/6 is
// exact (24 chars, no padding needed).
var b64 = base64.URLEncoding.WithPadding(base64.NoPadding)

// New mints a fresh 24-character URL-safe base64 identifier.
func New() string {
	var b [tokenBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("dcid: crypto/rand failed: " + err.Error())
	}
	return b64.EncodeToString(b[:])
}

// NewGrpID mints a fresh group ID. Identical generation to New; kept
// as a distinct name so call sites document intent (spec.md 4.4: group
// IDs and Message-ID locals are the same kind of token, used in two
// different wire positions).
func NewGrpID() string { return New() }

// NewMessageIDLocal mints the local part of an outgoing Message-ID.
// The full header value is this local part followed by "@localhost"
// (spec.md 4.4: outgoing Message-IDs use the domain literal
// "localhost" so anonymizing forwarders cannot leak the sender's
// domain).
func NewMessageIDLocal() string { return New() }

const localhostDomain = "localhost"

// NewMessageID mints a full outgoing Message-ID, e.g.
// "<Ab12...Xy9@localhost>" without the angle brackets (callers that
// need RFC 5322 framing add them).
func NewMessageID() string {
	return NewMessageIDLocal() + "@" + localhostDomain
}

// Valid reports whether s could be a locally- or peer-minted short ID:
// 11 to 32 characters drawn from the URL-safe base64 alphabet
// (spec.md 4.4). It does not require exactly 24 characters so that
// tokens from other implementations with slightly different lengths
// are still accepted.
func Valid(s string) bool {
	if len(s) < 11 || len(s) > 32 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

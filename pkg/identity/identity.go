// Package identity mints the prefixed opaque identifiers used across the
// pipeline. Every ID is a short type prefix joined to 128 bits of UUIDv4
// entropy rendered as 32 lowercase hex characters, e.g.
// "trc_2f8a9c0d1e4b4f6a8b0c1d2e3f405162".
//
// The prefix makes IDs self-describing in logs and audit rows; the hex body
// keeps them safe for URLs, headers, and primary keys.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

// Well-known prefixes. Callers outside this package should prefer the
// typed constructors below over calling New directly.
const (
	PrefixTrace    = "trc"
	PrefixEvent    = "evt"
	PrefixEvidence = "evd"
	PrefixBelief   = "blf"
)

// New returns "{prefix}_{32 hex chars}" backed by a fresh UUIDv4.
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewTrace mints a correlation ID that follows one event end to end.
func NewTrace() string { return New(PrefixTrace) }

// NewEvent mints an ID for a normalized ingest event.
func NewEvent() string { return New(PrefixEvent) }

// NewEvidence mints an ID for a content-addressed evidence snapshot.
func NewEvidence() string { return New(PrefixEvidence) }

// NewBelief mints an ID for a belief revision.
func NewBelief() string { return New(PrefixBelief) }

// Package digest provides the CRC32C header/data digest used to verify PDU
// integrity. RFC 3720 Appendix B specifies the iSCSI variant of CRC32C
// (Castagnoli polynomial); this package wraps it behind a small interface
// so the RX/TX pipelines never need to know whether digests are enabled
// for a given connection.
package digest

import "hash/crc32"

// castagnoliTable is computed once; iSCSI's CRC32C uses the same
// polynomial as SCTP and the Go standard library already tabulates it.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Digest computes and verifies iSCSI CRC32C digests over header and data
// segments.
type Digest interface {
	// Compute returns the 4-byte big-endian digest of b.
	Compute(b []byte) [4]byte
	// Verify reports whether want matches the digest of b.
	Verify(b []byte, want [4]byte) bool
	// Enabled reports whether this Digest actually checks anything —
	// false for NoDigest, letting the RX pipeline skip reading a digest
	// trailer entirely rather than read-and-ignore it.
	Enabled() bool
}

type crc32c struct{}

// New returns the standard iSCSI CRC32C digest.
func New() Digest { return crc32c{} }

func (crc32c) Compute(b []byte) [4]byte {
	sum := crc32.Checksum(b, castagnoliTable)
	return [4]byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)}
}

func (c crc32c) Verify(b []byte, want [4]byte) bool {
	return c.Compute(b) == want
}

func (crc32c) Enabled() bool { return true }

// none (returned by NoDigest) is a no-op Digest for connections that negotiated DataDigest=None
// and HeaderDigest=None; Verify always succeeds so callers can use it
// unconditionally without branching on whether digests are enabled.
type none struct{}

func NoDigest() Digest { return none{} }

func (none) Compute(b []byte) [4]byte           { return [4]byte{} }
func (none) Verify(b []byte, want [4]byte) bool { return true }
func (none) Enabled() bool                      { return false }

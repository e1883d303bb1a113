// Package constants holds the tunables of the iSCSI protocol engine.
package constants

import "time"

// Data-wait hash sizing.
const (
	// HashSize is the number of buckets in the per-session ITT data-wait hash.
	HashSize = 256

	// ReservedTag marks an absent/invalid Initiator or Target Task Tag.
	ReservedTag uint32 = 0xffffffff
)

// Negotiated-parameter defaults, used when a session is built without
// explicit overrides (login negotiation itself is out of scope).
const (
	DefaultMaxRecvDataLength = 8192
	DefaultMaxXmitDataLength = 8192
	DefaultFirstBurstLength  = 65536
	DefaultMaxBurstLength    = 262144
	DefaultMaxOutstandingR2T = 1
)

// Task management.
const (
	// AbortWindow is the width of the CmdSN window behind the ABORT_TASK
	// request's own CmdSN in which
	// an unmatched ABORT_TASK replies FUNCTION_COMPLETE rather than
	// UNKNOWN_TASK, on the theory that the task already drained normally.
	AbortWindow = 128

	// TMDataWaitTimeout bounds how long a connection with pending task
	// management activity will wait for affected commands to drain.
	TMDataWaitTimeout = 10 * time.Second

	// SchedSlack is added on top of TMDataWaitTimeout to account for
	// scheduling jitter before giving up on a drain.
	SchedSlack = 1 * time.Second

	// RspTimeout bounds ordinary write/response progress on a connection with
	// no task management activity in effect.
	RspTimeout = 30 * time.Second
)

// DiscardSinkSize is a size for a shared zero buffer to receive and discard
// payload bytes the engine must consume but not keep. No such buffer is
// allocated: the RX loop reads every data segment into a buffer of its own
// and the handlers drop what they do not keep.
const DiscardSinkSize = 256 * 1024

// PDU framing.
const (
	// BHSLen is the fixed Basic Header Segment length (RFC 3720 §10).
	BHSLen = 48

	// DigestLen is the length of a CRC32C header/data digest when enabled.
	DigestLen = 4

	// PadAlignment is the byte alignment data segments are padded to.
	PadAlignment = 4
)

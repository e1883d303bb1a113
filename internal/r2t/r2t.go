// Package r2t implements the Ready-To-Transfer flow-control engine that
// governs collection of write data for a single SCSI command: how much
// data is still expected, how many R2Ts may be outstanding at once, and
// how incoming Data-Out PDUs are accounted for.
package r2t

import (
	"sync"
	"sync/atomic"
)

// Params are the negotiated values that bound an R2T engine's behavior,
// taken from login negotiation once that exists; fixed defaults are
// supplied by internal/constants until then.
type Params struct {
	MaxOutstandingR2T uint32
	MaxBurstLength    uint32
	FirstBurstLength  uint32
	InitialR2T        bool
}

// Engine tracks one write command's data collection. It is created when
// the engine determines a SCSI Command PDU expects Data-Out, and discarded
// once ExpectedTransferLength bytes have been received.
type Engine struct {
	params Params

	expectedLength uint32
	received       uint32 // atomic: bytes of Data-Out actually accounted so far

	mu             sync.Mutex
	nextOffset     uint32 // next byte offset not yet covered by an issued R2T or immediate data
	toSend         uint32 // r2t_len_to_send: bytes not yet covered by any issued R2T
	outstanding    int32
	nextR2TSN      uint32
	immediateTaken bool // unsolicited/immediate data already counted
}

// tttAlloc hands out Transfer Tags unique within a connection; the real
// engine seeds this from a per-connection counter, but a package-level
// allocator is sufficient since TTTs only need to be unique among
// concurrently outstanding R2Ts.
var tttAlloc uint32

func allocTTT() uint32 { return atomic.AddUint32(&tttAlloc, 1) }

// New creates an Engine for a write command expecting expectedLength bytes
// total, having already received immediateLength bytes of unsolicited data
// piggybacked on the SCSI Command PDU itself.
func New(params Params, expectedLength, immediateLength uint32) *Engine {
	if immediateLength > expectedLength {
		immediateLength = expectedLength
	}
	e := &Engine{
		params:         params,
		expectedLength: expectedLength,
		nextOffset:     immediateLength,
		toSend:         expectedLength - immediateLength,
	}
	if immediateLength > 0 {
		atomic.StoreUint32(&e.received, immediateLength)
		e.immediateTaken = true
	}
	return e
}

// Remaining reports how many bytes of Data-Out are still expected to
// arrive before the command is complete.
func (e *Engine) Remaining() uint32 {
	got := atomic.LoadUint32(&e.received)
	if got >= e.expectedLength {
		return 0
	}
	return e.expectedLength - got
}

// Complete reports whether all expected data has now been received.
func (e *Engine) Complete() bool { return e.Remaining() == 0 }

// AccountDataOut records length bytes of an arrived Data-Out PDU. When
// final is set (the last PDU of an R2T burst) it also decrements the
// outstanding R2T count, freeing a slot the caller can refill via
// NextBurst.
func (e *Engine) AccountDataOut(length uint32, final bool) {
	atomic.AddUint32(&e.received, length)
	if final {
		e.mu.Lock()
		if e.outstanding > 0 {
			e.outstanding--
		}
		e.mu.Unlock()
	}
}

// R2T describes one Ready-To-Transfer PDU the caller should send.
type R2T struct {
	TTT           uint32
	R2TSN         uint32
	BufferOffset  uint32
	DesiredLength uint32
}

// NextBurst computes the next R2T to issue, honoring MaxOutstandingR2T: it
// returns nil if no more R2Ts may be issued right now (either because
// every byte of the command has already been solicited, or because the
// outstanding-R2T window is full). Sizing is based on r2t_len_to_send —
// bytes not yet covered by any R2T issued so far — not on how many bytes
// have actually arrived; a slot freed by AccountDataOut(..., final=true)
// is only usable again once the caller re-invokes NextBurst, which
// internal/conn's handleDataOut does on every Data-Out that frees a slot.
func (e *Engine) NextBurst() *R2T {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.toSend == 0 {
		return nil
	}
	if uint32(e.outstanding) >= e.params.MaxOutstandingR2T {
		return nil
	}
	length := e.toSend
	if e.params.MaxBurstLength > 0 && length > e.params.MaxBurstLength {
		length = e.params.MaxBurstLength
	}
	r2t := &R2T{
		TTT:           allocTTT(),
		R2TSN:         e.nextR2TSN,
		BufferOffset:  e.nextOffset,
		DesiredLength: length,
	}
	e.nextOffset += length
	e.toSend -= length
	e.nextR2TSN++
	e.outstanding++
	return r2t
}

// Outstanding reports the current outstanding R2T count, for tests and
// diagnostics.
func (e *Engine) Outstanding() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstanding
}

// ShouldSolicit reports whether the target must send an R2T before the
// initiator may be allowed to send any more data on its own: with
// InitialR2T set, every byte beyond what already arrived unsolicited must
// be solicited; with it clear, the initiator may keep sending unsolicited
// data up to FirstBurstLength before an R2T becomes necessary.
func (e *Engine) ShouldSolicit(unsolicitedSoFar uint32) bool {
	if e.params.InitialR2T {
		return true
	}
	return unsolicitedSoFar >= e.params.FirstBurstLength
}

// Package command implements the lifecycle of a single SCSI command as it
// moves through the engine: reference counting, parent/child linkage
// between a request and its responses, and the state machine a command
// walks from arrival to completion.
package command

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/iscsi-scst/go-iscsi-core/internal/backend"
	"github.com/iscsi-scst/go-iscsi-core/internal/pdu"
)

// ErrDigestMismatch is returned by the RX pipeline when a header or data
// digest fails to verify.
var ErrDigestMismatch = errors.New("command: digest mismatch")

// State is the position of a command in its lifecycle, named after
// scst_state in the original.
type State int32

const (
	StateNew State = iota
	StateRxCmd
	StateAfterPreproc
	StateRestarted
	StateProcessed
	StateAEN
	StateReinstPending
	StateOutOfSCSTPrelimCompl
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRxCmd:
		return "rx_cmd"
	case StateAfterPreproc:
		return "after_preproc"
	case StateRestarted:
		return "restarted"
	case StateProcessed:
		return "processed"
	case StateAEN:
		return "aen"
	case StateReinstPending:
		return "reinst_pending"
	case StateOutOfSCSTPrelimCompl:
		return "out_of_scst_prelim_compl"
	default:
		return "unknown"
	}
}

// PrelimFlags is a bitset of reasons a command was preliminarily
// completed — it may complete before the mid-layer ever sees it (digest
// failure, resource exhaustion) or be marked aborted out from under an
// in-flight mid-layer call.
type PrelimFlags uint32

const (
	PrelimCompleted PrelimFlags = 1 << iota
	Aborted
)

// Cmd is one SCSI command: the request PDU that created it, the response
// PDU(s) built for it, and everything the engine needs to track while it is
// in flight. A Cmd is shared between the RX goroutine, the TX goroutine,
// and whatever goroutine the mid-layer calls back from, so every mutable
// field beyond construction is guarded either by atomics or by mu.
type Cmd struct {
	ITT     uint32
	LUN     uint64
	CDB     []byte
	CmdSN   uint32
	Session SessionRef

	// Immediate records the PDU's I bit: ABORT_TASK's RefCmdSN validation
	// compares against either the TM's own CmdSN or this
	// command's CmdSN depending on it.
	Immediate bool

	SCSI backend.SCSICmd // nil until the mid-layer accepts the command

	// Dir and ExpectedLen record what SetExpected told the mid-layer, so the
	// TX pipeline can compute a read's residual without re-deriving it from
	// the CDB.
	Dir         backend.Direction
	ExpectedLen uint32

	refCnt    int32 // atomic
	netRefCnt int32 // atomic; refs held by net-facing goroutines specifically

	mu          sync.Mutex
	state       State
	prelimFlags PrelimFlags
	parent      *Cmd   // set on a response Cmd, points back to the request
	children    []*Cmd // set on a request Cmd: its response(s)
	mainRsp     *Cmd   // the response actually sent to the wire
	payload     []byte // marshaled PDU bytes, set on a response Cmd before release
	disposed    bool
}

// SessionRef is the minimal session identity a Cmd needs without importing
// package session (which itself depends on command), avoiding a cycle.
type SessionRef interface {
	ID() uint64
}

// New creates a request-side Cmd in StateNew with one reference held by
// the caller — a command is born with ref_cnt=1.
func New(itt uint32, lun uint64, cdb []byte, cmdSN uint32, sess SessionRef) *Cmd {
	return &Cmd{
		ITT:     itt,
		LUN:     lun,
		CDB:     cdb,
		CmdSN:   cmdSN,
		Session: sess,
		refCnt:  1,
		state:   StateNew,
	}
}

// NewResponse creates a response Cmd linked to parent and adds it to the
// parent's rsp_cmd_list, raising the parent's ref_cnt (dropped again on the
// response's own destruction, in free), per the parent/child
// invariant: a response keeps its request alive for as long as the
// response itself is live.
func NewResponse(parent *Cmd) *Cmd {
	parent.Get()
	rsp := &Cmd{
		ITT:     parent.ITT,
		LUN:     parent.LUN,
		CmdSN:   parent.CmdSN,
		Session: parent.Session,
		refCnt:  1,
		state:   StateNew,
		parent:  parent,
	}
	parent.mu.Lock()
	parent.children = append(parent.children, rsp)
	if parent.mainRsp == nil {
		parent.mainRsp = rsp
	}
	parent.mu.Unlock()
	return rsp
}

// SetPayload records the marshaled response bytes a response Cmd carries to
// the wire; Release transmits it at the owning request's release time.
func (c *Cmd) SetPayload(b []byte) {
	c.mu.Lock()
	c.payload = b
	c.mu.Unlock()
}

// Payload returns the bytes SetPayload recorded.
func (c *Cmd) Payload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload
}

// Get takes a reference on c, returning c for call chaining.
func (c *Cmd) Get() *Cmd {
	atomic.AddInt32(&c.refCnt, 1)
	return c
}

// GetNet takes a reference accounted separately as net-facing (held by the
// RX or TX goroutine rather than by mid-layer bookkeeping), mirroring the
// original's net_ref_cnt split.
func (c *Cmd) GetNet() *Cmd {
	atomic.AddInt32(&c.refCnt, 1)
	atomic.AddInt32(&c.netRefCnt, 1)
	return c
}

// Put releases a reference. When the last reference drops, free runs
// exactly once.
func (c *Cmd) Put() {
	if atomic.AddInt32(&c.refCnt, -1) == 0 {
		c.free()
	}
}

// PutNet releases a net-facing reference.
func (c *Cmd) PutNet() {
	atomic.AddInt32(&c.netRefCnt, -1)
	c.Put()
}

// GetCheck takes a reference only if c has not already been finally
// disposed, returning ok=false otherwise. This is the guard a lookup from
// the data-wait hash or pending_list must use: the command may have been
// freed between the lookup finding it and the caller acting on it.
func (c *Cmd) GetCheck() (ref *Cmd, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, false
	}
	atomic.AddInt32(&c.refCnt, 1)
	return c, true
}

func (c *Cmd) free() {
	c.mu.Lock()
	c.disposed = true
	children := c.children
	c.children = nil
	parent := c.parent
	c.parent = nil
	c.mu.Unlock()

	// A request's children are the responses built for it; they hold their
	// own reference lifetimes and are not force-freed here — only
	// unreachable structures (the CDB/session linkage) are dropped now.
	_ = children
	c.CDB = nil
	c.SCSI = nil

	// A response's destruction drops the ref_cnt NewResponse raised on its
	// parent; a request (parent==nil) has nothing to release.
	if parent != nil {
		parent.Put()
	}
}

// Release implements the request's release policy: if a main response has
// been designated, it is handed to xmit — and its own reference dropped —
// before the request's own reference is released, so a reply is guaranteed
// to reach the wire before the request that provoked it can be freed.
func (c *Cmd) Release(xmit func(payload []byte)) {
	mainRsp := c.MainResponse()
	if mainRsp != nil && xmit != nil {
		xmit(mainRsp.Payload())
		mainRsp.Put()
	}
	c.Put()
}

// SetState transitions c to s. Not all transitions are legal; callers are
// expected to only call this from the single goroutine that owns a given
// phase of the command's life (RX for New->RxCmd->AfterPreproc, mid-layer
// callback for Restarted->Processed), so no compare-and-swap is needed
// except where two goroutines race to restart the same command (see
// TryRestart).
func (c *Cmd) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Cmd) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TryRestart performs the only state transition that is genuinely
// contended: a write command sitting in StateAfterPreproc can be restarted
// either by the last Data-Out PDU completing collection, or by an abort
// racing in on another goroutine. Whoever wins moves it to StateRestarted;
// the loser learns it lost and must not call into the mid-layer.
func (c *Cmd) TryRestart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAfterPreproc {
		return false
	}
	c.state = StateRestarted
	return true
}

// MarkPrelimCompleted sets PrelimCompleted (and, if abort is true, Aborted)
// and returns whether this call was the one to set PrelimCompleted for the
// first time — callers use this to decide whether they are the ones
// responsible for building the error response.
func (c *Cmd) MarkPrelimCompleted(abort bool) (first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	first = c.prelimFlags&PrelimCompleted == 0
	c.prelimFlags |= PrelimCompleted
	if abort {
		c.prelimFlags |= Aborted
	}
	return first
}

func (c *Cmd) PrelimFlags() PrelimFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prelimFlags
}

func (c *Cmd) IsAborted() bool {
	return c.PrelimFlags()&Aborted != 0
}

// MainResponse returns the response Cmd that should actually be sent to
// the wire for this request, or nil if none has been built yet.
func (c *Cmd) MainResponse() *Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mainRsp
}

// SetMainResponse overrides the response that will be sent — used when a
// preliminary completion response preempts whatever the mid-layer would
// have produced.
func (c *Cmd) SetMainResponse(rsp *Cmd) {
	c.mu.Lock()
	c.mainRsp = rsp
	c.mu.Unlock()
}

// RefCount reports the current reference count, for tests and diagnostics.
func (c *Cmd) RefCount() int32 { return atomic.LoadInt32(&c.refCnt) }

// Header is a convenience for building a response PDU's ITT/LUN from the
// request it answers.
func (c *Cmd) Header() pdu.Header {
	return pdu.Header{ITT: c.ITT, LUN: c.LUN}
}

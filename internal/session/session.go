// Package session holds per-session state that outlives any single
// connection or command: the CmdSN ordering window, the data-wait hash,
// and task-management state.
package session

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/iscsi-scst/go-iscsi-core/internal/backend"
	"github.com/iscsi-scst/go-iscsi-core/internal/command"
)

// MaxOutstandingCmdSNWindow bounds how far a CmdSN may run ahead of
// ExpCmdSN before the engine refuses to grow MaxCmdSN further, preventing
// an unbounded reorder buffer.
const MaxOutstandingCmdSNWindow = 64

// pendingEntry is one out-of-order command sitting in the reorder buffer,
// waiting for ExpCmdSN to reach its CmdSN.
type pendingEntry struct {
	cmdSN uint32
	cmd   *command.Cmd
	run   func(*command.Cmd)
}

// Session tracks the CmdSN/StatSN state machine and the command reorder
// buffer for one iSCSI session.
type Session struct {
	id uint64

	mu         sync.Mutex
	expCmdSN   uint32 // next CmdSN the session will accept in order
	maxCmdSN   uint32 // window ceiling advertised to the initiator
	statSN     uint32 // next StatSN this session will stamp on a response
	pending    []*pendingEntry

	DataWait *DataWaitHash

	tm tmState
}

// tmState is the session-scoped task management bookkeeping: at most one
// TM function may be "active" pending its delayed response.
type tmState struct {
	mu     sync.Mutex
	active bool
	sn     uint32 // the TM request's own CmdSN; gate opens once ExpCmdSN reaches it
	result backend.TMResult
	onSN   func(backend.TMResult)
}

// New creates a session with the given identifier and initial ExpCmdSN.
func New(id uint64, initialCmdSN uint32) *Session {
	s := &Session{
		id:       id,
		expCmdSN: initialCmdSN,
		DataWait: NewDataWaitHash(),
	}
	s.maxCmdSN = initialCmdSN + MaxOutstandingCmdSNWindow
	return s
}

// ID implements command.SessionRef.
func (s *Session) ID() uint64 { return s.id }

// ExpCmdSN returns the next CmdSN the session expects in order.
func (s *Session) ExpCmdSN() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expCmdSN
}

// MaxCmdSN returns the current window ceiling to advertise to the
// initiator.
func (s *Session) MaxCmdSN() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxCmdSN
}

// NextStatSN allocates and returns the StatSN to stamp on the next response
// PDU sent on this session. StatSN is per-session, not per-connection,
// since MaxCmdSN/ExpStatSN negotiation happens above individual
// connections.
func (s *Session) NextStatSN() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn := s.statSN
	s.statSN++
	return sn
}

// InWindow reports whether cmdSN falls within [ExpCmdSN, MaxCmdSN], the
// acceptance test every incoming command must pass before the engine will
// even queue it: below the window is a duplicate, above it is a protocol
// violation.
func (s *Session) InWindow(cmdSN uint32) (accept bool, duplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if before(cmdSN, s.expCmdSN) {
		return false, true
	}
	if after(cmdSN, s.maxCmdSN) {
		return false, false
	}
	return true, false
}

// RunImmediate executes run for a command delivered with the Immediate
// delivery bit set, bypassing the CmdSN ordering window entirely: an
// immediate command runs as soon as it arrives regardless of how far
// ahead of ExpCmdSN its CmdSN is, and its arrival never advances
// ExpCmdSN or drains the reorder buffer.
func (s *Session) RunImmediate(cmd *command.Cmd, run func(*command.Cmd)) {
	run(cmd)
}

// before/after compare serial numbers per RFC 1982 (iSCSI SNs wrap at
// 2^32), the same comparison the original's sn helpers perform.
func before(a, b uint32) bool { return int32(a-b) < 0 }
func after(a, b uint32) bool  { return int32(a-b) > 0 }

// Admit runs cmd's run callback in CmdSN order: if cmdSN is the next
// expected one, run executes immediately and ExpCmdSN advances past any
// now-contiguous pending entries; otherwise cmd is parked in the reorder
// buffer until earlier CmdSNs arrive.
func (s *Session) Admit(cmd *command.Cmd, cmdSN uint32, run func(*command.Cmd)) {
	s.mu.Lock()
	if cmdSN != s.expCmdSN {
		s.pending = append(s.pending, &pendingEntry{cmdSN: cmdSN, cmd: cmd, run: run})
		sort.Slice(s.pending, func(i, j int) bool { return before(s.pending[i].cmdSN, s.pending[j].cmdSN) })
		s.mu.Unlock()
		return
	}
	s.expCmdSN++
	s.maxCmdSN = s.expCmdSN + MaxOutstandingCmdSNWindow
	drained := s.drainLocked()
	s.mu.Unlock()

	run(cmd)
	for _, d := range drained {
		d.run(d.cmd)
	}
	s.CheckTMGate()
}

// drainLocked pops every pending entry that is now contiguous with
// expCmdSN, advancing expCmdSN/maxCmdSN as it goes. Caller holds s.mu and
// must run the returned entries' callbacks after releasing it.
func (s *Session) drainLocked() []*pendingEntry {
	var drained []*pendingEntry
	for len(s.pending) > 0 && s.pending[0].cmdSN == s.expCmdSN {
		e := s.pending[0]
		s.pending = s.pending[1:]
		drained = append(drained, e)
		s.expCmdSN++
		s.maxCmdSN = s.expCmdSN + MaxOutstandingCmdSNWindow
	}
	return drained
}

// PendingCount reports how many commands are currently parked awaiting
// reordering, for tests and diagnostics.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// BeginTM marks a task management function active, gated to complete once
// the session's ExpCmdSN reaches waitForSN (the TM request's own CmdSN):
// that request consumes one CmdSN slot in the initiator's stream but never
// passes through Admit, so the gate opens as soon as every command ordered
// ahead of it has been admitted — there is no later CmdSN that would ever
// advance ExpCmdSN past waitForSN+1 on the TM's behalf. onSN is invoked
// with the eventual result once TMCompleted fires the gate.
func (s *Session) BeginTM(waitForSN uint32, onSN func(backend.TMResult)) (ok bool) {
	s.tm.mu.Lock()
	defer s.tm.mu.Unlock()
	if s.tm.active {
		return false
	}
	s.tm.active = true
	s.tm.sn = waitForSN
	s.tm.onSN = onSN
	return true
}

// TMCompleted records the mid-layer's result for the active TM function.
// If ExpCmdSN has already reached the gating SN, onSN fires immediately;
// otherwise CheckTMGate fires it later as CmdSNs keep advancing.
func (s *Session) TMCompleted(result backend.TMResult) {
	s.tm.mu.Lock()
	s.tm.result = result
	gateOpen := !before(s.ExpCmdSN(), s.tm.sn)
	var fn func(backend.TMResult)
	if gateOpen {
		fn = s.tm.onSN
		s.tm.active = false
		s.tm.onSN = nil
	}
	s.tm.mu.Unlock()
	if fn != nil {
		fn(result)
	}
}

// CheckTMGate is called after ExpCmdSN advances (from Admit's drain loop)
// to see whether a previously-completed TM function can now have its
// response released.
func (s *Session) CheckTMGate() {
	s.tm.mu.Lock()
	if !s.tm.active || before(s.ExpCmdSN(), s.tm.sn) {
		s.tm.mu.Unlock()
		return
	}
	fn := s.tm.onSN
	result := s.tm.result
	s.tm.active = false
	s.tm.onSN = nil
	s.tm.mu.Unlock()
	if fn != nil {
		fn(result)
	}
}

// sessionSeq hands out session IDs when the caller (conn package) doesn't
// already have one from login negotiation.
var sessionSeq uint64

// NextID allocates a process-unique session identifier.
func NextID() uint64 { return atomic.AddUint64(&sessionSeq, 1) }

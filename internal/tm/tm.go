// Package tm implements the task management subsystem: dispatching
// ABORT_TASK, ABORT_TASK_SET, CLEAR_TASK_SET, CLEAR_ACA,
// LOGICAL_UNIT_RESET, TARGET_WARM_RESET, TARGET_COLD_RESET, and the
// unsupported TASK_REASSIGN, then releasing the response once the
// session's CmdSN window has caught up with every command the function
// could affect.
package tm

import (
	"fmt"

	"github.com/iscsi-scst/go-iscsi-core/internal/backend"
	"github.com/iscsi-scst/go-iscsi-core/internal/command"
	"github.com/iscsi-scst/go-iscsi-core/internal/constants"
	"github.com/iscsi-scst/go-iscsi-core/internal/pdu"
	"github.com/iscsi-scst/go-iscsi-core/internal/session"
)

// TaskFinder locates an in-flight command by Initiator Task Tag so
// ABORT_TASK can mark it aborted directly, without waiting for the
// mid-layer round trip.
type TaskFinder interface {
	FindByITT(itt uint32) (*command.Cmd, bool)

	// MarkAborted marks every live command on the given LUN (or, if allLUNs
	// is set, every live command regardless of LUN) preliminarily completed
	// due to a scope-wide task management function, before that function is
	// forwarded to the mid-layer.
	MarkAborted(lun uint64, allLUNs bool)

	// ArmTMTimeout tightens the connection's response timer to
	// TM_DATA_WAIT_TIMEOUT+SCHED_SLACK: a command has just been marked
	// aborted and the connection must not sit waiting on it indefinitely.
	ArmTMTimeout()
}

// Manager dispatches task management requests for one session.
type Manager struct {
	sess    *session.Session
	backend backend.Backend
	finder  TaskFinder
}

// New creates a Manager bound to sess, routing mid-layer calls through be
// and command lookups through finder.
func New(sess *session.Session, be backend.Backend, finder TaskFinder) *Manager {
	return &Manager{sess: sess, backend: be, finder: finder}
}

func functionFromWire(fn uint8) (backend.TMFunction, error) {
	switch fn {
	case pdu.TMFAbortTask:
		return backend.TMAbortTask, nil
	case pdu.TMFAbortTaskSet:
		return backend.TMAbortTaskSet, nil
	case pdu.TMFClearACA:
		return backend.TMClearACA, nil
	case pdu.TMFClearTaskSet:
		return backend.TMClearTaskSet, nil
	case pdu.TMFLogicalUnitReset:
		return backend.TMLogicalUnitReset, nil
	case pdu.TMFTargetWarmReset:
		return backend.TMTargetWarmReset, nil
	case pdu.TMFTargetColdReset:
		return backend.TMTargetColdReset, nil
	case pdu.TMFTaskReassign:
		return backend.TMTaskReassign, nil
	default:
		return 0, fmt.Errorf("tm: unknown function %d", fn)
	}
}

func codeToWire(c backend.TMResponseCode) uint8 {
	switch c {
	case backend.TMRespFunctionComplete:
		return pdu.TMRespFunctionComplete
	case backend.TMRespTaskNotInLUN:
		return pdu.TMRespTaskNotInLUN
	case backend.TMRespLUNNotSupported:
		return pdu.TMRespLUNNotSupported
	case backend.TMRespTaskStillAllegiant:
		return pdu.TMRespTaskStillAllegiant
	case backend.TMRespReassignmentUnsupported:
		return pdu.TMRespReassignmentUnsupported
	case backend.TMRespFunctionAuthorizationFailed:
		return pdu.TMRespFunctionAuthorizationFailed
	case backend.TMRespUnknownTask:
		// RFC 3720 §10.6.2 wire code 1 ("task does not exist") is what this
		// codebase names TMRespTaskNotInLUN; an unmatched ABORT_TASK RTT
		// wants that code, not the catch-all FUNCTION_REJECTED.
		return pdu.TMRespTaskNotInLUN
	case backend.TMRespFunctionNotSupported:
		return pdu.TMRespFunctionNotSupported
	default:
		return pdu.TMRespFunctionRejected
	}
}

// Request is a decoded Task Management Function Request, the subset of
// the PDU the manager needs.
type Request struct {
	Function uint8
	LUN      uint64
	RTT      uint32 // Referenced Task Tag: the ITT of the task to affect
	RefCmdSN uint32
	CmdSN    uint32
	ITT      uint32 // this TM request's own ITT
}

// Response is what the caller sends back once Dispatch's completion
// callback fires.
type Response struct {
	ITT          uint32
	ResponseCode uint8

	// CloseAllConns is set on TARGET_COLD_RESET's response: the caller must
	// close every connection of this session once the response has been
	// transmitted.
	CloseAllConns bool
}

// Dispatch handles req: TASK_REASSIGN is rejected outright since the
// engine has no allegiance-reassignment support; ABORT_TASK looks up the
// referenced command by RTT, marking it aborted and forwarding to the
// mid-layer if found, or deciding FUNCTION_COMPLETE vs UNKNOWN_TASK from
// the abort window if not; everything else goes straight to the
// mid-layer. complete is invoked exactly once, from whatever goroutine
// ends up releasing the TM gate — which may be the caller's own goroutine
// if the session's CmdSN window has already caught up.
func (m *Manager) Dispatch(req Request, complete func(Response)) error {
	if req.Function == pdu.TMFTaskReassign {
		complete(Response{ITT: req.ITT, ResponseCode: pdu.TMRespReassignmentUnsupported})
		return nil
	}

	fn, err := functionFromWire(req.Function)
	if err != nil {
		complete(Response{ITT: req.ITT, ResponseCode: pdu.TMRespFunctionRejected})
		return err
	}

	if req.Function == pdu.TMFAbortTask {
		// This first validation applies regardless of whether the
		// referenced task is still tracked: a RefCmdSN that has not yet been
		// issued by the initiator (RefCmdSN >= the TM's own CmdSN) can never
		// name a real task.
		if int32(req.RefCmdSN-req.CmdSN) >= 0 {
			complete(Response{ITT: req.ITT, ResponseCode: pdu.TMRespFunctionRejected})
			return nil
		}

		target, found := m.finder.FindByITT(req.RTT)
		rejected := false
		if found {
			switch {
			case target.LUN != req.LUN:
				rejected = true
			case target.Immediate && req.RefCmdSN != req.CmdSN:
				rejected = true
			case !target.Immediate && req.RefCmdSN != target.CmdSN:
				rejected = true
			case int32(req.CmdSN-target.CmdSN) <= 0:
				// The TM's own CmdSN must be strictly greater than the target
				// command's: a TM cannot abort a command ordered after itself.
				rejected = true
			}
			if !rejected {
				target.MarkPrelimCompleted(true)
				m.finder.ArmTMTimeout()
			}
			target.Put()
		}

		ok := m.sess.BeginTM(req.CmdSN, func(result backend.TMResult) {
			complete(Response{ITT: req.ITT, ResponseCode: codeToWire(result.Code)})
		})
		if !ok {
			complete(Response{ITT: req.ITT, ResponseCode: pdu.TMRespFunctionRejected})
			return nil
		}

		if rejected {
			m.sess.TMCompleted(backend.TMResult{Code: backend.TMRespFunctionRejected})
			return nil
		}

		if !found {
			// The referenced task isn't tracked on this connection: either it
			// already ran to completion normally, or RefCmdSN never names a
			// real command at all. withinAbortWindow tells the two apart
			// without involving the mid-layer, which has no record of a task
			// the engine itself never dispatched.
			code := backend.TMRespUnknownTask
			if withinAbortWindow(req.CmdSN, req.RefCmdSN) {
				code = backend.TMRespFunctionComplete
			}
			m.sess.TMCompleted(backend.TMResult{Code: code})
			return nil
		}

		result, err := m.backend.RxMgmtFn(m.sess.ID(), backend.TMParams{
			Function: fn,
			LUN:      req.LUN,
			RefITT:   req.RTT,
			RefCmdSN: req.RefCmdSN,
		})
		if err != nil {
			result = backend.TMResult{Code: backend.TMRespFunctionRejected}
		}
		m.sess.TMCompleted(result)
		return err
	}

	closeAllConns := req.Function == pdu.TMFTargetColdReset
	if allLUNs, ok := scopeFor(req.Function); ok {
		m.finder.MarkAborted(req.LUN, allLUNs)
		m.finder.ArmTMTimeout()
	}

	ok := m.sess.BeginTM(req.CmdSN, func(result backend.TMResult) {
		complete(Response{ITT: req.ITT, ResponseCode: codeToWire(result.Code), CloseAllConns: closeAllConns})
	})
	if !ok {
		complete(Response{ITT: req.ITT, ResponseCode: pdu.TMRespFunctionRejected})
		return nil
	}

	result, err := m.backend.RxMgmtFn(m.sess.ID(), backend.TMParams{
		Function: fn,
		LUN:      req.LUN,
		RefITT:   req.RTT,
		RefCmdSN: req.RefCmdSN,
	})
	if err != nil {
		result = backend.TMResult{Code: backend.TMRespFunctionRejected}
	}
	m.sess.TMCompleted(result)
	return err
}

// scopeFor reports which commands a non-ABORT_TASK, non-TASK_REASSIGN
// function marks aborted before the mid-layer is consulted: ABORT_TASK_SET
// and CLEAR_TASK_SET/CLEAR_ACA affect every command on the named LUN;
// LOGICAL_UNIT_RESET affects the named LUN too; the two RESET functions are
// target-wide and affect every LUN. ok is false for a function with no
// scope-wide marking of its own (TASK_REASSIGN and ABORT_TASK are handled
// separately).
func scopeFor(fn uint8) (allLUNs bool, ok bool) {
	switch fn {
	case pdu.TMFAbortTaskSet, pdu.TMFClearTaskSet, pdu.TMFClearACA, pdu.TMFLogicalUnitReset:
		return false, true
	case pdu.TMFTargetWarmReset, pdu.TMFTargetColdReset:
		return true, true
	default:
		return false, false
	}
}

// withinAbortWindow reports whether refCmdSN falls no further than
// constants.AbortWindow behind cmdSN (the ABORT_TASK request's own CmdSN),
// per RFC 1982 serial arithmetic. A referenced command that recent is
// assumed to have already run to completion; one further back than that
// was never a real command this session issued.
func withinAbortWindow(cmdSN, refCmdSN uint32) bool {
	diff := int32(cmdSN - refCmdSN)
	return diff > 0 && diff <= constants.AbortWindow
}

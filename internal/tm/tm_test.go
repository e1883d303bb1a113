package tm

import (
	"testing"

	"github.com/iscsi-scst/go-iscsi-core/internal/backend"
	"github.com/iscsi-scst/go-iscsi-core/internal/command"
	"github.com/iscsi-scst/go-iscsi-core/internal/pdu"
	"github.com/iscsi-scst/go-iscsi-core/internal/session"
)

type fakeBackend struct {
	result backend.TMResult
	calls  int
}

func (f *fakeBackend) RxCmd(uint64, uint64, []byte, uint32) (backend.SCSICmd, error) {
	return nil, nil
}

func (f *fakeBackend) RxMgmtFn(sessionID uint64, params backend.TMParams) (backend.TMResult, error) {
	f.calls++
	return f.result, nil
}

func (f *fakeBackend) AenDone(backend.AEN) {}

func (f *fakeBackend) AbortAllTasksSess(uint64) {}

type fakeFinder struct {
	cmds map[uint32]*command.Cmd
}

func (f fakeFinder) FindByITT(itt uint32) (*command.Cmd, bool) {
	c, ok := f.cmds[itt]
	if !ok {
		return nil, false
	}
	return c.GetCheck()
}

func (f fakeFinder) MarkAborted(lun uint64, allLUNs bool) {
	for _, c := range f.cmds {
		if allLUNs || c.LUN == lun {
			c.MarkPrelimCompleted(true)
		}
	}
}

func (f fakeFinder) ArmTMTimeout() {}

func TestDispatchRejectsTaskReassign(t *testing.T) {
	sess := session.New(1, 0)
	be := &fakeBackend{result: backend.TMResult{Code: backend.TMRespFunctionComplete}}
	m := New(sess, be, fakeFinder{})

	var got Response
	err := m.Dispatch(Request{Function: pdu.TMFTaskReassign, ITT: 9}, func(r Response) { got = r })
	if err != nil {
		t.Fatalf("Dispatch() error = %v, want nil", err)
	}
	if got.ResponseCode != pdu.TMRespReassignmentUnsupported {
		t.Errorf("ResponseCode = %d, want TMRespReassignmentUnsupported", got.ResponseCode)
	}
	if be.calls != 0 {
		t.Error("TASK_REASSIGN should never reach the mid-layer")
	}
}

func TestDispatchAbortTaskMarksTarget(t *testing.T) {
	sess := session.New(1, 5)
	target := command.New(42, 0, nil, 2, sess)
	finder := fakeFinder{cmds: map[uint32]*command.Cmd{42: target}}
	be := &fakeBackend{result: backend.TMResult{Code: backend.TMRespFunctionComplete}}
	m := New(sess, be, finder)

	var got Response
	err := m.Dispatch(Request{Function: pdu.TMFAbortTask, RTT: 42, RefCmdSN: 2, CmdSN: 5, ITT: 1}, func(r Response) { got = r })
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !target.IsAborted() {
		t.Error("ABORT_TASK did not mark the target command aborted")
	}
	if got.ResponseCode != pdu.TMRespFunctionComplete {
		t.Errorf("ResponseCode = %d, want TMRespFunctionComplete", got.ResponseCode)
	}
	if be.calls != 1 {
		t.Errorf("RxMgmtFn called %d times, want 1", be.calls)
	}
}

func TestDispatchGatesOnCmdSNWindow(t *testing.T) {
	sess := session.New(1, 0) // ExpCmdSN starts at 0
	be := &fakeBackend{result: backend.TMResult{Code: backend.TMRespFunctionComplete}}
	m := New(sess, be, fakeFinder{})

	fired := false
	err := m.Dispatch(Request{Function: pdu.TMFLogicalUnitReset, CmdSN: 3, ITT: 1}, func(Response) { fired = true })
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if fired {
		t.Fatal("TM response fired before ExpCmdSN caught up to the gating CmdSN")
	}

	for i := 0; i < 4; i++ {
		sess.Admit(nil, uint32(i), func(*command.Cmd) {})
	}
	if !fired {
		t.Error("TM response did not fire once ExpCmdSN reached the gating CmdSN")
	}
}

func TestDispatchAbortTaskWithinWindowCompletesWithoutBackend(t *testing.T) {
	sess := session.New(1, 201) // ExpCmdSN already past the TM request's own gate
	be := &fakeBackend{result: backend.TMResult{Code: backend.TMRespFunctionComplete}}
	m := New(sess, be, fakeFinder{}) // RTT never registered: task unknown to this connection

	var got Response
	err := m.Dispatch(Request{Function: pdu.TMFAbortTask, RTT: 999, CmdSN: 200, RefCmdSN: 180, ITT: 1}, func(r Response) { got = r })
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got.ResponseCode != pdu.TMRespFunctionComplete {
		t.Errorf("ResponseCode = %d, want TMRespFunctionComplete", got.ResponseCode)
	}
	if be.calls != 0 {
		t.Error("RxMgmtFn should not be consulted for an unmatched RTT inside the abort window")
	}
}

func TestDispatchAbortTaskOutsideWindowReportsUnknownTask(t *testing.T) {
	sess := session.New(1, 201)
	be := &fakeBackend{result: backend.TMResult{Code: backend.TMRespFunctionComplete}}
	m := New(sess, be, fakeFinder{})

	var got Response
	err := m.Dispatch(Request{Function: pdu.TMFAbortTask, RTT: 999, CmdSN: 200, RefCmdSN: 50, ITT: 1}, func(r Response) { got = r })
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got.ResponseCode != pdu.TMRespTaskNotInLUN {
		t.Errorf("ResponseCode = %d, want TMRespTaskNotInLUN (wire form of UnknownTask)", got.ResponseCode)
	}
	if be.calls != 0 {
		t.Error("RxMgmtFn should not be consulted for an unmatched RTT outside the abort window")
	}
}

func TestDispatchReleasesDelayedTMAtLiteralGateScenario(t *testing.T) {
	// ExpCmdSN=50, ABORT_TASK_SET arrives at CmdSN=55 before the regular
	// commands 50..54 do. The mid-layer answers immediately (it marks
	// every live task aborted synchronously), but the response must stay
	// withheld until ExpCmdSN itself reaches 55.
	sess := session.New(1, 50)
	be := &fakeBackend{result: backend.TMResult{Code: backend.TMRespFunctionComplete}}
	m := New(sess, be, fakeFinder{})

	var got Response
	fired := false
	err := m.Dispatch(Request{Function: pdu.TMFAbortTaskSet, CmdSN: 55, ITT: 1}, func(r Response) {
		got = r
		fired = true
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if be.calls != 1 {
		t.Fatalf("RxMgmtFn called %d times, want 1", be.calls)
	}
	if fired {
		t.Fatal("TM response fired before the regular commands it must wait for arrived")
	}

	for sn := uint32(50); sn < 54; sn++ {
		sess.Admit(nil, sn, func(*command.Cmd) {})
		if fired {
			t.Fatalf("TM response fired early, after admitting CmdSN=%d (ExpCmdSN=%d)", sn, sess.ExpCmdSN())
		}
	}

	sess.Admit(nil, 54, func(*command.Cmd) {})
	if !fired {
		t.Fatalf("TM response did not fire once ExpCmdSN reached 55 (got %d)", sess.ExpCmdSN())
	}
	if got.ResponseCode != pdu.TMRespFunctionComplete {
		t.Errorf("ResponseCode = %d, want TMRespFunctionComplete", got.ResponseCode)
	}
}

func TestDispatchAbortTaskSetMarksEveryCommandOnLUN(t *testing.T) {
	sess := session.New(1, 0)
	onLUN := command.New(1, 5, nil, 0, sess)
	otherLUN := command.New(2, 6, nil, 0, sess)
	finder := fakeFinder{cmds: map[uint32]*command.Cmd{1: onLUN, 2: otherLUN}}
	be := &fakeBackend{result: backend.TMResult{Code: backend.TMRespFunctionComplete}}
	m := New(sess, be, finder)

	err := m.Dispatch(Request{Function: pdu.TMFAbortTaskSet, LUN: 5, CmdSN: 0, ITT: 1}, func(Response) {})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !onLUN.IsAborted() {
		t.Error("ABORT_TASK_SET did not mark the command on the named LUN aborted")
	}
	if otherLUN.IsAborted() {
		t.Error("ABORT_TASK_SET marked a command on a different LUN aborted")
	}
}

func TestDispatchTargetColdResetMarksEveryLUNAndClosesConns(t *testing.T) {
	sess := session.New(1, 0)
	onLUN := command.New(1, 5, nil, 0, sess)
	otherLUN := command.New(2, 6, nil, 0, sess)
	finder := fakeFinder{cmds: map[uint32]*command.Cmd{1: onLUN, 2: otherLUN}}
	be := &fakeBackend{result: backend.TMResult{Code: backend.TMRespFunctionComplete}}
	m := New(sess, be, finder)

	var got Response
	err := m.Dispatch(Request{Function: pdu.TMFTargetColdReset, CmdSN: 0, ITT: 1}, func(r Response) { got = r })
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !onLUN.IsAborted() || !otherLUN.IsAborted() {
		t.Error("TARGET_COLD_RESET did not mark every LUN's commands aborted")
	}
	if !got.CloseAllConns {
		t.Error("TARGET_COLD_RESET response did not set CloseAllConns")
	}
}

func TestDispatchRejectsSecondConcurrentTM(t *testing.T) {
	sess := session.New(1, 0)
	be := &fakeBackend{result: backend.TMResult{Code: backend.TMRespFunctionComplete}}
	m := New(sess, be, fakeFinder{})

	m.Dispatch(Request{Function: pdu.TMFLogicalUnitReset, CmdSN: 5, ITT: 1}, func(Response) {})

	var second Response
	m.Dispatch(Request{Function: pdu.TMFLogicalUnitReset, CmdSN: 5, ITT: 2}, func(r Response) { second = r })
	if second.ResponseCode != pdu.TMRespFunctionRejected {
		t.Errorf("second concurrent TM ResponseCode = %d, want TMRespFunctionRejected", second.ResponseCode)
	}
}

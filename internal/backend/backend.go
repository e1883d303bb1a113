// Package backend defines the boundary between the protocol engine and the
// pluggable SCSI mid-layer. The engine calls into Backend/SCSICmd and reads
// results back through SCSICmd's ReadData and Status; the engine-side
// callbacks (PreprocessingDone, XmitResponse, TaskMgmtFnDone and the rest)
// are methods on internal/conn's *Conn.
package backend

// Direction describes the data-transfer direction of a SCSI command.
type Direction int

const (
	DirNone Direction = iota
	DirRead
	DirWrite
	DirBidi
)

// RestartStatus is passed to SCSICmd.Restart after R2T data collection
// completes, telling the mid-layer whether it may proceed, or why not.
type RestartStatus int

const (
	RestartSuccess RestartStatus = iota
	RestartErrorSenseSet
	RestartErrorFatal
)

// SenseData carries SAM sense bytes alongside a SCSI status.
type SenseData struct {
	Status byte
	Key    byte
	ASC    byte
	ASCQ   byte
	Raw    []byte // full sense buffer, if the backend supplies one directly
}

// CRCSenseData is the fixed sense used when a digest (CRC32C) mismatch
// forces preliminary completion (SCST calls this iscsi_crc_error).
// ASC/ASCQ 0x47/0x05 is SCST's convention for the CRC/iSCSI digest
// failure sense combination.
func CRCSenseData() SenseData {
	return SenseData{
		Status: StatusCheckCondition,
		Key:    SenseKeyAborted,
		ASC:    0x47,
		ASCQ:   0x05,
	}
}

// BusySenseData is used for preliminary completion on resource exhaustion.
func BusySenseData() SenseData {
	return SenseData{Status: StatusBusy}
}

// Bytes returns the sense buffer to place in a response's data segment: Raw
// verbatim if the backend supplied one directly, else a minimal
// fixed-format sense buffer (SPC-3 §4.5.3) built from Key/ASC/ASCQ. Returns
// nil for StatusGood, since a good response carries no sense data.
func (s SenseData) Bytes() []byte {
	if len(s.Raw) > 0 {
		return s.Raw
	}
	if s.Status == StatusGood {
		return nil
	}
	b := make([]byte, 18)
	b[0] = 0x70 // current errors, fixed format
	b[2] = s.Key & 0x0f
	b[7] = 10 // additional sense length
	b[12] = s.ASC
	b[13] = s.ASCQ
	return b
}

// SAM status codes the engine needs to recognize when building responses.
const (
	StatusGood            = 0x00
	StatusCheckCondition  = 0x02
	StatusBusy            = 0x08
	StatusReservationConf = 0x18
	StatusTaskSetFull     = 0x28
	StatusACAActive       = 0x30
	StatusTaskAborted     = 0x40
)

// Sense keys referenced by the engine (full SCSI sense table is the
// mid-layer's concern; only the ones the engine itself must set are named).
const (
	SenseKeyNoSense  = 0x0
	SenseKeyAborted  = 0xb
	SenseKeyUnitAttn = 0x6
)

// TMFunction identifies a task management request.
type TMFunction int

const (
	TMAbortTask TMFunction = iota
	TMAbortTaskSet
	TMClearACA
	TMClearTaskSet
	TMLogicalUnitReset
	TMTargetWarmReset
	TMTargetColdReset
	TMTaskReassign
)

// TMParams describes a task management request routed to the mid-layer.
type TMParams struct {
	Function TMFunction
	LUN      uint64
	RefITT   uint32
	RefCmdSN uint32
}

// TMResponseCode mirrors pdu's TM response codes (RFC 3720 §10.6.2), kept
// distinct from ErrorCode since an unmatched task is a protocol outcome,
// not an engine error.
type TMResponseCode int

const (
	TMRespFunctionComplete TMResponseCode = iota
	TMRespTaskNotInLUN
	TMRespLUNNotSupported
	TMRespTaskStillAllegiant
	TMRespReassignmentUnsupported
	TMRespFunctionNotSupported
	TMRespFunctionAuthorizationFailed
	TMRespFunctionRejected
	TMRespUnknownTask
)

// TMResult is the mid-layer's answer to a task management request.
type TMResult struct {
	Code TMResponseCode
}

// AEN is an Asynchronous Event Notification raised by the mid-layer.
type AEN struct {
	LUN   uint64
	Sense SenseData
}

// Backend is what the protocol engine calls into.
type Backend interface {
	// RxCmd dispatches a newly received SCSI Command PDU to the mid-layer,
	// which returns an SCSICmd handle or an error if the command could not
	// be accepted (e.g. unknown LUN).
	RxCmd(sessionID uint64, lun uint64, cdb []byte, itt uint32) (SCSICmd, error)

	// RxMgmtFn dispatches a task management request.
	RxMgmtFn(sessionID uint64, params TMParams) (TMResult, error)

	// AenDone acknowledges that an AEN has been delivered to the wire.
	AenDone(aen AEN)

	// AbortAllTasksSess notifies the mid-layer that every task on this
	// session has been abandoned: the engine calls it whenever a connection
	// closes, for any reason (logout, transport error, timeout), so any command
	// still in flight at the backend will never get its response delivered.
	AbortAllTasksSess(sessionID uint64)
}

// SCSICmd is the mid-layer's handle for one in-flight SCSI command:
// cmd_set_expected, restart_cmd, tgt_cmd_done, in SCST's naming.
type SCSICmd interface {
	// SetExpected records the transfer direction/length the engine
	// determined from the PDU header and AHS.
	SetExpected(dir Direction, length uint32)

	// WriteData hands the mid-layer the fully-collected write payload
	// before Restart is called for a write command.
	WriteData(data []byte)

	// Restart is called once all R2T/Data-Out collection for a write has
	// completed (or immediately for a non-write), handing the command to
	// the mid-layer for execution.
	Restart(status RestartStatus)

	// ReadData returns the payload to send back for a read command, valid
	// to call once Restart has returned.
	ReadData() []byte

	// Status returns the completion status and sense this command finished
	// with, valid to call once Restart has returned. The zero SenseData
	// (StatusGood, no sense) is the default for a command that completed
	// normally.
	Status() SenseData

	// Done reports that the engine has finished transmitting the response
	// for this command (tgt_cmd_done).
	Done()
}

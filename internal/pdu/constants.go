// Package pdu provides the iSCSI wire-protocol definitions consumed by the
// RX/TX pipelines: opcodes, BHS/AHS layout, and flag bits (RFC 3720 §10).
package pdu

// Opcodes (RFC 3720 §10.2.1.2), initiator-to-target.
const (
	OpNopOut       = 0x00
	OpSCSICmd      = 0x01
	OpTaskMgmtReq  = 0x02
	OpLoginReq     = 0x03
	OpTextReq      = 0x04
	OpSCSIDataOut  = 0x05
	OpLogoutReq    = 0x06
	OpSNACKReq     = 0x10
)

// Opcodes, target-to-initiator.
const (
	OpNopIn       = 0x20
	OpSCSIRsp     = 0x21
	OpTaskMgmtRsp = 0x22
	OpLoginRsp    = 0x23
	OpTextRsp     = 0x24
	OpSCSIDataIn  = 0x25
	OpLogoutRsp   = 0x26
	OpR2T         = 0x31
	OpAsyncMsg    = 0x32
	OpReject      = 0x3f
)

// BHS byte-0 bits.
const (
	FlagImmediate = 0x40 // high bit of opcode byte: I bit
	OpcodeMask    = 0x3f
)

// Common BHS final-byte flag bits (byte 1), meaning varies by opcode.
const (
	FlagFinal = 0x80 // F bit: SCSI Command, Data-Out/In, R2T-adjacent PDUs
)

// SCSI Command PDU flags (byte 1).
const (
	SCSIFlagRead  = 0x40 // R bit: expect data-in
	SCSIFlagWrite = 0x20 // W bit: expect data-out
	// Task attribute occupies bits 0-2; untagged (0) is the only value this
	// core distinguishes from the others, so no separate constants are kept.
)

// SCSI Response / Data-In flags (byte 1).
const (
	FlagStatus           = 0x01 // S bit: status present with this Data-In PDU
	FlagResidualOverflow = 0x04
	FlagResidualUnderflow = 0x02
	FlagBiResidualOverflow = 0x10
	FlagBiResidualUnderflow = 0x08
)

// Task Management request functions (BHS byte 1, low 7 bits).
const (
	TMFAbortTask        = 1
	TMFAbortTaskSet     = 2
	TMFClearACA         = 3
	TMFClearTaskSet     = 4
	TMFLogicalUnitReset = 5
	TMFTargetWarmReset  = 6
	TMFTargetColdReset  = 7
	TMFTaskReassign     = 8
)

// Task Management response codes (RFC 3720 §10.6.2).
const (
	TMRespFunctionComplete            = 0
	TMRespTaskNotInLUN                = 1
	TMRespLUNNotSupported             = 2
	TMRespTaskStillAllegiant          = 3
	TMRespReassignmentUnsupported     = 4
	TMRespFunctionNotSupported        = 5
	TMRespFunctionAuthorizationFailed = 6
	TMRespFunctionRejected            = 255
)

// Reject reasons (RFC 3720 §10.17.1).
const (
	RejectUnsupportedCommand = 0x05
	RejectProtocolError      = 0x04
	RejectDataDigestError    = 0x02
	RejectCmdNotSupported    = RejectUnsupportedCommand
)

// SCSI Response "Command Completed at Target" response code (RFC 3720
// §10.4.3), which the engine places in every SCSI Response it sends.
const StatusCmdCompleted = 0x00

package pdu

// Header is the decoded Basic Header Segment (BHS), RFC 3720 §10.2.
// Every PDU has the same 48-byte shape on the wire; bytes 20-47 carry
// different meanings depending on Opcode, so Header exposes them as the
// generic 32-bit words they are. The accessor methods below interpret
// those words per opcode, the way a C union would, without resorting to
// unsafe punning.
type Header struct {
	Opcode            uint8
	Immediate         bool
	SpecificFlags     uint8 // byte 1: F/R/W/S/residual/TM-function bits, opcode-dependent
	TotalAHSLength    uint8  // byte 4, in 4-byte words
	DataSegmentLength uint32 // bytes 5-7, 24-bit big-endian
	LUN               uint64 // bytes 8-15
	ITT               uint32 // bytes 16-19

	Word5  uint32 // bytes 20-23
	Word6  uint32 // bytes 24-27
	Word7  uint32 // bytes 28-31
	Word8  uint32 // bytes 32-35
	Word9  uint32 // bytes 36-39
	Word10 uint32 // bytes 40-43
	Word11 uint32 // bytes 44-47
}

// Final reports the F bit, at the same position (bit 7 of byte 1) for every
// opcode that defines it.
func (h *Header) Final() bool { return h.SpecificFlags&FlagFinal != 0 }

// --- SCSI Command (opcode 0x01) ---

func (h *Header) Read() bool                         { return h.SpecificFlags&SCSIFlagRead != 0 }
func (h *Header) Write() bool                        { return h.SpecificFlags&SCSIFlagWrite != 0 }
func (h *Header) ExpectedDataTransferLength() uint32 { return h.Word5 }
func (h *Header) CmdSN() uint32                      { return h.Word6 }
func (h *Header) ExpStatSN() uint32                  { return h.Word7 }

// --- SCSI Response (opcode 0x21) ---

func (h *Header) Response() uint8         { return uint8(h.Word5 >> 24) }
func (h *Header) Status() uint8           { return uint8(h.Word5 >> 16) }
func (h *Header) StatSN() uint32          { return h.Word6 }
func (h *Header) ExpCmdSN() uint32        { return h.Word7 }
func (h *Header) MaxCmdSN() uint32        { return h.Word8 }
func (h *Header) ResidualCount() uint32   { return h.Word11 }
func (h *Header) BiResidualCount() uint32 { return h.Word10 }

// --- Data-In / Data-Out / R2T (opcodes 0x25, 0x05, 0x31) ---

func (h *Header) TTT() uint32                       { return h.Word5 }
func (h *Header) DataSN() uint32                    { return h.Word9 }
func (h *Header) R2TSN() uint32                     { return h.Word9 }
func (h *Header) BufferOffset() uint32              { return h.Word10 }
func (h *Header) DesiredDataTransferLength() uint32 { return h.Word11 }

// --- Task Management Request (opcode 0x02) ---

func (h *Header) TMFunction() uint8 { return h.SpecificFlags & 0x7f }
func (h *Header) RTT() uint32       { return h.Word5 } // Referenced Task Tag
func (h *Header) RefCmdSN() uint32  { return h.Word8 }
func (h *Header) ExpDataSN() uint32 { return h.Word9 }

// --- Task Management Response (opcode 0x22) ---

func (h *Header) TMResponse() uint8 { return uint8(h.Word5 >> 24) }

// --- Reject (opcode 0x3f) ---

func (h *Header) RejectReason() uint8 { return uint8(h.Word5 >> 24) }

// PDU is a fully-assembled protocol unit: decoded header, raw AHS bytes,
// the CDB (SCSI Command only, up to 16 bytes inline), and the data segment
// payload.
type PDU struct {
	Header Header
	AHS    []byte
	CDB    [16]byte
	Data   []byte

	HeaderDigestOK bool
	DataDigestOK   bool
}

// byte0 reconstructs the wire byte 0 from Opcode+Immediate.
func (h *Header) byte0() uint8 {
	b := h.Opcode & OpcodeMask
	if h.Immediate {
		b |= FlagImmediate
	}
	return b
}

// put24 writes a 24-bit big-endian value (used for DataSegmentLength).
func put24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func get24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

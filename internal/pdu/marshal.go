package pdu

import (
	"encoding/binary"
	"fmt"

	"github.com/iscsi-scst/go-iscsi-core/internal/constants"
)

// ErrShortHeader is returned when fewer than BHSLen bytes are available.
var ErrShortHeader = fmt.Errorf("pdu: short header, need %d bytes", constants.BHSLen)

// ParseHeader decodes a 48-byte Basic Header Segment.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < constants.BHSLen {
		return Header{}, ErrShortHeader
	}
	var h Header
	h.Opcode = b[0] & OpcodeMask
	h.Immediate = b[0]&FlagImmediate != 0
	h.SpecificFlags = b[1]
	h.TotalAHSLength = b[4]
	h.DataSegmentLength = get24(b[5:8])
	h.LUN = binary.BigEndian.Uint64(b[8:16])
	h.ITT = binary.BigEndian.Uint32(b[16:20])
	h.Word5 = binary.BigEndian.Uint32(b[20:24])
	h.Word6 = binary.BigEndian.Uint32(b[24:28])
	h.Word7 = binary.BigEndian.Uint32(b[28:32])
	h.Word8 = binary.BigEndian.Uint32(b[32:36])
	h.Word9 = binary.BigEndian.Uint32(b[36:40])
	h.Word10 = binary.BigEndian.Uint32(b[40:44])
	h.Word11 = binary.BigEndian.Uint32(b[44:48])
	return h, nil
}

// MarshalHeader encodes a Header into a fresh 48-byte BHS.
func MarshalHeader(h *Header) []byte {
	b := make([]byte, constants.BHSLen)
	b[0] = h.byte0()
	b[1] = h.SpecificFlags
	b[4] = h.TotalAHSLength
	put24(b[5:8], h.DataSegmentLength)
	binary.BigEndian.PutUint64(b[8:16], h.LUN)
	binary.BigEndian.PutUint32(b[16:20], h.ITT)
	binary.BigEndian.PutUint32(b[20:24], h.Word5)
	binary.BigEndian.PutUint32(b[24:28], h.Word6)
	binary.BigEndian.PutUint32(b[28:32], h.Word7)
	binary.BigEndian.PutUint32(b[32:36], h.Word8)
	binary.BigEndian.PutUint32(b[36:40], h.Word9)
	binary.BigEndian.PutUint32(b[40:44], h.Word10)
	binary.BigEndian.PutUint32(b[44:48], h.Word11)
	return b
}

// PaddedLen rounds n up to the next multiple of PadAlignment, matching the
// 4-byte padding RFC 3720 requires on data segments.
func PaddedLen(n int) int {
	rem := n % constants.PadAlignment
	if rem == 0 {
		return n
	}
	return n + (constants.PadAlignment - rem)
}

// AHS segment types used by this core (RFC 3720 §10.11.2): extended CDB and
// the bidirectional Read Expected Data Transfer Length, the only two the
// spec requires for SCSI Command PDUs.
const (
	AHSTypeExtendedCDB  = 1
	AHSTypeBidiReadData = 2
)

// ParseBidiReadLength scans AHS segments for a Bidirectional Expected Read
// Data Transfer Length extension and returns it, or ok=false if absent.
func ParseBidiReadLength(ahs []byte) (length uint32, ok bool) {
	off := 0
	for off+4 <= len(ahs) {
		segLen := int(binary.BigEndian.Uint16(ahs[off : off+2]))
		ahsType := ahs[off+2]
		payload := ahs[off+4:]
		if ahsType == AHSTypeBidiReadData && len(payload) >= 4 {
			return binary.BigEndian.Uint32(payload[0:4]), true
		}
		off += 4 + segLen
	}
	return 0, false
}

// ParseExtendedCDB scans AHS segments for an Extended CDB extension,
// returning the additional CDB bytes beyond the 16 inline in the BHS.
func ParseExtendedCDB(ahs []byte) []byte {
	off := 0
	for off+4 <= len(ahs) {
		segLen := int(binary.BigEndian.Uint16(ahs[off : off+2]))
		ahsType := ahs[off+2]
		end := off + 4 + segLen
		if end > len(ahs) {
			break
		}
		if ahsType == AHSTypeExtendedCDB {
			return ahs[off+4 : end]
		}
		off = end
	}
	return nil
}

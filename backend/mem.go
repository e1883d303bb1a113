// Package membackend is a SCSI mid-layer implementation backed by a single
// sharded in-memory logical unit: enough to drive the protocol engine
// end-to-end (READ/WRITE/TEST UNIT READY/INQUIRY) without a real storage
// stack underneath.
package membackend

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/iscsi-scst/go-iscsi-core/internal/backend"
)

// ShardSize is the size of each memory shard (64KB). This provides good
// parallelism for concurrent I/O while keeping lock overhead reasonable.
const ShardSize = 64 * 1024

// SCSI opcodes this backend understands. Anything else gets a CHECK
// CONDITION / ILLEGAL REQUEST response.
const (
	cdbTestUnitReady = 0x00
	cdbInquiry       = 0x12
	cdbRead6         = 0x08
	cdbWrite6        = 0x0a
	cdbRead10        = 0x28
	cdbWrite10       = 0x2a
	cdbReadCapacity  = 0x25
)

// Memory is a RAM-based logical unit. It uses sharded locking so that I/O
// against disjoint regions of the LUN proceeds in parallel.
type Memory struct {
	data     []byte
	size     int64
	shards      []sync.RWMutex
	rxCmds      atomic.Uint64
	rejected    atomic.Uint64
	abortedSess atomic.Uint64
}

// NewMemory creates a LUN backend of the given size in bytes.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// shardRange returns the range of shards that cover [off, off+length).
func (m *Memory) shardRange(off, length int64) (start, end int) {
	if length <= 0 {
		length = 1
	}
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if start < 0 {
		start = 0
	}
	return start, end
}

func (m *Memory) readAt(p []byte, off int64) int {
	if off >= m.size || off < 0 {
		return 0
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}
	return n
}

func (m *Memory) writeAt(p []byte, off int64) int {
	if off >= m.size || off < 0 {
		return 0
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return n
}

// Size reports the LUN capacity in bytes.
func (m *Memory) Size() int64 { return m.size }

// RxCmdCount reports how many commands this backend has accepted, for
// tests and diagnostics.
func (m *Memory) RxCmdCount() uint64 { return m.rxCmds.Load() }

// RxCmd implements backend.Backend: it parses cdb enough to know the
// transfer direction and length, and defers the actual data movement to
// Restart once the engine has collected (for writes) or is ready to
// receive (for reads) the payload.
func (m *Memory) RxCmd(sessionID uint64, lun uint64, cdb []byte, itt uint32) (backend.SCSICmd, error) {
	m.rxCmds.Add(1)
	if len(cdb) == 0 {
		return nil, errShortCDB
	}
	return &memCmd{mem: m, opcode: cdb[0], cdb: append([]byte{}, cdb...), itt: itt}, nil
}

// RxMgmtFn implements backend.Backend. This LUN has no per-task state to
// reconcile, so every task management function that reaches the mid-layer
// (ABORT_TASK only once the engine has found and marked the referenced
// command) succeeds unconditionally.
func (m *Memory) RxMgmtFn(sessionID uint64, params backend.TMParams) (backend.TMResult, error) {
	return backend.TMResult{Code: backend.TMRespFunctionComplete}, nil
}

// AenDone implements backend.Backend. This LUN never raises AENs.
func (m *Memory) AenDone(aen backend.AEN) {}

// AbortAllTasksSess implements backend.Backend. This LUN keeps no
// per-session task state, so draining a session on connection abort has
// nothing to reconcile beyond the counter, kept for diagnostics.
func (m *Memory) AbortAllTasksSess(sessionID uint64) {
	m.abortedSess.Add(1)
}

// AbortAllTasksSessCount reports how many times AbortAllTasksSess has been
// called, for tests.
func (m *Memory) AbortAllTasksSessCount() uint64 { return m.abortedSess.Load() }

var errShortCDB = &cdbError{"cdb too short"}

type cdbError struct{ msg string }

func (e *cdbError) Error() string { return "membackend: " + e.msg }

// memCmd is one in-flight SCSI command against a Memory LUN.
type memCmd struct {
	mem    *Memory
	opcode byte
	cdb    []byte
	itt    uint32

	dir    backend.Direction
	length uint32

	written []byte
	read    []byte
	sense   *backend.SenseData
}

func (c *memCmd) SetExpected(dir backend.Direction, length uint32) {
	c.dir = dir
	c.length = length
}

func (c *memCmd) WriteData(data []byte) {
	c.written = append([]byte{}, data...)
}

// Restart executes the CDB against the memory store. It never blocks: all
// write data has already been collected, and reads copy straight out of
// memory into the buffer ReadData returns, so there is nothing
// asynchronous about this backend.
func (c *memCmd) Restart(status backend.RestartStatus) {
	if status != backend.RestartSuccess {
		return
	}
	switch c.opcode {
	case cdbTestUnitReady:
		// no-op: unit is always ready
	case cdbInquiry:
		c.read = inquiryData()
	case cdbReadCapacity:
		c.read = readCapacityData(c.mem.size)
	case cdbRead6, cdbRead10:
		off, n := readParams(c.opcode, c.cdb)
		buf := make([]byte, n)
		got := c.mem.readAt(buf, off)
		c.read = buf[:got]
	case cdbWrite6, cdbWrite10:
		off, _ := readParams(c.opcode, c.cdb)
		c.mem.writeAt(c.written, off)
	default:
		sense := &backend.SenseData{
			Status: backend.StatusCheckCondition,
			Key:    0x05, // ILLEGAL REQUEST
			ASC:    0x20, // Invalid command operation code
		}
		c.sense = sense
	}
}

func (c *memCmd) ReadData() []byte {
	if c.read == nil {
		return []byte{}
	}
	return c.read
}

func (c *memCmd) Status() backend.SenseData {
	if c.sense != nil {
		return *c.sense
	}
	return backend.SenseData{Status: backend.StatusGood}
}

func (c *memCmd) Done() {}

// readParams decodes the logical block address and transfer length from a
// READ/WRITE CDB, in bytes (this LUN treats block size as 1 for
// simplicity: LBAs and byte offsets coincide).
func readParams(opcode byte, cdb []byte) (off int64, length int64) {
	switch opcode {
	case cdbRead6, cdbWrite6:
		if len(cdb) < 6 {
			return 0, 0
		}
		lba := uint32(cdb[1]&0x1f)<<16 | uint32(cdb[2])<<8 | uint32(cdb[3])
		blocks := uint32(cdb[4])
		if blocks == 0 {
			blocks = 256
		}
		return int64(lba), int64(blocks)
	case cdbRead10, cdbWrite10:
		if len(cdb) < 10 {
			return 0, 0
		}
		lba := binary.BigEndian.Uint32(cdb[2:6])
		blocks := binary.BigEndian.Uint16(cdb[7:9])
		return int64(lba), int64(blocks)
	default:
		return 0, 0
	}
}

// inquiryData returns a minimal standard INQUIRY response: direct-access
// block device, SPC-compliant, with a fixed vendor/product string.
func inquiryData() []byte {
	b := make([]byte, 36)
	b[0] = 0x00 // peripheral qualifier 0, device type 0 (direct access)
	b[2] = 0x05 // SPC-3
	b[3] = 0x02 // response data format
	b[4] = 31   // additional length
	copy(b[8:16], []byte("GOISCSI "))
	copy(b[16:32], []byte("MEMORY LUN      "))
	copy(b[32:36], []byte("1.0 "))
	return b
}

// readCapacityData returns a READ CAPACITY (10) response assuming a
// 512-byte block size.
func readCapacityData(size int64) []byte {
	const blockSize = 512
	blocks := uint32(size/blockSize) - 1
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], blocks)
	binary.BigEndian.PutUint32(b[4:8], blockSize)
	return b
}

var (
	_ backend.Backend  = (*Memory)(nil)
	_ backend.SCSICmd  = (*memCmd)(nil)
)

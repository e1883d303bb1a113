package membackend

import (
	"testing"

	"github.com/iscsi-scst/go-iscsi-core/internal/backend"
)

func TestNewMemorySize(t *testing.T) {
	mem := NewMemory(1024)
	if mem.Size() != 1024 {
		t.Errorf("Size() = %d, want 1024", mem.Size())
	}
}

func buildCmd(t *testing.T, mem *Memory, cdb []byte) *memCmd {
	t.Helper()
	sc, err := mem.RxCmd(1, 0, cdb, 1)
	if err != nil {
		t.Fatalf("RxCmd failed: %v", err)
	}
	mc, ok := sc.(*memCmd)
	if !ok {
		t.Fatalf("RxCmd returned %T, want *memCmd", sc)
	}
	return mc
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	mem := NewMemory(4096)

	data := []byte("hello, iscsi")
	wcdb := make([]byte, 10)
	wcdb[0] = cdbWrite10
	// LBA 0, transfer length = len(data) blocks (block size treated as 1 byte)
	wcdb[2], wcdb[3], wcdb[4], wcdb[5] = 0, 0, 0, 0
	wcdb[7], wcdb[8] = byte(len(data)>>8), byte(len(data))

	wc := buildCmd(t, mem, wcdb)
	wc.SetExpected(backend.DirWrite, uint32(len(data)))
	wc.WriteData(data)
	wc.Restart(backend.RestartSuccess)

	rcdb := make([]byte, 10)
	rcdb[0] = cdbRead10
	rcdb[7], rcdb[8] = byte(len(data)>>8), byte(len(data))

	rc := buildCmd(t, mem, rcdb)
	rc.SetExpected(backend.DirRead, uint32(len(data)))
	rc.Restart(backend.RestartSuccess)

	got := rc.ReadData()
	if string(got) != string(data) {
		t.Errorf("ReadData() = %q, want %q", got, data)
	}
}

func TestTestUnitReadyAlwaysSucceeds(t *testing.T) {
	mem := NewMemory(1024)
	c := buildCmd(t, mem, []byte{cdbTestUnitReady, 0, 0, 0, 0, 0})
	c.Restart(backend.RestartSuccess)
	if c.sense != nil {
		t.Errorf("TEST UNIT READY set sense: %+v", c.sense)
	}
}

func TestInquiryReturnsFixedData(t *testing.T) {
	mem := NewMemory(1024)
	c := buildCmd(t, mem, []byte{cdbInquiry, 0, 0, 0, 36, 0})
	c.Restart(backend.RestartSuccess)
	data := c.ReadData()
	if len(data) != 36 {
		t.Fatalf("INQUIRY returned %d bytes, want 36", len(data))
	}
	if data[0] != 0x00 {
		t.Errorf("peripheral device type = %#x, want direct-access (0x00)", data[0])
	}
}

func TestReadCapacityReportsBlockCount(t *testing.T) {
	const size = 1 << 20 // 1MB
	mem := NewMemory(size)
	c := buildCmd(t, mem, []byte{cdbReadCapacity, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	c.Restart(backend.RestartSuccess)
	data := c.ReadData()
	if len(data) != 8 {
		t.Fatalf("READ CAPACITY returned %d bytes, want 8", len(data))
	}
	lastLBA := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	if lastLBA != size/512-1 {
		t.Errorf("last LBA = %d, want %d (a 1MB LUN holds 2048 blocks)", lastLBA, size/512-1)
	}
	blockLen := uint32(data[4])<<24 | uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7])
	if blockLen != 512 {
		t.Errorf("block length = %d, want 512", blockLen)
	}
}

func TestUnsupportedOpcodeSetsSense(t *testing.T) {
	mem := NewMemory(1024)
	c := buildCmd(t, mem, []byte{0xff, 0, 0, 0, 0, 0})
	c.Restart(backend.RestartSuccess)
	if c.sense == nil {
		t.Fatal("expected sense data for unsupported opcode")
	}
	if c.sense.Status != backend.StatusCheckCondition {
		t.Errorf("status = %#x, want CHECK CONDITION", c.sense.Status)
	}
}

func TestReadBeyondEndReturnsShortData(t *testing.T) {
	mem := NewMemory(100)
	rcdb := make([]byte, 10)
	rcdb[0] = cdbRead10
	rcdb[2], rcdb[3], rcdb[4], rcdb[5] = 0, 0, 0, 80
	rcdb[7], rcdb[8] = 0, 50
	c := buildCmd(t, mem, rcdb)
	c.Restart(backend.RestartSuccess)
	if len(c.ReadData()) != 20 {
		t.Errorf("ReadData() length = %d, want 20 (clamped to LUN size)", len(c.ReadData()))
	}
}

func TestRestartAfterFatalStatusDoesNothing(t *testing.T) {
	mem := NewMemory(1024)
	c := buildCmd(t, mem, []byte{cdbTestUnitReady, 0, 0, 0, 0, 0})
	c.Restart(backend.RestartErrorFatal)
	if c.ReadData() == nil {
		t.Error("ReadData should return an empty, non-nil slice even when Restart was skipped")
	}
}

func TestRxCmdCountIncrementsPerCommand(t *testing.T) {
	mem := NewMemory(1024)
	buildCmd(t, mem, []byte{cdbTestUnitReady, 0, 0, 0, 0, 0})
	buildCmd(t, mem, []byte{cdbTestUnitReady, 0, 0, 0, 0, 0})
	if mem.RxCmdCount() != 2 {
		t.Errorf("RxCmdCount() = %d, want 2", mem.RxCmdCount())
	}
}

func BenchmarkMemoryReadWrite(b *testing.B) {
	mem := NewMemory(1024 * 1024)
	buf := make([]byte, 4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		mem.writeAt(buf, offset)
		mem.readAt(buf, offset)
	}
}

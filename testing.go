package iscsi

import (
	"sync"

	"github.com/iscsi-scst/go-iscsi-core/internal/backend"
)

// MockBackend provides a mock implementation of backend.Backend for
// testing the protocol engine without a real SCSI mid-layer. It accepts
// every command unconditionally, completes it synchronously with GOOD
// status, and tracks call counts for assertions.
type MockBackend struct {
	mu sync.Mutex

	rxCmdCalls    int
	tmCalls       int
	aenCalls      int
	abortSessCalls int

	cmds map[uint32]*mockCmd

	// TMResult is returned from every RxMgmtFn call unless overridden.
	TMResult backend.TMResult
}

// NewMockBackend creates a mock backend for tests.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		cmds:     make(map[uint32]*mockCmd),
		TMResult: backend.TMResult{Code: backend.TMRespFunctionComplete},
	}
}

type mockCmd struct {
	itt       uint32
	dir       backend.Direction
	length    uint32
	written   []byte
	restarted bool
	done      bool
}

func (m *MockBackend) RxCmd(sessionID uint64, lun uint64, cdb []byte, itt uint32) (backend.SCSICmd, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rxCmdCalls++
	c := &mockCmd{itt: itt}
	m.cmds[itt] = c
	return c, nil
}

func (m *MockBackend) RxMgmtFn(sessionID uint64, params backend.TMParams) (backend.TMResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tmCalls++
	return m.TMResult, nil
}

func (m *MockBackend) AenDone(aen backend.AEN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aenCalls++
}

func (m *MockBackend) AbortAllTasksSess(sessionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortSessCalls++
}

// AbortSessCalls reports how many times AbortAllTasksSess has been called.
func (m *MockBackend) AbortSessCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortSessCalls
}

// AenCalls reports how many AENs this backend has been told were delivered.
func (m *MockBackend) AenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aenCalls
}

// RxCmdCalls reports how many commands this backend has accepted.
func (m *MockBackend) RxCmdCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rxCmdCalls
}

// TMCalls reports how many task management requests this backend has
// handled.
func (m *MockBackend) TMCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tmCalls
}

// Restarted reports whether the command with the given ITT has been
// restarted (all write data collected).
func (m *MockBackend) Restarted(itt uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cmds[itt]
	return ok && c.restarted
}

func (c *mockCmd) SetExpected(dir backend.Direction, length uint32) {
	c.dir = dir
	c.length = length
}

func (c *mockCmd) WriteData(data []byte) {
	c.written = append([]byte{}, data...)
}

func (c *mockCmd) Restart(status backend.RestartStatus) {
	c.restarted = true
}

func (c *mockCmd) ReadData() []byte {
	return make([]byte, c.length)
}

func (c *mockCmd) Status() backend.SenseData {
	return backend.SenseData{Status: backend.StatusGood}
}

func (c *mockCmd) Done() {
	c.done = true
}

var _ backend.Backend = (*MockBackend)(nil)
var _ backend.SCSICmd = (*mockCmd)(nil)

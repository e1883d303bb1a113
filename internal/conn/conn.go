// Package conn implements the per-connection RX and TX pipelines: framing
// PDUs off the wire, dispatching them to the command/R2T/task-management
// subsystems, and framing responses back out.
package conn

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iscsi-scst/go-iscsi-core/internal/backend"
	"github.com/iscsi-scst/go-iscsi-core/internal/command"
	"github.com/iscsi-scst/go-iscsi-core/internal/constants"
	"github.com/iscsi-scst/go-iscsi-core/internal/digest"
	"github.com/iscsi-scst/go-iscsi-core/internal/logging"
	"github.com/iscsi-scst/go-iscsi-core/internal/pdu"
	"github.com/iscsi-scst/go-iscsi-core/internal/r2t"
	"github.com/iscsi-scst/go-iscsi-core/internal/session"
	"github.com/iscsi-scst/go-iscsi-core/internal/tm"
)

// Config carries everything a Conn needs to run its pipelines.
type Config struct {
	ID          int
	NetConn     net.Conn
	Session     *session.Session
	Backend     backend.Backend
	HeaderDigest digest.Digest
	DataDigest   digest.Digest
	R2TParams    r2t.Params
	Observer     Observer
}

// Observer is the subset of the top-level Observer interface conn needs,
// kept local so this package never imports the root package (which itself
// wires conn).
type Observer interface {
	ObservePDURx()
	ObservePDUTx()
	ObserveCommand(latencyNs uint64)
	ObserveR2T()
	ObserveTM(rejected bool)
	ObserveDigestError()
	ObserveProtocolError()
	ObserveDataOut(bytes uint64)
	ObserveDataIn(bytes uint64)
}

type noopObserver struct{}

func (noopObserver) ObservePDURx()         {}
func (noopObserver) ObservePDUTx()         {}
func (noopObserver) ObserveCommand(uint64) {}
func (noopObserver) ObserveR2T()           {}
func (noopObserver) ObserveTM(bool)        {}
func (noopObserver) ObserveDigestError()   {}
func (noopObserver) ObserveProtocolError() {}
func (noopObserver) ObserveDataOut(uint64) {}
func (noopObserver) ObserveDataIn(uint64)  {}

// writeReq is one item queued for the TX goroutine.
type writeReq struct {
	b    []byte
	done chan struct{}
}

// Conn owns one TCP connection within a session: its own RX goroutine, its
// own TX goroutine (so writes from command completion, R2T issuance, and
// NOP-In/AEN delivery never interleave mid-PDU), and the per-connection
// pieces of R2T/command state.
type Conn struct {
	id      int
	nc      net.Conn
	sess    *session.Session
	be      backend.Backend
	hdrDig  digest.Digest
	dataDig digest.Digest
	r2tP    r2t.Params
	obs     Observer
	log     *logging.Logger

	tmMgr *tm.Manager

	txCh   chan writeReq
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	byITT    map[uint32]*command.Cmd
	writers  map[uint32]*r2t.Engine
	writeBuf map[uint32][]byte

	lastRxTime atomic64

	tmMu      sync.Mutex
	tmActive  bool
	tmDeadline time.Time

	closing atomic.Bool
}

// atomic64 is a mutex-guarded time.Time holding the last receive time,
// safe to read from pingLoop while rxLoop updates it.
type atomic64 struct {
	mu sync.Mutex
	v  time.Time
}

func (a *atomic64) set(t time.Time) {
	a.mu.Lock()
	a.v = t
	a.mu.Unlock()
}

func (a *atomic64) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// errLogoutComplete signals a clean, initiator-requested session teardown;
// rxLoop treats it the same as a closed connection rather than a transport
// error.
var errLogoutComplete = errors.New("conn: logout complete")

// errCmdSNOutOfWindow signals a CmdSN above MaxCmdSN: a genuine ordering
// window violation rather than a duplicate, fatal to the connection.
var errCmdSNOutOfWindow = errors.New("conn: CmdSN outside window")

// New creates a Conn from cfg. It does not start the pipelines; call
// Serve for that.
func New(cfg Config) *Conn {
	setNoDelay(cfg.NetConn)

	obs := cfg.Observer
	if obs == nil {
		obs = noopObserver{}
	}
	hdrDig := cfg.HeaderDigest
	if hdrDig == nil {
		hdrDig = digest.NoDigest()
	}
	dataDig := cfg.DataDigest
	if dataDig == nil {
		dataDig = digest.NoDigest()
	}

	c := &Conn{
		id:      cfg.ID,
		nc:      cfg.NetConn,
		sess:    cfg.Session,
		be:      cfg.Backend,
		hdrDig:  hdrDig,
		dataDig: dataDig,
		r2tP:    cfg.R2TParams,
		obs:     obs,
		log:     logging.Default().WithConnection(cfg.ID),
		txCh:    make(chan writeReq, 64),
		closed:  make(chan struct{}),
		byITT:    make(map[uint32]*command.Cmd),
		writers:  make(map[uint32]*r2t.Engine),
		writeBuf: make(map[uint32][]byte),
	}
	if cfg.Session != nil {
		c.log = c.log.WithSession(cfg.Session.ID())
	}
	c.tmMgr = tm.New(cfg.Session, cfg.Backend, c)
	return c
}

// FindByITT implements tm.TaskFinder.
func (c *Conn) FindByITT(itt uint32) (*command.Cmd, bool) {
	c.mu.Lock()
	cmd, ok := c.byITT[itt]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return cmd.GetCheck()
}

// MarkAborted implements tm.TaskFinder: it preliminarily completes every
// live command tracked on this connection matching lun (or every one, if
// allLUNs), for a scope-wide task management function.
func (c *Conn) MarkAborted(lun uint64, allLUNs bool) {
	c.mu.Lock()
	cmds := make([]*command.Cmd, 0, len(c.byITT))
	for _, cmd := range c.byITT {
		if allLUNs || cmd.LUN == lun {
			cmds = append(cmds, cmd)
		}
	}
	c.mu.Unlock()
	for _, cmd := range cmds {
		cmd.MarkPrelimCompleted(true)
	}
}

// ArmTMTimeout implements tm.TaskFinder: it tightens the connection's
// response timer to TM_DATA_WAIT_TIMEOUT+SCHED_SLACK from now, so a
// connection stuck with a task management function awaiting Data-Out
// collection on a just-aborted command cannot sit idle past that window.
func (c *Conn) ArmTMTimeout() {
	c.tmMu.Lock()
	c.tmActive = true
	c.tmDeadline = time.Now().Add(constants.TMDataWaitTimeout + constants.SchedSlack)
	c.tmMu.Unlock()
}

// ClearTMTimeout relaxes the connection back to the ordinary response
// timer once no task management function is pending a delayed response.
func (c *Conn) ClearTMTimeout() {
	c.tmMu.Lock()
	c.tmActive = false
	c.tmMu.Unlock()
}

func (c *Conn) tmTimeoutExpired() bool {
	c.tmMu.Lock()
	defer c.tmMu.Unlock()
	return c.tmActive && time.Now().After(c.tmDeadline)
}

// SessionID reports the session this connection belongs to.
func (c *Conn) SessionID() uint64 {
	if c.sess == nil {
		return 0
	}
	return c.sess.ID()
}

// LastActivity reports when a PDU was last received on this connection,
// used to pick the connection an AEN gets delivered on when a session has
// more than one.
func (c *Conn) LastActivity() time.Time {
	return c.lastRxTime.get()
}

// Closing reports whether this connection is shutting down (logout in
// progress or already closed) and so must not be chosen to carry an AEN.
func (c *Conn) Closing() bool {
	select {
	case <-c.closed:
		return true
	default:
		return c.closing.Load()
	}
}

// SendAen builds and transmits an Asynchronous Message PDU (RFC 3720
// §10.9) reporting aen as a SCSI Asynchronous Event, carrying aen's sense
// bytes in the data segment exactly as a CHECK CONDITION SCSI Response
// would, then tells the mid-layer the notification reached the wire.
func (c *Conn) SendAen(aen backend.AEN) {
	cmd := command.New(constants.ReservedTag, aen.LUN, nil, 0, c.sess)
	cmd.SetState(command.StateAEN)

	h := pdu.Header{
		Opcode: pdu.OpAsyncMsg,
		LUN:    aen.LUN,
		ITT:    constants.ReservedTag,
		Word6:  c.sess.NextStatSN(),
		Word7:  c.sess.ExpCmdSN(),
		Word8:  c.sess.MaxCmdSN(),
	}
	senseBytes := aen.Sense.Bytes()
	buf := buildSenseCarryingPDU(&h, senseBytes)

	rsp := command.NewResponse(cmd)
	rsp.SetPayload(buf)
	cmd.SetMainResponse(rsp)
	cmd.Release(c.sendBytes)

	c.be.AenDone(aen)
}

// Serve runs the RX and TX pipelines until the connection closes or ctx is
// done. It blocks until both pipelines exit.
func (c *Conn) Serve() error {
	c.lastRxTime.set(time.Now())
	c.log.Debug("connection serving")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.txLoop()
	}()
	go func() {
		defer wg.Done()
		c.pingLoop()
	}()

	err := c.rxLoop()
	c.Close()
	wg.Wait()
	if errors.Is(err, errLogoutComplete) {
		c.log.Debug("connection closed by logout")
		return nil
	}
	if err != nil {
		c.log.WithError(err).Debug("connection serve ended")
	}
	return err
}

// Close shuts down the connection's pipelines exactly once, draining any
// command still in flight: every tracked command is marked aborted and any
// command still collecting Data-Out has its R2T engine discarded, then the
// mid-layer is told the whole session's tasks have been abandoned.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.nc.Close()
		c.drainOnClose()
	})
}

func (c *Conn) drainOnClose() {
	c.mu.Lock()
	cmds := make([]*command.Cmd, 0, len(c.byITT))
	for _, cmd := range c.byITT {
		cmds = append(cmds, cmd)
	}
	for itt := range c.writers {
		delete(c.writers, itt)
	}
	for itt := range c.writeBuf {
		delete(c.writeBuf, itt)
	}
	c.mu.Unlock()

	for _, cmd := range cmds {
		cmd.MarkPrelimCompleted(true)
		c.sess.DataWait.Remove(cmd.ITT)
	}

	if c.sess != nil && c.be != nil {
		c.be.AbortAllTasksSess(c.sess.ID())
	}
}

// rxLoop is the RX pipeline: read BHS, then
// AHS, then verify the header digest, then read the data segment, then
// verify the data digest, then dispatch by opcode. Any digest or framing
// failure is fatal to the connection (RFC 3720 closes the connection on a
// header digest error; a data digest error on a single PDU is recoverable
// but the initiator is expected to retransmit, which this engine does not
// yet implement, so it too closes the connection).
func (c *Conn) rxLoop() error {
	hdrBuf := make([]byte, constants.BHSLen)
	for {
		if _, err := io.ReadFull(c.nc, hdrBuf); err != nil {
			return err
		}
		c.lastRxTime.set(time.Now())

		h, err := pdu.ParseHeader(hdrBuf)
		if err != nil {
			c.obs.ObserveProtocolError()
			return err
		}

		p := pdu.PDU{Header: h}
		if h.Opcode == pdu.OpSCSICmd {
			copy(p.CDB[:], hdrBuf[32:48])
		}

		if h.TotalAHSLength > 0 {
			ahs := make([]byte, int(h.TotalAHSLength)*4)
			if _, err := io.ReadFull(c.nc, ahs); err != nil {
				return err
			}
			p.AHS = ahs
		}

		if c.hdrDig.Enabled() {
			var digBuf [constants.DigestLen]byte
			if _, err := io.ReadFull(c.nc, digBuf[:]); err != nil {
				return err
			}
			if !c.hdrDig.Verify(append(append([]byte{}, hdrBuf...), p.AHS...), digBuf) {
				c.obs.ObserveDigestError()
				c.log.WithRequest(h.ITT, "header-digest").Warn("digest mismatch")
				return command.ErrDigestMismatch
			}
		}

		dataLen := int(h.DataSegmentLength)
		if dataLen > 0 {
			padded := pdu.PaddedLen(dataLen)
			buf := make([]byte, padded)
			if _, err := io.ReadFull(c.nc, buf); err != nil {
				return err
			}
			p.Data = buf[:dataLen]

			if c.dataDig.Enabled() {
				var digBuf [constants.DigestLen]byte
				if _, err := io.ReadFull(c.nc, digBuf[:]); err != nil {
					return err
				}
				if !c.dataDig.Verify(p.Data, digBuf) {
					c.obs.ObserveDigestError()
					c.log.WithRequest(h.ITT, "data-digest").Warn("digest mismatch")
					// Data digest errors are per-PDU recoverable in RFC
					// 3720, but without retransmission support the engine
					// treats this the same as a header digest failure.
					return command.ErrDigestMismatch
				}
			}
		}

		c.obs.ObservePDURx()
		if err := c.dispatch(&p); err != nil {
			return err
		}
	}
}

// dispatch routes a fully-assembled PDU to the right handler.
func (c *Conn) dispatch(p *pdu.PDU) error {
	switch p.Header.Opcode {
	case pdu.OpSCSICmd:
		return c.handleSCSICmd(p)
	case pdu.OpSCSIDataOut:
		return c.handleDataOut(p)
	case pdu.OpNopOut:
		return c.handleNopOut(p)
	case pdu.OpTaskMgmtReq:
		return c.handleTaskMgmt(p)
	case pdu.OpLogoutReq:
		return c.handleLogout(p)
	default:
		return c.sendReject(p, pdu.RejectUnsupportedCommand)
	}
}

// protocolError logs reason, counts it, and closes the connection. It
// exists because command dispatch runs inside session.Admit/RunImmediate's
// synchronous run closures, which have no error-return path back to
// rxLoop for rxLoop's usual "return err, let Serve close the connection"
// handling.
func (c *Conn) protocolError(reason string, itt uint32) {
	c.obs.ObserveProtocolError()
	c.log.WithRequest(itt, reason).Warn("protocol error")
	c.Close()
}

// sendReject builds and queues a REJECT PDU for an unsupported or
// malformed request.
func (c *Conn) sendReject(p *pdu.PDU, reason uint8) error {
	c.obs.ObserveProtocolError()
	rsp := pdu.Header{
		Opcode: pdu.OpReject,
		Word5:  uint32(reason) << 24,
		Word6:  c.sess.NextStatSN(),
		Word7:  c.sess.ExpCmdSN(),
		Word8:  c.sess.MaxCmdSN(),
	}
	return c.send(pdu.MarshalHeader(&rsp))
}

// send queues b on the TX channel and waits for it to be written, giving
// callers backpressure without serializing unrelated sends behind a
// shared mutex around the socket itself.
func (c *Conn) send(b []byte) error {
	done := make(chan struct{})
	select {
	case c.txCh <- writeReq{b: b, done: done}:
	case <-c.closed:
		return net.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

// txLoop is the TX pipeline: the single goroutine allowed
// to write to the socket, so that a response, an R2T, and a NOP-In never
// interleave their bytes.
func (c *Conn) txLoop() {
	for {
		select {
		case req := <-c.txCh:
			if _, err := c.nc.Write(req.b); err == nil {
				c.obs.ObservePDUTx()
			}
			close(req.done)
		case <-c.closed:
			return
		}
	}
}

package conn

import (
	"encoding/binary"
	"time"

	"github.com/iscsi-scst/go-iscsi-core/internal/backend"
	"github.com/iscsi-scst/go-iscsi-core/internal/command"
	"github.com/iscsi-scst/go-iscsi-core/internal/constants"
	"github.com/iscsi-scst/go-iscsi-core/internal/pdu"
	"github.com/iscsi-scst/go-iscsi-core/internal/r2t"
	"github.com/iscsi-scst/go-iscsi-core/internal/tm"
)

// handleSCSICmd processes a new SCSI Command PDU: admits it into the
// CmdSN ordering window, builds the Cmd, wires up an R2T engine if the
// command expects Data-Out, and routes it to the mid-layer once in order.
func (c *Conn) handleSCSICmd(p *pdu.PDU) error {
	cmd := command.New(p.Header.ITT, p.Header.LUN, append([]byte{}, p.CDB[:]...), p.Header.CmdSN(), c.sess)
	cmd.Immediate = p.Header.Immediate
	cmd.SetState(command.StateRxCmd)

	c.mu.Lock()
	c.byITT[cmd.ITT] = cmd
	c.mu.Unlock()

	start := time.Now()
	run := func(cmd *command.Cmd) { c.runSCSICmd(cmd, p, start) }

	if p.Header.Immediate {
		c.sess.RunImmediate(cmd, run)
		return nil
	}

	accept, duplicate := c.sess.InWindow(p.Header.CmdSN())
	if !accept {
		c.mu.Lock()
		delete(c.byITT, cmd.ITT)
		c.mu.Unlock()
		cmd.Put()
		if duplicate {
			// CmdSN below ExpCmdSN: a retransmitted duplicate, not a window
			// violation. Silently drop and force-release rather than reject;
			// the connection stays open.
			return nil
		}
		// CmdSN above MaxCmdSN: a genuine window violation.
		c.obs.ObserveProtocolError()
		return errCmdSNOutOfWindow
	}
	c.sess.Admit(cmd, p.Header.CmdSN(), run)
	return nil
}

func (c *Conn) runSCSICmd(cmd *command.Cmd, p *pdu.PDU, start time.Time) {
	scsi, err := c.be.RxCmd(c.sess.ID(), cmd.LUN, cmd.CDB, cmd.ITT)
	if err != nil {
		c.completePrelim(cmd, backend.BusySenseData())
		return
	}
	cmd.SCSI = scsi
	c.PreprocessingDone(cmd)

	switch {
	case p.Header.Write():
		length := p.Header.ExpectedDataTransferLength()
		cmd.Dir, cmd.ExpectedLen = backend.DirWrite, length
		scsi.SetExpected(backend.DirWrite, length)
		if !c.sess.DataWait.Insert(cmd) {
			// ITT == RESERVED_TAG or a duplicate already tracked.
			c.protocolError("duplicate or reserved ITT on write command", cmd.ITT)
			return
		}
		engine := r2t.New(c.r2tP, length, uint32(len(p.Data)))
		buf := make([]byte, length)
		copy(buf, p.Data)
		c.mu.Lock()
		c.writers[cmd.ITT] = engine
		c.writeBuf[cmd.ITT] = buf
		c.mu.Unlock()

		if engine.Complete() {
			c.finishWrite(cmd, engine, start)
			return
		}
		c.issueR2Ts(cmd, engine)

	case p.Header.Read():
		length := p.Header.ExpectedDataTransferLength()
		cmd.Dir, cmd.ExpectedLen = backend.DirRead, length
		scsi.SetExpected(backend.DirRead, length)
		c.restartAndRespond(cmd, scsi, start)

	default:
		cmd.Dir, cmd.ExpectedLen = backend.DirNone, 0
		scsi.SetExpected(backend.DirNone, 0)
		c.restartAndRespond(cmd, scsi, start)
	}
}

func (c *Conn) finishWrite(cmd *command.Cmd, engine *r2t.Engine, start time.Time) {
	c.sess.DataWait.Remove(cmd.ITT)
	c.mu.Lock()
	delete(c.writers, cmd.ITT)
	buf := c.writeBuf[cmd.ITT]
	delete(c.writeBuf, cmd.ITT)
	c.mu.Unlock()
	cmd.SCSI.WriteData(buf)
	c.obs.ObserveDataOut(uint64(len(buf)))
	c.restartAndRespond(cmd, cmd.SCSI, start)
}

func (c *Conn) restartAndRespond(cmd *command.Cmd, scsi backend.SCSICmd, start time.Time) {
	if !cmd.TryRestart() {
		return // lost the race to an abort
	}
	restartStatus := backend.RestartSuccess
	if cmd.IsAborted() {
		restartStatus = backend.RestartErrorFatal
	}
	c.PreExec(cmd)
	scsi.Restart(restartStatus)
	cmd.SetState(command.StateProcessed)

	sense := scsi.Status()
	var data []byte
	if cmd.Dir == backend.DirRead || cmd.Dir == backend.DirBidi {
		data = c.AllocDataBuf(cmd, scsi)
	}
	c.XmitResponse(cmd, sense, data)
	scsi.Done()
	c.obs.ObserveCommand(uint64(time.Since(start).Nanoseconds()))

	c.mu.Lock()
	delete(c.byITT, cmd.ITT)
	c.mu.Unlock()
}

// residualKind is which residual direction, if any, a completed transfer
// leaves behind: the actual byte count came up short of, or ran past, what
// the initiator asked for.
type residualKind int

const (
	residualNone residualKind = iota
	residualUnderflow
	residualOverflow
)

// residual compares the length the initiator expected against what the
// command actually transferred and returns the resulting kind plus the
// residual byte count (RFC 3720 §10.4.2).
func residual(expected, actual uint32) (kind residualKind, count uint32) {
	switch {
	case actual < expected:
		return residualUnderflow, expected - actual
	case actual > expected:
		return residualOverflow, actual - expected
	default:
		return residualNone, 0
	}
}

// sendDataIn slices data into Data-In PDUs no larger than
// DefaultMaxXmitDataLength, marking the last one final. The separate SCSI
// Response PDU that always follows carries status, so no Data-In here ever
// sets the S bit.
func (c *Conn) sendDataIn(cmd *command.Cmd, data []byte) {
	const chunk = constants.DefaultMaxXmitDataLength
	var dataSN uint32
	for off := 0; off < len(data) || len(data) == 0; off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		final := end == len(data)
		h := pdu.Header{
			Opcode:            pdu.OpSCSIDataIn,
			DataSegmentLength: uint32(end - off),
			ITT:               cmd.ITT,
			Word5:             ^uint32(0), // TTT: no further R2T solicited by this transfer
			Word9:             dataSN,
			Word10:            uint32(off),
		}
		if final {
			h.SpecificFlags = pdu.FlagFinal
		}
		buf := pdu.MarshalHeader(&h)
		buf = append(buf, data[off:end]...)
		for len(buf)%constants.PadAlignment != 0 {
			buf = append(buf, 0)
		}
		c.send(buf)
		c.obs.ObserveDataIn(uint64(end - off))
		dataSN++
		if len(data) == 0 {
			break
		}
	}
}

// completePrelim builds and sends a preliminary-completion response
// without ever involving the mid-layer: digest failures and resource
// exhaustion both short-circuit here.
func (c *Conn) completePrelim(cmd *command.Cmd, sense backend.SenseData) {
	cmd.MarkPrelimCompleted(false)
	cmd.SetState(command.StateOutOfSCSTPrelimCompl)
	c.XmitResponse(cmd, sense, nil)

	c.mu.Lock()
	delete(c.byITT, cmd.ITT)
	c.mu.Unlock()
}

// sendBytes is the xmit callback command.Cmd.Release drives: it queues the
// marshaled main response on the TX pipeline the same way every other PDU
// this connection sends does.
func (c *Conn) sendBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	c.send(b)
}

// buildSenseCarryingPDU marshals h and, if senseBytes is non-empty, appends
// it as h's data segment prefixed with its 2-byte length (RFC 3720
// §10.4.1's sense-data-length-then-sense-bytes layout), padded to the
// segment alignment. It stamps h.DataSegmentLength itself, so callers must
// not set it.
func buildSenseCarryingPDU(h *pdu.Header, senseBytes []byte) []byte {
	if len(senseBytes) > 0 {
		h.DataSegmentLength = uint32(2 + len(senseBytes))
	}
	buf := pdu.MarshalHeader(h)
	if len(senseBytes) > 0 {
		var lenPrefix [2]byte
		binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(senseBytes)))
		buf = append(buf, lenPrefix[:]...)
		buf = append(buf, senseBytes...)
		for len(buf)%constants.PadAlignment != 0 {
			buf = append(buf, 0)
		}
	}
	return buf
}

// sendSCSIResponse builds the SCSI Response PDU that ends a command —
// status, sense (if any), and residual accounting — and designates it as
// cmd's main response rather than sending it directly: XmitResponse's
// cmd.Release call transmits it once the command is ready to be released.
// This engine always sends status in its own PDU rather than piggybacking
// it on the last Data-In, so residual reporting lives here instead of on
// the final Data-In PDU.
func (c *Conn) sendSCSIResponse(cmd *command.Cmd, status byte, sense *backend.SenseData, kind residualKind, count uint32) {
	h := pdu.Header{
		Opcode:        pdu.OpSCSIRsp,
		SpecificFlags: pdu.FlagFinal,
		ITT:           cmd.ITT,
		Word5:         uint32(pdu.StatusCmdCompleted)<<24 | uint32(status)<<16,
		Word6:         c.sess.NextStatSN(),
		Word7:         c.sess.ExpCmdSN(),
		Word8:         c.sess.MaxCmdSN(),
		Word11:        count,
	}
	switch kind {
	case residualUnderflow:
		h.SpecificFlags |= pdu.FlagResidualUnderflow
	case residualOverflow:
		h.SpecificFlags |= pdu.FlagResidualOverflow
	}

	var senseBytes []byte
	if sense != nil {
		senseBytes = sense.Bytes()
	}
	buf := buildSenseCarryingPDU(&h, senseBytes)
	rsp := command.NewResponse(cmd)
	rsp.SetPayload(buf)
	cmd.SetMainResponse(rsp)
}

// issueR2Ts sends as many R2T PDUs as the outstanding-R2T window and
// remaining r2t_len_to_send allow right now. handleDataOut calls this again
// every time a Data-Out PDU frees an outstanding slot, since MaxBurstLength
// commonly requires more R2Ts than MaxOutstandingR2T allows to be in flight
// at once (e.g. 8 R2Ts total against only 2 outstanding).
func (c *Conn) issueR2Ts(cmd *command.Cmd, engine *r2t.Engine) {
	for {
		next := engine.NextBurst()
		if next == nil {
			return
		}
		h := pdu.Header{
			Opcode: pdu.OpR2T,
			ITT:    cmd.ITT,
			Word5:  next.TTT,
			Word6:  c.sess.NextStatSN(),
			Word7:  c.sess.ExpCmdSN(),
			Word8:  c.sess.MaxCmdSN(),
			Word9:  next.R2TSN,
			Word10: next.BufferOffset,
			Word11: next.DesiredLength,
		}
		c.send(pdu.MarshalHeader(&h))
		c.obs.ObserveR2T()
	}
}

// handleDataOut processes a Data-Out PDU, accounting it against the
// command's R2T engine and either requesting more data or restarting the
// command once complete.
func (c *Conn) handleDataOut(p *pdu.PDU) error {
	cmd, ok := c.sess.DataWait.Lookup(p.Header.ITT)
	if !ok {
		// No request is waiting on this ITT for more data: quietly discard
		// rather than reject: the request may simply have
		// already finished and been released.
		return nil
	}
	defer cmd.Put()

	c.mu.Lock()
	engine := c.writers[p.Header.ITT]
	c.mu.Unlock()
	if engine == nil {
		return nil
	}

	offset := p.Header.BufferOffset()
	c.mu.Lock()
	buf := c.writeBuf[cmd.ITT]
	if end := int(offset) + len(p.Data); buf != nil && end <= len(buf) {
		copy(buf[offset:end], p.Data)
	}
	c.mu.Unlock()
	engine.AccountDataOut(uint32(len(p.Data)), p.Header.Final())
	if engine.Complete() {
		c.finishWrite(cmd, engine, time.Now())
		return nil
	}
	if p.Header.Final() {
		c.issueR2Ts(cmd, engine)
	}
	return nil
}

// handleNopOut answers a NOP-Out ping PDU, or silently accounts an
// initiator's response to a target-initiated NOP-In when ITT is the
// reserved tag value.
func (c *Conn) handleNopOut(p *pdu.PDU) error {
	if p.Header.ITT == ^uint32(0) {
		return nil // response to our own NOP-In ping; nothing to send back
	}
	h := pdu.Header{
		Opcode: pdu.OpNopIn,
		ITT:    p.Header.ITT,
		Word5:  ^uint32(0), // TTT: this NOP-In is not soliciting a reply
		Word6:  c.sess.NextStatSN(),
		Word7:  c.sess.ExpCmdSN(),
		Word8:  c.sess.MaxCmdSN(),

		DataSegmentLength: uint32(len(p.Data)),
	}
	buf := pdu.MarshalHeader(&h)
	if len(p.Data) > 0 {
		buf = append(buf, p.Data...) // echo ping data back, RFC 3720 §10.19
		for len(buf)%constants.PadAlignment != 0 {
			buf = append(buf, 0)
		}
	}
	return c.send(buf)
}

// handleTaskMgmt dispatches a Task Management Function Request to
// internal/tm.
func (c *Conn) handleTaskMgmt(p *pdu.PDU) error {
	req := tm.Request{
		Function: p.Header.TMFunction(),
		LUN:      p.Header.LUN,
		RTT:      p.Header.RTT(),
		RefCmdSN: p.Header.RefCmdSN(),
		CmdSN:    p.Header.CmdSN(),
		ITT:      p.Header.ITT,
	}
	return c.tmMgr.Dispatch(req, func(rsp tm.Response) {
		h := pdu.Header{
			Opcode: pdu.OpTaskMgmtRsp,
			ITT:    rsp.ITT,
			Word5:  uint32(rsp.ResponseCode) << 24,
			Word6:  c.sess.NextStatSN(),
			Word7:  c.sess.ExpCmdSN(),
			Word8:  c.sess.MaxCmdSN(),
		}
		c.send(pdu.MarshalHeader(&h))
		c.obs.ObserveTM(rsp.ResponseCode != pdu.TMRespFunctionComplete)
		c.TaskMgmtFnDone(rsp.ITT)
		c.ClearTMTimeout()
		if rsp.CloseAllConns {
			// TARGET_COLD_RESET closes every connection of the session once
			// its response has been transmitted; this engine's session has
			// exactly one connection, so that is this one.
			c.Close()
		}
	})
}

// PreprocessingDone marks that the mid-layer has accepted a command and
// direction-specific processing (R2T collection or read execution) may
// begin. It is the engine's restart_cmd preprocessing_done callback.
func (c *Conn) PreprocessingDone(cmd *command.Cmd) {
	cmd.SetState(command.StateAfterPreproc)
}

// PreExec runs immediately before a restarted command is handed to the
// mid-layer for execution, the engine's restart_cmd pre_exec callback.
func (c *Conn) PreExec(cmd *command.Cmd) {
	c.log.WithRequest(cmd.ITT, "pre-exec").Debug("restarting command")
}

// AllocDataBuf retrieves (and, in a fuller backend, would pre-size) the
// read payload a command is about to transfer back to the initiator: the
// alloc_data_buf callback of the backend adapter.
func (c *Conn) AllocDataBuf(cmd *command.Cmd, scsi backend.SCSICmd) []byte {
	return scsi.ReadData()
}

// XmitResponse transmits a completed command's data (for a read or bidi
// transfer), builds its main status response, and releases the command:
// the xmit_response callback of the backend adapter, the single place
// every command completion funnels through on its way to the wire. This
// is where the parent/child Cmd model actually reaches the socket: the
// status PDU is built as a response Cmd pinned to cmd, and cmd.Release
// transmits it before dropping cmd's own reference.
func (c *Conn) XmitResponse(cmd *command.Cmd, sense backend.SenseData, data []byte) {
	multiPDU := cmd.Dir == backend.DirRead || cmd.Dir == backend.DirBidi
	if multiPDU {
		// Batch the Data-In chain and the trailing SCSI Response into as
		// few TCP segments as the kernel can manage; uncorking after the
		// last write is what actually flushes them onto the wire.
		cork(c.nc, true)
	}
	if multiPDU {
		c.sendDataIn(cmd, data)
		kind, count := residual(cmd.ExpectedLen, uint32(len(data)))
		c.sendSCSIResponse(cmd, sense.Status, &sense, kind, count)
	} else {
		c.sendSCSIResponse(cmd, sense.Status, &sense, residualNone, 0)
	}
	cmd.Release(c.sendBytes)
	if multiPDU {
		cork(c.nc, false)
	}
}

// TaskMgmtFnDone reports that a task management function's response has
// been transmitted: the task_mgmt_fn_done callback of the backend adapter.
func (c *Conn) TaskMgmtFnDone(itt uint32) {
	c.log.WithRequest(itt, "tm").Debug("task management function done")
}

// handleLogout answers a Logout Request with a success response and closes
// the connection once the reply has been flushed. Login negotiation is out
// of scope, but logout teardown of an already-established session is the
// symmetric operation the engine still has to support.
func (c *Conn) handleLogout(p *pdu.PDU) error {
	c.closing.Store(true)
	h := pdu.Header{
		Opcode:        pdu.OpLogoutRsp,
		SpecificFlags: pdu.FlagFinal,
		ITT:           p.Header.ITT,
		Word6:         c.sess.NextStatSN(),
		Word7:         c.sess.ExpCmdSN(),
		Word8:         c.sess.MaxCmdSN(),
	}
	if err := c.send(pdu.MarshalHeader(&h)); err != nil {
		return err
	}
	return errLogoutComplete
}

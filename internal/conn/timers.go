package conn

import (
	"sync/atomic"
	"time"

	"github.com/iscsi-scst/go-iscsi-core/internal/constants"
	"github.com/iscsi-scst/go-iscsi-core/internal/pdu"
)

// pingLoop is the connection's response-timer watchdog. Ordinarily it is
// the idle-connection probe: if nothing has arrived from the initiator
// within RspTimeout, it sends a target-initiated NOP-In (soliciting a
// reply), and closes the connection if a second interval passes with
// still nothing received. Whenever a task management function has marked
// a command aborted (ArmTMTimeout), the timer tightens: the connection is
// closed outright once TM_DATA_WAIT_TIMEOUT+SCHED_SLACK elapses, since a
// command that was supposed to stop generating traffic but hasn't is a
// connection that needs to go away rather than be probed.
func (c *Conn) pingLoop() {
	const tick = time.Second
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	probeSent := false
	for {
		select {
		case <-ticker.C:
			if c.tmTimeoutExpired() {
				c.Close()
				return
			}
			idle := time.Since(c.lastRxTime.get())
			switch {
			case idle < constants.RspTimeout:
				probeSent = false
			case !probeSent:
				c.sendPing()
				probeSent = true
			case idle >= 2*constants.RspTimeout:
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// pingTTT hands out Target Transfer Tags for target-initiated NOP-Ins.
var pingTTT atomic.Uint32

// nextPingTTT returns a fresh TTT, skipping the reserved value, which
// would tell the initiator that no reply is wanted.
func nextPingTTT() uint32 {
	for {
		if ttt := pingTTT.Add(1); ttt != constants.ReservedTag {
			return ttt
		}
	}
}

// sendPing issues a target-initiated NOP-In with the reserved ITT,
// soliciting a NOP-Out reply (RFC 3720 §10.19).
func (c *Conn) sendPing() {
	h := pdu.Header{
		Opcode: pdu.OpNopIn,
		ITT:    constants.ReservedTag,
		Word5:  nextPingTTT(), // TTT: identifies this as a solicited ping
		Word6:  c.sess.NextStatSN(),
		Word7:  c.sess.ExpCmdSN(),
		Word8:  c.sess.MaxCmdSN(),
	}
	c.send(pdu.MarshalHeader(&h))
}

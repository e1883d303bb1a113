//go:build linux

package conn

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setNoDelay disables Nagle's algorithm on nc, the way an iSCSI target
// wants its command/response traffic to leave the socket immediately
// rather than coalesce with the next write.
func setNoDelay(nc net.Conn) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}

// cork sets or clears TCP_CORK on nc, batching the header and data iovecs
// of a multi-PDU response (Data-In chain plus the trailing SCSI Response)
// into as few segments as the kernel can manage, rather than letting
// TCP_NODELAY flush each PDU onto the wire the instant it is written.
// Clearing the cork is what actually forces the batched bytes out.
func cork(nc net.Conn, on bool) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	val := 0
	if on {
		val = 1
	}
	raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, unix.TCP_CORK, val)
	})
}

//go:build !linux

package conn

import "net"

// setNoDelay is a no-op outside Linux; TCP_NODELAY tuning here is an
// optimization, not a correctness requirement.
func setNoDelay(nc net.Conn) {}

// cork is a no-op outside Linux; TCP_CORK has no portable equivalent.
func cork(nc net.Conn, on bool) {}

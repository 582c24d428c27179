//go:build !linux

package netstack

import "syscall"

// control is a no-op: TCP_USER_TIMEOUT is Linux only and the connection
// timeout above the transport still applies.
func (o Options) control(network, address string, c syscall.RawConn) error { return nil }

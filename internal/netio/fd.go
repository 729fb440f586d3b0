// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package netio

import (
	"fmt"
	"net"
	"syscall"
)

// RawFd extracts the underlying file descriptor from anything implementing
// syscall.Conn (*net.TCPConn, *net.UnixConn, ...) for registration with the
// reactor's epoll instance. Callers must pass the raw, pre-TLS net.Conn: a
// *tls.Conn does not implement syscall.Conn itself, which is why connection
// adapters keep a separate reference to the original socket alongside
// whatever layer currently sits on top of it for reads and writes.
func RawFd(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	if err := raw.Control(func(u uintptr) {
		fd = int(u)
	}); err != nil {
		return 0, err
	}
	return fd, nil
}

// ListenerFd extracts the raw fd from a net.Listener (typically
// *net.TCPListener), the type the gateway's accept loop registers with the
// reactor.
func ListenerFd(ln net.Listener) (int, error) {
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("netio: listener %T does not support SyscallConn", ln)
	}
	return RawFd(sc)
}

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package main

import (
	"net"
	"syscall"

	"github.com/mawis/jabberd-sub000/internal/karma"
	"github.com/mawis/jabberd-sub000/internal/log"
	"github.com/mawis/jabberd-sub000/internal/netio"
	"github.com/mawis/jabberd-sub000/internal/reactor"
	"github.com/mawis/jabberd-sub000/internal/s2sconn"
	"github.com/mawis/jabberd-sub000/internal/xmppio"
)

// peerConn adapts one accepted peer socket to reactor.Conn. It lives
// entirely on the reactor goroutine: fd is non-blocking, and every method
// the reactor calls runs there, so nothing here needs a lock.
type peerConn struct {
	d *daemon

	conn net.Conn
	fd   int
	io   *netio.IO
	peer *s2sconn.Conn

	peerDomain string

	handle reactor.Handle
	closed bool
	torn   bool
}

var _ reactor.Conn = (*peerConn)(nil)

// begin registers a freshly accepted peer socket with the reactor.
func (d *daemon) begin(conn net.Conn) {
	fd, err := netio.RawFd(conn.(syscall.Conn))
	if err != nil {
		conn.Close()
		return
	}
	k := karma.New(karma.Config{
		Init: d.cfg.Karma.Init, Max: d.cfg.Karma.Max, Inc: d.cfg.Karma.Inc,
		Dec: d.cfg.Karma.Dec, Penalty: d.cfg.Karma.Penalty, Restore: d.cfg.Karma.Restore,
		ResetMeter: d.cfg.Karma.ResetMeter,
	})
	io := netio.NewNonblocking(fd, k)
	peer := s2sconn.New(s2sconn.Config{
		Domain:      d.cfg.Domain,
		AllowLegacy: d.cfg.S2S.AllowLegacy,
		Table:       d.table,
		Deliver: func(from, to string, payload []byte) {
			log.Debugf("s2sd: delivering stanza from=%s to=%s (%d bytes)", from, to, len(payload))
		},
	}, io, true)

	c := &peerConn{d: d, conn: conn, fd: fd, io: io, peer: peer}
	h, err := d.re.AddConn(c)
	if err != nil {
		conn.Close()
		return
	}
	c.handle = h
	d.active[h] = c
}

// Fd implements reactor.Conn.
func (c *peerConn) Fd() int { return c.fd }

// WantReadable implements reactor.Conn.
func (c *peerConn) WantReadable() bool { return !c.closed && !c.io.Karma.Blocked() }

// WantWritable implements reactor.Conn.
func (c *peerConn) WantWritable() bool { return !c.closed && !c.io.Queue.Empty() }

// Closed implements reactor.Conn.
func (c *peerConn) Closed() bool { return c.closed }

// Shutdown implements reactor.Conn; the reactor has already removed fd from
// epoll and freed this connection's arena slot by the time it calls this.
func (c *peerConn) Shutdown() { c.teardown() }

// OnReadable implements reactor.Conn.
func (c *peerConn) OnReadable() {
	if c.closed {
		return
	}
	var buf [4096]byte
	n, _, err := c.io.Read(buf[:])
	if err != nil {
		if err == netio.ErrWouldBlock {
			return
		}
		c.markClosed()
		return
	}
	if n == 0 {
		return
	}
	c.peer.Parser().Feed(buf[:n])
	for !c.closed {
		ev, ok := c.peer.Parser().Next()
		if !ok {
			break
		}
		c.dispatchEvent(ev)
	}
	if !c.closed {
		c.rearm()
	}
}

// OnWritable implements reactor.Conn.
func (c *peerConn) OnWritable() {
	if c.closed {
		return
	}
	_, _, err := c.io.Drain()
	if err != nil {
		c.markClosed()
		return
	}
	c.rearm()
}

func (c *peerConn) dispatchEvent(ev xmppio.Event) {
	switch ev.Kind {
	case xmppio.EventRootOpen:
		c.peerDomain = ev.Root.From
		writes, err := c.peer.HandleRootOpen(ev.Root)
		c.enqueueAndDrain(writes)
		if err != nil {
			c.markClosed()
		}
	case xmppio.EventStanza:
		writes, err := c.peer.HandleStanza(ev, c.peerDomain, c.d.cfg.Domain)
		c.enqueueAndDrain(writes)
		if err != nil {
			c.markClosed()
		}
	case xmppio.EventEnd, xmppio.EventError:
		c.markClosed()
	}
}

func (c *peerConn) enqueueAndDrain(writes [][]byte) {
	for _, w := range writes {
		c.io.Enqueue(w, nil)
	}
	_, _, err := c.io.Drain()
	if err != nil {
		c.markClosed()
		return
	}
	if !c.closed {
		c.rearm()
	}
}

func (c *peerConn) markClosed() {
	if c.closed {
		return
	}
	c.closed = true
}

func (c *peerConn) rearm() {
	if c.closed {
		return
	}
	c.d.re.Rearm(c.fd, !c.io.Karma.Blocked(), !c.io.Queue.Empty())
}

// forceClose closes a connection from outside the reactor's own
// dispatch-detected-Closed path (the graceful-shutdown sweep): unlike
// Shutdown, nothing else is going to remove this fd from epoll or free its
// arena slot, so this does that itself.
func (c *peerConn) forceClose() {
	if c.closed {
		return
	}
	c.closed = true
	c.d.re.RemoveConn(c.handle, c.fd)
	c.teardown()
}

func (c *peerConn) teardown() {
	if c.torn {
		return
	}
	c.torn = true
	delete(c.d.active, c.handle)
	c.conn.Close()
	c.d.counters.IncClosed()
}

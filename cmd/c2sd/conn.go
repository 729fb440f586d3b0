// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/mawis/jabberd-sub000/internal/c2sconn"
	"github.com/mawis/jabberd-sub000/internal/karma"
	"github.com/mawis/jabberd-sub000/internal/log"
	"github.com/mawis/jabberd-sub000/internal/netio"
	"github.com/mawis/jabberd-sub000/internal/reactor"
	"github.com/mawis/jabberd-sub000/internal/xmppio"
	"github.com/mawis/jabberd-sub000/stream"
)

// detachedSet tracks connections that have been handed off to their own TLS
// goroutine (see clientConn.beginTLSUpgrade / daemon.beginImplicitTLS). It
// is the one piece of c2sd-owned state a TLS goroutine and the main/reactor
// goroutine genuinely touch concurrently (a TLS goroutine registers itself
// on entry and unregisters on exit; shutdown walks the set), so unlike
// everything reachable only through the reactor, it needs its own lock.
type detachedSet struct {
	mu    sync.Mutex
	conns map[*clientConn]struct{}
}

func (s *detachedSet) init() { s.conns = make(map[*clientConn]struct{}) }

func (s *detachedSet) add(c *clientConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *detachedSet) remove(c *clientConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *detachedSet) snapshot() []*clientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// clientConn adapts one accepted client socket to reactor.Conn. A freshly
// accepted plaintext connection lives entirely on the reactor goroutine:
// its fd is non-blocking (netio.NewNonblocking), and every method below
// that the reactor calls runs there, so none of its fields need a lock.
// The one exception is STARTTLS (or an implicit-TLS listener): once
// detached is true, this connection's fd has been removed from epoll and
// everything from here on runs on its own dedicated goroutine instead
// (runTLS / runImplicitTLS -> serveBlocking), reusing the same io/sess so
// no state is duplicated across the handoff.
type clientConn struct {
	d *daemon

	conn    net.Conn
	fd      int
	k       *karma.Bucket
	io      *netio.IO
	sess    *c2sconn.Conn
	tlsConn *tls.Conn

	handle reactor.Handle

	detached     bool
	closed       bool
	closeErr     error
	torn         bool
	pendingAdded bool
	authCounted  bool
}

var _ reactor.Conn = (*clientConn)(nil)

func (d *daemon) sessionConfig(tlsAvailable bool) c2sconn.Config {
	return c2sconn.Config{
		Domain:               d.cfg.Domain,
		TLSAvailable:         tlsAvailable,
		SASLMechs:            d.saslMechs,
		Link:                 d.link,
		SMDomain:             d.cfg.Router.ComponentID,
		NewSASLAuthenticator: d.newAuthenticator,
	}
}

func (d *daemon) karmaBucket() *karma.Bucket {
	return karma.New(karma.Config{
		Init: d.cfg.Karma.Init, Max: d.cfg.Karma.Max, Inc: d.cfg.Karma.Inc,
		Dec: d.cfg.Karma.Dec, Penalty: d.cfg.Karma.Penalty, Restore: d.cfg.Karma.Restore,
		ResetMeter: d.cfg.Karma.ResetMeter,
	})
}

// beginPlaintext registers a freshly accepted, non-TLS-listener socket with
// the reactor. Its variant (plain XMPP, HTTP-forward, HTTP-poll, Flash) is
// not yet known; detectVariant resolves it on the first byte read.
func (d *daemon) beginPlaintext(conn net.Conn) {
	fd, err := netio.RawFd(conn.(syscall.Conn))
	if err != nil {
		conn.Close()
		return
	}
	k := d.karmaBucket()
	c := &clientConn{d: d, conn: conn, fd: fd, k: k, io: netio.NewNonblocking(fd, k)}
	h, err := d.re.AddConn(c)
	if err != nil {
		conn.Close()
		return
	}
	c.handle = h
	d.active[h] = c
}

// beginImplicitTLS hands a socket accepted on a tls: true listener straight
// to its own goroutine without ever registering it with the reactor: the
// very first bytes on the wire are a TLS ClientHello, and crypto/tls has no
// non-blocking handshake API to drive from OnReadable.
func (d *daemon) beginImplicitTLS(conn net.Conn) {
	fd, err := netio.RawFd(conn.(syscall.Conn))
	if err != nil {
		conn.Close()
		return
	}
	c := &clientConn{d: d, conn: conn, fd: fd, k: d.karmaBucket(), detached: true}
	d.detachedSet.add(c)
	go c.runImplicitTLS()
}

func (c *clientConn) runImplicitTLS() {
	tlsConn := tls.Server(c.conn, c.d.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		log.Warnf("c2sd: implicit TLS handshake failed for %s: %v", c.conn.RemoteAddr(), err)
		c.conn.Close()
		c.d.detachedSet.remove(c)
		c.d.counters.IncClosed()
		return
	}
	c.tlsConn = tlsConn
	c.io = netio.New(tlsConn, c.k)
	c.serveBlocking()
}

// beginTLSUpgrade detaches an in-progress STARTTLS connection from the
// reactor and hands it to a dedicated goroutine for the rest of its life,
// reusing the same io/sess rather than reconstructing them.
func (c *clientConn) beginTLSUpgrade() {
	c.detached = true
	c.d.re.RemoveConn(c.handle, c.fd)
	delete(c.d.active, c.handle)
	c.d.detachedSet.add(c)
	go c.runTLS()
}

func (c *clientConn) runTLS() {
	tlsConn := tls.Server(c.conn, c.d.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		log.Warnf("c2sd: STARTTLS handshake failed for %s: %v", c.conn.RemoteAddr(), err)
		c.conn.Close()
		c.d.detachedSet.remove(c)
		c.d.counters.IncClosed()
		return
	}
	c.tlsConn = tlsConn
	c.io.PushTLS(tlsConn)
	c.sess.Restart()
	c.serveBlocking()
}

// serveBlocking drives a detached (TLS) connection to completion on its own
// goroutine: a blocking read bounded by a short deadline so karma heartbeats
// and inbound router-link deliveries still get serviced between reads,
// feeding the same parser/dispatchEvent path the reactor goroutine uses for
// plaintext connections.
func (c *clientConn) serveBlocking() {
	defer c.conn.Close()
	defer c.d.detachedSet.remove(c)

	for !c.closed {
		for c.io.Karma.Blocked() {
			time.Sleep(2 * time.Second)
			c.io.Karma.Tick()
		}

		c.tlsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var buf [4096]byte
		n, _, err := c.io.Read(buf[:])
		if err != nil {
			if err == netio.ErrWouldBlock {
				continue
			}
			break
		}
		if n == 0 {
			continue
		}
		if c.sess == nil {
			// An implicit-TLS listener never offers STARTTLS: the stream is
			// already encrypted and always plain XMPP framing underneath.
			c.sess = c2sconn.New(c.d.sessionConfig(false), c.io, netio.VariantXMPP)
		}
		c.sess.Parser().Feed(buf[:n])
		for !c.closed {
			ev, ok := c.sess.Parser().Next()
			if !ok {
				break
			}
			c.dispatchEvent(ev)
		}
		c.drainInbound()
	}
	c.d.counters.IncClosed()
}

// Fd implements reactor.Conn.
func (c *clientConn) Fd() int { return c.fd }

// WantReadable implements reactor.Conn.
func (c *clientConn) WantReadable() bool { return !c.closed && !c.io.Karma.Blocked() }

// WantWritable implements reactor.Conn.
func (c *clientConn) WantWritable() bool { return !c.closed && !c.io.Queue.Empty() }

// Closed implements reactor.Conn.
func (c *clientConn) Closed() bool { return c.closed }

// Shutdown implements reactor.Conn. The reactor has already removed fd from
// epoll and freed this connection's arena slot by the time it calls this;
// teardown only needs to release c2sd's own bookkeeping.
func (c *clientConn) Shutdown() { c.teardown() }

// OnReadable implements reactor.Conn.
func (c *clientConn) OnReadable() {
	if c.closed {
		return
	}
	if c.sess == nil {
		c.detectVariant()
		return
	}
	var buf [4096]byte
	n, _, err := c.io.Read(buf[:])
	if err != nil {
		if err == netio.ErrWouldBlock {
			return
		}
		c.markClosed(err)
		return
	}
	if n == 0 {
		return
	}
	c.sess.Parser().Feed(buf[:n])
	c.drainParser()
	if !c.closed && !c.detached {
		c.rearm()
	}
}

// OnWritable implements reactor.Conn.
func (c *clientConn) OnWritable() {
	if c.closed {
		return
	}
	_, _, err := c.io.Drain()
	if err != nil {
		c.markClosed(err)
		return
	}
	c.rearm()
}

// detectVariant resolves the autodetected wire variant from the first bytes
// of a non-TLS-listener connection and constructs its session, per the NEGO
// autodetect rules.
func (c *clientConn) detectVariant() {
	var buf [4096]byte
	n, _, err := c.io.Read(buf[:])
	if err != nil {
		if err == netio.ErrWouldBlock {
			return
		}
		c.markClosed(err)
		return
	}
	if n == 0 {
		return
	}
	variant := netio.DetectVariant(buf[0], false)
	c.io.Flash = variant == netio.VariantFlash
	c.sess = c2sconn.New(c.d.sessionConfig(c.d.tlsConfig != nil), c.io, variant)
	c.sess.Parser().Feed(buf[:n])
	c.drainParser()
	if !c.closed && !c.detached {
		c.rearm()
	}
}

func (c *clientConn) drainParser() {
	for !c.closed && !c.detached {
		ev, ok := c.sess.Parser().Next()
		if !ok {
			return
		}
		c.dispatchEvent(ev)
	}
}

// dispatchEvent advances the session state machine by one parser event;
// shared by the reactor goroutine (plaintext) and a connection's own TLS
// goroutine (detached) since both drive the same *c2sconn.Conn.
func (c *clientConn) dispatchEvent(ev xmppio.Event) {
	writes, closeErr := c.sess.HandleEvent(ev)
	c.enqueueAndDrain(writes)
	if c.closed {
		return
	}
	if closeErr != nil {
		c.enqueueAndDrainBestEffort([][]byte{closeFrameFor(closeErr)})
		c.sess.Close(closeErr)
		c.markClosed(closeErr)
		return
	}
	if ev.Kind == xmppio.EventEnd {
		c.enqueueAndDrainBestEffort([][]byte{[]byte("</stream:stream>")})
		c.sess.Close(nil)
		c.markClosed(nil)
		return
	}
	c.trackPendingState()
	if c.sess.ResetPending() {
		if c.sess.NeedsTLSUpgrade() {
			c.beginTLSUpgrade()
			return
		}
		c.sess.Restart()
	}
}

// trackPendingState keeps the shared admission.Pending auth-timeout set in
// sync with this connection's progress, and counts a connection as
// authenticated exactly once, the moment it reaches OPEN.
func (c *clientConn) trackPendingState() {
	if c.sess.State() == c2sconn.StateOpen {
		if c.pendingAdded {
			c.d.pending.Remove(c)
			c.pendingAdded = false
		}
		if !c.authCounted {
			c.d.counters.IncAuthenticated()
			c.authCounted = true
		}
		return
	}
	if c.sess.State() != c2sconn.StateNego && !c.pendingAdded {
		c.d.pending.Add(c)
		c.pendingAdded = true
	}
}

// drainInbound delivers every router-link frame already queued for this
// connection. Link.readLoop runs on its own goroutine and cannot mutate
// session state directly (see router.Target), so it only enqueues; this is
// what actually applies a delivery, on whichever goroutine currently owns
// the connection (the reactor, via daemon.onWake, or this connection's own
// TLS goroutine, via serveBlocking).
func (c *clientConn) drainInbound() {
	if c.sess == nil {
		return
	}
	for {
		select {
		case ev, ok := <-c.sess.Inbound():
			if !ok {
				return
			}
			writes, err := c.sess.HandleInbound(ev)
			c.enqueueAndDrain(writes)
			if c.closed {
				return
			}
			if err != nil {
				c.enqueueAndDrainBestEffort([][]byte{closeFrameFor(err)})
				c.sess.Close(err)
				c.markClosed(err)
				return
			}
			c.trackPendingState()
		default:
			return
		}
	}
}

// enqueueAndDrain queues writes and attempts to flush them, rearming
// writable-interest for a still-reactor-owned connection if the queue isn't
// fully drained (a detached connection's writes block instead of recalling,
// so its queue is always empty again by the time Drain returns).
func (c *clientConn) enqueueAndDrain(writes [][]byte) {
	for _, w := range writes {
		c.io.Enqueue(w, nil)
	}
	_, _, err := c.io.Drain()
	if err != nil {
		c.markClosed(err)
		return
	}
	if !c.detached {
		c.rearm()
	}
}

// enqueueAndDrainBestEffort is enqueueAndDrain for a connection already on
// its way out: a closing stream tag is owed to the peer if possible, but a
// failure to deliver it changes nothing about the teardown underway.
func (c *clientConn) enqueueAndDrainBestEffort(writes [][]byte) {
	for _, w := range writes {
		c.io.Enqueue(w, nil)
	}
	c.io.Drain()
}

func (c *clientConn) markClosed(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
}

func (c *clientConn) rearm() {
	if c.closed || c.detached {
		return
	}
	c.d.re.Rearm(c.fd, !c.io.Karma.Blocked(), !c.io.Queue.Empty())
}

// onAuthTimeout is admission.Pending's callback for this connection's
// auth_timeout. Closing the net.Conn is safe to do concurrently with
// whatever goroutine currently owns reading it (documented net.Conn
// behavior), which is what lets this be called uniformly regardless of
// whether the connection is still reactor-owned or has been detached to
// its own TLS goroutine.
func (c *clientConn) onAuthTimeout() { c.fail(stream.ConnectionTimeout) }

func (c *clientConn) fail(err error) {
	if c.detached {
		c.conn.Close()
		return
	}
	c.forceClose(err)
}

// forceClose closes a still-reactor-owned connection from outside the
// reactor's own dispatch-detected-Closed path (a housekeeping sweep or
// shutdown): unlike Shutdown, nothing else is going to remove this fd from
// epoll or free its arena slot, so this does that itself via closeNow.
func (c *clientConn) forceClose(err error) {
	if c.closed {
		return
	}
	c.closed = true
	if c.sess != nil {
		c.enqueueAndDrainBestEffort([][]byte{closeFrameFor(err)})
		c.sess.Close(err)
	}
	c.closeNow()
}

// closeNow finishes a teardown the reactor's own dispatch loop isn't going
// to do for us this tick (see forceClose, and daemon.onWake for the
// inbound-triggered-close case).
func (c *clientConn) closeNow() {
	if c.torn {
		return
	}
	c.d.re.RemoveConn(c.handle, c.fd)
	c.teardown()
}

func (c *clientConn) teardown() {
	if c.torn {
		return
	}
	c.torn = true
	delete(c.d.active, c.handle)
	if c.pendingAdded {
		c.d.pending.Remove(c)
	}
	c.conn.Close()
	c.d.counters.IncClosed()
}

func closeFrameFor(err error) []byte {
	if se, ok := err.(stream.Error); ok {
		return []byte(fmt.Sprintf(
			"<stream:error><%s xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error></stream:stream>",
			se.Error()))
	}
	return []byte("</stream:stream>")
}

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// fdConn is a minimal Conn backed by a raw fd from unix.Socketpair, used to
// exercise the epoll dispatch path with real bytes instead of XML, so the
// reactor primitive is tested independently of the XML parser that
// cmd/c2sd and cmd/s2sd drive from it (see DESIGN.md).
type fdConn struct {
	fd int

	mu        sync.Mutex
	wantRead  bool
	wantWrite bool
	closed    bool

	reads    int32
	writes   int32
	lastByte byte
}

func (c *fdConn) Fd() int { return c.fd }
func (c *fdConn) WantReadable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wantRead
}
func (c *fdConn) WantWritable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wantWrite
}
func (c *fdConn) OnReadable() {
	var buf [64]byte
	n, _ := unix.Read(c.fd, buf[:])
	if n > 0 {
		atomic.AddInt32(&c.reads, 1)
		c.mu.Lock()
		c.lastByte = buf[n-1]
		c.mu.Unlock()
	}
}
func (c *fdConn) OnWritable() {
	unix.Write(c.fd, []byte{'x'})
	atomic.AddInt32(&c.writes, 1)
	c.mu.Lock()
	c.wantWrite = false
	c.mu.Unlock()
}
func (c *fdConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
func (c *fdConn) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func newSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestAddConnDispatchesReadable(t *testing.T) {
	a, b := newSocketpair(t)

	re, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer unix.Close(re.epfd)

	conn := &fdConn{fd: a, wantRead: true}
	if _, err := re.AddConn(conn); err != nil {
		t.Fatalf("AddConn: %v", err)
	}

	done := make(chan struct{})
	go func() {
		re.Run()
		close(done)
	}()
	defer func() {
		re.Stop()
		<-done
	}()

	if _, err := unix.Write(b, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&conn.reads) == 0 {
		select {
		case <-deadline:
			t.Fatal("OnReadable was never dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAddConnRemovedOnClosed(t *testing.T) {
	a, b := newSocketpair(t)

	re, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer unix.Close(re.epfd)

	conn := &fdConn{fd: a, wantRead: true}
	h, err := re.AddConn(conn)
	if err != nil {
		t.Fatalf("AddConn: %v", err)
	}

	done := make(chan struct{})
	go func() {
		re.Run()
		close(done)
	}()
	defer func() {
		re.Stop()
		<-done
	}()

	conn.Shutdown()
	unix.Write(b, []byte("x"))

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := re.Lookup(h); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("closed connection was never reaped from the arena")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAddTickerRunsPeriodically(t *testing.T) {
	re, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer unix.Close(re.epfd)

	var n int32
	re.AddTicker(20*time.Millisecond, func() { atomic.AddInt32(&n, 1) })

	done := make(chan struct{})
	go func() {
		re.Run()
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	re.Stop()
	<-done

	if atomic.LoadInt32(&n) < 2 {
		t.Fatalf("expected the ticker to fire at least twice, got %d", n)
	}
}

func TestRearmUpdatesInterest(t *testing.T) {
	a, _ := newSocketpair(t)

	re, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer unix.Close(re.epfd)

	conn := &fdConn{fd: a, wantRead: true}
	if _, err := re.AddConn(conn); err != nil {
		t.Fatalf("AddConn: %v", err)
	}

	if err := re.Rearm(a, false, true); err != nil {
		t.Fatalf("Rearm: %v", err)
	}
}

func TestWakeInvokesOnWake(t *testing.T) {
	re, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer unix.Close(re.epfd)

	var woke int32
	re.OnWake = func() { atomic.AddInt32(&woke, 1) }

	done := make(chan struct{})
	go func() {
		re.Run()
		close(done)
	}()

	re.Wake()
	time.Sleep(50 * time.Millisecond)
	re.Stop()
	<-done

	if atomic.LoadInt32(&woke) == 0 {
		t.Fatal("OnWake was never invoked after Wake")
	}
}

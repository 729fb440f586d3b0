// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package netio implements the byte I/O and write-queue substrate shared by
// every connection: a stack of composable transform layers (raw TCP, TLS,
// a SASL security layer), karma-gated reads, and a FIFO write queue with
// backpressure.
package netio

import (
	"crypto/tls"
	"errors"
	"net"

	"golang.org/x/sys/unix"

	"github.com/mawis/jabberd-sub000/internal/karma"
)

// Recall is the six-bit set of "rerun this handshake/read/write when the fd
// becomes ready" flags a Layer can raise. A handshake flag is never set
// together with a read or write flag.
type Recall uint8

const (
	RecallReadWhenReadable Recall = 1 << iota
	RecallReadWhenWritable
	RecallWriteWhenReadable
	RecallWriteWhenWritable
	RecallHandshakeWhenReadable
	RecallHandshakeWhenWritable
)

// Handshaking reports whether any handshake-recall bit is set.
func (r Recall) Handshaking() bool {
	return r&(RecallHandshakeWhenReadable|RecallHandshakeWhenWritable) != 0
}

var ErrWouldBlock = errors.New("netio: would block")

// Layer is a byte transformer in the stack between the raw socket and the
// stanza-level caller: identity (raw TCP), TLS, or a SASL security layer.
// A Layer's Read/Write may return ErrWouldBlock along with a Recall value
// describing when the caller should retry.
type Layer interface {
	Read(b []byte) (n int, recall Recall, err error)
	Write(b []byte) (n int, recall Recall, err error)
}

// rawLayer is the identity layer wrapping the underlying net.Conn.
type rawLayer struct {
	conn net.Conn
}

func (l *rawLayer) Read(b []byte) (int, Recall, error) {
	n, err := l.conn.Read(b)
	if isTemporary(err) {
		return n, RecallReadWhenReadable, nil
	}
	return n, 0, err
}

func (l *rawLayer) Write(b []byte) (int, Recall, error) {
	n, err := l.conn.Write(b)
	if isTemporary(err) {
		return n, RecallWriteWhenWritable, nil
	}
	return n, 0, err
}

func isTemporary(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// fdLayer is the non-blocking identity layer reactor-driven connections
// use: it issues read(2)/write(2) directly against fd, bypassing net.Conn's
// Read/Write, which park the calling goroutine on the runtime's integrated
// netpoller until the call can complete. Go already leaves accepted sockets
// in O_NONBLOCK mode at the OS level, so a raw syscall against the same fd
// returns EAGAIN instead of blocking; that EAGAIN is exactly the recall
// signal this layer stack already has a vocabulary for.
type fdLayer struct {
	fd int
}

func (l *fdLayer) Read(b []byte) (int, Recall, error) {
	n, err := unix.Read(l.fd, b)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, RecallReadWhenReadable, nil
		}
		return 0, 0, err
	}
	if n == 0 {
		return 0, 0, errClosed
	}
	return n, 0, nil
}

func (l *fdLayer) Write(b []byte) (int, Recall, error) {
	n, err := unix.Write(l.fd, b)
	if err != nil {
		if err == unix.EAGAIN {
			return n, RecallWriteWhenWritable, nil
		}
		return n, 0, err
	}
	return n, 0, nil
}

var errClosed = errors.New("netio: peer closed the connection")

// Variant is the wire-framing sub-mode an inbound connection was detected
// to use.
type Variant int

const (
	VariantXMPP Variant = iota
	VariantHTTPForward
	VariantHTTPPoll
	VariantFlash
	VariantTLS
)

// DetectVariant inspects the first byte of a freshly accepted connection,
// per the NEGO autodetect rules.
func DetectVariant(first byte, tlsPort bool) Variant {
	switch {
	case first == 'G':
		return VariantHTTPForward
	case first == 'P':
		return VariantHTTPPoll
	case first == 0x00:
		return VariantFlash
	case tlsPort && (first == 0x16 || first == 0x80):
		return VariantTLS
	default:
		return VariantXMPP
	}
}

// Chunk is a queued, contiguous byte buffer owned by a connection.
type Chunk struct {
	Data     []byte
	cursor   int
	// Tag carries an opaque reference to the originating stanza so a bounce
	// callback can report which outbound message failed to deliver.
	Tag interface{}
}

func (c *Chunk) remaining() []byte { return c.Data[c.cursor:] }

// Queue is a connection's FIFO outbound write queue.
type Queue struct {
	chunks []*Chunk
}

// Enqueue appends bytes (optionally tagged) to the tail of the queue.
func (q *Queue) Enqueue(b []byte, tag interface{}) {
	buf := make([]byte, len(b))
	copy(buf, b)
	q.chunks = append(q.chunks, &Chunk{Data: buf, Tag: tag})
}

// Empty reports whether the queue has no pending chunks.
func (q *Queue) Empty() bool { return len(q.chunks) == 0 }

// Bounce drains the queue, returning the tags of every chunk that was still
// outstanding so the caller can re-send them to the session manager with
// type="error".
func (q *Queue) Bounce() []interface{} {
	tags := make([]interface{}, 0, len(q.chunks))
	for _, c := range q.chunks {
		if c.Tag != nil {
			tags = append(tags, c.Tag)
		}
	}
	q.chunks = nil
	return tags
}

// Drain writes as much of the queue as the layer will accept without
// blocking, popping fully-written chunks and updating the cursor on a
// partial write.
func (q *Queue) Drain(l Layer) (done bool, recall Recall, err error) {
	for len(q.chunks) > 0 {
		head := q.chunks[0]
		n, rc, werr := l.Write(head.remaining())
		head.cursor += n
		if werr != nil {
			return false, rc, werr
		}
		if rc != 0 {
			return false, rc, nil
		}
		if head.cursor >= len(head.Data) {
			q.chunks = q.chunks[1:]
			continue
		}
		// partial write accepted but layer has more buffering to do
		return false, 0, nil
	}
	return true, 0, nil
}

// IO binds a connection's transform stack, karma bucket, and write queue.
type IO struct {
	layers []Layer
	Karma  *karma.Bucket
	Queue  Queue
	// Flash marks a Flash-variant connection; every Write appends a NUL byte
	// after the payload, per the wire quirk the protocol requires.
	Flash bool
}

// New wraps conn's raw socket as the base of the layer stack. The returned
// IO's Read/Write block the calling goroutine: this constructor is for the
// connections the reactor hands off to a dedicated goroutine (currently
// only a TLS connection mid-handshake or post-upgrade, since crypto/tls
// exposes no non-blocking Read/Write of its own), never for a connection
// still registered with the reactor's epoll instance.
func New(conn net.Conn, k *karma.Bucket) *IO {
	return &IO{layers: []Layer{&rawLayer{conn: conn}}, Karma: k}
}

// NewNonblocking wraps fd directly for a connection the reactor dispatches
// via AddConn: every Read/Write is a single non-blocking syscall against fd,
// never touching net.Conn, so OnReadable/OnWritable never park the
// reactor's one goroutine.
func NewNonblocking(fd int, k *karma.Bucket) *IO {
	return &IO{layers: []Layer{&fdLayer{fd: fd}}, Karma: k}
}

// PushTLS installs a TLS layer as the current top of the stack (called once
// the STARTTLS/autodetect handshake has produced a *tls.Conn).
func (io *IO) PushTLS(conn *tls.Conn) {
	io.layers = append(io.layers, &rawLayer{conn: conn})
}

// top returns the current outermost layer.
func (io *IO) top() Layer {
	return io.layers[len(io.layers)-1]
}

// Read reads from the top of the stack, bounded by the karma read_max; a
// non-positive karma value returns ErrWouldBlock without touching the
// socket.
func (io *IO) Read(buf []byte) (n int, recall Recall, err error) {
	max := io.Karma.ReadMax()
	if max <= 0 {
		return 0, 0, ErrWouldBlock
	}
	if len(buf) > max {
		buf = buf[:max]
	}
	n, recall, err = io.top().Read(buf)
	if n > 0 {
		io.Karma.OnRead(n)
	}
	if recall != 0 {
		return n, recall, ErrWouldBlock
	}
	return n, 0, err
}

// Write writes through the top of the stack, appending a NUL byte for
// Flash-variant connections.
func (io *IO) Write(b []byte) (n int, recall Recall, err error) {
	if io.Flash {
		b = append(append([]byte{}, b...), 0x00)
	}
	n, recall, err = io.top().Write(b)
	if recall != 0 {
		return n, recall, ErrWouldBlock
	}
	return n, 0, err
}

// Enqueue appends to the write queue and signals the caller (normally the
// reactor) should arm writable-interest.
func (io *IO) Enqueue(b []byte, tag interface{}) {
	io.Queue.Enqueue(b, tag)
}

// Drain attempts to flush the write queue through the current layer stack.
func (io *IO) Drain() (done bool, recall Recall, err error) {
	return io.Queue.Drain(io.top())
}

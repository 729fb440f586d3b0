// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package reactor implements the single-threaded, cooperative readiness
// multiplexor every connection is dispatched through. It is the only
// package permitted to call epoll_wait; every other package receives
// readiness exclusively through the callbacks registered here.
package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Handle is a generational reference to a slot in the reactor's connection
// arena: (slot, generation). Reusing a stale handle after its slot has been
// recycled is a detectable error instead of a use-after-free, replacing the
// original's pool-tied conn* pointers.
type Handle struct {
	slot int
	gen  uint32
}

// Conn is anything the reactor can dispatch readiness events to. Fd must
// remain stable for the lifetime of the registration.
type Conn interface {
	Fd() int
	// WantReadable/WantWritable report the current interest bits; AddConn
	// reads them for the initial registration, and later changes take
	// effect only through Rearm.
	WantReadable() bool
	WantWritable() bool
	// OnReadable/OnWritable dispatch one unit of work; the reactor calls
	// exactly one of the two handshake/read/write routines per the dispatch
	// order in the component design.
	OnReadable()
	OnWritable()
	// Closed reports whether the connection has reached its terminal state;
	// a closed connection is removed from the arena at the end of the
	// iteration that observed it.
	Closed() bool
	// Shutdown is invoked once, exactly when Closed() first becomes true.
	Shutdown()
}

type slot struct {
	gen  uint32
	conn Conn
	used bool
}

// Reactor owns the connection arena and the epoll instance multiplexing
// every registered fd plus its own self-pipe wakeup.
type Reactor struct {
	epfd int

	mu    sync.Mutex
	slots []slot
	free  []int

	wakeR, wakeW int

	listeners map[int]func() // fd -> accept callback

	tickers []ticker

	stop chan struct{}

	// OnWake, if set, runs once per self-pipe wakeup, after draining the
	// pipe and before the tick pass. It is the hook external goroutines
	// that cannot register their own fd on this epoll instance (the
	// router link's readLoop, notably) use to have their queued work
	// dispatched from this single event-loop thread.
	OnWake func()
}

type ticker struct {
	interval time.Duration
	last     time.Time
	fn       func()
}

// New creates a Reactor with its epoll instance and self-pipe wakeup ready.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r := &Reactor{
		epfd:      epfd,
		wakeR:     fds[0],
		wakeW:     fds[1],
		listeners: make(map[int]func()),
		stop:      make(chan struct{}),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN, Fd: int32(r.wakeR),
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// Wake unblocks a concurrent epoll_wait through the self-pipe, so a goroutine
// other than the reactor's (the router link's deliveries, notably) can have
// OnWake run on the reactor goroutine rather than mutating state itself.
func (r *Reactor) Wake() {
	unix.Write(r.wakeW, []byte{0})
}

// AddListener registers a listening fd whose accept callback runs whenever
// it becomes readable (dispatch order step 1).
func (r *Reactor) AddListener(fd int, accept func()) error {
	r.mu.Lock()
	r.listeners[fd] = accept
	r.mu.Unlock()
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN, Fd: int32(fd),
	})
}

// AddTicker schedules fn to run roughly every interval, dispatched from the
// reactor goroutine so connection state mutation never needs locking.
func (r *Reactor) AddTicker(interval time.Duration, fn func()) {
	r.tickers = append(r.tickers, ticker{interval: interval, last: time.Time{}, fn: fn})
}

// Add registers c in the arena and returns its handle. The caller is
// responsible for adding c's fd to epoll interest via Rearm.
func (r *Reactor) Add(c Conn) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) > 0 {
		i := r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
		r.slots[i].conn = c
		r.slots[i].used = true
		return Handle{slot: i, gen: r.slots[i].gen}
	}
	r.slots = append(r.slots, slot{conn: c, used: true})
	return Handle{slot: len(r.slots) - 1, gen: 0}
}

// AddConn registers c in the arena and adds its fd to the epoll instance
// with its current WantReadable/WantWritable interest, combining Add and
// the initial EPOLL_CTL_ADD a caller would otherwise have to sequence by
// hand. On failure c is not left registered in the arena.
func (r *Reactor) AddConn(c Conn) (Handle, error) {
	h := r.Add(c)
	var events uint32
	if c.WantReadable() {
		events |= unix.EPOLLIN
	}
	if c.WantWritable() {
		events |= unix.EPOLLOUT
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, c.Fd(), &unix.EpollEvent{
		Events: events, Fd: int32(c.Fd()),
	}); err != nil {
		r.remove(h.slot)
		return Handle{}, err
	}
	return h, nil
}

// RemoveConn unregisters fd from epoll and frees h's arena slot without
// calling Shutdown, for a connection handing its fd to code the reactor no
// longer dispatches to (a TLS upgrade handing off to its own goroutine; see
// DESIGN.md). The caller is responsible for the connection's lifetime from
// this point on.
func (r *Reactor) RemoveConn(h Handle, fd int) error {
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	r.mu.Lock()
	if h.slot >= 0 && h.slot < len(r.slots) && r.slots[h.slot].used && r.slots[h.slot].gen == h.gen {
		r.slots[h.slot].conn = nil
		r.slots[h.slot].used = false
		r.slots[h.slot].gen++
		r.free = append(r.free, h.slot)
	}
	r.mu.Unlock()
	return err
}

// Lookup resolves a handle to its Conn, returning ok=false if the handle is
// stale (the slot was recycled since it was issued).
func (r *Reactor) Lookup(h Handle) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.slot < 0 || h.slot >= len(r.slots) {
		return nil, false
	}
	s := r.slots[h.slot]
	if !s.used || s.gen != h.gen {
		return nil, false
	}
	return s.conn, true
}

func (r *Reactor) remove(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[i].conn = nil
	r.slots[i].used = false
	r.slots[i].gen++
	r.free = append(r.free, i)
}

// Rearm updates a registered fd's epoll interest to match its current
// WantReadable/WantWritable bits; callers invoke this after any state change
// that could affect interest (karma tick, enqueue, recall flag change).
func (r *Reactor) Rearm(fd int, readable, writable bool) error {
	var events uint32
	if readable {
		events |= unix.EPOLLIN
	}
	if writable {
		events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events, Fd: int32(fd),
	})
}

// Run executes the single-threaded event loop until Stop is called.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, 256)
	for {
		select {
		case <-r.stop:
			return nil
		default:
		}

		timeout := r.nextTimeout()
		n, err := unix.EpollWait(r.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		r.runTickers()

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if fd == r.wakeR {
				drainSelfPipe(r.wakeR)
				if r.OnWake != nil {
					r.OnWake()
				}
				continue
			}

			if accept, ok := r.listeners[fd]; ok {
				accept()
				continue
			}

			r.dispatch(fd, ev.Events)
		}
	}
}

func (r *Reactor) nextTimeout() int {
	// The sleep timeout is the shortest registered ticker interval, capped
	// at 15s, so every ticker added with AddTicker runs close to its
	// interval.
	min := 15000
	for _, t := range r.tickers {
		ms := int(t.interval / time.Millisecond)
		if ms < min {
			min = ms
		}
	}
	return min
}

func (r *Reactor) runTickers() {
	now := time.Now()
	for i := range r.tickers {
		t := &r.tickers[i]
		if now.Sub(t.last) >= t.interval {
			t.last = now
			t.fn()
		}
	}
}

func (r *Reactor) dispatch(fd int, events uint32) {
	r.mu.Lock()
	var target Conn
	var slotIdx = -1
	for i := range r.slots {
		if r.slots[i].used && r.slots[i].conn != nil && r.slots[i].conn.Fd() == fd {
			target = r.slots[i].conn
			slotIdx = i
			break
		}
	}
	r.mu.Unlock()
	if target == nil {
		return
	}

	readable := events&unix.EPOLLIN != 0
	writable := events&unix.EPOLLOUT != 0

	switch {
	case readable:
		target.OnReadable()
	case writable:
		target.OnWritable()
	}

	if target.Closed() {
		target.Shutdown()
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		if slotIdx >= 0 {
			r.remove(slotIdx)
		}
	}
}

// Stop ends Run's loop at the next iteration boundary.
func (r *Reactor) Stop() {
	close(r.stop)
	r.Wake()
}

func drainSelfPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

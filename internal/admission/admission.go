// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package admission implements the per-IP connection-rate limiter and the
// pending-set authentication-timeout sweep applied to freshly accepted
// connections before they reach the OPEN state.
package admission

import (
	"net"
	"sync"
	"time"
)

// entry is one IP's rate-limit window.
type entry struct {
	firstSeen time.Time
	count     int
}

// Table is the per-IP admission rate limiter; Window and Limit implement the
// single-window algorithm: a new connection within Window of firstSeen
// increments count and is rejected once count exceeds Limit, otherwise the
// window resets.
type Table struct {
	Window time.Duration
	Limit  int

	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable returns an admission Table configured with window and limit. Both
// Admit and Sweep run on the single reactor goroutine (an accept callback,
// which admits every connection before any TLS handoff, and a housekeeping
// ticker, respectively); the lock keeps Table safe for concurrent use all the
// same.
func NewTable(window time.Duration, limit int) *Table {
	return &Table{Window: window, Limit: limit, entries: make(map[string]*entry)}
}

// normalize maps an IPv4-mapped IPv6 address to its IPv4 form.
func normalize(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// Admit registers a new connection attempt from addr and reports whether it
// should be allowed.
func (t *Table) Admit(addr net.Addr) bool {
	key := normalize(addr)
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || now.Sub(e.firstSeen) > t.Window {
		t.entries[key] = &entry{firstSeen: now, count: 1}
		return true
	}
	e.count++
	return e.count <= t.Limit
}

// Sweep reaps entries whose window has expired. Call this periodically
// (the reactor's admission-window ticker).
func (t *Table) Sweep() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if now.Sub(e.firstSeen) > t.Window {
			delete(t.entries, k)
		}
	}
}

// Pending tracks connections that have opened a stream but not yet
// completed authentication/session, for the auth-timeout sweep.
type Pending struct {
	mu      sync.Mutex
	created map[interface{}]time.Time
	// OnTimeout is invoked for every handle whose auth_timeout has elapsed.
	// Per the original's "if(m->cb != NULL)" fix, this must be guarded: a
	// nil callback silently drops the sweep instead of panicking. It is
	// called with the Pending lock released, since it typically closes the
	// connection, which in turn calls Remove.
	OnTimeout func(handle interface{})
}

// NewPending returns an empty Pending set. Add/Remove/Sweep all normally run
// on the single reactor goroutine; Pending still needs its lock because an
// implicit-TLS or STARTTLS-upgraded connection runs on its own dedicated
// goroutine (crypto/tls has no non-blocking handshake API; see DESIGN.md),
// and that goroutine's own Add/Remove calls for its connection can race the
// reactor goroutine's Sweep.
func NewPending() *Pending {
	return &Pending{created: make(map[interface{}]time.Time)}
}

// Add records that handle opened a stream at the current time.
func (p *Pending) Add(handle interface{}) {
	p.mu.Lock()
	p.created[handle] = time.Now()
	p.mu.Unlock()
}

// Remove clears handle from the pending set once it authenticates (or
// closes).
func (p *Pending) Remove(handle interface{}) {
	p.mu.Lock()
	delete(p.created, handle)
	p.mu.Unlock()
}

// Sweep closes every pending connection older than timeout by invoking
// OnTimeout, guarded against a nil callback.
func (p *Pending) Sweep(timeout time.Duration) {
	now := time.Now()
	var expired []interface{}
	p.mu.Lock()
	for h, t0 := range p.created {
		if now.Sub(t0) > timeout {
			delete(p.created, h)
			expired = append(expired, h)
		}
	}
	p.mu.Unlock()
	if p.OnTimeout == nil {
		return
	}
	for _, h := range expired {
		p.OnTimeout(h)
	}
}

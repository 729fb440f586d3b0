// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package dialback implements XEP-0220 server dialback: the db:result /
// db:verify hash round-trip, the per-(from,to) host entry table with its
// FIFO outbound queue, and the small LRU of recently-validated pairs that
// lets a reconnecting peer skip the round-trip for its first stanza.
package dialback

import (
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"time"
)

// Key identifies one ordered (from, to) domain pair.
type Key struct {
	From, To string
}

// HostEntry is the dialback state for one ordered domain pair.
type HostEntry struct {
	Key       Key
	Incoming  bool
	Valid     bool
	Created   time.Time
	StreamID  string
	pending   [][]byte
}

// Table owns every live HostEntry plus the small validated-pair LRU.
type Table struct {
	secret string

	mu      sync.Mutex
	entries map[Key]*HostEntry

	lru     *lru
}

// NewTable returns a Table using secret as the shared dialback seed.
func NewTable(secret string) *Table {
	return &Table{
		secret:  secret,
		entries: make(map[Key]*HostEntry),
		lru:     newLRU(256, 120*time.Second),
	}
}

// HashResult computes sha1(sha1(sha1(secret) || to) || streamID), the
// <db:result> body for a (from=local, to=peer) pair opened with streamID.
func (t *Table) HashResult(to, streamID string) string {
	inner := sha1.Sum([]byte(t.secret))
	mid := sha1.Sum(append([]byte(hex.EncodeToString(inner[:])), []byte(to)...))
	outer := sha1.Sum(append([]byte(hex.EncodeToString(mid[:])), []byte(streamID)...))
	return hex.EncodeToString(outer[:])
}

// VerifyResult recomputes the same hash for an inbound <db:verify> and
// reports whether it matches.
func (t *Table) VerifyResult(to, streamID, got string) bool {
	return t.HashResult(to, streamID) == got
}

// Entry returns (creating if necessary) the HostEntry for key.
func (t *Table) Entry(key Key, incoming bool) *HostEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &HostEntry{Key: key, Incoming: incoming, Created: time.Now()}
		t.entries[key] = e
	}
	return e
}

// RecentlyValid reports whether key was validated within the LRU's TTL, so
// a reconnecting peer's first queued stanza can flush before redoing the
// full hash round-trip. This is purely an optimization: correctness never
// depends on a cache hit.
func (t *Table) RecentlyValid(key Key) bool {
	return t.lru.has(key)
}

// MarkValid flips an entry to valid, records it in the LRU, and returns the
// queued stanzas to flush in FIFO order.
func (t *Table) MarkValid(key Key) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	e.Valid = true
	t.lru.add(key)
	queued := e.pending
	e.pending = nil
	return queued
}

// Enqueue appends a stanza to key's FIFO queue, held until MarkValid.
func (t *Table) Enqueue(key Key, stanza []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &HostEntry{Key: key, Created: time.Now()}
		t.entries[key] = e
	}
	e.pending = append(e.pending, stanza)
}

// SweepExpired returns (and bounces, by removing) every entry not valid
// after 120s, per the dialback heartbeat.
func (t *Table) SweepExpired() []*HostEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var failed []*HostEntry
	now := time.Now()
	for k, e := range t.entries {
		if !e.Valid && now.Sub(e.Created) > 120*time.Second {
			failed = append(failed, e)
			delete(t.entries, k)
		}
	}
	return failed
}

// lru is a small bounded, TTL-evicted set of recently-validated keys.
type lru struct {
	cap int
	ttl time.Duration
	mu  sync.Mutex
	// order holds keys oldest-first; m maps key to insertion time.
	order []Key
	m     map[Key]time.Time
}

func newLRU(cap int, ttl time.Duration) *lru {
	return &lru{cap: cap, ttl: ttl, m: make(map[Key]time.Time)}
}

func (l *lru) add(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.m[k]; !ok {
		l.order = append(l.order, k)
	}
	l.m[k] = time.Now()
	for len(l.order) > l.cap {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.m, oldest)
	}
}

func (l *lru) has(k Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.m[k]
	if !ok {
		return false
	}
	if time.Since(t) > l.ttl {
		delete(l.m, k)
		return false
	}
	return true
}

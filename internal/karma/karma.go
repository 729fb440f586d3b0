// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package karma implements the per-connection token-bucket flow control the
// reactor uses to decide readable-interest: reads cost tokens, a heartbeat
// restores them, and a connection whose bucket goes negative is excluded from
// the readable set until it recovers.
package karma

// Config carries the tuning knobs for a Bucket, normally sourced from
// internal/config.Karma.
type Config struct {
	Init       int
	Max        int
	Inc        int
	Dec        int
	Penalty    int
	Restore    int
	ResetMeter bool
}

// Bucket is one connection's karma counters.
type Bucket struct {
	cfg        Config
	Value      int
	BytesRead  int
}

// New returns a Bucket initialized to cfg.Init.
func New(cfg Config) *Bucket {
	return &Bucket{cfg: cfg, Value: cfg.Init}
}

// ReadMax returns the maximum number of bytes that may be read in the
// current window: read_max(v) = v * 100.
func (b *Bucket) ReadMax() int {
	if b.Value <= 0 {
		return 0
	}
	return b.Value * 100
}

// Blocked reports whether the bucket currently excludes the connection from
// the readable set.
func (b *Bucket) Blocked() bool {
	return b.Value <= 0
}

// OnRead accounts for n bytes just read, applying the decrement/penalty rule
// when the window's read_max has been exceeded.
func (b *Bucket) OnRead(n int) {
	b.BytesRead += n
	if b.BytesRead > b.Value*100 {
		b.Value -= b.cfg.Dec
		if b.Value <= 0 {
			b.Value = b.cfg.Penalty
		}
	}
}

// Tick applies one heartbeat step (every 2s per the reactor's schedule),
// returning true if the bucket just transitioned from blocked to unblocked
// (the caller should re-arm readable-interest for this connection).
func (b *Bucket) Tick() (restored bool) {
	wasBlocked := b.Value <= 0
	next := b.Value + b.cfg.Inc
	if next > b.cfg.Max {
		next = b.cfg.Max
	}
	b.Value = next
	if wasBlocked && b.Value >= 0 {
		b.Value = b.cfg.Restore
		if b.cfg.ResetMeter {
			b.BytesRead = 0
		}
		return true
	}
	return false
}

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package stats periodically writes out gateway-wide counters and drives the
// shutdown sweep that closes every live connection with system-shutdown.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/mawis/jabberd-sub000/internal/log"
)

// Counters holds the process-wide counters reported on each write-out.
type Counters struct {
	Accepted      int64
	Rejected      int64
	Authenticated int64
	Closed        int64
	PrepCacheSize int64
}

func (c *Counters) IncAccepted()      { atomic.AddInt64(&c.Accepted, 1) }
func (c *Counters) IncRejected()      { atomic.AddInt64(&c.Rejected, 1) }
func (c *Counters) IncAuthenticated() { atomic.AddInt64(&c.Authenticated, 1) }
func (c *Counters) IncClosed()        { atomic.AddInt64(&c.Closed, 1) }

// WriteOut logs a snapshot of the counters. Wired to a housekeeping ticker.
func (c *Counters) WriteOut() {
	log.Infof("stats accepted=%d rejected=%d authenticated=%d closed=%d prepcache=%d",
		atomic.LoadInt64(&c.Accepted), atomic.LoadInt64(&c.Rejected),
		atomic.LoadInt64(&c.Authenticated), atomic.LoadInt64(&c.Closed),
		atomic.LoadInt64(&c.PrepCacheSize))
}

// Interval is the default period between WriteOut calls.
const Interval = 60 * time.Second

// ShutdownSweeper closes every live connection during graceful shutdown.
type ShutdownSweeper struct {
	// CloseAll is invoked once, closing every connection with
	// stream-error system-shutdown and then tearing down the router link.
	CloseAll func()
}

// Run executes the shutdown sequence once.
func (s *ShutdownSweeper) Run() {
	if s.CloseAll != nil {
		s.CloseAll()
	}
}

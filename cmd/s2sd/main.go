// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Command s2sd is the server-to-server dialback gateway: it accepts peer
// connections and authenticates them with XEP-0220 dialback instead of the
// c2s SASL/bind path.
//
// Dialback never negotiates TLS, so unlike cmd/c2sd, s2sd has no exception
// to the single reactor goroutine: every peer connection is dispatched from
// one non-blocking epoll loop with no locking anywhere in its path.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mawis/jabberd-sub000/internal/admission"
	"github.com/mawis/jabberd-sub000/internal/config"
	"github.com/mawis/jabberd-sub000/internal/dialback"
	"github.com/mawis/jabberd-sub000/internal/log"
	"github.com/mawis/jabberd-sub000/internal/netio"
	"github.com/mawis/jabberd-sub000/internal/reactor"
	"github.com/mawis/jabberd-sub000/internal/stats"
)

func main() {
	os.Exit(run())
}

// daemon holds the state the reactor's single goroutine drives. active is
// mutated only from that goroutine, so none of it needs a lock.
type daemon struct {
	cfg        *config.Config
	table      *dialback.Table
	admitTable *admission.Table
	counters   *stats.Counters
	re         *reactor.Reactor

	active map[reactor.Handle]*peerConn
}

func run() int {
	cfgPath := flag.String("config", "/etc/jabberd-sub000/s2sd.yml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Error(err)
		return 1
	}

	d := &daemon{
		cfg:        cfg,
		table:      dialback.NewTable(cfg.S2S.Secret),
		admitTable: admission.NewTable(cfg.Admission.Window, cfg.Admission.Limit),
		counters:   &stats.Counters{},
		active:     make(map[reactor.Handle]*peerConn),
	}

	re, err := reactor.New()
	if err != nil {
		log.Error(err)
		return 1
	}
	d.re = re

	var listeners []net.Listener
	for _, l := range cfg.Listeners {
		ln, err := net.Listen("tcp", l.Addr)
		if err != nil {
			log.Error(err)
			return 1
		}
		listeners = append(listeners, ln)
		fd, err := netio.ListenerFd(ln)
		if err != nil {
			log.Error(err)
			return 1
		}
		if err := re.AddListener(fd, func() { d.acceptOne(ln) }); err != nil {
			log.Error(err)
			return 1
		}
	}

	re.AddTicker(2*time.Second, d.tickKarma)
	re.AddTicker(120*time.Second, func() {
		for _, e := range d.table.SweepExpired() {
			log.Warnf("dialback: host entry %v expired without validating, bouncing queue", e.Key)
		}
	})
	re.AddTicker(stats.Interval, d.counters.WriteOut)
	re.AddTicker(cfg.Admission.Window, d.admitTable.Sweep)

	runDone := make(chan error, 1)
	go func() { runDone <- re.Run() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-runDone:
		if err != nil {
			log.Errorf("s2sd: reactor stopped: %v", err)
		}
	}

	log.Infof("s2sd: shutting down")
	sweeper := &stats.ShutdownSweeper{CloseAll: d.closeAll}
	sweeper.Run()
	re.Stop()
	for _, ln := range listeners {
		ln.Close()
	}
	return 0
}

// tickKarma restores every connection's karma bucket by one heartbeat step
// and re-arms readable-interest for any that just transitioned out of
// blocked.
func (d *daemon) tickKarma() {
	for _, c := range d.active {
		if c.io.Karma.Tick() {
			c.rearm()
		}
	}
}

// closeAll runs on the reactor goroutine (via Wake) so every active
// connection's teardown still happens without a lock.
func (d *daemon) closeAll() {
	done := make(chan struct{})
	d.re.OnWake = func() {
		for _, c := range d.active {
			c.forceClose()
		}
		close(done)
	}
	d.re.Wake()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// acceptOne accepts exactly one connection from ln. The reactor only calls
// this once epoll has reported the listening socket readable, so Accept is
// guaranteed not to block.
func (d *daemon) acceptOne(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	if !d.admitTable.Admit(conn.RemoteAddr()) {
		d.counters.IncRejected()
		conn.Close()
		return
	}
	d.counters.IncAccepted()
	d.begin(conn)
}

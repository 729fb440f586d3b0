// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Command c2sd is the client-to-server connection manager: it terminates
// client TCP/TLS sockets, negotiates XMPP streams, and forwards
// authenticated traffic to a session manager over a single router link.
//
// Every plaintext connection is dispatched from one reactor goroutine with
// no locking; see DESIGN.md for the narrow, disclosed exception a STARTTLS
// or implicit-TLS connection requires (crypto/tls exposes no non-blocking
// Read/Write), and internal/admission for the one other lock this model
// still needs because of it.
package main

import (
	"crypto/tls"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mawis/jabberd-sub000/internal/admission"
	"github.com/mawis/jabberd-sub000/internal/c2sconn"
	"github.com/mawis/jabberd-sub000/internal/config"
	"github.com/mawis/jabberd-sub000/internal/log"
	"github.com/mawis/jabberd-sub000/internal/netio"
	"github.com/mawis/jabberd-sub000/internal/prepcache"
	"github.com/mawis/jabberd-sub000/internal/reactor"
	"github.com/mawis/jabberd-sub000/internal/router"
	"github.com/mawis/jabberd-sub000/internal/stats"
	"github.com/mawis/jabberd-sub000/stream"
)

func main() {
	os.Exit(run())
}

// daemon holds the state the reactor's single goroutine drives. active is
// mutated only from that goroutine: acceptOne inserts, a connection's own
// terminal transition or beginTLSUpgrade's handoff removes. A connection
// handed off to its own TLS goroutine leaves active entirely, so nothing
// here ever needs a lock for it; detached tracks exactly those connections,
// and does need one, since shutdown (the main goroutine) walks it while a
// TLS goroutine may concurrently remove itself. See internal/admission for
// the other lock this same exception requires.
type daemon struct {
	cfg        *config.Config
	link       *router.Link
	admitTable *admission.Table
	pending    *admission.Pending
	prep       *prepcache.Cache
	counters   *stats.Counters
	tlsConfig  *tls.Config
	re         *reactor.Reactor

	active map[reactor.Handle]*clientConn

	saslMechs        []string
	newAuthenticator func() *c2sconn.SASLAuthenticator

	detachedSet
}

func run() int {
	cfgPath := flag.String("config", "/etc/jabberd-sub000/c2sd.yml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Error(err)
		return 1
	}

	link := router.NewLink(cfg.Router.Addr, cfg.Router.ComponentID, []byte(cfg.Router.Secret),
		cfg.Router.RetryCount, cfg.Router.RetryDelay)
	link.OnPermanentFailure = func(err error) {
		log.Errorf("router link permanently failed: %v", err)
		os.Exit(1)
	}
	if err := link.Connect(); err != nil {
		log.Error(err)
		return 1
	}

	d := &daemon{
		cfg:        cfg,
		link:       link,
		admitTable: admission.NewTable(cfg.Admission.Window, cfg.Admission.Limit),
		pending:    admission.NewPending(),
		prep:       prepcache.New(),
		counters:   &stats.Counters{},
		active:     make(map[reactor.Handle]*clientConn),
	}
	d.detachedSet.init()
	// Pending.Sweep runs on the reactor goroutine (it's wired as a ticker
	// below), so a handle still owned by the reactor can be closed directly
	// from this callback. A handle that has been detached to its own TLS
	// goroutine only has its net.Conn closed from here, which ends that
	// goroutine's blocking read; see clientConn.onAuthTimeout.
	d.pending.OnTimeout = func(h interface{}) {
		if c, ok := h.(*clientConn); ok {
			c.onAuthTimeout()
		}
	}

	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			log.Error(err)
			return 1
		}
		d.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	if len(cfg.Auth.Users) > 0 {
		users := cfg.Auth.Users
		lookup := c2sconn.Credential(func(identity []byte) ([]byte, bool) {
			pass, ok := users[string(identity)]
			return []byte(pass), ok
		})
		d.saslMechs = []string{"PLAIN"}
		d.newAuthenticator = func() *c2sconn.SASLAuthenticator {
			return c2sconn.NewPlainAuthenticator(lookup)
		}
	}

	re, err := reactor.New()
	if err != nil {
		log.Error(err)
		return 1
	}
	d.re = re
	re.OnWake = d.onWake

	var listeners []net.Listener
	for _, l := range cfg.Listeners {
		ln, err := net.Listen("tcp", l.Addr)
		if err != nil {
			log.Error(err)
			return 1
		}
		listeners = append(listeners, ln)

		isTLS := l.TLS
		fd, err := netio.ListenerFd(ln)
		if err != nil {
			log.Error(err)
			return 1
		}
		if err := re.AddListener(fd, func() { d.acceptOne(ln, isTLS) }); err != nil {
			log.Error(err)
			return 1
		}
	}

	// Housekeeping runs as reactor tickers, per the single self-pipe-driven
	// scheduler the component design calls for, rather than one sleep-loop
	// goroutine per concern. The karma ticker both restores every
	// reactor-owned connection's bucket and re-arms readable-interest for
	// any that just unblocked; detached TLS connections tick their own
	// bucket in serveBlocking instead.
	re.AddTicker(2*time.Second, d.tickKarma)
	re.AddTicker(stats.Interval, d.counters.WriteOut)
	re.AddTicker(15*time.Second, func() { d.pending.Sweep(cfg.AuthTimeout) })
	re.AddTicker(cfg.Admission.Window, d.admitTable.Sweep)
	re.AddTicker(60*time.Second, d.prep.Sweep)

	runDone := make(chan error, 1)
	go func() { runDone <- re.Run() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-runDone:
		if err != nil {
			log.Errorf("c2sd: reactor stopped: %v", err)
		}
	}

	log.Infof("c2sd: shutting down")
	sweeper := &stats.ShutdownSweeper{CloseAll: d.closeAll}
	sweeper.Run()
	re.Stop()
	for _, ln := range listeners {
		ln.Close()
	}
	link.Close()
	return 0
}

// tickKarma restores every reactor-owned connection's karma bucket by one
// heartbeat step and re-arms readable-interest for any that just
// transitioned out of blocked. Detached (TLS-owned) connections tick their
// own bucket on their own goroutine; see clientConn.runTLS.
func (d *daemon) tickKarma() {
	for _, c := range d.active {
		if c.io.Karma.Tick() {
			c.rearm()
		}
	}
}

// onWake drains every reactor-owned connection's inbound router-link
// deliveries. router.Link's readLoop runs on its own goroutine (it cannot
// register its own fd on this epoll instance) and calls Wake after
// enqueueing, which is what lands us here.
func (d *daemon) onWake() {
	for _, c := range d.active {
		c.drainInbound()
		if c.closed {
			c.closeNow()
		}
	}
}

// closeAll sends every live connection, reactor-owned or detached, a
// system-shutdown stream error, for the graceful-shutdown sweep.
// Reactor-owned connections are only ever touched from the reactor
// goroutine, so this runs synchronously there via Wake; detached
// connections are closed directly, since each owns only itself.
func (d *daemon) closeAll() {
	done := make(chan struct{})
	d.re.OnWake = func() {
		for _, c := range d.active {
			c.fail(stream.SystemShutdown)
		}
		close(done)
	}
	d.re.Wake()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	for _, c := range d.detachedSet.snapshot() {
		c.fail(stream.SystemShutdown)
	}
}

// acceptOne accepts exactly one connection from ln. The reactor only calls
// this once epoll has reported the listening socket readable, so Accept is
// guaranteed not to block.
func (d *daemon) acceptOne(ln net.Listener, isTLS bool) {
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

	if isTLS && d.tlsConfig != nil {
		d.beginImplicitTLS(conn)
		return
	}
	d.beginPlaintext(conn)
}

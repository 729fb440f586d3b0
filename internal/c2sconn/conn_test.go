// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package c2sconn

import (
	"net"
	"strings"
	"testing"

	"github.com/mawis/jabberd-sub000/internal/karma"
	"github.com/mawis/jabberd-sub000/internal/netio"
	"github.com/mawis/jabberd-sub000/internal/router"
	"github.com/mawis/jabberd-sub000/internal/xmppio"
)

func newTestConn(t *testing.T, version string) *Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	io := netio.New(server, karma.New(karma.Config{Init: 5, Max: 10, Restore: 5}))
	cfg := Config{Domain: "example.com", TLSAvailable: true, SASLMechs: []string{"PLAIN"}}
	return New(cfg, io, netio.VariantXMPP)
}

func TestRootOpenEmitsFeatures(t *testing.T) {
	c := newTestConn(t, "1.0")
	writes, err := c.onRootOpen(xmppio.RootOpen{To: "example.com", Version: "1.0"})
	if err != nil {
		t.Fatalf("onRootOpen: %v", err)
	}
	if len(writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(writes))
	}
	out := string(writes[0])
	if !strings.Contains(out, "<stream:stream") {
		t.Errorf("missing stream root: %s", out)
	}
	if !strings.Contains(out, "<starttls") {
		t.Errorf("missing starttls feature: %s", out)
	}
	if !strings.Contains(out, "<mechanism>PLAIN</mechanism>") {
		t.Errorf("missing SASL mechanism: %s", out)
	}
	if c.State() != StateNone {
		t.Errorf("state = %v, want NONE", c.State())
	}
}

func TestRootOpenWrongDomainIsHostUnknown(t *testing.T) {
	c := newTestConn(t, "1.0")
	_, err := c.onRootOpen(xmppio.RootOpen{To: "other.example", Version: "1.0"})
	if err == nil || err.Error() != "host-unknown" {
		t.Fatalf("got err %v, want host-unknown", err)
	}
}

func TestLegacyVersionHasNoFeatures(t *testing.T) {
	c := newTestConn(t, "")
	writes, err := c.onRootOpen(xmppio.RootOpen{To: "example.com"})
	if err != nil {
		t.Fatalf("onRootOpen: %v", err)
	}
	if strings.Contains(string(writes[0]), "stream:features") {
		t.Errorf("legacy stream should not advertise 1.0 features: %s", writes[0])
	}
}

func TestDeliverRouteEnqueuesOrdinaryTrafficToWriteQueue(t *testing.T) {
	c := newTestConn(t, "1.0")
	c.state = StateOpen

	c.DeliverRoute(router.Route{To: c.myid, From: c.smid, Payload: []byte("<message/>")})

	select {
	case ev := <-c.Inbound():
		writes, err := c.HandleInbound(ev)
		if err != nil {
			t.Fatalf("HandleInbound: %v", err)
		}
		if len(writes) != 0 {
			t.Fatalf("ordinary traffic should go straight to the write queue, not be returned: %v", writes)
		}
		if c.io.Queue.Empty() {
			t.Fatal("ordinary traffic was not placed on the write queue")
		}
	default:
		t.Fatal("DeliverRoute did not enqueue onto Inbound()")
	}
}

func TestDeliverRouteErrorClosesConnection(t *testing.T) {
	c := newTestConn(t, "1.0")

	c.DeliverRoute(router.Route{Type: router.RouteError, Payload: []byte("<error><text>bye</text></error>")})

	ev := <-c.Inbound()
	_, err := c.HandleInbound(ev)
	if err == nil {
		t.Fatal("expected a terminal error from a RouteError delivery")
	}
}

func TestDeliverControlStartedCompletesSession(t *testing.T) {
	c := newTestConn(t, "1.0")
	c.pendingSessionReqID = "req-1"

	c.DeliverControl(router.SessionControl{Action: router.ActionStarted, SM: "sm-1"})

	ev := <-c.Inbound()
	writes, err := c.HandleInbound(ev)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(writes) == 0 {
		t.Fatal("expected a reply to the pending session IQ")
	}
	if c.State() != StateOpen {
		t.Errorf("state = %v, want OPEN", c.State())
	}
	if c.smid != "sm-1" {
		t.Errorf("smid = %q, want sm-1", c.smid)
	}
}

func TestDeliverControlEndedIsTerminal(t *testing.T) {
	c := newTestConn(t, "1.0")
	c.state = StateOpen

	c.DeliverControl(router.SessionControl{Action: router.ActionEnded})

	ev := <-c.Inbound()
	_, err := c.HandleInbound(ev)
	if err == nil {
		t.Fatal("expected ActionEnded to report a terminal error")
	}
}

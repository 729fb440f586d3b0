// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package s2sconn

import (
	"encoding/xml"
	"net"
	"strings"
	"testing"

	"github.com/mawis/jabberd-sub000/internal/dialback"
	"github.com/mawis/jabberd-sub000/internal/karma"
	"github.com/mawis/jabberd-sub000/internal/netio"
	"github.com/mawis/jabberd-sub000/internal/xmppio"
)

func newTestConn(t *testing.T, allowLegacy bool) *Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	io := netio.New(server, karma.New(karma.Config{Init: 5, Max: 10, Restore: 5}))
	cfg := Config{
		Domain:      "local.example",
		AllowLegacy: allowLegacy,
		Table:       dialback.NewTable("secret"),
		Deliver:     func(from, to string, payload []byte) {},
	}
	return New(cfg, io, true)
}

func TestRejectsLegacyWhenNotAllowed(t *testing.T) {
	c := newTestConn(t, false)
	_, err := c.HandleRootOpen(xmppio.RootOpen{From: "remote.example", ID: "s1"})
	if err == nil || err.Error() != "not-authorized" {
		t.Fatalf("got err %v, want not-authorized", err)
	}
}

func TestAcceptsDialbackPeer(t *testing.T) {
	c := newTestConn(t, false)
	root := xmppio.RootOpen{
		From: "remote.example", ID: "s1",
		Attr: []xml.Attr{{Name: xml.Name{Space: "xmlns", Local: "db"}, Value: "jabber:server:dialback"}},
	}
	writes, err := c.HandleRootOpen(root)
	if err != nil {
		t.Fatalf("HandleRootOpen: %v", err)
	}
	if !strings.Contains(string(writes[0]), "xmlns:db=") {
		t.Errorf("expected our root to advertise xmlns:db, got %s", writes[0])
	}
}

func TestDBVerifyRoundTrip(t *testing.T) {
	c := newTestConn(t, true)
	tbl := c.cfg.Table
	hash := tbl.HashResult("local.example", "stream-1")

	ev := xmppio.Event{
		Stanza: stanzaStart("verify", map[string]string{"id": "stream-1"}),
		Tokens: charDataTokens(hash),
	}
	writes, err := c.handleDBVerify(ev, "remote.example", "local.example")
	if err != nil {
		t.Fatalf("handleDBVerify: %v", err)
	}
	if !strings.Contains(string(writes[0]), "type='valid'") {
		t.Errorf("expected type='valid', got %s", writes[0])
	}
}

func stanzaStart(local string, attrs map[string]string) xml.StartElement {
	se := xml.StartElement{Name: xml.Name{Local: local}}
	for k, v := range attrs {
		se.Attr = append(se.Attr, xml.Attr{Name: xml.Name{Local: k}, Value: v})
	}
	return se
}

func charDataTokens(s string) []xml.Token {
	return []xml.Token{xml.CharData(s)}
}

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package s2sconn implements the peer-server connection variant: the same
// stream-root/state-machine shape as internal/c2sconn, but authenticating
// peers via XEP-0220 dialback instead of SASL/bind, and routing validated
// traffic directly rather than across a session-manager link.
package s2sconn

import (
	"encoding/xml"
	"fmt"

	"github.com/mawis/jabberd-sub000/internal/dialback"
	"github.com/mawis/jabberd-sub000/internal/netio"
	"github.com/mawis/jabberd-sub000/internal/xmppio"
	"github.com/mawis/jabberd-sub000/stream"
)

const dbNS = "jabber:server:dialback"

// Config carries the parameters a peer Conn needs.
type Config struct {
	Domain      string
	AllowLegacy bool
	Table       *dialback.Table
	// Deliver forwards a validated stanza to the rest of the gateway (the
	// router link, in this repo's topology).
	Deliver func(from, to string, payload []byte)
}

// Conn is one accepted (or initiated) peer connection.
type Conn struct {
	cfg Config

	io     *netio.IO
	parser *xmppio.Parser

	incoming   bool
	streamID   string
	peerDomain string
	dbOffered  bool
}

// New creates a peer Conn. incoming indicates this socket was accepted
// rather than dialed out.
func New(cfg Config, io *netio.IO, incoming bool) *Conn {
	p := xmppio.New("jabber:server")
	return &Conn{cfg: cfg, io: io, parser: p, incoming: incoming}
}

// Parser returns the connection's XML event parser.
func (c *Conn) Parser() *xmppio.Parser { return c.parser }

// HandleRootOpen validates the peer's stream root and replies with our own,
// rejecting legacy (non-dialback) peers unless AllowLegacy is set.
func (c *Conn) HandleRootOpen(root xmppio.RootOpen) ([][]byte, error) {
	c.peerDomain = root.From
	c.streamID = root.ID

	var offersDB bool
	for _, a := range root.Attr {
		if a.Name.Local == "db" && a.Name.Space == "xmlns" {
			offersDB = true
		}
	}
	if !offersDB && !c.cfg.AllowLegacy {
		return nil, stream.NotAuthorized
	}
	c.dbOffered = offersDB

	b := []byte(fmt.Sprintf(
		"<?xml version='1.0'?><stream:stream xmlns='jabber:server' xmlns:db='%s' xmlns:stream='http://etherx.jabber.org/streams' from='%s' id='%s'>",
		dbNS, c.cfg.Domain, c.streamID,
	))
	return [][]byte{b}, nil
}

// SendDialbackResult opens dialback toward peer by sending <db:result> on an
// outbound connection, using streamID from the peer's root.
func (c *Conn) SendDialbackResult(to, streamID string) []byte {
	hash := c.cfg.Table.HashResult(to, streamID)
	return []byte(fmt.Sprintf("<db:result to='%s' from='%s'>%s</db:result>", to, c.cfg.Domain, hash))
}

// HandleStanza dispatches a second-level stream child: db:result, db:verify,
// or (once valid) ordinary stanza traffic.
func (c *Conn) HandleStanza(ev xmppio.Event, from, to string) ([][]byte, error) {
	switch ev.Stanza.Name.Local {
	case "result":
		return c.handleDBResult(ev, from, to)
	case "verify":
		return c.handleDBVerify(ev, from, to)
	default:
		key := dialback.Key{From: from, To: to}
		if !c.validOrRecentlyValid(key) {
			return nil, stream.NotAuthorized
		}
		c.cfg.Deliver(from, to, encodeTokens(ev.Tokens))
		return nil, nil
	}
}

func (c *Conn) validOrRecentlyValid(key dialback.Key) bool {
	e := c.cfg.Table.Entry(key, c.incoming)
	return e.Valid || c.cfg.Table.RecentlyValid(key)
}

// handleDBResult records an inbound <db:result> as a pending host entry for
// the (from, to) pair and writes nothing back. It does not send a
// <db:verify> for the received key to the claimed source, and nothing in
// cmd/s2sd calls ResolveVerify.
func (c *Conn) handleDBResult(ev xmppio.Event, from, to string) ([][]byte, error) {
	hash := string(textContent(ev.Tokens))
	key := dialback.Key{From: from, To: to}
	c.cfg.Table.Entry(key, true)
	_ = hash // not used further
	return nil, nil
}

// ResolveVerify is called once the out-of-band <db:verify> reply for key
// comes back, replying type="valid"/"invalid" to the original <db:result>
// sender and flushing the queue on success.
func (c *Conn) ResolveVerify(key dialback.Key, valid bool) ([][]byte, [][]byte) {
	typ := "invalid"
	if valid {
		typ = "valid"
	}
	reply := []byte(fmt.Sprintf("<db:result to='%s' from='%s' type='%s'/>", key.From, key.To, typ))
	var flushed [][]byte
	if valid {
		flushed = c.cfg.Table.MarkValid(key)
	}
	return [][]byte{reply}, flushed
}

func (c *Conn) handleDBVerify(ev xmppio.Event, from, to string) ([][]byte, error) {
	id := attrValue(ev.Stanza, "id")
	got := string(textContent(ev.Tokens))
	ok := c.cfg.Table.VerifyResult(to, id, got)
	typ := "invalid"
	if ok {
		typ = "valid"
	}
	reply := []byte(fmt.Sprintf("<db:verify from='%s' to='%s' id='%s' type='%s'/>", to, from, id, typ))
	return [][]byte{reply}, nil
}

func attrValue(start xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func textContent(tokens []xml.Token) []byte {
	var buf []byte
	for _, tok := range tokens {
		if cd, ok := tok.(xml.CharData); ok {
			buf = append(buf, cd...)
		}
	}
	return buf
}

func encodeTokens(tokens []xml.Token) []byte {
	var buf []byte
	for _, tok := range tokens {
		b, _ := xml.Marshal(tok)
		buf = append(buf, b...)
	}
	return buf
}

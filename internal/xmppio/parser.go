// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package xmppio binds the standard library's encoding/xml tokenizer into
// the three event kinds the connection state machine consumes: a root-open
// fired once per stream, a stanza fired for each completed second-level
// child of the stream root (detached from the growing document so memory
// is bounded), and a terminal end or error event.
//
// Parser is push-driven rather than pull-driven: the reactor feeds it bytes
// as they arrive off a non-blocking socket and asks for the next event,
// which may or may not be available yet. encoding/xml.Decoder caches the
// first error its Read returns and replays it forever after, so a decoder
// fed by a reader that returns a recoverable "nothing to read yet" error
// would be permanently poisoned the first time the peer paused mid-element.
// Parser sidesteps this by never reusing a Decoder across a failed attempt:
// each Next call opens a fresh xml.Decoder over whatever has been buffered
// and not yet consumed, and only commits the buffer/position advance
// (via Decoder.InputOffset) once a complete token sequence comes back.
package xmppio

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"

	"github.com/mawis/jabberd-sub000/stream"
)

const (
	streamNS = "http://etherx.jabber.org/streams"
	flashNS  = "http://www.jabber.com/streams/flash"
	maxDepth = 10000

	// maxPending bounds how many not-yet-tokenized bytes Parser will buffer
	// waiting for one element to complete, guarding against a peer that
	// never closes a tag.
	maxPending = 64 * 1024
)

// RootOpen describes the stream-opening element.
type RootOpen struct {
	Name    xml.Name
	Attr    []xml.Attr
	Version string
	To      string
	From    string
	ID      string
}

// EventKind tags which field of Event is populated.
type EventKind int

const (
	EventRootOpen EventKind = iota
	EventStanza
	EventEnd
	EventError
)

// Event is one parser event. Exactly one of Root/Stanza/Err is meaningful,
// selected by Kind.
type Event struct {
	Kind   EventKind
	Root   RootOpen
	Stanza xml.StartElement
	// Tokens holds the full token sequence of one completed stanza subtree,
	// from its opening StartElement to its matching EndElement inclusive.
	Tokens []xml.Token
	Err    error
}

// Parser incrementally parses a peer's XML byte stream from bytes handed to
// it via Feed; it holds no reference to the socket itself.
type Parser struct {
	buf       []byte
	depth     int
	sawRoot   bool
	expectNS  string // jabber:client or jabber:server, set by caller
	flashMode bool
}

// New returns a Parser bound to expectNS, the default namespace the stream
// root must advertise (jabber:client for c2s, jabber:server for s2s); a
// mismatch yields an invalid-namespace error.
func New(expectNS string) *Parser {
	return &Parser{expectNS: expectNS}
}

// FlashMode reports whether the root element observed was the Flash
// sub-variant's self-closing flash:stream.
func (p *Parser) FlashMode() bool { return p.flashMode }

// Reset reinitializes the parser for a new stream header, discarding any
// buffered bytes: used after STARTTLS (the plaintext tail is not part of
// the encrypted stream) and after SASL success (reset_stream).
func (p *Parser) Reset() {
	p.buf = nil
	p.depth = 0
	p.sawRoot = false
	p.flashMode = false
}

// Feed appends freshly read bytes to the parser's pending buffer. The
// caller owns the slice; Feed copies it.
func (p *Parser) Feed(b []byte) {
	if len(b) == 0 {
		return
	}
	p.buf = append(p.buf, b...)
}

// Pending reports how many bytes are buffered and not yet tokenized into a
// completed event, the signal a connection's WantReadable uses together
// with karma to decide whether to keep accepting more off the wire.
func (p *Parser) Pending() int { return len(p.buf) }

// Next attempts to produce the next event from whatever has been Fed so
// far. It returns ok=false, without consuming anything, when the buffered
// bytes do not yet contain one complete token sequence; the caller should
// wait for more bytes (Feed) and try again rather than treat this as EOF.
func (p *Parser) Next() (Event, bool) {
	if len(p.buf) == 0 {
		return Event{}, false
	}
	if len(p.buf) > maxPending {
		return Event{Kind: EventError, Err: stream.PolicyViolation}, true
	}
	if p.sawRoot && p.depth == 1 {
		// A fresh Decoder rejects the root's closing tag as unmatched, so
		// it is recognized here instead.
		if rest := bytes.TrimLeft(p.buf, " \t\r\n"); bytes.HasPrefix(rest, []byte("</")) {
			end := bytes.IndexByte(rest, '>')
			if end < 0 {
				return Event{}, false
			}
			p.depth = 0
			p.buf = append([]byte(nil), rest[end+1:]...)
			return Event{Kind: EventEnd}, true
		}
	}

	dec := xml.NewDecoder(bytes.NewReader(p.buf))
	depth := p.depth
	sawRoot := p.sawRoot
	var stanzaTokens []xml.Token
	var stanzaStart xml.StartElement
	inStanza := false

	for {
		tok, err := dec.Token()
		if err != nil {
			var se *xml.SyntaxError
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
				(errors.As(err, &se) && se.Msg == "unexpected EOF") {
				// Not yet enough buffered data for a complete token; leave
				// buf and all parser state untouched for the next Feed.
				return Event{}, false
			}
			p.buf = nil
			return Event{Kind: EventError, Err: stream.BadFormat}, true
		}

		switch t := tok.(type) {
		case xml.ProcInst, xml.Comment, xml.Directive:
			p.commit(dec, depth, sawRoot)
			return Event{Kind: EventError, Err: stream.RestrictedXML}, true

		case xml.StartElement:
			depth++
			if depth > maxDepth {
				p.commit(dec, depth, sawRoot)
				return Event{Kind: EventError, Err: stream.PolicyViolation}, true
			}

			if !sawRoot {
				if t.Name.Space == flashNS {
					// Flash sub-variant: self-closing flash:stream root. Its
					// implied end tag is skipped and depth stays at 1, as if
					// a <stream:stream> root were open, so later stanzas
					// parse as descendants rather than siblings of a closed
					// document.
					sawRoot = true
					p.flashMode = true
					p.commit(dec, depth, sawRoot)
					return Event{Kind: EventRootOpen, Root: RootOpen{Name: t.Name, Attr: t.Attr}}, true
				}
				root, rerr := p.parseRoot(t)
				sawRoot = true
				p.commit(dec, depth, sawRoot)
				if rerr != nil {
					return Event{Kind: EventError, Err: rerr}, true
				}
				return Event{Kind: EventRootOpen, Root: root}, true
			}

			if depth == 2 && !inStanza {
				inStanza = true
				stanzaStart = t
				stanzaTokens = append(stanzaTokens, xml.CopyToken(t))
				continue
			}
			if inStanza {
				stanzaTokens = append(stanzaTokens, xml.CopyToken(t))
			}

		case xml.EndElement:
			depth--
			if depth == 0 {
				p.commit(dec, depth, sawRoot)
				return Event{Kind: EventEnd}, true
			}
			if inStanza {
				stanzaTokens = append(stanzaTokens, xml.CopyToken(t))
				if depth == 1 {
					p.commit(dec, depth, sawRoot)
					return Event{Kind: EventStanza, Stanza: stanzaStart, Tokens: stanzaTokens}, true
				}
			}

		case xml.CharData:
			if inStanza {
				stanzaTokens = append(stanzaTokens, xml.CopyToken(t))
			}
		}
	}
}

// commit persists the depth/sawRoot reached by a successful attempt and
// advances buf past the bytes that attempt's Decoder consumed.
func (p *Parser) commit(dec *xml.Decoder, depth int, sawRoot bool) {
	p.depth = depth
	p.sawRoot = sawRoot
	off := dec.InputOffset()
	if off < 0 || int(off) >= len(p.buf) {
		p.buf = nil
		return
	}
	p.buf = append([]byte(nil), p.buf[off:]...)
}

func (p *Parser) parseRoot(t xml.StartElement) (RootOpen, error) {
	root := RootOpen{Name: t.Name, Attr: t.Attr}

	if t.Name.Space != streamNS || t.Name.Local != "stream" {
		return root, stream.InvalidNamespace
	}

	var sawDefaultNS bool
	for _, a := range t.Attr {
		switch {
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			sawDefaultNS = true
			if a.Value != p.expectNS {
				return root, stream.InvalidNamespace
			}
		case a.Name.Local == "to":
			root.To = a.Value
		case a.Name.Local == "from":
			root.From = a.Value
		case a.Name.Local == "version":
			root.Version = a.Value
		case a.Name.Local == "id":
			root.ID = a.Value
		}
	}
	if !sawDefaultNS {
		return root, stream.InvalidNamespace
	}
	if root.To == "" {
		return root, stream.HostUnknown
	}
	return root, nil
}

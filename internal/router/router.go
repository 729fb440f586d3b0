// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package router implements the single persistent link to the session
// manager: the component-protocol handshake, <route> envelope framing, the
// newer session-control protocol (start/started/end/ended), inbound
// routing by target lookup, and reconnect-with-retry carrying the old
// write queue forward.
package router

import (
	"crypto/sha1"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mawis/jabberd-sub000/internal/log"
	"github.com/mawis/jabberd-sub000/stream"
)

const sessionControlNS = "http://jabberd.jabberstudio.org/ns/session/1.0"

// RouteType distinguishes the legacy pre-authentication route wrappers from
// ordinary traffic (an empty Type).
type RouteType string

const (
	RouteAuth    RouteType = "auth"
	RouteSession RouteType = "session"
	RouteError   RouteType = "error"
)

// Route is one <route> envelope exchanged with the session manager.
type Route struct {
	To, From string
	Type     RouteType
	Payload  []byte // the raw child element(s), already serialized
}

// Action is a session-control action.
type Action string

const (
	ActionStart   Action = "start"
	ActionStarted Action = "started"
	ActionEnd     Action = "end"
	ActionEnded   Action = "ended"
)

// SessionControl is one <sc:session> element.
type SessionControl struct {
	Action Action
	C2S    string
	SM     string
	Target string
	ID     string
}

// Target is anything a Route or SessionControl can be delivered to: a local
// client (or peer) connection. DeliverRoute/DeliverControl are called from
// the Link's own readLoop goroutine, not the target connection's goroutine,
// so implementations must hand the event off to their owning goroutine
// (typically via a buffered channel it alone drains) rather than mutating
// connection state directly.
type Target interface {
	// DeliverRoute hands one inbound <route> frame to the connection. A
	// Target implementation switches on r.Type itself: an empty Type is
	// ordinary OPEN-state traffic unwrapped straight to the write queue;
	// RouteAuth/RouteSession carry the legacy pre-session handshake
	// replies; RouteError carries an SM-initiated close.
	DeliverRoute(r Route)
	// DeliverControl hands a session-control reply to the connection so it
	// can reply to the client's pending bind/session IQ, or close on ended.
	DeliverControl(sc SessionControl)
}

// Link is the router's outbound connection to the session manager.
type Link struct {
	addr        string
	componentID string
	secret      []byte
	retryCount  int
	retryDelay  time.Duration

	mu      sync.Mutex
	conn    net.Conn
	queue   [][]byte
	closing bool

	byLegacyKey map[string]Target // "c2s_id@sm_domain/res"
	bySCC2S     map[string]Target // sc:c2s

	// OnPermanentFailure is invoked if every reconnect attempt is exhausted;
	// per the component design there is no useful operation without this
	// link, so the process is expected to exit from this callback.
	OnPermanentFailure func(error)
}

// NewLink constructs a Link that is not yet connected; call Connect to
// perform the initial handshake.
func NewLink(addr, componentID string, secret []byte, retryCount int, retryDelay time.Duration) *Link {
	return &Link{
		addr:        addr,
		componentID: componentID,
		secret:      secret,
		retryCount:  retryCount,
		retryDelay:  retryDelay,
		byLegacyKey: make(map[string]Target),
		bySCC2S:     make(map[string]Target),
	}
}

// Register associates a routing key with a Target so inbound routes with
// that key are delivered to it.
func (l *Link) Register(legacyKey string, t Target) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byLegacyKey[legacyKey] = t
}

// RegisterSC associates a session-control c2s id with a Target.
func (l *Link) RegisterSC(scC2S string, t Target) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bySCC2S[scC2S] = t
}

// Unregister removes both keying schemes for a connection that has closed.
func (l *Link) Unregister(legacyKey, scC2S string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byLegacyKey, legacyKey)
	delete(l.bySCC2S, scC2S)
}

// Connect opens the TCP connection, sends the component-protocol stream
// header, and completes the sha1(stream_id||secret) handshake. On failure
// after exhausting retries the caller should treat this as fatal.
func (l *Link) Connect() error {
	var lastErr error
	for attempt := 0; attempt <= l.retryCount; attempt++ {
		if attempt > 0 {
			time.Sleep(l.retryDelay)
		}
		conn, err := net.Dial("tcp", l.addr)
		if err != nil {
			lastErr = err
			continue
		}
		id, err := l.handshake(conn)
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		l.mu.Lock()
		l.conn = conn
		pending := l.queue
		l.queue = nil
		l.mu.Unlock()
		log.Infof("router: connected to session manager, stream id %s", id)

		for i, chunk := range pending {
			if _, err := conn.Write(chunk); err != nil {
				l.mu.Lock()
				l.queue = append(append([][]byte(nil), pending[i:]...), l.queue...)
				l.mu.Unlock()
				break
			}
		}
		go l.readLoop(conn)
		return nil
	}
	if l.OnPermanentFailure != nil {
		l.OnPermanentFailure(lastErr)
	}
	return fmt.Errorf("router: could not connect after %d attempts: %w", l.retryCount+1, lastErr)
}

func (l *Link) handshake(conn net.Conn) (string, error) {
	_, err := fmt.Fprintf(conn, "<stream:stream xmlns='jabber:component:accept' xmlns:stream='http://etherx.jabber.org/streams' to='%s'>", l.componentID)
	if err != nil {
		return "", err
	}
	dec := xml.NewDecoder(conn)
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != "stream" {
		return "", errors.New("router: expected stream:stream from session manager")
	}
	var id string
	for _, a := range start.Attr {
		if a.Name.Local == "id" {
			id = a.Value
		}
	}
	if id == "" {
		return "", errors.New("router: session manager did not send a stream id")
	}

	h := sha1.New()
	h.Write([]byte(id))
	h.Write(l.secret)
	if _, err := fmt.Fprintf(conn, "<handshake>%x</handshake>", h.Sum(nil)); err != nil {
		return "", err
	}
	tok, err = dec.Token()
	if err != nil {
		return "", err
	}
	start, ok = tok.(xml.StartElement)
	if !ok {
		return "", errors.New("router: expected handshake ack or error")
	}
	switch start.Name.Local {
	case "handshake":
		return id, dec.Skip()
	case "error":
		return "", stream.NotAuthorized
	default:
		return "", fmt.Errorf("router: unexpected element %s from session manager", start.Name.Local)
	}
}

// routeWire and scWire mirror the wire shape of an inbound <route> or
// <sc:session> frame closely enough for encoding/xml to decode attributes
// and capture the route's raw child payload via innerxml.
type routeWire struct {
	XMLName  xml.Name
	To       string `xml:"to,attr"`
	From     string `xml:"from,attr"`
	Type     string `xml:"type,attr"`
	InnerXML []byte `xml:",innerxml"`
}

type scWire struct {
	XMLName xml.Name
	Action  string `xml:"action,attr"`
	C2S     string `xml:"c2s,attr"`
	SM      string `xml:"sm,attr"`
	Target  string `xml:"target,attr"`
	ID      string `xml:"id,attr"`
}

// readLoop decodes frames off conn until it errors or the link is closing,
// dispatching each to its registered Target as it arrives. Target
// implementations must not mutate connection state directly from this
// call: they hand the event to their own owning goroutine (see
// c2sconn.Conn's inbound channel) since this goroutine belongs to the link,
// not to any one connection.
func (l *Link) readLoop(conn net.Conn) {
	dec := xml.NewDecoder(conn)
	for {
		tok, err := dec.Token()
		if err != nil {
			l.mu.Lock()
			closing := l.closing
			stale := l.conn != conn
			if !stale {
				l.conn = nil
			}
			l.mu.Unlock()
			if closing || stale {
				return
			}
			log.Warnf("router: link read error: %v", err)
			go l.reconnect()
			return
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch {
		case start.Name.Local == "route":
			var rw routeWire
			if err := dec.DecodeElement(&rw, &start); err != nil {
				log.Warnf("router: malformed route frame: %v", err)
				continue
			}
			l.Dispatch(Route{
				To: rw.To, From: rw.From, Type: RouteType(rw.Type), Payload: rw.InnerXML,
			}, nil)
		case start.Name.Local == "session" && start.Name.Space == sessionControlNS:
			var sw scWire
			if err := dec.DecodeElement(&sw, &start); err != nil {
				log.Warnf("router: malformed session-control frame: %v", err)
				continue
			}
			sc := SessionControl{Action: Action(sw.Action), C2S: sw.C2S, SM: sw.SM, Target: sw.Target, ID: sw.ID}
			l.Dispatch(Route{}, &sc)
		default:
			if err := dec.Skip(); err != nil {
				return
			}
		}
	}
}

// send writes b on the live connection, queueing it for replay if the link
// is currently down.
func (l *Link) send(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		l.queue = append(l.queue, b)
		return
	}
	if _, err := l.conn.Write(b); err != nil {
		l.queue = append(l.queue, b)
		l.conn = nil
		go l.reconnect()
	}
}

func (l *Link) reconnect() {
	l.mu.Lock()
	closing := l.closing
	l.mu.Unlock()
	if closing {
		return
	}
	if err := l.Connect(); err != nil {
		log.Error(err)
	}
}

// SendRoute wraps payload in a <route> envelope and sends it.
func (l *Link) SendRoute(r Route) {
	var typeAttr string
	if r.Type != "" {
		typeAttr = fmt.Sprintf(" type='%s'", r.Type)
	}
	b := []byte(fmt.Sprintf("<route to='%s' from='%s'%s>%s</route>", r.To, r.From, typeAttr, r.Payload))
	l.send(b)
}

// SendSessionControl sends a <sc:session> element requesting or
// acknowledging a session-control action.
func (l *Link) SendSessionControl(sc SessionControl) {
	b := []byte(fmt.Sprintf(
		"<sc:session xmlns:sc='%s' action='%s' sc:c2s='%s' sc:sm='%s' target='%s' id='%s'/>",
		sessionControlNS, sc.Action, sc.C2S, sc.SM, sc.Target, sc.ID,
	))
	l.send(b)
}

// NewRequestID returns a fresh, collision-resistant session-control request
// id, replacing jadc2s's time()-seeded ids.
func NewRequestID() string {
	return uuid.NewString()
}

// BounceQueue re-sends every queued outbound stanza to the session manager
// tagged type="error", per the write-queue bounce policy, given the
// connection's legacy routing identifiers.
func (l *Link) BounceQueue(to, from string, tags [][]byte) {
	for _, payload := range tags {
		l.SendRoute(Route{To: to, From: from, Type: RouteError, Payload: payload})
	}
}

// Dispatch routes one inbound frame to the registered Target, per the
// target-connection lookup rules. Called from readLoop; Target
// implementations are responsible for not mutating their own connection
// state on this goroutine (see Target's doc comment).
func (l *Link) Dispatch(r Route, sc *SessionControl) {
	l.mu.Lock()
	var target Target
	var ok bool
	if sc != nil {
		target, ok = l.bySCC2S[sc.C2S]
	} else {
		target, ok = l.byLegacyKey[r.To]
	}
	l.mu.Unlock()

	if !ok {
		if sc != nil {
			log.Warnf("router: session-control target %s not found (action=%s)", sc.C2S, sc.Action)
		} else {
			log.Warnf("router: no target registered for route to=%s", r.To)
		}
		return
	}
	if sc != nil {
		target.DeliverControl(*sc)
		return
	}
	target.DeliverRoute(r)
}

// Close tears down the live connection (used during graceful shutdown,
// after every client connection has been closed).
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closing = true
	if l.conn != nil {
		err := l.conn.Close()
		l.conn = nil
		return err
	}
	return nil
}

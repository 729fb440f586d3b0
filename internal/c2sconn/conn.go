// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package c2sconn

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"

	"github.com/mawis/jabberd-sub000/internal/log"
	"github.com/mawis/jabberd-sub000/internal/netio"
	"github.com/mawis/jabberd-sub000/internal/router"
	"github.com/mawis/jabberd-sub000/internal/saslerr"
	"github.com/mawis/jabberd-sub000/internal/xmppio"
	"github.com/mawis/jabberd-sub000/jid"
	"github.com/mawis/jabberd-sub000/stream"
)

// Config carries the server-side parameters a Conn needs to negotiate a
// stream: the domain it answers for, whether TLS/SASL is available, and the
// router link to forward authenticated traffic across.
type Config struct {
	Domain       string
	TLSAvailable bool
	SASLMechs    []string
	Link         *router.Link
	SMDomain     string

	// NewSASLAuthenticator builds a fresh per-connection PLAIN authenticator.
	// If nil, every SASL <auth> is answered with an invalid-mechanism
	// failure; which mechanisms are advertised is governed by SASLMechs.
	NewSASLAuthenticator func() *SASLAuthenticator
}

// Conn is one accepted client connection's state machine, tying together
// its byte-I/O stack, XML parser, and router registration.
type Conn struct {
	cfg Config

	io     *netio.IO
	parser *xmppio.Parser
	state  State
	variant netio.Variant

	streamID string
	to       string
	version  string

	// origin is the authenticated identity once known.
	origin jid.JID
	// myid is this connection's session-manager routing key: a local
	// endpoint key plus the session-manager domain.
	myid string
	// smid is the session manager's counterpart id, set once BOUND/OPEN.
	smid string
	// scC2S is this connection's session-control id, registered with the
	// router link so inbound sc:session replies find their way back.
	scC2S string

	pendingBindReqID    string
	pendingSessionReqID string

	// pendingAuthID/pendingAuthUser remember the legacy jabber:iq:auth
	// request's id and requested username across the round trip to the
	// session manager, since the SM's ack carries neither back.
	pendingAuthID   string
	pendingAuthUser string

	saslAuth *SASLAuthenticator

	// resetStream is set after STARTTLS/SASL success; the caller must call
	// Restart, which resets the parser for the new stream header.
	resetStream bool
	// startTLS is set alongside resetStream specifically by handleStartTLS,
	// telling the caller a TLS server handshake must run (and succeed)
	// before the parser restart, as opposed to the plain restart SASL
	// success requires.
	startTLS bool

	// inbound carries router-link deliveries from the Link's readLoop
	// goroutine to this connection's own goroutine; see DeliverRoute.
	inbound chan inboundEvent
}

var _ router.Target = (*Conn)(nil)

// New creates a Conn in the NEGO state for a freshly accepted socket.
func New(cfg Config, io *netio.IO, variant netio.Variant) *Conn {
	p := xmppio.New("jabber:client")
	return &Conn{cfg: cfg, io: io, parser: p, state: StateNego, variant: variant,
		inbound: make(chan inboundEvent, 64)}
}

// State returns the connection's current state.
func (c *Conn) State() State { return c.state }

// Parser returns the connection's XML event parser.
func (c *Conn) Parser() *xmppio.Parser { return c.parser }

// IO returns the connection's byte-I/O stack, for callers (the reactor
// adapter) that need to drive reads/writes or push a new layer.
func (c *Conn) IO() *netio.IO { return c.io }

// ResetPending reports whether a stream restart is due (after STARTTLS or
// SASL success); the caller should call Restart once the underlying reader
// has been swapped (e.g. to the TLS-wrapped reader).
func (c *Conn) ResetPending() bool { return c.resetStream }

// NeedsTLSUpgrade reports whether the pending restart is specifically the
// STARTTLS case: the caller must complete a TLS server handshake and push
// the resulting layer via IO().PushTLS before calling Restart, rather than
// restarting immediately as the SASL-success case does.
func (c *Conn) NeedsTLSUpgrade() bool { return c.startTLS }

// Restart reinitializes the parser for a new stream header, per
// reset_stream semantics. A connection that completed SASL stays in
// SASL_DONE so the restarted stream can bind; any other returns to NONE.
func (c *Conn) Restart() {
	c.parser.Reset()
	if c.state != StateSASLDone {
		c.state = StateNone
	}
	c.resetStream = false
	c.startTLS = false
}

// HandleEvent advances the state machine by one parser event and returns
// bytes to write back to the client, or a terminal stream.Error.
func (c *Conn) HandleEvent(ev xmppio.Event) (writes [][]byte, closeErr error) {
	switch ev.Kind {
	case xmppio.EventError:
		return nil, ev.Err
	case xmppio.EventEnd:
		return nil, nil
	case xmppio.EventRootOpen:
		return c.onRootOpen(ev.Root)
	case xmppio.EventStanza:
		return c.onStanza(ev)
	}
	return nil, nil
}

func (c *Conn) onRootOpen(root xmppio.RootOpen) ([][]byte, error) {
	if root.To != c.cfg.Domain {
		return nil, stream.HostUnknown
	}
	c.to = root.To
	c.version = root.Version
	c.streamID = uuid.NewString()

	var b []byte
	b = append(b, []byte(fmt.Sprintf(
		"<?xml version='1.0'?><stream:stream from='%s' id='%s' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'%s>",
		c.cfg.Domain, c.streamID, versionAttr(root.Version),
	))...)

	if c.state != StateSASLDone {
		c.state = StateNone
	}

	if isModern(root.Version) {
		b = append(b, c.featuresElement()...)
	}
	return [][]byte{b}, nil
}

func versionAttr(v string) string {
	if isModern(v) {
		return " version='1.0'"
	}
	return ""
}

func isModern(v string) bool {
	return v != "" && v >= "1.0"
}

func (c *Conn) featuresElement() []byte {
	var b []byte
	b = append(b, []byte("<stream:features>")...)
	if c.cfg.TLSAvailable && c.state == StateNone && c.variant == netio.VariantXMPP {
		b = append(b, []byte("<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>")...)
	}
	if len(c.cfg.SASLMechs) > 0 && c.variant == netio.VariantXMPP {
		b = append(b, []byte("<mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'>")...)
		for _, m := range c.cfg.SASLMechs {
			b = append(b, []byte(fmt.Sprintf("<mechanism>%s</mechanism>", m))...)
		}
		b = append(b, []byte("</mechanisms>")...)
	}
	if c.state == StateSASLDone {
		b = append(b, []byte("<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/>")...)
		b = append(b, []byte("<session xmlns='urn:ietf:params:xml:ns:xmpp-session'/>")...)
	}
	b = append(b, []byte("<auth xmlns='http://jabber.org/features/iq-auth'/>")...)
	b = append(b, []byte("</stream:features>")...)
	return b
}

func (c *Conn) onStanza(ev xmppio.Event) ([][]byte, error) {
	name := ev.Stanza.Name
	switch {
	case c.state == StateNone && name.Local == "starttls":
		return c.handleStartTLS()
	case c.state == StateNone && name.Local == "auth" && name.Space == "urn:ietf:params:xml:ns:xmpp-sasl":
		return c.handleSASLAuth(ev)
	case c.state == StateSASL && (name.Local == "response" || name.Local == "abort"):
		return c.handleSASLContinuation(ev)
	case c.state == StateNone && isLegacyAuthIQ(ev.Stanza):
		return c.handleLegacyAuth(ev)
	case c.state == StateSASLDone && isBindIQ(ev.Stanza):
		return c.handleBind(ev)
	case c.state == StateBound && isSessionIQ(ev.Stanza):
		return c.handleSessionStart(ev)
	case c.state == StateOpen:
		return c.forwardToSM(ev)
	default:
		return nil, nil
	}
}

func (c *Conn) handleStartTLS() ([][]byte, error) {
	if !c.cfg.TLSAvailable || c.variant != netio.VariantXMPP {
		return [][]byte{[]byte("<failure xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>")}, stream.UnsupportedFeature
	}
	c.resetStream = true
	c.startTLS = true
	return [][]byte{[]byte("<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>")}, nil
}

func (c *Conn) handleSASLAuth(ev xmppio.Event) ([][]byte, error) {
	if c.variant != netio.VariantXMPP {
		return nil, stream.UnsupportedFeature
	}
	if c.cfg.NewSASLAuthenticator == nil || attrValue(ev.Stanza, "mechanism") != "PLAIN" {
		return [][]byte{marshalFailure(saslerr.Failure{Condition: saslerr.InvalidMechanism})}, nil
	}
	c.saslAuth = c.cfg.NewSASLAuthenticator()
	c.state = StateSASL
	return c.stepSASL(string(textContent(ev.Tokens)))
}

func (c *Conn) handleSASLContinuation(ev xmppio.Event) ([][]byte, error) {
	if ev.Stanza.Name.Local == "abort" {
		c.state = StateNone
		c.saslAuth = nil
		return [][]byte{marshalFailure(saslerr.Failure{Condition: saslerr.Aborted})}, nil
	}
	return c.stepSASL(string(textContent(ev.Tokens)))
}

// stepSASL feeds one base64 round through the PLAIN negotiator, emitting a
// challenge, success, or failure element depending on the outcome.
func (c *Conn) stepSASL(b64 string) ([][]byte, error) {
	more, resp, err := c.saslAuth.Step(b64)
	if err != nil {
		c.state = StateNone
		c.saslAuth = nil
		return [][]byte{marshalFailure(saslerr.Failure{Condition: saslerr.NotAuthorized})}, nil
	}
	if more {
		return [][]byte{[]byte(fmt.Sprintf(
			"<challenge xmlns='urn:ietf:params:xml:ns:xmpp-sasl'>%s</challenge>",
			base64.StdEncoding.EncodeToString(resp)))}, nil
	}
	return c.CompleteSASL(c.saslAuth.Authzid())
}

// CompleteSASL finishes the exchange once the PLAIN negotiator has reported
// success, binding origin to the authenticated identity and scheduling the
// stream restart that follows <success/>.
func (c *Conn) CompleteSASL(authzid string) ([][]byte, error) {
	j, err := jid.New(authzid, c.cfg.Domain, "")
	if err != nil {
		return nil, err
	}
	c.origin = j
	c.saslAuth = nil
	c.resetStream = true
	c.state = StateSASLDone
	return [][]byte{[]byte("<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>")}, nil
}

func isLegacyAuthIQ(start xml.StartElement) bool {
	return start.Name.Local == "iq"
}

func isBindIQ(start xml.StartElement) bool { return start.Name.Local == "iq" }

func isSessionIQ(start xml.StartElement) bool { return start.Name.Local == "iq" }

func (c *Conn) handleLegacyAuth(ev xmppio.Event) ([][]byte, error) {
	c.state = StateAuth
	c.pendingAuthID = iqID(ev.Stanza)
	c.pendingAuthUser = string(extractChildText(ev.Tokens, "username"))
	c.myid = fmt.Sprintf("%s@%s", c.streamID, c.cfg.SMDomain)
	c.cfg.Link.Register(c.myid, c)
	c.cfg.Link.SendRoute(router.Route{
		To: c.cfg.SMDomain, From: c.myid, Type: router.RouteAuth,
		Payload: encodeTokens(ev.Tokens),
	})
	return nil, nil
}

// OnAuthResult is invoked when the router link delivers the SM's reply to a
// forwarded legacy auth IQ.
func (c *Conn) OnAuthResult(ok bool, identity string) ([][]byte, error) {
	if !ok {
		c.state = StateNone
		reply := fmt.Sprintf("<iq id='%s' type='error'><error type='auth'><not-authorized xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>", c.pendingAuthID)
		return [][]byte{[]byte(reply)}, nil
	}
	j, err := jid.New(identity, c.cfg.Domain, "")
	if err != nil {
		return nil, err
	}
	c.origin = j
	c.state = StateSess
	c.cfg.Link.SendRoute(router.Route{
		To: c.cfg.SMDomain, From: c.myid, Type: router.RouteSession,
	})
	return nil, nil
}

// OnLegacySessionResult completes the legacy jabber:iq:auth round trip once
// the SM acknowledges the session open: it replies to the client's
// *original* auth IQ (by its remembered id) rather than anything
// session-shaped, since the legacy sub-protocol never sent a session IQ.
func (c *Conn) OnLegacySessionResult(ok bool) ([][]byte, error) {
	if !ok {
		c.state = StateNone
		return nil, nil
	}
	c.smid = c.cfg.SMDomain
	c.state = StateOpen
	reply := fmt.Sprintf("<iq id='%s' type='result'/>", c.pendingAuthID)
	return [][]byte{[]byte(reply)}, nil
}

func (c *Conn) handleBind(ev xmppio.Event) ([][]byte, error) {
	resource := extractResource(ev.Tokens)
	if resource == "" {
		resource = fmt.Sprintf("jadc2s-%x", uuid.New())
	}
	full, err := c.origin.WithResource(resource)
	if err != nil {
		return nil, err
	}
	c.origin = full
	c.state = StateBound
	id := iqID(ev.Stanza)
	reply := fmt.Sprintf(
		"<iq id='%s' type='result'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>%s</jid></bind></iq>",
		id, full.String())
	return [][]byte{[]byte(reply)}, nil
}

func (c *Conn) handleSessionStart(ev xmppio.Event) ([][]byte, error) {
	c.pendingSessionReqID = iqID(ev.Stanza)
	reqID := router.NewRequestID()
	c.scC2S = reqID
	c.myid = c.origin.String()
	c.cfg.Link.Register(c.myid, c)
	c.cfg.Link.RegisterSC(c.scC2S, c)
	c.cfg.Link.SendSessionControl(router.SessionControl{
		Action: router.ActionStart,
		C2S:    c.scC2S,
		Target: c.origin.String(),
		ID:     reqID,
	})
	c.state = StateSess
	return nil, nil
}

// OnSessionStarted completes the session-control start/started handshake.
func (c *Conn) OnSessionStarted(smID string) ([][]byte, error) {
	c.smid = smID
	c.state = StateOpen
	reply := fmt.Sprintf("<iq id='%s' type='result'><session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></iq>", c.pendingSessionReqID)
	return [][]byte{[]byte(reply)}, nil
}

// OnSessionEnded handles the SM-initiated teardown: if still open, close
// with connection-timeout.
func (c *Conn) OnSessionEnded() error {
	if c.state != StateClose {
		return stream.ConnectionTimeout
	}
	return nil
}

func (c *Conn) forwardToSM(ev xmppio.Event) ([][]byte, error) {
	payload := encodeTokens(ev.Tokens)
	c.cfg.Link.SendRoute(router.Route{
		To: c.smid, From: c.myid, Payload: payload,
	})
	return nil, nil
}

// inboundEvent is one router-link delivery awaiting processing on this
// connection's own goroutine; exactly one of Route/SC is set.
type inboundEvent struct {
	route *router.Route
	sc    *router.SessionControl
}

// DeliverRoute implements router.Target. It runs on the router.Link's
// readLoop goroutine, not this connection's own goroutine, so it only
// hands the frame off via the inbound channel; HandleInbound does the
// actual state mutation once the owning goroutine receives it.
func (c *Conn) DeliverRoute(r router.Route) {
	c.inbound <- inboundEvent{route: &r}
}

// DeliverControl implements router.Target for session-control replies; see
// DeliverRoute for why this only enqueues rather than mutating state here.
func (c *Conn) DeliverControl(sc router.SessionControl) {
	c.inbound <- inboundEvent{sc: &sc}
}

// Inbound returns the channel of router-link deliveries awaiting dispatch.
// The connection's owning goroutine must select on this alongside its
// parser-event loop and call HandleInbound for each entry, so that every
// mutation of this Conn's state happens on a single goroutine.
func (c *Conn) Inbound() <-chan inboundEvent { return c.inbound }

// HandleInbound applies one router-link delivery previously received from
// Inbound(), returning bytes to write to the client exactly like
// HandleEvent does for parser events.
func (c *Conn) HandleInbound(ev inboundEvent) ([][]byte, error) {
	if ev.sc != nil {
		return c.applyControl(*ev.sc)
	}
	return c.applyRoute(*ev.route)
}

// applyRoute switches on the route's Type to decide whether this is the
// legacy pre-session handshake's reply, an SM-initiated error closing the
// connection, or ordinary OPEN-state traffic to unwrap straight onto the
// byte-I/O write queue.
func (c *Conn) applyRoute(r router.Route) ([][]byte, error) {
	switch r.Type {
	case router.RouteError:
		return c.applyRouteError(r.Payload)
	case router.RouteAuth:
		ok, identity := parseIQOk(r.Payload, c.pendingAuthUser)
		return c.OnAuthResult(ok, identity)
	case router.RouteSession:
		ok, _ := parseIQOk(r.Payload, "")
		return c.OnLegacySessionResult(ok)
	default:
		c.io.Enqueue(r.Payload, nil)
		return nil, nil
	}
}

// applyRouteError handles an SM-initiated RouteError: it logs the reason
// and reports a terminal error so the caller closes the connection,
// mirroring applyControl's ActionEnded handling for the modern
// session-control path. In OPEN the error is conflict for the reason
// "Disconnected" and internal-server-error otherwise; before OPEN it is
// remote-connection-failed for "Internal Timeout" and not-authorized
// otherwise.
func (c *Conn) applyRouteError(reason []byte) ([][]byte, error) {
	text := extractReasonText(reason)
	if text != "" {
		log.Warnf("c2sconn: session manager closed %s: %s", c.myid, text)
	}
	if c.state == StateOpen {
		if text == "Disconnected" {
			return nil, stream.Conflict
		}
		return nil, stream.InternalServerError
	}
	if text == "Internal Timeout" {
		return nil, stream.RemoteConnectionFailed
	}
	return nil, stream.NotAuthorized
}

// applyControl implements the session-control half of HandleInbound.
func (c *Conn) applyControl(sc router.SessionControl) ([][]byte, error) {
	switch sc.Action {
	case router.ActionStarted:
		return c.OnSessionStarted(sc.SM)
	case router.ActionEnded:
		if err := c.OnSessionEnded(); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// Close enters the CLOSE state: bounces the write queue, notifies the
// session manager, and releases this connection's router registration.
func (c *Conn) Close(reason error) {
	if c.state == StateClose {
		return
	}
	tags := c.io.Queue.Bounce()
	if len(tags) > 0 && c.smid != "" {
		bounced := make([][]byte, 0, len(tags))
		for _, t := range tags {
			if b, ok := t.([]byte); ok {
				bounced = append(bounced, b)
			}
		}
		c.cfg.Link.BounceQueue(c.smid, c.myid, bounced)
	}
	if c.smid != "" {
		c.cfg.Link.SendSessionControl(router.SessionControl{
			Action: router.ActionEnd, C2S: c.scC2S, SM: c.smid,
		})
	}
	c.cfg.Link.Unregister(c.myid, c.scC2S)
	c.state = StateClose
}

func marshalFailure(f saslerr.Failure) []byte {
	b, err := xml.Marshal(f)
	if err != nil {
		return []byte("<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><temporary-auth-failure/></failure>")
	}
	return b
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

func iqID(start xml.StartElement) string {
	for _, a := range start.Attr {
		if a.Name.Local == "id" {
			return a.Value
		}
	}
	return ""
}

// parseIQOk reports whether a forwarded route's raw payload is a
// type='result' iq (as opposed to type='error'), and, for the auth-result
// case, the identity to bind: the session manager's reply carries neither
// the username nor a jid, so the username the client itself supplied in its
// original jabber:iq:auth request is what gets bound on success.
func parseIQOk(payload []byte, fallbackIdentity string) (ok bool, identity string) {
	var iq struct {
		Type string `xml:"type,attr"`
	}
	if err := xml.Unmarshal(payload, &iq); err != nil {
		return false, ""
	}
	return iq.Type == "result" || iq.Type == "", fallbackIdentity
}

// extractReasonText pulls the human-readable <text> child out of an
// SM-initiated error route, if present, for logging.
func extractReasonText(payload []byte) string {
	var errEl struct {
		Text string `xml:"text"`
	}
	if err := xml.Unmarshal(payload, &errEl); err != nil {
		return ""
	}
	return errEl.Text
}

// extractChildText returns the character data immediately inside the named
// child element, used to pull the username back out of a legacy
// jabber:iq:auth request's token stream.
func extractChildText(tokens []xml.Token, local string) []byte {
	capture := false
	for _, tok := range tokens {
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == local {
			capture = true
			continue
		}
		if capture {
			if cd, ok := tok.(xml.CharData); ok {
				return []byte(cd)
			}
			capture = false
		}
	}
	return nil
}

func extractResource(tokens []xml.Token) string {
	capture := false
	for i, tok := range tokens {
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "resource" {
			capture = true
			continue
		}
		if capture {
			if cd, ok := tok.(xml.CharData); ok {
				return string(cd)
			}
			capture = false
		}
		_ = i
	}
	return ""
}

func encodeTokens(tokens []xml.Token) []byte {
	var buf []byte
	for _, tok := range tokens {
		b, _ := xml.Marshal(tok)
		buf = append(buf, b...)
	}
	return buf
}

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package c2sconn

import (
	"encoding/base64"

	"mellium.im/sasl"
)

// SASLAuthenticator wraps a mellium.im/sasl server-side Negotiator and the
// authzid it eventually reports, driving the SASL sub-state of the
// connection state machine (NONE --auth--> SASL --success--> SASL_DONE).
type SASLAuthenticator struct {
	neg     *sasl.Negotiator
	authzid string
}

// Credential looks up a user's password (or SCRAM stored key material) for
// the given authentication identity.
type Credential func(identity []byte) (password []byte, ok bool)

// NewPlainAuthenticator returns an Authenticator for the PLAIN mechanism,
// checking credentials via lookup. A fresh Authenticator must be created per
// connection attempt: the underlying Negotiator is stateful across Step
// calls.
func NewPlainAuthenticator(lookup Credential) *SASLAuthenticator {
	a := &SASLAuthenticator{}
	a.neg = sasl.NewServer(sasl.Plain, func(n *sasl.Negotiator) bool {
		username, password := n.Credentials()
		want, ok := lookup(username)
		if ok && string(password) == string(want) {
			a.authzid = string(username)
			return true
		}
		return false
	})
	return a
}

// Authzid reports the authentication identity the client supplied, once
// Step has reported success.
func (a *SASLAuthenticator) Authzid() string { return a.authzid }

// Step decodes one base64-encoded challenge/response round, feeds it to
// the negotiator, and reports
// whether more rounds are needed and the bytes to emit wrapped in the
// caller's <challenge/>/<success/>/<failure/> element. The authenticated
// identity is whatever the client supplied as its authentication identity
// in the PLAIN message; it is the caller's responsibility to map that back
// to a bound JID once Step reports more == false with a nil error.
func (a *SASLAuthenticator) Step(b64 string) (more bool, resp []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return false, nil, err
	}
	return a.neg.Step(raw)
}

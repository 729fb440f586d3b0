// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package c2sconn implements the per-connection conversation state machine:
// variant autodetect, stream root validation, legacy IQ-auth or SASL
// authentication, resource binding, and session start, all forwarding
// authenticated traffic across a single router.Link to the session manager.
package c2sconn

// State is one node of the connection's conversation state machine.
type State int

const (
	StateNego State = iota
	StateNone
	StateSASL
	StateSASLDone
	StateAuth
	StateSess
	StateBound
	StateOpen
	StateClose
)

func (s State) String() string {
	switch s {
	case StateNego:
		return "NEGO"
	case StateNone:
		return "NONE"
	case StateSASL:
		return "SASL"
	case StateSASLDone:
		return "SASL_DONE"
	case StateAuth:
		return "AUTH"
	case StateSess:
		return "SESS"
	case StateBound:
		return "BOUND"
	case StateOpen:
		return "OPEN"
	case StateClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

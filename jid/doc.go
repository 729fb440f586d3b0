// Copyright 2014 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package jid implements XMPP addresses (historically called "Jabber ID's" or
// "JID's") as described in RFC 7622.
//
// A JID is normalized (stringprepped) at construction time using the
// golang.org/x/text/unicode/precis profiles RFC 7622 mandates. New and Parse
// normalize on every call; no result is cached.
package jid // import "github.com/mawis/jabberd-sub000/jid"

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package router

import "strings"

// RewriteOutboundNamespace rewrites a stanza's declared default namespace
// from jabber:client or jabber:component:accept to jabber:server before it
// leaves the router boundary, per the required behavior at the router
// boundary.
func RewriteOutboundNamespace(payload []byte) []byte {
	s := string(payload)
	s = strings.Replace(s, "xmlns='jabber:client'", "xmlns='jabber:server'", 1)
	s = strings.Replace(s, `xmlns="jabber:client"`, `xmlns="jabber:server"`, 1)
	s = strings.Replace(s, "xmlns='jabber:component:accept'", "xmlns='jabber:server'", 1)
	s = strings.Replace(s, `xmlns="jabber:component:accept"`, `xmlns="jabber:server"`, 1)
	return []byte(s)
}

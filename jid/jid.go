// Copyright 2014 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package jid

import (
	"encoding/xml"
	"errors"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/precis"
)

// JID is an XMPP address, normalized and validated per RFC 7622.
//
// The zero value is not a valid JID; construct one with New or Parse.
type JID struct {
	localpart    string
	domainpart   string
	resourcepart string
}

// New constructs a JID from its three parts, stringprepping each one.
// Parts that are not yet known (e.g. a bare-JID constructed before resource
// binding) may be passed as the empty string.
func New(localpart, domainpart, resourcepart string) (JID, error) {
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return JID{}, errors.New("jid: contains invalid UTF-8")
	}

	domainpart, err := idna.ToUnicode(domainpart)
	if err != nil {
		return JID{}, err
	}
	if !utf8.ValidString(domainpart) {
		return JID{}, errors.New("jid: domainpart contains invalid UTF-8")
	}

	if localpart != "" {
		localpart, err = precis.UsernameCaseMapped.String(localpart)
		if err != nil {
			return JID{}, err
		}
	}
	if resourcepart != "" {
		resourcepart, err = precis.OpaqueString.String(resourcepart)
		if err != nil {
			return JID{}, err
		}
	}

	if err := commonChecks(localpart, domainpart, resourcepart); err != nil {
		return JID{}, err
	}

	return JID{localpart: localpart, domainpart: domainpart, resourcepart: resourcepart}, nil
}

// Parse splits s into its parts (per SplitString) and normalizes them with New.
func Parse(s string) (JID, error) {
	local, domain, resource, err := SplitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(local, domain, resource)
}

// MustParse is like Parse but panics if s is not a valid JID.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// Localpart returns the JID's localpart (e.g. "juliet").
func (j JID) Localpart() string { return j.localpart }

// Domainpart returns the JID's domainpart (e.g. "example.com").
func (j JID) Domainpart() string { return j.domainpart }

// Resourcepart returns the JID's resourcepart (e.g. "balcony").
func (j JID) Resourcepart() string { return j.resourcepart }

// Bare returns a copy of j with the resourcepart removed.
func (j JID) Bare() JID {
	j.resourcepart = ""
	return j
}

// Domain returns a copy of j with only the domainpart set.
func (j JID) Domain() JID {
	return JID{domainpart: j.domainpart}
}

// WithResource returns a copy of j with the resourcepart replaced.
// The resource is stringprepped but the rest of j is assumed already valid.
func (j JID) WithResource(resourcepart string) (JID, error) {
	resourcepart, err := precis.OpaqueString.String(resourcepart)
	if err != nil {
		return JID{}, err
	}
	if err := commonChecks(j.localpart, j.domainpart, resourcepart); err != nil {
		return JID{}, err
	}
	j.resourcepart = resourcepart
	return j, nil
}

// IsZero reports whether j is the zero value.
func (j JID) IsZero() bool {
	return j.localpart == "" && j.domainpart == "" && j.resourcepart == ""
}

// Equal performs an octet-for-octet comparison with other.
func (j JID) Equal(other JID) bool {
	return j.localpart == other.localpart &&
		j.domainpart == other.domainpart &&
		j.resourcepart == other.resourcepart
}

// Network satisfies net.Addr; it always returns "xmpp".
func (j JID) Network() string { return "xmpp" }

// String returns the string representation of the JID.
func (j JID) String() string {
	s := j.domainpart
	if j.localpart != "" {
		s = j.localpart + "@" + s
	}
	if j.resourcepart != "" {
		s = s + "/" + j.resourcepart
	}
	return s
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// SplitString splits out the localpart, domainpart, and resourcepart from a
// string representation of a JID. The parts are not guaranteed to be valid,
// and each part must be 1023 bytes or less.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// RFC 7622 §3.1: match '@' and '/' before any transformation that might
	// decompose certain code points to the separator characters.
	parts := strings.SplitAfterN(s, "/", 2)

	if strings.HasSuffix(parts[0], "/") {
		if len(parts) == 2 && parts[1] != "" {
			resourcepart = parts[1]
		} else {
			err = errors.New("jid: the resourcepart must be larger than 0 bytes")
			return
		}
	}

	norp := strings.TrimSuffix(parts[0], "/")
	nolp := strings.SplitAfterN(norp, "@", 2)

	if nolp[0] == "@" {
		err = errors.New("jid: the localpart must be larger than 0 bytes")
		return
	}

	switch len(nolp) {
	case 1:
		domainpart = nolp[0]
	case 2:
		domainpart = nolp[1]
		localpart = strings.TrimSuffix(nolp[0], "@")
	}

	// A trailing label-separator dot is ignored per RFC 7622 §3.2.
	domainpart = strings.TrimSuffix(domainpart, ".")

	return
}

func checkIP6String(domainpart string) error {
	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") &&
		strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return errors.New("jid: domainpart is not a valid IPv6 address")
		}
	}
	return nil
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	if len(localpart) > 1023 {
		return errors.New("jid: the localpart must be smaller than 1024 bytes")
	}
	// RFC 7622 §3.3.1 forbids these even though UsernameCaseMapped allows them.
	if strings.ContainsAny(localpart, "\"&'/:<>@") {
		return errors.New("jid: localpart contains forbidden characters")
	}
	if len(resourcepart) > 1023 {
		return errors.New("jid: the resourcepart must be smaller than 1024 bytes")
	}
	if l := len(domainpart); l < 1 || l > 1023 {
		return errors.New("jid: the domainpart must be between 1 and 1023 bytes")
	}
	return checkIP6String(domainpart)
}

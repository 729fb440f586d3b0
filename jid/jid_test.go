// Copyright 2015 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package jid

import (
	"encoding/xml"
	"strings"
	"testing"
)

func TestValidJIDs(t *testing.T) {
	for _, test := range []struct {
		jid, lp, dp, rp string
	}{
		{"example.net", "", "example.net", ""},
		{"example.net/rp", "", "example.net", "rp"},
		{"mercutio@example.net", "mercutio", "example.net", ""},
		{"mercutio@example.net/rp", "mercutio", "example.net", "rp"},
		{"mercutio@example.net/rp@rp", "mercutio", "example.net", "rp@rp"},
		{"mercutio@example.net/rp@rp/rp", "mercutio", "example.net", "rp@rp/rp"},
		{"mercutio@example.net/@", "mercutio", "example.net", "@"},
		{"[::1]", "", "[::1]", ""},
	} {
		j, err := Parse(test.jid)
		switch {
		case err != nil:
			t.Errorf("%q: unexpected error: %v", test.jid, err)
		case j.Domainpart() != test.dp:
			t.Errorf("%q: got domainpart %s, want %s", test.jid, j.Domainpart(), test.dp)
		case j.Localpart() != test.lp:
			t.Errorf("%q: got localpart %s, want %s", test.jid, j.Localpart(), test.lp)
		case j.Resourcepart() != test.rp:
			t.Errorf("%q: got resourcepart %s, want %s", test.jid, j.Resourcepart(), test.rp)
		}
	}
}

var invalidutf8 = string([]byte{0xff, 0xfe, 0xfd})

func TestInvalidParseJIDs(t *testing.T) {
	for _, jid := range []string{
		"test@/test",
		invalidutf8 + "@example.com/rp",
		"lp@/rp",
		`b"d@example.net`,
		`b&d@example.net`,
		`b'd@example.net`,
		`b:d@example.net`,
		`b<d@example.net`,
		`b>d@example.net`,
		`e@example.net/`,
	} {
		if _, err := Parse(jid); err == nil {
			t.Errorf("expected JID %s to fail", jid)
		}
	}
}

func TestInvalidNewJIDs(t *testing.T) {
	for _, test := range []struct {
		lp, dp, rp string
	}{
		{strings.Repeat("a", 1024), "example.net", ""},
		{"e", "example.net", strings.Repeat("a", 1024)},
		{"b/d", "example.net", ""},
		{"b@d", "example.net", ""},
		{"e", "[example.net]", ""},
	} {
		if _, err := New(test.lp, test.dp, test.rp); err == nil {
			t.Errorf("expected composition of %+v to fail", test)
		}
	}
}

func mustParse(t *testing.T, s string) JID {
	t.Helper()
	j, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return j
}

func TestEqual(t *testing.T) {
	m := mustParse(t, "mercutio@example.net/test")
	for _, test := range []struct {
		j1, j2 JID
		eq     bool
	}{
		{m, mustParse(t, "mercutio@example.net/test"), true},
		{m.Bare(), mustParse(t, "mercutio@example.net"), true},
		{m.Domain(), mustParse(t, "example.net"), true},
		{m, mustParse(t, "mercutio@example.net/nope"), false},
		{m, mustParse(t, "mercutio@e.com/test"), false},
		{m, mustParse(t, "m@example.net/test"), false},
	} {
		if got := test.j1.Equal(test.j2); got != test.eq {
			t.Errorf("%s.Equal(%s) = %v, want %v", test.j1, test.j2, got, test.eq)
		}
	}
}

func TestWithResource(t *testing.T) {
	bare := mustParse(t, "mercutio@example.net")
	full, err := bare.WithResource("balcony")
	if err != nil {
		t.Fatalf("WithResource: %v", err)
	}
	if full.String() != "mercutio@example.net/balcony" {
		t.Errorf("got %s, want mercutio@example.net/balcony", full)
	}
}

func TestMarshalXMLAttr(t *testing.T) {
	j := mustParse(t, "feste@shakespeare.lit/ilyria")
	attr, err := j.MarshalXMLAttr(xml.Name{Local: "from"})
	if err != nil {
		t.Fatal(err)
	}
	if attr.Value != "feste@shakespeare.lit/ilyria" {
		t.Errorf("got %s, want feste@shakespeare.lit/ilyria", attr.Value)
	}

	var j2 JID
	if err := j2.UnmarshalXMLAttr(attr); err != nil {
		t.Fatal(err)
	}
	if !j.Equal(j2) {
		t.Errorf("round-tripped JID %s != original %s", j2, j)
	}
}

func TestIsZero(t *testing.T) {
	var j JID
	if !j.IsZero() {
		t.Error("zero value JID should report IsZero")
	}
	if mustParse(t, "a@b.com").IsZero() {
		t.Error("parsed JID should not report IsZero")
	}
}

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package admission

import (
	"net"
	"testing"
	"time"
)

func TestAdmitWithinLimit(t *testing.T) {
	tbl := NewTable(time.Minute, 2)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	if !tbl.Admit(addr) {
		t.Fatal("first connection should be admitted")
	}
	if !tbl.Admit(addr) {
		t.Fatal("second connection within limit should be admitted")
	}
	if tbl.Admit(addr) {
		t.Fatal("third connection exceeding limit should be rejected")
	}
}

func TestPendingSweepGuardsNilCallback(t *testing.T) {
	p := NewPending()
	p.Add("conn1")
	// no OnTimeout set; Sweep must not panic.
	p.created["conn1"] = time.Now().Add(-time.Hour)
	p.Sweep(time.Second)
	if _, ok := p.created["conn1"]; ok {
		t.Fatal("expired entry should have been reaped")
	}
}

func TestPendingSweepInvokesCallback(t *testing.T) {
	p := NewPending()
	var got interface{}
	p.OnTimeout = func(h interface{}) { got = h }
	p.Add("conn1")
	p.created["conn1"] = time.Now().Add(-time.Hour)
	p.Sweep(time.Second)
	if got != "conn1" {
		t.Fatalf("OnTimeout called with %v, want conn1", got)
	}
}

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package xmppio

import "testing"

// mustNext feeds chunks one byte at a time before each Next call until an
// event is produced, exercising the buffer-and-retry path a non-blocking
// socket read would hit whenever a token straddles two reads.
func mustNext(t *testing.T, p *Parser, remaining *string) Event {
	t.Helper()
	for {
		ev, ok := p.Next()
		if ok {
			return ev
		}
		if len(*remaining) == 0 {
			t.Fatal("ran out of input before an event was produced")
		}
		p.Feed([]byte((*remaining)[:1]))
		*remaining = (*remaining)[1:]
	}
}

func TestRootOpenAndStanza(t *testing.T) {
	doc := `<stream:stream to='example.com' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'><iq type='set' id='a1'><query xmlns='jabber:iq:auth'/></iq></stream:stream>`
	p := New("jabber:client")

	ev := mustNext(t, p, &doc)
	if ev.Kind != EventRootOpen {
		t.Fatalf("first event kind = %v, want EventRootOpen: %v", ev.Kind, ev.Err)
	}
	if ev.Root.To != "example.com" {
		t.Errorf("root To = %q, want example.com", ev.Root.To)
	}
	if ev.Root.Version != "1.0" {
		t.Errorf("root Version = %q, want 1.0", ev.Root.Version)
	}

	ev = mustNext(t, p, &doc)
	if ev.Kind != EventStanza {
		t.Fatalf("second event kind = %v, want EventStanza: %v", ev.Kind, ev.Err)
	}
	if ev.Stanza.Name.Local != "iq" {
		t.Errorf("stanza name = %q, want iq", ev.Stanza.Name.Local)
	}

	ev = mustNext(t, p, &doc)
	if ev.Kind != EventEnd {
		t.Fatalf("third event kind = %v, want EventEnd", ev.Kind)
	}
}

func TestMissingToIsHostUnknown(t *testing.T) {
	doc := `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`
	p := New("jabber:client")
	ev := mustNext(t, p, &doc)
	if ev.Kind != EventError {
		t.Fatalf("kind = %v, want EventError", ev.Kind)
	}
	if ev.Err.Error() != "host-unknown" {
		t.Errorf("err = %v, want host-unknown", ev.Err)
	}
}

func TestWrongDefaultNamespace(t *testing.T) {
	doc := `<stream:stream to='example.com' xmlns='jabber:server' xmlns:stream='http://etherx.jabber.org/streams'>`
	p := New("jabber:client")
	ev := mustNext(t, p, &doc)
	if ev.Kind != EventError || ev.Err.Error() != "invalid-namespace" {
		t.Fatalf("got kind=%v err=%v, want invalid-namespace error", ev.Kind, ev.Err)
	}
}

// TestNextWaitsForMoreDataWithoutPoisoningState feeds a root element split
// across two Feed calls and confirms the partial attempt does not corrupt
// depth tracking or get treated as a terminal error: the defect a persistent
// xml.Decoder (replaying its first cached error forever) would have hit.
func TestNextWaitsForMoreDataWithoutPoisoningState(t *testing.T) {
	p := New("jabber:client")
	p.Feed([]byte(`<stream:stream to='example.com' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/str`))

	if ev, ok := p.Next(); ok {
		t.Fatalf("Next produced %v before the root element finished arriving", ev)
	}

	p.Feed([]byte(`eams' version='1.0'>`))
	ev, ok := p.Next()
	if !ok {
		t.Fatal("Next still would not produce an event once the root element completed")
	}
	if ev.Kind != EventRootOpen {
		t.Fatalf("kind = %v, want EventRootOpen: %v", ev.Kind, ev.Err)
	}
	if ev.Root.To != "example.com" {
		t.Errorf("root To = %q, want example.com", ev.Root.To)
	}
}

// TestFlashRootOpen confirms the self-closing flash:stream sub-variant still
// produces an EventRootOpen under the new push model.
func TestFlashRootOpen(t *testing.T) {
	p := New("jabber:client")
	p.Feed([]byte(`<flash:stream xmlns:flash='http://www.jabber.com/streams/flash' to='example.com'/>`))
	ev, ok := p.Next()
	if !ok {
		t.Fatal("Next did not produce the flash root event")
	}
	if ev.Kind != EventRootOpen {
		t.Fatalf("kind = %v, want EventRootOpen", ev.Kind)
	}
	if !p.FlashMode() {
		t.Error("FlashMode() = false, want true after a flash:stream root")
	}
}

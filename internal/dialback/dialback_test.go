// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package dialback

import "testing"

func TestHashRoundTrip(t *testing.T) {
	tbl := NewTable("s3cr3t")
	hash := tbl.HashResult("remote.example", "stream-id-1")
	if !tbl.VerifyResult("remote.example", "stream-id-1", hash) {
		t.Fatal("VerifyResult should accept the hash it produced")
	}
	if tbl.VerifyResult("remote.example", "stream-id-2", hash) {
		t.Fatal("VerifyResult should reject a hash computed for a different stream id")
	}
}

func TestMarkValidFlushesQueueInOrder(t *testing.T) {
	tbl := NewTable("s3cr3t")
	key := Key{From: "local.example", To: "remote.example"}
	tbl.Enqueue(key, []byte("stanza1"))
	tbl.Enqueue(key, []byte("stanza2"))

	flushed := tbl.MarkValid(key)
	if len(flushed) != 2 || string(flushed[0]) != "stanza1" || string(flushed[1]) != "stanza2" {
		t.Fatalf("got %v, want [stanza1 stanza2] in FIFO order", flushed)
	}
	if !tbl.RecentlyValid(key) {
		t.Fatal("key should be in the recently-valid LRU after MarkValid")
	}
}

func TestSweepExpiredBouncesStaleEntries(t *testing.T) {
	tbl := NewTable("s3cr3t")
	key := Key{From: "local.example", To: "remote.example"}
	e := tbl.Entry(key, false)
	e.Created = e.Created.Add(-200 * 1e9) // well past the 120s heartbeat window

	failed := tbl.SweepExpired()
	if len(failed) != 1 || failed[0].Key != key {
		t.Fatalf("got %v, want one failed entry for %v", failed, key)
	}
}

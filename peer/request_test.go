// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// TestRequestTableFIFO ensures responses fulfill entries of the same
// command in insertion order with strictly increasing ids.
func TestRequestTableFIFO(t *testing.T) {
	table := newRequestTable(time.Minute)

	var order []int
	first := table.request("pong", func(msg wire.Message, err error) bool {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		order = append(order, 1)
		return false
	})
	second := table.request("pong", func(msg wire.Message, err error) bool {
		order = append(order, 2)
		return false
	})

	if first.ID() >= second.ID() {
		t.Fatalf("ids not strictly increasing: %d >= %d", first.ID(),
			second.ID())
	}

	if !table.response("pong", wire.NewMsgPong(1)) {
		t.Fatal("response did not find an entry")
	}
	if !table.response("pong", wire.NewMsgPong(2)) {
		t.Fatal("response did not find the second entry")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("entries fulfilled out of order: %v", order)
	}

	// An unsolicited response is a no-op.
	if table.response("pong", wire.NewMsgPong(3)) {
		t.Fatal("response matched with an empty queue")
	}
	if table.size() != 0 {
		t.Fatalf("table not empty: %d entries", table.size())
	}
}

// TestRequestTableKeep ensures a handler can retain its entry to wait
// for a follow-up message of the same command.
func TestRequestTableKeep(t *testing.T) {
	table := newRequestTable(time.Minute)

	calls := 0
	table.request("headers", func(msg wire.Message, err error) bool {
		calls++
		return calls < 2 // keep for one more message
	})

	table.response("headers", &wire.MsgHeaders{})
	if table.size() != 1 {
		t.Fatal("kept entry was removed")
	}
	table.response("headers", &wire.MsgHeaders{})
	if table.size() != 0 {
		t.Fatal("entry was not removed after release")
	}
	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

// TestRequestTableTimeout ensures entries fail with a timeout error and
// remove themselves from their queue.
func TestRequestTableTimeout(t *testing.T) {
	table := newRequestTable(20 * time.Millisecond)

	result := make(chan error, 1)
	table.request("block", func(msg wire.Message, err error) bool {
		result <- err
		return false
	})

	select {
	case err := <-result:
		if err != ErrRequestTimeout {
			t.Fatalf("entry failed with %v, want %v", err,
				ErrRequestTimeout)
		}
	case <-time.After(time.Second):
		t.Fatal("entry never timed out")
	}
	if table.size() != 0 {
		t.Fatal("timed out entry still queued")
	}

	// A late response after the timeout is unsolicited.
	if table.response("block", &wire.MsgBlock{}) {
		t.Fatal("late response matched a timed out entry")
	}
}

// TestRequestTableDestroy ensures destroy fails every pending entry
// exactly once and refuses new entries.
func TestRequestTableDestroy(t *testing.T) {
	table := newRequestTable(time.Minute)

	results := make(chan error, 3)
	handler := func(msg wire.Message, err error) bool {
		results <- err
		return false
	}
	table.request("tx", handler)
	table.request("tx", handler)

	table.destroy(ErrPeerDisconnected)
	table.destroy(ErrPeerDisconnected) // idempotent

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != ErrPeerDisconnected {
				t.Fatalf("entry failed with %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending entry was not destroyed")
		}
	}

	// New requests fail immediately.
	if entry := table.request("tx", handler); entry != nil {
		t.Fatal("destroyed table accepted a request")
	}
	select {
	case err := <-results:
		if err != ErrRequestCancelled {
			t.Fatalf("late request failed with %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("late request handler never ran")
	}
}

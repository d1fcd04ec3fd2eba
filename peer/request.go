// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
)

const (
	// requestTimeout is the duration an outstanding request entry waits
	// for a matching response before it fails.
	requestTimeout = 10 * time.Second
)

var (
	// ErrRequestTimeout is passed to a response handler whose request
	// entry timed out before a matching message arrived.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRequestCancelled is passed to the response handler of a request
	// made after the table was destroyed, typically because the peer
	// disconnected.  Entries still outstanding when the table is
	// destroyed receive the error passed to destroy instead.
	ErrRequestCancelled = errors.New("request cancelled")
)

// ResponseHandler is invoked when a request entry is fulfilled by an
// inbound message of the requested command, or fails with a non-nil
// error on timeout or cancellation.  When fulfilled, the handler may
// return true to keep the entry armed for a further message of the same
// command.
type ResponseHandler func(msg wire.Message, err error) bool

// RequestEntry represents an outstanding wait for an inbound message of
// a particular command.
type RequestEntry struct {
	cmd     string
	id      uint64
	handler ResponseHandler
	timer   *time.Timer
}

// ID returns the entry id.  Ids are unique per peer and strictly
// increasing in creation order.
func (e *RequestEntry) ID() uint64 {
	return e.id
}

// Command returns the command the entry waits for.
func (e *RequestEntry) Command() string {
	return e.cmd
}

// requestTable tracks the outstanding request entries of one peer as an
// ordered queue per command.  Responses fulfill the head entry of their
// command's queue; timeouts remove entries by id equality wherever they
// sit in the queue.
type requestTable struct {
	mtx     sync.Mutex
	nextID  uint64
	queues  map[string][]*RequestEntry
	timeout time.Duration
	stopped bool
}

func newRequestTable(timeout time.Duration) *requestTable {
	if timeout <= 0 {
		timeout = requestTimeout
	}
	return &requestTable{
		queues:  make(map[string][]*RequestEntry),
		timeout: timeout,
	}
}

// request creates a new entry waiting for the passed command, appends it
// to the command's queue, and arms its timeout.  A nil entry is returned
// when the table has already been destroyed, in which case the handler
// has been invoked with ErrRequestCancelled.
func (t *requestTable) request(cmd string, handler ResponseHandler) *RequestEntry {
	t.mtx.Lock()
	if t.stopped {
		t.mtx.Unlock()
		handler(nil, ErrRequestCancelled)
		return nil
	}

	t.nextID++
	entry := &RequestEntry{
		cmd:     cmd,
		id:      t.nextID,
		handler: handler,
	}
	t.queues[cmd] = append(t.queues[cmd], entry)
	entry.timer = time.AfterFunc(t.timeout, func() {
		t.expire(entry)
	})
	t.mtx.Unlock()

	return entry
}

// expire removes the passed entry from its queue by id equality and
// reports the timeout to its handler.  An entry that has already been
// fulfilled or cancelled is left alone.
func (t *requestTable) expire(entry *RequestEntry) {
	t.mtx.Lock()
	if !t.removeLocked(entry) {
		t.mtx.Unlock()
		return
	}
	t.mtx.Unlock()

	entry.handler(nil, ErrRequestTimeout)
}

// cancel removes the passed entry without invoking its handler.  It
// returns whether the entry was still outstanding.
func (t *requestTable) cancel(entry *RequestEntry) bool {
	t.mtx.Lock()
	removed := t.removeLocked(entry)
	t.mtx.Unlock()
	if removed {
		entry.timer.Stop()
	}
	return removed
}

// removeLocked removes the passed entry from its queue by id equality.
// The queue is deleted when it becomes empty.  The table mutex must be
// held.
func (t *requestTable) removeLocked(entry *RequestEntry) bool {
	queue := t.queues[entry.cmd]
	for i, e := range queue {
		if e.id != entry.id {
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(t.queues, entry.cmd)
		} else {
			t.queues[entry.cmd] = queue
		}
		return true
	}
	return false
}

// response fulfills the head entry of the passed command's queue with
// the passed message.  When the handler signals keep, the entry is
// retained with its original timer to wait for a further message of the
// same command.  Messages with no outstanding entry are reported as
// unfulfilled so the caller can treat them as unsolicited.
func (t *requestTable) response(cmd string, msg wire.Message) bool {
	t.mtx.Lock()
	queue := t.queues[cmd]
	if len(queue) == 0 {
		t.mtx.Unlock()
		return false
	}
	entry := queue[0]
	t.mtx.Unlock()

	keep := entry.handler(msg, nil)
	if keep {
		return true
	}

	t.mtx.Lock()
	removed := t.removeLocked(entry)
	t.mtx.Unlock()
	if removed {
		entry.timer.Stop()
	}
	return true
}

// destroy fails every outstanding entry with the passed error and
// prevents new entries from being created.  It is idempotent.
func (t *requestTable) destroy(err error) {
	t.mtx.Lock()
	if t.stopped {
		t.mtx.Unlock()
		return
	}
	t.stopped = true
	var entries []*RequestEntry
	for cmd, queue := range t.queues {
		entries = append(entries, queue...)
		delete(t.queues, cmd)
	}
	t.mtx.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.handler(nil, err)
	}
}

// size returns the number of outstanding entries across all queues.
func (t *requestTable) size() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	n := 0
	for _, queue := range t.queues {
		n += len(queue)
	}
	return n
}

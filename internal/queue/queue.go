// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package queue serializes mutating netlink requests against a single
// socket: at most one request is ever in flight, and completions may
// themselves schedule new requests without deadlocking the loop.
package queue

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"grimm.is/flowroute/internal/errors"
)

type itemState int

const (
	stateNew itemState = iota
	stateSent
	stateDone
)

// Item is one queued unit of work: Execute performs the side effect
// (typically writing a netlink message), Completed runs once the
// in-flight request this item produced has been acknowledged.
type Item struct {
	Execute   func(data any)
	Completed func(data any, err error)
	Data      any
	TraceID   string
	state     itemState
}

// Queue is a FIFO of Items with single-inflight semantics: Schedule
// never runs an item concurrently with another, and an item's Execute
// may call MarkSent to indicate a request went out over the wire, in
// which case the queue waits for Complete before moving on. An item
// whose Execute doesn't call MarkSent completes immediately, so a
// chain of no-op items drains without any round trip.
type Queue struct {
	mu             sync.Mutex
	items          []*Item
	isBusy         bool
	hasSentRequest bool
	log            *slog.Logger
}

func New(log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{log: log}
}

// Schedule appends an item to the tail of the queue and, if the queue
// was idle, starts draining it.
func (q *Queue) Schedule(execute func(data any), completed func(data any, err error), data any) {
	errors.Assert(execute != nil, "queue: execute must not be nil")

	item := &Item{Execute: execute, Completed: completed, Data: data, TraceID: uuid.NewString()}

	q.mu.Lock()
	q.items = append(q.items, item)
	idle := !q.isBusy
	q.mu.Unlock()

	if idle {
		q.processLoop()
	}
}

// MarkSent records that the currently-executing item put a request on
// the wire, so the queue should wait for Complete rather than treat the
// item as already done.
func (q *Queue) MarkSent() {
	q.mu.Lock()
	q.hasSentRequest = true
	q.mu.Unlock()
}

func (q *Queue) processLoop() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 || q.isBusy {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		errors.Assert(item.state == stateNew, "queue: head item is not NEW")
		q.isBusy = true
		q.hasSentRequest = false
		item.state = stateSent
		q.mu.Unlock()

		q.log.Debug("queue executing item", "trace_id", item.TraceID)
		item.Execute(item.Data)

		q.mu.Lock()
		sent := q.hasSentRequest
		q.mu.Unlock()
		if sent {
			return
		}
		q.Complete(nil)
	}
}

// Complete is called by the transport layer when the in-flight
// request's response (an ACK, a NACK, or a transport error) arrives. It
// pops the head item, runs its completion callback, and resumes
// draining the queue if more work is pending.
func (q *Queue) Complete(err error) {
	q.mu.Lock()
	errors.Assert(q.isBusy, "queue: complete called while idle")
	item := q.items[0]
	q.items = q.items[1:]
	errors.Assert(item.state == stateSent, "queue: completed item is not SENT")
	item.state = stateDone
	q.isBusy = false
	q.mu.Unlock()

	if err != nil {
		q.log.Warn("queue item failed", "trace_id", item.TraceID, "error", err)
	} else {
		q.log.Debug("queue item completed", "trace_id", item.TraceID)
	}

	if item.Completed != nil {
		item.Completed(item.Data, err)
	}

	q.mu.Lock()
	resume := len(q.items) > 0 && !q.isBusy
	q.mu.Unlock()
	if resume {
		q.processLoop()
	}
}

// IsBusy reports whether a request is currently in flight.
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isBusy
}

// Len reports the number of items still queued, including the one in
// flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

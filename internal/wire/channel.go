package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// eventQueueCapacity bounds the events channel; the teacher's storeQueue
// uses a similarly small bound and logs+drops on overflow rather than
// blocking the producer (tui/messages.go enqueueStoreBatch). Here overflow
// instead blocks the soul side briefly, since dropping an Event (unlike a
// best-effort SQLite write) would violate the Wire's ordering guarantee.
const eventQueueCapacity = 256

type pendingRequest struct {
	req   Request
	reply chan Reply
}

// Channel is a Wire Channel pair: one SoulSide owned by the Agent Loop, one
// UISide owned by the observer. Events flow soul→ui; requests flow
// soul→ui→soul (request then reply). The engine is single-threaded
// cooperative (spec §5), so at most one request is outstanding at a time.
type Channel struct {
	events   chan Event
	requests chan pendingRequest

	mu      sync.Mutex
	pending map[string]chan Reply
}

// New creates a fresh Channel pair.
func New() *Channel {
	return &Channel{
		events:   make(chan Event, eventQueueCapacity),
		requests: make(chan pendingRequest, 1),
		pending:  make(map[string]chan Reply),
	}
}

// SoulSide is the engine-owned endpoint: send-only for events, send+await
// for requests.
type SoulSide struct{ c *Channel }

// UISide is the observer-owned endpoint: receive-only for events,
// receive+answer for requests.
type UISide struct{ c *Channel }

// Soul returns the send-side endpoint.
func (c *Channel) Soul() SoulSide { return SoulSide{c: c} }

// UI returns the receive-side endpoint.
func (c *Channel) UI() UISide { return UISide{c: c} }

// Emit sends an Event to the UI side, blocking if the queue is full.
// Events are delivered in send order (spec §4.B ordering guarantee).
func (s SoulSide) Emit(e Event) { s.c.events <- e }

// Ask sends a Request and blocks for its Reply. ctx cancellation aborts the
// wait with ErrCancelled, matching spec §4.B's "cancellation signal aborts
// any pending request" — the request itself is left registered so a
// late-arriving Reply doesn't panic on a closed channel, but the caller
// must treat the turn as aborted.
func (s SoulSide) Ask(ctx context.Context, req Request) (Reply, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	reply := make(chan Reply, 1)

	s.c.mu.Lock()
	s.c.pending[req.ID] = reply
	s.c.mu.Unlock()

	s.c.requests <- pendingRequest{req: req, reply: reply}

	select {
	case r := <-reply:
		s.c.mu.Lock()
		delete(s.c.pending, req.ID)
		s.c.mu.Unlock()
		return r, nil
	case <-ctx.Done():
		return Reply{}, ErrCancelled
	}
}

// Events returns the receive side of the event stream. Consecutive
// Text/Thought deltas sharing a tool_call_id or step MAY be coalesced by a
// "merge mode" consumer (spec §4.B); Channel itself never reorders.
func (u UISide) Events() <-chan Event { return u.c.events }

// Requests returns the receive side of the request stream.
func (u UISide) Requests() <-chan Request {
	out := make(chan Request)
	go func() {
		defer close(out)
		for pr := range u.c.requests {
			out <- pr.req
		}
	}()
	return out
}

// Reply answers the outstanding request identified by id. Replying to an
// id with no registered request returns an error. A request whose Ask was
// cancelled stays registered, so a reply to it is accepted into its
// buffered slot and never read (the Ask caller already moved on).
func (u UISide) Reply(id string, r Reply) error {
	u.c.mu.Lock()
	ch, ok := u.c.pending[id]
	u.c.mu.Unlock()
	if !ok {
		return fmt.Errorf("wire: no pending request %q", id)
	}
	r.ID = id
	ch <- r
	return nil
}

// SideLog writes every Event observed on side to w as newline-delimited
// JSON, for post-hoc replay (spec §4.B: "durable side-log ... records only
// events, not requests"). It runs until side's Events channel closes or ctx
// is cancelled.
func SideLog(ctx context.Context, side UISide, w io.Writer) {
	enc := json.NewEncoder(w)
	for {
		select {
		case e, ok := <-side.Events():
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				log.Warn().Err(err).Msg("wire: side-log write failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

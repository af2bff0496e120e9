// Package stream fans committed domain events out to live connections.
// The hub is the single ordering authority: per-transaction sequence
// numbers are assigned under the same lock that guards the subscriber
// set, so a delivery can never race a teardown.
package stream

import (
	"context"
	"fmt"
	"log"
	"sync"

	"closeline/api/internal/event"
	"closeline/api/internal/rbac"
)

// Identity is the verified viewer bound to a subscription, captured at
// subscribe time and used to redact every delivery.
type Identity struct {
	UserID string
	Role   rbac.Role
}

// SeqLoader seeds a transaction's sequence counter from the persisted
// timeline, so counters survive process restarts without reuse.
type SeqLoader func(ctx context.Context, transactionID string) (int64, error)

type subscriber struct {
	connID  string
	viewer  Identity
	queue   chan<- event.Event
	dropped bool
}

type txState struct {
	mu        sync.Mutex
	seq       int64
	seqLoaded bool
	subs      map[string]*subscriber
}

type Hub struct {
	mu           sync.Mutex
	transactions map[string]*txState
	loadSeq      SeqLoader
}

func NewHub(loadSeq SeqLoader) *Hub {
	return &Hub{
		transactions: make(map[string]*txState),
		loadSeq:      loadSeq,
	}
}

func (h *Hub) tx(transactionID string) *txState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.transactions[transactionID]
	if !ok {
		st = &txState{subs: make(map[string]*subscriber)}
		h.transactions[transactionID] = st
	}
	return st
}

// ensureSeq must be called with st.mu held.
func (h *Hub) ensureSeq(ctx context.Context, transactionID string, st *txState) error {
	if st.seqLoaded {
		return nil
	}
	if h.loadSeq != nil {
		seq, err := h.loadSeq(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("load sequence for %s: %w", transactionID, err)
		}
		st.seq = seq
	}
	st.seqLoaded = true
	return nil
}

// Subscribe registers interest of one connection in one transaction and
// returns the transaction's current sequence number so the caller can
// request catch-up for anything it missed. Idempotent: resubscribing
// replaces the queue and viewer and clears any dropped mark.
func (h *Hub) Subscribe(ctx context.Context, connID, transactionID string, viewer Identity, queue chan<- event.Event) (int64, error) {
	st := h.tx(transactionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := h.ensureSeq(ctx, transactionID, st); err != nil {
		return 0, err
	}
	st.subs[connID] = &subscriber{connID: connID, viewer: viewer, queue: queue}
	return st.seq, nil
}

// Unsubscribe removes interest. Idempotent; delivery to the connection
// halts immediately and permanently.
func (h *Hub) Unsubscribe(connID, transactionID string) {
	h.mu.Lock()
	st, ok := h.transactions[transactionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	delete(st.subs, connID)
	st.mu.Unlock()
}

// DropConn removes the connection from every transaction it subscribed
// to. Called once on session teardown.
func (h *Hub) DropConn(connID string) {
	h.mu.Lock()
	states := make([]*txState, 0, len(h.transactions))
	for _, st := range h.transactions {
		states = append(states, st)
	}
	h.mu.Unlock()
	for _, st := range states {
		st.mu.Lock()
		delete(st.subs, connID)
		st.mu.Unlock()
	}
}

// InterestedConnections returns the connections currently subscribed to
// the transaction.
func (h *Hub) InterestedConnections(transactionID string) []string {
	h.mu.Lock()
	st, ok := h.transactions[transactionID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	conns := make([]string, 0, len(st.subs))
	for connID := range st.subs {
		conns = append(conns, connID)
	}
	return conns
}

// CurrentSequence reports the transaction's latest assigned sequence.
func (h *Hub) CurrentSequence(ctx context.Context, transactionID string) (int64, error) {
	st := h.tx(transactionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := h.ensureSeq(ctx, transactionID, st); err != nil {
		return 0, err
	}
	return st.seq, nil
}

// Publish serializes one mutation on the transaction's timeline. Under
// the per-transaction lock it assigns the next sequence number, runs
// build (which persists the event and its side effects), and fans the
// event out to every subscriber, redacted per viewer. If build fails
// the counter is not advanced and nothing is delivered. A subscriber
// whose queue is full loses only its own delivery: the event is dropped
// there, logged, and the connection repairs the gap from the persisted
// timeline.
func (h *Hub) Publish(ctx context.Context, transactionID string, build func(seq int64) (event.Event, error)) (event.Event, error) {
	st := h.tx(transactionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := h.ensureSeq(ctx, transactionID, st); err != nil {
		return event.Event{}, err
	}

	evt, err := build(st.seq + 1)
	if err != nil {
		return event.Event{}, err
	}
	st.seq++
	evt.Sequence = st.seq
	evt.TransactionID = transactionID

	for _, sub := range st.subs {
		delivery := evt.RedactFor(sub.viewer.Role, sub.viewer.UserID)
		select {
		case sub.queue <- delivery:
			sub.dropped = false
		default:
			sub.dropped = true
			log.Printf("stream: delivery dropped conn=%s transaction=%s seq=%d", sub.connID, transactionID, evt.Sequence)
		}
	}
	return evt, nil
}

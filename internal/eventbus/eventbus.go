// Package eventbus implements C10: a typed, in-process publish/subscribe
// plane with a request/response correlation pattern on top.
//
// Grounded on original_source/src/fold_db_core/managers/field.rs's
// PendingRequest/response_sender/cleanup-thread shape (correlation ids,
// a per-request response channel registered before the request is
// published, and a background sweep that times out anything left
// unanswered) adapted to Go channels and a cron-driven sweep instead of
// a raw sleep loop, using the teacher's robfig/cron dependency
// (pkg/* wires cron for scheduled maintenance elsewhere in spoke).
package eventbus

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/datafold/internal/fault"
)

// Message type names relevant to the core (spec §4.10).
const (
	TypeAtomCreateRequest        = "AtomCreateRequest"
	TypeAtomCreateResponse       = "AtomCreateResponse"
	TypeAtomRefCreateRequest     = "AtomRefCreateRequest"
	TypeAtomRefCreateResponse    = "AtomRefCreateResponse"
	TypeAtomRefUpdateRequest     = "AtomRefUpdateRequest"
	TypeAtomRefUpdateResponse    = "AtomRefUpdateResponse"
	TypeFieldValueSetRequest     = "FieldValueSetRequest"
	TypeFieldValueSetResponse    = "FieldValueSetResponse"
	TypeFieldUpdateRequest       = "FieldUpdateRequest"
	TypeFieldUpdateResponse      = "FieldUpdateResponse"
	TypeFieldValueQueryRequest   = "FieldValueQueryRequest"
	TypeFieldValueSet            = "FieldValueSet"
	TypeMutationExecuted         = "MutationExecuted"
	TypeTransformExecuted        = "TransformExecuted"
	TypeSchemaLoaded             = "SchemaLoaded"
	TypeSchemaChanged            = "SchemaChanged"
)

// DefaultWaiterTimeout is the hard timeout a correlation-id waiter honors
// when no matching response arrives (spec §4.10).
const DefaultWaiterTimeout = 5 * time.Second

// defaultSweepInterval is how often expired waiters are garbage collected.
const defaultSweepInterval = 5 * time.Second

// Envelope is what every publish carries: a message type tag, an
// optional correlation id for request/response matching, and the
// caller's payload.
type Envelope struct {
	Type          string
	CorrelationID string
	Payload       interface{}
}

// Handler receives every Envelope published for the type(s) it
// subscribed to.
type Handler func(Envelope)

type subscription struct {
	id      uint64
	msgType string
	handler Handler
}

type waiter struct {
	ch        chan Envelope
	expiresAt time.Time
}

// Bus is the in-process pub/sub plane. Each message type has its own set
// of subscriber handlers; publishers never block on delivery (handlers
// run in their own goroutine per publish, matching "publishers never
// block" in spec §4.10).
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]subscription
	nextSub uint64

	waitersMu sync.Mutex
	waiters   map[string]*waiter // correlation id -> waiter

	cron     *cron.Cron
	cronOnce sync.Once
}

// New builds a Bus and starts its periodic waiter-expiry sweep, scheduled
// via the same robfig/cron dependency the teacher uses for background
// maintenance jobs elsewhere.
func New() *Bus {
	b := &Bus{
		subs:    make(map[string][]subscription),
		waiters: make(map[string]*waiter),
		cron:    cron.New(cron.WithSeconds()),
	}
	// "*/5 * * * * *": every defaultSweepInterval (5s).
	_, _ = b.cron.AddFunc("*/5 * * * * *", b.sweepExpiredWaiters)
	b.cron.Start()
	return b
}

// Stop halts the background sweep. Does not affect already-installed
// subscriptions.
func (b *Bus) Stop() {
	b.cron.Stop()
}

// Subscribe registers handler to run for every Envelope published under
// msgType, returning a function that removes the subscription.
func (b *Bus) Subscribe(msgType string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[msgType] = append(b.subs[msgType], subscription{id: id, msgType: msgType, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[msgType]
		for i, s := range subs {
			if s.id == id {
				b.subs[msgType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish dispatches env to every handler subscribed to env.Type, and — if
// a waiter is registered under env.CorrelationID — also resolves that
// waiter. Per spec §4.10 publishers never block: each handler and waiter
// delivery runs in its own goroutine.
func (b *Bus) Publish(msgType string, payload interface{}) {
	b.PublishCorrelated(msgType, "", payload)
}

// PublishCorrelated is Publish plus an explicit correlation id, used for
// response messages that must resolve a waiter installed by Await.
func (b *Bus) PublishCorrelated(msgType, correlationID string, payload interface{}) {
	env := Envelope{Type: msgType, CorrelationID: correlationID, Payload: payload}

	b.mu.RLock()
	handlers := append([]subscription(nil), b.subs[msgType]...)
	b.mu.RUnlock()

	for _, s := range handlers {
		h := s.handler
		go h(env)
	}

	if correlationID == "" {
		return
	}
	b.waitersMu.Lock()
	w, ok := b.waiters[correlationID]
	if ok {
		delete(b.waiters, correlationID)
	}
	b.waitersMu.Unlock()
	if ok {
		go func() { w.ch <- env }()
	}
}

// Await installs a waiter for correlationID and blocks until a matching
// PublishCorrelated call resolves it or timeout elapses, whichever comes
// first (spec §4.10's "hard timeout (default 5s)"). A zero timeout uses
// DefaultWaiterTimeout.
func (b *Bus) Await(correlationID string, timeout time.Duration) (Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultWaiterTimeout
	}
	w := &waiter{ch: make(chan Envelope, 1), expiresAt: time.Now().Add(timeout)}

	b.waitersMu.Lock()
	b.waiters[correlationID] = w
	b.waitersMu.Unlock()

	select {
	case env := <-w.ch:
		return env, nil
	case <-time.After(timeout):
		b.waitersMu.Lock()
		delete(b.waiters, correlationID)
		b.waitersMu.Unlock()
		return Envelope{}, fault.New(fault.Timeout, "eventbus: no response for correlation id %s within %s", correlationID, timeout)
	}
}

// sweepExpiredWaiters GCs waiters whose deadline has already passed
// without a matching Await caller noticing (e.g. the caller's own
// select raced the timer). Mirrors field.rs's cleanup thread.
func (b *Bus) sweepExpiredWaiters() {
	now := time.Now()
	b.waitersMu.Lock()
	defer b.waitersMu.Unlock()
	for id, w := range b.waiters {
		if now.After(w.expiresAt) {
			delete(b.waiters, id)
		}
	}
}

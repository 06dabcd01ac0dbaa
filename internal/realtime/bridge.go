// Package realtime fans database change notifications out to in-process subscribers and browser clients.
// Subscribers refetch on every event; payloads only say which table changed.
package realtime

import (
	"sort"
	"sync"
	"time"

	"hemtjanst/api/internal/logging"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
	// Resync is emitted after a (re)connect; notifications may have been missed.
	Resync EventType = "RESYNC"
)

type EventMask uint8

const (
	MaskInsert EventMask = 1 << iota
	MaskUpdate
	MaskDelete

	AllEvents = MaskInsert | MaskUpdate | MaskDelete
)

// AnyTable subscribes to every table.
const AnyTable = "*"

// Matches reports whether an event type passes the mask. Resync passes any non-empty mask.
func (m EventMask) Matches(t EventType) bool {
	switch t {
	case Insert:
		return m&MaskInsert != 0
	case Update:
		return m&MaskUpdate != 0
	case Delete:
		return m&MaskDelete != 0
	case Resync:
		return m != 0
	default:
		return false
	}
}

type Event struct {
	Table    string    `json:"table"`
	Type     EventType `json:"type"`
	RecordID string    `json:"recordId,omitempty"`
	At       time.Time `json:"at"`
}

type Handler func(Event)

type subscription struct {
	id      uint64
	table   string
	mask    EventMask
	handler Handler
}

// Bridge routes events to subscriptions by table and event mask.
type Bridge struct {
	log logging.Logger

	mu   sync.RWMutex
	subs map[uint64]*subscription
	next uint64
}

func NewBridge(log logging.Logger) *Bridge {
	return &Bridge{
		log:  logging.OrNoOp(log),
		subs: make(map[uint64]*subscription),
	}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	bridge *Bridge
	id     uint64
	once   sync.Once
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bridge == nil {
		return
	}
	s.once.Do(func() {
		s.bridge.mu.Lock()
		delete(s.bridge.subs, s.id)
		s.bridge.mu.Unlock()
	})
}

func (b *Bridge) Subscribe(table string, mask EventMask, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[b.next] = &subscription{id: b.next, table: table, mask: mask, handler: handler}
	return &Subscription{bridge: b, id: b.next}
}

// Dispatch calls every matching handler once, in subscription order. A panicking handler is logged and skipped.
func (b *Bridge) Dispatch(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.table != AnyTable && sub.table != event.Table {
			continue
		}
		if !sub.mask.Matches(event.Type) {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, sub := range matched {
		b.invoke(sub, event)
	}
}

func (b *Bridge) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("realtime handler panicked", "table", event.Table, "type", event.Type, "panic", r)
		}
	}()
	sub.handler(event)
}

// Tables lists the distinct tables with at least one subscription.
func (b *Bridge) Tables() []string {
	b.mu.RLock()
	seen := make(map[string]struct{})
	for _, sub := range b.subs {
		seen[sub.table] = struct{}{}
	}
	b.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for table := range seen {
		out = append(out, table)
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Scope groups subscriptions owned by one component so they can be torn down together.
type Scope struct {
	bridge *Bridge

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

func (b *Bridge) Scope() *Scope {
	return &Scope{bridge: b}
}

// Subscribe registers a handler owned by the scope. After Close it returns nil and registers nothing.
func (s *Scope) Subscribe(table string, mask EventMask, handler Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	sub := s.bridge.Subscribe(table, mask, handler)
	s.subs = append(s.subs, sub)
	return sub
}

func (s *Scope) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

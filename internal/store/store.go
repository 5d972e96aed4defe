// Package store owns all client-visible state. Every change goes through a
// mutation primitive; each call (or each Update batch) is one atomic commit
// followed by exactly one notification.
package store

import (
	"log/slog"
	"strings"
	"sync"

	"chatsync/internal/bus"
	"chatsync/internal/domain"
)

// Change describes a commit.
type Change struct {
	Version   uint64
	Mutations []string
}

// Observer receives every committed snapshot, in commit order.
type Observer func(Snapshot, Change)

type Store struct {
	mu       sync.Mutex
	state    Snapshot
	bus      *bus.EventBus
	logger   *slog.Logger
	queue    []bus.Event
	draining bool
}

func New(eventBus *bus.EventBus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if eventBus == nil {
		eventBus = bus.NewEventBusWithHistory(logger, 0)
	}
	return &Store{bus: eventBus, logger: logger}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers an observer and returns its id.
func (s *Store) Subscribe(fn Observer) string {
	return s.bus.On(bus.EventStoreChanged, func(e bus.Event) {
		snap, _ := e.Payload["snapshot"].(Snapshot)
		change, _ := e.Payload["change"].(Change)
		fn(snap, change)
	})
}

func (s *Store) Unsubscribe(id string) {
	s.bus.Off(bus.EventStoreChanged, id)
}

// Update applies fn as a single commit. Nothing is published if fn made no
// change.
func (s *Store) Update(fn func(tx *Tx)) {
	s.mu.Lock()
	tx := &Tx{state: &s.state, logger: s.logger}
	fn(tx)
	if len(tx.mutations) == 0 {
		s.mu.Unlock()
		return
	}
	s.state.Version++
	change := Change{Version: s.state.Version, Mutations: tx.mutations}
	s.queue = append(s.queue, bus.Event{
		Type:      bus.EventStoreChanged,
		Source:    "store",
		Payload:   map[string]any{"snapshot": s.state.clone(), "change": change},
		Transient: true,
	})
	s.logger.Debug("store commit", "version", change.Version, "mutations", strings.Join(change.Mutations, ","))
	s.drainLocked()
}

// drainLocked delivers queued notifications outside the lock. Only one
// goroutine drains at a time, which keeps delivery in commit order and lets
// observers mutate the store without deadlocking. Called with s.mu held;
// returns with it released.
func (s *Store) drainLocked() {
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.bus.Emit(ev)
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

// --- Primitives ---

func (s *Store) SetUser(u *domain.User) {
	s.Update(func(tx *Tx) { tx.SetUser(u) })
}

func (s *Store) SetConversations(convs []domain.Conversation) {
	s.Update(func(tx *Tx) { tx.SetConversations(convs) })
}

// AddConversation prepends conv to the list.
func (s *Store) AddConversation(conv domain.Conversation) {
	s.Update(func(tx *Tx) { tx.AddConversation(conv) })
}

// SetActiveConversation makes conv active and replaces the message list
// with msgs in the same commit. A nil conv clears both.
func (s *Store) SetActiveConversation(conv *domain.Conversation, msgs []domain.Entry) {
	s.Update(func(tx *Tx) { tx.SetActiveConversation(conv, msgs) })
}

func (s *Store) SetMessages(msgs []domain.Entry) {
	s.Update(func(tx *Tx) { tx.SetMessages(msgs) })
}

// AppendMessage appends e to the message list. It reports false, changing
// nothing, when e belongs to a conversation other than the active one.
func (s *Store) AppendMessage(e domain.Entry) bool {
	var ok bool
	s.Update(func(tx *Tx) { ok = tx.AppendMessage(e) })
	return ok
}

// PatchMessage merges p into the entry with handle h, in place. It reports
// false, changing nothing, when no entry has that handle.
func (s *Store) PatchMessage(h domain.Handle, p Patch) bool {
	var ok bool
	s.Update(func(tx *Tx) { ok = tx.PatchMessage(h, p) })
	return ok
}

func (s *Store) SetLoading(loading bool) {
	s.Update(func(tx *Tx) { tx.SetLoading(loading) })
}

// SetError sets the global error message; "" clears it.
func (s *Store) SetError(msg string) {
	s.Update(func(tx *Tx) { tx.SetError(msg) })
}

// Reset drops all state, as after sign-out.
func (s *Store) Reset() {
	s.Update(func(tx *Tx) { tx.Reset() })
}

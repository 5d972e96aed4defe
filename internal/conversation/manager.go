// Package conversation loads, creates and switches conversations, keeping
// the store's conversation list and active view consistent with the
// backend.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chatsync/internal/auth"
	"chatsync/internal/bus"
	"chatsync/internal/domain"
	"chatsync/internal/store"
)

// User-facing error flag texts.
const (
	ErrTextLoadList = "failed to load conversations"
	ErrTextCreate   = "failed to create conversation"
	ErrTextSelect   = "failed to load conversation"
	ErrTextRename   = "failed to rename conversation"
	ErrTextDelete   = "failed to delete conversation"
)

// ErrSuperseded is returned by Select when a later Select started before
// this one finished. Its result was discarded.
var ErrSuperseded = errors.New("selection superseded")

// Credentials resolves the session required to create conversations.
type Credentials interface {
	Require(ctx context.Context) (*domain.Session, error)
}

type Config struct {
	Store         *store.Store
	Conversations domain.ConversationService
	Messages      domain.MessageService
	Credentials   Credentials
	// Cache is optional. When set, server views are written through and
	// read back when the backend is unreachable.
	Cache  domain.SnapshotCache
	Bus    *bus.EventBus
	Logger *slog.Logger
}

type Manager struct {
	store         *store.Store
	conversations domain.ConversationService
	messages      domain.MessageService
	creds         Credentials
	cache         domain.SnapshotCache
	bus           *bus.EventBus
	logger        *slog.Logger

	sel selection
}

// selection tracks the most recent Select. A Select whose sequence number
// is no longer current when it commits is discarded.
type selection struct {
	mu      sync.Mutex
	seq     uint64
	pending string // id of the in-flight Select, "" when none
}

func (s *selection) begin(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.pending = id
	return s.seq
}

// finish reports whether seq is still current and, if so, marks it done.
func (s *selection) finish(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq != seq {
		return false
	}
	s.pending = ""
	return true
}

// supersede discards the in-flight Select if it targets id, or any
// in-flight Select when id is "". It reports whether one was discarded.
func (s *selection) supersede(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == "" || (id != "" && s.pending != id) {
		return false
	}
	s.seq++
	s.pending = ""
	return true
}

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:         cfg.Store,
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		creds:         cfg.Credentials,
		cache:         cfg.Cache,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
	}
}

// Load fetches the conversation list. On failure the cached list, if any,
// is shown and the error flag is set.
func (m *Manager) Load(ctx context.Context) error {
	m.store.SetLoading(true)

	convs, err := m.conversations.List(ctx)
	if err != nil {
		cached := m.cachedConversations(ctx)
		m.store.Update(func(tx *store.Tx) {
			if len(cached) > 0 {
				tx.SetConversations(cached)
			}
			tx.SetError(ErrTextLoadList)
			tx.SetLoading(false)
		})
		m.logger.Error("load conversations", "cached", len(cached), "error", err)
		return err
	}

	m.store.Update(func(tx *store.Tx) {
		tx.SetConversations(convs)
		tx.SetError("")
		tx.SetLoading(false)
	})
	if m.cache != nil {
		if err := m.cache.SaveConversations(ctx, convs); err != nil {
			m.logger.Warn("cache conversations", "error", err)
		}
	}
	m.logger.Info("conversations loaded", "count", len(convs))
	return nil
}

// Create makes a new conversation and activates it with no messages.
func (m *Manager) Create(ctx context.Context, title string) (*domain.Conversation, error) {
	m.store.SetLoading(true)

	conv, err := m.create(ctx, title)
	if err != nil {
		m.store.Update(func(tx *store.Tx) {
			tx.SetError(ErrTextCreate)
			tx.SetLoading(false)
		})
		m.logger.Error("create conversation", "title", title, "error", err)
		return nil, err
	}

	// A pending Select must not overwrite the new conversation.
	m.store.Update(func(tx *store.Tx) {
		m.sel.supersede("")
		tx.AddConversation(*conv)
		tx.SetActiveConversation(conv, nil)
		tx.SetLoading(false)
	})
	m.saveList(ctx)
	m.emit(bus.EventConversationCreated, conv.ID)
	m.logger.Info("conversation created", "id", conv.ID, "title", conv.Title)
	return conv, nil
}

func (m *Manager) create(ctx context.Context, title string) (*domain.Conversation, error) {
	if _, err := m.creds.Require(ctx); err != nil {
		return nil, err
	}
	conv, err := m.conversations.Create(ctx, title)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.ID == "" {
		return nil, fmt.Errorf("create conversation: response has no id")
	}
	return conv, nil
}

// Select makes id the active conversation. Both the conversation and its
// messages are fetched before anything changes, then applied in a single
// commit, so no observer sees one conversation with another's messages.
func (m *Manager) Select(ctx context.Context, id string) error {
	seq := m.sel.begin(id)
	m.store.SetLoading(true)

	conv, msgs, err := m.fetch(ctx, id)
	if err != nil {
		return m.selectFailed(ctx, seq, id, err)
	}

	entries := make([]domain.Entry, len(msgs))
	for i, msg := range msgs {
		entries[i] = domain.EntryFromServer(msg)
	}
	stale := false
	m.store.Update(func(tx *store.Tx) {
		if !m.sel.finish(seq) {
			stale = true
			return
		}
		tx.SetActiveConversation(conv, entries)
		tx.SetError("")
		tx.SetLoading(false)
	})
	if stale {
		m.logger.Debug("discarding stale selection", "conversation", id)
		return ErrSuperseded
	}

	if m.cache != nil {
		if err := m.cache.SaveMessages(ctx, id, msgs); err != nil {
			m.logger.Warn("cache messages", "conversation", id, "error", err)
		}
	}
	m.emit(bus.EventConversationSelected, id)
	m.logger.Info("conversation selected", "id", id, "messages", len(msgs))
	return nil
}

func (m *Manager) fetch(ctx context.Context, id string) (*domain.Conversation, []domain.Message, error) {
	conv, err := m.conversations.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := m.messages.List(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// selectFailed sets the error flag and, when the cache knows the
// conversation, shows the cached view instead.
func (m *Manager) selectFailed(ctx context.Context, seq uint64, id string, cause error) error {
	m.logger.Error("select conversation", "conversation", id, "error", cause)

	var cached []domain.Message
	if m.cache != nil {
		var err error
		if cached, err = m.cache.GetMessages(ctx, id); err != nil {
			m.logger.Warn("read cached messages", "conversation", id, "error", err)
			cached = nil
		}
	}

	stale := false
	m.store.Update(func(tx *store.Tx) {
		if !m.sel.finish(seq) {
			stale = true
			return
		}
		st := tx.State()
		if conv, ok := listed(st, id); ok && len(cached) > 0 {
			entries := make([]domain.Entry, len(cached))
			for i, msg := range cached {
				entries[i] = domain.EntryFromServer(msg)
			}
			tx.SetActiveConversation(&conv, entries)
		}
		tx.SetError(ErrTextSelect)
		tx.SetLoading(false)
	})
	if stale {
		return ErrSuperseded
	}
	return cause
}

// Rename changes a conversation's title.
func (m *Manager) Rename(ctx context.Context, id, title string) error {
	conv, err := m.conversations.Update(ctx, id, title)
	if err != nil {
		m.store.SetError(ErrTextRename)
		m.logger.Error("rename conversation", "id", id, "error", err)
		return err
	}
	if conv == nil || conv.ID == "" {
		st := m.store.Snapshot()
		existing, ok := listed(st, id)
		if !ok {
			return nil
		}
		existing.Title = title
		conv = &existing
	}
	m.store.Update(func(tx *store.Tx) { tx.PutConversation(*conv) })
	m.saveList(ctx)
	return nil
}

// Delete removes a conversation. If it was active, the active view is
// cleared in the same commit. A Select still loading the deleted
// conversation is discarded; one loading another conversation proceeds.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.conversations.Delete(ctx, id); err != nil {
		m.store.SetError(ErrTextDelete)
		m.logger.Error("delete conversation", "id", id, "error", err)
		return err
	}
	m.store.Update(func(tx *store.Tx) {
		if m.sel.supersede(id) {
			tx.SetLoading(false)
		}
		tx.RemoveConversation(id)
	})
	if m.cache != nil {
		if err := m.cache.DeleteConversation(ctx, id); err != nil {
			m.logger.Warn("cache delete", "id", id, "error", err)
		}
	}
	m.logger.Info("conversation deleted", "id", id)
	return nil
}

// HandleSignOut drops everything loaded under a rejected credential.
// Register it with auth.Guard.OnSignOut.
func (m *Manager) HandleSignOut(ctx context.Context, ev auth.SignOutEvent) {
	if !ev.ResetState {
		return
	}
	m.sel.supersede("")
	m.store.Reset()
	m.emit(bus.EventSignedOut, "")
}

func (m *Manager) cachedConversations(ctx context.Context) []domain.Conversation {
	if m.cache == nil {
		return nil
	}
	convs, err := m.cache.ListConversations(ctx)
	if err != nil {
		m.logger.Warn("read cached conversations", "error", err)
		return nil
	}
	return convs
}

func (m *Manager) saveList(ctx context.Context) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SaveConversations(ctx, m.store.Snapshot().Conversations); err != nil {
		m.logger.Warn("cache conversations", "error", err)
	}
}

func (m *Manager) emit(eventType, id string) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(bus.Event{Type: eventType, Source: "conversation", Payload: map[string]any{"conversation": id}})
}

func listed(st store.Snapshot, id string) (domain.Conversation, bool) {
	for _, c := range st.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	if st.Active != nil && st.Active.ID == id {
		return *st.Active, true
	}
	return domain.Conversation{}, false
}

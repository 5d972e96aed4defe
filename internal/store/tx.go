package store

import (
	"log/slog"
	"slices"

	"chatsync/internal/domain"
)

// Tx exposes the mutation primitives inside an Update. It must not be kept
// after the Update callback returns.
type Tx struct {
	state     *Snapshot
	logger    *slog.Logger
	mutations []string
}

// State returns the state as mutated so far. Callers must not modify it.
func (tx *Tx) State() Snapshot { return *tx.state }

func (tx *Tx) mark(name string) { tx.mutations = append(tx.mutations, name) }

func (tx *Tx) SetUser(u *domain.User) {
	if u != nil {
		cp := *u
		u = &cp
	}
	tx.state.User = u
	tx.mark("setUser")
}

func (tx *Tx) SetConversations(convs []domain.Conversation) {
	out := make([]domain.Conversation, len(convs))
	for i, c := range convs {
		out[i] = c.Clone()
	}
	tx.state.Conversations = out
	tx.mark("setConversations")
}

func (tx *Tx) AddConversation(conv domain.Conversation) {
	tx.state.Conversations = append([]domain.Conversation{conv.Clone()}, tx.state.Conversations...)
	tx.mark("addConversation")
}

// PutConversation replaces the listed conversation with the same id, and the
// active one if it matches. Unknown ids are ignored.
func (tx *Tx) PutConversation(conv domain.Conversation) bool {
	found := false
	for i := range tx.state.Conversations {
		if tx.state.Conversations[i].ID == conv.ID {
			tx.state.Conversations[i] = conv.Clone()
			found = true
		}
	}
	if tx.state.Active != nil && tx.state.Active.ID == conv.ID {
		c := conv.Clone()
		tx.state.Active = &c
		found = true
	}
	if found {
		tx.mark("putConversation")
	}
	return found
}

// RemoveConversation drops a conversation from the list. If it was active,
// the active conversation and the message list are cleared too.
func (tx *Tx) RemoveConversation(id string) bool {
	before := len(tx.state.Conversations)
	tx.state.Conversations = slices.DeleteFunc(tx.state.Conversations, func(c domain.Conversation) bool {
		return c.ID == id
	})
	removed := len(tx.state.Conversations) != before
	if tx.state.Active != nil && tx.state.Active.ID == id {
		tx.state.Active = nil
		tx.state.Messages = nil
		removed = true
	}
	if removed {
		tx.mark("removeConversation")
	}
	return removed
}

func (tx *Tx) SetActiveConversation(conv *domain.Conversation, msgs []domain.Entry) {
	if conv == nil {
		tx.state.Active = nil
		tx.state.Messages = nil
	} else {
		c := conv.Clone()
		tx.state.Active = &c
		tx.state.Messages = cloneEntries(msgs)
	}
	tx.mark("setActiveConversation")
}

func (tx *Tx) SetMessages(msgs []domain.Entry) {
	tx.state.Messages = cloneEntries(msgs)
	tx.mark("setMessages")
}

func (tx *Tx) AppendMessage(e domain.Entry) bool {
	active := tx.state.ActiveID()
	if active == "" || e.Message.ConversationID != active {
		tx.logger.Info("dropping message for inactive conversation",
			"handle", e.Handle, "conversation", e.Message.ConversationID, "active", active)
		return false
	}
	tx.state.Messages = append(tx.state.Messages, domain.Entry{Handle: e.Handle, Message: e.Message.Clone()})
	tx.mark("appendMessage")
	return true
}

func (tx *Tx) PatchMessage(h domain.Handle, p Patch) bool {
	for i := range tx.state.Messages {
		if tx.state.Messages[i].Handle == h {
			p.apply(&tx.state.Messages[i].Message)
			tx.mark("patchMessage")
			return true
		}
	}
	tx.logger.Debug("patch target not in message list", "handle", h)
	return false
}

func (tx *Tx) SetLoading(loading bool) {
	tx.state.Loading = loading
	tx.mark("setLoading")
}

func (tx *Tx) SetError(msg string) {
	tx.state.Error = msg
	tx.mark("setError")
}

func (tx *Tx) Reset() {
	version := tx.state.Version
	*tx.state = Snapshot{Version: version}
	tx.mark("reset")
}

func cloneEntries(entries []domain.Entry) []domain.Entry {
	out := make([]domain.Entry, len(entries))
	for i, e := range entries {
		out[i] = domain.Entry{Handle: e.Handle, Message: e.Message.Clone()}
	}
	return out
}

package store

import (
	"time"

	"chatsync/internal/domain"
)

// Snapshot is an immutable copy of client-visible state. Observers share
// the same snapshot value and must not modify it.
type Snapshot struct {
	Version       uint64                `json:"version"`
	User          *domain.User          `json:"user"`
	Conversations []domain.Conversation `json:"conversas"`
	Active        *domain.Conversation  `json:"conversaAtiva"`
	Messages      []domain.Entry        `json:"mensagens"`
	Loading       bool                  `json:"loading"`
	Error         string                `json:"error"`
}

// Entry looks up a message entry by handle.
func (s Snapshot) Entry(h domain.Handle) (domain.Entry, bool) {
	for _, e := range s.Messages {
		if e.Handle == h {
			return e, true
		}
	}
	return domain.Entry{}, false
}

// ActiveID returns the active conversation id, or "".
func (s Snapshot) ActiveID() string {
	if s.Active == nil {
		return ""
	}
	return s.Active.ID
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.Active != nil {
		a := s.Active.Clone()
		out.Active = &a
	}
	if s.Conversations != nil {
		out.Conversations = make([]domain.Conversation, len(s.Conversations))
		for i, c := range s.Conversations {
			out.Conversations[i] = c.Clone()
		}
	}
	if s.Messages != nil {
		out.Messages = make([]domain.Entry, len(s.Messages))
		for i, e := range s.Messages {
			out.Messages[i] = domain.Entry{Handle: e.Handle, Message: e.Message.Clone()}
		}
	}
	return out
}

// Patch is a partial message update. Nil fields are left untouched.
type Patch struct {
	ID         *string
	Content    *string
	Sender     *domain.SenderKind
	Status     *domain.DeliveryStatus
	Image      *domain.ImageRef
	Attachment *domain.StoredImage
	CreatedAt  *time.Time
}

// StatusPatch changes only the delivery status.
func StatusPatch(status domain.DeliveryStatus) Patch {
	return Patch{Status: &status}
}

// ServerPatch merges the server's record of a message and sets status.
// Empty server fields do not erase what the client already shows.
func ServerPatch(m domain.Message, status domain.DeliveryStatus) Patch {
	p := Patch{Status: &status}
	if m.ID != "" {
		p.ID = &m.ID
	}
	if m.Content != "" {
		p.Content = &m.Content
	}
	if m.Sender != "" {
		p.Sender = &m.Sender
	}
	if m.Image != nil {
		img := *m.Image
		p.Image = &img
	}
	if m.Attachment != nil {
		att := *m.Attachment
		p.Attachment = &att
	}
	if !m.CreatedAt.IsZero() {
		p.CreatedAt = &m.CreatedAt
	}
	return p
}

func (p Patch) apply(m *domain.Message) {
	if p.ID != nil {
		m.ID = *p.ID
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Sender != nil {
		m.Sender = *p.Sender
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Image != nil {
		img := *p.Image
		m.Image = &img
	}
	if p.Attachment != nil {
		att := *p.Attachment
		m.Attachment = &att
	}
	if p.CreatedAt != nil {
		m.CreatedAt = *p.CreatedAt
	}
}

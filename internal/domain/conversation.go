package domain

import "time"

// Conversation mirrors the backend's conversation record. JSON field names
// are the backend's and must not change.
type Conversation struct {
	ID          string       `json:"id"`
	Title       string       `json:"titulo"`
	LastMessage *LastMessage `json:"ultimaMensagem,omitempty"`
	Unread      int          `json:"naoLidas"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// LastMessage is the preview shown in conversation lists.
type LastMessage struct {
	Content string    `json:"conteudo"`
	Date    time.Time `json:"data"`
}

// Clone returns a copy that shares no pointers with c.
func (c Conversation) Clone() Conversation {
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}

// WithPreview returns a copy of c whose preview and update time reflect msg.
func (c Conversation) WithPreview(msg Message) Conversation {
	c = c.Clone()
	at := msg.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	c.LastMessage = &LastMessage{Content: msg.Content, Date: at}
	c.UpdatedAt = at
	return c
}

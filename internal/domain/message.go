package domain

import (
	"encoding/json"
	"time"
)

// SenderKind identifies who authored a message.
type SenderKind string

const (
	SenderUser SenderKind = "usuario"
	SenderAI   SenderKind = "ia"
)

// DeliveryStatus is the wire value of a message's delivery status.
type DeliveryStatus string

const (
	StatusSending DeliveryStatus = "enviando"
	StatusSent    DeliveryStatus = "enviada"
	StatusError   DeliveryStatus = "erro"
)

// Message is a chat message as exchanged with the backend.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversa_id"`
	Content        string         `json:"conteudo"`
	Sender         SenderKind     `json:"tipo"`
	Status         DeliveryStatus `json:"status,omitempty"`
	Image          *ImageRef      `json:"imagem,omitempty"`
	Attachment     *StoredImage   `json:"imagem_anexada,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// ImageRef points at an uploaded image.
type ImageRef struct {
	URL string `json:"url"`
	Alt string `json:"alt"`
}

// StoredImage is the backend's record of an uploaded attachment.
type StoredImage struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"mensagem_id"`
	UserID       int64     `json:"usuario_id"`
	OriginalName string    `json:"nome_original"`
	FileName     string    `json:"nome_arquivo"`
	Path         string    `json:"caminho_arquivo"`
	PublicURL    string    `json:"url_publica"`
	MimeType     string    `json:"tipo_mime"`
	SizeBytes    string    `json:"tamanho_bytes"`
	Width        int       `json:"largura"`
	Height       int       `json:"altura"`
	Active       bool      `json:"is_ativo"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UnmarshalJSON accepts both createdAt and created_at; the backend emits
// either depending on the endpoint.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		CreatedAtSnake *time.Time `json:"created_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	if m.CreatedAt.IsZero() && aux.CreatedAtSnake != nil {
		m.CreatedAt = *aux.CreatedAtSnake
	}
	return nil
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	if m.Image != nil {
		img := *m.Image
		m.Image = &img
	}
	if m.Attachment != nil {
		att := *m.Attachment
		m.Attachment = &att
	}
	return m
}

// Handle is the stable local key of a message entry. For optimistic
// messages it is the temporary id assigned before any I/O; for messages
// loaded from the backend it is the server id. It never changes once the
// entry exists, even after the server assigns its own id.
type Handle string

// DeliveryState is the tagged view over an entry's lifecycle.
type DeliveryState int

const (
	Pending DeliveryState = iota
	Confirmed
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is a message as held by the client, keyed by its handle.
type Entry struct {
	Handle  Handle  `json:"handle"`
	Message Message `json:"message"`
}

// State classifies the entry by delivery status. Messages loaded from the
// backend carry no status and count as confirmed.
func (e Entry) State() DeliveryState {
	switch e.Message.Status {
	case StatusSending:
		return Pending
	case StatusError:
		return Failed
	default:
		return Confirmed
	}
}

// EntryFromServer wraps a backend message, keyed by its server id.
func EntryFromServer(m Message) Entry {
	return Entry{Handle: Handle(m.ID), Message: m}
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"chatsync/internal/domain"
	"chatsync/internal/transport"
)

// Messages is the /mensagens resource.
type Messages struct {
	client *transport.Client
	logger *slog.Logger
}

func NewMessages(client *transport.Client, logger *slog.Logger) *Messages {
	return &Messages{client: client, logger: logger}
}

type sendRequest struct {
	ConversationID string           `json:"conversa_id"`
	Content        string           `json:"content"`
	Image          *domain.ImageRef `json:"imagem,omitempty"`
}

type replyRequest struct {
	ConversationID string `json:"conversa_id"`
	Message        string `json:"mensagem"`
}

func (m *Messages) List(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var msgs []domain.Message
	path := "/mensagens/conversa/" + url.PathEscape(conversationID)
	if err := m.client.RetryJSON(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		m.logger.Error("list messages", "conversation", conversationID, "error", err)
		return nil, fail(ErrMessageList, err)
	}
	return msgs, nil
}

func (m *Messages) Send(ctx context.Context, conversationID, content string, image *domain.ImageRef) (*domain.Message, error) {
	var msg domain.Message
	body := sendRequest{ConversationID: conversationID, Content: content, Image: image}
	if err := m.client.RetryJSON(ctx, http.MethodPost, "/mensagens", body, &msg); err != nil {
		m.logger.Error("send message", "conversation", conversationID, "error", err)
		return nil, fail(ErrMessageSend, err)
	}
	m.logger.Debug("message sent", "conversation", conversationID, "id", msg.ID)
	return &msg, nil
}

// Reply asks the backend for the generated answer to content.
func (m *Messages) Reply(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	var msg domain.Message
	body := replyRequest{ConversationID: conversationID, Message: content}
	if err := m.client.RetryJSON(ctx, http.MethodPost, "/mensagens/ia", body, &msg); err != nil {
		m.logger.Error("fetch reply", "conversation", conversationID, "error", err)
		return nil, fail(domain.ErrReplyFetch, err)
	}
	if msg.Sender == "" {
		msg.Sender = domain.SenderAI
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return &msg, nil
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"chatsync/internal/domain"
	"chatsync/internal/transport"
)

// Conversations is the /conversas resource.
type Conversations struct {
	client *transport.Client
	logger *slog.Logger
}

func NewConversations(client *transport.Client, logger *slog.Logger) *Conversations {
	return &Conversations{client: client, logger: logger}
}

func (c *Conversations) List(ctx context.Context) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	if err := c.client.RetryJSON(ctx, http.MethodGet, "/conversas", nil, &convs); err != nil {
		c.logger.Error("list conversations", "error", err)
		return nil, fail(ErrConversationList, err)
	}
	return convs, nil
}

// Create is not retried: a lost response would otherwise create duplicates.
func (c *Conversations) Create(ctx context.Context, title string) (*domain.Conversation, error) {
	var conv domain.Conversation
	body := map[string]string{"titulo": title}
	if err := c.client.JSON(ctx, http.MethodPost, "/conversas", body, &conv); err != nil {
		c.logger.Error("create conversation", "error", err)
		return nil, fail(ErrConversationCreate, err)
	}
	if conv.ID == "" {
		return nil, fail(ErrConversationCreate, ErrInvalidResponse)
	}
	return &conv, nil
}

func (c *Conversations) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := c.client.RetryJSON(ctx, http.MethodGet, "/conversas/"+url.PathEscape(id), nil, &conv); err != nil {
		c.logger.Error("fetch conversation", "id", id, "error", err)
		return nil, fail(ErrConversationFetch, err)
	}
	if conv.ID == "" {
		return nil, fail(ErrConversationFetch, ErrInvalidResponse)
	}
	return &conv, nil
}

func (c *Conversations) Update(ctx context.Context, id, title string) (*domain.Conversation, error) {
	var conv domain.Conversation
	body := map[string]string{"titulo": title}
	if err := c.client.RetryJSON(ctx, http.MethodPut, "/conversas/"+url.PathEscape(id), body, &conv); err != nil {
		c.logger.Error("update conversation", "id", id, "error", err)
		return nil, fail(ErrConversationUpdate, err)
	}
	if conv.ID == "" {
		conv.ID = id
		conv.Title = title
	}
	return &conv, nil
}

func (c *Conversations) Delete(ctx context.Context, id string) error {
	if err := c.client.RetryJSON(ctx, http.MethodDelete, "/conversas/"+url.PathEscape(id), nil, nil); err != nil {
		c.logger.Error("delete conversation", "id", id, "error", err)
		return fail(ErrConversationDelete, err)
	}
	return nil
}

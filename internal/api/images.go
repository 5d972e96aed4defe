package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"chatsync/internal/domain"
	"chatsync/internal/transport"
)

// Images uploads attachments to /imagens/upload. Validation always runs
// before any network call.
type Images struct {
	client       *transport.Client
	maxSize      int64
	allowedTypes []string
	logger       *slog.Logger
}

func NewImages(client *transport.Client, maxSize int64, allowedTypes []string, logger *slog.Logger) *Images {
	return &Images{client: client, maxSize: maxSize, allowedTypes: allowedTypes, logger: logger}
}

// Validate checks size and MIME type against the configured limits.
func (i *Images) Validate(att *domain.Attachment) error {
	if att == nil || len(att.Data) == 0 {
		return fmt.Errorf("%w: empty file", domain.ErrInvalidAttachment)
	}
	if att.Size() > i.maxSize {
		return fmt.Errorf("%w: file too large (%d bytes, max %d)", domain.ErrInvalidAttachment, att.Size(), i.maxSize)
	}
	ct := strings.ToLower(strings.TrimSpace(att.ContentType))
	if !slices.Contains(i.allowedTypes, ct) {
		return fmt.Errorf("%w: unsupported type %q, use JPG, PNG, GIF or WebP", domain.ErrInvalidAttachment, att.ContentType)
	}
	return nil
}

func (i *Images) Upload(ctx context.Context, att *domain.Attachment, userID, messageID, conversationID string) (*domain.UploadResult, error) {
	if err := i.Validate(att); err != nil {
		return nil, err
	}

	form := &transport.Form{
		Fields: []transport.Field{
			{Name: "usuario_id", Value: userID},
			{Name: "mensagem_id", Value: messageID},
			{Name: "conversa_id", Value: conversationID},
		},
		File: &transport.FormFile{
			Field:       "imagem",
			Filename:    att.Name,
			ContentType: att.ContentType,
			Data:        att.Data,
		},
	}
	resp, err := transport.Retry(ctx, i.client.RetryPolicy(), func(ctx context.Context) (*transport.Response, error) {
		return i.client.Do(ctx, transport.Request{Method: http.MethodPost, Path: "/imagens/upload", Form: form})
	})
	if err != nil {
		i.logger.Error("upload image", "name", att.Name, "error", err)
		return nil, fail(ErrImageUpload, err)
	}

	var result domain.UploadResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fail(ErrImageUpload, fmt.Errorf("decode response: %w", err))
	}
	if result.Filename == "" {
		return nil, fail(ErrImageUpload, ErrInvalidResponse)
	}
	i.logger.Info("image uploaded", "filename", result.Filename, "bytes", att.Size())
	return &result, nil
}

// URL derives the public retrieval URL of an uploaded file: uploads are
// served next to the API, not under it.
func (i *Images) URL(filename string) string {
	if filename == "" {
		return ""
	}
	base := strings.TrimSuffix(i.client.BaseURL(), "/api")
	return base + "/uploads/" + url.PathEscape(filename)
}

// Fetch downloads an uploaded image.
func (i *Images) Fetch(ctx context.Context, imageURL string) ([]byte, error) {
	resp, err := i.client.Do(ctx, transport.Request{Method: http.MethodGet, Path: imageURL})
	if err != nil {
		i.logger.Error("fetch image", "url", imageURL, "error", err)
		return nil, fail(ErrImageFetch, err)
	}
	return resp.Body, nil
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maxFileSize = 5242880

var allowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type tokenSource struct{}

func (tokenSource) Session(ctx context.Context) (*domain.Session, error) {
	return &domain.Session{Token: "t", User: domain.User{ID: "u1"}}, nil
}

// backend is a scripted fake of the chat API that counts hits per route.
type backend struct {
	*httptest.Server
	hits   map[string]*atomic.Int32
	routes map[string]http.HandlerFunc
}

func newBackend(t *testing.T, routes map[string]http.HandlerFunc) *backend {
	b := &backend{hits: map[string]*atomic.Int32{}, routes: routes}
	for k := range routes {
		b.hits[k] = &atomic.Int32{}
	}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + strings.TrimPrefix(r.URL.Path, "/api")
		h, ok := b.routes[key]
		if !ok {
			t.Errorf("unexpected request %s", key)
			http.NotFound(w, r)
			return
		}
		b.hits[key].Add(1)
		h(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) count(key string) int32 { return b.hits[key].Load() }

func (b *backend) client() *transport.Client {
	return transport.New(transport.Config{
		BaseURL:     b.URL + "/api",
		Credentials: tokenSource{},
		Retry: transport.Policy{
			MaxRetries:   3,
			InitialDelay: time.Second,
			Sleep:        func(ctx context.Context, d time.Duration) error { return nil },
			Logger:       testLogger(),
		},
		Logger: testLogger(),
	})
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) }
}

func jsonBody(v any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { json.NewEncoder(w).Encode(v) }
}

// --- Conversations ---

func TestConversations_ListRetriesServerErrors(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"GET /conversas": status(http.StatusServiceUnavailable)})
	_, err := NewConversations(b.client(), testLogger()).List(context.Background())

	require.ErrorIs(t, err, ErrConversationList)
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
	assert.Equal(t, http.StatusServiceUnavailable, transport.StatusCode(err))
	assert.EqualValues(t, 4, b.count("GET /conversas"))
}

func TestConversations_CreateIsNotRetried(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"POST /conversas": status(http.StatusBadGateway)})
	_, err := NewConversations(b.client(), testLogger()).Create(context.Background(), "x")

	require.ErrorIs(t, err, ErrConversationCreate)
	assert.EqualValues(t, 1, b.count("POST /conversas"))
}

func TestConversations_CreateSendsTitle(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"POST /conversas": func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(domain.Conversation{ID: "c9", Title: body["titulo"]})
	}})
	conv, err := NewConversations(b.client(), testLogger()).Create(context.Background(), "Trip plans")

	require.NoError(t, err)
	assert.Equal(t, "c9", conv.ID)
	assert.Equal(t, "Trip plans", conv.Title)
}

func TestConversations_CreateRejectsMissingID(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"POST /conversas": jsonBody(map[string]string{"titulo": "x"})})
	_, err := NewConversations(b.client(), testLogger()).Create(context.Background(), "x")

	assert.ErrorIs(t, err, ErrConversationCreate)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestConversations_GetDecodesRecord(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"GET /conversas/c1": func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"c1","titulo":"Hello","naoLidas":2,"ultimaMensagem":{"conteudo":"hi","data":"2024-05-01T10:00:00Z"}}`))
	}})
	conv, err := NewConversations(b.client(), testLogger()).Get(context.Background(), "c1")

	require.NoError(t, err)
	assert.Equal(t, "Hello", conv.Title)
	assert.Equal(t, 2, conv.Unread)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "hi", conv.LastMessage.Content)
}

func TestConversations_GetNotFoundIsDomainError(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"GET /conversas/nope": status(http.StatusNotFound)})
	_, err := NewConversations(b.client(), testLogger()).Get(context.Background(), "nope")

	assert.ErrorIs(t, err, ErrConversationFetch)
	assert.True(t, strings.HasPrefix(err.Error(), "conversation fetch failed"), err.Error())
	assert.EqualValues(t, 1, b.count("GET /conversas/nope"))
}

func TestConversations_UpdateAndDelete(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{
		"PUT /conversas/c1":    jsonBody(domain.Conversation{ID: "c1", Title: "Renamed"}),
		"DELETE /conversas/c1": status(http.StatusNoContent),
	})
	convs := NewConversations(b.client(), testLogger())

	conv, err := convs.Update(context.Background(), "c1", "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", conv.Title)
	require.NoError(t, convs.Delete(context.Background(), "c1"))
}

// --- Messages ---

func TestMessages_SendBody(t *testing.T) {
	var got map[string]any
	b := newBackend(t, map[string]http.HandlerFunc{"POST /mensagens": func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id":"m100","conversa_id":"c1","conteudo":"hi","tipo":"usuario","created_at":"2024-05-01T10:00:00Z"}`))
	}})
	msg, err := NewMessages(b.client(), testLogger()).Send(context.Background(), "c1", "hi", &domain.ImageRef{URL: "http://x/uploads/a.png", Alt: "a.png"})

	require.NoError(t, err)
	assert.Equal(t, "c1", got["conversa_id"])
	assert.Equal(t, "hi", got["content"])
	assert.Equal(t, map[string]any{"url": "http://x/uploads/a.png", "alt": "a.png"}, got["imagem"])
	assert.Equal(t, "m100", msg.ID)
	assert.False(t, msg.CreatedAt.IsZero(), "created_at should be accepted")
}

func TestMessages_SendOmitsMissingImage(t *testing.T) {
	var raw string
	b := newBackend(t, map[string]http.HandlerFunc{"POST /mensagens": func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		raw = string(data)
		w.Write([]byte(`{"id":"m1"}`))
	}})
	_, err := NewMessages(b.client(), testLogger()).Send(context.Background(), "c1", "hi", nil)
	require.NoError(t, err)
	assert.NotContains(t, raw, "imagem")
}

func TestMessages_SendRetriesThenFails(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"POST /mensagens": status(http.StatusInternalServerError)})
	_, err := NewMessages(b.client(), testLogger()).Send(context.Background(), "c1", "hi", nil)

	assert.ErrorIs(t, err, ErrMessageSend)
	assert.EqualValues(t, 4, b.count("POST /mensagens"))
}

func TestMessages_ReplyBodyAndDefaults(t *testing.T) {
	var got map[string]string
	b := newBackend(t, map[string]http.HandlerFunc{"POST /mensagens/ia": func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id":"m101","conteudo":"hello back"}`))
	}})
	msg, err := NewMessages(b.client(), testLogger()).Reply(context.Background(), "c1", "hello")

	require.NoError(t, err)
	assert.Equal(t, map[string]string{"conversa_id": "c1", "mensagem": "hello"}, got)
	assert.Equal(t, domain.SenderAI, msg.Sender)
	assert.Equal(t, "c1", msg.ConversationID)
}

func TestMessages_ReplyFailure(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"POST /mensagens/ia": status(http.StatusBadRequest)})
	_, err := NewMessages(b.client(), testLogger()).Reply(context.Background(), "c1", "hello")
	assert.ErrorIs(t, err, domain.ErrReplyFetch)
}

func TestMessages_List(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"GET /mensagens/conversa/c1": jsonBody([]domain.Message{
		{ID: "1", Content: "a", Sender: domain.SenderUser},
		{ID: "2", Content: "b", Sender: domain.SenderAI},
	})})
	msgs, err := NewMessages(b.client(), testLogger()).List(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.SenderAI, msgs[1].Sender)
}

// --- Images ---

func TestImages_OversizedFileRejectedWithoutNetwork(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"POST /imagens/upload": status(http.StatusOK)})
	images := NewImages(b.client(), maxFileSize, allowedTypes, testLogger())

	att := &domain.Attachment{Name: "big.jpg", ContentType: "image/jpeg", Data: make([]byte, 6*1024*1024)}
	_, err := images.Upload(context.Background(), att, "u1", "1700000000000", "c1")

	require.ErrorIs(t, err, domain.ErrInvalidAttachment)
	assert.EqualValues(t, 0, b.count("POST /imagens/upload"))
}

func TestImages_ValidateType(t *testing.T) {
	images := NewImages(nil, maxFileSize, allowedTypes, testLogger())

	assert.NoError(t, images.Validate(&domain.Attachment{ContentType: "image/webp", Data: []byte{1}}))
	assert.NoError(t, images.Validate(&domain.Attachment{ContentType: "IMAGE/PNG", Data: []byte{1}}))
	assert.ErrorIs(t, images.Validate(&domain.Attachment{ContentType: "image/svg+xml", Data: []byte{1}}), domain.ErrInvalidAttachment)
	assert.ErrorIs(t, images.Validate(&domain.Attachment{ContentType: "image/png"}), domain.ErrInvalidAttachment)
	assert.ErrorIs(t, images.Validate(nil), domain.ErrInvalidAttachment)
}

func TestImages_ValidateBoundary(t *testing.T) {
	images := NewImages(nil, 10, allowedTypes, testLogger())
	assert.NoError(t, images.Validate(&domain.Attachment{ContentType: "image/gif", Data: make([]byte, 10)}))
	assert.Error(t, images.Validate(&domain.Attachment{ContentType: "image/gif", Data: make([]byte, 11)}))
}

func TestImages_UploadFields(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"POST /imagens/upload": func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(2<<20)) {
			return
		}
		assert.Equal(t, "u1", r.FormValue("usuario_id"))
		assert.Equal(t, "1700000000000", r.FormValue("mensagem_id"))
		assert.Equal(t, "c1", r.FormValue("conversa_id"))
		_, hdr, err := r.FormFile("imagem")
		if assert.NoError(t, err) {
			assert.Equal(t, "cat.jpg", hdr.Filename)
		}
		w.Write([]byte(`{"filename":"abc.jpg","url":"/uploads/abc.jpg"}`))
	}})
	images := NewImages(b.client(), maxFileSize, allowedTypes, testLogger())

	att := &domain.Attachment{Name: "cat.jpg", ContentType: "image/jpeg", Data: make([]byte, 1024*1024)}
	res, err := images.Upload(context.Background(), att, "u1", "1700000000000", "c1")

	require.NoError(t, err)
	assert.Equal(t, "abc.jpg", res.Filename)
}

func TestImages_UploadServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	b := newBackend(t, map[string]http.HandlerFunc{"POST /imagens/upload": func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		r.ParseMultipartForm(1 << 20)
		if _, _, err := r.FormFile("imagem"); err != nil {
			t.Errorf("retry must resend the file: %v", err)
		}
		w.Write([]byte(`{"filename":"abc.png"}`))
	}})
	images := NewImages(b.client(), maxFileSize, allowedTypes, testLogger())

	res, err := images.Upload(context.Background(), &domain.Attachment{Name: "a.png", ContentType: "image/png", Data: []byte("png")}, "u1", "1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "abc.png", res.Filename)
	assert.EqualValues(t, 2, calls.Load())
}

func TestImages_URL(t *testing.T) {
	client := transport.New(transport.Config{BaseURL: "https://chat.example.com/api/", Logger: testLogger()})
	images := NewImages(client, maxFileSize, allowedTypes, testLogger())

	assert.Equal(t, "https://chat.example.com/uploads/abc.jpg", images.URL("abc.jpg"))
	assert.Equal(t, "", images.URL(""))
}

func TestImages_Fetch(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{"GET /uploads/abc.jpg": func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("JPEG"))
	}})
	images := NewImages(b.client(), maxFileSize, allowedTypes, testLogger())

	data, err := images.Fetch(context.Background(), images.URL("abc.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "JPEG", string(data))
}

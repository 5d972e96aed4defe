package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/api"
	"chatsync/internal/auth"
	"chatsync/internal/bus"
	"chatsync/internal/domain"
	"chatsync/internal/store"
	"chatsync/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func wire(t *testing.T, baseURL string, httpClient *http.Client, sl *sleeps) (*Pipeline, *store.Store) {
	t.Helper()
	creds := auth.NewGuard(auth.NewStaticSource("tok", "42"), "http://login", testLogger())
	client := transport.New(transport.Config{
		BaseURL:       baseURL,
		HTTPClient:    httpClient,
		Credentials:   creds,
		OnAuthFailure: creds,
		Retry:         transport.Policy{MaxRetries: 3, InitialDelay: time.Second, Sleep: sl.sleep, Logger: testLogger()},
		Logger:        testLogger(),
	})
	st := store.New(bus.NewEventBusWithHistory(testLogger(), 0), testLogger())
	conv := domain.Conversation{ID: "C1"}
	st.SetConversations([]domain.Conversation{conv})
	st.SetActiveConversation(&conv, nil)

	p := New(Config{
		Store:       st,
		Messages:    api.NewMessages(client, testLogger()),
		Images:      api.NewImages(client, 5242880, []string{"image/jpeg", "image/png", "image/gif", "image/webp"}, testLogger()),
		Credentials: creds,
		Logger:      testLogger(),
	})
	return p, st
}

func TestScenario_OfflineSendEndsInError(t *testing.T) {
	var calls atomic.Int32
	offline := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("dial tcp 127.0.0.1:3001: connect: connection refused")
	})}
	sl := &sleeps{}
	p, st := wire(t, "http://127.0.0.1:3001/api", offline, sl)

	out, err := p.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	e, ok := st.Snapshot().Entry(out.Handle)
	require.True(t, ok)
	assert.Equal(t, domain.StatusSending, e.Message.Status)

	err = out.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)

	// First attempt plus three retries, no reply request.
	assert.EqualValues(t, 4, calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sl.delays)

	snap := st.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, domain.StatusError, snap.Messages[0].Message.Status)
	assert.Equal(t, ErrTextSend, snap.Error)
}

func TestScenario_JPEGSendGetsReply(t *testing.T) {
	var uploaded, sent, replied atomic.Int32
	var (
		mu        sync.Mutex
		sentImage domain.ImageRef
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /api/imagens/upload":
			uploaded.Add(1)
			if !assert.NoError(t, r.ParseMultipartForm(4<<20)) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			assert.Equal(t, "42", r.FormValue("usuario_id"))
			assert.Equal(t, "C1", r.FormValue("conversa_id"))
			assert.NotEmpty(t, r.FormValue("mensagem_id"))
			_, hdr, err := r.FormFile("imagem")
			if assert.NoError(t, err) {
				assert.EqualValues(t, 1<<20, hdr.Size)
			}
			json.NewEncoder(w).Encode(map[string]string{"filename": "abc.jpg", "url": "/uploads/abc.jpg"})
		case "POST /api/mensagens":
			sent.Add(1)
			var body struct {
				ConversationID string           `json:"conversa_id"`
				Content        string           `json:"content"`
				Image          *domain.ImageRef `json:"imagem"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if body.Image != nil {
				mu.Lock()
				sentImage = *body.Image
				mu.Unlock()
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id": "m-1", "conversa_id": body.ConversationID, "conteudo": body.Content, "tipo": "usuario",
				"createdAt": "2024-05-01T10:00:00Z",
			})
		case "POST /api/mensagens/ia":
			replied.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"id": "m-2", "conversa_id": "C1", "conteudo": "nice photo", "tipo": "ia",
				"createdAt": "2024-05-01T10:00:02Z",
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, st := wire(t, srv.URL+"/api", srv.Client(), &sleeps{})
	jpeg := make([]byte, 1<<20)
	jpeg[0], jpeg[1] = 0xff, 0xd8
	att := &domain.Attachment{Name: "photo.jpg", ContentType: "image/jpeg", Data: jpeg}

	out, err := p.Send(context.Background(), "hello", att)
	require.NoError(t, err)
	require.NoError(t, out.Wait(context.Background()))

	assert.EqualValues(t, 1, uploaded.Load())
	assert.EqualValues(t, 1, sent.Load())
	assert.EqualValues(t, 1, replied.Load())
	mu.Lock()
	assert.Equal(t, srv.URL+"/uploads/abc.jpg", sentImage.URL)
	assert.Equal(t, "photo.jpg", sentImage.Alt)
	mu.Unlock()

	snap := st.Snapshot()
	require.Len(t, snap.Messages, 2)
	user := snap.Messages[0]
	assert.Equal(t, out.Handle, user.Handle)
	assert.Equal(t, "m-1", user.Message.ID)
	assert.Equal(t, domain.StatusSent, user.Message.Status)
	require.NotNil(t, user.Message.Image)
	assert.Equal(t, srv.URL+"/uploads/abc.jpg", user.Message.Image.URL)

	reply := snap.Messages[1]
	assert.Equal(t, domain.SenderAI, reply.Message.Sender)
	assert.Equal(t, "nice photo", reply.Message.Content)
	assert.Empty(t, snap.Error)
}

func TestScenario_OversizedImageMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("unexpected")
	})}
	p, st := wire(t, "http://backend/api", client, &sleeps{})
	before := st.Snapshot().Version

	att := &domain.Attachment{Name: "huge.jpg", ContentType: "image/jpeg", Data: make([]byte, 6<<20)}
	_, err := p.Send(context.Background(), "hi", att)

	assert.ErrorIs(t, err, domain.ErrInvalidAttachment)
	assert.Zero(t, calls.Load())
	assert.Equal(t, before, st.Snapshot().Version)
}

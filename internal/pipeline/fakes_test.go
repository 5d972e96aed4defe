package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"chatsync/internal/bus"
	"chatsync/internal/domain"
	"chatsync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeMessages is a scripted MessageService. Sends for content listed in
// gates block until the gate channel is closed.
type fakeMessages struct {
	mu       sync.Mutex
	gates    map[string]chan struct{}
	sendErr  error
	replyErr error
	sends    []string
	replies  []string
}

func (f *fakeMessages) gate(content string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates = map[string]chan struct{}{}
	}
	ch := make(chan struct{})
	f.gates[content] = ch
	return ch
}

func (f *fakeMessages) List(ctx context.Context, conversationID string) ([]domain.Message, error) {
	return nil, nil
}

func (f *fakeMessages) Send(ctx context.Context, conversationID, content string, image *domain.ImageRef) (*domain.Message, error) {
	f.mu.Lock()
	gate := f.gates[content]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, content)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &domain.Message{
		ID:             "srv-" + content,
		ConversationID: conversationID,
		Content:        content,
		Sender:         domain.SenderUser,
		Image:          image,
		CreatedAt:      time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeMessages) Reply(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, content)
	if f.replyErr != nil {
		return nil, f.replyErr
	}
	return &domain.Message{
		ID:             "ai-" + content,
		ConversationID: conversationID,
		Content:        "echo: " + content,
		Sender:         domain.SenderAI,
		CreatedAt:      time.Date(2024, 1, 1, 12, 0, 1, 0, time.UTC),
	}, nil
}

func (f *fakeMessages) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeMessages) replyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

type uploadCall struct {
	userID, messageID, conversationID string
}

type fakeImages struct {
	mu          sync.Mutex
	validateErr error
	uploadErr   error
	uploads     []uploadCall
}

func (f *fakeImages) Validate(att *domain.Attachment) error { return f.validateErr }

func (f *fakeImages) Upload(ctx context.Context, att *domain.Attachment, userID, messageID, conversationID string) (*domain.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, uploadCall{userID, messageID, conversationID})
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &domain.UploadResult{Filename: "stored-" + att.Name}, nil
}

func (f *fakeImages) URL(filename string) string { return "http://files/uploads/" + filename }

type fakeCreds struct{ err error }

func (f fakeCreds) Require(ctx context.Context) (*domain.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Session{Token: "tok", User: domain.User{ID: "user-7"}}, nil
}

type harness struct {
	store    *store.Store
	bus      *bus.EventBus
	messages *fakeMessages
	images   *fakeImages
	pipeline *Pipeline
}

func newHarness(creds Credentials) *harness {
	eventBus := bus.NewEventBusWithHistory(testLogger(), 100)
	st := store.New(eventBus, testLogger())
	h := &harness{store: st, bus: eventBus, messages: &fakeMessages{}, images: &fakeImages{}}
	if creds == nil {
		creds = fakeCreds{}
	}
	h.pipeline = New(Config{
		Store:       st,
		Messages:    h.messages,
		Images:      h.images,
		Credentials: creds,
		Bus:         eventBus,
		Logger:      testLogger(),
	})
	return h
}

func (h *harness) activate(id string) {
	conv := domain.Conversation{ID: id, Title: "conv " + id}
	h.store.SetConversations([]domain.Conversation{conv})
	h.store.SetActiveConversation(&conv, nil)
}

func contents(snap store.Snapshot) []string {
	out := make([]string, len(snap.Messages))
	for i, e := range snap.Messages {
		out[i] = fmt.Sprintf("%s:%s", e.Message.Sender, e.Message.Content)
	}
	return out
}

// Package pipeline sends user messages optimistically: the message is shown
// immediately with status "sending", then persisted, then answered, with
// every outcome applied to the store in place.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/internal/bus"
	"chatsync/internal/domain"
	"chatsync/internal/metrics"
	"chatsync/internal/store"
)

// User-facing error flag texts.
const (
	ErrTextSend   = "failed to send message"
	ErrTextUpload = "failed to upload image"
	ErrTextReply  = "failed to fetch reply"
)

var (
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrNothingToSend        = errors.New("nothing to send")
	ErrNotResendable        = errors.New("message is not in a failed state")
)

// Credentials resolves the session required for uploads. *auth.Guard
// satisfies it.
type Credentials interface {
	Require(ctx context.Context) (*domain.Session, error)
}

// Config wires a Pipeline.
type Config struct {
	Store       *store.Store
	Messages    domain.MessageService
	Images      domain.ImageService
	Credentials Credentials
	Bus         *bus.EventBus
	IDs         *TempIDs
	// Timeout bounds the asynchronous part of a send. Zero means the
	// transport's own per-request timeout is the only bound.
	Timeout time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

type Pipeline struct {
	store    *store.Store
	messages domain.MessageService
	images   domain.ImageService
	creds    Credentials
	bus      *bus.EventBus
	ids      *TempIDs
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight map[domain.Handle]*Outgoing
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IDs == nil {
		cfg.IDs = NewTempIDs(cfg.Now)
	}
	return &Pipeline{
		store:    cfg.Store,
		messages: cfg.Messages,
		images:   cfg.Images,
		creds:    cfg.Credentials,
		bus:      cfg.Bus,
		ids:      cfg.IDs,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		logger:   cfg.Logger,
		inFlight: make(map[domain.Handle]*Outgoing),
	}
}

// Send shows text (and the optional image) in the active conversation and
// starts delivering it. Validation, upload and the optimistic insertion
// happen before Send returns, so messages appear in call order; an error
// from Send means nothing was inserted. Delivery continues in the
// background and is not cancelled by ctx.
func (p *Pipeline) Send(ctx context.Context, text string, att *domain.Attachment) (*Outgoing, error) {
	snap := p.store.Snapshot()
	if snap.Active == nil {
		return nil, ErrNoActiveConversation
	}
	if strings.TrimSpace(text) == "" && att == nil {
		return nil, ErrNothingToSend
	}
	conv := *snap.Active
	handle := p.ids.Next()

	var image *domain.ImageRef
	if att != nil {
		ref, err := p.upload(ctx, att, handle, conv.ID)
		if err != nil {
			return nil, err
		}
		image = ref
	}

	entry := domain.Entry{
		Handle: handle,
		Message: domain.Message{
			ID:             string(handle),
			ConversationID: conv.ID,
			Content:        text,
			Sender:         domain.SenderUser,
			Status:         domain.StatusSending,
			Image:          image,
			CreatedAt:      p.now(),
		},
	}
	if !p.store.AppendMessage(entry) {
		// The conversation was switched while the image uploaded.
		return nil, ErrNoActiveConversation
	}
	p.logger.Debug("message queued", "handle", handle, "conversation", conv.ID)

	out := newOutgoing(handle, conv.ID)
	p.start(ctx, out, text, image)
	return out, nil
}

// Resend retries delivery of a failed message under its original handle.
func (p *Pipeline) Resend(ctx context.Context, h domain.Handle) (*Outgoing, error) {
	var (
		entry  domain.Entry
		ok     bool
		convID string
	)
	p.store.Update(func(tx *store.Tx) {
		st := tx.State()
		e, found := st.Entry(h)
		if !found || e.State() != domain.Failed {
			return
		}
		tx.PatchMessage(h, store.StatusPatch(domain.StatusSending))
		tx.SetError("")
		entry, ok, convID = e, true, st.ActiveID()
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotResendable, h)
	}
	p.logger.Info("resending message", "handle", h, "conversation", convID)

	out := newOutgoing(h, convID)
	p.start(ctx, out, entry.Message.Content, entry.Message.Image)
	return out, nil
}

// Wait blocks until every in-flight send has finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

// InFlight returns the handles still being delivered.
func (p *Pipeline) InFlight() []domain.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Handle, 0, len(p.inFlight))
	for h := range p.inFlight {
		out = append(out, h)
	}
	return out
}

func (p *Pipeline) upload(ctx context.Context, att *domain.Attachment, h domain.Handle, convID string) (*domain.ImageRef, error) {
	if err := p.images.Validate(att); err != nil {
		p.logger.Warn("attachment rejected", "name", att.Name, "error", err)
		return nil, err
	}
	session, err := p.creds.Require(ctx)
	if err != nil {
		return nil, err
	}
	res, err := p.images.Upload(ctx, att, session.User.ID, string(h), convID)
	if err != nil {
		p.store.SetError(ErrTextUpload)
		metrics.Sends("upload_failed").Inc()
		return nil, err
	}
	return &domain.ImageRef{URL: p.images.URL(res.Filename), Alt: att.Name}, nil
}

func (p *Pipeline) start(ctx context.Context, out *Outgoing, text string, image *domain.ImageRef) {
	p.mu.Lock()
	p.inFlight[out.Handle] = out
	p.mu.Unlock()
	metrics.InFlight.Inc()
	p.wg.Add(1)

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		var cancel context.CancelFunc = func() {}
		if p.timeout > 0 {
			runCtx, cancel = context.WithTimeout(runCtx, p.timeout)
		}
		err := p.deliver(runCtx, out, text, image)
		cancel()

		p.mu.Lock()
		delete(p.inFlight, out.Handle)
		p.mu.Unlock()
		metrics.InFlight.Dec()
		out.finish(err)
	}()
}

// deliver persists the message, then fetches and appends the reply.
func (p *Pipeline) deliver(ctx context.Context, out *Outgoing, text string, image *domain.ImageRef) error {
	saved, err := p.messages.Send(ctx, out.ConversationID, text, image)
	if err != nil {
		p.store.Update(func(tx *store.Tx) {
			tx.PatchMessage(out.Handle, store.StatusPatch(domain.StatusError))
			tx.SetError(ErrTextSend)
		})
		metrics.Sends("failed").Inc()
		p.emit(bus.EventMessageFailed, out, err)
		p.logger.Error("message not persisted", "handle", out.Handle, "conversation", out.ConversationID, "error", err)
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	if !p.store.PatchMessage(out.Handle, store.ServerPatch(*saved, domain.StatusSent)) {
		p.logger.Debug("sent message no longer displayed", "handle", out.Handle)
	}
	metrics.Sends("sent").Inc()
	p.emit(bus.EventMessageSent, out, nil)

	reply, err := p.messages.Reply(ctx, out.ConversationID, text)
	if err != nil {
		p.store.SetError(ErrTextReply)
		metrics.Replies("failed").Inc()
		p.emit(bus.EventReplyFailed, out, err)
		if !errors.Is(err, domain.ErrReplyFetch) {
			err = fmt.Errorf("%w: %w", domain.ErrReplyFetch, err)
		}
		return err
	}

	handle := domain.Handle(reply.ID)
	if handle == "" {
		handle = p.ids.Next()
	}
	p.store.Update(func(tx *store.Tx) {
		tx.AppendMessage(domain.Entry{Handle: handle, Message: *reply})
		if conv, ok := findConversation(tx.State(), out.ConversationID); ok {
			tx.PutConversation(conv.WithPreview(*reply))
		}
	})
	metrics.Replies("received").Inc()
	p.emit(bus.EventReplyReceived, out, nil)
	return nil
}

func (p *Pipeline) emit(eventType string, out *Outgoing, err error) {
	if p.bus == nil {
		return
	}
	payload := map[string]any{"handle": string(out.Handle), "conversation": out.ConversationID}
	if err != nil {
		payload["error"] = err.Error()
	}
	p.bus.Emit(bus.Event{Type: eventType, Source: "pipeline", Payload: payload})
}

func findConversation(st store.Snapshot, id string) (domain.Conversation, bool) {
	if st.Active != nil && st.Active.ID == id {
		return *st.Active, true
	}
	for _, c := range st.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Conversation{}, false
}

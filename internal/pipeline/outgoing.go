package pipeline

import (
	"context"

	"chatsync/internal/domain"
)

// Outgoing tracks one message through persistence and reply.
type Outgoing struct {
	Handle         domain.Handle
	ConversationID string

	done chan struct{}
	err  error
}

func newOutgoing(h domain.Handle, conversationID string) *Outgoing {
	return &Outgoing{Handle: h, ConversationID: conversationID, done: make(chan struct{})}
}

// Done is closed once the message reached a terminal state.
func (o *Outgoing) Done() <-chan struct{} { return o.done }

// Err reports the failure that ended the send: it wraps
// domain.ErrPersistence when the message was not stored, or
// domain.ErrReplyFetch when it was stored but no reply arrived. Nil until
// Done is closed.
func (o *Outgoing) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Wait blocks until the send finishes or ctx is done.
func (o *Outgoing) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outgoing) finish(err error) {
	o.err = err
	close(o.done)
}

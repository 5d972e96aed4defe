package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
	"chatsync/internal/transport"
)

// SignOutEvent is delivered to listeners when the user is forced out.
type SignOutEvent struct {
	Reason   transport.AuthFailureReason
	LoginURL string
	// ResetState is set when the backend rejected the credential: anything
	// built under the old identity must be thrown away.
	ResetState bool
}

// SignOutListener reacts to a forced sign-out.
type SignOutListener func(ctx context.Context, ev SignOutEvent)

// Guard resolves the current credential on demand and turns authentication
// failures into a single forced sign-out until a credential is resolved
// again.
type Guard struct {
	source   domain.CredentialSource
	loginURL string
	logger   *slog.Logger

	mu        sync.Mutex
	listeners []SignOutListener
	signedOut bool
}

func NewGuard(source domain.CredentialSource, loginURL string, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{source: source, loginURL: loginURL, logger: logger}
}

// OnSignOut registers a listener. Listeners run in registration order.
func (g *Guard) OnSignOut(l SignOutListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

// Session implements domain.CredentialSource.
func (g *Guard) Session(ctx context.Context) (*domain.Session, error) {
	session, err := g.source.Session(ctx)
	if err != nil {
		return nil, err
	}
	if session.Valid() {
		g.mu.Lock()
		g.signedOut = false
		g.mu.Unlock()
	}
	return session, nil
}

// Require resolves the credential or forces sign-out and fails with
// domain.ErrUnauthenticated.
func (g *Guard) Require(ctx context.Context) (*domain.Session, error) {
	session, err := g.Session(ctx)
	if err == nil && session.Valid() {
		return session, nil
	}
	g.HandleAuthFailure(ctx, transport.MissingCredential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}
	return nil, domain.ErrUnauthenticated
}

// SignedOut reports whether a sign-out is in effect.
func (g *Guard) SignedOut() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.signedOut
}

// HandleAuthFailure implements transport.AuthFailureHandler.
func (g *Guard) HandleAuthFailure(ctx context.Context, reason transport.AuthFailureReason) {
	g.mu.Lock()
	if g.signedOut && reason == transport.MissingCredential {
		g.mu.Unlock()
		return
	}
	g.signedOut = true
	listeners := make([]SignOutListener, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()

	metrics.AuthFailures.Inc()
	ev := SignOutEvent{
		Reason:     reason,
		LoginURL:   g.loginURL,
		ResetState: reason == transport.CredentialRejected,
	}
	g.logger.Warn("forcing sign-out", "reason", reason.String(), "login", g.loginURL, "reset", ev.ResetState)
	for _, l := range listeners {
		l(ctx, ev)
	}
}

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingSleep captures backoff delays without waiting.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func testPolicy(rs *recordingSleep) Policy {
	return Policy{MaxRetries: 3, InitialDelay: time.Second, Sleep: rs.sleep, Logger: testLogger()}
}

// --- Retry bound ---

func TestRetry_Persistent503_RetriesThreeTimesWithDoublingDelay(t *testing.T) {
	rs := &recordingSleep{}
	calls := 0
	var last *StatusError

	_, err := Retry(context.Background(), testPolicy(rs), func(ctx context.Context) (int, error) {
		calls++
		last = &StatusError{Method: "GET", URL: "/x", StatusCode: http.StatusServiceUnavailable}
		return 0, last
	})

	if calls != 4 {
		t.Fatalf("expected 1 call + 3 retries, got %d calls", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(rs.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, rs.delays)
	}
	for i := range want {
		if rs.delays[i] != want[i] {
			t.Fatalf("delay %d: expected %v, got %v", i, want[i], rs.delays[i])
		}
	}
	if err != last {
		t.Fatalf("expected the last failure unchanged, got %v", err)
	}
}

func TestRetry_SucceedsAfterTransientFailure(t *testing.T) {
	rs := &recordingSleep{}
	calls := 0
	got, err := Retry(context.Background(), testPolicy(rs), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &NetworkError{Method: "GET", URL: "/x", Err: errors.New("connection refused")}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("expected ok after 3 calls, got %q after %d", got, calls)
	}
	if len(rs.delays) != 2 {
		t.Fatalf("expected 2 backoffs, got %v", rs.delays)
	}
}

// --- No retry on 4xx ---

func TestRetry_NoRetryOnClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests} {
		rs := &recordingSleep{}
		calls := 0
		_, err := Retry(context.Background(), testPolicy(rs), func(ctx context.Context) (int, error) {
			calls++
			return 0, &StatusError{StatusCode: status}
		})
		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		if calls != 1 || len(rs.delays) != 0 {
			t.Fatalf("status %d: expected zero retries, got %d calls, delays %v", status, calls, rs.delays)
		}
	}
}

func TestRetry_NoRetryOnPlainError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), testPolicy(&recordingSleep{}), func(ctx context.Context) (int, error) {
		calls++
		return 0, domain.ErrUnauthenticated
	})
	if !errors.Is(err, domain.ErrUnauthenticated) || calls != 1 {
		t.Fatalf("expected single unauthenticated failure, got %v after %d calls", err, calls)
	}
}

// --- Cancellation ---

func TestRetry_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxRetries: 3, InitialDelay: time.Hour, Logger: testLogger()}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Retry(ctx, p, func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: http.StatusBadGateway}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("backoff did not honour cancellation")
	}
}

func TestRetry_ZeroRetries(t *testing.T) {
	calls := 0
	p := Policy{MaxRetries: 0, InitialDelay: time.Second, Sleep: (&recordingSleep{}).sleep}
	Retry(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: 500}
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

// --- Against a real server ---

func TestRetryJSON_Persistent503AgainstServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	rs := &recordingSleep{}
	c := New(Config{
		BaseURL:     srv.URL,
		Credentials: staticCreds{token: "t"},
		Retry:       testPolicy(rs),
		Logger:      testLogger(),
	})

	err := c.RetryJSON(context.Background(), http.MethodGet, "/conversas", nil, nil)
	if StatusCode(err) != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 surfaced, got %v", err)
	}
	if !errors.Is(err, domain.ErrTransientNetwork) {
		t.Fatalf("503 should classify as transient: %v", err)
	}
	if hits.Load() != 4 {
		t.Fatalf("expected 4 requests, got %d", hits.Load())
	}
}

func TestRetryJSON_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	rs := &recordingSleep{}
	c := New(Config{BaseURL: url, Credentials: staticCreds{token: "t"}, Retry: testPolicy(rs), Logger: testLogger()})

	err := c.RetryJSON(context.Background(), http.MethodGet, "/conversas", nil, nil)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %T %v", err, err)
	}
	if len(rs.delays) != 3 {
		t.Fatalf("expected 3 backoffs, got %v", rs.delays)
	}
}

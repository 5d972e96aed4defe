package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chatsync/internal/domain"
)

// SessionClient resolves the session from the identity provider's session
// endpoint. An empty object means nobody is signed in.
type SessionClient struct {
	url  string
	http *http.Client
}

func NewSessionClient(url string, client *http.Client) *SessionClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &SessionClient{url: url, http: client}
}

func (s *SessionClient) Session(ctx context.Context) (*domain.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch session: HTTP %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, nil
	}

	var session domain.Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if !session.Valid() {
		return nil, nil
	}
	return &session, nil
}

// StaticSource serves a fixed credential, for use without an identity
// provider (CI, scripts).
type StaticSource struct {
	session domain.Session
}

func NewStaticSource(token, userID string) *StaticSource {
	return &StaticSource{session: domain.Session{Token: token, User: domain.User{ID: userID}}}
}

func (s *StaticSource) Session(ctx context.Context) (*domain.Session, error) {
	if !s.session.Valid() {
		return nil, nil
	}
	session := s.session
	return &session, nil
}

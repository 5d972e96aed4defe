package domain

import "context"

// User is the minimal identity attached to a session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Session is the bearer credential issued by the identity provider.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Valid reports whether the session carries a usable token.
func (s *Session) Valid() bool { return s != nil && s.Token != "" }

// CredentialSource resolves the current session. A nil session with a nil
// error means the user is not signed in.
type CredentialSource interface {
	Session(ctx context.Context) (*Session, error)
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"

	"github.com/google/uuid"
)

const maxResponseBytes = 16 << 20

// AuthFailureReason tells the handler why a request was refused.
type AuthFailureReason int

const (
	// MissingCredential: no session could be resolved; the request was
	// never sent.
	MissingCredential AuthFailureReason = iota
	// CredentialRejected: the backend answered 401. State built under the
	// old identity must be discarded.
	CredentialRejected
)

func (r AuthFailureReason) String() string {
	if r == CredentialRejected {
		return "rejected"
	}
	return "missing"
}

// AuthFailureHandler reacts to authentication failures, typically by
// signing the user out.
type AuthFailureHandler interface {
	HandleAuthFailure(ctx context.Context, reason AuthFailureReason)
}

// Config wires a Client.
type Config struct {
	BaseURL       string
	HTTPClient    *http.Client
	Credentials   domain.CredentialSource
	OnAuthFailure AuthFailureHandler
	UserAgent     string
	Retry         Policy
	Logger        *slog.Logger
}

// Client is the single HTTP client used by every resource client. Every
// request carries the current bearer credential.
type Client struct {
	baseURL       string
	http          *http.Client
	creds         domain.CredentialSource
	onAuthFailure AuthFailureHandler
	userAgent     string
	retry         Policy
	logger        *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(DefaultTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "chatsync"
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = cfg.Logger
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		http:          cfg.HTTPClient,
		creds:         cfg.Credentials,
		onAuthFailure: cfg.OnAuthFailure,
		userAgent:     cfg.UserAgent,
		retry:         cfg.Retry,
		logger:        cfg.Logger,
	}
}

// BaseURL returns the configured API base without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// RetryPolicy returns the policy resource clients wrap retryable calls in.
func (c *Client) RetryPolicy() Policy { return c.retry }

// Request describes one backend call. Path is joined to the base URL unless
// it is already absolute. At most one of JSON and Form is set.
type Request struct {
	Method string
	Path   string
	JSON   any
	Form   *Form
}

// Form is a multipart/form-data body. It is encoded afresh for every
// attempt so retries resend the whole payload.
type Form struct {
	Fields []Field
	File   *FormFile
}

type Field struct {
	Name  string
	Value string
}

type FormFile struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends req with credential injection and failure classification. It
// does not retry; wrap it in Retry for that.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	session, err := c.credential(ctx)
	if err != nil {
		return nil, err
	}

	url := c.resolve(req.Path)
	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", req.Method, url, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+session.Token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	metrics.HTTPLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.HTTPRequests("error").Inc()
		c.logger.Debug("request failed", "method", req.Method, "url", url, "error", err)
		return nil, &NetworkError{Method: req.Method, URL: url, Err: err}
	}
	defer resp.Body.Close()
	metrics.HTTPRequests(strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Error("backend rejected credential", "method", req.Method, "url", url)
		if c.onAuthFailure != nil {
			c.onAuthFailure.HandleAuthFailure(ctx, CredentialRejected)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: req.Method, URL: url, StatusCode: resp.StatusCode, Body: string(data)}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// JSON sends in (if non-nil) as a JSON body and decodes the response into
// out (if non-nil).
func (c *Client) JSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.Do(ctx, Request{Method: method, Path: path, JSON: in})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// RetryJSON is JSON wrapped in the client's retry policy.
func (c *Client) RetryJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := Retry(ctx, c.retry, func(ctx context.Context) (*Response, error) {
		return c.Do(ctx, Request{Method: method, Path: path, JSON: in})
	})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func decode(resp *Response, out any) error {
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// credential resolves the session or fails fast, triggering sign-out.
func (c *Client) credential(ctx context.Context) (*domain.Session, error) {
	var (
		session *domain.Session
		err     error
	)
	if c.creds != nil {
		session, err = c.creds.Session(ctx)
	}
	if err == nil && session.Valid() {
		return session, nil
	}

	c.logger.Error("no credential for request", "error", err)
	if c.onAuthFailure != nil {
		c.onAuthFailure.HandleAuthFailure(ctx, MissingCredential)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w: %w", domain.ErrUnauthenticated, err)
	}
	return nil, fmt.Errorf("resolve credential: %w", domain.ErrUnauthenticated)
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func encodeBody(req Request) (io.Reader, string, error) {
	switch {
	case req.Form != nil:
		return encodeForm(req.Form)
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
	return nil, "", nil
}

func encodeForm(f *Form) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if f.File != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name=%q; filename=%q`, f.File.Field, f.File.Filename))
		ct := f.File.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.File.Data); err != nil {
			return nil, "", err
		}
	}
	for _, field := range f.Fields {
		if err := w.WriteField(field.Name, field.Value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

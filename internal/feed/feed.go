// Package feed pushes store snapshots to websocket clients and accepts
// user intents (send, select, create, resend, refresh, events) from them. It is the
// bridge to a presentation layer running out of process.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatsync/internal/bus"
	"chatsync/internal/domain"
	"chatsync/internal/metrics"
	"chatsync/internal/pipeline"
	"chatsync/internal/store"

	"github.com/gorilla/websocket"
)

// Sender is the part of the send pipeline the feed drives.
type Sender interface {
	Send(ctx context.Context, text string, att *domain.Attachment) (*pipeline.Outgoing, error)
	Resend(ctx context.Context, h domain.Handle) (*pipeline.Outgoing, error)
}

// Navigator is the part of conversation orchestration the feed drives.
type Navigator interface {
	Load(ctx context.Context) error
	Create(ctx context.Context, title string) (*domain.Conversation, error)
	Select(ctx context.Context, id string) error
}

// Config configures the feed server.
type Config struct {
	Host      string
	Port      int
	Path      string // websocket endpoint (default: /ws)
	Store     *store.Store
	Sender    Sender
	Navigator Navigator
	// Events is optional. When set, clients can ask for recent pipeline
	// and conversation events with an "events" intent.
	Events  *bus.EventBus
	Metrics *metrics.MetricsCollector
	Logger  *slog.Logger
}

// Message is the JSON protocol in both directions. Snapshots carry the
// store version; a client drops any snapshot older than one it has seen.
type Message struct {
	Type     string          `json:"type"` // snapshot | send | select | create | resend | refresh | events | ack | error
	Snapshot *store.Snapshot `json:"snapshot,omitempty"`
	Content  string          `json:"content,omitempty"`
	ID       string          `json:"id,omitempty"`
	Title    string          `json:"title,omitempty"`
	Handle   string          `json:"handle,omitempty"`
	Image    *Image          `json:"image,omitempty"`
	Since    *time.Time      `json:"since,omitempty"`
	Events   []EventRecord   `json:"events,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// EventRecord is a bus event as sent to clients.
type EventRecord struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Image is an attachment sent by a client; Data is base64 on the wire.
type Image struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

type Server struct {
	addr      string
	path      string
	store     *store.Store
	sender    Sender
	navigator Navigator
	events    *bus.EventBus
	metrics   *metrics.MetricsCollector
	logger    *slog.Logger
	server    *http.Server

	mu      sync.RWMutex
	clients map[*client]struct{}
	subID   string
}

// client is one connection. Snapshots are coalesced: a slow client skips
// intermediate versions and only ever receives the latest one. Versions
// sent to a client never go backwards.
type client struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	latest  chan frame
	done    chan struct{}
	sent    uint64 // last snapshot version written
	hasSent bool
}

// frame is an encoded snapshot and its store version.
type frame struct {
	version uint64
	data    []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local presentation clients only
	},
}

func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8090
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Collector
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		path:      cfg.Path,
		store:     cfg.Store,
		sender:    cfg.Sender,
		navigator: cfg.Navigator,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		clients:   make(map[*client]struct{}),
	}
	s.subID = s.store.Subscribe(func(snap store.Snapshot, _ store.Change) { s.broadcast(snap) })
	return s
}

// Handler serves the websocket endpoint, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"version": s.store.Snapshot().Version,
			"clients": s.clientCount(),
		})
	})
	return mux
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("state feed starting", "addr", s.addr, "path", s.path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.Close()
		return err
	}
}

// Close stops observing the store and disconnects every client.
func (s *Server) Close() {
	s.store.Unsubscribe(s.subID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
		delete(s.clients, c)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, latest: make(chan frame, 1), done: make(chan struct{})}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	metrics.FeedClients.Inc()
	s.logger.Info("feed client connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		close(c.done)
		conn.Close()
		metrics.FeedClients.Dec()
		s.logger.Info("feed client disconnected", "remote", r.RemoteAddr)
	}()

	// A commit queued before registration may still be pumped after this
	// snapshot; writeSnapshot drops it.
	snap := s.store.Snapshot()
	if f, err := encodeSnapshot(snap); err == nil {
		c.writeSnapshot(f)
	}
	go c.pump(s.logger)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error("websocket read error", "err", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("invalid feed message", "err", err)
			c.send(Message{Type: "error", Error: "invalid message"})
			continue
		}
		c.send(s.dispatch(r.Context(), msg))
	}
}

// dispatch runs one intent and returns the reply for the sender.
func (s *Server) dispatch(ctx context.Context, msg Message) Message {
	var (
		reply = Message{Type: "ack"}
		err   error
	)
	switch msg.Type {
	case "send":
		var att *domain.Attachment
		if msg.Image != nil {
			att = &domain.Attachment{Name: msg.Image.Name, ContentType: msg.Image.ContentType, Data: msg.Image.Data}
		}
		var out *pipeline.Outgoing
		if out, err = s.sender.Send(ctx, msg.Content, att); err == nil {
			reply.Handle = string(out.Handle)
		}
	case "resend":
		var out *pipeline.Outgoing
		if out, err = s.sender.Resend(ctx, domain.Handle(msg.Handle)); err == nil {
			reply.Handle = string(out.Handle)
		}
	case "select":
		err = s.navigator.Select(ctx, msg.ID)
		reply.ID = msg.ID
	case "create":
		var conv *domain.Conversation
		if conv, err = s.navigator.Create(ctx, msg.Title); err == nil {
			reply.ID = conv.ID
		}
	case "refresh":
		err = s.navigator.Load(ctx)
	case "events":
		reply, err = s.recentEvents(msg.Since)
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err != nil {
		s.logger.Debug("feed intent failed", "type", msg.Type, "err", err)
		return Message{Type: "error", Error: err.Error(), Handle: msg.Handle, ID: msg.ID}
	}
	return reply
}

// recentEvents replays non-transient bus events since the given time (all
// retained events when nil).
func (s *Server) recentEvents(since *time.Time) (Message, error) {
	if s.events == nil {
		return Message{}, errors.New("event history unavailable")
	}
	var from time.Time
	if since != nil {
		from = *since
	}
	records := []EventRecord{}
	for _, e := range s.events.Replay("*", from) {
		records = append(records, EventRecord{Type: e.Type, Source: e.Source, Payload: e.Payload, Timestamp: e.Timestamp})
	}
	return Message{Type: "events", Events: records}, nil
}

func (s *Server) broadcast(snap store.Snapshot) {
	f, err := encodeSnapshot(snap)
	if err != nil {
		s.logger.Error("encode snapshot", "err", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.offer(f)
	}
}

func encodeSnapshot(snap store.Snapshot) (frame, error) {
	data, err := json.Marshal(Message{Type: "snapshot", Snapshot: &snap})
	if err != nil {
		return frame{}, err
	}
	return frame{version: snap.Version, data: data}, nil
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// offer replaces any snapshot still waiting to be written.
func (c *client) offer(f frame) {
	for {
		select {
		case c.latest <- f:
			return
		default:
		}
		select {
		case <-c.latest:
		default:
		}
	}
}

func (c *client) pump(logger *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.latest:
			if err := c.writeSnapshot(f); err != nil {
				logger.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}

func (c *client) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.write(data)
}

// writeSnapshot writes f unless the client already has that version or a
// newer one.
func (c *client) writeSnapshot(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasSent && f.version <= c.sent {
		return nil
	}
	if err := c.writeLocked(f.data); err != nil {
		return err
	}
	c.sent, c.hasSent = f.version, true
	return nil
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(data)
}

func (c *client) writeLocked(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

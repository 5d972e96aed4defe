// Package cache keeps the last server view of conversations and messages in
// SQLite so the client can show something while the backend is
// unreachable. It is never the source of truth.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatsync/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteCache implements domain.SnapshotCache.
type SQLiteCache struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the cache database at dbPath.
func Open(dbPath string, logger *slog.Logger) (*SQLiteCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create cache directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open cache: %w", err)
	}
	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache migration failed: %w", err)
	}
	return &SQLiteCache{db: db, logger: logger}, nil
}

func (c *SQLiteCache) Close() error { return c.db.Close() }

// SaveConversations replaces the cached list, keeping its order.
func (c *SQLiteCache) SaveConversations(ctx context.Context, convs []domain.Conversation) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return err
	}
	now := time.Now()
	for i, conv := range convs {
		var lastContent sql.NullString
		var lastDate sql.NullTime
		if conv.LastMessage != nil {
			lastContent = sql.NullString{String: conv.LastMessage.Content, Valid: true}
			lastDate = sql.NullTime{Time: conv.LastMessage.Date, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, position, title, last_content, last_date, unread, created_at, updated_at, cached_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, i, conv.Title, lastContent, lastDate, conv.Unread, conv.CreatedAt, conv.UpdatedAt, now,
		); err != nil {
			return fmt.Errorf("cache conversation %s: %w", conv.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.logger.Debug("conversations cached", "count", len(convs))
	return nil
}

func (c *SQLiteCache) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, title, last_content, last_date, unread, created_at, updated_at
		 FROM conversations ORDER BY position`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var (
			conv        domain.Conversation
			lastContent sql.NullString
			lastDate    sql.NullTime
		)
		if err := rows.Scan(&conv.ID, &conv.Title, &lastContent, &lastDate, &conv.Unread, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		if lastContent.Valid {
			conv.LastMessage = &domain.LastMessage{Content: lastContent.String, Date: lastDate.Time}
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// SaveMessages replaces the cached messages of one conversation. Only
// messages the server has confirmed belong here; pending or failed
// optimistic entries are never cached.
func (c *SQLiteCache) SaveMessages(ctx context.Context, conversationID string, msgs []domain.Message) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	for i, m := range msgs {
		var imageURL, imageAlt, attachment string
		if m.Image != nil {
			imageURL, imageAlt = m.Image.URL, m.Image.Alt
		}
		if m.Attachment != nil {
			data, err := json.Marshal(m.Attachment)
			if err != nil {
				return fmt.Errorf("encode attachment of %s: %w", m.ID, err)
			}
			attachment = string(data)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO messages (conversation_id, id, position, content, sender, image_url, image_alt, attachment, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, m.ID, i, m.Content, string(m.Sender), imageURL, imageAlt, attachment, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("cache message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.logger.Debug("messages cached", "conversation", conversationID, "count", len(msgs))
	return nil
}

func (c *SQLiteCache) GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, content, sender, image_url, image_alt, attachment, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY position`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m                              domain.Message
			sender                         string
			imageURL, imageAlt, attachment string
		)
		if err := rows.Scan(&m.ID, &m.Content, &sender, &imageURL, &imageAlt, &attachment, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ConversationID = conversationID
		m.Sender = domain.SenderKind(sender)
		if imageURL != "" {
			m.Image = &domain.ImageRef{URL: imageURL, Alt: imageAlt}
		}
		if attachment != "" {
			var stored domain.StoredImage
			if err := json.Unmarshal([]byte(attachment), &stored); err != nil {
				c.logger.Warn("corrupt cached attachment", "message", m.ID, "error", err)
			} else {
				m.Attachment = &stored
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteConversation drops a conversation and its messages.
func (c *SQLiteCache) DeleteConversation(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Stats reports how many conversations and messages are cached.
func (c *SQLiteCache) Stats(ctx context.Context) (conversations, messages int, err error) {
	if err = c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&conversations); err != nil {
		return 0, 0, err
	}
	if err = c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&messages); err != nil {
		return 0, 0, err
	}
	return conversations, messages, nil
}

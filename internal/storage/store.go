// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides SQLite-backed persistence for chat
// conversations and their messages.
//
// The store keeps two tables: conversations (id, optional title,
// created/updated timestamps) and messages (role + content, ordered by
// insertion, cascade-deleted with their conversation). A single write
// connection with WAL journaling serializes concurrent appends, which
// preserves per-conversation message order without application locks.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrConversationNotFound indicates the conversation id does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// StoreError represents a storage operation failure.
type StoreError struct {
	Op    string
	ID    int64
	Cause error
}

func (e *StoreError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("storage: %s conversation %d: %v", e.Op, e.ID, e.Cause)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// TYPES
// =============================================================================

// Conversation is a persisted chat thread.
type Conversation struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// StoredMessage is one persisted transcript turn.
type StoredMessage struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// =============================================================================
// STORE
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
`

// Store is the SQLite-backed conversation store.
// Safe for concurrent use; writes serialize on a single connection.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database at the given path and prepares
// the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, &StoreError{Op: "open", Cause: err}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StoreError{Op: "open", Cause: err}
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON", // Required for message cascade deletes
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &StoreError{Op: "configure", Cause: err}
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &StoreError{Op: "migrate", Cause: err}
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// CreateConversation inserts a new conversation and returns its id.
// An empty title is stored as NULL and rendered as "New Chat" on listing.
func (s *Store) CreateConversation(ctx context.Context, title string) (int64, error) {
	var titleArg any
	if title != "" {
		titleArg = title
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (title) VALUES (?)`, titleArg)
	if err != nil {
		return 0, &StoreError{Op: "create", Cause: err}
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, &StoreError{Op: "create", Cause: err}
	}
	return id, nil
}

// TouchConversation bumps the conversation's updated_at timestamp.
func (s *Store) TouchConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return &StoreError{Op: "touch", ID: id, Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// GetConversation returns one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(title, 'New Chat'), created_at, updated_at
		 FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get", ID: id, Cause: err}
	}
	return &c, nil
}

// ListConversations returns all conversations, most recently updated
// first. Untitled conversations list as "New Chat".
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(title, 'New Chat'), created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, &StoreError{Op: "list", Cause: err}
	}
	defer rows.Close()

	conversations := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, &StoreError{Op: "list", Cause: err}
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// DeleteConversation removes a conversation and, via cascade, its
// messages. Deleting an unknown id returns ErrConversationNotFound.
func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return &StoreError{Op: "delete", ID: id, Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// AddMessage appends a message to a conversation and bumps the
// conversation's updated_at in the same transaction.
func (s *Store) AddMessage(ctx context.Context, conversationID int64, role, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "append", ID: conversationID, Cause: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, conversationID)
	if err != nil {
		return &StoreError{Op: "append", ID: conversationID, Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content) VALUES (?, ?, ?)`,
		conversationID, role, content); err != nil {
		return &StoreError{Op: "append", ID: conversationID, Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "append", ID: conversationID, Cause: err}
	}
	return nil
}

// Messages returns a conversation's messages in insertion order.
func (s *Store) Messages(ctx context.Context, conversationID int64) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, &StoreError{Op: "messages", ID: conversationID, Cause: err}
	}
	defer rows.Close()

	messages := make([]StoredMessage, 0)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, &StoreError{Op: "messages", ID: conversationID, Cause: err}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

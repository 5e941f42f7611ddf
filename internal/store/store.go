// Package store defines the persistence surface the gateway depends on and
// its MySQL implementation. The gateway treats every error as transient
// (log and continue) except SaveMessage, whose failure aborts the dispatch
// of the frame that triggered it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("store: not found")

// Session is an authenticated HTTP session issued before the WebSocket
// connection. Sessions past ExpiresAt are invalid.
type Session struct {
	UserID    int64
	ExpiresAt time.Time
}

// Valid reports whether the session may still authenticate a connection.
func (s Session) Valid(now time.Time) bool {
	return s.UserID != 0 && now.Before(s.ExpiresAt)
}

// Unread pairs a message with its current unread count for a bulk query.
type Unread struct {
	MessageID int64
	Count     int
}

// Room describes a chat room row for directory listings.
type Room struct {
	ID        int64
	Title     string
	RoomType  string
	CreatorID int64
	CreatedAt time.Time
	Members   int
}

// Message is a stored chat message with its sender's nickname resolved.
type Message struct {
	ID         int64
	RoomID     int64
	SenderID   int64
	SenderNick string
	Content    string
	CreatedAt  time.Time
	UnreadCnt  int
}

// SessionStore resolves session ids and user nicknames.
type SessionStore interface {
	// FindSession returns the session for sid, or ErrNotFound.
	FindSession(ctx context.Context, sid string) (Session, error)
	// UserNick returns the nickname for a user id, or ErrNotFound.
	UserNick(ctx context.Context, userID int64) (string, error)
}

// ChatStore covers room membership, messages and unread accounting.
type ChatStore interface {
	// RoomMembers lists the persistent member user ids of a room.
	RoomMembers(ctx context.Context, roomID int64) ([]int64, error)
	// JoinRoom inserts persistent membership. Idempotent.
	JoinRoom(ctx context.Context, roomID, userID int64) error
	// LeaveRoom removes persistent membership. The gateway never calls
	// this; the leave envelope is an ephemeral presence signal only.
	LeaveRoom(ctx context.Context, roomID, userID int64) error

	// SaveMessage persists a message and returns its id.
	SaveMessage(ctx context.Context, roomID, senderID int64, content string) (int64, error)
	// Messages returns a page of room history, newest first.
	Messages(ctx context.Context, roomID int64, page, limit int) ([]Message, error)

	// AddUnread marks a message unread for a user. Idempotent.
	AddUnread(ctx context.Context, messageID, userID int64) error
	// ClearUnread removes all unread rows for the user across the room's
	// messages.
	ClearUnread(ctx context.Context, roomID, userID int64) error
	// CountUnreadForUser counts the user's unread rows in a room.
	CountUnreadForUser(ctx context.Context, roomID, userID int64) (int, error)
	// CountUnreadForMessage counts unread rows for one message across all
	// users.
	CountUnreadForMessage(ctx context.Context, messageID int64) (int, error)
	// UnreadForUser lists (message id, count) pairs for the user's unread
	// messages in a room.
	UnreadForUser(ctx context.Context, roomID, userID int64) ([]Unread, error)

	// PublicRooms lists public rooms for the directory, newest first.
	PublicRooms(ctx context.Context) ([]Room, error)
}

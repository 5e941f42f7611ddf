package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQL implements SessionStore and ChatStore over the kuttalk schema:
// sessions, users, chat_room, chat_room_member, chat_message and
// chat_message_unread.
type MySQL struct {
	db *sql.DB
}

// MySQLConfig carries the connection parameters. User and Pass come from
// the environment and must be set; the rest have defaults.
type MySQLConfig struct {
	Host   string
	Port   int
	User   string
	Pass   string
	Schema string
}

// OpenMySQL opens and pings the database. The pool is sized for the
// gateway's dispatch goroutines; queries are short and indexed.
func OpenMySQL(ctx context.Context, cfg MySQLConfig) (*MySQL, error) {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.User = cfg.User
	mc.Passwd = cfg.Pass
	mc.DBName = cfg.Schema

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}
	return &MySQL{db: db}, nil
}

// Close releases the connection pool.
func (m *MySQL) Close() error { return m.db.Close() }

func (m *MySQL) FindSession(ctx context.Context, sid string) (Session, error) {
	var (
		userID int64
		expiry int64
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT userid, UNIX_TIMESTAMP(expires_at) FROM sessions WHERE id = ? LIMIT 1`,
		sid,
	).Scan(&userID, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: find session: %w", err)
	}
	return Session{UserID: userID, ExpiresAt: time.Unix(expiry, 0)}, nil
}

func (m *MySQL) UserNick(ctx context.Context, userID int64) (string, error) {
	var nick string
	err := m.db.QueryRowContext(ctx,
		`SELECT nickname FROM users WHERE id = ? LIMIT 1`, userID,
	).Scan(&nick)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: user nick: %w", err)
	}
	return nick, nil
}

func (m *MySQL) RoomMembers(ctx context.Context, roomID int64) ([]int64, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id FROM chat_room_member WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store: room members: %w", err)
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("store: room members: %w", err)
		}
		members = append(members, uid)
	}
	return members, rows.Err()
}

func (m *MySQL) JoinRoom(ctx context.Context, roomID, userID int64) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT IGNORE INTO chat_room_member(room_id, user_id) VALUES(?, ?)`,
		roomID, userID)
	if err != nil {
		return fmt.Errorf("store: join room: %w", err)
	}
	return nil
}

func (m *MySQL) LeaveRoom(ctx context.Context, roomID, userID int64) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM chat_room_member WHERE room_id = ? AND user_id = ?`,
		roomID, userID)
	if err != nil {
		return fmt.Errorf("store: leave room: %w", err)
	}
	return nil
}

func (m *MySQL) SaveMessage(ctx context.Context, roomID, senderID int64, content string) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO chat_message(room_id, sender_id, content) VALUES(?, ?, ?)`,
		roomID, senderID, content)
	if err != nil {
		return 0, fmt.Errorf("store: save message: %w", err)
	}
	mid, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: save message id: %w", err)
	}
	return mid, nil
}

func (m *MySQL) Messages(ctx context.Context, roomID int64, page, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if page < 0 {
		page = 0
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT m.id, m.room_id, m.sender_id, u.nickname, m.content,
		        UNIX_TIMESTAMP(m.created_at),
		        (SELECT COUNT(*) FROM chat_message_unread x WHERE x.message_id = m.id)
		 FROM chat_message m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = ?
		 ORDER BY m.id DESC
		 LIMIT ? OFFSET ?`,
		roomID, limit, page*limit)
	if err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			msg Message
			ts  int64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderNick,
			&msg.Content, &ts, &msg.UnreadCnt); err != nil {
			return nil, fmt.Errorf("store: messages: %w", err)
		}
		msg.CreatedAt = time.Unix(ts, 0)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (m *MySQL) AddUnread(ctx context.Context, messageID, userID int64) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT IGNORE INTO chat_message_unread(message_id, user_id) VALUES(?, ?)`,
		messageID, userID)
	if err != nil {
		return fmt.Errorf("store: add unread: %w", err)
	}
	return nil
}

func (m *MySQL) ClearUnread(ctx context.Context, roomID, userID int64) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE u FROM chat_message_unread u
		 JOIN chat_message m ON m.id = u.message_id
		 WHERE m.room_id = ? AND u.user_id = ?`,
		roomID, userID)
	if err != nil {
		return fmt.Errorf("store: clear unread: %w", err)
	}
	return nil
}

func (m *MySQL) CountUnreadForUser(ctx context.Context, roomID, userID int64) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_message_unread u
		 JOIN chat_message m ON m.id = u.message_id
		 WHERE m.room_id = ? AND u.user_id = ?`,
		roomID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count unread for user: %w", err)
	}
	return n, nil
}

func (m *MySQL) CountUnreadForMessage(ctx context.Context, messageID int64) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_message_unread WHERE message_id = ?`,
		messageID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count unread for message: %w", err)
	}
	return n, nil
}

func (m *MySQL) UnreadForUser(ctx context.Context, roomID, userID int64) ([]Unread, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT u.message_id, COUNT(*)
		 FROM chat_message_unread u
		 JOIN chat_message m ON m.id = u.message_id
		 WHERE m.room_id = ? AND u.user_id = ?
		 GROUP BY u.message_id`,
		roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("store: unread for user: %w", err)
	}
	defer rows.Close()

	var list []Unread
	for rows.Next() {
		var u Unread
		if err := rows.Scan(&u.MessageID, &u.Count); err != nil {
			return nil, fmt.Errorf("store: unread for user: %w", err)
		}
		list = append(list, u)
	}
	return list, rows.Err()
}

func (m *MySQL) PublicRooms(ctx context.Context) ([]Room, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT r.id, r.title, r.room_type, r.creator_id,
		        UNIX_TIMESTAMP(r.created_at),
		        (SELECT COUNT(*) FROM chat_room_member m2 WHERE m2.room_id = r.id)
		 FROM chat_room r
		 WHERE r.room_type = 'PUBLIC'
		 ORDER BY r.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: public rooms: %w", err)
	}
	defer rows.Close()

	var list []Room
	for rows.Next() {
		var (
			room Room
			ts   int64
		)
		if err := rows.Scan(&room.ID, &room.Title, &room.RoomType,
			&room.CreatorID, &ts, &room.Members); err != nil {
			return nil, fmt.Errorf("store: public rooms: %w", err)
		}
		room.CreatedAt = time.Unix(ts, 0)
		list = append(list, room)
	}
	return list, rows.Err()
}

var (
	_ SessionStore = (*MySQL)(nil)
	_ ChatStore    = (*MySQL)(nil)
)

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory SessionStore + ChatStore used by gateway tests and
// mock mode. Semantics mirror the MySQL adapter: idempotent membership and
// unread inserts, room-scoped unread clearing.
type Fake struct {
	mu sync.Mutex

	sessions map[string]Session
	nicks    map[int64]string
	members  map[int64]map[int64]struct{} // room -> user set
	rooms    map[int64]Room

	nextMessageID int64
	messages      map[int64]*fakeMessage
	unread        map[int64]map[int64]struct{} // message -> user set

	// SaveMessageErr, when set, is returned by SaveMessage. Lets tests
	// exercise the abort-dispatch path.
	SaveMessageErr error
}

type fakeMessage struct {
	id      int64
	roomID  int64
	sender  int64
	content string
	created time.Time
}

// NewFake returns an empty fake store.
func NewFake() *Fake {
	return &Fake{
		sessions: make(map[string]Session),
		nicks:    make(map[int64]string),
		members:  make(map[int64]map[int64]struct{}),
		rooms:    make(map[int64]Room),
		messages: make(map[int64]*fakeMessage),
		unread:   make(map[int64]map[int64]struct{}),
	}
}

// PutSession seeds a session.
func (f *Fake) PutSession(sid string, userID int64, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sid] = Session{UserID: userID, ExpiresAt: expiresAt}
}

// PutUser seeds a user nickname.
func (f *Fake) PutUser(userID int64, nick string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nicks[userID] = nick
}

// PutRoom seeds a room row.
func (f *Fake) PutRoom(room Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room.ID] = room
}

// SeedMessage inserts a message row directly and returns its id.
func (f *Fake) SeedMessage(roomID, senderID int64, content string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLocked(roomID, senderID, content)
}

// SeedUnread inserts an unread row directly.
func (f *Fake) SeedUnread(messageID, userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addUnreadLocked(messageID, userID)
}

func (f *Fake) saveLocked(roomID, senderID int64, content string) int64 {
	f.nextMessageID++
	id := f.nextMessageID
	f.messages[id] = &fakeMessage{
		id: id, roomID: roomID, sender: senderID,
		content: content, created: time.Now(),
	}
	return id
}

func (f *Fake) addUnreadLocked(messageID, userID int64) {
	set := f.unread[messageID]
	if set == nil {
		set = make(map[int64]struct{})
		f.unread[messageID] = set
	}
	set[userID] = struct{}{}
}

func (f *Fake) FindSession(_ context.Context, sid string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sid]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (f *Fake) UserNick(_ context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nick, ok := f.nicks[userID]
	if !ok {
		return "", ErrNotFound
	}
	return nick, nil
}

func (f *Fake) RoomMembers(_ context.Context, roomID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.members[roomID]
	members := make([]int64, 0, len(set))
	for uid := range set {
		members = append(members, uid)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (f *Fake) JoinRoom(_ context.Context, roomID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.members[roomID]
	if set == nil {
		set = make(map[int64]struct{})
		f.members[roomID] = set
	}
	set[userID] = struct{}{}
	return nil
}

func (f *Fake) LeaveRoom(_ context.Context, roomID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[roomID], userID)
	return nil
}

func (f *Fake) SaveMessage(_ context.Context, roomID, senderID int64, content string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SaveMessageErr != nil {
		return 0, f.SaveMessageErr
	}
	return f.saveLocked(roomID, senderID, content), nil
}

func (f *Fake) Messages(_ context.Context, roomID int64, page, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var all []*fakeMessage
	for _, m := range f.messages {
		if m.roomID == roomID {
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].id > all[j].id })

	start := page * limit
	if start >= len(all) {
		return nil, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	out := make([]Message, 0, end-start)
	for _, m := range all[start:end] {
		out = append(out, Message{
			ID: m.id, RoomID: m.roomID, SenderID: m.sender,
			SenderNick: f.nicks[m.sender], Content: m.content,
			CreatedAt: m.created, UnreadCnt: len(f.unread[m.id]),
		})
	}
	return out, nil
}

func (f *Fake) AddUnread(_ context.Context, messageID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addUnreadLocked(messageID, userID)
	return nil
}

func (f *Fake) ClearUnread(_ context.Context, roomID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for mid, set := range f.unread {
		if m := f.messages[mid]; m != nil && m.roomID == roomID {
			delete(set, userID)
		}
	}
	return nil
}

func (f *Fake) CountUnreadForUser(_ context.Context, roomID, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for mid, set := range f.unread {
		if m := f.messages[mid]; m != nil && m.roomID == roomID {
			if _, ok := set[userID]; ok {
				n++
			}
		}
	}
	return n, nil
}

func (f *Fake) CountUnreadForMessage(_ context.Context, messageID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unread[messageID]), nil
}

func (f *Fake) UnreadForUser(_ context.Context, roomID, userID int64) ([]Unread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []Unread
	for mid, set := range f.unread {
		if m := f.messages[mid]; m != nil && m.roomID == roomID {
			if _, ok := set[userID]; ok {
				list = append(list, Unread{MessageID: mid, Count: 1})
			}
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].MessageID < list[j].MessageID })
	return list, nil
}

func (f *Fake) PublicRooms(_ context.Context) ([]Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []Room
	for _, r := range f.rooms {
		if r.RoomType == "PUBLIC" {
			r.Members = len(f.members[r.ID])
			list = append(list, r)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// UnreadUsers returns the user ids holding an unread row for a message.
// Test helper.
func (f *Fake) UnreadUsers(messageID int64) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var uids []int64
	for uid := range f.unread[messageID] {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

var (
	_ SessionStore = (*Fake)(nil)
	_ ChatStore    = (*Fake)(nil)
)

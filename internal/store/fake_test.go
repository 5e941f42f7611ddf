package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeSessions(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.PutSession("live", 7, time.Now().Add(time.Hour))
	f.PutSession("dead", 8, time.Now().Add(-time.Hour))

	sess, err := f.FindSession(ctx, "live")
	require.NoError(t, err)
	assert.EqualValues(t, 7, sess.UserID)
	assert.True(t, sess.Valid(time.Now()))

	sess, err = f.FindSession(ctx, "dead")
	require.NoError(t, err)
	assert.False(t, sess.Valid(time.Now()), "expired session is invalid")

	_, err = f.FindSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFakeMembershipIdempotent(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	require.NoError(t, f.JoinRoom(ctx, 1, 10))
	require.NoError(t, f.JoinRoom(ctx, 1, 10))
	require.NoError(t, f.JoinRoom(ctx, 1, 11))

	members, err := f.RoomMembers(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, members)

	require.NoError(t, f.LeaveRoom(ctx, 1, 10))
	members, err = f.RoomMembers(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, members)
}

func TestFakeUnreadAccounting(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	m1 := f.SeedMessage(1, 10, "first")
	m2 := f.SeedMessage(1, 10, "second")
	other := f.SeedMessage(2, 10, "other room")

	require.NoError(t, f.AddUnread(ctx, m1, 20))
	require.NoError(t, f.AddUnread(ctx, m1, 20)) // idempotent
	require.NoError(t, f.AddUnread(ctx, m2, 20))
	require.NoError(t, f.AddUnread(ctx, m1, 30))
	require.NoError(t, f.AddUnread(ctx, other, 20))

	n, err := f.CountUnreadForUser(ctx, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.CountUnreadForMessage(ctx, m1)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "users 20 and 30")

	list, err := f.UnreadForUser(ctx, 1, 20)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.EqualValues(t, m1, list[0].MessageID)
	assert.EqualValues(t, m2, list[1].MessageID)

	// Clearing room 1 leaves the row in room 2 and user 30's row alone.
	require.NoError(t, f.ClearUnread(ctx, 1, 20))

	n, err = f.CountUnreadForUser(ctx, 1, 20)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.CountUnreadForUser(ctx, 2, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.CountUnreadForMessage(ctx, m1)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "user 30 still unread")
}

func TestFakeMessagesPaging(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.PutUser(10, "mina")

	for i := 0; i < 5; i++ {
		f.SeedMessage(1, 10, "msg")
	}

	page, err := f.Messages(ctx, 1, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Greater(t, page[0].ID, page[1].ID, "newest first")
	assert.Equal(t, "mina", page[0].SenderNick)

	last, err := f.Messages(ctx, 1, 2, 2)
	require.NoError(t, err)
	assert.Len(t, last, 1)

	empty, err := f.Messages(ctx, 1, 3, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFakePublicRooms(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.PutRoom(Room{ID: 1, Title: "lounge", RoomType: "PUBLIC", CreatedAt: time.Now()})
	f.PutRoom(Room{ID: 2, Title: "private", RoomType: "DM", CreatedAt: time.Now()})
	require.NoError(t, f.JoinRoom(ctx, 1, 10))

	rooms, err := f.PublicRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "lounge", rooms[0].Title)
	assert.Equal(t, 1, rooms[0].Members)
}

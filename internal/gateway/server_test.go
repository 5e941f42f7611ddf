package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuttalk/gateway/internal/store"
)

func startTestServer(t *testing.T, fake *store.Fake, cfg Config) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	// Long intervals by default so keep-alive traffic never interleaves
	// with scenario assertions.
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Minute
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = time.Minute
	}
	srv := NewServer(cfg, fake, fake, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

// wsClient is a test-side connection using an independent frame codec.
type wsClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func dialWS(t *testing.T, srv *Server) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws://"+srv.Addr().String()+"/chat")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &wsClient{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteClientText(c.rw, data))
}

func (c *wsClient) readRaw() []byte {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(c.t, err)
	return data
}

func (c *wsClient) recv(v any) {
	c.t.Helper()
	require.NoError(c.t, json.Unmarshal(c.readRaw(), v))
}

// expectSilence asserts nothing arrives within the grace window.
func (c *wsClient) expectSilence() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	data, err := wsutil.ReadServerText(c.rw)
	var nerr net.Error
	require.ErrorAs(c.t, err, &nerr, "expected read timeout, got %q", data)
	assert.True(c.t, nerr.Timeout())
}

func (c *wsClient) auth(sid string) {
	c.t.Helper()
	c.send(map[string]any{"type": "auth", "sid": sid})
	var env authOKEnvelope
	c.recv(&env)
	require.Equal(c.t, "auth_ok", env.Type)
}

// join sends the join envelope and consumes the caller's own unread reset
// and joined broadcast.
func (c *wsClient) join(sid string, room int64) {
	c.t.Helper()
	c.send(map[string]any{"type": "join", "sid": sid, "room": room})

	var unread unreadEnvelope
	c.recv(&unread)
	require.Equal(c.t, "unread", unread.Type)
	require.Equal(c.t, room, unread.Room)
	require.Zero(c.t, unread.Count)

	var joined joinedEnvelope
	c.recv(&joined)
	require.Equal(c.t, "joined", joined.Type)
	require.Equal(c.t, room, joined.Room)
}

func TestAuthValidSession(t *testing.T) {
	fake := store.NewFake()
	fake.PutSession("s1", 1, time.Now().Add(time.Hour))
	srv := startTestServer(t, fake, Config{})

	c := dialWS(t, srv)
	c.auth("s1")
}

func TestAuthExpiredSessionIgnored(t *testing.T) {
	fake := store.NewFake()
	fake.PutSession("stale", 1, time.Now().Add(-time.Minute))
	srv := startTestServer(t, fake, Config{})

	c := dialWS(t, srv)
	c.send(map[string]any{"type": "auth", "sid": "stale"})
	c.expectSilence()

	c.send(map[string]any{"type": "auth", "sid": "unknown"})
	c.expectSilence()
}

func TestInvalidJSONEchoedBack(t *testing.T) {
	srv := startTestServer(t, store.NewFake(), Config{})

	c := dialWS(t, srv)
	require.NoError(t, wsutil.WriteClientText(c.rw, []byte("not json at all")))
	assert.Equal(t, "not json at all", string(c.readRaw()))
}

func TestJoinClearsUnreadAndUpdatesRoom(t *testing.T) {
	ctx := context.Background()
	fake := store.NewFake()
	fake.PutSession("s1", 1, time.Now().Add(time.Hour))
	fake.PutUser(2, "bora")
	require.NoError(t, fake.JoinRoom(ctx, 1, 1))
	require.NoError(t, fake.JoinRoom(ctx, 1, 2))

	// User 2 posted while user 1 was away.
	mid := fake.SeedMessage(1, 2, "missed this")
	fake.SeedUnread(mid, 1)

	srv := startTestServer(t, fake, Config{})
	c := dialWS(t, srv)

	c.send(map[string]any{"type": "join", "sid": "s1", "room": 1})

	var unread unreadEnvelope
	c.recv(&unread)
	assert.Equal(t, "unread", unread.Type)
	assert.EqualValues(t, 1, unread.Room)
	assert.Zero(t, unread.Count)

	var joined joinedEnvelope
	c.recv(&joined)
	assert.Equal(t, "joined", joined.Type)
	assert.EqualValues(t, 1, joined.Room)
	assert.Equal(t, []int64{1, 2}, joined.Users)

	// The cleared row changes the message's remaining unread count.
	var upd updatedMessageEnvelope
	c.recv(&upd)
	assert.Equal(t, "updated-message", upd.Type)
	assert.Equal(t, mid, upd.ID)
	assert.Zero(t, upd.UnreadCnt)

	n, err := fake.CountUnreadForUser(ctx, 1, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMessageFanOut(t *testing.T) {
	ctx := context.Background()
	fake := store.NewFake()
	fake.PutSession("s1", 1, time.Now().Add(time.Hour))
	fake.PutSession("s2", 2, time.Now().Add(time.Hour))
	fake.PutSession("s3", 3, time.Now().Add(time.Hour))
	fake.PutUser(1, "ara")

	// Users 1..4 are members of room 1; user 3 is also in room 2.
	for _, uid := range []int64{1, 2, 3, 4} {
		require.NoError(t, fake.JoinRoom(ctx, 1, uid))
	}
	require.NoError(t, fake.JoinRoom(ctx, 2, 3))

	srv := startTestServer(t, fake, Config{})

	c1 := dialWS(t, srv)
	c1.join("s1", 1)

	c2 := dialWS(t, srv)
	c2.join("s2", 1)
	var joined joinedEnvelope
	c1.recv(&joined) // c2's join broadcast

	c3 := dialWS(t, srv)
	c3.join("s3", 2)

	// User 1 posts. Users 1 and 2 watch room 1, user 3 is online in room
	// 2, user 4 is offline.
	c1.send(map[string]any{"type": "message", "content": "hello room"})

	var m1, m2 messageEnvelope
	c1.recv(&m1)
	c2.recv(&m2)

	assert.Equal(t, "message", m1.Type)
	assert.EqualValues(t, 1, m1.Room)
	assert.EqualValues(t, 1, m1.Sender)
	assert.Equal(t, "ara", m1.Nick)
	assert.Equal(t, "hello room", m1.Content)
	assert.Equal(t, 2, m1.UnreadCnt, "users 3 and 4 have not seen it")
	assert.NotZero(t, m1.TS)
	assert.Equal(t, m1, m2, "room members get the same envelope")

	// The member online elsewhere gets a counter ping, not the message.
	var unread unreadEnvelope
	c3.recv(&unread)
	assert.Equal(t, "unread", unread.Type)
	assert.EqualValues(t, 1, unread.Room)
	assert.Equal(t, 1, unread.Count)
	c3.expectSilence()

	assert.Equal(t, []int64{3, 4}, fake.UnreadUsers(m1.ID))
}

func TestUnreadPingReachesEveryConnection(t *testing.T) {
	ctx := context.Background()
	fake := store.NewFake()
	fake.PutSession("s1", 1, time.Now().Add(time.Hour))
	fake.PutSession("s3", 3, time.Now().Add(time.Hour))
	fake.PutUser(1, "ara")
	require.NoError(t, fake.JoinRoom(ctx, 1, 1))
	require.NoError(t, fake.JoinRoom(ctx, 1, 3))

	srv := startTestServer(t, fake, Config{})

	c1 := dialWS(t, srv)
	c1.join("s1", 1)

	// User 3 is online twice, in two other rooms.
	c3a := dialWS(t, srv)
	c3a.join("s3", 2)
	c3b := dialWS(t, srv)
	c3b.join("s3", 3)

	c1.send(map[string]any{"type": "message", "content": "where are you"})

	for _, c := range []*wsClient{c3a, c3b} {
		var unread unreadEnvelope
		c.recv(&unread)
		assert.Equal(t, "unread", unread.Type)
		assert.EqualValues(t, 1, unread.Room)
		assert.Equal(t, 1, unread.Count)
	}
}

func TestMessageBeforeJoinDropped(t *testing.T) {
	fake := store.NewFake()
	fake.PutSession("s1", 1, time.Now().Add(time.Hour))
	srv := startTestServer(t, fake, Config{})

	c := dialWS(t, srv)
	c.auth("s1")
	c.send(map[string]any{"type": "message", "content": "into the void"})
	c.expectSilence()

	msgs, err := fake.Messages(context.Background(), 1, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "nothing persisted without a room")
}

func TestSaveMessageFailureAbortsDispatch(t *testing.T) {
	fake := store.NewFake()
	fake.PutSession("s1", 1, time.Now().Add(time.Hour))
	require.NoError(t, fake.JoinRoom(context.Background(), 1, 1))
	fake.SaveMessageErr = errors.New("db gone")

	srv := startTestServer(t, fake, Config{})
	c := dialWS(t, srv)
	c.join("s1", 1)

	c.send(map[string]any{"type": "message", "content": "lost"})
	c.expectSilence()
}

func TestLeaveKeepsMembership(t *testing.T) {
	ctx := context.Background()
	fake := store.NewFake()
	fake.PutSession("s1", 1, time.Now().Add(time.Hour))
	fake.PutSession("s2", 2, time.Now().Add(time.Hour))
	require.NoError(t, fake.JoinRoom(ctx, 1, 1))
	require.NoError(t, fake.JoinRoom(ctx, 1, 2))

	srv := startTestServer(t, fake, Config{})

	c1 := dialWS(t, srv)
	c1.join("s1", 1)
	c2 := dialWS(t, srv)
	c2.join("s2", 1)
	var joined joinedEnvelope
	c1.recv(&joined)

	c2.send(map[string]any{"type": "leave"})

	var left leftEnvelope
	c1.recv(&left)
	assert.Equal(t, "left", left.Type)
	assert.EqualValues(t, 1, left.Room)
	assert.EqualValues(t, 2, left.User)

	// Membership persists, so the departed user accrues unread rows.
	c1.send(map[string]any{"type": "message", "content": "still here"})
	var m messageEnvelope
	c1.recv(&m)
	assert.Equal(t, 1, m.UnreadCnt)
	assert.Equal(t, []int64{2}, fake.UnreadUsers(m.ID))
}

func TestUpdateChatRoomBroadcast(t *testing.T) {
	srv := startTestServer(t, store.NewFake(), Config{})

	c1 := dialWS(t, srv)
	c2 := dialWS(t, srv)
	c1.send(map[string]any{"type": "update-chat-room"})

	for _, c := range []*wsClient{c1, c2} {
		var env typeOnlyEnvelope
		c.recv(&env)
		assert.Equal(t, "updated-chat-room", env.Type)
	}
}

func TestPongTimeoutEviction(t *testing.T) {
	srv := startTestServer(t, store.NewFake(), Config{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  100 * time.Millisecond,
	})

	dialWS(t, srv)
	require.Equal(t, 1, srv.ClientCount())

	// Never answering the keep-alive ping gets the client evicted.
	assert.Eventually(t, func() bool { return srv.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestPongKeepsClientAlive(t *testing.T) {
	srv := startTestServer(t, store.NewFake(), Config{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  150 * time.Millisecond,
	})

	c := dialWS(t, srv)
	for i := 0; i < 6; i++ {
		var env typeOnlyEnvelope
		c.recv(&env)
		require.Equal(t, "ping", env.Type)
		c.send(map[string]any{"type": "pong"})
	}
	assert.Equal(t, 1, srv.ClientCount())
}

func TestClientCloseFrame(t *testing.T) {
	srv := startTestServer(t, store.NewFake(), Config{})

	c := dialWS(t, srv)
	require.Equal(t, 1, srv.ClientCount())

	data := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	require.NoError(t, wsutil.WriteClientMessage(c.rw, ws.OpClose, data))

	assert.Eventually(t, func() bool { return srv.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestFragmentedFrameRejected(t *testing.T) {
	srv := startTestServer(t, store.NewFake(), Config{})

	c := dialWS(t, srv)
	frame := ws.NewTextFrame([]byte("first part"))
	frame.Header.Fin = false
	require.NoError(t, ws.WriteFrame(c.conn, ws.MaskFrame(frame)))

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := wsutil.ReadServerText(c.rw)
	var closed wsutil.ClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, ws.StatusUnsupportedData, closed.Code)

	assert.Eventually(t, func() bool { return srv.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestCloseCodeDeliveredDuringBroadcasts(t *testing.T) {
	ctx := context.Background()
	fake := store.NewFake()
	fake.PutSession("s1", 1, time.Now().Add(time.Hour))
	fake.PutSession("s2", 2, time.Now().Add(time.Hour))
	fake.PutUser(2, "bora")
	require.NoError(t, fake.JoinRoom(ctx, 1, 1))
	require.NoError(t, fake.JoinRoom(ctx, 1, 2))

	srv := startTestServer(t, fake, Config{})

	c1 := dialWS(t, srv)
	c1.join("s1", 1)
	c2 := dialWS(t, srv)
	c2.join("s2", 1)
	var joined joinedEnvelope
	c1.recv(&joined)

	// c2 bursts large frames into the room so c1's write pump is still
	// mid-broadcast when the protocol violation arrives. The burst stays
	// well under the send buffer so it can never trip the slow-client
	// rule.
	big := strings.Repeat("x", 32*1024)
	for i := 0; i < 64; i++ {
		c2.send(map[string]any{"type": "message", "content": big})
	}

	frame := ws.NewTextFrame([]byte("first part"))
	frame.Header.Fin = false
	require.NoError(t, ws.WriteFrame(c1.conn, ws.MaskFrame(frame)))

	// Drain in-flight broadcasts until the close frame surfaces; every
	// frame on the way must still parse cleanly.
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no close frame seen")
		c1.conn.SetReadDeadline(deadline)
		_, err := wsutil.ReadServerText(c1.rw)
		if err == nil {
			continue
		}
		var closed wsutil.ClosedError
		require.ErrorAs(t, err, &closed)
		assert.Equal(t, ws.StatusUnsupportedData, closed.Code)
		return
	}
}

func TestConnectionCap(t *testing.T) {
	srv := startTestServer(t, store.NewFake(), Config{MaxConnections: 2})

	dialWS(t, srv)
	dialWS(t, srv)
	require.Equal(t, 2, srv.ClientCount())

	// The third accept is closed before the handshake completes.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws://"+srv.Addr().String()+"/chat")
	if err == nil {
		conn.Close()
	}
	assert.Error(t, err)
	assert.Equal(t, 2, srv.ClientCount())
}

func TestShutdownDrainsClients(t *testing.T) {
	fake := store.NewFake()
	srv := startTestServer(t, fake, Config{})

	c := dialWS(t, srv)
	require.NoError(t, srv.Shutdown())
	assert.Zero(t, srv.ClientCount())

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := wsutil.ReadServerText(c.rw)
	assert.Error(t, err, "socket closed by shutdown")
}

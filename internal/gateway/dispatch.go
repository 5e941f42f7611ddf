package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/kuttalk/gateway/internal/monitoring"
	"github.com/kuttalk/gateway/internal/store"
	"github.com/kuttalk/gateway/internal/wire"
)

// dispatch handles one decoded frame. It returns true when the connection
// should end (orderly close). Errors never escape: per the error taxonomy,
// anything below protocol level is logged and the loop continues.
func (s *Server) dispatch(c *Client, f wire.Frame) (done bool) {
	switch f.Opcode {
	case wire.OpClose:
		return true

	case wire.OpPing:
		c.touch()
		if pong, err := wire.BuildControlFrame(wire.OpPong, f.Payload); err == nil {
			if !c.enqueue(pong) {
				s.terminate(c, monitoring.EvictReasonSlowClient)
				return true
			}
		}

	case wire.OpPong:
		c.touch()

	case wire.OpText:
		s.dispatchText(c, f.Payload)
	}
	return false
}

// dispatchText decodes the JSON envelope and routes on its type. Invalid
// JSON is echoed back verbatim (debug fallback from the original server);
// a malformed envelope of a known type drops the frame.
func (s *Server) dispatchText(c *Client, payload []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.sendFrame(c, wire.BuildTextFrame(payload))
		return
	}
	c.touch()

	switch env.Type {
	case "auth":
		if env.SID == nil {
			return
		}
		s.handleAuth(c, *env.SID)

	case "join":
		if env.SID == nil || env.Room == nil {
			return
		}
		s.handleJoin(c, *env.SID, *env.Room)

	case "leave":
		s.handleLeave(c)

	case "message":
		if env.Content == nil {
			return
		}
		s.handleMessage(c, *env.Content)

	case "pong":
		// Liveness already updated above.

	case "update-chat-room":
		s.broadcastAll(typeOnlyEnvelope{Type: "updated-chat-room"})

	default:
		s.logger.Debug().
			Int64("client_id", c.id).
			Str("type", env.Type).
			Msg("Unknown envelope type dropped")
	}
}

// handleAuth validates the session and binds the user to the connection.
// Invalid or expired sessions are ignored without a reply.
func (s *Server) handleAuth(c *Client, sid string) {
	sess, err := s.sessions.FindSession(s.ctx, sid)
	if err != nil {
		s.storeWarn(err, "find_session", c)
		return
	}
	if !sess.Valid(time.Now()) {
		return
	}

	c.userID.Store(sess.UserID)
	s.sendEnvelope(c, authOKEnvelope{Type: "auth_ok"})
}

// handleJoin is the authoritative auth step: the session is re-validated
// even if auth already ran. On success the user's unread state in the room
// is snapshotted and cleared, presence is set, and the room learns about
// the join and the recomputed unread counts.
func (s *Server) handleJoin(c *Client, sid string, roomID int64) {
	sess, err := s.sessions.FindSession(s.ctx, sid)
	if err != nil {
		s.storeWarn(err, "find_session", c)
		return
	}
	if !sess.Valid(time.Now()) {
		return
	}
	uid := sess.UserID

	// Persistent membership; presence is set separately below. Leave
	// never undoes this insert.
	if err := s.chats.JoinRoom(s.ctx, roomID, uid); err != nil {
		s.storeWarn(err, "join_room", c)
	}

	snapshot, err := s.chats.UnreadForUser(s.ctx, roomID, uid)
	if err != nil {
		s.storeWarn(err, "unread_for_user", c)
		snapshot = nil
	}
	if err := s.chats.ClearUnread(s.ctx, roomID, uid); err != nil {
		s.storeWarn(err, "clear_unread", c)
	}

	s.sendEnvelope(c, unreadEnvelope{Type: "unread", Room: roomID, Count: 0})

	c.userID.Store(uid)
	c.roomID.Store(roomID)

	members, err := s.chats.RoomMembers(s.ctx, roomID)
	if err != nil {
		s.storeWarn(err, "room_members", c)
	}
	s.broadcastRoom(roomID, joinedEnvelope{Type: "joined", Room: roomID, Users: members})

	// The joiner's cleared rows change every affected message's remaining
	// unread count; the room gets one update per message.
	for _, u := range snapshot {
		cnt, err := s.chats.CountUnreadForMessage(s.ctx, u.MessageID)
		if err != nil {
			s.storeWarn(err, "count_unread_for_message", c)
			continue
		}
		s.broadcastRoom(roomID, updatedMessageEnvelope{
			Type: "updated-message", ID: u.MessageID, UnreadCnt: cnt,
		})
	}
}

// handleLeave clears presence only; persistent membership stays, so the
// user keeps accruing unread rows while away.
func (s *Server) handleLeave(c *Client) {
	prev := c.roomID.Swap(0)
	if prev == 0 {
		return
	}
	s.broadcastRoom(prev, leftEnvelope{Type: "left", Room: prev, User: c.userID.Load()})
}

// handleMessage persists the message, books unread rows for members who
// are not watching the room right now, pings members who are online
// elsewhere, and fans the message out to the room.
func (s *Server) handleMessage(c *Client, content string) {
	roomID := c.roomID.Load()
	if roomID == 0 {
		// Message before join: drop silently.
		return
	}
	sender := c.userID.Load()

	mid, err := s.chats.SaveMessage(s.ctx, roomID, sender, content)
	if err != nil {
		// Fatal for this frame: no unread rows, no broadcast.
		s.storeWarn(err, "save_message", c)
		return
	}

	members, err := s.chats.RoomMembers(s.ctx, roomID)
	if err != nil {
		s.storeWarn(err, "room_members", c)
	}

	// One consistent snapshot of who is watching the room at this
	// instant; all store calls happen after the lock is released.
	pres := s.registry.Presence(roomID)

	for _, member := range members {
		if member == sender {
			continue
		}
		if _, online := pres.inRoom[member]; online {
			continue
		}

		if err := s.chats.AddUnread(s.ctx, mid, member); err != nil {
			s.storeWarn(err, "add_unread", c)
		}

		if peers := pres.elsewhere[member]; len(peers) > 0 {
			count, err := s.chats.CountUnreadForUser(s.ctx, roomID, member)
			if err != nil {
				s.storeWarn(err, "count_unread_for_user", c)
				continue
			}
			for _, peer := range peers {
				s.sendEnvelope(peer, unreadEnvelope{Type: "unread", Room: roomID, Count: count})
			}
		}
	}

	nick, err := s.sessions.UserNick(s.ctx, sender)
	if err != nil {
		s.storeWarn(err, "user_nick", c)
	}
	unreadCnt, err := s.chats.CountUnreadForMessage(s.ctx, mid)
	if err != nil {
		s.storeWarn(err, "count_unread_for_message", c)
	}

	s.broadcastRoom(roomID, messageEnvelope{
		Type:      "message",
		Room:      roomID,
		ID:        mid,
		Sender:    sender,
		Nick:      nick,
		Content:   content,
		TS:        time.Now().Unix(),
		UnreadCnt: unreadCnt,
	})
}

// storeWarn logs a store failure as transient. ErrNotFound is an expected
// outcome for lookups, not an error worth a warning.
func (s *Server) storeWarn(err error, op string, c *Client) {
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug().Int64("client_id", c.id).Str("op", op).Msg("Store lookup empty")
		return
	}
	monitoring.StoreErrors.WithLabelValues(op).Inc()
	s.logger.Warn().Err(err).Int64("client_id", c.id).Str("op", op).Msg("Store call failed")
}

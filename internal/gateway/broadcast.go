package gateway

import (
	"encoding/json"

	"github.com/kuttalk/gateway/internal/monitoring"
	"github.com/kuttalk/gateway/internal/wire"
)

// broadcastRoom fans an envelope out to every handshaked client currently
// in the room. The envelope is marshaled and framed exactly once; every
// recipient is handed the same byte buffer. A client whose queue is full
// is terminated after the loop rather than stalling the fan-out.
func (s *Server) broadcastRoom(roomID int64, v any) {
	s.fanOut(v, func(c *Client) bool {
		return c.handshaked.Load() && c.roomID.Load() == roomID
	})
}

// broadcastAll fans an envelope out to every handshaked client.
func (s *Server) broadcastAll(v any) {
	s.fanOut(v, func(c *Client) bool {
		return c.handshaked.Load()
	})
}

func (s *Server) fanOut(v any, pred func(*Client) bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal broadcast envelope")
		return
	}
	frame := wire.BuildTextFrame(payload)
	monitoring.BroadcastsTotal.WithLabelValues(envelopeType(v)).Inc()

	targets := s.registry.Collect(pred)

	var failed []*Client
	for _, c := range targets {
		if !c.enqueue(frame) {
			monitoring.DroppedSends.Inc()
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		s.terminate(c, monitoring.EvictReasonSlowClient)
	}
}

// sendEnvelope marshals and frames an envelope for a single client. A full
// queue is fatal for that client, as for any dispatcher-issued write.
func (s *Server) sendEnvelope(c *Client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal envelope")
		return
	}
	s.sendFrame(c, wire.BuildTextFrame(payload))
}

func (s *Server) sendFrame(c *Client, frame []byte) {
	if !c.enqueue(frame) {
		monitoring.DroppedSends.Inc()
		s.terminate(c, monitoring.EvictReasonSlowClient)
	}
}

// envelopeType extracts the wire type label for metrics without a second
// marshal round-trip.
func envelopeType(v any) string {
	switch e := v.(type) {
	case joinedEnvelope:
		return e.Type
	case leftEnvelope:
		return e.Type
	case messageEnvelope:
		return e.Type
	case unreadEnvelope:
		return e.Type
	case updatedMessageEnvelope:
		return e.Type
	case typeOnlyEnvelope:
		return e.Type
	default:
		return "unknown"
	}
}

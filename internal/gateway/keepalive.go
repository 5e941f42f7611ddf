package gateway

import (
	"encoding/json"
	"time"

	"github.com/kuttalk/gateway/internal/monitoring"
	"github.com/kuttalk/gateway/internal/wire"
)

// keepaliveLoop sends the application-level ping envelope to every
// handshaked client each PingInterval, then evicts clients whose last
// inbound traffic is older than PongTimeout. This is the JSON ping of the
// chat protocol, not an opcode-0x9 control ping; liveness is refreshed by
// any inbound JSON, by pong/ping control frames, and by handshake
// completion.
func (s *Server) keepaliveLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "keepaliveLoop", nil)

	payload, _ := json.Marshal(typeOnlyEnvelope{Type: "ping"})
	pingFrame := wire.BuildTextFrame(payload)

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pingAndPrune(pingFrame)
		}
	}
}

func (s *Server) pingAndPrune(pingFrame []byte) {
	for _, c := range s.registry.Collect(func(c *Client) bool { return c.handshaked.Load() }) {
		if !c.enqueue(pingFrame) {
			monitoring.DroppedSends.Inc()
			s.terminate(c, monitoring.EvictReasonSlowClient)
		}
	}

	// Prune after the ping round. Clients still mid-handshake are covered
	// too: their liveness clock started at accept.
	now := time.Now()
	stale := s.registry.Collect(func(c *Client) bool {
		return c.stale(now, s.cfg.PongTimeout)
	})
	for _, c := range stale {
		s.logger.Info().
			Int64("client_id", c.id).
			Dur("pong_timeout", s.cfg.PongTimeout).
			Msg("Evicting unresponsive client")
		s.terminate(c, monitoring.EvictReasonPongTimeout)
	}
}

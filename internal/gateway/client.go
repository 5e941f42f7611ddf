// Package gateway implements the chat gateway core: the client registry,
// the per-connection protocol state machine, the broadcast and unread
// notification pipeline, and the keep-alive loop.
package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// sendBufferSize is the per-client outbound queue, in whole frames. A full
// queue means the peer is not draining its socket; the gateway terminates
// such clients rather than blocking fan-out.
const sendBufferSize = 256

// Client is one connected peer.
//
// Lifecycle: created on accept with handshaked=false, mutated by its own
// serve goroutine, terminated exactly once via closeOnce when the peer
// closes, a read/write fails, or the keep-alive timer evicts it.
//
// State invariants: userID != 0 implies handshaked; roomID != 0 implies
// userID != 0. userID and roomID are written only by the serve goroutine
// and read by broadcast snapshots under the registry lock, hence atomics.
type Client struct {
	id   int64
	conn net.Conn

	// send carries complete pre-built frames; writePump drains it and is
	// the normal writer to the socket after the handshake. writeMu
	// serializes its writes against the direct close-frame path, so no
	// two goroutines ever interleave bytes on the same fd.
	send    chan []byte
	done    chan struct{}
	writeMu sync.Mutex

	closeOnce sync.Once

	handshaked   atomic.Bool
	userID       atomic.Int64
	roomID       atomic.Int64
	lastLiveness atomic.Int64 // unix nanoseconds
	connectedAt  time.Time
}

func newClient(id int64, conn net.Conn) *Client {
	c := &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.touch()
	return c
}

// touch records inbound liveness. Called on handshake completion, any
// valid inbound JSON, and ping/pong control frames.
func (c *Client) touch() {
	c.lastLiveness.Store(time.Now().UnixNano())
}

// stale reports whether the client has been silent past the pong timeout.
func (c *Client) stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(time.Unix(0, c.lastLiveness.Load())) > timeout
}

// enqueue queues a frame for writePump without ever blocking. It returns
// false when the client is gone or its buffer is full; the caller decides
// whether that is fatal (it is, for every write the dispatcher issues).
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

package gateway

import "sync"

// Registry is the set of live clients. One coarse mutex guards it: fan-out
// cost is dominated by per-socket writes, not lock contention, and a
// single lock keeps the online-in-room snapshot trivially consistent.
//
// The lock is never held across a store call or a socket write; callers
// collect targets under the lock and act after releasing it.
type Registry struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[*Client]struct{})}
}

// Add inserts a client. A client appears at most once.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
}

// Remove deletes a client. Idempotent; termination calls it before the
// client's socket is closed so no later snapshot observes a dead client.
func (r *Registry) Remove(c *Client) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

// Len returns the current client count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Collect returns the clients matching pred, snapshotted under the lock.
// pred must not mutate the registry.
func (r *Registry) Collect(pred func(*Client) bool) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// presence is a consistent snapshot of who is online where, taken in one
// lock acquisition at message-dispatch time.
type presence struct {
	inRoom    map[int64]struct{}  // users with a handshaked client in the room
	elsewhere map[int64][]*Client // users online with a different (or no) room
}

// Presence snapshots room presence for authenticated, handshaked clients.
// A user connected more than once appears in elsewhere with every such
// client.
func (r *Registry) Presence(roomID int64) presence {
	p := presence{
		inRoom:    make(map[int64]struct{}),
		elsewhere: make(map[int64][]*Client),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		if !c.handshaked.Load() {
			continue
		}
		uid := c.userID.Load()
		if uid == 0 {
			continue
		}
		if c.roomID.Load() == roomID {
			p.inRoom[uid] = struct{}{}
		} else {
			p.elsewhere[uid] = append(p.elsewhere[uid], c)
		}
	}
	return p
}

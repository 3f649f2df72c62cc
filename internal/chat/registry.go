package chat

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/ageniuscoder/palchat/backend/internal/auth"
)

// ErrClosed is returned by Admit once the registry has been shut down.
const ErrClosed = errors.ConstError("registry closed")

// AccessChecker decides whether a user may subscribe to a conversation.
type AccessChecker interface {
	CheckAccess(ctx context.Context, convID string, userID int64) error
}

// Registry tracks live connections and the room each one subscribed to.
// A connection belongs to exactly one room for its lifetime.
//
// Sends happen under the read lock and Remove closes the send channel
// under the write lock, so no send ever targets a released connection.
type Registry struct {
	access AccessChecker

	mu     sync.RWMutex
	conns  map[*Client]struct{}
	rooms  map[string]map[*Client]struct{}
	closed bool
}

func NewRegistry(access AccessChecker) *Registry {
	return &Registry{
		access: access,
		conns:  make(map[*Client]struct{}),
		rooms:  make(map[string]map[*Client]struct{}),
	}
}

// Admit subscribes c to convID on behalf of id. It fails with an
// Unauthorized error for an unresolved identity and a Forbidden error when
// the user is not a member or soft-deleted the conversation.
func (r *Registry) Admit(ctx context.Context, c *Client, id auth.Identity, convID string) error {
	if id.UserID <= 0 {
		return errors.Unauthorizedf("unresolved identity")
	}
	if err := r.access.CheckAccess(ctx, convID, id.UserID); err != nil {
		if errors.Is(err, errors.NotFound) || errors.Is(err, errors.Forbidden) {
			return errors.NewForbidden(err, "access denied")
		}
		return errors.Annotatef(err, "checking access to %q", convID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	c.userID = id.UserID
	c.convID = convID
	c.setState(stateSubscribed)
	r.conns[c] = struct{}{}
	room := r.rooms[convID]
	if room == nil {
		room = make(map[*Client]struct{})
		r.rooms[convID] = room
	}
	room[c] = struct{}{}
	return nil
}

// Remove unsubscribes c and closes its send channel. It reports whether
// c was still registered; repeated calls are no-ops.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(c)
}

func (r *Registry) removeLocked(c *Client) bool {
	if _, ok := r.conns[c]; !ok {
		return false
	}
	delete(r.conns, c)
	if room := r.rooms[c.convID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(r.rooms, c.convID)
		}
	}
	close(c.send)
	return true
}

// MembersOf returns a snapshot of the connections subscribed to convID.
func (r *Registry) MembersOf(convID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.rooms[convID]))
	for c := range r.rooms[convID] {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// broadcast hands payload to every member of convID not excluded by skip.
// Members whose buffer is full are removed afterwards.
func (r *Registry) broadcast(convID string, payload []byte, skip Filter) (delivered int, dropped []*Client) {
	r.mu.RLock()
	for c := range r.rooms[convID] {
		if skip != nil && skip(c) {
			continue
		}
		select {
		case c.send <- payload:
			delivered++
		default:
			dropped = append(dropped, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range dropped {
		r.Remove(c)
	}
	return delivered, dropped
}

// sendTo delivers payload to c alone, if it is still registered.
func (r *Registry) sendTo(c *Client, payload []byte) bool {
	full := false
	r.mu.RLock()
	_, ok := r.conns[c]
	if ok {
		select {
		case c.send <- payload:
		default:
			full = true
		}
	}
	r.mu.RUnlock()
	if full {
		r.Remove(c)
		return false
	}
	return ok
}

// Close removes every connection and refuses further admits.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for c := range r.conns {
		r.removeLocked(c)
	}
}

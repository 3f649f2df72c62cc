package chat

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
)

// Filter reports whether a connection must be skipped by a publish.
type Filter func(c *Client) bool

// ExcludeConn skips one connection. A nil connection skips nothing.
func ExcludeConn(conn *Client) Filter {
	return func(c *Client) bool { return conn != nil && c == conn }
}

// ExcludeUser skips every connection of a user.
func ExcludeUser(userID int64) Filter {
	return func(c *Client) bool { return c.userID == userID }
}

// ExcludeUsers skips connections of the users in set.
func ExcludeUsers(set map[int64]bool) Filter {
	return func(c *Client) bool { return set[c.userID] }
}

// OnlyUsers skips connections of users outside set.
func OnlyUsers(set map[int64]bool) Filter {
	return func(c *Client) bool { return !set[c.userID] }
}

func anyOf(filters ...Filter) Filter {
	return func(c *Client) bool {
		for _, f := range filters {
			if f != nil && f(c) {
				return true
			}
		}
		return false
	}
}

// Publish delivers ev to the room of convID, minus connections excluded by
// any filter. Users who soft-deleted the conversation never receive room
// events. Delivery is non-blocking per connection; a connection that
// cannot take the event is removed.
func (h *Hub) Publish(ctx context.Context, convID string, ev any, filters ...Filter) error {
	if len(h.registry.MembersOf(convID)) == 0 {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Annotate(err, "encoding event")
	}
	deleters, err := h.store.ConversationDeleters(ctx, convID)
	if err != nil {
		return errors.Annotatef(err, "loading deleters of %q", convID)
	}
	skip := anyOf(append(filters, ExcludeUsers(deleters))...)

	delivered, dropped := h.registry.broadcast(convID, payload, skip)
	h.metrics.deliveries.Add(float64(delivered))
	for _, c := range dropped {
		h.metrics.drops.Inc()
		c.log.Warn("dropped slow connection", "conversation_id", convID, "user_id", c.userID)
	}
	return nil
}

// publish is Publish for callers that already committed their change; a
// failed fan-out is logged, not returned.
func (h *Hub) publish(ctx context.Context, convID string, ev any, filters ...Filter) {
	if err := h.Publish(ctx, convID, ev, filters...); err != nil {
		h.log.Error("fan-out failed", "conversation_id", convID, "err", err)
	}
}

// reply sends ev to c only.
func (h *Hub) reply(c *Client, ev any) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("encoding reply", "err", err)
		return
	}
	if !h.registry.sendTo(c, payload) {
		c.log.Debug("reply dropped", "state", c.getState().String())
	}
}

package chat

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/ageniuscoder/palchat/backend/internal/auth"
	"github.com/ageniuscoder/palchat/backend/internal/presence"
	"github.com/ageniuscoder/palchat/backend/internal/store"
	"github.com/ageniuscoder/palchat/backend/internal/utils"
)

// Store is the part of the conversation store the hub drives.
type Store interface {
	AccessChecker
	User(ctx context.Context, id int64) (store.User, error)
	ConversationIDsFor(ctx context.Context, userID int64) ([]string, error)
	ConversationDeleters(ctx context.Context, convID string) (map[int64]bool, error)
	DeleteConversation(ctx context.Context, convID string, userID int64) (bool, error)
	MessageConversation(ctx context.Context, messageID string) (string, error)
	MessageDeleters(ctx context.Context, messageID string) (map[int64]bool, error)
	Message(ctx context.Context, id string, viewerID int64) (store.Message, error)
	CreateMessage(ctx context.Context, nm store.NewMessage) (store.Message, error)
	EditMessage(ctx context.Context, messageID string, userID int64, content string) (store.Message, error)
	DeleteMessageFor(ctx context.Context, messageID string, userID int64) (string, bool, error)
	RestoreMessageFor(ctx context.Context, messageID string, userID int64) (string, error)
	ToggleReaction(ctx context.Context, messageID string, userID int64, kind store.ReactionKind) (store.ReactionResult, error)
	MarkRead(ctx context.Context, messageID string, userID int64) (store.ReadReceipt, error)
	MarkConversationRead(ctx context.Context, convID string, userID int64) (*store.ReadReceipt, error)
}

type Options struct {
	SendBuffer     int
	EventsPerSec   float64
	EventBurst     int
	StoreTimeout   time.Duration
	AllowedOrigins []string
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.EventsPerSec <= 0 {
		o.EventsPerSec = 20
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 40
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
}

// Hub owns the connection registry and is the single fan-out path for
// both the websocket router and the REST handlers.
type Hub struct {
	store    Store
	presence *presence.Tracker
	verifier auth.Verifier
	registry *Registry
	metrics  *Metrics
	log      *slog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
	opts     Options

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewHub(st Store, tracker *presence.Tracker, v auth.Verifier, m *Metrics, log *slog.Logger, opts Options) *Hub {
	opts.defaults()
	if m == nil {
		m = NewMetrics()
	}
	h := &Hub{
		store:    st,
		presence: tracker,
		verifier: v,
		registry: NewRegistry(st),
		metrics:  m,
		log:      log.With("component", "hub"),
		validate: utils.NewValidator(),
		opts:     opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(h.opts.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, origin)
}

// Close disconnects every client and waits for their pumps to finish or
// ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.registry.Close()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "waiting for connections")
	}
}

// acquirePumps reserves the read and write pump of a new connection. It
// fails once Close has started.
func (h *Hub) acquirePumps() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(2)
	return true
}

// storeCtx bounds a store round trip. It does not derive from the
// connection so work already started completes after a disconnect.
func (h *Hub) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.opts.StoreTimeout)
}

// detach bounds the fan-out that follows a committed change. It ignores
// the caller's cancellation so a REST client hanging up after the write
// cannot suppress the broadcast.
func (h *Hub) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.opts.StoreTimeout)
}

// Origin identifies who triggered an action. Conn is nil for REST calls.
type Origin struct {
	UserID int64
	Conn   *Client
}

// inScope checks that convID may be acted on by o. Websocket actions are
// limited to the connection's room, whose access was checked at admit.
func (h *Hub) inScope(ctx context.Context, o Origin, convID string) error {
	if o.Conn != nil {
		if o.Conn.convID != convID {
			return errors.NotFoundf("conversation %q on this connection", convID)
		}
		return nil
	}
	return h.store.CheckAccess(ctx, convID, o.UserID)
}

func (h *Hub) messageScope(ctx context.Context, o Origin, messageID string) (string, error) {
	convID, err := h.store.MessageConversation(ctx, messageID)
	if err != nil {
		return "", err
	}
	if err := h.inScope(ctx, o, convID); err != nil {
		if o.Conn != nil {
			return "", errors.NotFoundf("message %q", messageID)
		}
		return "", err
	}
	return convID, nil
}

// publishMessage fans out a message view. Users who deleted the message
// are skipped; users who deleted the replied-to message get a redacted
// reply preview.
func (h *Hub) publishMessage(ctx context.Context, typ string, msg store.Message) {
	hidden, err := h.store.MessageDeleters(ctx, msg.ID)
	if err != nil {
		h.log.Error("loading message deleters", "message_id", msg.ID, "err", err)
		return
	}
	if msg.ReplyTo == nil {
		h.publish(ctx, msg.ConversationID, MessageEvent{Type: typ, Message: msg}, ExcludeUsers(hidden))
		return
	}
	redact, err := h.store.MessageDeleters(ctx, msg.ReplyTo.MessageID)
	if err != nil {
		h.log.Error("loading message deleters", "message_id", msg.ReplyTo.MessageID, "err", err)
		return
	}
	h.publish(ctx, msg.ConversationID, MessageEvent{Type: typ, Message: msg},
		ExcludeUsers(hidden), ExcludeUsers(redact))
	if len(redact) > 0 {
		h.publish(ctx, msg.ConversationID, MessageEvent{Type: typ, Message: msg.WithReplyRedacted()},
			ExcludeUsers(hidden), OnlyUsers(redact))
	}
}

// SendMessage persists a message, clears the sender's typing state and
// broadcasts message-created.
func (h *Hub) SendMessage(ctx context.Context, o Origin, convID string, p SendMessagePayload) (store.Message, error) {
	if err := h.inScope(ctx, o, convID); err != nil {
		return store.Message{}, err
	}
	msg, err := h.store.CreateMessage(ctx, store.NewMessage{
		ConversationID: convID,
		SenderID:       o.UserID,
		Content:        p.Content,
		Type:           p.MessageType,
		ReplyTo:        p.ReplyTo,
	})
	if err != nil {
		return store.Message{}, err
	}
	ctx, cancel := h.detach(ctx)
	defer cancel()
	h.publishMessage(ctx, EventMessageCreated, msg)

	cleared, err := h.presence.ClearTyping(ctx, o.UserID, convID)
	if err != nil {
		h.log.Warn("clearing typing", "user_id", o.UserID, "err", err)
	} else if cleared {
		h.publish(ctx, convID, TypingEvent{
			Type: EventTypingChanged, ConversationID: convID, User: msg.Sender, Timestamp: h.presence.Now(),
		}, ExcludeConn(o.Conn))
	}
	return msg, nil
}

func (h *Hub) EditMessage(ctx context.Context, o Origin, messageID, content string) (store.Message, error) {
	if _, err := h.messageScope(ctx, o, messageID); err != nil {
		return store.Message{}, err
	}
	msg, err := h.store.EditMessage(ctx, messageID, o.UserID, content)
	if err != nil {
		return store.Message{}, err
	}
	ctx, cancel := h.detach(ctx)
	defer cancel()
	h.publishMessage(ctx, EventMessageUpdated, msg)
	return msg, nil
}

// DeleteMessage hides a message from the requester. A repeated delete is
// a no-op and broadcasts nothing.
func (h *Hub) DeleteMessage(ctx context.Context, o Origin, messageID string) (bool, error) {
	convID, err := h.messageScope(ctx, o, messageID)
	if err != nil {
		return false, err
	}
	_, created, err := h.store.DeleteMessageFor(ctx, messageID, o.UserID)
	if err != nil || !created {
		return created, err
	}
	ctx, cancel := h.detach(ctx)
	defer cancel()
	hidden, err := h.store.MessageDeleters(ctx, messageID)
	if err != nil {
		h.log.Error("loading message deleters", "message_id", messageID, "err", err)
		return true, nil
	}
	actor, err := h.store.User(ctx, o.UserID)
	if err != nil {
		h.log.Error("loading actor", "user_id", o.UserID, "err", err)
		return true, nil
	}
	h.publish(ctx, convID, MessageDeletedEvent{
		Type:           EventMessageDeleted,
		ConversationID: convID,
		MessageID:      messageID,
		User:           actor,
		Timestamp:      h.presence.Now(),
	}, ExcludeUsers(hidden))
	return true, nil
}

// RestoreMessage removes the requester's deletion marker and broadcasts
// message-restored.
func (h *Hub) RestoreMessage(ctx context.Context, o Origin, messageID string) (store.Message, error) {
	if _, err := h.messageScope(ctx, o, messageID); err != nil {
		return store.Message{}, err
	}
	if _, err := h.store.RestoreMessageFor(ctx, messageID, o.UserID); err != nil {
		return store.Message{}, err
	}
	ctx, cancel := h.detach(ctx)
	defer cancel()
	msg, err := h.store.Message(ctx, messageID, 0)
	if err != nil {
		return store.Message{}, err
	}
	h.publishMessage(ctx, EventMessageRestored, msg)
	return h.store.Message(ctx, messageID, o.UserID)
}

func (h *Hub) React(ctx context.Context, o Origin, messageID string, kind store.ReactionKind) (store.ReactionResult, error) {
	convID, err := h.messageScope(ctx, o, messageID)
	if err != nil {
		return store.ReactionResult{}, err
	}
	res, err := h.store.ToggleReaction(ctx, messageID, o.UserID, kind)
	if err != nil {
		return store.ReactionResult{}, err
	}
	ctx, cancel := h.detach(ctx)
	defer cancel()
	ev := ReactionEvent{
		Type:           EventReactionChanged,
		ConversationID: convID,
		MessageID:      messageID,
		Reaction:       kind,
		Action:         res.Action,
		Timestamp:      h.presence.Now(),
	}
	if res.Reaction != nil {
		ev.User = res.Reaction.User
		ev.Timestamp = res.Reaction.CreatedAt
	} else if ev.User, err = h.store.User(ctx, o.UserID); err != nil {
		h.log.Error("loading actor", "user_id", o.UserID, "err", err)
		return res, nil
	}
	h.publishAboutMessage(ctx, convID, messageID, ev)
	return res, nil
}

// publishAboutMessage fans out an event referencing messageID, skipping
// users who deleted it.
func (h *Hub) publishAboutMessage(ctx context.Context, convID, messageID string, ev any, filters ...Filter) {
	hidden, err := h.store.MessageDeleters(ctx, messageID)
	if err != nil {
		h.log.Error("loading message deleters", "message_id", messageID, "err", err)
		return
	}
	h.publish(ctx, convID, ev, append(filters, ExcludeUsers(hidden))...)
}

func (h *Hub) MarkRead(ctx context.Context, o Origin, messageID string) (store.ReadReceipt, error) {
	if _, err := h.messageScope(ctx, o, messageID); err != nil {
		return store.ReadReceipt{}, err
	}
	rr, err := h.store.MarkRead(ctx, messageID, o.UserID)
	if err != nil {
		return store.ReadReceipt{}, err
	}
	ctx, cancel := h.detach(ctx)
	defer cancel()
	h.publishReceipt(ctx, o, rr)
	return rr, nil
}

// MarkConversationRead marks the newest message visible to the user. It
// returns nil when there is nothing to mark.
func (h *Hub) MarkConversationRead(ctx context.Context, o Origin, convID string) (*store.ReadReceipt, error) {
	if err := h.inScope(ctx, o, convID); err != nil {
		return nil, err
	}
	rr, err := h.store.MarkConversationRead(ctx, convID, o.UserID)
	if err != nil || rr == nil {
		return rr, err
	}
	ctx, cancel := h.detach(ctx)
	defer cancel()
	h.publishReceipt(ctx, o, *rr)
	return rr, nil
}

func (h *Hub) publishReceipt(ctx context.Context, o Origin, rr store.ReadReceipt) {
	reader, err := h.store.User(ctx, o.UserID)
	if err != nil {
		h.log.Error("loading reader", "user_id", o.UserID, "err", err)
		return
	}
	h.publishAboutMessage(ctx, rr.ConversationID, rr.MessageID, ReadReceiptEvent{
		Type:           EventReadReceipt,
		ConversationID: rr.ConversationID,
		MessageID:      rr.MessageID,
		User:           reader,
		ReadAt:         rr.ReadAt,
	}, ExcludeConn(o.Conn))
}

// SetTyping starts or stops the user's typing indication in convID and
// broadcasts typing-changed to everyone but the originating connection.
func (h *Hub) SetTyping(ctx context.Context, o Origin, convID string, typing bool) error {
	if err := h.inScope(ctx, o, convID); err != nil {
		return err
	}
	at := h.presence.Now()
	if typing {
		var err error
		if at, err = h.presence.SetTyping(ctx, o.UserID, convID); err != nil {
			return err
		}
	} else if _, err := h.presence.ClearTyping(ctx, o.UserID, convID); err != nil {
		return err
	}
	ctx, cancel := h.detach(ctx)
	defer cancel()
	user, err := h.store.User(ctx, o.UserID)
	if err != nil {
		return err
	}
	h.publish(ctx, convID, TypingEvent{
		Type:           EventTypingChanged,
		ConversationID: convID,
		User:           user,
		IsTyping:       typing,
		Timestamp:      at,
	}, ExcludeConn(o.Conn))
	return nil
}

// SetStatus stores an explicit status and tells every room the user
// belongs to.
func (h *Hub) SetStatus(ctx context.Context, userID int64, status store.Status) (time.Time, error) {
	at, err := h.presence.SetStatus(ctx, userID, status)
	if err != nil {
		return time.Time{}, err
	}
	ctx, cancel := h.detach(ctx)
	defer cancel()
	h.broadcastPresence(ctx, userID, status, at)
	return at, nil
}

// DeleteConversation hides convID from userID. Their live connections in
// the room stop receiving its events through the fan-out filter.
func (h *Hub) DeleteConversation(ctx context.Context, userID int64, convID string) (bool, error) {
	return h.store.DeleteConversation(ctx, convID, userID)
}

func (h *Hub) broadcastPresence(ctx context.Context, userID int64, status store.Status, at time.Time) {
	user, err := h.store.User(ctx, userID)
	if err != nil {
		h.log.Error("loading user for presence", "user_id", userID, "err", err)
		return
	}
	convs, err := h.store.ConversationIDsFor(ctx, userID)
	if err != nil {
		h.log.Error("listing conversations for presence", "user_id", userID, "err", err)
		return
	}
	ev := PresenceEvent{Type: EventPresenceChanged, User: user, Status: status, Timestamp: at}
	for _, convID := range convs {
		h.publish(ctx, convID, ev, ExcludeUser(userID))
	}
}

// join runs after a successful admit.
func (h *Hub) join(ctx context.Context, c *Client) {
	h.metrics.connections.Inc()
	at, err := h.presence.Connect(ctx, c.userID)
	if err != nil {
		c.log.Warn("marking online", "err", err)
		return
	}
	h.broadcastPresence(ctx, c.userID, store.StatusOnline, at)
}

// leave tears down a subscribed connection. It runs once per connection,
// from its read pump.
func (h *Hub) leave(c *Client) {
	h.registry.Remove(c)
	c.setState(stateClosed)
	h.metrics.connections.Dec()

	ctx, cancel := h.storeCtx()
	defer cancel()
	d, err := h.presence.Disconnect(ctx, c.userID)
	if err != nil {
		c.log.Warn("presence cleanup", "err", err)
		return
	}
	if d.TypingIn != "" {
		user, err := h.store.User(ctx, c.userID)
		if err == nil {
			h.publish(ctx, d.TypingIn, TypingEvent{
				Type: EventTypingChanged, ConversationID: d.TypingIn, User: user, Timestamp: d.At,
			}, ExcludeUser(c.userID))
		}
	}
	if d.Offline {
		h.broadcastPresence(ctx, c.userID, store.StatusOffline, d.At)
	}
	c.log.Debug("connection closed", "user_id", c.userID, "conversation_id", c.convID)
}

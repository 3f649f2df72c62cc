package chat

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/juju/errors"

	"github.com/ageniuscoder/palchat/backend/internal/utils"
)

// route handles one inbound frame. Frames of a connection are routed one
// at a time, in arrival order.
func (h *Hub) route(c *Client, raw []byte) {
	if !c.limiter.Allow() {
		h.metrics.events.WithLabelValues("any", "rate_limited").Inc()
		h.replyError(c, "", CodeRateLimited, "too many events")
		return
	}

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		h.metrics.events.WithLabelValues("malformed", CodeTransport).Inc()
		h.replyError(c, "", CodeTransport, "malformed frame")
		return
	}
	kind, ok := ParseKind(env.Type)
	if !ok {
		h.metrics.events.WithLabelValues(KindUnknown.String(), CodeValidation).Inc()
		h.replyError(c, env.Type, CodeValidation, "unknown event type")
		return
	}

	err := h.dispatch(c, kind, raw)
	outcome := "ok"
	if err != nil {
		outcome = codeFor(err)
		h.replyError(c, kind.String(), outcome, messageFor(err))
		if outcome == CodeStore {
			c.log.Error("event failed", "event", kind.String(), "user_id", c.userID, "err", errors.Details(err))
		}
	}
	h.metrics.events.WithLabelValues(kind.String(), outcome).Inc()
}

func (h *Hub) dispatch(c *Client, kind Kind, raw []byte) error {
	ctx, cancel := h.storeCtx()
	defer cancel()
	o := Origin{UserID: c.userID, Conn: c}

	switch kind {
	case KindSendMessage:
		var p SendMessagePayload
		if err := h.decode(raw, &p); err != nil {
			return err
		}
		_, err := h.SendMessage(ctx, o, c.convID, p)
		return err
	case KindEditMessage:
		var p EditMessagePayload
		if err := h.decode(raw, &p); err != nil {
			return err
		}
		_, err := h.EditMessage(ctx, o, p.MessageID, p.Content)
		return err
	case KindDeleteMessage:
		var p MessageRefPayload
		if err := h.decode(raw, &p); err != nil {
			return err
		}
		_, err := h.DeleteMessage(ctx, o, p.MessageID)
		return err
	case KindReact:
		var p ReactPayload
		if err := h.decode(raw, &p); err != nil {
			return err
		}
		_, err := h.React(ctx, o, p.MessageID, p.Reaction)
		return err
	case KindReadReceipt:
		var p MessageRefPayload
		if err := h.decode(raw, &p); err != nil {
			return err
		}
		_, err := h.MarkRead(ctx, o, p.MessageID)
		return err
	case KindTyping:
		var p TypingPayload
		if err := h.decode(raw, &p); err != nil {
			return err
		}
		return h.SetTyping(ctx, o, c.convID, *p.IsTyping)
	case KindKeepalive:
		h.reply(c, PongEvent{Type: EventPong, Timestamp: h.presence.Now()})
		return nil
	case KindUnknown:
	}
	return errors.NotValidf("event %q", kind)
}

// decode unmarshals and validates an inbound payload.
func (h *Hub) decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.NewNotValid(err, "payload")
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return errors.NotValidf("payload (%s)", utils.Describe(verrs))
		}
		return errors.NewNotValid(err, "payload")
	}
	return nil
}

func (h *Hub) replyError(c *Client, event, code, msg string) {
	h.reply(c, ErrorEvent{
		Type:      EventError,
		Code:      code,
		Message:   msg,
		Event:     event,
		Timestamp: h.presence.Now(),
	})
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, errors.Unauthorized):
		return CodeUnauthorized
	case errors.Is(err, errors.Forbidden):
		return CodeForbidden
	case errors.Is(err, errors.NotValid):
		return CodeValidation
	case errors.Is(err, errors.NotFound):
		return CodeNotFound
	}
	return CodeStore
}

func messageFor(err error) string {
	if codeFor(err) == CodeStore {
		return "operation failed"
	}
	return err.Error()
}

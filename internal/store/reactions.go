package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
)

// reactionsFor loads reactions keyed by message id. Reaction.User only
// carries the user id; hydrate fills in the rest.
func (s *Store) reactionsFor(ctx context.Context, c conn, messageIDs []string) (map[string][]Reaction, error) {
	out := make(map[string][]Reaction)
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := c.query(ctx,
		`SELECT message_id, user_id, reaction, created_at FROM message_reactions WHERE message_id IN (`+
			placeholders(len(messageIDs))+`) ORDER BY created_at`, stringArgs(messageIDs)...)
	if err != nil {
		return nil, errors.Annotate(err, "loading reactions")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r    Reaction
			kind string
		)
		if err := rows.Scan(&r.MessageID, &r.User.ID, &kind, &r.CreatedAt); err != nil {
			return nil, errors.Trace(err)
		}
		r.Reaction = ReactionKind(kind)
		r.CreatedAt = r.CreatedAt.UTC()
		out[r.MessageID] = append(out[r.MessageID], r)
	}
	return out, errors.Trace(rows.Err())
}

// ToggleReaction adds the (message, user, kind) reaction, or removes it
// when it already exists.
func (s *Store) ToggleReaction(ctx context.Context, messageID string, userID int64, kind ReactionKind) (ReactionResult, error) {
	if !kind.Valid() {
		return ReactionResult{}, errors.NotValidf("reaction %q", kind)
	}
	res := ReactionResult{MessageID: messageID, Kind: kind}
	now := s.now()
	err := s.withTx(ctx, func(c conn) error {
		raw, err := s.rawMessage(ctx, c, messageID)
		if err != nil {
			return err
		}
		res.ConversationID = raw.conversationID
		member, err := s.isMember(ctx, c, raw.conversationID, userID)
		if err != nil {
			return err
		}
		if !member {
			return errors.Forbiddenf("user %d cannot react in conversation %q", userID, raw.conversationID)
		}
		del, err := c.exec(ctx, `DELETE FROM message_reactions WHERE message_id=? AND user_id=? AND reaction=?`,
			messageID, userID, string(kind))
		if err != nil {
			return errors.Annotate(err, "delete reaction")
		}
		if n, _ := del.RowsAffected(); n > 0 {
			res.Action = ReactionRemoved
			return nil
		}
		if _, err := c.exec(ctx, `INSERT INTO message_reactions (message_id, user_id, reaction, created_at) VALUES (?, ?, ?, ?)`,
			messageID, userID, string(kind), now); err != nil {
			return errors.Annotate(err, "insert reaction")
		}
		res.Action = ReactionAdded
		return nil
	})
	if err != nil {
		return ReactionResult{}, err
	}
	if res.Action == ReactionAdded {
		u, err := s.User(ctx, userID)
		if err != nil {
			return ReactionResult{}, err
		}
		res.Reaction = &Reaction{MessageID: messageID, Reaction: kind, User: u, CreatedAt: now}
	}
	return res, nil
}

// MarkRead upserts the read status of (message, user).
func (s *Store) MarkRead(ctx context.Context, messageID string, userID int64) (ReadReceipt, error) {
	convID, err := s.MessageConversation(ctx, messageID)
	if err != nil {
		return ReadReceipt{}, err
	}
	member, err := s.IsMember(ctx, convID, userID)
	if err != nil {
		return ReadReceipt{}, err
	}
	if !member {
		return ReadReceipt{}, errors.Forbiddenf("user %d is not a participant of conversation %q", userID, convID)
	}
	now := s.now()
	if err := s.upsertRead(ctx, messageID, userID, now); err != nil {
		return ReadReceipt{}, err
	}
	return ReadReceipt{ConversationID: convID, MessageID: messageID, UserID: userID, ReadAt: now}, nil
}

func (s *Store) upsertRead(ctx context.Context, messageID string, userID int64, at time.Time) error {
	_, err := s.conn().exec(ctx, `
		INSERT INTO message_read_statuses (message_id, user_id, read_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = excluded.read_at`,
		messageID, userID, at)
	return errors.Annotate(err, "upsert read status")
}

// MarkConversationRead marks the newest message userID can see. It
// returns nil when the conversation has no such message.
func (s *Store) MarkConversationRead(ctx context.Context, convID string, userID int64) (*ReadReceipt, error) {
	if err := s.CheckAccess(ctx, convID, userID); err != nil {
		return nil, err
	}
	id, err := s.LatestVisibleMessage(ctx, convID, userID)
	if err != nil || id == "" {
		return nil, err
	}
	rr, err := s.MarkRead(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return &rr, nil
}

func (s *Store) ReadStatus(ctx context.Context, messageID string, userID int64) (time.Time, bool, error) {
	var at time.Time
	err := s.conn().queryRow(ctx, `SELECT read_at FROM message_read_statuses WHERE message_id=? AND user_id=?`, messageID, userID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Trace(err)
	}
	return at.UTC(), true, nil
}

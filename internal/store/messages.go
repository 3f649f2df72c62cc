package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

const messageSelect = `
	SELECT m.id, m.conversation_id, m.sender_id, m.content, m.message_type, m.reply_to, m.is_edited, m.edited_at, m.created_at, c.encryption_key
	FROM messages m
	JOIN conversations c ON c.id = m.conversation_id`

type rawMessage struct {
	id             string
	conversationID string
	senderID       int64
	ciphertext     string
	msgType        string
	replyTo        sql.NullString
	isEdited       bool
	editedAt       sql.NullTime
	createdAt      sql.NullTime
	key            string
}

func scanRawMessage(r rowScanner) (rawMessage, error) {
	var m rawMessage
	err := r.Scan(&m.id, &m.conversationID, &m.senderID, &m.ciphertext, &m.msgType, &m.replyTo,
		&m.isEdited, &m.editedAt, &m.createdAt, &m.key)
	return m, err
}

func (s *Store) rawMessages(ctx context.Context, c conn, q string, args ...any) ([]rawMessage, error) {
	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, errors.Annotate(err, "loading messages")
	}
	defer rows.Close()
	var out []rawMessage
	for rows.Next() {
		m, err := scanRawMessage(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, m)
	}
	return out, errors.Trace(rows.Err())
}

func (s *Store) rawMessage(ctx context.Context, c conn, id string) (rawMessage, error) {
	m, err := scanRawMessage(c.queryRow(ctx, messageSelect+` WHERE m.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rawMessage{}, errors.NotFoundf("message %q", id)
	}
	if err != nil {
		return rawMessage{}, errors.Annotatef(err, "loading message %q", id)
	}
	return m, nil
}

// hydrate turns stored rows into message views as seen by viewerID. A
// viewerID of 0 renders the neutral view used for broadcasts.
func (s *Store) hydrate(ctx context.Context, c conn, raws []rawMessage, viewerID int64) ([]Message, error) {
	if len(raws) == 0 {
		return []Message{}, nil
	}
	ids := make([]string, 0, len(raws))
	var replyIDs []string
	for _, r := range raws {
		ids = append(ids, r.id)
		if r.replyTo.Valid {
			replyIDs = append(replyIDs, r.replyTo.String)
		}
	}

	replies := make(map[string]rawMessage)
	if len(replyIDs) > 0 {
		rs, err := s.rawMessages(ctx, c, messageSelect+` WHERE m.id IN (`+placeholders(len(replyIDs))+`)`, stringArgs(replyIDs)...)
		if err != nil {
			return nil, err
		}
		for _, r := range rs {
			replies[r.id] = r
		}
	}

	deleted := map[string]bool{}
	if viewerID != 0 {
		all := append(append([]string{}, ids...), replyIDs...)
		var err error
		deleted, err = s.deletedByUser(ctx, c, all, viewerID)
		if err != nil {
			return nil, err
		}
	}

	reactions, err := s.reactionsFor(ctx, c, ids)
	if err != nil {
		return nil, err
	}

	userIDs := make([]int64, 0, len(raws))
	for _, r := range raws {
		userIDs = append(userIDs, r.senderID)
	}
	for _, r := range replies {
		userIDs = append(userIDs, r.senderID)
	}
	for _, rs := range reactions {
		for _, r := range rs {
			userIDs = append(userIDs, r.User.ID)
		}
	}
	users, err := s.usersByID(ctx, c, userIDs)
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(raws))
	for _, r := range raws {
		m := Message{
			ID:             r.id,
			ConversationID: r.conversationID,
			Sender:         users[r.senderID],
			Type:           MessageType(r.msgType),
			IsEdited:       r.isEdited,
			EditedAt:       nullTime(r.editedAt),
			CreatedAt:      r.createdAt.Time.UTC(),
			Reactions:      []Reaction{},
			ReactionCounts: map[ReactionKind]int{},
			IsDeletedByMe:  deleted[r.id],
		}
		if !m.IsDeletedByMe {
			pt, err := s.cipher.Open(r.key, r.ciphertext)
			if err != nil {
				return nil, errors.Annotatef(err, "decrypting message %q", r.id)
			}
			m.Content = &pt
		}
		if r.replyTo.Valid {
			if rep, ok := replies[r.replyTo.String]; ok {
				rp := &ReplyPreview{MessageID: rep.id, Sender: users[rep.senderID], Content: ReplyPlaceholder}
				if !deleted[rep.id] {
					pt, err := s.cipher.Open(rep.key, rep.ciphertext)
					if err != nil {
						return nil, errors.Annotatef(err, "decrypting message %q", rep.id)
					}
					rp.Content = preview(pt)
				}
				m.ReplyTo = rp
			}
		}
		for _, re := range reactions[r.id] {
			re.User = users[re.User.ID]
			m.Reactions = append(m.Reactions, re)
			m.ReactionCounts[re.Reaction]++
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) deletedByUser(ctx context.Context, c conn, messageIDs []string, userID int64) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(messageIDs) == 0 {
		return out, nil
	}
	args := append(stringArgs(messageIDs), userID)
	rows, err := c.query(ctx,
		`SELECT message_id FROM message_deletions WHERE message_id IN (`+placeholders(len(messageIDs))+`) AND user_id=?`, args...)
	if err != nil {
		return nil, errors.Annotate(err, "loading message deletions")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Trace(err)
		}
		out[id] = true
	}
	return out, errors.Trace(rows.Err())
}

// Message returns one message as seen by viewerID (0 for the neutral view).
func (s *Store) Message(ctx context.Context, id string, viewerID int64) (Message, error) {
	c := s.conn()
	raw, err := s.rawMessage(ctx, c, id)
	if err != nil {
		return Message{}, err
	}
	ms, err := s.hydrate(ctx, c, []rawMessage{raw}, viewerID)
	if err != nil {
		return Message{}, err
	}
	return ms[0], nil
}

// MessageConversation returns the conversation a message belongs to.
func (s *Store) MessageConversation(ctx context.Context, messageID string) (string, error) {
	var convID string
	err := s.conn().queryRow(ctx, `SELECT conversation_id FROM messages WHERE id=?`, messageID).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.NotFoundf("message %q", messageID)
	}
	return convID, errors.Trace(err)
}

// ListMessages returns the newest messages of convID not deleted by
// viewerID. viewerID must pass CheckAccess.
func (s *Store) ListMessages(ctx context.Context, convID string, viewerID int64, limit, offset int) ([]Message, error) {
	if err := s.CheckAccess(ctx, convID, viewerID); err != nil {
		return nil, err
	}
	return s.listMessages(ctx, s.conn(), convID, viewerID, limit, offset)
}

func (s *Store) listMessages(ctx context.Context, c conn, convID string, viewerID int64, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	raws, err := s.rawMessages(ctx, c, messageSelect+`
		WHERE m.conversation_id = ?
		  AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = ?)
		ORDER BY m.created_at DESC, m.id DESC LIMIT ? OFFSET ?`, convID, viewerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, c, raws, viewerID)
}

// CreateMessage stores an encrypted message and bumps the conversation's
// activity timestamp. The sender must be a participant; a reply target
// must belong to the same conversation.
func (s *Store) CreateMessage(ctx context.Context, nm NewMessage) (Message, error) {
	content := strings.TrimSpace(nm.Content)
	if content == "" {
		return Message{}, errors.NotValidf("empty message content")
	}
	if nm.Type == "" {
		nm.Type = MessageText
	}
	if !nm.Type.Valid() {
		return Message{}, errors.NotValidf("message type %q", nm.Type)
	}

	id := uuid.NewString()
	now := s.now()
	err := s.withTx(ctx, func(c conn) error {
		cv, err := s.conversation(ctx, c, nm.ConversationID)
		if err != nil {
			return err
		}
		member, err := s.isMember(ctx, c, cv.ID, nm.SenderID)
		if err != nil {
			return err
		}
		if !member {
			return errors.Forbiddenf("user %d is not a participant of conversation %q", nm.SenderID, cv.ID)
		}
		var replyTo any
		if nm.ReplyTo != "" {
			rep, err := s.rawMessage(ctx, c, nm.ReplyTo)
			if err != nil {
				return err
			}
			if rep.conversationID != cv.ID {
				return errors.NotFoundf("message %q in conversation %q", nm.ReplyTo, cv.ID)
			}
			replyTo = rep.id
		}
		ct, err := s.cipher.Seal(cv.key, content)
		if err != nil {
			return errors.Annotate(err, "encrypting message")
		}
		if _, err := c.exec(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, content, message_type, reply_to, is_edited, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, cv.ID, nm.SenderID, ct, string(nm.Type), replyTo, false, now); err != nil {
			return errors.Annotate(err, "insert message")
		}
		if _, err := c.exec(ctx, `UPDATE conversations SET updated_at=? WHERE id=?`, now, cv.ID); err != nil {
			return errors.Annotate(err, "touch conversation")
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return s.Message(ctx, id, 0)
}

// EditMessage replaces the content of a message owned by userID.
func (s *Store) EditMessage(ctx context.Context, messageID string, userID int64, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, errors.NotValidf("empty message content")
	}
	err := s.withTx(ctx, func(c conn) error {
		raw, err := s.rawMessage(ctx, c, messageID)
		if err != nil {
			return err
		}
		if raw.senderID != userID {
			return errors.Forbiddenf("message %q belongs to another user", messageID)
		}
		gone, err := s.deletedByUser(ctx, c, []string{messageID}, userID)
		if err != nil {
			return err
		}
		if gone[messageID] {
			return errors.NotFoundf("message %q", messageID)
		}
		ct, err := s.cipher.Seal(raw.key, content)
		if err != nil {
			return errors.Annotate(err, "encrypting message")
		}
		_, err = c.exec(ctx, `UPDATE messages SET content=?, is_edited=?, edited_at=? WHERE id=?`, ct, true, s.now(), messageID)
		return errors.Annotate(err, "update message")
	})
	if err != nil {
		return Message{}, err
	}
	return s.Message(ctx, messageID, 0)
}

// DeleteMessageFor writes the (message, user) soft-delete marker. It is
// idempotent and reports whether a new marker was written.
func (s *Store) DeleteMessageFor(ctx context.Context, messageID string, userID int64) (string, bool, error) {
	var (
		convID  string
		created bool
	)
	err := s.withTx(ctx, func(c conn) error {
		raw, err := s.rawMessage(ctx, c, messageID)
		if err != nil {
			return err
		}
		convID = raw.conversationID
		member, err := s.isMember(ctx, c, convID, userID)
		if err != nil {
			return err
		}
		if !member {
			return errors.Forbiddenf("user %d cannot delete message %q", userID, messageID)
		}
		res, err := c.exec(ctx,
			`INSERT INTO message_deletions (message_id, user_id, deleted_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			messageID, userID, s.now())
		if err != nil {
			return errors.Annotate(err, "insert message deletion")
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	return convID, created, err
}

// RestoreMessageFor removes userID's soft-delete marker.
func (s *Store) RestoreMessageFor(ctx context.Context, messageID string, userID int64) (string, error) {
	convID, err := s.MessageConversation(ctx, messageID)
	if err != nil {
		return "", err
	}
	res, err := s.conn().exec(ctx, `DELETE FROM message_deletions WHERE message_id=? AND user_id=?`, messageID, userID)
	if err != nil {
		return "", errors.Annotate(err, "delete message deletion")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", errors.NotValidf("message %q was not deleted", messageID)
	}
	return convID, nil
}

// MessageDeleters returns the users holding a MessageDeletion marker for
// messageID.
func (s *Store) MessageDeleters(ctx context.Context, messageID string) (map[int64]bool, error) {
	return s.userSet(ctx, `SELECT user_id FROM message_deletions WHERE message_id=?`, messageID)
}

// LatestVisibleMessage returns the id of the newest message in convID
// that userID has not deleted, or "" when there is none.
func (s *Store) LatestVisibleMessage(ctx context.Context, convID string, userID int64) (string, error) {
	var id string
	err := s.conn().queryRow(ctx, `
		SELECT m.id FROM messages m
		WHERE m.conversation_id = ?
		  AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = ?)
		ORDER BY m.created_at DESC, m.id DESC LIMIT 1`, convID, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, errors.Annotate(err, "loading latest message")
}

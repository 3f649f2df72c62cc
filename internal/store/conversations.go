package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

const conversationSelect = `SELECT c.id, c.name, c.is_group, c.created_by, c.encryption_key, c.created_at, c.updated_at FROM conversations c`

func scanConversation(r rowScanner) (Conversation, error) {
	var (
		cv        Conversation
		name      sql.NullString
		createdBy sql.NullInt64
	)
	if err := r.Scan(&cv.ID, &name, &cv.IsGroup, &createdBy, &cv.key, &cv.CreatedAt, &cv.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	cv.Name = name.String
	cv.CreatedBy = createdBy.Int64
	cv.CreatedAt = cv.CreatedAt.UTC()
	cv.UpdatedAt = cv.UpdatedAt.UTC()
	return cv, nil
}

func (s *Store) conversation(ctx context.Context, c conn, id string) (Conversation, error) {
	cv, err := scanConversation(c.queryRow(ctx, conversationSelect+` WHERE c.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, errors.NotFoundf("conversation %q", id)
	}
	if err != nil {
		return Conversation{}, errors.Annotatef(err, "loading conversation %q", id)
	}
	return cv, nil
}

func (s *Store) Conversation(ctx context.Context, id string) (Conversation, error) {
	return s.conversation(ctx, s.conn(), id)
}

// CreateConversation creates a conversation with the creator and members
// as participants. A private conversation has exactly two participants.
func (s *Store) CreateConversation(ctx context.Context, creatorID int64, name string, isGroup bool, memberIDs []int64) (Conversation, error) {
	members := uniqueIDs(append([]int64{creatorID}, memberIDs...))
	if !isGroup && len(members) != 2 {
		return Conversation{}, errors.NotValidf("private conversation with %d participants", len(members))
	}
	key, err := s.cipher.NewKey()
	if err != nil {
		return Conversation{}, errors.Annotate(err, "generating conversation key")
	}
	now := s.now()
	cv := Conversation{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		IsGroup:   isGroup,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
		key:       key,
	}
	err = s.withTx(ctx, func(c conn) error {
		var n int
		if err := c.queryRow(ctx, `SELECT COUNT(1) FROM users WHERE id IN (`+placeholders(len(members))+`)`, int64Args(members)...).Scan(&n); err != nil {
			return errors.Trace(err)
		}
		if n != len(members) {
			return errors.NotFoundf("participant")
		}
		return s.insertConversation(ctx, c, cv, members)
	})
	if err != nil {
		return Conversation{}, err
	}
	return cv, nil
}

func (s *Store) insertConversation(ctx context.Context, c conn, cv Conversation, members []int64) error {
	var name any
	if cv.Name != "" {
		name = cv.Name
	}
	_, err := c.exec(ctx,
		`INSERT INTO conversations (id, name, is_group, created_by, encryption_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cv.ID, name, cv.IsGroup, cv.CreatedBy, cv.key, cv.CreatedAt, cv.UpdatedAt)
	if err != nil {
		return errors.Annotate(err, "insert conversation")
	}
	for _, uid := range members {
		if _, err := c.exec(ctx,
			`INSERT INTO participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			cv.ID, uid, cv.CreatedAt); err != nil {
			return errors.Annotate(err, "insert participant")
		}
	}
	return nil
}

// GetOrCreatePrivate returns the private conversation between the two
// users that userID has not soft-deleted, creating one when needed.
func (s *Store) GetOrCreatePrivate(ctx context.Context, userID, otherID int64) (Conversation, bool, error) {
	if userID == otherID {
		return Conversation{}, false, errors.NotValidf("conversation with yourself")
	}
	ok, err := s.UserExists(ctx, otherID)
	if err != nil {
		return Conversation{}, false, errors.Trace(err)
	}
	if !ok {
		return Conversation{}, false, errors.NotFoundf("user %d", otherID)
	}
	cv, err := scanConversation(s.conn().queryRow(ctx, conversationSelect+`
		JOIN participants p1 ON p1.conversation_id = c.id AND p1.user_id = ?
		JOIN participants p2 ON p2.conversation_id = c.id AND p2.user_id = ?
		WHERE c.is_group = ?
		  AND NOT EXISTS (SELECT 1 FROM conversation_deletions d WHERE d.conversation_id = c.id AND d.user_id = ?)
		ORDER BY c.updated_at DESC LIMIT 1`, userID, otherID, false, userID))
	if err == nil {
		return cv, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, errors.Annotate(err, "finding private conversation")
	}
	cv, err = s.CreateConversation(ctx, userID, "", false, []int64{otherID})
	return cv, err == nil, err
}

func (s *Store) isMember(ctx context.Context, c conn, convID string, userID int64) (bool, error) {
	var n int
	err := c.queryRow(ctx, `SELECT COUNT(1) FROM participants WHERE conversation_id=? AND user_id=?`, convID, userID).Scan(&n)
	if err != nil {
		return false, errors.Annotate(err, "checking membership")
	}
	return n > 0, nil
}

func (s *Store) IsMember(ctx context.Context, convID string, userID int64) (bool, error) {
	return s.isMember(ctx, s.conn(), convID, userID)
}

func (s *Store) conversationDeletedBy(ctx context.Context, c conn, convID string, userID int64) (bool, error) {
	var n int
	err := c.queryRow(ctx, `SELECT COUNT(1) FROM conversation_deletions WHERE conversation_id=? AND user_id=?`, convID, userID).Scan(&n)
	if err != nil {
		return false, errors.Annotate(err, "checking conversation deletion")
	}
	return n > 0, nil
}

// CheckAccess succeeds when userID is a participant of convID and has not
// soft-deleted it. A missing conversation is NotFound, anything else
// Forbidden.
func (s *Store) CheckAccess(ctx context.Context, convID string, userID int64) error {
	c := s.conn()
	if _, err := s.conversation(ctx, c, convID); err != nil {
		return err
	}
	member, err := s.isMember(ctx, c, convID, userID)
	if err != nil {
		return err
	}
	if !member {
		return errors.Forbiddenf("user %d is not a participant of conversation %q", userID, convID)
	}
	deleted, err := s.conversationDeletedBy(ctx, c, convID, userID)
	if err != nil {
		return err
	}
	if deleted {
		return errors.Forbiddenf("conversation %q was deleted by user %d", convID, userID)
	}
	return nil
}

func (s *Store) MemberIDs(ctx context.Context, convID string) ([]int64, error) {
	return s.memberIDs(ctx, s.conn(), convID)
}

func (s *Store) memberIDs(ctx context.Context, c conn, convID string) ([]int64, error) {
	rows, err := c.query(ctx, `SELECT user_id FROM participants WHERE conversation_id=? ORDER BY user_id`, convID)
	if err != nil {
		return nil, errors.Annotate(err, "loading participants")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Trace(err)
		}
		ids = append(ids, id)
	}
	return ids, errors.Trace(rows.Err())
}

// ConversationIDsFor lists the conversations userID participates in and
// has not soft-deleted.
func (s *Store) ConversationIDsFor(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.conn().query(ctx, `
		SELECT p.conversation_id FROM participants p
		WHERE p.user_id = ?
		  AND NOT EXISTS (SELECT 1 FROM conversation_deletions d WHERE d.conversation_id = p.conversation_id AND d.user_id = p.user_id)`,
		userID)
	if err != nil {
		return nil, errors.Annotate(err, "listing conversation ids")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Trace(err)
		}
		ids = append(ids, id)
	}
	return ids, errors.Trace(rows.Err())
}

// ConversationDeleters returns the users holding a ConversationDeletion
// marker for convID.
func (s *Store) ConversationDeleters(ctx context.Context, convID string) (map[int64]bool, error) {
	return s.userSet(ctx, `SELECT user_id FROM conversation_deletions WHERE conversation_id=?`, convID)
}

func (s *Store) userSet(ctx context.Context, q string, args ...any) (map[int64]bool, error) {
	rows, err := s.conn().query(ctx, q, args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Trace(err)
		}
		out[id] = true
	}
	return out, errors.Trace(rows.Err())
}

// DeleteConversation hides convID from userID. It reports whether a new
// marker was written.
func (s *Store) DeleteConversation(ctx context.Context, convID string, userID int64) (bool, error) {
	var created bool
	err := s.withTx(ctx, func(c conn) error {
		if _, err := s.conversation(ctx, c, convID); err != nil {
			return err
		}
		member, err := s.isMember(ctx, c, convID, userID)
		if err != nil {
			return err
		}
		if !member {
			return errors.Forbiddenf("user %d is not a participant of conversation %q", userID, convID)
		}
		res, err := c.exec(ctx,
			`INSERT INTO conversation_deletions (conversation_id, user_id, deleted_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			convID, userID, s.now())
		if err != nil {
			return errors.Annotate(err, "insert conversation deletion")
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	return created, err
}

func (s *Store) RestoreConversation(ctx context.Context, convID string, userID int64) error {
	member, err := s.IsMember(ctx, convID, userID)
	if err != nil {
		return err
	}
	if !member {
		return errors.NotFoundf("conversation %q", convID)
	}
	res, err := s.conn().exec(ctx, `DELETE FROM conversation_deletions WHERE conversation_id=? AND user_id=?`, convID, userID)
	if err != nil {
		return errors.Annotate(err, "delete conversation deletion")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotValidf("conversation %q was not deleted", convID)
	}
	return nil
}

// ListConversations returns the summaries of every conversation userID
// participates in and has not soft-deleted, most recently active first.
// Typing users are left for the presence tracker to fill in.
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]Summary, error) {
	rows, err := s.conn().query(ctx, conversationSelect+`
		JOIN participants p ON p.conversation_id = c.id AND p.user_id = ?
		WHERE NOT EXISTS (SELECT 1 FROM conversation_deletions d WHERE d.conversation_id = c.id AND d.user_id = ?)
		ORDER BY c.updated_at DESC`, userID, userID)
	if err != nil {
		return nil, errors.Annotate(err, "listing conversations")
	}
	var convs []Conversation
	for rows.Next() {
		cv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Trace(err)
		}
		convs = append(convs, cv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	out := make([]Summary, 0, len(convs))
	for _, cv := range convs {
		sum, err := s.summarize(ctx, cv, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

// ConversationSummary returns one summary, subject to CheckAccess.
func (s *Store) ConversationSummary(ctx context.Context, convID string, userID int64) (Summary, error) {
	if err := s.CheckAccess(ctx, convID, userID); err != nil {
		return Summary{}, err
	}
	cv, err := s.Conversation(ctx, convID)
	if err != nil {
		return Summary{}, err
	}
	return s.summarize(ctx, cv, userID)
}

func (s *Store) summarize(ctx context.Context, cv Conversation, userID int64) (Summary, error) {
	c := s.conn()
	sum := Summary{Conversation: cv, Participants: []User{}, TypingUsers: []User{}}

	ids, err := s.memberIDs(ctx, c, cv.ID)
	if err != nil {
		return Summary{}, err
	}
	users, err := s.usersByID(ctx, c, ids)
	if err != nil {
		return Summary{}, err
	}
	for _, id := range ids {
		if u, ok := users[id]; ok {
			sum.Participants = append(sum.Participants, u)
		}
	}

	if sum.IsDeletedByMe, err = s.conversationDeletedBy(ctx, c, cv.ID, userID); err != nil {
		return Summary{}, err
	}

	last, err := s.listMessages(ctx, c, cv.ID, userID, 1, 0)
	if err != nil {
		return Summary{}, err
	}
	if len(last) > 0 {
		sum.LastMessage = &last[0]
	}

	if sum.UnreadCount, err = s.unreadCount(ctx, c, cv.ID, userID); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

func (s *Store) unreadCount(ctx context.Context, c conn, convID string, userID int64) (int, error) {
	var lastRead sql.NullTime
	err := c.queryRow(ctx, `
		SELECT r.read_at FROM message_read_statuses r
		JOIN messages m ON m.id = r.message_id
		WHERE r.user_id = ? AND m.conversation_id = ?
		ORDER BY m.created_at DESC LIMIT 1`, userID, convID).Scan(&lastRead)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Annotate(err, "loading last read")
	}

	q := `SELECT COUNT(1) FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id <> ?
		  AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = ?)`
	args := []any{convID, userID, userID}
	if lastRead.Valid {
		q += ` AND m.created_at > ?`
		args = append(args, lastRead.Time.UTC())
	}
	var n int
	if err := c.queryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, errors.Annotate(err, "counting unread")
	}
	return n, nil
}

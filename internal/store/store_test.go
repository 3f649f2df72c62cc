package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ageniuscoder/palchat/backend/internal/secure"
	"github.com/ageniuscoder/palchat/backend/internal/storage/sqlite"
)

type fixture struct {
	s       *Store
	clk     *testclock.Clock
	a, b, c User
	conv    Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.Migrate())

	keys, err := secure.NewKeyring("")
	require.NoError(t, err)
	clk := testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := New(conn.Db, SQLite, keys, clk)

	ctx := context.Background()
	f := &fixture{s: s, clk: clk}
	f.a, err = s.CreateUser(ctx, "a@example.com", "Alice", "")
	require.NoError(t, err)
	f.b, err = s.CreateUser(ctx, "b@example.com", "Bob", "Bob Corp")
	require.NoError(t, err)
	f.c, err = s.CreateUser(ctx, "c@example.com", "", "")
	require.NoError(t, err)
	f.conv, err = s.CreateConversation(ctx, f.a.ID, "", false, []int64{f.b.ID})
	require.NoError(t, err)
	return f
}

func (f *fixture) send(t *testing.T, from User, content, replyTo string) Message {
	t.Helper()
	f.clk.Advance(time.Second)
	m, err := f.s.CreateMessage(context.Background(), NewMessage{
		ConversationID: f.conv.ID, SenderID: from.ID, Content: content, ReplyTo: replyTo,
	})
	require.NoError(t, err)
	return m
}

func TestDisplayNames(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "Alice", f.a.DisplayName)
	assert.Equal(t, "Bob Corp", f.b.DisplayName)
	assert.Equal(t, "c@example.com", f.c.DisplayName)
	assert.Equal(t, StatusOffline, f.c.Status.Status)
	assert.Nil(t, f.c.ProfilePicture)

	_, err := f.s.CreateUser(context.Background(), "a@example.com", "dup", "")
	assert.True(t, errors.Is(err, errors.AlreadyExists))
}

func TestCheckAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.s.CheckAccess(ctx, f.conv.ID, f.a.ID))
	assert.True(t, errors.Is(f.s.CheckAccess(ctx, f.conv.ID, f.c.ID), errors.Forbidden))
	assert.True(t, errors.Is(f.s.CheckAccess(ctx, "missing", f.a.ID), errors.NotFound))

	created, err := f.s.DeleteConversation(ctx, f.conv.ID, f.a.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, errors.Is(f.s.CheckAccess(ctx, f.conv.ID, f.a.ID), errors.Forbidden))
	require.NoError(t, f.s.CheckAccess(ctx, f.conv.ID, f.b.ID))

	created, err = f.s.DeleteConversation(ctx, f.conv.ID, f.a.ID)
	require.NoError(t, err)
	assert.False(t, created)

	deleters, err := f.s.ConversationDeleters(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{f.a.ID: true}, deleters)

	require.NoError(t, f.s.RestoreConversation(ctx, f.conv.ID, f.a.ID))
	require.NoError(t, f.s.CheckAccess(ctx, f.conv.ID, f.a.ID))
	assert.True(t, errors.Is(f.s.RestoreConversation(ctx, f.conv.ID, f.a.ID), errors.NotValid))
}

func TestCreateConversationValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.s.CreateConversation(ctx, f.a.ID, "", false, []int64{f.b.ID, f.c.ID})
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = f.s.CreateConversation(ctx, f.a.ID, "team", true, []int64{f.b.ID, 999})
	assert.True(t, errors.Is(err, errors.NotFound))

	g, err := f.s.CreateConversation(ctx, f.a.ID, "team", true, []int64{f.b.ID, f.c.ID, f.b.ID})
	require.NoError(t, err)
	ids, err := f.s.MemberIDs(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.a.ID, f.b.ID, f.c.ID}, ids)
}

func TestGetOrCreatePrivateReusesExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cv, created, err := f.s.GetOrCreatePrivate(ctx, f.b.ID, f.a.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, f.conv.ID, cv.ID)

	_, err = f.s.DeleteConversation(ctx, f.conv.ID, f.b.ID)
	require.NoError(t, err)
	cv, created, err = f.s.GetOrCreatePrivate(ctx, f.b.ID, f.a.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, f.conv.ID, cv.ID)

	_, _, err = f.s.GetOrCreatePrivate(ctx, f.a.ID, f.a.ID)
	assert.True(t, errors.Is(err, errors.NotValid))
	_, _, err = f.s.GetOrCreatePrivate(ctx, f.a.ID, 999)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestCreateMessageEncryptsAtRest(t *testing.T) {
	f := newFixture(t)
	m := f.send(t, f.a, "  hi  ", "")
	require.NotNil(t, m.Content)
	assert.Equal(t, "hi", *m.Content)
	assert.Equal(t, MessageText, m.Type)
	assert.Equal(t, f.a.ID, m.Sender.ID)

	var stored string
	require.NoError(t, f.s.db.QueryRow(`SELECT content FROM messages WHERE id=?`, m.ID).Scan(&stored))
	assert.NotEqual(t, "hi", stored)

	cv, err := f.s.Conversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.True(t, m.CreatedAt.Equal(cv.UpdatedAt))
}

func TestCreateMessageRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.s.CreateMessage(ctx, NewMessage{ConversationID: f.conv.ID, SenderID: f.a.ID, Content: "   "})
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = f.s.CreateMessage(ctx, NewMessage{ConversationID: f.conv.ID, SenderID: f.c.ID, Content: "x"})
	assert.True(t, errors.Is(err, errors.Forbidden))

	_, err = f.s.CreateMessage(ctx, NewMessage{ConversationID: f.conv.ID, SenderID: f.a.ID, Content: "x", ReplyTo: "nope"})
	assert.True(t, errors.Is(err, errors.NotFound))

	_, err = f.s.CreateMessage(ctx, NewMessage{ConversationID: f.conv.ID, SenderID: f.a.ID, Content: "x", Type: "video"})
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestEditMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.a, "first", "")

	_, err := f.s.EditMessage(ctx, m.ID, f.b.ID, "hijack")
	assert.True(t, errors.Is(err, errors.Forbidden))

	_, err = f.s.EditMessage(ctx, m.ID, f.a.ID, " ")
	assert.True(t, errors.Is(err, errors.NotValid))

	f.clk.Advance(time.Minute)
	edited, err := f.s.EditMessage(ctx, m.ID, f.a.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, m.ID, edited.ID)
	assert.Equal(t, "second", *edited.Content)
	assert.True(t, edited.IsEdited)
	require.NotNil(t, edited.EditedAt)
	assert.True(t, f.clk.Now().Equal(*edited.EditedAt))

	_, err = f.s.EditMessage(ctx, "missing", f.a.ID, "x")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestSoftDeleteIsPerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orig := f.send(t, f.a, "original", "")
	reply := f.send(t, f.a, "reply", orig.ID)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, "original", reply.ReplyTo.Content)

	convID, created, err := f.s.DeleteMessageFor(ctx, orig.ID, f.b.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, f.conv.ID, convID)

	_, created, err = f.s.DeleteMessageFor(ctx, orig.ID, f.b.ID)
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = f.s.DeleteMessageFor(ctx, orig.ID, f.c.ID)
	assert.True(t, errors.Is(err, errors.Forbidden))

	forB, err := f.s.ListMessages(ctx, f.conv.ID, f.b.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, forB, 1)
	assert.Equal(t, reply.ID, forB[0].ID)
	assert.Equal(t, ReplyPlaceholder, forB[0].ReplyTo.Content)

	forA, err := f.s.ListMessages(ctx, f.conv.ID, f.a.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, forA, 2)
	assert.Equal(t, reply.ID, forA[0].ID)
	assert.Equal(t, "original", forA[0].ReplyTo.Content)

	seenByB, err := f.s.Message(ctx, orig.ID, f.b.ID)
	require.NoError(t, err)
	assert.Nil(t, seenByB.Content)
	assert.True(t, seenByB.IsDeletedByMe)

	deleters, err := f.s.MessageDeleters(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{f.b.ID: true}, deleters)

	_, err = f.s.RestoreMessageFor(ctx, orig.ID, f.b.ID)
	require.NoError(t, err)
	_, err = f.s.RestoreMessageFor(ctx, orig.ID, f.b.ID)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestReactionTogglePairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.a, "react to me", "")

	res, err := f.s.ToggleReaction(ctx, m.ID, f.b.ID, ReactionLike)
	require.NoError(t, err)
	assert.Equal(t, ReactionAdded, res.Action)
	require.NotNil(t, res.Reaction)
	assert.Equal(t, f.b.ID, res.Reaction.User.ID)

	got, err := f.s.Message(ctx, m.ID, f.a.ID)
	require.NoError(t, err)
	assert.Len(t, got.Reactions, 1)
	assert.Equal(t, 1, got.ReactionCounts[ReactionLike])

	res, err = f.s.ToggleReaction(ctx, m.ID, f.b.ID, ReactionLike)
	require.NoError(t, err)
	assert.Equal(t, ReactionRemoved, res.Action)
	assert.Nil(t, res.Reaction)

	got, err = f.s.Message(ctx, m.ID, f.a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Reactions)

	_, err = f.s.ToggleReaction(ctx, m.ID, f.b.ID, "meh")
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = f.s.ToggleReaction(ctx, "missing", f.b.ID, ReactionLove)
	assert.True(t, errors.Is(err, errors.NotFound))
	_, err = f.s.ToggleReaction(ctx, m.ID, f.c.ID, ReactionLove)
	assert.True(t, errors.Is(err, errors.Forbidden))
}

func TestReadStatusAndUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, f.a, "one", "")
	m2 := f.send(t, f.a, "two", "")

	sums, err := f.s.ListConversations(ctx, f.b.ID)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, 2, sums[0].UnreadCount)
	require.NotNil(t, sums[0].LastMessage)
	assert.Equal(t, m2.ID, sums[0].LastMessage.ID)
	assert.Len(t, sums[0].Participants, 2)

	f.clk.Advance(time.Second)
	rr, err := f.s.MarkConversationRead(ctx, f.conv.ID, f.b.ID)
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.Equal(t, m2.ID, rr.MessageID)

	first, ok, err := f.s.ReadStatus(ctx, m2.ID, f.b.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	f.clk.Advance(time.Second)
	_, err = f.s.MarkRead(ctx, m2.ID, f.b.ID)
	require.NoError(t, err)
	second, _, err := f.s.ReadStatus(ctx, m2.ID, f.b.ID)
	require.NoError(t, err)
	assert.True(t, second.After(first))

	f.send(t, f.a, "three", "")
	sums, err = f.s.ListConversations(ctx, f.b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sums[0].UnreadCount)

	_, err = f.s.MarkRead(ctx, m2.ID, f.c.ID)
	assert.True(t, errors.Is(err, errors.Forbidden))
}

func TestListConversationsHidesDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.s.DeleteConversation(ctx, f.conv.ID, f.a.ID)
	require.NoError(t, err)

	sums, err := f.s.ListConversations(ctx, f.a.ID)
	require.NoError(t, err)
	assert.Empty(t, sums)

	sums, err = f.s.ListConversations(ctx, f.b.ID)
	require.NoError(t, err)
	assert.Len(t, sums, 1)

	ids, err := f.s.ConversationIDsFor(ctx, f.a.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPresenceRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.s.Presence(ctx, f.a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, p.Status)

	now := f.clk.Now()
	require.NoError(t, f.s.SetTyping(ctx, f.a.ID, f.conv.ID, now))
	require.NoError(t, f.s.SetStatus(ctx, f.a.ID, StatusOnline, now))

	recs, err := f.s.TypingIn(ctx, f.conv.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, f.a.ID, recs[0].UserID)
	assert.Equal(t, StatusOnline, recs[0].Status)

	cleared, err := f.s.ClearTyping(ctx, f.a.ID, "other")
	require.NoError(t, err)
	assert.False(t, cleared)
	cleared, err = f.s.ClearTyping(ctx, f.a.ID, "")
	require.NoError(t, err)
	assert.True(t, cleared)

	recs, err = f.s.TypingIn(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.True(t, errors.Is(f.s.SetStatus(ctx, f.a.ID, "sleepy", now), errors.NotValid))
}

func TestRebindForPostgres(t *testing.T) {
	c := conn{dialect: Postgres}
	assert.Equal(t, "SELECT 1 WHERE a=$1 AND b IN ($2,$3)", c.rebind("SELECT 1 WHERE a=? AND b IN (?,?)"))
	c = conn{dialect: SQLite}
	assert.Equal(t, "a=?", c.rebind("a=?"))
}

func TestSearchUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.s.SearchUsers(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, f.b.ID, got[0].ID)

	got, err = f.s.SearchUsers(ctx, "EXAMPLE.COM", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = f.s.SearchUsers(ctx, "  ", 10)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestSearchUsersLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		_, err := f.s.CreateUser(ctx, fmt.Sprintf("member%02d@team.test", i), "", "")
		require.NoError(t, err)
	}

	got, err := f.s.SearchUsers(ctx, "team.test", 100)
	require.NoError(t, err)
	assert.Len(t, got, 50)

	got, err = f.s.SearchUsers(ctx, "team.test", 0)
	require.NoError(t, err)
	assert.Len(t, got, 10)

	got, err = f.s.SearchUsers(ctx, "team.test", 25)
	require.NoError(t, err)
	assert.Len(t, got, 25)
}

// Package presence tracks user status and typing state. Typing expires at
// read time: a typing record is active only while it is younger than the
// window, no timer clears it.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/ageniuscoder/palchat/backend/internal/store"
)

// DefaultWindow is how long a typing indication stays active.
const DefaultWindow = 10 * time.Second

// Store is the persistence the tracker needs.
type Store interface {
	SetStatus(ctx context.Context, userID int64, status store.Status, at time.Time) error
	SetTyping(ctx context.Context, userID int64, convID string, at time.Time) error
	ClearTyping(ctx context.Context, userID int64, convID string) (bool, error)
	Presence(ctx context.Context, userID int64) (store.PresenceRecord, error)
	TypingIn(ctx context.Context, convID string) ([]store.PresenceRecord, error)
	Users(ctx context.Context, ids []int64) ([]store.User, error)
}

type Tracker struct {
	store  Store
	clock  clock.Clock
	window time.Duration

	// mu orders status writes against the connection counts.
	mu    sync.Mutex
	conns map[int64]int
}

func New(st Store, clk clock.Clock, window time.Duration) *Tracker {
	if clk == nil {
		clk = clock.WallClock
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{store: st, clock: clk, window: window, conns: make(map[int64]int)}
}

func (t *Tracker) Now() time.Time { return t.clock.Now().UTC() }

func (t *Tracker) Window() time.Duration { return t.window }

// Active reports whether rec is typing in convID at now.
func (t *Tracker) Active(rec store.PresenceRecord, convID string, now time.Time) bool {
	if rec.TypingIn == "" || rec.TypingStartedAt == nil {
		return false
	}
	if convID != "" && rec.TypingIn != convID {
		return false
	}
	return now.Sub(*rec.TypingStartedAt) < t.window
}

// Presence returns the user's record with expired typing state removed.
func (t *Tracker) Presence(ctx context.Context, userID int64) (store.PresenceRecord, error) {
	rec, err := t.store.Presence(ctx, userID)
	if err != nil {
		return store.PresenceRecord{}, errors.Trace(err)
	}
	if !t.Active(rec, "", t.Now()) {
		rec.TypingIn = ""
		rec.TypingStartedAt = nil
	}
	return rec, nil
}

func (t *Tracker) IsTyping(ctx context.Context, userID int64, convID string) (bool, error) {
	rec, err := t.store.Presence(ctx, userID)
	if err != nil {
		return false, errors.Trace(err)
	}
	return t.Active(rec, convID, t.Now()), nil
}

// SetStatus stores an explicit status and returns the time it took effect.
func (t *Tracker) SetStatus(ctx context.Context, userID int64, status store.Status) (time.Time, error) {
	if !status.Valid() {
		return time.Time{}, errors.NotValidf("status %q", status)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.Now()
	return now, errors.Trace(t.store.SetStatus(ctx, userID, status, now))
}

// SetTyping starts (or refreshes) the typing window of userID in convID.
func (t *Tracker) SetTyping(ctx context.Context, userID int64, convID string) (time.Time, error) {
	now := t.Now()
	return now, errors.Trace(t.store.SetTyping(ctx, userID, convID, now))
}

// ClearTyping stops typing in convID, or anywhere when convID is empty.
// It reports whether an active typing state was cleared.
func (t *Tracker) ClearTyping(ctx context.Context, userID int64, convID string) (bool, error) {
	rec, err := t.store.Presence(ctx, userID)
	if err != nil {
		return false, errors.Trace(err)
	}
	active := t.Active(rec, convID, t.Now())
	cleared, err := t.store.ClearTyping(ctx, userID, convID)
	if err != nil {
		return false, errors.Trace(err)
	}
	return cleared && active, nil
}

// TypingUsers lists users typing in convID within the window, excluding
// the given user.
func (t *Tracker) TypingUsers(ctx context.Context, convID string, exclude int64) ([]store.User, error) {
	recs, err := t.store.TypingIn(ctx, convID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	now := t.Now()
	var ids []int64
	for _, rec := range recs {
		if rec.UserID != exclude && t.Active(rec, convID, now) {
			ids = append(ids, rec.UserID)
		}
	}
	if len(ids) == 0 {
		return []store.User{}, nil
	}
	return t.store.Users(ctx, ids)
}

// Connect counts a new live connection and marks the user online.
func (t *Tracker) Connect(ctx context.Context, userID int64) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[userID]++
	now := t.Now()
	return now, errors.Trace(t.store.SetStatus(ctx, userID, store.StatusOnline, now))
}

// Departure describes what a disconnect changed.
type Departure struct {
	// TypingIn is the conversation the user was actively typing in, if any.
	TypingIn string
	// Offline is set when the last connection of the user closed.
	Offline bool
	At      time.Time
}

// Disconnect clears the user's typing state and marks them offline once
// their last connection is gone.
func (t *Tracker) Disconnect(ctx context.Context, userID int64) (Departure, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := Departure{At: t.Now()}

	rec, err := t.store.Presence(ctx, userID)
	if err != nil {
		return d, errors.Trace(err)
	}
	if t.Active(rec, "", d.At) {
		d.TypingIn = rec.TypingIn
	}
	if _, err := t.store.ClearTyping(ctx, userID, ""); err != nil {
		return d, errors.Trace(err)
	}

	if n := t.conns[userID]; n > 1 {
		t.conns[userID] = n - 1
		return d, nil
	}
	delete(t.conns, userID)
	d.Offline = true
	return d, errors.Trace(t.store.SetStatus(ctx, userID, store.StatusOffline, d.At))
}

// Connections returns the live connection count of userID.
func (t *Tracker) Connections(userID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[userID]
}

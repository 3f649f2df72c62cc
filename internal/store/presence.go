package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
)

func (s *Store) SetStatus(ctx context.Context, userID int64, status Status, at time.Time) error {
	if !status.Valid() {
		return errors.NotValidf("status %q", status)
	}
	_, err := s.conn().exec(ctx, `
		INSERT INTO user_statuses (user_id, status, last_seen) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET status = excluded.status, last_seen = excluded.last_seen`,
		userID, string(status), at.UTC())
	return errors.Annotate(err, "upsert status")
}

func (s *Store) SetTyping(ctx context.Context, userID int64, convID string, at time.Time) error {
	_, err := s.conn().exec(ctx, `
		INSERT INTO user_statuses (user_id, status, typing_in, typing_started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET typing_in = excluded.typing_in, typing_started_at = excluded.typing_started_at`,
		userID, string(StatusOffline), convID, at.UTC())
	return errors.Annotate(err, "upsert typing")
}

// ClearTyping resets the typing fields. With a non-empty convID only a
// typing state targeting that conversation is cleared.
func (s *Store) ClearTyping(ctx context.Context, userID int64, convID string) (bool, error) {
	q := `UPDATE user_statuses SET typing_in = NULL, typing_started_at = NULL WHERE user_id = ? AND typing_in IS NOT NULL`
	args := []any{userID}
	if convID != "" {
		q += ` AND typing_in = ?`
		args = append(args, convID)
	}
	res, err := s.conn().exec(ctx, q, args...)
	if err != nil {
		return false, errors.Annotate(err, "clear typing")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const presenceSelect = `SELECT user_id, status, last_seen, typing_in, typing_started_at FROM user_statuses`

func scanPresence(r rowScanner) (PresenceRecord, error) {
	var (
		p        PresenceRecord
		status   string
		lastSeen sql.NullTime
		typingIn sql.NullString
		started  sql.NullTime
	)
	if err := r.Scan(&p.UserID, &status, &lastSeen, &typingIn, &started); err != nil {
		return PresenceRecord{}, err
	}
	p.Status = Status(status)
	p.LastSeen = nullTime(lastSeen)
	p.TypingIn = typingIn.String
	p.TypingStartedAt = nullTime(started)
	return p, nil
}

// Presence returns the stored record, defaulting to offline when the user
// never connected.
func (s *Store) Presence(ctx context.Context, userID int64) (PresenceRecord, error) {
	p, err := scanPresence(s.conn().queryRow(ctx, presenceSelect+` WHERE user_id=?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return PresenceRecord{UserID: userID, Status: StatusOffline}, nil
	}
	if err != nil {
		return PresenceRecord{}, errors.Annotate(err, "loading presence")
	}
	return p, nil
}

// TypingIn returns the records whose typing target is convID, regardless
// of age. Callers apply the expiry window.
func (s *Store) TypingIn(ctx context.Context, convID string) ([]PresenceRecord, error) {
	rows, err := s.conn().query(ctx, presenceSelect+` WHERE typing_in = ? AND typing_started_at IS NOT NULL`, convID)
	if err != nil {
		return nil, errors.Annotate(err, "loading typing users")
	}
	defer rows.Close()
	var out []PresenceRecord
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, p)
	}
	return out, errors.Trace(rows.Err())
}

// Users resolves display structures for ids, keeping their order and
// skipping unknown ids.
func (s *Store) Users(ctx context.Context, ids []int64) ([]User, error) {
	m, err := s.usersByID(ctx, s.conn(), ids)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		if u, ok := m[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

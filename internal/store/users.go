package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/juju/errors"
)

const userSelect = `
	SELECT u.id, u.email, u.full_name, p.company_name, p.profile_picture, s.status, s.last_seen
	FROM users u
	LEFT JOIN profiles p ON p.user_id = u.id
	LEFT JOIN user_statuses s ON s.user_id = u.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (User, error) {
	var (
		u        User
		fullName string
		company  sql.NullString
		picture  sql.NullString
		status   sql.NullString
		lastSeen sql.NullTime
	)
	if err := r.Scan(&u.ID, &u.Email, &fullName, &company, &picture, &status, &lastSeen); err != nil {
		return User{}, err
	}
	switch {
	case strings.TrimSpace(company.String) != "":
		u.DisplayName = company.String
	case strings.TrimSpace(fullName) != "":
		u.DisplayName = fullName
	default:
		u.DisplayName = u.Email
	}
	u.ProfilePicture = nullString(picture)
	u.Status = UserStatus{Status: StatusOffline, LastSeen: nullTime(lastSeen)}
	if st := Status(status.String); st.Valid() {
		u.Status.Status = st
	}
	return u, nil
}

// CreateUser inserts an account with an optional company profile.
func (s *Store) CreateUser(ctx context.Context, email, fullName, companyName string) (User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return User{}, errors.NotValidf("empty email")
	}
	var id int64
	err := s.withTx(ctx, func(c conn) error {
		var n int
		if err := c.queryRow(ctx, `SELECT COUNT(1) FROM users WHERE email=?`, email).Scan(&n); err != nil {
			return errors.Trace(err)
		}
		if n > 0 {
			return errors.AlreadyExistsf("user %q", email)
		}
		err := c.queryRow(ctx,
			`INSERT INTO users (email, full_name, created_at) VALUES (?, ?, ?) RETURNING id`,
			email, fullName, s.now()).Scan(&id)
		if err != nil {
			return errors.Annotate(err, "insert user")
		}
		if companyName != "" {
			if _, err := c.exec(ctx, `INSERT INTO profiles (user_id, company_name) VALUES (?, ?)`, id, companyName); err != nil {
				return errors.Annotate(err, "insert profile")
			}
		}
		return nil
	})
	if err != nil {
		return User{}, err
	}
	return s.User(ctx, id)
}

func (s *Store) User(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.conn().queryRow(ctx, userSelect+` WHERE u.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, errors.NotFoundf("user %d", id)
	}
	if err != nil {
		return User{}, errors.Annotatef(err, "loading user %d", id)
	}
	return u, nil
}

func (s *Store) UserExists(ctx context.Context, id int64) (bool, error) {
	var n int
	if err := s.conn().queryRow(ctx, `SELECT COUNT(1) FROM users WHERE id=?`, id).Scan(&n); err != nil {
		return false, errors.Trace(err)
	}
	return n > 0, nil
}

func (s *Store) usersByID(ctx context.Context, c conn, ids []int64) (map[int64]User, error) {
	out := make(map[int64]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ids = uniqueIDs(ids)
	rows, err := c.query(ctx, userSelect+` WHERE u.id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
	if err != nil {
		return nil, errors.Annotate(err, "loading users")
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out[u.ID] = u
	}
	return out, errors.Trace(rows.Err())
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

const maxSearchLimit = 50

// SearchUsers matches email, full name or company name, case-insensitively.
func (s *Store) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.NotValidf("empty query")
	}
	switch {
	case limit <= 0:
		limit = 10
	case limit > maxSearchLimit:
		limit = maxSearchLimit
	}
	like := "%" + strings.ToLower(query) + "%"
	rows, err := s.conn().query(ctx, userSelect+`
		WHERE LOWER(u.email) LIKE ? OR LOWER(u.full_name) LIKE ? OR LOWER(COALESCE(p.company_name, '')) LIKE ?
		ORDER BY u.id LIMIT ?`, like, like, like, limit)
	if err != nil {
		return nil, errors.Annotate(err, "searching users")
	}
	defer rows.Close()
	out := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, u)
	}
	return out, errors.Trace(rows.Err())
}

// Package store is the conversation store: conversations, membership,
// messages, reactions, read receipts, presence rows and the per-user
// soft-delete markers. It runs on database/sql against sqlite or postgres.
package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// Cipher encrypts message content with a per-conversation key.
type Cipher interface {
	NewKey() (string, error)
	Seal(key, plaintext string) (string, error)
	Open(key, ciphertext string) (string, error)
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	cipher  Cipher
	clock   clock.Clock
}

func New(db *sql.DB, dialect Dialect, cipher Cipher, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{db: db, dialect: dialect, cipher: cipher, clock: clk}
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn rewrites placeholders for the dialect in use. Queries are written
// with "?" placeholders.
type conn struct {
	x       execer
	dialect Dialect
}

func (s *Store) conn() conn { return conn{x: s.db, dialect: s.dialect} }

func (c conn) rebind(q string) string {
	if c.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c conn) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return c.x.ExecContext(ctx, c.rebind(q), args...)
}

func (c conn) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return c.x.QueryContext(ctx, c.rebind(q), args...)
}

func (c conn) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return c.x.QueryRowContext(ctx, c.rebind(q), args...)
}

// withTx runs fn in a transaction. fn must only use the conn it is given;
// sqlite runs with a single connection.
func (s *Store) withTx(ctx context.Context, fn func(c conn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "begin transaction")
	}
	defer tx.Rollback() // ensures cleanup on error

	if err := fn(conn{x: tx, dialect: s.dialect}); err != nil {
		return err
	}
	return errors.Annotate(tx.Commit(), "commit")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func stringArgs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid || s.String == "" {
		return nil
	}
	v := s.String
	return &v
}

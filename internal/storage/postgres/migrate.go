package postgres

import (
	_ "embed"
	"strings"

	"github.com/juju/errors"
)

//go:embed schema.sql
var schema string

// Migrate applies schema.sql. Every statement is idempotent.
func (s *Postgres) Migrate() error {
	for i, stmt := range strings.Split(schema, ";") {
		st := strings.TrimSpace(stmt)
		if st == "" {
			continue
		}
		if _, err := s.Db.Exec(st); err != nil {
			return errors.Annotatef(err, "schema statement %d", i)
		}
	}
	return nil
}

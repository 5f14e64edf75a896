package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/psadtpro/psadt-search/engine/domain"
)

// schema is the development layout of the source tables. Production
// migrations are owned by the web application.
func (s *SQLSource) schema() []string {
	idCol, tsCol := "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ NOT NULL DEFAULT NOW()"
	if s.dialect == dialectSQLite {
		idCol, tsCol = "INTEGER PRIMARY KEY", "INTEGER NOT NULL"
	}
	t := s.tables
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t[domain.KindCommand] + ` (
			id ` + idCol + `,
			name TEXT NOT NULL,
			synopsis TEXT NOT NULL DEFAULT '',
			syntax TEXT NOT NULL DEFAULT '',
			description TEXT,
			category TEXT,
			parameters TEXT,
			examples TEXT,
			updated_at ` + tsCol + `
		)`,
		`CREATE TABLE IF NOT EXISTS ` + t[domain.KindExample] + ` (
			id ` + idCol + `,
			command_id BIGINT,
			title TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			description TEXT,
			updated_at ` + tsCol + `
		)`,
		`CREATE TABLE IF NOT EXISTS ` + t[domain.KindDocumentation] + ` (
			id ` + idCol + `,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			section TEXT,
			url TEXT,
			updated_at ` + tsCol + `
		)`,
		`CREATE TABLE IF NOT EXISTS vector_sync_state (
			collection TEXT PRIMARY KEY,
			watermark ` + strings.TrimSuffix(tsCol, " DEFAULT NOW()") + `,
			last_success ` + strings.TrimSuffix(tsCol, " DEFAULT NOW()") + `,
			written INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			last_run_id TEXT,
			last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS vector_sync_lock (
			collection TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
	}
}

// CreateSchema creates the source, sync-state and sync-lease tables if
// missing.
func (s *SQLSource) CreateSchema(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("source: create schema: %w", err)
		}
	}
	return nil
}

// PutRecord inserts or replaces a record. A zero UpdatedAt is set to now.
func (s *SQLSource) PutRecord(ctx context.Context, r domain.SourceRecord) error {
	if err := domain.ValidateRecord(r); err != nil {
		return err
	}
	table, err := s.table(r.Kind)
	if err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	ts := s.dialect.timeArg(r.UpdatedAt)

	var q string
	var args []any
	switch r.Kind {
	case domain.KindCommand:
		c := r.Command
		params, _ := json.Marshal(c.Parameters)
		examples, _ := json.Marshal(c.Examples)
		q = `INSERT INTO ` + table + ` (id, name, synopsis, syntax, description, category, parameters, examples, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, synopsis = EXCLUDED.synopsis,
				syntax = EXCLUDED.syntax, description = EXCLUDED.description, category = EXCLUDED.category,
				parameters = EXCLUDED.parameters, examples = EXCLUDED.examples, updated_at = EXCLUDED.updated_at`
		args = []any{int64(r.ID), c.Name, c.Synopsis, c.Syntax, c.Description, c.Category, string(params), string(examples), ts}
	case domain.KindExample:
		e := r.Example
		q = `INSERT INTO ` + table + ` (id, command_id, title, code, description, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET command_id = EXCLUDED.command_id, title = EXCLUDED.title,
				code = EXCLUDED.code, description = EXCLUDED.description, updated_at = EXCLUDED.updated_at`
		args = []any{int64(r.ID), int64(e.CommandID), e.Title, e.Code, e.Description, ts}
	case domain.KindDocumentation:
		d := r.Doc
		q = `INSERT INTO ` + table + ` (id, title, content, section, url, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, content = EXCLUDED.content,
				section = EXCLUDED.section, url = EXCLUDED.url, updated_at = EXCLUDED.updated_at`
		args = []any{int64(r.ID), d.Title, d.Content, d.Section, d.URL, ts}
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(q), args...); err != nil {
		return fmt.Errorf("source: put %s: %w", r, err)
	}
	return nil
}

// Package source reads PSADT records from the relational system of record.
// Postgres (lib/pq) serves production; SQLite (modernc) serves local
// development and tests.
package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/psadtpro/psadt-search/engine/domain"
)

// Cursor is a keyset position in (updated_at, id) order.
type Cursor struct {
	UpdatedAt time.Time `json:"updated_at"`
	ID        uint64    `json:"id"`
}

// FetchOptions selects one page of records.
type FetchOptions struct {
	// Since restricts the page to records updated strictly after it.
	Since time.Time
	// After resumes from the previous page's NextCursor. nil starts at the
	// beginning.
	After    *Cursor
	PageSize int
}

// Page is one batch of records in (updated_at, id) order.
type Page struct {
	Records    []domain.SourceRecord
	NextCursor *Cursor // nil when there are no more records
}

// Source is the read contract the sync orchestrator depends on.
type Source interface {
	FetchRecords(ctx context.Context, kind domain.RecordKind, opts FetchOptions) (Page, error)
}

// Tables maps each record kind to its table.
type Tables map[domain.RecordKind]string

// DefaultTables returns the product's table names.
func DefaultTables() Tables {
	return Tables{
		domain.KindCommand:       "psadt_commands",
		domain.KindExample:       "psadt_examples",
		domain.KindDocumentation: "psadt_docs",
	}
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

func dialectOf(driver string) (dialect, error) {
	switch driver {
	case "postgres", "pq":
		return dialectPostgres, nil
	case "sqlite", "sqlite3":
		return dialectSQLite, nil
	}
	return 0, fmt.Errorf("source: unsupported driver %q", driver)
}

// rebind converts ? placeholders to $n for Postgres.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeArg encodes t for an updated_at column. SQLite stores unix millis so
// keyset comparisons stay numeric.
func (d dialect) timeArg(t time.Time) any {
	if d == dialectSQLite {
		return t.UnixMilli()
	}
	return t.UTC()
}

// Below returns an instant strictly before t that still sorts before t
// once stored: Postgres keeps microseconds and rounds finer values, SQLite
// keeps whole unix millis. A watermark held just below a record's timestamp
// must not round back up to it.
func Below(t time.Time) time.Time {
	return t.Truncate(time.Microsecond).Add(-time.Microsecond)
}

// timeCol scans either a native timestamp or unix millis.
type timeCol struct{ t time.Time }

func (c *timeCol) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		c.t = time.Time{}
	case time.Time:
		c.t = v.UTC()
	case int64:
		c.t = time.UnixMilli(v).UTC()
	case []byte:
		return c.Scan(string(v))
	case string:
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.t = time.UnixMilli(ms).UTC()
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("source: parse time %q: %w", v, err)
		}
		c.t = t.UTC()
	default:
		return fmt.Errorf("source: cannot scan %T into time", src)
	}
	return nil
}

// SQLSource implements Source over database/sql.
type SQLSource struct {
	db      *sql.DB
	dialect dialect
	tables  Tables
}

// Open connects to driver/dsn and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*SQLSource, error) {
	d, err := dialectOf(driver)
	if err != nil {
		return nil, err
	}
	name := "postgres"
	if d == dialectSQLite {
		name = "sqlite"
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("source: open database: %w", err)
	}

	if d == dialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("source: ping database: %w", err)
	}
	return &SQLSource{db: db, dialect: d, tables: DefaultTables()}, nil
}

// NewSQLSource wraps an existing *sql.DB.
func NewSQLSource(db *sql.DB, driver string) (*SQLSource, error) {
	d, err := dialectOf(driver)
	if err != nil {
		return nil, err
	}
	return &SQLSource{db: db, dialect: d, tables: DefaultTables()}, nil
}

// WithTables overrides the table names.
func (s *SQLSource) WithTables(t Tables) *SQLSource {
	s.tables = t
	return s
}

// DB returns the underlying *sql.DB.
func (s *SQLSource) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQLSource) Close() error { return s.db.Close() }

// Ping verifies the connection.
func (s *SQLSource) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("source: ping: %w", err)
	}
	return nil
}

func (s *SQLSource) table(kind domain.RecordKind) (string, error) {
	t, ok := s.tables[kind]
	if !ok {
		return "", domain.NewValidationError("kind", string(kind), domain.ErrUnknownKind)
	}
	return t, nil
}

// FetchRecords returns the next page of records of kind, ordered by
// (updated_at, id).
func (s *SQLSource) FetchRecords(ctx context.Context, kind domain.RecordKind, opts FetchOptions) (Page, error) {
	table, err := s.table(kind)
	if err != nil {
		return Page{}, err
	}
	size := opts.PageSize
	if size <= 0 {
		size = 100
	}

	var cols, from string
	switch kind {
	case domain.KindCommand:
		cols = "t.id, t.updated_at, t.name, t.synopsis, t.syntax, t.description, t.category, t.parameters, t.examples"
		from = table + " t"
	case domain.KindExample:
		cmds, err := s.table(domain.KindCommand)
		if err != nil {
			return Page{}, err
		}
		cols = "t.id, t.updated_at, t.command_id, c.name, t.title, t.code, t.description"
		from = table + " t LEFT JOIN " + cmds + " c ON c.id = t.command_id"
	case domain.KindDocumentation:
		cols = "t.id, t.updated_at, t.title, t.content, t.section, t.url"
		from = table + " t"
	}

	var where []string
	var args []any
	if !opts.Since.IsZero() {
		where = append(where, "t.updated_at > ?")
		args = append(args, s.dialect.timeArg(opts.Since))
	}
	if opts.After != nil {
		ts := s.dialect.timeArg(opts.After.UpdatedAt)
		where = append(where, "(t.updated_at > ? OR (t.updated_at = ? AND t.id > ?))")
		args = append(args, ts, ts, int64(opts.After.ID))
	}
	q := "SELECT " + cols + " FROM " + from
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY t.updated_at, t.id LIMIT ?"
	args = append(args, size)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return Page{}, fmt.Errorf("source: fetch %s: %w", kind, err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if err != nil {
			return Page{}, fmt.Errorf("source: scan %s: %w", kind, err)
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("source: fetch %s: %w", kind, err)
	}
	if len(page.Records) == size {
		last := page.Records[len(page.Records)-1]
		page.NextCursor = &Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	return page, nil
}

func scanRecord(kind domain.RecordKind, rows *sql.Rows) (domain.SourceRecord, error) {
	var (
		id      int64
		updated timeCol
		rec     = domain.SourceRecord{Kind: kind}
	)
	switch kind {
	case domain.KindCommand:
		var c domain.CommandPayload
		var desc, cat, params, examples sql.NullString
		if err := rows.Scan(&id, &updated, &c.Name, &c.Synopsis, &c.Syntax, &desc, &cat, &params, &examples); err != nil {
			return rec, err
		}
		c.Description, c.Category = desc.String, cat.String
		if params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &c.Parameters); err != nil {
				return rec, fmt.Errorf("command %d parameters: %w", id, err)
			}
		}
		if examples.String != "" {
			if err := json.Unmarshal([]byte(examples.String), &c.Examples); err != nil {
				return rec, fmt.Errorf("command %d examples: %w", id, err)
			}
		}
		rec.Command = &c
	case domain.KindExample:
		var e domain.ExamplePayload
		var cmdID sql.NullInt64
		var cmdName, desc sql.NullString
		if err := rows.Scan(&id, &updated, &cmdID, &cmdName, &e.Title, &e.Code, &desc); err != nil {
			return rec, err
		}
		e.CommandID, e.CommandName, e.Description = uint64(cmdID.Int64), cmdName.String, desc.String
		rec.Example = &e
	case domain.KindDocumentation:
		var d domain.DocPayload
		var section, url sql.NullString
		if err := rows.Scan(&id, &updated, &d.Title, &d.Content, &section, &url); err != nil {
			return rec, err
		}
		d.Section, d.URL = section.String, url.String
		rec.Doc = &d
	}
	rec.ID = uint64(id)
	rec.UpdatedAt = updated.t
	return rec, nil
}

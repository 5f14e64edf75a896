// Package domain defines the record types shared by the sync and search
// engines: source records, their typed payloads, and the error taxonomy.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// RecordKind identifies which relational table a record came from. Each kind
// is indexed into its own collection.
type RecordKind string

const (
	KindCommand       RecordKind = "command"
	KindExample       RecordKind = "example"
	KindDocumentation RecordKind = "documentation"
)

// Kinds lists every record kind in sync order.
var Kinds = []RecordKind{KindCommand, KindExample, KindDocumentation}

// ParseKind accepts a kind name or its common plural/short alias.
func ParseKind(s string) (RecordKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "command", "commands":
		return KindCommand, nil
	case "example", "examples":
		return KindExample, nil
	case "documentation", "docs", "doc":
		return KindDocumentation, nil
	}
	return "", NewValidationError("kind", s, ErrUnknownKind)
}

// Parameter is one documented parameter of a PSADT command.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// CodeExample is an inline usage snippet attached to a command.
type CodeExample struct {
	Title string `json:"title"`
	Code  string `json:"code"`
}

// CommandPayload is the schema of a command record.
type CommandPayload struct {
	Name        string        `json:"name"`
	Synopsis    string        `json:"synopsis"`
	Syntax      string        `json:"syntax"`
	Description string        `json:"description,omitempty"`
	Category    string        `json:"category,omitempty"`
	Parameters  []Parameter   `json:"parameters,omitempty"`
	Examples    []CodeExample `json:"examples,omitempty"`
}

// ExamplePayload is the schema of a standalone usage example.
type ExamplePayload struct {
	CommandID   uint64 `json:"command_id,omitempty"`
	CommandName string `json:"command_name,omitempty"`
	Title       string `json:"title"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// DocPayload is the schema of a documentation page.
type DocPayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Section string `json:"section,omitempty"`
	URL     string `json:"url,omitempty"`
}

// SourceRecord is a row of the relational source. Exactly one of Command,
// Example or Doc is set, matching Kind.
type SourceRecord struct {
	ID        uint64          `json:"id"`
	Kind      RecordKind      `json:"kind"`
	UpdatedAt time.Time       `json:"updated_at"`
	Command   *CommandPayload `json:"command,omitempty"`
	Example   *ExamplePayload `json:"example,omitempty"`
	Doc       *DocPayload     `json:"doc,omitempty"`
}

// Title returns the record's display name.
func (r SourceRecord) Title() string {
	switch {
	case r.Command != nil:
		return r.Command.Name
	case r.Example != nil:
		return r.Example.Title
	case r.Doc != nil:
		return r.Doc.Title
	}
	return ""
}

// String implements fmt.Stringer.
func (r SourceRecord) String() string {
	return fmt.Sprintf("%s#%d(%s)", r.Kind, r.ID, r.Title())
}

// QueryResult is one fused hit returned by hybrid search. DenseScore and
// SparseScore are the raw store scores of each leg; zero when the point was
// absent from that leg.
type QueryResult struct {
	ID          uint64         `json:"id"`
	Kind        RecordKind     `json:"kind"`
	Title       string         `json:"title"`
	Score       float64        `json:"score"`
	DenseScore  float32        `json:"dense_score"`
	SparseScore float32        `json:"sparse_score"`
	Payload     map[string]any `json:"payload"`
}

// SyncState is the per-collection bookkeeping of the last sync. Watermark is
// the highest record UpdatedAt known to be indexed.
type SyncState struct {
	Collection  string    `json:"collection"`
	Watermark   time.Time `json:"watermark"`
	LastSuccess time.Time `json:"last_success"`
	Written     int       `json:"written"`
	Failures    int       `json:"failures"`
	LastRunID   string    `json:"last_run_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

package domain

import (
	"strings"
	"unicode/utf8"
)

const snippetRunes = 240

// Text renders the record into the single string that is embedded and
// sparse-encoded. The layout is stable: changing it invalidates every
// indexed vector and requires a full resync.
func Text(r SourceRecord) string {
	var b strings.Builder
	switch {
	case r.Command != nil:
		c := r.Command
		b.WriteString(c.Name)
		if c.Synopsis != "" {
			b.WriteString(": ")
			b.WriteString(c.Synopsis)
		}
		b.WriteString("\n")
		if c.Syntax != "" {
			b.WriteString(c.Syntax)
			b.WriteString("\n")
		}
		if c.Description != "" {
			b.WriteString(c.Description)
			b.WriteString("\n")
		}
		if len(c.Parameters) > 0 {
			b.WriteString("Parameters:\n")
			for _, p := range c.Parameters {
				b.WriteString("- ")
				b.WriteString(p.Name)
				b.WriteString(": ")
				b.WriteString(p.Description)
				b.WriteString("\n")
			}
		}
		if len(c.Examples) > 0 {
			b.WriteString("Examples:\n")
			for _, e := range c.Examples {
				b.WriteString("- ")
				b.WriteString(e.Title)
				b.WriteString(": ")
				b.WriteString(e.Code)
				b.WriteString("\n")
			}
		}
	case r.Example != nil:
		e := r.Example
		if e.CommandName != "" {
			b.WriteString(e.CommandName)
			b.WriteString(": ")
		}
		b.WriteString(e.Title)
		b.WriteString("\n")
		b.WriteString(e.Code)
		if e.Description != "" {
			b.WriteString("\n")
			b.WriteString(e.Description)
		}
	case r.Doc != nil:
		b.WriteString(r.Doc.Title)
		b.WriteString("\n")
		b.WriteString(r.Doc.Content)
	}
	return strings.TrimSpace(b.String())
}

// Payload returns the fields copied into the vector store alongside the
// vectors. Only what search consumers render is included.
func Payload(r SourceRecord) map[string]any {
	p := map[string]any{
		"record_id":  int64(r.ID),
		"kind":       string(r.Kind),
		"title":      r.Title(),
		"snippet":    snippet(Text(r)),
		"updated_at": r.UpdatedAt.Unix(),
	}
	switch {
	case r.Command != nil:
		p["command_name"] = r.Command.Name
		p["synopsis"] = r.Command.Synopsis
		p["syntax"] = r.Command.Syntax
		if r.Command.Category != "" {
			p["category"] = r.Command.Category
		}
	case r.Example != nil:
		p["command_name"] = r.Example.CommandName
		p["code"] = r.Example.Code
		if r.Example.CommandID != 0 {
			p["command_id"] = int64(r.Example.CommandID)
		}
	case r.Doc != nil:
		if r.Doc.Section != "" {
			p["section"] = r.Doc.Section
		}
		if r.Doc.URL != "" {
			p["url"] = r.Doc.URL
		}
	}
	return p
}

func snippet(s string) string {
	if utf8.RuneCountInString(s) <= snippetRunes {
		return s
	}
	r := []rune(s)
	return string(r[:snippetRunes]) + "..."
}

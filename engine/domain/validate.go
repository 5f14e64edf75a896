package domain

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxQueryRunes bounds the length of a search query.
const MaxQueryRunes = 1000

// ValidateRecord checks that a record carries the payload its kind requires
// and that the payload has something to embed.
func ValidateRecord(r SourceRecord) error {
	id := strconv.FormatUint(r.ID, 10)
	if r.ID == 0 {
		return NewValidationError("id", id, ErrInvalidRecord)
	}
	switch r.Kind {
	case KindCommand:
		if r.Command == nil || strings.TrimSpace(r.Command.Name) == "" {
			return NewValidationError("command.name", id, ErrInvalidRecord)
		}
	case KindExample:
		if r.Example == nil || strings.TrimSpace(r.Example.Title+r.Example.Code) == "" {
			return NewValidationError("example", id, ErrInvalidRecord)
		}
	case KindDocumentation:
		if r.Doc == nil || strings.TrimSpace(r.Doc.Title+r.Doc.Content) == "" {
			return NewValidationError("doc", id, ErrInvalidRecord)
		}
	default:
		return NewValidationError("kind", string(r.Kind), ErrUnknownKind)
	}
	return nil
}

// ValidateQuery rejects empty, oversized and non-UTF-8 search text.
func ValidateQuery(text string) error {
	t := strings.TrimSpace(text)
	if t == "" {
		return NewValidationError("q", text, ErrInvalidQuery)
	}
	if !utf8.ValidString(t) {
		return NewValidationError("q", "<binary>", ErrInvalidQuery)
	}
	if utf8.RuneCountInString(t) > MaxQueryRunes {
		return NewValidationError("q", string([]rune(t)[:64])+"...", ErrInvalidQuery)
	}
	return nil
}

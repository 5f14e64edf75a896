package semantic

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/psadtpro/psadt-search/engine/domain"
)

var (
	// ErrBatchTooLarge is returned when an upsert exceeds MaxBatchSize.
	ErrBatchTooLarge = errors.New("semantic: batch exceeds max size")
	// ErrUnknownCollection is returned by ResetCollection when no layout is
	// known for the collection.
	ErrUnknownCollection = errors.New("semantic: collection config unknown")
)

// ResetError reports which half of a reset failed. Stage is "delete" or
// "recreate"; a failed recreate leaves the collection absent until the next
// ensure or reset.
type ResetError struct {
	Collection string
	Stage      string
	Err        error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("semantic: reset %s: %s failed: %v", e.Collection, e.Stage, e.Err)
}

func (e *ResetError) Unwrap() error { return e.Err }

// transient reports whether err is a transport-level failure worth retrying.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

func notFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// wrap prefixes err with the operation and tags transport failures with
// domain.ErrStoreUnavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if transient(err) {
		return fmt.Errorf("semantic: %s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("semantic: %s: %w", op, err)
}

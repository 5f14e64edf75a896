package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/psadtpro/psadt-search/engine/domain"
)

// StateStore persists per-collection sync state in the relational source so
// incremental sync resumes from its watermark after a restart.
type StateStore struct {
	src *SQLSource
}

// NewStateStore returns a StateStore over src. The vector_sync_state table
// must exist (see CreateSchema).
func NewStateStore(src *SQLSource) *StateStore {
	return &StateStore{src: src}
}

// Load returns the saved state. ok is false when none was saved.
func (s *StateStore) Load(ctx context.Context, collection string) (st domain.SyncState, ok bool, err error) {
	q := s.src.dialect.rebind(`SELECT watermark, last_success, written, failures, last_run_id, last_error
		FROM vector_sync_state WHERE collection = ?`)
	var wm, last timeCol
	var runID, lastErr sql.NullString
	err = s.src.db.QueryRowContext(ctx, q, collection).Scan(&wm, &last, &st.Written, &st.Failures, &runID, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncState{Collection: collection}, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("source: load sync state %s: %w", collection, err)
	}
	st.Collection = collection
	st.Watermark, st.LastSuccess = wm.t, last.t
	st.LastRunID, st.LastError = runID.String, lastErr.String
	return st, true, nil
}

// Save upserts the state of st.Collection.
func (s *StateStore) Save(ctx context.Context, st domain.SyncState) error {
	d := s.src.dialect
	q := d.rebind(`INSERT INTO vector_sync_state (collection, watermark, last_success, written, failures, last_run_id, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection) DO UPDATE SET watermark = EXCLUDED.watermark, last_success = EXCLUDED.last_success,
			written = EXCLUDED.written, failures = EXCLUDED.failures,
			last_run_id = EXCLUDED.last_run_id, last_error = EXCLUDED.last_error`)
	_, err := s.src.db.ExecContext(ctx, q, st.Collection, d.timeArg(st.Watermark), d.timeArg(st.LastSuccess),
		st.Written, st.Failures, st.LastRunID, st.LastError)
	if err != nil {
		return fmt.Errorf("source: save sync state %s: %w", st.Collection, err)
	}
	return nil
}

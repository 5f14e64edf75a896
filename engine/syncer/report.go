package syncer

import (
	"fmt"
	"sort"
	"time"

	"github.com/psadtpro/psadt-search/engine/domain"
)

// Mode distinguishes full rebuilds from watermark-driven syncs.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Report summarizes one sync run.
type Report struct {
	RunID      string            `json:"run_id"`
	Kind       domain.RecordKind `json:"kind"`
	Collection string            `json:"collection"`
	Mode       Mode              `json:"mode"`
	Total      int               `json:"total"`
	Written    int               `json:"written"`
	Failed     []uint64          `json:"failed"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
	Watermark  time.Time         `json:"watermark"`
	Cancelled  bool              `json:"cancelled,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// FailureRate is len(Failed)/Total, zero for an empty run.
func (r *Report) FailureRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(len(r.Failed)) / float64(r.Total)
}

func (r *Report) sortFailed() {
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i] < r.Failed[j] })
}

// SyncFailedError is returned when the failure rate of a run exceeds the
// configured threshold. The report is still complete.
type SyncFailedError struct {
	Report    *Report
	Threshold float64
}

func (e *SyncFailedError) Error() string {
	return fmt.Sprintf("syncer: %s sync of %s: %d of %d records failed (rate %.2f > %.2f)",
		e.Report.Mode, e.Report.Collection, len(e.Report.Failed), e.Report.Total,
		e.Report.FailureRate(), e.Threshold)
}

func (e *SyncFailedError) Unwrap() error { return domain.ErrPartialSyncFailure }

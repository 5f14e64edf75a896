package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/semantic"
	"github.com/psadtpro/psadt-search/pkg/fn"
)

// Validate rejects records that cannot be indexed.
var Validate fn.Stage[domain.SourceRecord, domain.SourceRecord] = func(_ context.Context, r domain.SourceRecord) fn.Result[domain.SourceRecord] {
	if err := domain.ValidateRecord(r); err != nil {
		return fn.Err[domain.SourceRecord](err)
	}
	return fn.Ok(r)
}

// NewVectorize returns the stage that renders a record's text and computes
// its dense and sparse vectors.
func NewVectorize(emb Embedder, enc Encoder) fn.Stage[domain.SourceRecord, semantic.Point] {
	return func(ctx context.Context, r domain.SourceRecord) fn.Result[semantic.Point] {
		text := domain.Text(r)
		dense, err := emb.Embed(ctx, text)
		if err != nil {
			return fn.Err[semantic.Point](fmt.Errorf("embed %s: %w", r, err))
		}
		return fn.Ok(semantic.Point{
			ID:      r.ID,
			Dense:   dense,
			Sparse:  enc.Encode(text),
			Payload: domain.Payload(r),
		})
	}
}

// LoggedStage wraps a stage with debug logging of its duration and outcome.
func LoggedStage[In, Out any](name string, log *slog.Logger, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		start := time.Now()
		r := stage(ctx, in)
		if r.IsErr() {
			_, err := r.Unwrap()
			log.Debug("stage.failed", "stage", name, "duration", time.Since(start), "error", err)
		} else {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}
		return r
	}
}

// NewPipeline composes Validate and Vectorize into the per-record stage.
func NewPipeline(emb Embedder, enc Encoder, log *slog.Logger) fn.Stage[domain.SourceRecord, semantic.Point] {
	if log == nil {
		log = slog.Default()
	}
	return fn.Then(
		LoggedStage("validate", log, Validate),
		fn.TracedStage("sync.vectorize", LoggedStage("vectorize", log, NewVectorize(emb, enc))),
	)
}

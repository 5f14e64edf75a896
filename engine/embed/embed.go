// Package embed turns text into fixed-size dense vectors. A real model is
// used when available; otherwise vectors come from a deterministic
// hash-seeded fallback so sync and search keep working in degraded mode.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psadtpro/psadt-search/pkg/resilience"
)

// Model is a loaded embedding model. pkg/ollama.EmbedClient implements it.
type Model interface {
	Load(ctx context.Context) error
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchModel is a Model that embeds several texts in one call.
// pkg/ollama.EmbedClient implements it.
type BatchModel interface {
	Model
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Mode reports where vectors currently come from.
type Mode string

const (
	ModeModel    Mode = "model"
	ModeFallback Mode = "fallback"
)

var errNoModel = errors.New("embed: no model configured")

// Options configures a Provider.
type Options struct {
	Dim         int
	LoadTimeout time.Duration
	CallTimeout time.Duration
	Breaker     resilience.BreakerOpts
}

// DefaultOptions returns the defaults for bge-small-en-v1.5 sized vectors.
func DefaultOptions() Options {
	return Options{
		Dim:         384,
		LoadTimeout: 10 * time.Second,
		CallTimeout: 15 * time.Second,
		Breaker:     resilience.BreakerOpts{FailThreshold: 3, Timeout: time.Minute, HalfOpenMax: 1},
	}
}

// Status is a snapshot of the provider for health reporting.
type Status struct {
	Mode      Mode   `json:"mode"`
	Dim       int    `json:"dim"`
	Fallbacks int64  `json:"fallbacks"`
	LoadError string `json:"load_error,omitempty"`
	Breaker   string `json:"breaker"`
	Trips     int    `json:"breaker_trips"`
}

// Provider embeds text with a fixed dimensionality. Safe for concurrent use.
type Provider struct {
	model   Model
	opts    Options
	logger  *slog.Logger
	breaker *resilience.Breaker

	loadOnce  sync.Once
	loadErr   error
	fallbacks atomic.Int64
}

// New creates a Provider. model may be nil, in which case every vector comes
// from the fallback.
func New(model Model, opts Options, logger *slog.Logger) *Provider {
	def := DefaultOptions()
	if opts.Dim <= 0 {
		opts.Dim = def.Dim
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = def.LoadTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.Breaker.FailThreshold <= 0 {
		opts.Breaker = def.Breaker
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Breaker.OnStateChange == nil {
		opts.Breaker.OnStateChange = func(from, to resilience.State) {
			logger.Warn("embed: model breaker changed state", "from", from, "to", to)
		}
	}
	return &Provider{
		model:   model,
		opts:    opts,
		logger:  logger,
		breaker: resilience.NewBreaker(opts.Breaker),
	}
}

// Dim returns the dimensionality of every vector this provider returns.
func (p *Provider) Dim() int { return p.opts.Dim }

// load resolves the model once for the provider's lifetime.
func (p *Provider) load(ctx context.Context) error {
	p.loadOnce.Do(func() {
		if p.model == nil {
			p.loadErr = errNoModel
			return
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.LoadTimeout)
		defer cancel()
		if err := p.model.Load(lctx); err != nil {
			p.loadErr = fmt.Errorf("embed: load model: %w", err)
			p.logger.Warn("embed: model unavailable, using fallback vectors", "err", err)
			return
		}
		p.logger.Info("embed: model loaded", "dim", p.opts.Dim)
	})
	return p.loadErr
}

// Embed returns a vector of exactly Dim() values. It only fails when ctx is
// done; model errors degrade to the fallback vector.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.load(ctx) == nil {
		vec, err := resilience.Execute(ctx, p.breaker, func(ctx context.Context) ([]float32, error) {
			cctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
			defer cancel()
			v, err := p.model.Embed(cctx, text)
			if err != nil {
				return nil, err
			}
			if len(v) != p.opts.Dim {
				return nil, fmt.Errorf("embed: model returned %d dims, want %d", len(v), p.opts.Dim)
			}
			return v, nil
		})
		if err == nil {
			return vec, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			p.logger.Warn("embed: model call failed, using fallback", "err", err)
		}
	}
	p.fallbacks.Add(1)
	return Fallback(text, p.opts.Dim), nil
}

// EmbedBatch embeds texts in order. A BatchModel gets the whole slice in
// one breaker-guarded call; if that fails every text goes through Embed.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bm, ok := p.model.(BatchModel); ok && len(texts) > 0 && p.load(ctx) == nil {
		vecs, err := resilience.Execute(ctx, p.breaker, func(ctx context.Context) ([][]float32, error) {
			cctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
			defer cancel()
			vs, err := bm.EmbedBatch(cctx, texts)
			if err != nil {
				return nil, err
			}
			if len(vs) != len(texts) {
				return nil, fmt.Errorf("embed: model returned %d vectors for %d texts", len(vs), len(texts))
			}
			for _, v := range vs {
				if len(v) != p.opts.Dim {
					return nil, fmt.Errorf("embed: model returned %d dims, want %d", len(v), p.opts.Dim)
				}
			}
			return vs, nil
		})
		if err == nil {
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			p.logger.Warn("embed: batch call failed, embedding one at a time", "err", err, "texts", len(texts))
		}
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Mode reports whether the model or the fallback currently serves vectors.
func (p *Provider) Mode(ctx context.Context) Mode {
	if p.load(ctx) != nil || p.breaker.State() == resilience.StateOpen {
		return ModeFallback
	}
	return ModeModel
}

// Status returns a snapshot for health reporting.
func (p *Provider) Status(ctx context.Context) Status {
	c := p.breaker.Counts()
	s := Status{
		Mode:      p.Mode(ctx),
		Dim:       p.opts.Dim,
		Fallbacks: p.fallbacks.Load(),
		Breaker:   c.State.String(),
		Trips:     c.Trips,
	}
	if p.loadErr != nil {
		s.LoadError = p.loadErr.Error()
	}
	return s
}

// Fallback derives a unit-norm pseudo-random vector from the SHA-256 of
// text. Identical text always yields an identical vector.
func Fallback(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))

	vec := make([]float64, dim)
	var norm float64
	for i := range vec {
		vec[i] = rng.Float64()*2 - 1
		norm += vec[i] * vec[i]
	}
	norm = math.Sqrt(norm)

	out := make([]float32, dim)
	for i, v := range vec {
		if norm > 0 {
			v /= norm
		}
		out[i] = float32(v)
	}
	return out
}

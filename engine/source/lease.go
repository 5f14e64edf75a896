package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psadtpro/psadt-search/engine/domain"
)

// DefaultLeaseTTL is how long an unrenewed lease stays live.
const DefaultLeaseTTL = 2 * time.Minute

// Leases hands out per-collection sync leases stored in the
// vector_sync_lock table, so every process syncing against this source
// shares one single-flight lock. A holder renews its lease every TTL/3; a
// lease left behind by a crashed process expires after TTL.
type Leases struct {
	src    *SQLSource
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewLeases returns Leases over src. ttl <= 0 means DefaultLeaseTTL.
func NewLeases(src *SQLSource, ttl time.Duration, logger *slog.Logger) *Leases {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Leases{src: src, ttl: ttl, logger: logger, now: time.Now}
}

// Acquire takes the lease on collection, or fails with
// domain.ErrSyncInProgress while another holder's lease is live. The
// returned release stops renewal and drops the lease; it is safe to call
// more than once.
func (l *Leases) Acquire(ctx context.Context, collection string) (func(), error) {
	d := l.src.dialect
	holder := uuid.NewString()
	now := l.now()
	res, err := l.src.db.ExecContext(ctx, d.rebind(`INSERT INTO vector_sync_lock (collection, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (collection) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE vector_sync_lock.expires_at < ?`),
		collection, holder, now.Add(l.ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("source: acquire lease %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("source: acquire lease %s: %w", collection, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("source: lease %s: %w", collection, domain.ErrSyncInProgress)
	}

	rctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go l.renew(rctx, done, collection, holder)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
			l.drop(context.WithoutCancel(ctx), collection, holder)
		})
	}, nil
}

// Held reports whether a live lease exists on collection.
func (l *Leases) Held(ctx context.Context, collection string) (bool, error) {
	var n int
	err := l.src.db.QueryRowContext(ctx,
		l.src.dialect.rebind(`SELECT COUNT(*) FROM vector_sync_lock WHERE collection = ? AND expires_at >= ?`),
		collection, l.now().UnixNano()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("source: check lease %s: %w", collection, err)
	}
	return n > 0, nil
}

func (l *Leases) renew(ctx context.Context, done chan<- struct{}, collection, holder string) {
	defer close(done)
	tick := time.NewTicker(l.ttl / 3)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		res, err := l.src.db.ExecContext(ctx,
			l.src.dialect.rebind(`UPDATE vector_sync_lock SET expires_at = ? WHERE collection = ? AND holder = ?`),
			l.now().Add(l.ttl).UnixNano(), collection, holder)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("source: lease renewal failed", "collection", collection, "error", err)
			}
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			l.logger.Error("source: lease lost", "collection", collection, "holder", holder)
			return
		}
	}
}

func (l *Leases) drop(ctx context.Context, collection, holder string) {
	_, err := l.src.db.ExecContext(ctx,
		l.src.dialect.rebind(`DELETE FROM vector_sync_lock WHERE collection = ? AND holder = ?`),
		collection, holder)
	if err != nil {
		l.logger.Warn("source: lease release failed, it expires on its own", "collection", collection, "error", err)
	}
}

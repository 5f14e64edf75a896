package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/pkg/natsutil"
)

const (
	// ChangedSubject carries ChangeEvents from the web application.
	ChangedSubject = "psadt.records.changed"
	// CompletedSubject receives every finished Report.
	CompletedSubject = "psadt.sync.completed"
	// DLQSubject receives change events that failed MaxRetries times.
	DLQSubject = "psadt.records.changed.dlq"
	// QueueGroup load-balances change events across sync workers.
	QueueGroup = "psadt-syncworker"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// ChangeEvent announces that source records of one kind changed. IDs is
// informational: the incremental sync picks changes up by watermark.
type ChangeEvent struct {
	Kind       string   `json:"kind"`
	IDs        []uint64 `json:"ids,omitempty"`
	DeletedIDs []uint64 `json:"deleted_ids,omitempty"`
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Event   ChangeEvent `json:"event"`
	Error   string      `json:"error"`
	Retries int         `json:"retries"`
}

// NATSNotifier publishes finished reports to CompletedSubject.
func NATSNotifier(nc *nats.Conn, log *slog.Logger) Notifier {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, rep *Report) {
		if err := natsutil.Publish(ctx, nc, CompletedSubject, rep); err != nil {
			log.Warn("sync: publish report failed", "collection", rep.Collection, "run_id", rep.RunID, "error", err)
		}
	}
}

// HandleChange applies one ChangeEvent: deleted ids are removed, then an
// incremental sync runs unless the event only carried deletions. The report
// is nil when no sync ran.
func (o *Orchestrator) HandleChange(ctx context.Context, ev ChangeEvent) (*Report, error) {
	kind, err := domain.ParseKind(ev.Kind)
	if err != nil {
		return nil, err
	}
	if err := o.DeleteRecords(ctx, kind, ev.DeletedIDs); err != nil {
		return nil, err
	}
	if len(ev.IDs) == 0 && len(ev.DeletedIDs) > 0 {
		return nil, nil
	}
	return o.IncrementalSync(ctx, kind)
}

// StartConsumer subscribes the orchestrator to ChangedSubject within
// QueueGroup. Failed events are re-published with an incremented
// X-Retry-Count header and dead-lettered after MaxRetries. Events for a
// collection that is already syncing are dropped: the running sync or the
// next event covers them.
func StartConsumer(nc *nats.Conn, o *Orchestrator) (*nats.Subscription, error) {
	log := o.log
	return natsutil.QueueSubscribe(nc, ChangedSubject, QueueGroup, func(ctx context.Context, msg *nats.Msg, ev ChangeEvent) {
		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(retryHeader); v != "" {
				retries, _ = strconv.Atoi(v)
			}
		}

		_, err := o.HandleChange(ctx, ev)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrSyncInProgress):
			log.Info("sync: collection busy, skipping change event", "kind", ev.Kind)
		case errors.Is(err, domain.ErrUnknownKind):
			log.Error("sync: change event for unknown kind", "kind", ev.Kind)
			deadLetter(ctx, nc, log, ev, err, retries)
		default:
			retries++
			log.Error("sync: change event failed", "kind", ev.Kind, "error", err, "retry", retries)
			if retries >= MaxRetries {
				deadLetter(ctx, nc, log, ev, err, retries)
				break
			}
			retryMsg := nats.NewMsg(ChangedSubject)
			retryMsg.Data = msg.Data
			retryMsg.Header.Set(retryHeader, strconv.Itoa(retries))
			natsutil.Inject(ctx, retryMsg)
			if err := nc.PublishMsg(retryMsg); err != nil {
				log.Error("sync: retry publish failed", "error", err)
			}
		}

		// Ack if JetStream.
		if msg.Reply != "" {
			_ = msg.Ack()
		}
	}, func(_ *nats.Msg, err error) {
		log.Error("sync: unmarshal change event failed", "error", err)
	})
}

func deadLetter(ctx context.Context, nc *nats.Conn, log *slog.Logger, ev ChangeEvent, cause error, retries int) {
	err := natsutil.Publish(ctx, nc, DLQSubject, dlqMessage{Event: ev, Error: cause.Error(), Retries: retries})
	if err != nil {
		log.Error("sync: DLQ publish failed", "error", fmt.Errorf("publish %s: %w", DLQSubject, err))
	}
}

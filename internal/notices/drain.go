package notices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultDrainBatchLimit = 100

type DrainerConfig struct {
	Queue      *Queue
	Invoker    *Invoker
	Directory  RecipientDirectory
	BatchLimit int
	Logger     *zap.Logger
}

// Drainer replays queued batches through the immediate path.
type Drainer struct {
	queue      *Queue
	invoker    *Invoker
	directory  RecipientDirectory
	batchLimit int
	logger     *zap.Logger
}

func NewDrainer(cfg DrainerConfig) (*Drainer, error) {
	if cfg.Queue == nil {
		return nil, newServiceError(opDrainerNew, "missing_queue", errMissingQueue)
	}
	if cfg.Invoker == nil {
		return nil, newServiceError(opDrainerNew, "missing_invoker", errMissingInvoker)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opDrainerNew, "missing_directory", fmt.Errorf("%w: recipient directory is required", ErrConfiguration))
	}
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = defaultDrainBatchLimit
	}
	return &Drainer{
		queue:      cfg.Queue,
		invoker:    cfg.Invoker,
		directory:  cfg.Directory,
		batchLimit: limit,
		logger:     loggerOrDefault(cfg.Logger),
	}, nil
}

// DrainSummary counts what one DrainOnce pass did.
type DrainSummary struct {
	Batches  int
	Notices  int
	Sent     int
	Retained int
	Failures int
}

// DrainOnce replays up to the batch limit. A batch is deleted only after every
// notice in it was replayed, so a crash mid-batch leads to redelivery rather than
// loss. Batches that cannot be decoded or replayed stay queued; the pass pages past
// them so they never hold back newer batches.
func (d *Drainer) DrainOnce(ctx context.Context) (DrainSummary, error) {
	summary := DrainSummary{}
	var cursor int64
	for summary.Batches < d.batchLimit {
		batches, err := d.queue.Pending(ctx, cursor, d.batchLimit-summary.Batches)
		if err != nil {
			return summary, err
		}
		if len(batches) == 0 {
			return summary, nil
		}
		for _, batch := range batches {
			cursor = batch.ID
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			notices, err := DecodeQueuePayload(batch.Payload)
			if err != nil {
				logError(d.logger, opDrainOnce, "decode_failed", err, zap.Int64("batch_id", batch.ID))
				summary.Retained++
				continue
			}
			report, err := d.replay(ctx, notices)
			if err != nil {
				logError(d.logger, opDrainOnce, "replay_failed", err, zap.Int64("batch_id", batch.ID))
				summary.Retained++
				continue
			}
			if err := d.queue.Delete(ctx, batch.ID); err != nil {
				return summary, err
			}
			summary.Batches++
			summary.Notices += len(notices)
			summary.Sent += len(report.Deliveries)
			summary.Failures += len(report.Failures)
		}
	}
	return summary, nil
}

// Run drains on every tick until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return newServiceError(opDrainOnce, "invalid_interval", fmt.Errorf("%w: drain interval must be positive", ErrConfiguration))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		summary, err := d.DrainOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			logError(d.logger, opDrainOnce, "pass_failed", err)
		case summary.Batches > 0 || summary.Retained > 0:
			d.logger.Info("notice queue drained",
				zap.Int("batches", summary.Batches),
				zap.Int("notices", summary.Notices),
				zap.Int("sent", summary.Sent),
				zap.Int("retained", summary.Retained),
				zap.Int("failures", summary.Failures))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// replay resolves every label and recipient of the batch before the first delivery,
// so a lookup failure retains the batch without side effects.
func (d *Drainer) replay(ctx context.Context, notices []QueuedNotice) (DeliveryReport, error) {
	noticeTypes := make(map[string]NoticeType)
	ids := make([]UserID, 0, len(notices))
	for _, notice := range notices {
		ids = append(ids, UserID(notice.RecipientID))
		if _, seen := noticeTypes[notice.Label]; seen {
			continue
		}
		noticeType, err := d.invoker.catalog.Lookup(ctx, notice.Label)
		if err != nil {
			return DeliveryReport{}, err
		}
		noticeTypes[notice.Label] = noticeType
	}
	byID, err := recipientIndex(ctx, d.directory, ids)
	if err != nil {
		return DeliveryReport{}, err
	}

	report := DeliveryReport{}
	for _, notice := range notices {
		recipient, ok := byID[UserID(notice.RecipientID)]
		if !ok {
			report.Failures = append(report.Failures, RecipientFailure{
				RecipientID: UserID(notice.RecipientID),
				Err:         newServiceError(opDrainOnce, "unknown_recipient", fmt.Errorf("%w: %w: user %d", ErrReference, ErrUnknownUser, notice.RecipientID)),
			})
			continue
		}
		report.merge(d.invoker.Deliver(ctx, []Recipient{recipient}, noticeTypes[notice.Label], notice.Context, notice.Sender, notice.Scope))
	}
	return report, nil
}

package notices

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RecipientSource yields recipient identifiers. Materialized lists and lazy
// database queries both satisfy it; the queue only ever pulls identifiers.
type RecipientSource interface {
	RecipientIDs(ctx context.Context) ([]UserID, error)
}

// RecipientList is a materialized recipient collection.
type RecipientList []Recipient

func (l RecipientList) RecipientIDs(context.Context) ([]UserID, error) {
	ids := make([]UserID, 0, len(l))
	for _, recipient := range l {
		ids = append(ids, recipient.ID)
	}
	return ids, nil
}

// UserIDs is a list of bare identifiers.
type UserIDs []UserID

func (ids UserIDs) RecipientIDs(context.Context) ([]UserID, error) {
	out := make([]UserID, len(ids))
	copy(out, ids)
	return out, nil
}

type QueueConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Queue stores deferred notices, one batch row per enqueue call.
type Queue struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opQueueNew, "missing_database", errMissingDatabase)
	}
	return &Queue{db: cfg.Database, logger: loggerOrDefault(cfg.Logger)}, nil
}

// Enqueue writes a single batch holding one notice per recipient, in source order.
func (q *Queue) Enqueue(ctx context.Context, source RecipientSource, label string, extra map[string]any, sender, scope *EntityRef) (NoticeQueueBatch, error) {
	ids, err := source.RecipientIDs(ctx)
	if err != nil {
		logError(q.logger, opQueueEnqueue, "recipient_ids_failed", err, zap.String("label", label))
		return NoticeQueueBatch{}, newServiceError(opQueueEnqueue, "recipient_ids_failed", err)
	}
	if extra == nil {
		extra = map[string]any{}
	}
	notices := make([]QueuedNotice, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return NoticeQueueBatch{}, newServiceError(opQueueEnqueue, "invalid_recipient",
				fmt.Errorf("%w: %w", ErrReference, ErrInvalidUserID))
		}
		notices = append(notices, QueuedNotice{
			RecipientID: id.Int64(),
			Label:       label,
			Context:     extra,
			Sender:      sender,
			Scope:       scope,
		})
	}
	payload, err := EncodeQueuePayload(notices)
	if err != nil {
		logError(q.logger, opQueueEnqueue, "encode_failed", err, zap.String("label", label))
		return NoticeQueueBatch{}, err
	}
	batch := NoticeQueueBatch{Payload: payload}
	if err := q.db.WithContext(ctx).Create(&batch).Error; err != nil {
		logError(q.logger, opQueueEnqueue, "insert_failed", err, zap.String("label", label))
		return NoticeQueueBatch{}, newServiceError(opQueueEnqueue, "insert_failed", err)
	}
	q.logger.Debug("notice batch queued",
		zap.Int64("batch_id", batch.ID),
		zap.String("label", label),
		zap.Int("recipients", len(notices)))
	return batch, nil
}

// Pending returns up to limit batches with an id above afterID, oldest first. A
// non-positive limit returns all of them.
func (q *Queue) Pending(ctx context.Context, afterID int64, limit int) ([]NoticeQueueBatch, error) {
	query := q.db.WithContext(ctx).Where("id > ?", afterID).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var batches []NoticeQueueBatch
	if err := query.Find(&batches).Error; err != nil {
		logError(q.logger, opQueuePending, "query_failed", err, zap.Int64("after_id", afterID))
		return nil, newServiceError(opQueuePending, "query_failed", err)
	}
	return batches, nil
}

// Delete removes a fully replayed batch.
func (q *Queue) Delete(ctx context.Context, id int64) error {
	if err := q.db.WithContext(ctx).Delete(&NoticeQueueBatch{}, id).Error; err != nil {
		logError(q.logger, opQueueDelete, "delete_failed", err, zap.Int64("batch_id", id))
		return newServiceError(opQueueDelete, "delete_failed", err)
	}
	return nil
}

package notices

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type StatsRecorderConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// StatsRecorder appends NoticeStat rows.
type StatsRecorder struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewStatsRecorder(cfg StatsRecorderConfig) (*StatsRecorder, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStatsNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StatsRecorder{db: cfg.Database, clock: clock, logger: loggerOrDefault(cfg.Logger)}, nil
}

// Record appends one delivery fact stamped with the recorder's clock.
func (s *StatsRecorder) Record(ctx context.Context, user UserID, noticeType NoticeType, mediumID int) error {
	stat := NoticeStat{
		UserID:       user.Int64(),
		NoticeTypeID: noticeType.ID,
		Medium:       mediumID,
		When:         s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&stat).Error; err != nil {
		return newServiceError(opStatsRecord, "insert_failed", fmt.Errorf("%w: %w", ErrStatWrite, err))
	}
	return nil
}

// StatSummary counts deliveries of one notice type through one medium.
type StatSummary struct {
	Label      string `gorm:"column:label"`
	Medium     int    `gorm:"column:medium"`
	Deliveries int64  `gorm:"column:deliveries"`
}

// Summary aggregates deliveries recorded at or after since.
func (s *StatsRecorder) Summary(ctx context.Context, since time.Time) ([]StatSummary, error) {
	var rows []StatSummary
	err := s.db.WithContext(ctx).
		Table(NoticeStat{}.TableName()).
		Select("notice_types.label AS label, notice_stats.medium AS medium, COUNT(*) AS deliveries").
		Joins("JOIN notice_types ON notice_types.id = notice_stats.notice_type_id").
		Where("notice_stats.delivered_at >= ?", since.UTC()).
		Group("notice_types.label, notice_stats.medium").
		Order("notice_types.label ASC, notice_stats.medium ASC").
		Scan(&rows).Error
	if err != nil {
		logError(s.logger, opStatsSummary, "query_failed", err)
		return nil, newServiceError(opStatsSummary, "query_failed", err)
	}
	return rows, nil
}

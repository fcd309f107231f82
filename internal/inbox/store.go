package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const defaultListLimit = 50

var (
	// ErrEntryNotFound reports an inbox entry that does not exist for the user.
	ErrEntryNotFound = errors.New("inbox: entry not found")
	errMissingHub    = errors.New("inbox: hub is required")
)

// Entry is one in-app notice shown to a user.
type Entry struct {
	ID        int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID    int64      `gorm:"column:user_id;not null;index:idx_inbox_entries_user,priority:1" json:"user_id"`
	Label     string     `gorm:"column:label;size:40;not null" json:"label"`
	Subject   string     `gorm:"column:subject;size:255;not null" json:"subject"`
	Body      string     `gorm:"column:body;type:text;not null" json:"body"`
	Locale    string     `gorm:"column:locale;size:35;not null" json:"locale"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;index:idx_inbox_entries_user,priority:2" json:"created_at"`
	ReadAt    *time.Time `gorm:"column:read_at" json:"read_at,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "inbox_entries"
}

type ServiceConfig struct {
	Database *gorm.DB
	Hub      *Hub
	Clock    func() time.Time
}

// Service stores in-app notices and publishes them to live streams.
type Service struct {
	db    *gorm.DB
	hub   *Hub
	clock func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("inbox: database connection required")
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, hub: cfg.Hub, clock: clock}, nil
}

// Post stores the entry and then publishes it.
func (s *Service) Post(ctx context.Context, entry Entry) (Entry, error) {
	if entry.UserID <= 0 {
		return Entry{}, fmt.Errorf("inbox: invalid user id %d", entry.UserID)
	}
	entry.ID = 0
	entry.CreatedAt = s.clock().UTC()
	entry.ReadAt = nil
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return Entry{}, err
	}
	s.hub.Publish(entry)
	return entry, nil
}

// List returns the newest entries of the user first.
func (s *Service) List(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		query = query.Where("read_at IS NULL")
	}
	var entries []Entry
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkRead stamps the entry as read. Marking an already read entry is a no-op.
func (s *Service) MarkRead(ctx context.Context, userID, entryID int64) (Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", entryID, userID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if entry.ReadAt != nil {
		return entry, nil
	}
	now := s.clock().UTC()
	if err := s.db.WithContext(ctx).Model(&entry).Update("read_at", now).Error; err != nil {
		return Entry{}, err
	}
	entry.ReadAt = &now
	return entry, nil
}

// Subscribe exposes the live stream of the user.
func (s *Service) Subscribe(ctx context.Context, userID int64) (<-chan Entry, func()) {
	return s.hub.Subscribe(ctx, userID)
}

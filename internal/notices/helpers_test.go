package notices

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "notices.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestCatalog(t *testing.T, db *gorm.DB) *Catalog {
	t.Helper()
	catalog, err := NewCatalog(CatalogConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	return catalog
}

func mustCreateNoticeType(t *testing.T, catalog *Catalog, label string, sensitivity int) NoticeType {
	t.Helper()
	noticeType, _, err := catalog.Create(context.Background(), NoticeTypeDefinition{
		Label:       label,
		Display:     "Display " + label,
		Description: "Description " + label,
		Default:     Sensitivity(sensitivity),
	})
	if err != nil {
		t.Fatalf("failed to create notice type %s: %v", label, err)
	}
	return noticeType
}

func newTestMediums(t *testing.T) *MediumRegistry {
	t.Helper()
	registry, err := NewMediumRegistry([]Medium{
		{ID: MediumEmail, Name: "email", Sensitivity: 1},
		{ID: MediumPush, Name: "push", Sensitivity: 3},
		{ID: MediumInApp, Name: "inapp", Sensitivity: 2},
	})
	if err != nil {
		t.Fatalf("failed to build mediums: %v", err)
	}
	return registry
}

type staticDirectory map[UserID]Recipient

func (d staticDirectory) Recipients(_ context.Context, ids []UserID) ([]Recipient, error) {
	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		if recipient, ok := d[id]; ok {
			out = append(out, recipient)
		}
	}
	return out, nil
}

func directoryOf(ids ...UserID) staticDirectory {
	directory := staticDirectory{}
	for _, id := range ids {
		directory[id] = Recipient{ID: id, Email: fmt.Sprintf("user%d@example.com", id)}
	}
	return directory
}

type staticLanguages map[UserID]language.Tag

func (l staticLanguages) LookupLanguage(_ context.Context, user UserID) (language.Tag, error) {
	tag, ok := l[user]
	if !ok {
		return language.Und, ErrLanguageUnavailable
	}
	return tag, nil
}

type recordingBackend struct {
	name       string
	medium     int
	canSend    bool
	canSendErr error
	failFor    map[UserID]error
	panicFor   UserID

	mu         sync.Mutex
	deliveries []Delivery
}

func (b *recordingBackend) Name() string {
	return b.name
}

func (b *recordingBackend) MediumID() int {
	return b.medium
}

func (b *recordingBackend) CanSend(context.Context, Recipient, NoticeType, *EntityRef) (bool, error) {
	if b.canSendErr != nil {
		return false, b.canSendErr
	}
	return b.canSend, nil
}

func (b *recordingBackend) Deliver(_ context.Context, delivery Delivery) error {
	if delivery.Recipient.ID == b.panicFor {
		panic("backend exploded")
	}
	if err, ok := b.failFor[delivery.Recipient.ID]; ok {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveries = append(b.deliveries, delivery)
	return nil
}

func (b *recordingBackend) delivered() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Delivery, len(b.deliveries))
	copy(out, b.deliveries)
	return out
}

type failingStats struct{}

func (failingStats) Record(context.Context, UserID, NoticeType, int) error {
	return errors.New("stats table locked")
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

// flakyLookup fails the first failures lookups and counts every call.
type flakyLookup struct {
	next     NoticeTypeLookup
	failures int

	mu    sync.Mutex
	calls int
}

func (l *flakyLookup) Lookup(ctx context.Context, label string) (NoticeType, error) {
	l.mu.Lock()
	l.calls++
	failing := l.calls <= l.failures
	l.mu.Unlock()
	if failing {
		return NoticeType{}, errors.New("catalog temporarily unavailable")
	}
	return l.next.Lookup(ctx, label)
}

func (l *flakyLookup) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

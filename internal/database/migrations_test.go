package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"github.com/MarcoPoloResearchLab/herald/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsCanonicalizesStoredValues(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	settings := []notices.NoticeSetting{
		{UserID: 1, NoticeTypeID: 1, Medium: 1, Send: true, Key: "6BA7B810-9DAD-11D1-80B4-00C04FD430C8"},
		{UserID: 1, NoticeTypeID: 1, Medium: 2, Send: true, Key: "legacy-key"},
	}
	if err := database.Create(&settings).Error; err != nil {
		testContext.Fatalf("failed to insert settings: %v", err)
	}
	profiles := []users.Profile{
		{ID: 1, Language: "EN-us"},
		{ID: 2, Language: "not a language"},
	}
	if err := database.Create(&profiles).Error; err != nil {
		testContext.Fatalf("failed to insert profiles: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []notices.NoticeSetting
	if err := database.Order("id ASC").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload settings: %v", err)
	}
	if stored[0].Key != "6ba7b810-9dad-11d1-80b4-00c04fd430c8" {
		testContext.Fatalf("expected lower-case key, got %s", stored[0].Key)
	}
	if len(stored[1].Key) != 36 || stored[1].Key == "legacy-key" {
		testContext.Fatalf("expected unparseable key to be replaced, got %s", stored[1].Key)
	}

	var reloaded []users.Profile
	if err := database.Order("id ASC").Find(&reloaded).Error; err != nil {
		testContext.Fatalf("failed to reload profiles: %v", err)
	}
	if reloaded[0].Language != "en-US" || reloaded[1].Language != "" {
		testContext.Fatalf("unexpected languages %q %q", reloaded[0].Language, reloaded[1].Language)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationCanonicalUnsubscribeKeys).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// a second run must not touch rows again.
	if err := database.Model(&notices.NoticeSetting{}).Where("id = ?", stored[0].ID).
		Update("unsubscribe_key", "6BA7B810-9DAD-11D1-80B4-00C04FD430C9").Error; err != nil {
		testContext.Fatalf("failed to reset key: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	var untouched notices.NoticeSetting
	if err := database.Where("id = ?", stored[0].ID).Take(&untouched).Error; err != nil {
		testContext.Fatalf("failed to reload setting: %v", err)
	}
	if untouched.Key != "6BA7B810-9DAD-11D1-80B4-00C04FD430C9" {
		testContext.Fatalf("expected recorded migration to be skipped, got %s", untouched.Key)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "herald.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
}

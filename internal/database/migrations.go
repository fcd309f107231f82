package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"github.com/MarcoPoloResearchLab/herald/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

const (
	migrationCanonicalUnsubscribeKeys = "2026-09-14_canonical_unsubscribe_keys"
	migrationCanonicalLanguages       = "2026-09-21_canonical_profile_languages"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCanonicalUnsubscribeKeys, apply: canonicalizeUnsubscribeKeys},
		{name: migrationCanonicalLanguages, apply: canonicalizeProfileLanguages},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// canonicalizeUnsubscribeKeys rewrites keys into the lower-case hyphenated form that
// lookups normalize to. Keys that do not parse are replaced with fresh ones.
func canonicalizeUnsubscribeKeys(db *gorm.DB) error {
	var settings []notices.NoticeSetting
	if err := db.Select("id", "unsubscribe_key").Find(&settings).Error; err != nil {
		return err
	}
	for _, setting := range settings {
		canonical := ""
		if parsed, err := uuid.Parse(setting.Key); err == nil {
			canonical = parsed.String()
		} else {
			fresh, err := uuid.NewRandom()
			if err != nil {
				return err
			}
			canonical = fresh.String()
		}
		if canonical == setting.Key {
			continue
		}
		if err := db.Model(&notices.NoticeSetting{}).
			Where("id = ?", setting.ID).
			Update("unsubscribe_key", canonical).Error; err != nil {
			return err
		}
	}
	return nil
}

// canonicalizeProfileLanguages stores BCP 47 tags in canonical form and clears
// values that do not parse.
func canonicalizeProfileLanguages(db *gorm.DB) error {
	var profiles []users.Profile
	if err := db.Select("id", "language").Where("language <> ''").Find(&profiles).Error; err != nil {
		return err
	}
	for _, profile := range profiles {
		canonical := ""
		if tag, err := language.Parse(profile.Language); err == nil {
			canonical = tag.String()
		}
		if canonical == profile.Language {
			continue
		}
		if err := db.Model(&users.Profile{}).
			Where("id = ?", profile.ID).
			Update("language", canonical).Error; err != nil {
			return err
		}
	}
	return nil
}

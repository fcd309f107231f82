package notices

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultNoticeSensitivity is applied when a definition does not set one.
const DefaultNoticeSensitivity = 2

// CreateOutcome describes what Catalog.Create did.
type CreateOutcome string

const (
	CreateOutcomeCreated   CreateOutcome = "created"
	CreateOutcomeUpdated   CreateOutcome = "updated"
	CreateOutcomeUnchanged CreateOutcome = "unchanged"
)

// NoticeTypeDefinition is the desired state of a notice type.
type NoticeTypeDefinition struct {
	Label       string `mapstructure:"label" json:"label"`
	Display     string `mapstructure:"display" json:"display"`
	Description string `mapstructure:"description" json:"description"`
	Default     *int   `mapstructure:"default" json:"default"`
}

// Sensitivity returns a pointer suitable for NoticeTypeDefinition.Default.
func Sensitivity(value int) *int {
	v := value
	return &v
}

type CatalogConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Catalog owns notice types.
type Catalog struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCatalogNew, "missing_database", errMissingDatabase)
	}
	return &Catalog{db: cfg.Database, logger: loggerOrDefault(cfg.Logger)}, nil
}

// Create inserts the notice type or brings an existing one in line with the
// definition. Only differing columns are written; an identical definition
// performs no write at all.
func (c *Catalog) Create(ctx context.Context, definition NoticeTypeDefinition) (NoticeType, CreateOutcome, error) {
	label, err := NewLabel(definition.Label)
	if err != nil {
		return NoticeType{}, "", newServiceError(opCatalogCreate, "invalid_label", fmt.Errorf("%w: %v", ErrConfiguration, err))
	}
	display := strings.TrimSpace(definition.Display)
	description := strings.TrimSpace(definition.Description)
	if len(display) > maxDisplayLength || len(description) > maxDescriptionLength {
		return NoticeType{}, "", newServiceError(opCatalogCreate, "field_too_long",
			fmt.Errorf("%w: display or description of %s exceeds storage bounds", ErrConfiguration, label))
	}
	sensitivity := DefaultNoticeSensitivity
	if definition.Default != nil {
		sensitivity = *definition.Default
	}

	// A concurrent creator can win the insert; the second pass then reconciles
	// against the row it wrote.
	for attempt := 0; attempt < 2; attempt++ {
		var existing NoticeType
		err := c.db.WithContext(ctx).Where("label = ?", label.String()).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created := NoticeType{
				Label:       label.String(),
				Display:     display,
				Description: description,
				Default:     sensitivity,
			}
			result := c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&created)
			if result.Error != nil {
				logError(c.logger, opCatalogCreate, "insert_failed", result.Error, zap.String("label", label.String()))
				return NoticeType{}, "", newServiceError(opCatalogCreate, "insert_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				continue
			}
			c.logger.Info("notice type created", zap.String("label", created.Label))
			return created, CreateOutcomeCreated, nil
		}
		if err != nil {
			logError(c.logger, opCatalogCreate, "select_failed", err, zap.String("label", label.String()))
			return NoticeType{}, "", newServiceError(opCatalogCreate, "select_failed", err)
		}

		updates := map[string]interface{}{}
		if display != existing.Display {
			updates["display"] = display
			existing.Display = display
		}
		if description != existing.Description {
			updates["description"] = description
			existing.Description = description
		}
		if sensitivity != existing.Default {
			updates["default_sensitivity"] = sensitivity
			existing.Default = sensitivity
		}
		if len(updates) == 0 {
			return existing, CreateOutcomeUnchanged, nil
		}
		if err := c.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
			logError(c.logger, opCatalogCreate, "update_failed", err, zap.String("label", label.String()))
			return NoticeType{}, "", newServiceError(opCatalogCreate, "update_failed", err)
		}
		c.logger.Info("notice type updated", zap.String("label", existing.Label), zap.Int("changed_fields", len(updates)))
		return existing, CreateOutcomeUpdated, nil
	}
	return NoticeType{}, "", newServiceError(opCatalogCreate, "insert_conflict",
		fmt.Errorf("notice type %s could not be read back after a conflicting insert", label))
}

// Lookup returns the notice type for label. An unknown label is a configuration error.
func (c *Catalog) Lookup(ctx context.Context, label string) (NoticeType, error) {
	validated, err := NewLabel(label)
	if err != nil {
		return NoticeType{}, newServiceError(opCatalogLookup, "invalid_label", fmt.Errorf("%w: %v", ErrConfiguration, err))
	}
	var noticeType NoticeType
	err = c.db.WithContext(ctx).Where("label = ?", validated.String()).Take(&noticeType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoticeType{}, newServiceError(opCatalogLookup, "unknown_label",
			fmt.Errorf("%w: unknown notice type %q", ErrConfiguration, validated))
	}
	if err != nil {
		logError(c.logger, opCatalogLookup, "select_failed", err, zap.String("label", validated.String()))
		return NoticeType{}, newServiceError(opCatalogLookup, "select_failed", err)
	}
	return noticeType, nil
}

// List returns every notice type ordered by label.
func (c *Catalog) List(ctx context.Context) ([]NoticeType, error) {
	var noticeTypes []NoticeType
	if err := c.db.WithContext(ctx).Order("label ASC").Find(&noticeTypes).Error; err != nil {
		logError(c.logger, opCatalogList, "query_failed", err)
		return nil, newServiceError(opCatalogList, "query_failed", err)
	}
	return noticeTypes, nil
}

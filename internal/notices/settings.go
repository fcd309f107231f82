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

// RecipientDirectory resolves stored user identifiers back to recipients. Unknown
// identifiers are omitted from the result.
type RecipientDirectory interface {
	Recipients(ctx context.Context, ids []UserID) ([]Recipient, error)
}

type SettingResolverConfig struct {
	Database  *gorm.DB
	Mediums   *MediumRegistry
	Directory RecipientDirectory
	Keys      KeyProvider
	Logger    *zap.Logger
}

// SettingResolver owns NoticeSetting rows.
type SettingResolver struct {
	db        *gorm.DB
	mediums   *MediumRegistry
	directory RecipientDirectory
	keys      KeyProvider
	logger    *zap.Logger
}

func NewSettingResolver(cfg SettingResolverConfig) (*SettingResolver, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opSettingsNew, "missing_database", errMissingDatabase)
	}
	if cfg.Mediums == nil {
		return nil, newServiceError(opSettingsNew, "missing_mediums", errMissingMediums)
	}
	keys := cfg.Keys
	if keys == nil {
		keys = NewUUIDKeyProvider()
	}
	return &SettingResolver{
		db:        cfg.Database,
		mediums:   cfg.Mediums,
		directory: cfg.Directory,
		keys:      keys,
		logger:    loggerOrDefault(cfg.Logger),
	}, nil
}

// Resolve returns the setting for the tuple, creating it with the medium's default
// on first access. Creation is an insert that yields to a concurrent creator, so
// simultaneous first resolutions converge on a single row.
func (r *SettingResolver) Resolve(ctx context.Context, user UserID, noticeType NoticeType, mediumID int, scope *EntityRef) (NoticeSetting, error) {
	medium, err := r.validateTuple(user, noticeType, mediumID, scope)
	if err != nil {
		return NoticeSetting{}, newServiceError(opSettingsResolve, "invalid_reference", err)
	}

	setting, found, err := r.find(ctx, user, noticeType.ID, medium.ID, scope)
	if err != nil {
		return NoticeSetting{}, err
	}
	if found {
		return setting, nil
	}

	if err := r.verifyReferences(ctx, user, noticeType); err != nil {
		return NoticeSetting{}, err
	}

	key, err := r.keys.NewKey()
	if err != nil {
		logError(r.logger, opSettingsResolve, "key_generation_failed", err)
		return NoticeSetting{}, newServiceError(opSettingsResolve, "key_generation_failed", err)
	}
	scopeKind, scopeID := scopeColumns(scope)
	candidate := NoticeSetting{
		UserID:       user.Int64(),
		NoticeTypeID: noticeType.ID,
		Medium:       medium.ID,
		ScopeKind:    scopeKind,
		ScopeID:      scopeID,
		Send:         medium.EnabledByDefault(noticeType),
		Key:          key,
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
	if result.Error != nil {
		logError(r.logger, opSettingsResolve, "insert_failed", result.Error, tupleFields(user, noticeType, medium.ID, scope)...)
		return NoticeSetting{}, newServiceError(opSettingsResolve, "insert_failed", result.Error)
	}
	if result.RowsAffected == 1 {
		return candidate, nil
	}

	setting, found, err = r.find(ctx, user, noticeType.ID, medium.ID, scope)
	if err != nil {
		return NoticeSetting{}, err
	}
	if !found {
		err := fmt.Errorf("setting insert was skipped but no row exists for %d/%s/%d", user, noticeType.Label, medium.ID)
		logError(r.logger, opSettingsResolve, "conflict_without_row", err, tupleFields(user, noticeType, medium.ID, scope)...)
		return NoticeSetting{}, newServiceError(opSettingsResolve, "conflict_without_row", err)
	}
	return setting, nil
}

// ShouldSend reports the send flag of the resolved setting.
func (r *SettingResolver) ShouldSend(ctx context.Context, user UserID, noticeType NoticeType, mediumID int, scope *EntityRef) (bool, error) {
	setting, err := r.Resolve(ctx, user, noticeType, mediumID, scope)
	if err != nil {
		return false, err
	}
	return setting.Send, nil
}

// SetSend records an explicit choice for the tuple.
func (r *SettingResolver) SetSend(ctx context.Context, user UserID, noticeType NoticeType, mediumID int, scope *EntityRef, send bool) (NoticeSetting, error) {
	setting, err := r.Resolve(ctx, user, noticeType, mediumID, scope)
	if err != nil {
		return NoticeSetting{}, err
	}
	if setting.Send == send {
		return setting, nil
	}
	if err := r.db.WithContext(ctx).Model(&setting).Update("send", send).Error; err != nil {
		logError(r.logger, opSettingsUpdate, "update_failed", err, tupleFields(user, noticeType, mediumID, scope)...)
		return NoticeSetting{}, newServiceError(opSettingsUpdate, "update_failed", err)
	}
	setting.Send = send
	return setting, nil
}

// LookupByKey returns the setting owning the unsubscribe key.
func (r *SettingResolver) LookupByKey(ctx context.Context, key string) (NoticeSetting, error) {
	normalized, ok := normalizeKey(key)
	if !ok {
		return NoticeSetting{}, newServiceError(opSettingsKey, "malformed_key", ErrSettingNotFound)
	}
	var setting NoticeSetting
	err := r.db.WithContext(ctx).Where("unsubscribe_key = ?", normalized).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoticeSetting{}, newServiceError(opSettingsKey, "unknown_key", ErrSettingNotFound)
	}
	if err != nil {
		logError(r.logger, opSettingsKey, "select_failed", err)
		return NoticeSetting{}, newServiceError(opSettingsKey, "select_failed", err)
	}
	return setting, nil
}

// UnsubscribeByKey turns the setting off. Possession of the key is the only
// authorization required.
func (r *SettingResolver) UnsubscribeByKey(ctx context.Context, key string) (NoticeSetting, error) {
	setting, err := r.LookupByKey(ctx, key)
	if err != nil {
		return NoticeSetting{}, err
	}
	if !setting.Send {
		return setting, nil
	}
	if err := r.db.WithContext(ctx).Model(&setting).Update("send", false).Error; err != nil {
		logError(r.logger, opSettingsKey, "update_failed", err, zap.Int64("setting_id", setting.ID))
		return NoticeSetting{}, newServiceError(opSettingsKey, "update_failed", err)
	}
	setting.Send = false
	r.logger.Info("notice setting unsubscribed",
		zap.Int64("setting_id", setting.ID),
		zap.Int64("user_id", setting.UserID),
		zap.Int("medium", setting.Medium))
	return setting, nil
}

// ClearScope removes every setting bound to a scoping entity that no longer exists.
func (r *SettingResolver) ClearScope(ctx context.Context, scope EntityRef) (int64, error) {
	if err := validateScope(&scope); err != nil {
		return 0, newServiceError(opSettingsClear, "invalid_scope", fmt.Errorf("%w: %v", ErrReference, err))
	}
	result := r.db.WithContext(ctx).
		Where("scope_kind = ? AND scope_id = ?", scope.Kind, scope.ID).
		Delete(&NoticeSetting{})
	if result.Error != nil {
		logError(r.logger, opSettingsClear, "delete_failed", result.Error, zap.String("scope", scope.String()))
		return 0, newServiceError(opSettingsClear, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// ListForUser returns the user's settings ordered by notice type and medium.
func (r *SettingResolver) ListForUser(ctx context.Context, user UserID) ([]NoticeSetting, error) {
	if user <= 0 {
		return nil, newServiceError(opSettingsList, "invalid_user", fmt.Errorf("%w: %w", ErrReference, ErrInvalidUserID))
	}
	var settings []NoticeSetting
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", user.Int64()).
		Order("notice_type_id ASC, medium ASC, scope_kind ASC, scope_id ASC").
		Find(&settings).Error; err != nil {
		logError(r.logger, opSettingsList, "query_failed", err, zap.Int64("user_id", user.Int64()))
		return nil, newServiceError(opSettingsList, "query_failed", err)
	}
	return settings, nil
}

func (r *SettingResolver) validateTuple(user UserID, noticeType NoticeType, mediumID int, scope *EntityRef) (Medium, error) {
	if user <= 0 {
		return Medium{}, fmt.Errorf("%w: %w", ErrReference, ErrInvalidUserID)
	}
	if noticeType.ID <= 0 || strings.TrimSpace(noticeType.Label) == "" {
		return Medium{}, fmt.Errorf("%w: notice type is not persisted", ErrReference)
	}
	medium, ok := r.mediums.Lookup(mediumID)
	if !ok {
		return Medium{}, fmt.Errorf("%w: unknown medium %d", ErrReference, mediumID)
	}
	if err := validateScope(scope); err != nil {
		return Medium{}, fmt.Errorf("%w: %v", ErrReference, err)
	}
	return medium, nil
}

func (r *SettingResolver) find(ctx context.Context, user UserID, noticeTypeID int64, mediumID int, scope *EntityRef) (NoticeSetting, bool, error) {
	scopeKind, scopeID := scopeColumns(scope)
	var setting NoticeSetting
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND notice_type_id = ? AND medium = ? AND scope_kind = ? AND scope_id = ?",
			user.Int64(), noticeTypeID, mediumID, scopeKind, scopeID).
		Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoticeSetting{}, false, nil
	}
	if err != nil {
		logError(r.logger, opSettingsResolve, "select_failed", err,
			zap.Int64("user_id", user.Int64()),
			zap.Int64("notice_type_id", noticeTypeID),
			zap.Int("medium", mediumID))
		return NoticeSetting{}, false, newServiceError(opSettingsResolve, "select_failed", err)
	}
	return setting, true, nil
}

// verifyReferences runs only on the creation path; existing rows already proved
// their references when they were written.
func (r *SettingResolver) verifyReferences(ctx context.Context, user UserID, noticeType NoticeType) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&NoticeType{}).Where("id = ?", noticeType.ID).Count(&count).Error; err != nil {
		logError(r.logger, opReferenceCheck, "notice_type_select_failed", err, zap.Int64("notice_type_id", noticeType.ID))
		return newServiceError(opReferenceCheck, "notice_type_select_failed", err)
	}
	if count == 0 {
		return newServiceError(opReferenceCheck, "unknown_notice_type",
			fmt.Errorf("%w: notice type %d does not exist", ErrReference, noticeType.ID))
	}
	if r.directory == nil {
		return nil
	}
	recipients, err := r.directory.Recipients(ctx, []UserID{user})
	if err != nil {
		logError(r.logger, opReferenceCheck, "directory_failed", err, zap.Int64("user_id", user.Int64()))
		return newServiceError(opReferenceCheck, "directory_failed", err)
	}
	if len(recipients) == 0 {
		return newServiceError(opReferenceCheck, "unknown_user",
			fmt.Errorf("%w: %w: user %d", ErrReference, ErrUnknownUser, user))
	}
	return nil
}

func tupleFields(user UserID, noticeType NoticeType, mediumID int, scope *EntityRef) []zap.Field {
	fields := []zap.Field{
		zap.Int64("user_id", user.Int64()),
		zap.String("label", noticeType.Label),
		zap.Int("medium", mediumID),
	}
	if scope != nil {
		fields = append(fields, zap.String("scope", scope.String()))
	}
	return fields
}

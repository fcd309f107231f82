package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

var (
	// ErrInvalidProfile indicates the profile input could not be stored.
	ErrInvalidProfile = errors.New("users: invalid profile")
	// ErrProfileNotFound indicates no profile exists for the identifier.
	ErrProfileNotFound = errors.New("users: profile not found")
)

// ServiceConfig describes the dependencies required for recipient resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service stores recipient profiles and serves them to the notification engine as
// its recipient directory and language store.
type Service struct {
	db        *gorm.DB
	now       func() time.Time
	languages sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:        cfg.Database,
		now:       clock,
		languages: sync.Map{},
	}, nil
}

// ProfileInput is the desired state of a profile. Empty fields leave stored values untouched.
type ProfileInput struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
	PushKey     string `json:"push_key"`
}

// Upsert creates the profile or updates the fields that changed.
func (s *Service) Upsert(ctx context.Context, input ProfileInput) (Profile, error) {
	if input.ID < 0 {
		return Profile{}, fmt.Errorf("%w: negative id %d", ErrInvalidProfile, input.ID)
	}
	languageTag := ""
	if raw := normalize(input.Language); raw != "" {
		tag, err := language.Parse(raw)
		if err != nil {
			return Profile{}, fmt.Errorf("%w: language %q: %v", ErrInvalidProfile, raw, err)
		}
		languageTag = tag.String()
	}

	var profile Profile
	err := gorm.ErrRecordNotFound
	if input.ID > 0 {
		err = s.db.WithContext(ctx).Where("id = ?", input.ID).First(&profile).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			ID:          input.ID,
			Email:       normalize(input.Email),
			DisplayName: normalize(input.DisplayName),
			Language:    languageTag,
			PushKey:     normalize(input.PushKey),
			CreatedAt:   s.now(),
			UpdatedAt:   s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return Profile{}, err
		}
		return profile, nil
	} else if err != nil {
		return Profile{}, err
	}

	updates := map[string]interface{}{}
	if email := normalize(input.Email); email != "" && email != profile.Email {
		updates["email"] = email
		profile.Email = email
	}
	if display := normalize(input.DisplayName); display != "" && display != profile.DisplayName {
		updates["display_name"] = display
		profile.DisplayName = display
	}
	if languageTag != "" && languageTag != profile.Language {
		updates["language"] = languageTag
		profile.Language = languageTag
	}
	if pushKey := normalize(input.PushKey); pushKey != "" && pushKey != profile.PushKey {
		updates["push_key"] = pushKey
		profile.PushKey = pushKey
	}
	if len(updates) > 0 {
		updates["updated_at"] = s.now()
		if err := s.db.WithContext(ctx).Model(&Profile{}).
			Where("id = ?", profile.ID).
			Updates(updates).
			Error; err != nil {
			return Profile{}, err
		}
		s.languages.Delete(profile.ID)
	}
	return profile, nil
}

// Get returns a single profile.
func (s *Service) Get(ctx context.Context, id notices.UserID) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("id = ?", id.Int64()).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, fmt.Errorf("%w: %d", ErrProfileNotFound, id)
	}
	return profile, err
}

// Recipients resolves identifiers to recipients in request order, skipping unknown ones.
func (s *Service) Recipients(ctx context.Context, ids []notices.UserID) ([]notices.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]int64, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.Int64())
	}
	var profiles []Profile
	if err := s.db.WithContext(ctx).Where("id IN ?", raw).Find(&profiles).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]Profile, len(profiles))
	for _, profile := range profiles {
		byID[profile.ID] = profile
	}
	recipients := make([]notices.Recipient, 0, len(profiles))
	for _, id := range raw {
		profile, ok := byID[id]
		if !ok {
			continue
		}
		recipients = append(recipients, profile.Recipient())
	}
	return recipients, nil
}

// LookupLanguage returns the stored language of the user, or
// notices.ErrLanguageUnavailable when none is recorded.
func (s *Service) LookupLanguage(ctx context.Context, id notices.UserID) (language.Tag, error) {
	if cached, ok := s.languages.Load(id.Int64()); ok {
		if tag, ok := cached.(language.Tag); ok {
			return tag, nil
		}
	}
	var profile Profile
	err := s.db.WithContext(ctx).Select("id", "language").Where("id = ?", id.Int64()).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return language.Und, fmt.Errorf("%w: no profile for user %d", notices.ErrLanguageUnavailable, id)
	}
	if err != nil {
		return language.Und, err
	}
	if profile.Language == "" {
		return language.Und, fmt.Errorf("%w: user %d has no language", notices.ErrLanguageUnavailable, id)
	}
	tag, err := language.Parse(profile.Language)
	if err != nil {
		return language.Und, fmt.Errorf("%w: stored language %q: %v", notices.ErrLanguageUnavailable, profile.Language, err)
	}
	s.languages.Store(id.Int64(), tag)
	return tag, nil
}

// Recipient converts the profile to the engine's recipient view.
func (p Profile) Recipient() notices.Recipient {
	return notices.Recipient{
		ID:          notices.UserID(p.ID),
		Email:       p.Email,
		DisplayName: p.DisplayName,
		PushKey:     p.PushKey,
	}
}

// Query is a lazy recipient source. Consuming it reads identifiers only.
type Query struct {
	db     *gorm.DB
	scopes []func(*gorm.DB) *gorm.DB
}

// All selects every profile.
func (s *Service) All() Query {
	return Query{db: s.db}
}

// WithEmail narrows the query to profiles with an email address.
func (q Query) WithEmail() Query {
	return q.with(func(db *gorm.DB) *gorm.DB {
		return db.Where("email <> ''")
	})
}

// WithLanguage narrows the query to profiles preferring the language.
func (q Query) WithLanguage(tag language.Tag) Query {
	value := tag.String()
	return q.with(func(db *gorm.DB) *gorm.DB {
		return db.Where("language = ?", value)
	})
}

// WithIDs narrows the query to the listed identifiers.
func (q Query) WithIDs(ids ...int64) Query {
	return q.with(func(db *gorm.DB) *gorm.DB {
		return db.Where("id IN ?", ids)
	})
}

func (q Query) with(scope func(*gorm.DB) *gorm.DB) Query {
	scopes := make([]func(*gorm.DB) *gorm.DB, 0, len(q.scopes)+1)
	scopes = append(scopes, q.scopes...)
	scopes = append(scopes, scope)
	return Query{db: q.db, scopes: scopes}
}

// RecipientIDs implements notices.RecipientSource.
func (q Query) RecipientIDs(ctx context.Context) ([]notices.UserID, error) {
	var raw []int64
	if err := q.db.WithContext(ctx).
		Model(&Profile{}).
		Scopes(q.scopes...).
		Order("id ASC").
		Pluck("id", &raw).Error; err != nil {
		return nil, err
	}
	ids := make([]notices.UserID, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, notices.UserID(id))
	}
	return ids, nil
}

var (
	_ notices.RecipientDirectory = (*Service)(nil)
	_ notices.LanguageStore      = (*Service)(nil)
	_ notices.RecipientSource    = Query{}
)

package notices

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxLabelLength       = 40
	maxDisplayLength     = 50
	maxDescriptionLength = 100
	maxEntityKindLength  = 64
)

var (
	// ErrInvalidUserID indicates that a user identifier is not positive.
	ErrInvalidUserID = errors.New("notices: invalid user id")
	// ErrUnknownUser indicates that a positive user identifier has no recipient behind it.
	ErrUnknownUser = errors.New("notices: unknown user")
	// ErrInvalidLabel indicates that a notice type label is empty or exceeds storage bounds.
	ErrInvalidLabel = errors.New("notices: invalid notice type label")
	// ErrInvalidEntityRef indicates that a scoping or sender reference is malformed.
	ErrInvalidEntityRef = errors.New("notices: invalid entity reference")
)

// UserID identifies a recipient by its stable numeric identifier.
type UserID int64

// NewUserID validates raw input and returns a UserID.
func NewUserID(value int64) (UserID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidUserID, value)
	}
	return UserID(value), nil
}

// Int64 exposes the raw identifier.
func (id UserID) Int64() int64 {
	return int64(id)
}

// Label is a validated notice type label.
type Label string

// NewLabel trims and validates raw input.
func NewLabel(rawInput string) (Label, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLabel)
	}
	if len(trimmed) > maxLabelLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidLabel, maxLabelLength)
	}
	return Label(trimmed), nil
}

// String returns the underlying label.
func (l Label) String() string {
	return string(l)
}

// EntityRef is a weak, type-erased reference to an entity of any kind. It is used
// for the optional scoping entity of a setting and for the opaque notice sender.
type EntityRef struct {
	Kind string `cbor:"1,keyasint" json:"kind"`
	ID   int64  `cbor:"2,keyasint" json:"id"`
}

// NewEntityRef validates the kind tag and identifier.
func NewEntityRef(kind string, id int64) (EntityRef, error) {
	trimmed := strings.TrimSpace(kind)
	if trimmed == "" {
		return EntityRef{}, fmt.Errorf("%w: empty kind", ErrInvalidEntityRef)
	}
	if len(trimmed) > maxEntityKindLength {
		return EntityRef{}, fmt.Errorf("%w: kind exceeds %d characters", ErrInvalidEntityRef, maxEntityKindLength)
	}
	if id <= 0 {
		return EntityRef{}, fmt.Errorf("%w: id %d", ErrInvalidEntityRef, id)
	}
	return EntityRef{Kind: trimmed, ID: id}, nil
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// scopeColumns maps an optional scope onto its storage columns. The absence of a
// scope is stored as an empty kind with id 0 so the composite unique index also covers unscoped rows.
func scopeColumns(scope *EntityRef) (string, int64) {
	if scope == nil {
		return "", 0
	}
	return scope.Kind, scope.ID
}

func validateScope(scope *EntityRef) error {
	if scope == nil {
		return nil
	}
	_, err := NewEntityRef(scope.Kind, scope.ID)
	return err
}

// Recipient is the delivery-facing view of a user.
type Recipient struct {
	ID          UserID
	Email       string
	DisplayName string
	PushKey     string
}

// NoticeType is a named notification kind.
type NoticeType struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Label       string    `gorm:"column:label;size:40;not null;uniqueIndex:idx_notice_types_label"`
	Display     string    `gorm:"column:display;size:50;not null"`
	Description string    `gorm:"column:description;size:100;not null"`
	Default     int       `gorm:"column:default_sensitivity;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (NoticeType) TableName() string {
	return "notice_types"
}

// NoticeSetting records whether a user wants a notice type delivered through a medium,
// optionally narrowed to a scoping entity.
type NoticeSetting struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       int64     `gorm:"column:user_id;not null;uniqueIndex:idx_notice_settings_tuple,priority:1"`
	NoticeTypeID int64     `gorm:"column:notice_type_id;not null;uniqueIndex:idx_notice_settings_tuple,priority:2"`
	Medium       int       `gorm:"column:medium;not null;uniqueIndex:idx_notice_settings_tuple,priority:3"`
	ScopeKind    string    `gorm:"column:scope_kind;size:64;not null;uniqueIndex:idx_notice_settings_tuple,priority:4;index:idx_notice_settings_scope,priority:1"`
	ScopeID      int64     `gorm:"column:scope_id;not null;uniqueIndex:idx_notice_settings_tuple,priority:5;index:idx_notice_settings_scope,priority:2"`
	Send         bool      `gorm:"column:send;not null"`
	Key          string    `gorm:"column:unsubscribe_key;size:36;not null;uniqueIndex:idx_notice_settings_key"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (NoticeSetting) TableName() string {
	return "notice_settings"
}

// Scope returns the scoping reference of the setting, or nil when unscoped.
func (s NoticeSetting) Scope() *EntityRef {
	if s.ScopeKind == "" {
		return nil
	}
	return &EntityRef{Kind: s.ScopeKind, ID: s.ScopeID}
}

// NoticeQueueBatch holds one encoded payload of deferred notices.
type NoticeQueueBatch struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Payload   string    `gorm:"column:payload;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index:idx_notice_queue_created"`
}

// TableName provides the explicit table binding for GORM.
func (NoticeQueueBatch) TableName() string {
	return "notice_queue_batches"
}

// NoticeStat is an append-only record of one successful backend delivery.
type NoticeStat struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       int64     `gorm:"column:user_id;not null;index:idx_notice_stats_user"`
	NoticeTypeID int64     `gorm:"column:notice_type_id;not null;index:idx_notice_stats_type"`
	Medium       int       `gorm:"column:medium;not null;index:idx_notice_stats_when_medium,priority:2"`
	When         time.Time `gorm:"column:delivered_at;not null;index:idx_notice_stats_when_medium,priority:1"`
}

// TableName provides the explicit table binding for GORM.
func (NoticeStat) TableName() string {
	return "notice_stats"
}

// Models lists every persisted model of the package for schema migration.
func Models() []any {
	return []any{&NoticeType{}, &NoticeSetting{}, &NoticeQueueBatch{}, &NoticeStat{}}
}

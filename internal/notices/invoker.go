package notices

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/text/language"
)

// Backend delivers notices through one medium. Backends are listed once at startup
// and invoked in that order; every backend that can send fires.
type Backend interface {
	Name() string
	MediumID() int
	CanSend(ctx context.Context, recipient Recipient, noticeType NoticeType, scope *EntityRef) (bool, error)
	Deliver(ctx context.Context, delivery Delivery) error
}

// Delivery is everything a backend needs to render and send one notice. Locale is
// resolved per recipient and passed explicitly.
type Delivery struct {
	Recipient  Recipient
	Sender     *EntityRef
	NoticeType NoticeType
	Context    map[string]any
	Scope      *EntityRef
	Locale     language.Tag
}

// NoticeTypeLookup resolves labels to notice types.
type NoticeTypeLookup interface {
	Lookup(ctx context.Context, label string) (NoticeType, error)
}

// StatsWriter appends delivery statistics.
type StatsWriter interface {
	Record(ctx context.Context, user UserID, noticeType NoticeType, mediumID int) error
}

type InvokerConfig struct {
	Catalog       NoticeTypeLookup
	Backends      []Backend
	Mediums       *MediumRegistry
	Languages     LanguageStore
	Stats         StatsWriter
	StatsEnabled  bool
	DefaultLocale language.Tag
	Logger        *zap.Logger
}

// Invoker runs the immediate delivery path.
type Invoker struct {
	catalog       NoticeTypeLookup
	backends      []Backend
	languages     LanguageStore
	stats         StatsWriter
	statsEnabled  bool
	defaultLocale language.Tag
	logger        *zap.Logger
}

func NewInvoker(cfg InvokerConfig) (*Invoker, error) {
	if cfg.Catalog == nil {
		return nil, newServiceError(opInvokerNew, "missing_catalog", errMissingCatalog)
	}
	seen := make(map[string]struct{}, len(cfg.Backends))
	for index, backend := range cfg.Backends {
		if backend == nil {
			return nil, newServiceError(opInvokerNew, "nil_backend", fmt.Errorf("%w: backend %d is nil", ErrConfiguration, index))
		}
		if _, duplicate := seen[backend.Name()]; duplicate {
			return nil, newServiceError(opInvokerNew, "duplicate_backend", fmt.Errorf("%w: backend %s listed twice", ErrConfiguration, backend.Name()))
		}
		seen[backend.Name()] = struct{}{}
		if cfg.Mediums == nil {
			continue
		}
		if _, ok := cfg.Mediums.Lookup(backend.MediumID()); !ok {
			return nil, newServiceError(opInvokerNew, "unknown_medium",
				fmt.Errorf("%w: backend %s delivers through medium %d which is not configured", ErrConfiguration, backend.Name(), backend.MediumID()))
		}
	}
	if cfg.StatsEnabled && cfg.Stats == nil {
		return nil, newServiceError(opInvokerNew, "missing_stats", fmt.Errorf("%w: stats enabled without a recorder", ErrConfiguration))
	}
	defaultLocale := cfg.DefaultLocale
	if defaultLocale == language.Und {
		defaultLocale = language.English
	}
	backends := make([]Backend, len(cfg.Backends))
	copy(backends, cfg.Backends)
	return &Invoker{
		catalog:       cfg.Catalog,
		backends:      backends,
		languages:     cfg.Languages,
		stats:         cfg.Stats,
		statsEnabled:  cfg.StatsEnabled,
		defaultLocale: defaultLocale,
		logger:        loggerOrDefault(cfg.Logger),
	}, nil
}

// DeliveryOutcome is one successful (recipient, backend) delivery.
type DeliveryOutcome struct {
	RecipientID UserID
	Backend     string
	MediumID    int
	Locale      language.Tag
}

// RecipientFailure is one failed step for a recipient. Backend is empty when the
// failure concerns the recipient as a whole.
type RecipientFailure struct {
	RecipientID UserID
	Backend     string
	Err         error
}

// DeliveryReport summarizes a DeliverNow call.
type DeliveryReport struct {
	Sent       bool
	Deliveries []DeliveryOutcome
	Failures   []RecipientFailure
}

// Err joins every per-recipient failure, or returns nil when there were none.
func (r DeliveryReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, failure := range r.Failures {
		errs = append(errs, failure.Err)
	}
	return errors.Join(errs...)
}

func (r *DeliveryReport) merge(other DeliveryReport) {
	r.Sent = r.Sent || other.Sent
	r.Deliveries = append(r.Deliveries, other.Deliveries...)
	r.Failures = append(r.Failures, other.Failures...)
}

// DeliverNow sends the notice to every recipient through every capable backend.
// Only an unknown label fails the call; per-recipient and per-backend failures are
// collected in the report.
func (i *Invoker) DeliverNow(ctx context.Context, recipients []Recipient, label string, extra map[string]any, sender, scope *EntityRef) (DeliveryReport, error) {
	noticeType, err := i.catalog.Lookup(ctx, label)
	if err != nil {
		return DeliveryReport{}, err
	}
	return i.Deliver(ctx, recipients, noticeType, extra, sender, scope), nil
}

// Deliver is DeliverNow for an already resolved notice type.
func (i *Invoker) Deliver(ctx context.Context, recipients []Recipient, noticeType NoticeType, extra map[string]any, sender, scope *EntityRef) DeliveryReport {
	if extra == nil {
		extra = map[string]any{}
	}
	report := DeliveryReport{}
	for _, recipient := range recipients {
		if recipient.ID <= 0 {
			err := newServiceError(opDeliverNow, "invalid_recipient", fmt.Errorf("%w: %w", ErrReference, ErrInvalidUserID))
			report.Failures = append(report.Failures, RecipientFailure{RecipientID: recipient.ID, Err: err})
			continue
		}
		locale := i.localeFor(ctx, recipient.ID)
		delivery := Delivery{
			Recipient:  recipient,
			Sender:     sender,
			NoticeType: noticeType,
			Context:    extra,
			Scope:      scope,
			Locale:     locale,
		}
		for _, backend := range i.backends {
			canSend, err := backend.CanSend(ctx, recipient, noticeType, scope)
			if err != nil {
				logError(i.logger, opBackendCanSend, "can_send_failed", err,
					zap.String("backend", backend.Name()),
					zap.Int64("user_id", recipient.ID.Int64()),
					zap.String("label", noticeType.Label))
				report.Failures = append(report.Failures, RecipientFailure{RecipientID: recipient.ID, Backend: backend.Name(), Err: err})
				if recipientUnresolvable(err) {
					break
				}
				continue
			}
			if !canSend {
				continue
			}
			if err := i.invoke(ctx, backend, delivery); err != nil {
				logError(i.logger, opBackendDeliver, "deliver_failed", err,
					zap.String("backend", backend.Name()),
					zap.Int64("user_id", recipient.ID.Int64()),
					zap.String("label", noticeType.Label))
				report.Failures = append(report.Failures, RecipientFailure{RecipientID: recipient.ID, Backend: backend.Name(), Err: err})
				continue
			}
			report.Sent = true
			report.Deliveries = append(report.Deliveries, DeliveryOutcome{
				RecipientID: recipient.ID,
				Backend:     backend.Name(),
				MediumID:    backend.MediumID(),
				Locale:      locale,
			})
			if i.statsEnabled {
				if err := i.stats.Record(ctx, recipient.ID, noticeType, backend.MediumID()); err != nil {
					i.logger.Warn("notice stat not recorded",
						zap.String("backend", backend.Name()),
						zap.Int64("user_id", recipient.ID.Int64()),
						zap.String("label", noticeType.Label),
						zap.Error(err))
				}
			}
		}
	}
	return report
}

// invoke shields the loop from a panicking backend; the panic counts as that
// backend's delivery failure.
func (i *Invoker) invoke(ctx context.Context, backend Backend, delivery Delivery) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = newServiceError(opBackendDeliver, "panic", fmt.Errorf("%w: %s panicked: %v", ErrBackendDelivery, backend.Name(), recovered))
		}
	}()
	if deliverErr := backend.Deliver(ctx, delivery); deliverErr != nil {
		return newServiceError(opBackendDeliver, "backend_error", fmt.Errorf("%w: %s: %w", ErrBackendDelivery, backend.Name(), deliverErr))
	}
	return nil
}

func (i *Invoker) localeFor(ctx context.Context, user UserID) language.Tag {
	if i.languages != nil {
		tag, err := i.languages.LookupLanguage(ctx, user)
		switch {
		case err == nil && tag != language.Und:
			return tag
		case err != nil && !errors.Is(err, ErrLanguageUnavailable):
			i.logger.Warn("language lookup failed, using caller locale",
				zap.Int64("user_id", user.Int64()),
				zap.Error(err))
		}
	}
	if tag, ok := LocaleFromContext(ctx); ok {
		return tag
	}
	return i.defaultLocale
}

// recipientUnresolvable reports failures that no other backend can get past. Other
// reference failures, such as an unconfigured medium, belong to one backend only.
func recipientUnresolvable(err error) bool {
	return errors.Is(err, ErrInvalidUserID) || errors.Is(err, ErrUnknownUser)
}

// Backends returns the configured backends in invocation order.
func (i *Invoker) Backends() []Backend {
	out := make([]Backend, len(i.backends))
	copy(out, i.backends)
	return out
}

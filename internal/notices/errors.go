package notices

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrConfiguration marks caller mistakes detected before any side effect, such as
	// conflicting dispatch modes or an unknown notice type label.
	ErrConfiguration = errors.New("notices: configuration error")
	// ErrReference marks an unresolvable user, notice type, medium or scoping reference.
	ErrReference = errors.New("notices: unresolvable reference")
	// ErrLanguageUnavailable reports that no per-user language preference exists.
	ErrLanguageUnavailable = errors.New("notices: language store not available")
	// ErrBackendDelivery wraps a failure raised by a single backend for a single recipient.
	ErrBackendDelivery = errors.New("notices: backend delivery failed")
	// ErrStatWrite wraps a failure to append a delivery statistic.
	ErrStatWrite = errors.New("notices: stat write failed")
	// ErrUnsupportedPayload reports a queue payload that cannot be decoded by this version.
	ErrUnsupportedPayload = errors.New("notices: unsupported queue payload")
	// ErrSettingNotFound reports that no setting matches the supplied unsubscribe key.
	ErrSettingNotFound = errors.New("notices: setting not found")

	errMissingDatabase = errors.New("database handle is required")
	errMissingMediums  = errors.New("medium registry is required")
	errMissingCatalog  = errors.New("notice type catalog is required")
	errMissingInvoker  = errors.New("backend invoker is required")
	errMissingQueue    = errors.New("notice queue is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opCatalogNew       = "notices.catalog.new"
	opCatalogCreate    = "notices.catalog.create"
	opCatalogLookup    = "notices.catalog.lookup"
	opCatalogList      = "notices.catalog.list"
	opSettingsNew      = "notices.settings.new"
	opSettingsResolve  = "notices.settings.resolve"
	opSettingsUpdate   = "notices.settings.update"
	opSettingsKey      = "notices.settings.by_key"
	opSettingsClear    = "notices.settings.clear_scope"
	opSettingsList     = "notices.settings.list"
	opInvokerNew       = "notices.invoker.new"
	opDeliverNow       = "notices.deliver_now"
	opQueueNew         = "notices.queue.new"
	opQueueEnqueue     = "notices.queue.enqueue"
	opQueuePending     = "notices.queue.pending"
	opQueueDelete      = "notices.queue.delete"
	opDispatcherNew    = "notices.dispatcher.new"
	opDispatchSend     = "notices.dispatch.send"
	opDispatchQueue    = "notices.dispatch.queue"
	opDispatchSendNow  = "notices.dispatch.send_now"
	opDrainerNew       = "notices.drainer.new"
	opDrainOnce        = "notices.drain.once"
	opStatsNew         = "notices.stats.new"
	opStatsRecord      = "notices.stats.record"
	opStatsSummary     = "notices.stats.summary"
	opCodecEncode      = "notices.codec.encode"
	opCodecDecode      = "notices.codec.decode"
	opMediumRegistry   = "notices.mediums.new"
	opReferenceCheck   = "notices.reference_check"
	opBackendCanSend   = "notices.backend.can_send"
	opBackendDeliver   = "notices.backend.deliver"
	componentLogHeader = "notices service error"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func loggerOrDefault(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return noOpLogger
	}
	return logger
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	loggerOrDefault(logger).Error(componentLogHeader, attrs...)
}

package notices

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Mode is the delivery path chosen for a send.
type Mode int

const (
	ModeAuto Mode = iota
	ModeQueue
	ModeNow
)

func (m Mode) String() string {
	switch m {
	case ModeQueue:
		return "queue"
	case ModeNow:
		return "now"
	default:
		return "auto"
	}
}

// Request is one notification addressed to many recipients.
type Request struct {
	Recipients RecipientSource
	Label      string
	Context    map[string]any
	Sender     *EntityRef
	Scope      *EntityRef
}

// SendOptions overrides the process-wide queueing policy for a single call.
type SendOptions struct {
	Queue bool
	Now   bool
}

// DispatchResult reports which path ran and what it produced.
type DispatchResult struct {
	Mode   Mode
	Batch  *NoticeQueueBatch
	Report DeliveryReport
}

type DispatcherConfig struct {
	Catalog   NoticeTypeLookup
	Invoker   *Invoker
	Queue     *Queue
	Directory RecipientDirectory
	QueueAll  bool
	Logger    *zap.Logger
}

// Dispatcher is the single branching point between queued and immediate delivery.
type Dispatcher struct {
	catalog   NoticeTypeLookup
	invoker   *Invoker
	queue     *Queue
	directory RecipientDirectory
	queueAll  bool
	logger    *zap.Logger
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Catalog == nil {
		return nil, newServiceError(opDispatcherNew, "missing_catalog", errMissingCatalog)
	}
	if cfg.Invoker == nil {
		return nil, newServiceError(opDispatcherNew, "missing_invoker", errMissingInvoker)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opDispatcherNew, "missing_queue", errMissingQueue)
	}
	return &Dispatcher{
		catalog:   cfg.Catalog,
		invoker:   cfg.Invoker,
		queue:     cfg.Queue,
		directory: cfg.Directory,
		queueAll:  cfg.QueueAll,
		logger:    loggerOrDefault(cfg.Logger),
	}, nil
}

// SelectMode applies per-call overrides on top of the queue-all policy.
func SelectMode(options SendOptions, queueAll bool) (Mode, error) {
	switch {
	case options.Queue && options.Now:
		return ModeAuto, fmt.Errorf("%w: queue and now cannot both be set", ErrConfiguration)
	case options.Queue:
		return ModeQueue, nil
	case options.Now:
		return ModeNow, nil
	case queueAll:
		return ModeQueue, nil
	default:
		return ModeNow, nil
	}
}

// Send routes the request to the queue or to immediate delivery. Conflicting
// overrides and unknown labels fail before anything is written or delivered.
func (d *Dispatcher) Send(ctx context.Context, request Request, options SendOptions) (DispatchResult, error) {
	mode, err := SelectMode(options, d.queueAll)
	if err != nil {
		return DispatchResult{}, newServiceError(opDispatchSend, "conflicting_modes", err)
	}
	if mode == ModeQueue {
		return d.enqueue(ctx, opDispatchSend, request)
	}
	return d.sendNow(ctx, opDispatchSend, request)
}

// Queue always defers delivery.
func (d *Dispatcher) Queue(ctx context.Context, request Request) (DispatchResult, error) {
	return d.enqueue(ctx, opDispatchQueue, request)
}

// SendNow always delivers immediately.
func (d *Dispatcher) SendNow(ctx context.Context, request Request) (DispatchResult, error) {
	return d.sendNow(ctx, opDispatchSendNow, request)
}

func (d *Dispatcher) enqueue(ctx context.Context, operation string, request Request) (DispatchResult, error) {
	noticeType, err := d.validate(ctx, operation, request)
	if err != nil {
		return DispatchResult{}, err
	}
	batch, err := d.queue.Enqueue(ctx, request.Recipients, noticeType.Label, request.Context, request.Sender, request.Scope)
	if err != nil {
		return DispatchResult{}, err
	}
	return DispatchResult{Mode: ModeQueue, Batch: &batch}, nil
}

func (d *Dispatcher) sendNow(ctx context.Context, operation string, request Request) (DispatchResult, error) {
	noticeType, err := d.validate(ctx, operation, request)
	if err != nil {
		return DispatchResult{}, err
	}
	recipients, missing, err := d.materialize(ctx, operation, request.Recipients)
	if err != nil {
		return DispatchResult{}, err
	}
	report := d.invoker.Deliver(ctx, recipients, noticeType, request.Context, request.Sender, request.Scope)
	for _, id := range missing {
		report.Failures = append(report.Failures, RecipientFailure{
			RecipientID: id,
			Err:         newServiceError(operation, "unknown_recipient", fmt.Errorf("%w: %w: user %d", ErrReference, ErrUnknownUser, id)),
		})
	}
	return DispatchResult{Mode: ModeNow, Report: report}, nil
}

func (d *Dispatcher) validate(ctx context.Context, operation string, request Request) (NoticeType, error) {
	if request.Recipients == nil {
		return NoticeType{}, newServiceError(operation, "missing_recipients", fmt.Errorf("%w: recipients are required", ErrConfiguration))
	}
	if err := validateScope(request.Scope); err != nil {
		return NoticeType{}, newServiceError(operation, "invalid_scope", fmt.Errorf("%w: %v", ErrConfiguration, err))
	}
	if err := validateScope(request.Sender); err != nil {
		return NoticeType{}, newServiceError(operation, "invalid_sender", fmt.Errorf("%w: %v", ErrConfiguration, err))
	}
	return d.catalog.Lookup(ctx, request.Label)
}

// materialize turns the source into recipients. Materialized lists are used as
// given; anything else is resolved through the directory, and identifiers the
// directory does not know are returned as missing. A non-positive identifier fails
// the whole call, as it does when queueing.
func (d *Dispatcher) materialize(ctx context.Context, operation string, source RecipientSource) ([]Recipient, []UserID, error) {
	ids, err := source.RecipientIDs(ctx)
	if err != nil {
		logError(d.logger, operation, "recipient_ids_failed", err)
		return nil, nil, newServiceError(operation, "recipient_ids_failed", err)
	}
	for _, id := range ids {
		if id <= 0 {
			return nil, nil, newServiceError(operation, "invalid_recipient",
				fmt.Errorf("%w: %w: %d", ErrReference, ErrInvalidUserID, id))
		}
	}
	if list, ok := source.(RecipientList); ok {
		return []Recipient(list), nil, nil
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	if d.directory == nil {
		return nil, nil, newServiceError(operation, "missing_directory",
			fmt.Errorf("%w: recipient identifiers need a directory", ErrConfiguration))
	}
	return resolveRecipients(ctx, d.directory, ids)
}

func resolveRecipients(ctx context.Context, directory RecipientDirectory, ids []UserID) ([]Recipient, []UserID, error) {
	byID, err := recipientIndex(ctx, directory, ids)
	if err != nil {
		return nil, nil, err
	}
	recipients := make([]Recipient, 0, len(ids))
	var missing []UserID
	for _, id := range ids {
		recipient, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		recipients = append(recipients, recipient)
	}
	return recipients, missing, nil
}

func recipientIndex(ctx context.Context, directory RecipientDirectory, ids []UserID) (map[UserID]Recipient, error) {
	found, err := directory.Recipients(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[UserID]Recipient, len(found))
	for _, recipient := range found {
		byID[recipient.ID] = recipient
	}
	return byID, nil
}

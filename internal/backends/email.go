package backends

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"github.com/mrz1836/postmark"
	"go.uber.org/zap"
)

const (
	EmailBackendName = "email"
	PushBackendName  = "push"
	InAppBackendName = "inapp"
)

var (
	// ErrInvalidConfig reports a backend that cannot be constructed from its settings.
	ErrInvalidConfig = errors.New("backends: invalid configuration")
	// ErrSendFailed reports a transport that accepted the request but refused the message.
	ErrSendFailed = errors.New("backends: send failed")
)

// EmailMessage is a plain-text email ready for a transport.
type EmailMessage struct {
	To       string
	Subject  string
	TextBody string
	Tag      string
}

// EmailSender is the transport behind the email backend.
type EmailSender interface {
	SendEmail(ctx context.Context, message EmailMessage) error
}

type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
	// BaseURL overrides the Postmark API endpoint.
	BaseURL string
}

// PostmarkSender sends through the Postmark transactional API.
type PostmarkSender struct {
	client  *postmark.Client
	from    string
	replyTo string
}

func NewPostmarkSender(cfg PostmarkConfig) (*PostmarkSender, error) {
	if strings.TrimSpace(cfg.ServerToken) == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("%w: sender address %q: %v", ErrInvalidConfig, cfg.From, err)
	}
	if cfg.ReplyTo != "" {
		if _, err := mail.ParseAddress(cfg.ReplyTo); err != nil {
			return nil, fmt.Errorf("%w: reply-to address %q: %v", ErrInvalidConfig, cfg.ReplyTo, err)
		}
	}
	client := postmark.NewClient(cfg.ServerToken, cfg.AccountToken)
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &PostmarkSender{client: client, from: cfg.From, replyTo: cfg.ReplyTo}, nil
}

func (s *PostmarkSender) SendEmail(ctx context.Context, message EmailMessage) error {
	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.from,
		To:       message.To,
		Subject:  message.Subject,
		TextBody: message.TextBody,
		Tag:      message.Tag,
		ReplyTo:  s.replyTo,
	})
	if err != nil {
		return err
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("%w: postmark error %d: %s", ErrSendFailed, resp.ErrorCode, resp.Message)
	}
	return nil
}

// SettingResolver returns the stored setting of a delivery tuple. The email backend
// uses it to embed the unsubscribe key.
type SettingResolver interface {
	notices.SettingLookup
	Resolve(ctx context.Context, user notices.UserID, noticeType notices.NoticeType, mediumID int, scope *notices.EntityRef) (notices.NoticeSetting, error)
}

type EmailConfig struct {
	Sender   EmailSender
	Settings SettingResolver
	Renderer *Renderer
	// UnsubscribeURL is the public prefix the unsubscribe key is appended to. When
	// empty no footer is rendered.
	UnsubscribeURL string
	Logger         *zap.Logger
}

// Email delivers notices to the recipient's address.
type Email struct {
	gate           notices.SettingGate
	sender         EmailSender
	settings       SettingResolver
	renderer       *Renderer
	unsubscribeURL string
	logger         *zap.Logger
}

func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("%w: email sender is required", ErrInvalidConfig)
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("%w: setting resolver is required", ErrInvalidConfig)
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("%w: renderer is required", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Email{
		gate: notices.SettingGate{
			Settings: cfg.Settings,
			MediumID: notices.MediumEmail,
			Reachable: func(recipient notices.Recipient) bool {
				return strings.TrimSpace(recipient.Email) != ""
			},
		},
		sender:         cfg.Sender,
		settings:       cfg.Settings,
		renderer:       cfg.Renderer,
		unsubscribeURL: strings.TrimRight(cfg.UnsubscribeURL, "/"),
		logger:         logger,
	}, nil
}

func (e *Email) Name() string { return EmailBackendName }

func (e *Email) MediumID() int { return notices.MediumEmail }

func (e *Email) CanSend(ctx context.Context, recipient notices.Recipient, noticeType notices.NoticeType, scope *notices.EntityRef) (bool, error) {
	return e.gate.CanSend(ctx, recipient, noticeType, scope)
}

func (e *Email) Deliver(ctx context.Context, delivery notices.Delivery) error {
	rendered, err := e.renderer.Render(delivery)
	if err != nil {
		return err
	}
	body := rendered.Body
	if e.unsubscribeURL != "" {
		setting, err := e.settings.Resolve(ctx, delivery.Recipient.ID, delivery.NoticeType, notices.MediumEmail, delivery.Scope)
		if err != nil {
			return err
		}
		link := e.unsubscribeURL + "/" + setting.Key
		body = strings.TrimRight(body, "\n") + "\n\n" + e.renderer.UnsubscribeLine(delivery.Locale, link) + "\n"
	}
	if err := e.sender.SendEmail(ctx, EmailMessage{
		To:       delivery.Recipient.Email,
		Subject:  rendered.Subject,
		TextBody: body,
		Tag:      delivery.NoticeType.Label,
	}); err != nil {
		return err
	}
	e.logger.Debug("notice emailed",
		zap.Int64("user_id", delivery.Recipient.ID.Int64()),
		zap.String("label", delivery.NoticeType.Label),
		zap.String("locale", delivery.Locale.String()))
	return nil
}

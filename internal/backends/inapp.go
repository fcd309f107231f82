package backends

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/herald/internal/inbox"
	"github.com/MarcoPoloResearchLab/herald/internal/notices"
)

// InboxPoster stores an in-app entry.
type InboxPoster interface {
	Post(ctx context.Context, entry inbox.Entry) (inbox.Entry, error)
}

type InAppConfig struct {
	Inbox    InboxPoster
	Settings notices.SettingLookup
	Renderer *Renderer
}

// InApp writes notices to the recipient's inbox. Every known user is reachable.
type InApp struct {
	gate     notices.SettingGate
	inbox    InboxPoster
	renderer *Renderer
}

func NewInApp(cfg InAppConfig) (*InApp, error) {
	if cfg.Inbox == nil {
		return nil, fmt.Errorf("%w: inbox is required", ErrInvalidConfig)
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("%w: setting lookup is required", ErrInvalidConfig)
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("%w: renderer is required", ErrInvalidConfig)
	}
	return &InApp{
		gate:     notices.SettingGate{Settings: cfg.Settings, MediumID: notices.MediumInApp},
		inbox:    cfg.Inbox,
		renderer: cfg.Renderer,
	}, nil
}

func (b *InApp) Name() string { return InAppBackendName }

func (b *InApp) MediumID() int { return notices.MediumInApp }

func (b *InApp) CanSend(ctx context.Context, recipient notices.Recipient, noticeType notices.NoticeType, scope *notices.EntityRef) (bool, error) {
	return b.gate.CanSend(ctx, recipient, noticeType, scope)
}

func (b *InApp) Deliver(ctx context.Context, delivery notices.Delivery) error {
	rendered, err := b.renderer.Render(delivery)
	if err != nil {
		return err
	}
	_, err = b.inbox.Post(ctx, inbox.Entry{
		UserID:  delivery.Recipient.ID.Int64(),
		Label:   delivery.NoticeType.Label,
		Subject: rendered.Subject,
		Body:    rendered.Body,
		Locale:  delivery.Locale.String(),
	})
	return err
}

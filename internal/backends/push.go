package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"go.uber.org/zap"
)

const defaultPushTimeout = 10 * time.Second

// PushMessage is the body posted to the gateway for one device.
type PushMessage struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Group string `json:"group,omitempty"`
}

// GatewayResponse models the gateway's standard reply.
type GatewayResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// PushGateway is a thin client for a device push gateway that accepts
// POST /<device key> with a JSON message.
type PushGateway struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

func NewPushGateway(rawURL, token string, timeout time.Duration) (*PushGateway, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: push gateway url is required", ErrInvalidConfig)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: push gateway url: %v", ErrInvalidConfig, err)
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("%w: push gateway url must include scheme", ErrInvalidConfig)
	}
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return &PushGateway{
		baseURL: parsed,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Push posts the message to the device.
func (g *PushGateway) Push(ctx context.Context, deviceKey string, message PushMessage) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.resolve("/"+url.PathEscape(deviceKey)), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("API-TOKEN", g.token)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: push http status %s", ErrSendFailed, resp.Status)
	}
	var payload GatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	if payload.Code != 0 && payload.Code != http.StatusOK {
		return fmt.Errorf("%w: push gateway code %d: %s", ErrSendFailed, payload.Code, payload.Message)
	}
	return nil
}

func (g *PushGateway) resolve(p string) string {
	u := *g.baseURL
	u.Path = path.Join(g.baseURL.Path, p)
	return u.String()
}

// Pusher is the transport behind the push backend.
type Pusher interface {
	Push(ctx context.Context, deviceKey string, message PushMessage) error
}

type PushConfig struct {
	Gateway  Pusher
	Settings notices.SettingLookup
	Renderer *Renderer
	Logger   *zap.Logger
}

// Push delivers a short notice to the recipient's registered device.
type Push struct {
	gate     notices.SettingGate
	gateway  Pusher
	renderer *Renderer
	logger   *zap.Logger
}

func NewPush(cfg PushConfig) (*Push, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("%w: push gateway is required", ErrInvalidConfig)
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("%w: setting lookup is required", ErrInvalidConfig)
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("%w: renderer is required", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Push{
		gate: notices.SettingGate{
			Settings: cfg.Settings,
			MediumID: notices.MediumPush,
			Reachable: func(recipient notices.Recipient) bool {
				return strings.TrimSpace(recipient.PushKey) != ""
			},
		},
		gateway:  cfg.Gateway,
		renderer: cfg.Renderer,
		logger:   logger,
	}, nil
}

func (p *Push) Name() string { return PushBackendName }

func (p *Push) MediumID() int { return notices.MediumPush }

func (p *Push) CanSend(ctx context.Context, recipient notices.Recipient, noticeType notices.NoticeType, scope *notices.EntityRef) (bool, error) {
	return p.gate.CanSend(ctx, recipient, noticeType, scope)
}

// Deliver pushes the localized subject only; the body stays on the other mediums.
func (p *Push) Deliver(ctx context.Context, delivery notices.Delivery) error {
	rendered, err := p.renderer.Render(delivery)
	if err != nil {
		return err
	}
	if err := p.gateway.Push(ctx, delivery.Recipient.PushKey, PushMessage{
		Title: rendered.Subject,
		Body:  delivery.NoticeType.Description,
		Group: delivery.NoticeType.Label,
	}); err != nil {
		return err
	}
	p.logger.Debug("notice pushed",
		zap.Int64("user_id", delivery.Recipient.ID.Int64()),
		zap.String("label", delivery.NoticeType.Label))
	return nil
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, deviceKey string, message PushMessage) error

func (f PusherFunc) Push(ctx context.Context, deviceKey string, message PushMessage) error {
	return f(ctx, deviceKey, message)
}

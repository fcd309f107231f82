package backends

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"go.uber.org/zap"
)

// Dependencies carries what the built-in backends may need. Only the backends that
// are actually listed require their transports.
type Dependencies struct {
	Settings       SettingResolver
	Renderer       *Renderer
	EmailSender    EmailSender
	UnsubscribeURL string
	PushGateway    Pusher
	Inbox          InboxPoster
	Logger         *zap.Logger
}

// Build constructs the named backends in the given order. Unknown and repeated
// names are rejected.
func Build(names []string, deps Dependencies) ([]notices.Backend, error) {
	built := make([]notices.Backend, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if _, duplicate := seen[name]; duplicate {
			return nil, fmt.Errorf("%w: backend %q listed twice", ErrInvalidConfig, name)
		}
		seen[name] = struct{}{}

		var (
			backend notices.Backend
			err     error
		)
		switch name {
		case EmailBackendName:
			backend, err = NewEmail(EmailConfig{
				Sender:         deps.EmailSender,
				Settings:       deps.Settings,
				Renderer:       deps.Renderer,
				UnsubscribeURL: deps.UnsubscribeURL,
				Logger:         deps.Logger,
			})
		case PushBackendName:
			backend, err = NewPush(PushConfig{
				Gateway:  deps.PushGateway,
				Settings: deps.Settings,
				Renderer: deps.Renderer,
				Logger:   deps.Logger,
			})
		case InAppBackendName:
			backend, err = NewInApp(InAppConfig{
				Inbox:    deps.Inbox,
				Settings: deps.Settings,
				Renderer: deps.Renderer,
			})
		default:
			return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, raw)
		}
		if err != nil {
			return nil, err
		}
		built = append(built, backend)
	}
	return built, nil
}

package backends

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	keySubject     = "notice.subject"
	keyGreeting    = "notice.greeting"
	keyUnsubscribe = "notice.unsubscribe"
)

// builtinStrings are the localized fragments wrapped around every rendered notice.
var builtinStrings = map[language.Tag]map[string]string{
	language.English: {
		keySubject:     "New notice: %s",
		keyGreeting:    "Hello %s,",
		keyUnsubscribe: "To stop receiving these messages, visit %s",
	},
	language.French: {
		keySubject:     "Nouvelle notification : %s",
		keyGreeting:    "Bonjour %s,",
		keyUnsubscribe: "Pour ne plus recevoir ces messages, rendez-vous sur %s",
	},
	language.German: {
		keySubject:     "Neue Benachrichtigung: %s",
		keyGreeting:    "Hallo %s,",
		keyUnsubscribe: "Um diese Nachrichten abzubestellen, besuchen Sie %s",
	},
	language.Spanish: {
		keySubject:     "Nueva notificación: %s",
		keyGreeting:    "Hola %s,",
		keyUnsubscribe: "Para dejar de recibir estos mensajes, visite %s",
	},
}

const defaultBodyTemplate = `{{.Greeting}}

{{if .Notice.Description}}{{.Notice.Description}}
{{end}}{{range .Fields}}{{.Key}}: {{.Value}}
{{end}}`

// Message is a rendered notice.
type Message struct {
	Subject string
	Body    string
}

type RendererConfig struct {
	Fallback language.Tag
	// Templates maps notice type labels to text/template bodies.
	Templates map[string]string
}

// Renderer turns deliveries into localized text.
type Renderer struct {
	catalog   *catalog.Builder
	fallback  language.Tag
	supported []language.Tag
	matcher   language.Matcher
	templates map[string]*template.Template
	standard  *template.Template
}

func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	fallback := closestBuiltin(cfg.Fallback)
	supported := []language.Tag{fallback}
	for tag := range builtinStrings {
		if tag != fallback {
			supported = append(supported, tag)
		}
	}
	sort.Slice(supported[1:], func(i, j int) bool {
		return supported[1+i].String() < supported[1+j].String()
	})
	builder := catalog.NewBuilder(catalog.Fallback(fallback))
	for tag, entries := range builtinStrings {
		for key, text := range entries {
			if err := builder.SetString(tag, key, text); err != nil {
				return nil, fmt.Errorf("backends: catalog entry %s/%s: %w", tag, key, err)
			}
		}
	}
	standard, err := template.New("default").Option("missingkey=zero").Parse(defaultBodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("backends: default template: %w", err)
	}
	templates := make(map[string]*template.Template, len(cfg.Templates))
	for label, text := range cfg.Templates {
		parsed, err := template.New(label).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("backends: template for %s: %w", label, err)
		}
		templates[label] = parsed
	}
	return &Renderer{
		catalog:   builder,
		fallback:  fallback,
		supported: supported,
		matcher:   language.NewMatcher(supported),
		templates: templates,
		standard:  standard,
	}, nil
}

// Field is one context entry in render order.
type Field struct {
	Key   string
	Value any
}

type renderData struct {
	Greeting  string
	Recipient notices.Recipient
	Notice    notices.NoticeType
	Context   map[string]any
	Fields    []Field
	Sender    *notices.EntityRef
	Scope     *notices.EntityRef
	Locale    string
}

// Render produces the subject and body of the delivery in the delivery's locale.
func (r *Renderer) Render(delivery notices.Delivery) (Message, error) {
	printer := r.printer(delivery.Locale)
	title := delivery.NoticeType.Display
	if title == "" {
		title = delivery.NoticeType.Label
	}
	name := delivery.Recipient.DisplayName
	if name == "" {
		name = delivery.Recipient.Email
	}

	fields := make([]Field, 0, len(delivery.Context))
	for key, value := range delivery.Context {
		fields = append(fields, Field{Key: key, Value: value})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })

	tmpl, ok := r.templates[delivery.NoticeType.Label]
	if !ok {
		tmpl = r.standard
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, renderData{
		Greeting:  strings.TrimSpace(printer.Sprintf(keyGreeting, name)),
		Recipient: delivery.Recipient,
		Notice:    delivery.NoticeType,
		Context:   delivery.Context,
		Fields:    fields,
		Sender:    delivery.Sender,
		Scope:     delivery.Scope,
		Locale:    r.localeOf(delivery.Locale).String(),
	}); err != nil {
		return Message{}, fmt.Errorf("backends: render %s: %w", delivery.NoticeType.Label, err)
	}
	return Message{
		Subject: printer.Sprintf(keySubject, title),
		Body:    body.String(),
	}, nil
}

// UnsubscribeLine renders the localized opt-out footer for link.
func (r *Renderer) UnsubscribeLine(locale language.Tag, link string) string {
	return r.printer(locale).Sprintf(keyUnsubscribe, link)
}

func (r *Renderer) printer(locale language.Tag) *message.Printer {
	return message.NewPrinter(r.localeOf(locale), message.Catalog(r.catalog))
}

// localeOf maps the requested locale onto the closest language with strings.
func (r *Renderer) localeOf(locale language.Tag) language.Tag {
	if locale == language.Und {
		return r.fallback
	}
	_, index, confidence := r.matcher.Match(locale)
	if confidence == language.No {
		return r.fallback
	}
	return r.supported[index]
}

func closestBuiltin(tag language.Tag) language.Tag {
	if tag == language.Und {
		return language.English
	}
	candidates := []language.Tag{language.English, language.French, language.German, language.Spanish}
	_, index, confidence := language.NewMatcher(candidates).Match(tag)
	if confidence == language.No {
		return language.English
	}
	return candidates[index]
}

package notices

import (
	"context"

	"golang.org/x/text/language"
)

// LanguageStore returns the preferred language of a user. It fails with
// ErrLanguageUnavailable when no preference is recorded or no store exists.
type LanguageStore interface {
	LookupLanguage(ctx context.Context, user UserID) (language.Tag, error)
}

type localeContextKey struct{}

// WithLocale attaches the caller's locale to ctx. Delivery falls back to it when a
// recipient has no stored preference.
func WithLocale(ctx context.Context, tag language.Tag) context.Context {
	return context.WithValue(ctx, localeContextKey{}, tag)
}

// LocaleFromContext returns the caller's locale, if any.
func LocaleFromContext(ctx context.Context) (language.Tag, bool) {
	tag, ok := ctx.Value(localeContextKey{}).(language.Tag)
	if !ok || tag == language.Und {
		return language.Und, false
	}
	return tag, true
}

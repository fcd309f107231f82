package notices

import "github.com/google/uuid"

// KeyProvider issues unsubscribe keys for new settings.
type KeyProvider interface {
	NewKey() (string, error)
}

type uuidKeyProvider struct{}

// NewUUIDKeyProvider constructs a KeyProvider that issues random (version 4) UUIDs.
func NewUUIDKeyProvider() KeyProvider {
	return &uuidKeyProvider{}
}

func (p *uuidKeyProvider) NewKey() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func normalizeKey(raw string) (string, bool) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

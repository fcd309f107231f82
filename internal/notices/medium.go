package notices

import (
	"errors"
	"fmt"
	"strings"
)

// Stable medium identifiers. They are persisted in settings and stats rows and must
// never be renumbered.
const (
	MediumEmail = 1
	MediumPush  = 2
	MediumInApp = 3
)

var errInvalidMedium = errors.New("notices: invalid medium")

// Medium is one delivery channel. Sensitivity decides the default opt-in: a medium is
// enabled by default for a notice type when its sensitivity does not exceed the
// notice type's default.
type Medium struct {
	ID          int    `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Display     string `mapstructure:"display"`
	Sensitivity int    `mapstructure:"sensitivity"`
}

// DefaultMediums returns the built-in medium set.
func DefaultMediums() []Medium {
	return []Medium{
		{ID: MediumEmail, Name: "email", Display: "Email", Sensitivity: 2},
		{ID: MediumPush, Name: "push", Display: "Push", Sensitivity: 3},
		{ID: MediumInApp, Name: "inapp", Display: "In-app", Sensitivity: 1},
	}
}

// MediumRegistry is the closed, ordered set of mediums known to the process.
type MediumRegistry struct {
	ordered []Medium
	byID    map[int]int
	byName  map[string]int
}

// NewMediumRegistry validates the mediums and freezes their order.
func NewMediumRegistry(mediums []Medium) (*MediumRegistry, error) {
	registry := &MediumRegistry{
		ordered: make([]Medium, 0, len(mediums)),
		byID:    make(map[int]int, len(mediums)),
		byName:  make(map[string]int, len(mediums)),
	}
	for _, medium := range mediums {
		name := strings.ToLower(strings.TrimSpace(medium.Name))
		if name == "" {
			return nil, newServiceError(opMediumRegistry, "empty_name", fmt.Errorf("%w: medium %d has no name", errInvalidMedium, medium.ID))
		}
		if medium.ID < 0 {
			return nil, newServiceError(opMediumRegistry, "negative_id", fmt.Errorf("%w: %s has id %d", errInvalidMedium, name, medium.ID))
		}
		if _, exists := registry.byID[medium.ID]; exists {
			return nil, newServiceError(opMediumRegistry, "duplicate_id", fmt.Errorf("%w: id %d declared twice", errInvalidMedium, medium.ID))
		}
		if _, exists := registry.byName[name]; exists {
			return nil, newServiceError(opMediumRegistry, "duplicate_name", fmt.Errorf("%w: name %s declared twice", errInvalidMedium, name))
		}
		medium.Name = name
		if strings.TrimSpace(medium.Display) == "" {
			medium.Display = name
		}
		registry.byID[medium.ID] = len(registry.ordered)
		registry.byName[name] = len(registry.ordered)
		registry.ordered = append(registry.ordered, medium)
	}
	if len(registry.ordered) == 0 {
		return nil, newServiceError(opMediumRegistry, "empty", fmt.Errorf("%w: no mediums configured", errInvalidMedium))
	}
	return registry, nil
}

// All returns the mediums in configuration order.
func (r *MediumRegistry) All() []Medium {
	out := make([]Medium, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Lookup returns the medium registered under id.
func (r *MediumRegistry) Lookup(id int) (Medium, bool) {
	index, ok := r.byID[id]
	if !ok {
		return Medium{}, false
	}
	return r.ordered[index], true
}

// LookupName returns the medium registered under the symbolic name.
func (r *MediumRegistry) LookupName(name string) (Medium, bool) {
	index, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Medium{}, false
	}
	return r.ordered[index], true
}

// EnabledByDefault reports the initial send flag of a fresh setting.
func (m Medium) EnabledByDefault(noticeType NoticeType) bool {
	return m.Sensitivity <= noticeType.Default
}

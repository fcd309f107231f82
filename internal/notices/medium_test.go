package notices

import (
	"errors"
	"testing"
)

func TestMediumRegistryValidation(t *testing.T) {
	testCases := []struct {
		name    string
		mediums []Medium
	}{
		{name: "empty", mediums: nil},
		{name: "duplicate id", mediums: []Medium{{ID: 1, Name: "email"}, {ID: 1, Name: "push"}}},
		{name: "duplicate name", mediums: []Medium{{ID: 1, Name: "email"}, {ID: 2, Name: " EMAIL "}}},
		{name: "missing name", mediums: []Medium{{ID: 1, Name: " "}}},
		{name: "negative id", mediums: []Medium{{ID: -1, Name: "email"}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewMediumRegistry(testCase.mediums); !errors.Is(err, errInvalidMedium) {
				t.Fatalf("expected invalid medium error, got %v", err)
			}
		})
	}
}

func TestMediumRegistryLookups(t *testing.T) {
	registry, err := NewMediumRegistry([]Medium{
		{ID: 7, Name: "Pager", Sensitivity: 3},
		{ID: 0, Name: "email", Display: "Email", Sensitivity: 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all := registry.All()
	if len(all) != 2 || all[0].ID != 7 || all[1].ID != 0 {
		t.Fatalf("expected declaration order, got %+v", all)
	}
	pager, ok := registry.LookupName("PAGER")
	if !ok || pager.Name != "pager" || pager.Display != "pager" {
		t.Fatalf("unexpected pager medium %+v", pager)
	}
	if _, ok := registry.Lookup(99); ok {
		t.Fatalf("expected unknown id to be absent")
	}

	noticeType := NoticeType{Default: 2}
	email, _ := registry.Lookup(0)
	if !email.EnabledByDefault(noticeType) {
		t.Fatalf("expected sensitivity 1 enabled for default 2")
	}
	if pager.EnabledByDefault(noticeType) {
		t.Fatalf("expected sensitivity 3 disabled for default 2")
	}
}

package notices

import "context"

// SettingLookup is the part of SettingResolver a backend needs to gate delivery.
type SettingLookup interface {
	ShouldSend(ctx context.Context, user UserID, noticeType NoticeType, mediumID int, scope *EntityRef) (bool, error)
}

// SettingGate implements Backend.CanSend on top of notice settings. Reachable, when
// set, must also accept the recipient (for instance, an email address is on file).
type SettingGate struct {
	Settings  SettingLookup
	MediumID  int
	Reachable func(Recipient) bool
}

func (g SettingGate) CanSend(ctx context.Context, recipient Recipient, noticeType NoticeType, scope *EntityRef) (bool, error) {
	if g.Reachable != nil && !g.Reachable(recipient) {
		return false, nil
	}
	return g.Settings.ShouldSend(ctx, recipient.ID, noticeType, g.MediumID, scope)
}

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/herald/internal/auth"
	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"github.com/MarcoPoloResearchLab/herald/internal/users"
)

func seedNoticeType(t *testing.T, stack *testStack, admin string) {
	t.Helper()
	recorder := stack.do(t, http.MethodPut, "/notice-types/friends_invite", admin, map[string]any{
		"display":     "Invitation",
		"description": "You have been invited",
		"default":     2,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 for new notice type, got %d: %s", recorder.Code, recorder.Body.String())
	}
	again := stack.do(t, http.MethodPut, "/notice-types/friends_invite", admin, map[string]any{
		"display":     "Invitation",
		"description": "You have been invited",
		"default":     2,
	})
	if again.Code != http.StatusOK {
		t.Fatalf("expected 200 for repeated definition, got %d", again.Code)
	}
	payload := decodeBody[struct {
		Outcome string `json:"outcome"`
	}](t, again)
	if payload.Outcome != string(notices.CreateOutcomeUnchanged) {
		t.Fatalf("expected unchanged outcome, got %s", payload.Outcome)
	}
}

func seedProfile(t *testing.T, stack *testStack, id int64, language string) {
	t.Helper()
	if _, err := stack.users.Upsert(context.Background(), users.ProfileInput{ID: id, Email: "user@example.com", Language: language}); err != nil {
		t.Fatalf("failed to seed profile: %v", err)
	}
}

func TestSendDeliversThroughInApp(t *testing.T) {
	stack := newTestStack(t)
	admin := stack.token(t, "ops", auth.RoleAdmin)
	seedNoticeType(t, stack, admin)
	seedProfile(t, stack, 1, "fr")
	seedProfile(t, stack, 2, "")

	recorder := stack.do(t, http.MethodPost, "/notices/send", stack.token(t, "billing", auth.RoleSender), map[string]any{
		"recipients": []int64{1, 2, 99},
		"label":      "friends_invite",
		"context":    map[string]any{"from": "Grace"},
		"locale":     "de",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	response := decodeBody[sendResponsePayload](t, recorder)
	if response.Mode != "now" || !response.Sent {
		t.Fatalf("unexpected response %+v", response)
	}
	if len(response.Deliveries) != 2 {
		t.Fatalf("expected two deliveries, got %+v", response.Deliveries)
	}
	if response.Deliveries[0].Locale != "fr" || response.Deliveries[1].Locale != "de" {
		t.Fatalf("expected stored language then caller locale, got %+v", response.Deliveries)
	}
	if len(response.Failures) != 1 || response.Failures[0].UserID != 99 {
		t.Fatalf("expected unknown recipient failure, got %+v", response.Failures)
	}

	entries, err := stack.inbox.List(context.Background(), 1, false, 0)
	if err != nil {
		t.Fatalf("inbox list failed: %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Subject, "Nouvelle notification") {
		t.Fatalf("unexpected inbox entries %+v", entries)
	}

	stats := stack.do(t, http.MethodGet, "/stats", admin, nil)
	if stats.Code != http.StatusOK {
		t.Fatalf("expected stats 200, got %d", stats.Code)
	}
	summary := decodeBody[struct {
		Stats []statPayload `json:"stats"`
	}](t, stats)
	if len(summary.Stats) != 1 || summary.Stats[0].Medium != "inapp" || summary.Stats[0].Deliveries != 2 {
		t.Fatalf("unexpected stats %+v", summary.Stats)
	}
}

func TestSendRejectsConflictingModesAndUnknownLabels(t *testing.T) {
	stack := newTestStack(t)
	admin := stack.token(t, "ops", auth.RoleAdmin)
	seedNoticeType(t, stack, admin)
	seedProfile(t, stack, 1, "")

	conflicting := stack.do(t, http.MethodPost, "/notices/send", admin, map[string]any{
		"recipients": []int64{1},
		"label":      "friends_invite",
		"queue":      true,
		"now":        true,
	})
	if conflicting.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for conflicting modes, got %d", conflicting.Code)
	}
	body := decodeBody[map[string]string](t, conflicting)
	if body["error"] != "configuration_error" || body["code"] != "notices.dispatch.send.conflicting_modes" {
		t.Fatalf("unexpected error body %+v", body)
	}

	unknown := stack.do(t, http.MethodPost, "/notices/send", admin, map[string]any{
		"recipients": []int64{1},
		"label":      "does_not_exist",
	})
	if unknown.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown label, got %d", unknown.Code)
	}

	var batches int64
	if err := stack.db.Model(&notices.NoticeQueueBatch{}).Count(&batches).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if batches != 0 {
		t.Fatalf("expected nothing queued, got %d batches", batches)
	}
}

func TestSendQueueReturnsBatch(t *testing.T) {
	stack := newTestStack(t)
	admin := stack.token(t, "ops", auth.RoleAdmin)
	seedNoticeType(t, stack, admin)

	recorder := stack.do(t, http.MethodPost, "/notices/send", admin, map[string]any{
		"recipients": []int64{3, 4},
		"label":      "friends_invite",
		"queue":      true,
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	response := decodeBody[sendResponsePayload](t, recorder)
	if response.Mode != "queue" || response.BatchID == 0 {
		t.Fatalf("unexpected response %+v", response)
	}
}

func TestSettingsRoundTripAndUnsubscribe(t *testing.T) {
	stack := newTestStack(t)
	admin := stack.token(t, "ops", auth.RoleAdmin)
	seedNoticeType(t, stack, admin)
	seedProfile(t, stack, 5, "")
	self := stack.token(t, "5")

	email := stack.do(t, http.MethodGet, "/users/5/settings/friends_invite/email", self, nil)
	if email.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", email.Code, email.Body.String())
	}
	emailSetting := decodeBody[settingPayload](t, email)
	if !emailSetting.Send || emailSetting.UnsubscribeKey == "" {
		t.Fatalf("expected email enabled by default with a key, got %+v", emailSetting)
	}
	push := decodeBody[settingPayload](t, stack.do(t, http.MethodGet, "/users/5/settings/friends_invite/2", self, nil))
	if push.Send || push.Medium != "push" {
		t.Fatalf("expected push disabled by default, got %+v", push)
	}

	updated := stack.do(t, http.MethodPut, "/users/5/settings/friends_invite/push?scope_kind=group&scope_id=9", self, map[string]any{"send": true})
	if updated.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", updated.Code, updated.Body.String())
	}
	scoped := decodeBody[settingPayload](t, updated)
	if !scoped.Send || scoped.Scope == nil || scoped.Scope.Kind != "group" {
		t.Fatalf("unexpected scoped setting %+v", scoped)
	}

	unsubscribe := stack.do(t, http.MethodPost, "/unsubscribe/"+emailSetting.UnsubscribeKey, "", nil)
	if unsubscribe.Code != http.StatusOK {
		t.Fatalf("expected 200 from unsubscribe, got %d", unsubscribe.Code)
	}
	after := decodeBody[settingPayload](t, stack.do(t, http.MethodGet, "/users/5/settings/friends_invite/email", self, nil))
	if after.Send {
		t.Fatalf("expected email disabled after unsubscribe")
	}
	if missing := stack.do(t, http.MethodPost, "/unsubscribe/not-a-key", "", nil); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", missing.Code)
	}

	cleared := stack.do(t, http.MethodDelete, "/scopes/group/9", admin, nil)
	if cleared.Code != http.StatusOK {
		t.Fatalf("expected 200 from scope cleanup, got %d", cleared.Code)
	}
	removed := decodeBody[map[string]int64](t, cleared)
	if removed["removed"] != 1 {
		t.Fatalf("expected one scoped setting removed, got %v", removed)
	}
}

func TestInboxStreamEmitsNoticeEvents(t *testing.T) {
	stack := newTestStack(t)
	admin := stack.token(t, "ops", auth.RoleAdmin)
	seedNoticeType(t, stack, admin)
	seedProfile(t, stack, 8, "")

	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	streamResp, err := http.Get(server.URL + "/users/8/inbox/stream?access_token=" + stack.token(t, "8"))
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for stack.inboxSubscribers(8) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if recorder := stack.do(t, http.MethodPost, "/notices/send", admin, map[string]any{
		"recipients": []int64{8},
		"label":      "friends_invite",
	}); recorder.Code != http.StatusOK {
		t.Fatalf("send failed: %d %s", recorder.Code, recorder.Body.String())
	}

	reader := bufio.NewReader(streamResp.Body)
	type readResult struct {
		line string
		err  error
	}
	currentEvent := ""
	timeout := time.After(5 * time.Second)
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := reader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-timeout:
			t.Fatal("timed out waiting for inbox event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEvent != inboxEventEntry {
				continue
			}
			var payload struct {
				Label   string `json:"label"`
				Subject string `json:"subject"`
			}
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.Label != "friends_invite" || payload.Subject != "New notice: Invitation" {
				t.Fatalf("unexpected event payload %+v", payload)
			}
			return
		}
	}
}

func TestSendRejectsNonPositiveRecipientsOnEveryPath(t *testing.T) {
	stack := newTestStack(t)
	admin := stack.token(t, "ops", auth.RoleAdmin)
	seedNoticeType(t, stack, admin)
	seedProfile(t, stack, 1, "")

	for _, mode := range []string{"queue", "now"} {
		recorder := stack.do(t, http.MethodPost, "/notices/send", admin, map[string]any{
			"recipients": []int64{1, 0},
			"label":      "friends_invite",
			mode:         true,
		})
		if recorder.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422 for %s, got %d: %s", mode, recorder.Code, recorder.Body.String())
		}
		if body := decodeBody[map[string]string](t, recorder); body["error"] != "unresolvable_reference" {
			t.Fatalf("unexpected error body for %s: %+v", mode, body)
		}
	}

	var batches int64
	if err := stack.db.Model(&notices.NoticeQueueBatch{}).Count(&batches).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if batches != 0 {
		t.Fatalf("expected nothing queued, got %d batches", batches)
	}
}

package notices

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"
)

type dispatchFixture struct {
	db         *gorm.DB
	catalog    *Catalog
	queue      *Queue
	invoker    *Invoker
	backend    *recordingBackend
	dispatcher *Dispatcher
}

func newDispatchFixture(t *testing.T, queueAll bool, directory RecipientDirectory) dispatchFixture {
	t.Helper()
	db := newTestDatabase(t)
	catalog := newTestCatalog(t, db)
	mustCreateNoticeType(t, catalog, "friends_invite", 2)
	backend := &recordingBackend{name: "loud", medium: MediumInApp, canSend: true}
	invoker := newTestInvoker(t, catalog, nil, nil, backend)
	queue, err := NewQueue(QueueConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Catalog:   catalog,
		Invoker:   invoker,
		Queue:     queue,
		Directory: directory,
		QueueAll:  queueAll,
	})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	return dispatchFixture{db: db, catalog: catalog, queue: queue, invoker: invoker, backend: backend, dispatcher: dispatcher}
}

func TestSelectMode(t *testing.T) {
	testCases := []struct {
		name     string
		options  SendOptions
		queueAll bool
		want     Mode
		wantErr  bool
	}{
		{name: "default now", want: ModeNow},
		{name: "queue all", queueAll: true, want: ModeQueue},
		{name: "forced queue", options: SendOptions{Queue: true}, want: ModeQueue},
		{name: "forced now beats queue all", options: SendOptions{Now: true}, queueAll: true, want: ModeNow},
		{name: "both set", options: SendOptions{Queue: true, Now: true}, wantErr: true},
		{name: "both set with queue all", options: SendOptions{Queue: true, Now: true}, queueAll: true, wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			mode, err := SelectMode(testCase.options, testCase.queueAll)
			if testCase.wantErr {
				if !errors.Is(err, ErrConfiguration) {
					t.Fatalf("expected configuration error, got %v", err)
				}
				return
			}
			if err != nil || mode != testCase.want {
				t.Fatalf("expected %s, got %s (%v)", testCase.want, mode, err)
			}
		})
	}
}

func TestSendConflictingModesWritesNothing(t *testing.T) {
	fixture := newDispatchFixture(t, false, directoryOf(1))
	_, err := fixture.dispatcher.Send(context.Background(), Request{
		Recipients: UserIDs{1},
		Label:      "friends_invite",
	}, SendOptions{Queue: true, Now: true})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if countRows(t, fixture.db, &NoticeQueueBatch{}) != 0 || len(fixture.backend.delivered()) != 0 {
		t.Fatalf("expected no side effects")
	}
}

func TestSendQueueAllWritesOneBatch(t *testing.T) {
	fixture := newDispatchFixture(t, true, directoryOf(1, 2))
	scope := &EntityRef{Kind: "group", ID: 4}
	result, err := fixture.dispatcher.Send(context.Background(), Request{
		Recipients: RecipientList{{ID: 2}, {ID: 1}},
		Label:      "friends_invite",
		Context:    map[string]any{"from": "Grace"},
		Scope:      scope,
	}, SendOptions{})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Mode != ModeQueue || result.Batch == nil {
		t.Fatalf("expected a queued batch, got %+v", result)
	}
	if countRows(t, fixture.db, &NoticeQueueBatch{}) != 1 || len(fixture.backend.delivered()) != 0 {
		t.Fatalf("expected exactly one batch and no delivery")
	}
	queued, err := DecodeQueuePayload(result.Batch.Payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(queued) != 2 || queued[0].RecipientID != 2 || queued[1].RecipientID != 1 {
		t.Fatalf("expected recipients in source order, got %+v", queued)
	}
	if queued[0].Scope == nil || *queued[0].Scope != *scope || queued[0].Context["from"] != "Grace" {
		t.Fatalf("expected scope and context preserved, got %+v", queued[0])
	}
}

func TestSendQueueRejectsUnknownLabel(t *testing.T) {
	fixture := newDispatchFixture(t, false, directoryOf(1))
	_, err := fixture.dispatcher.Queue(context.Background(), Request{Recipients: UserIDs{1}, Label: "missing"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if countRows(t, fixture.db, &NoticeQueueBatch{}) != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestSendNowResolvesIdentifiers(t *testing.T) {
	fixture := newDispatchFixture(t, true, directoryOf(1, 2))
	result, err := fixture.dispatcher.Send(context.Background(), Request{
		Recipients: UserIDs{2, 7, 1},
		Label:      "friends_invite",
	}, SendOptions{Now: true})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Mode != ModeNow || countRows(t, fixture.db, &NoticeQueueBatch{}) != 0 {
		t.Fatalf("expected immediate delivery, got %+v", result)
	}
	delivered := fixture.backend.delivered()
	if len(delivered) != 2 || delivered[0].Recipient.ID != 2 || delivered[1].Recipient.ID != 1 {
		t.Fatalf("unexpected deliveries %+v", delivered)
	}
	if delivered[0].Recipient.Email != "user2@example.com" {
		t.Fatalf("expected directory data on the recipient")
	}
	if len(result.Report.Failures) != 1 || result.Report.Failures[0].RecipientID != 7 || !errors.Is(result.Report.Failures[0].Err, ErrReference) {
		t.Fatalf("expected unknown recipient failure, got %+v", result.Report.Failures)
	}
}

func TestQueueEnqueueRejectsInvalidRecipients(t *testing.T) {
	fixture := newDispatchFixture(t, false, nil)
	if _, err := fixture.queue.Enqueue(context.Background(), UserIDs{1, 0}, "friends_invite", nil, nil, nil); !errors.Is(err, ErrReference) {
		t.Fatalf("expected reference error, got %v", err)
	}
	if countRows(t, fixture.db, &NoticeQueueBatch{}) != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestSendRejectsNonPositiveRecipientsOnBothPaths(t *testing.T) {
	fixture := newDispatchFixture(t, false, directoryOf(1))
	ctx := context.Background()
	request := Request{Recipients: UserIDs{1, 0}, Label: "friends_invite"}

	for _, options := range []SendOptions{{Now: true}, {Queue: true}} {
		if _, err := fixture.dispatcher.Send(ctx, request, options); !errors.Is(err, ErrReference) || !errors.Is(err, ErrInvalidUserID) {
			t.Fatalf("expected invalid recipient error for %+v, got %v", options, err)
		}
	}
	if _, err := fixture.dispatcher.SendNow(ctx, Request{Recipients: RecipientList{{ID: -3}}, Label: "friends_invite"}); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid recipient error for a materialized list, got %v", err)
	}
	if countRows(t, fixture.db, &NoticeQueueBatch{}) != 0 || len(fixture.backend.delivered()) != 0 {
		t.Fatalf("expected no side effects")
	}
}

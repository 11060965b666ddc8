package dispatch

import (
	"errors"
	"testing"

	"github.com/agentworkforce/trackersync/internal/model"
	"github.com/agentworkforce/trackersync/internal/replica"
)

func newTestDispatcher(t *testing.T, policy replica.RecencyPolicy) (*Dispatcher, *replica.Store) {
	t.Helper()
	store := replica.NewStore(policy)
	d, err := New(store, Options{})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, store
}

func TestTaskEventsAreRouted(t *testing.T) {
	d, store := newTestDispatcher(t, replica.ArrivalOrder)

	d.Handle([]byte(`{"type":"TASK_CREATED","data":{"id":"1","title":"Write docs","status":"TODO","priority":"LOW","tags":["docs"]},"timestamp":"2026-03-01T10:00:00Z"}`))
	d.Handle([]byte(`{"type":"TASK_UPDATED","data":{"id":"1","title":"Write docs","status":"REVIEW","priority":"HIGH"}}`))

	got, ok := store.Tasks.Get("1")
	if !ok {
		t.Fatalf("expected task 1 in replica")
	}
	if got.Status != model.StatusReview || got.Priority != model.PriorityHigh {
		t.Fatalf("expected REVIEW/HIGH, got %s/%s", got.Status, got.Priority)
	}
	if len(got.Tags) != 0 {
		t.Fatalf("expected wholesale replace to drop tags, got %v", got.Tags)
	}

	d.Handle([]byte(`{"type":"TASK_DELETED","data":{"id":"1"}}`))
	if store.Tasks.Len() != 0 {
		t.Fatalf("expected task removed")
	}
	stats := d.Stats()
	if stats.Applied != 3 || stats.ByType[model.EventTaskUpdated] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestProjectAndNotificationEvents(t *testing.T) {
	d, store := newTestDispatcher(t, replica.ArrivalOrder)

	d.Handle([]byte(`{"type":"PROJECT_CREATED","data":{"id":"p1","name":"Platform","status":"ACTIVE","memberIds":["u1"]}}`))
	d.Handle([]byte(`{"type":"NOTIFICATION_RECEIVED","data":{"id":"n1","userId":"u1","type":"TASK_ASSIGNED","title":"Assigned","read":false}}`))
	d.Handle([]byte(`{"type":"NOTIFICATION_UPDATED","data":{"id":"n1","userId":"u1","type":"TASK_ASSIGNED","title":"Assigned","read":true}}`))

	project, ok := store.Projects.Get("p1")
	if !ok || project.Name != "Platform" {
		t.Fatalf("expected project p1, got %+v", project)
	}
	notification, ok := store.Notifications.Get("n1")
	if !ok || !notification.Read {
		t.Fatalf("expected read notification, got %+v", notification)
	}

	d.Handle([]byte(`{"type":"PROJECT_DELETED","data":{"id":"p1"}}`))
	d.Handle([]byte(`{"type":"NOTIFICATION_DELETED","data":{"id":"n1"}}`))
	if store.Projects.Len() != 0 || store.Notifications.Len() != 0 {
		t.Fatalf("expected deletes to apply, got %v", store.Counts())
	}
}

func TestDeleteOfAbsentIDIsHarmless(t *testing.T) {
	d, store := newTestDispatcher(t, replica.ArrivalOrder)
	if _, err := d.Apply([]byte(`{"type":"TASK_DELETED","data":{"id":"404"}}`)); err != nil {
		t.Fatalf("expected absent delete to succeed, got %v", err)
	}
	if store.Tasks.Version() != 0 {
		t.Fatalf("expected replica untouched")
	}
}

func TestUnknownTypeIsDropped(t *testing.T) {
	d, store := newTestDispatcher(t, replica.ArrivalOrder)
	eventType, err := d.Apply([]byte(`{"type":"COMMENT_ADDED","data":{"id":"c1"}}`))
	if !errors.Is(err, ErrUnknownType) || eventType != "COMMENT_ADDED" {
		t.Fatalf("expected unknown type, got %q %v", eventType, err)
	}
	if d.Stats().Unknown != 1 {
		t.Fatalf("expected unknown counter to increase")
	}
	if store.Tasks.Version() != 0 {
		t.Fatalf("expected replica untouched")
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	d, store := newTestDispatcher(t, replica.ArrivalOrder)
	frames := []string{
		`not json`,
		`{"data":{"id":"1"}}`,
		`{"type":"TASK_UPDATED"}`,
		`{"type":"TASK_UPDATED","data":null}`,
		`{"type":"TASK_UPDATED","data":{"id":"1","title":"x","status":"BLOCKED","priority":"LOW"}}`,
		`{"type":"TASK_UPDATED","data":{"title":"missing id","status":"TODO","priority":"LOW"}}`,
		`{"type":"TASK_DELETED","data":{"id":""}}`,
		`{"type":"NOTIFICATION_RECEIVED","data":{"id":"n1","userId":"u1","read":"yes"}}`,
	}
	for _, frame := range frames {
		if _, err := d.Apply([]byte(frame)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected %s to be malformed, got %v", frame, err)
		}
	}
	if got := d.Stats().Malformed; got != uint64(len(frames)) {
		t.Fatalf("expected %d malformed, got %d", len(frames), got)
	}
	if store.Tasks.Len() != 0 || store.Notifications.Len() != 0 {
		t.Fatalf("malformed frames must not reach the replica")
	}
}

func TestHandleSurvivesGarbage(t *testing.T) {
	d, _ := newTestDispatcher(t, replica.ArrivalOrder)
	for _, frame := range [][]byte{nil, {}, []byte(`[]`), []byte(`{"type":42}`), []byte("\x00\xff")} {
		d.Handle(frame)
	}
}

func TestControlFramesAreIgnored(t *testing.T) {
	d, store := newTestDispatcher(t, replica.ArrivalOrder)
	for _, frame := range []string{`{"type":"AUTH_OK"}`, `{"type":"SUBSCRIBED","data":{"scope":{"projectId":"p1"}}}`, `{"type":"PONG"}`} {
		if _, err := d.Apply([]byte(frame)); err != nil {
			t.Fatalf("expected control frame %s to be ignored, got %v", frame, err)
		}
	}
	if d.Stats().Ignored != 3 || store.Tasks.Version() != 0 {
		t.Fatalf("unexpected stats %+v", d.Stats())
	}
}

func TestArrivalOrderIsPreserved(t *testing.T) {
	d, store := newTestDispatcher(t, replica.ArrivalOrder)
	d.Handle([]byte(`{"type":"TASK_UPDATED","data":{"id":"1","title":"t","status":"DONE","priority":"LOW","updatedAt":"2026-03-01T10:05:00Z"}}`))
	d.Handle([]byte(`{"type":"TASK_UPDATED","data":{"id":"1","title":"t","status":"TODO","priority":"LOW","updatedAt":"2026-03-01T10:00:00Z"}}`))

	got, _ := store.Tasks.Get("1")
	if got.Status != model.StatusTodo {
		t.Fatalf("expected last arrival to win, got %s", got.Status)
	}
}

func TestRejectStaleDropsOlderEvents(t *testing.T) {
	d, store := newTestDispatcher(t, replica.RejectStale)
	d.Handle([]byte(`{"type":"TASK_UPDATED","data":{"id":"1","title":"t","status":"DONE","priority":"LOW","updatedAt":"2026-03-01T10:05:00Z"}}`))
	_, err := d.Apply([]byte(`{"type":"TASK_UPDATED","data":{"id":"1","title":"t","status":"TODO","priority":"LOW","updatedAt":"2026-03-01T10:00:00Z"}}`))
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale drop, got %v", err)
	}
	got, _ := store.Tasks.Get("1")
	if got.Status != model.StatusDone {
		t.Fatalf("expected newer record to survive, got %s", got.Status)
	}
	if d.Stats().Stale != 1 {
		t.Fatalf("expected stale counter to increase")
	}
}

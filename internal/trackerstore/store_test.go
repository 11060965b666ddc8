package trackerstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/trackersync/internal/model"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.now
}

func (c *fixedClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, backend StateBackend) (*Store, *fixedClock) {
	t.Helper()
	clk := &fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend, Now: clk.Now})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, clk
}

func TestCreateTaskAppliesDefaults(t *testing.T) {
	store, _ := newTestStore(t, nil)
	task, err := store.CreateTask(model.Task{Title: "  Write docs "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" || task.Title != "Write docs" {
		t.Fatalf("expected assigned id and trimmed title, got %+v", task)
	}
	if task.Status != model.StatusTodo || task.Priority != model.PriorityMedium {
		t.Fatalf("expected TODO/MEDIUM defaults, got %s/%s", task.Status, task.Priority)
	}
	if task.CreatedAt.IsZero() || !task.CreatedAt.Equal(task.UpdatedAt) {
		t.Fatalf("expected timestamps to be set, got %+v", task)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	store, _ := newTestStore(t, nil)
	cases := []struct {
		input model.Task
		field string
	}{
		{model.Task{}, "title"},
		{model.Task{Title: "x", Status: "PAUSED"}, "status"},
		{model.Task{Title: "x", Priority: "P0"}, "priority"},
		{model.Task{Title: "x", ProjectID: "missing"}, "projectId"},
	}
	for _, tc := range cases {
		_, err := store.CreateTask(tc.input)
		var validation *ValidationError
		if !errors.As(err, &validation) || validation.Fields[tc.field] == "" {
			t.Fatalf("expected field error on %s, got %v", tc.field, err)
		}
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	}
	if _, err := store.CreateTask(model.Task{ID: "1", Title: "a"}); err != nil {
		t.Fatalf("create with explicit id: %v", err)
	}
	if _, err := store.CreateTask(model.Task{ID: "1", Title: "b"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for duplicate id, got %v", err)
	}
}

func TestUpdateTaskTracksCompletion(t *testing.T) {
	store, clk := newTestStore(t, nil)
	task, _ := store.CreateTask(model.Task{ID: "1", Title: "ship"})

	clk.advance(time.Hour)
	done, err := store.UpdateTask(task.ID, model.FieldSet{"status": "DONE"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(clk.now) {
		t.Fatalf("expected completedAt at %s, got %v", clk.now, done.CompletedAt)
	}
	if !done.UpdatedAt.Equal(clk.now) {
		t.Fatalf("expected updatedAt to move, got %s", done.UpdatedAt)
	}

	clk.advance(time.Hour)
	retitled, _ := store.UpdateTask(task.ID, model.FieldSet{"title": "ship it"})
	if retitled.CompletedAt == nil || !retitled.CompletedAt.Equal(*done.CompletedAt) {
		t.Fatalf("expected completedAt kept while DONE, got %v", retitled.CompletedAt)
	}

	reopened, _ := store.UpdateTask(task.ID, model.FieldSet{"status": "IN_PROGRESS"})
	if reopened.CompletedAt != nil {
		t.Fatalf("expected completedAt cleared on reopen, got %v", reopened.CompletedAt)
	}
}

func TestUpdateTaskRejectsBadFields(t *testing.T) {
	store, _ := newTestStore(t, nil)
	store.CreateTask(model.Task{ID: "1", Title: "ship"})
	cases := []model.FieldSet{
		{"status": "BLOCKED"},
		{"id": "2"},
		{"unknown": true},
		{"title": "   "},
		{},
	}
	for _, fields := range cases {
		if _, err := store.UpdateTask("1", fields); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%v: expected invalid input, got %v", fields, err)
		}
	}
	if _, err := store.UpdateTask("404", model.FieldSet{"title": "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	task, _ := store.GetTask("1")
	if task.Title != "ship" || task.Status != model.StatusTodo {
		t.Fatalf("rejected updates must not change the record: %+v", task)
	}
}

func TestChangesAreAnnouncedInOrder(t *testing.T) {
	store, _ := newTestStore(t, nil)
	var changes []Change
	unsubscribe := store.Subscribe(func(c Change) { changes = append(changes, c) })

	project, _ := store.CreateProject(model.Project{ID: "p1", Name: "Platform"})
	store.CreateTask(model.Task{ID: "1", Title: "a", ProjectID: project.ID})
	store.CreateTask(model.Task{ID: "2", Title: "b", ProjectID: project.ID})
	store.UpdateTask("1", model.FieldSet{"priority": "HIGH"})
	store.CreateNotification(model.Notification{UserID: "u1", Title: "assigned"})
	if err := store.DeleteProject(project.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}

	want := []model.EventType{
		model.EventProjectCreated,
		model.EventTaskCreated,
		model.EventTaskCreated,
		model.EventTaskUpdated,
		model.EventNotificationReceived,
		model.EventTaskDeleted,
		model.EventTaskDeleted,
		model.EventProjectDeleted,
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %d", len(want), len(changes))
	}
	for i, event := range want {
		if changes[i].Event != event {
			t.Fatalf("change %d: expected %s, got %s", i, event, changes[i].Event)
		}
	}
	if changes[3].ProjectID != "p1" || changes[4].UserID != "u1" {
		t.Fatalf("expected routing keys on changes: %+v %+v", changes[3], changes[4])
	}
	if changes[5].Record != nil {
		t.Fatalf("expected delete change without record")
	}
	if len(store.ListTasks(TaskFilter{})) != 0 {
		t.Fatalf("expected project tasks to be removed")
	}

	unsubscribe()
	store.CreateProject(model.Project{Name: "later"})
	if len(changes) != len(want) {
		t.Fatalf("listener called after unsubscribe")
	}
}

func TestListFiltersAndOrdering(t *testing.T) {
	store, _ := newTestStore(t, nil)
	store.CreateProject(model.Project{ID: "p1", Name: "one"})
	store.CreateTask(model.Task{ID: "10", Title: "a", ProjectID: "p1", AssigneeID: "u1"})
	store.CreateTask(model.Task{ID: "9", Title: "b", ProjectID: "p1"})
	store.CreateTask(model.Task{ID: "2", Title: "c"})
	all := store.ListTasks(TaskFilter{})
	if len(all) != 3 || all[0].ID != "2" || all[2].ID != "10" {
		t.Fatalf("expected natural id order, got %+v", all)
	}
	if got := store.ListTasks(TaskFilter{ProjectID: "p1", AssigneeID: "u1"}); len(got) != 1 || got[0].ID != "10" {
		t.Fatalf("expected filtered task 10, got %+v", got)
	}

	store.CreateNotification(model.Notification{UserID: "u1", Title: "a"})
	store.CreateNotification(model.Notification{UserID: "u2", Title: "b"})
	if got := store.ListNotifications("u2"); len(got) != 1 || got[0].UserID != "u2" {
		t.Fatalf("expected u2 notifications only, got %+v", got)
	}
}

func TestNotificationReadFlagOnly(t *testing.T) {
	store, _ := newTestStore(t, nil)
	n, err := store.CreateNotification(model.Notification{UserID: "u1", Title: "hello"})
	if err != nil {
		t.Fatalf("create notification: %v", err)
	}
	if n.Type != "GENERAL" {
		t.Fatalf("expected default type, got %q", n.Type)
	}
	read, err := store.UpdateNotification(n.ID, model.FieldSet{"read": true})
	if err != nil || !read.Read {
		t.Fatalf("expected read notification, got %+v %v", read, err)
	}
	if _, err := store.UpdateNotification(n.ID, model.FieldSet{"title": "edited"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected title to be immutable, got %v", err)
	}
	if _, err := store.CreateNotification(model.Notification{Title: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected userId to be required, got %v", err)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	backend := NewJSONFileStateBackend(filepath.Join(t.TempDir(), "state", "trackerd.json"))
	store, _ := newTestStore(t, backend)
	store.CreateProject(model.Project{ID: "p1", Name: "one"})
	store.CreateTask(model.Task{ID: "1", Title: "a", ProjectID: "p1", Tags: []string{"x"}})
	store.UpdateTask("1", model.FieldSet{"status": "DONE"})

	restarted, _ := newTestStore(t, backend)
	task, err := restarted.GetTask("1")
	if err != nil {
		t.Fatalf("expected task after restart: %v", err)
	}
	if task.Status != model.StatusDone || task.CompletedAt == nil || len(task.Tags) != 1 {
		t.Fatalf("unexpected restored task: %+v", task)
	}
	if restarted.EventCount() != store.EventCount() {
		t.Fatalf("expected event counter %d restored, got %d", store.EventCount(), restarted.EventCount())
	}
}

type failingBackend struct{}

func (failingBackend) Load() (*persistedState, error) { return nil, nil }
func (failingBackend) Save(*persistedState) error     { return errors.New("disk full") }

func TestFailedSaveIsNotAnnounced(t *testing.T) {
	store, _ := newTestStore(t, failingBackend{})
	announced := 0
	store.Subscribe(func(Change) { announced++ })
	if _, err := store.CreateProject(model.Project{Name: "x"}); err == nil {
		t.Fatalf("expected save error")
	}
	if announced != 0 {
		t.Fatalf("expected no change announced after failed save")
	}
}

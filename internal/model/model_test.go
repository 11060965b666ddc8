package model

import (
	"errors"
	"testing"
	"time"
)

func TestApplyMergesExplicitFields(t *testing.T) {
	task := Task{ID: "1", Title: "old", Status: StatusTodo, Priority: PriorityLow, Tags: []string{"a"}}
	next, err := Apply(task, FieldSet{
		"title":   "new",
		"status":  StatusReview,
		"tags":    []any{"b", "c"},
		"dueDate": "2026-04-01T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Title != "new" || next.Status != StatusReview || len(next.Tags) != 2 {
		t.Fatalf("unexpected merge result: %+v", next)
	}
	if next.DueDate == nil || next.DueDate.Day() != 1 {
		t.Fatalf("expected parsed due date, got %v", next.DueDate)
	}
	if task.Title != "old" || task.Tags[0] != "a" {
		t.Fatalf("apply modified its input: %+v", task)
	}
	if next.Priority != PriorityLow {
		t.Fatalf("untouched fields must be kept, got %s", next.Priority)
	}
}

func TestWithFieldRejections(t *testing.T) {
	task := Task{ID: "1", Status: StatusTodo, Priority: PriorityLow}
	cases := []struct {
		field string
		value any
		want  error
	}{
		{"nope", "x", ErrUnknownField},
		{"id", "2", ErrImmutableField},
		{"completedAt", time.Now(), ErrImmutableField},
		{"status", "PAUSED", ErrInvalidValue},
		{"priority", 3, ErrInvalidValue},
		{"tags", []any{1}, ErrInvalidValue},
		{"dueDate", "tomorrow", ErrInvalidValue},
	}
	for _, tc := range cases {
		_, err := task.WithField(tc.field, tc.value)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s=%v: expected %v, got %v", tc.field, tc.value, tc.want, err)
		}
		var fieldErr *FieldError
		if !errors.As(err, &fieldErr) || fieldErr.Field != tc.field || fieldErr.Kind != KindTask {
			t.Fatalf("%s: expected FieldError naming the field, got %#v", tc.field, err)
		}
	}
}

func TestFieldRoundTripsThroughWithField(t *testing.T) {
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	task := Task{ID: "1", Title: "t", Status: StatusDone, Priority: PriorityHigh, DueDate: &due, Tags: []string{"x"}}
	blank := Task{ID: "1"}
	for _, name := range []string{"title", "status", "priority", "tags", "dueDate"} {
		value, ok := task.Field(name)
		if !ok {
			t.Fatalf("expected field %s to be readable", name)
		}
		var err error
		blank, err = blank.WithField(name, value)
		if err != nil {
			t.Fatalf("restore %s: %v", name, err)
		}
	}
	if blank.Status != StatusDone || blank.Priority != PriorityHigh || blank.DueDate == nil || !blank.DueDate.Equal(due) {
		t.Fatalf("round trip lost values: %+v", blank)
	}

	cleared, err := blank.WithField("dueDate", nil)
	if err != nil || cleared.DueDate != nil {
		t.Fatalf("expected nil to clear due date, got %v %v", cleared.DueDate, err)
	}
}

func TestProjectAndNotificationFields(t *testing.T) {
	project := Project{ID: "p1", Name: "Platform", Status: ProjectActive}
	next, err := Apply(project, FieldSet{"status": ProjectOnHold, "memberIds": []string{"u1"}})
	if err != nil {
		t.Fatalf("apply project: %v", err)
	}
	if next.Status != ProjectOnHold || len(next.MemberIDs) != 1 {
		t.Fatalf("unexpected project: %+v", next)
	}
	if _, err := project.WithField("createdAt", time.Now()); !errors.Is(err, ErrImmutableField) {
		t.Fatalf("expected createdAt to be refused, got %v", err)
	}

	notification := Notification{ID: "n1"}
	read, err := notification.WithField("read", true)
	if err != nil || !read.Read {
		t.Fatalf("expected read flag, got %+v %v", read, err)
	}
	if _, err := notification.WithField("title", "x"); !errors.Is(err, ErrImmutableField) {
		t.Fatalf("expected title to be immutable, got %v", err)
	}
}

func TestOverdue(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	cases := []struct {
		task Task
		want bool
	}{
		{Task{DueDate: &past, Status: StatusTodo}, true},
		{Task{DueDate: &past, Status: StatusDone}, false},
		{Task{DueDate: &future, Status: StatusTodo}, false},
		{Task{Status: StatusTodo}, false},
	}
	for i, tc := range cases {
		if got := tc.task.Overdue(now); got != tc.want {
			t.Fatalf("case %d: expected %v, got %v", i, tc.want, got)
		}
	}
}

func TestCompareIDs(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"2", "10", -1},
		{"10", "10", 0},
		{"10", "abc", -1},
		{"abc", "2", 1},
		{"abc", "abd", -1},
	}
	for _, tc := range cases {
		if got := CompareIDs(tc.a, tc.b); got != tc.want {
			t.Fatalf("CompareIDs(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestEventFor(t *testing.T) {
	if got := EventFor(KindTask, true, false); got != EventTaskCreated {
		t.Fatalf("expected TASK_CREATED, got %s", got)
	}
	if got := EventFor(KindProject, false, true); got != EventProjectDeleted {
		t.Fatalf("expected PROJECT_DELETED, got %s", got)
	}
	if got := EventFor(KindNotification, true, false); got != EventNotificationReceived {
		t.Fatalf("expected NOTIFICATION_RECEIVED, got %s", got)
	}
}

package model

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	StatusTodo       TaskStatus = "TODO"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusReview     TaskStatus = "REVIEW"
	StatusDone       TaskStatus = "DONE"
)

// TaskStatuses is the fixed kanban column order.
var TaskStatuses = []TaskStatus{StatusTodo, StatusInProgress, StatusReview, StatusDone}

func (s TaskStatus) Valid() bool {
	for _, candidate := range TaskStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == StatusDone
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Priorities is ordered from most to least pressing.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Rank orders priorities for sorting; 0 means unknown.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	ProjectID   string     `json:"projectId,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	ReporterID  string     `json:"reporterId,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (t Task) EntityID() string        { return t.ID }
func (t Task) EntityKind() Kind        { return KindTask }
func (t Task) LastModified() time.Time { return t.UpdatedAt }

// Clone returns a deep copy so callers never alias slices or time pointers.
func (t Task) Clone() Task {
	out := t
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	out.DueDate = copyTime(t.DueDate)
	out.CompletedAt = copyTime(t.CompletedAt)
	return out
}

func (t Task) Field(name string) (any, bool) {
	switch name {
	case "title":
		return t.Title, true
	case "description":
		return t.Description, true
	case "status":
		return string(t.Status), true
	case "priority":
		return string(t.Priority), true
	case "projectId":
		return t.ProjectID, true
	case "assigneeId":
		return t.AssigneeID, true
	case "tags":
		return append([]string(nil), t.Tags...), true
	case "dueDate":
		return timeValue(t.DueDate), true
	default:
		return nil, false
	}
}

func (t Task) WithField(name string, value any) (Task, error) {
	out := t.Clone()
	switch name {
	case "title":
		s, err := asString(KindTask, name, value)
		if err != nil {
			return t, err
		}
		out.Title = s
	case "description":
		s, err := asString(KindTask, name, value)
		if err != nil {
			return t, err
		}
		out.Description = s
	case "status":
		s, err := asString(KindTask, name, value)
		if err != nil {
			return t, err
		}
		status := TaskStatus(s)
		if !status.Valid() {
			return t, fieldErr(KindTask, name, fmt.Errorf("%w: unknown status %q", ErrInvalidValue, s))
		}
		out.Status = status
	case "priority":
		s, err := asString(KindTask, name, value)
		if err != nil {
			return t, err
		}
		priority := Priority(s)
		if !priority.Valid() {
			return t, fieldErr(KindTask, name, fmt.Errorf("%w: unknown priority %q", ErrInvalidValue, s))
		}
		out.Priority = priority
	case "projectId":
		s, err := asString(KindTask, name, value)
		if err != nil {
			return t, err
		}
		out.ProjectID = s
	case "assigneeId":
		s, err := asString(KindTask, name, value)
		if err != nil {
			return t, err
		}
		out.AssigneeID = s
	case "tags":
		tags, err := asStrings(KindTask, name, value)
		if err != nil {
			return t, err
		}
		out.Tags = tags
	case "dueDate":
		due, err := asOptionalTime(KindTask, name, value)
		if err != nil {
			return t, err
		}
		out.DueDate = due
	case "id", "reporterId", "completedAt", "createdAt", "updatedAt":
		return t, fieldErr(KindTask, name, ErrImmutableField)
	default:
		return t, fieldErr(KindTask, name, ErrUnknownField)
	}
	return out, nil
}

// Overdue reports whether the task is past due and not finished.
func (t Task) Overdue(now time.Time) bool {
	return t.DueDate != nil && t.DueDate.Before(now) && !t.Status.Terminal()
}

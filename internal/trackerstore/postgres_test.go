package trackerstore

import (
	"testing"
	"time"

	"github.com/agentworkforce/trackersync/internal/model"
)

func TestEncodeRecordsKeysByKindAndID(t *testing.T) {
	updated := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows, err := encodeRecords(&persistedState{
		Tasks:         map[string]model.Task{"1": {ID: "1", Title: "a", ProjectID: "p1", AssigneeID: "u1", UpdatedAt: updated}},
		Projects:      map[string]model.Project{"1": {ID: "1", Name: "same id, other kind", OwnerID: "u2"}},
		Notifications: map[string]model.Notification{"n1": {ID: "n1", UserID: "u1", Title: "hi"}},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	task := rows[recordKey{Kind: model.KindTask, ID: "1"}]
	if task.ProjectID != "p1" || task.UserID != "u1" || !task.UpdatedAt.Equal(updated) {
		t.Fatalf("unexpected task row %+v", task)
	}
	if project := rows[recordKey{Kind: model.KindProject, ID: "1"}]; project.ProjectID != "1" || project.UserID != "u2" {
		t.Fatalf("unexpected project row %+v", project)
	}
	if n := rows[recordKey{Kind: model.KindNotification, ID: "n1"}]; n.UserID != "u1" || n.ProjectID != "" {
		t.Fatalf("unexpected notification row %+v", n)
	}

	state := &persistedState{Tasks: map[string]model.Task{}, Projects: map[string]model.Project{}, Notifications: map[string]model.Notification{}}
	if err := decodeRecord(state, task.recordKey, task.Payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := state.Tasks["1"]; got.Title != "a" || got.ProjectID != "p1" {
		t.Fatalf("unexpected decoded task %+v", got)
	}
	if err := decodeRecord(state, recordKey{Kind: "comment", ID: "1"}, "{}"); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}

func TestDiffRecordsWritesOnlyChangedRows(t *testing.T) {
	first, err := encodeRecords(&persistedState{Tasks: map[string]model.Task{
		"1":  {ID: "1", Title: "keep"},
		"2":  {ID: "2", Title: "edit"},
		"10": {ID: "10", Title: "drop"},
	}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	saved := map[recordKey]string{}
	for key, row := range first {
		saved[key] = row.Payload
	}

	second, err := encodeRecords(&persistedState{Tasks: map[string]model.Task{
		"1": {ID: "1", Title: "keep"},
		"2": {ID: "2", Title: "edited"},
		"3": {ID: "3", Title: "new"},
	}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	upserts, deletes := diffRecords(saved, second)
	if len(upserts) != 2 || upserts[0].ID != "2" || upserts[1].ID != "3" {
		t.Fatalf("expected upserts for 2 and 3 in id order, got %+v", upserts)
	}
	if len(deletes) != 1 || deletes[0].ID != "10" || deletes[0].Kind != model.KindTask {
		t.Fatalf("expected delete of task 10, got %+v", deletes)
	}

	upserts, deletes = diffRecords(map[recordKey]string{}, second)
	if len(upserts) != 3 || len(deletes) != 0 {
		t.Fatalf("expected a full write from an empty table, got %d upserts %d deletes", len(upserts), len(deletes))
	}
}

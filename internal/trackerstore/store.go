// Package trackerstore is the authoritative tracker state behind the
// reference API server: tasks, projects and notifications with validation,
// change events and pluggable persistence.
package trackerstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/trackersync/internal/model"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError carries per-field reasons. It matches ErrInvalidInput.
type ValidationError struct {
	Kind   model.Kind
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return fmt.Sprintf("invalid %s: %s", e.Kind, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func invalid(kind model.Kind, field, reason string) *ValidationError {
	return &ValidationError{Kind: kind, Fields: map[string]string{field: reason}}
}

// fromFieldError turns a merge rejection into a ValidationError.
func fromFieldError(kind model.Kind, err error) error {
	var fieldErr *model.FieldError
	if errors.As(err, &fieldErr) {
		return invalid(kind, fieldErr.Field, fieldErr.Err.Error())
	}
	return err
}

// Change describes one committed write. Record is the stored value after the
// write, or nil for deletes.
type Change struct {
	Event     model.EventType
	Kind      model.Kind
	ID        string
	Record    any
	ProjectID string
	UserID    string
	At        time.Time
}

type StoreOptions struct {
	StateBackend StateBackend
	Now          func() time.Time
	Logger       *slog.Logger
}

// Store holds every record in memory and writes a full snapshot to the state
// backend after each change.
type Store struct {
	mu            sync.RWMutex
	tasks         map[string]model.Task
	projects      map[string]model.Project
	notifications map[string]model.Notification
	eventCounter  uint64

	stateBackend StateBackend
	now          func() time.Time
	logger       *slog.Logger

	listenersMu  sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

func NewStore() *Store {
	store, _ := NewStoreWithOptions(StoreOptions{})
	return store
}

// NewStoreWithOptions loads any persisted snapshot from the backend.
func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		tasks:         map[string]model.Task{},
		projects:      map[string]model.Project{},
		notifications: map[string]model.Notification{},
		stateBackend:  opts.StateBackend,
		now:           now,
		logger:        logger,
		listeners:     map[int]func(Change){},
	}
	if err := s.loadFromBackend(); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

// Close releases the state backend when it holds resources.
func (s *Store) Close() error {
	if closer, ok := s.stateBackend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// Subscribe registers fn for every committed change. fn runs with the store
// write lock held and must not call back into the store.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

type TaskFilter struct {
	ProjectID  string
	AssigneeID string
}

func (s *Store) ListTasks(filter TaskFilter) []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.ProjectID != "" && task.ProjectID != filter.ProjectID {
			continue
		}
		if filter.AssigneeID != "" && task.AssigneeID != filter.AssigneeID {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return model.CompareIDs(out[i].ID, out[j].ID) < 0 })
	return out
}

func (s *Store) GetTask(id string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return task.Clone(), nil
}

// CreateTask stores a new task. An empty id is assigned; status and priority
// default to TODO and MEDIUM.
func (s *Store) CreateTask(input model.Task) (model.Task, error) {
	task := input.Clone()
	task.Title = strings.TrimSpace(task.Title)
	if task.Title == "" {
		return model.Task{}, invalid(model.KindTask, "title", "required")
	}
	if task.Status == "" {
		task.Status = model.StatusTodo
	}
	if !task.Status.Valid() {
		return model.Task{}, invalid(model.KindTask, "status", fmt.Sprintf("unknown status %q", task.Status))
	}
	if task.Priority == "" {
		task.Priority = model.PriorityMedium
	}
	if !task.Priority.Valid() {
		return model.Task{}, invalid(model.KindTask, "priority", fmt.Sprintf("unknown priority %q", task.Priority))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ProjectID != "" {
		if _, ok := s.projects[task.ProjectID]; !ok {
			return model.Task{}, invalid(model.KindTask, "projectId", "unknown project")
		}
	}
	if task.ID == "" {
		task.ID = newID()
	} else if _, exists := s.tasks[task.ID]; exists {
		return model.Task{}, ErrConflict
	}
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.CompletedAt = nil
	if task.Status.Terminal() {
		task.CompletedAt = &now
	}
	s.tasks[task.ID] = task
	if err := s.commitLocked(model.KindTask, task.ID, task, true, task.ProjectID, ""); err != nil {
		return model.Task{}, err
	}
	return task.Clone(), nil
}

// UpdateTask merges fields into the stored task. completedAt follows status:
// set on entering DONE, cleared on leaving it.
func (s *Store) UpdateTask(id string, fields model.FieldSet) (model.Task, error) {
	if len(fields) == 0 {
		return model.Task{}, invalid(model.KindTask, "body", "no fields")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	next, err := model.Apply(current, fields)
	if err != nil {
		return model.Task{}, fromFieldError(model.KindTask, err)
	}
	next.Title = strings.TrimSpace(next.Title)
	if next.Title == "" {
		return model.Task{}, invalid(model.KindTask, "title", "required")
	}
	if next.ProjectID != current.ProjectID && next.ProjectID != "" {
		if _, ok := s.projects[next.ProjectID]; !ok {
			return model.Task{}, invalid(model.KindTask, "projectId", "unknown project")
		}
	}
	now := s.now()
	switch {
	case next.Status.Terminal() && !current.Status.Terminal():
		next.CompletedAt = &now
	case !next.Status.Terminal():
		next.CompletedAt = nil
	}
	next.UpdatedAt = now
	s.tasks[id] = next
	if err := s.commitLocked(model.KindTask, id, next, false, next.ProjectID, ""); err != nil {
		return model.Task{}, err
	}
	return next.Clone(), nil
}

func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return s.commitLocked(model.KindTask, id, nil, false, task.ProjectID, "")
}

func (s *Store) ListProjects() []model.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Project, 0, len(s.projects))
	for _, project := range s.projects {
		out = append(out, project.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return model.CompareIDs(out[i].ID, out[j].ID) < 0 })
	return out
}

func (s *Store) GetProject(id string) (model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[id]
	if !ok {
		return model.Project{}, ErrNotFound
	}
	return project.Clone(), nil
}

func (s *Store) CreateProject(input model.Project) (model.Project, error) {
	project := input.Clone()
	project.Name = strings.TrimSpace(project.Name)
	if project.Name == "" {
		return model.Project{}, invalid(model.KindProject, "name", "required")
	}
	if project.Status == "" {
		project.Status = model.ProjectActive
	}
	if !project.Status.Valid() {
		return model.Project{}, invalid(model.KindProject, "status", fmt.Sprintf("unknown status %q", project.Status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if project.ID == "" {
		project.ID = newID()
	} else if _, exists := s.projects[project.ID]; exists {
		return model.Project{}, ErrConflict
	}
	now := s.now()
	project.CreatedAt = now
	project.UpdatedAt = now
	s.projects[project.ID] = project
	if err := s.commitLocked(model.KindProject, project.ID, project, true, project.ID, ""); err != nil {
		return model.Project{}, err
	}
	return project.Clone(), nil
}

func (s *Store) UpdateProject(id string, fields model.FieldSet) (model.Project, error) {
	if len(fields) == 0 {
		return model.Project{}, invalid(model.KindProject, "body", "no fields")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.projects[id]
	if !ok {
		return model.Project{}, ErrNotFound
	}
	next, err := model.Apply(current, fields)
	if err != nil {
		return model.Project{}, fromFieldError(model.KindProject, err)
	}
	next.Name = strings.TrimSpace(next.Name)
	if next.Name == "" {
		return model.Project{}, invalid(model.KindProject, "name", "required")
	}
	next.UpdatedAt = s.now()
	s.projects[id] = next
	if err := s.commitLocked(model.KindProject, id, next, false, id, ""); err != nil {
		return model.Project{}, err
	}
	return next.Clone(), nil
}

// DeleteProject removes the project and every task in it. Each removed task
// emits its own TASK_DELETED change before PROJECT_DELETED.
func (s *Store) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	var taskIDs []string
	for taskID, task := range s.tasks {
		if task.ProjectID == id {
			taskIDs = append(taskIDs, taskID)
		}
	}
	sort.Slice(taskIDs, func(i, j int) bool { return model.CompareIDs(taskIDs[i], taskIDs[j]) < 0 })
	for _, taskID := range taskIDs {
		delete(s.tasks, taskID)
	}
	delete(s.projects, id)
	if err := s.saveLocked(); err != nil {
		return err
	}
	for _, taskID := range taskIDs {
		s.emitLocked(model.KindTask, taskID, nil, false, id, "")
	}
	s.emitLocked(model.KindProject, id, nil, false, id, "")
	return nil
}

// ListNotifications returns notifications for userID, or all of them when
// userID is empty.
func (s *Store) ListNotifications(userID string) []model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		if userID != "" && n.UserID != userID {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return model.CompareIDs(out[i].ID, out[j].ID) < 0 })
	return out
}

func (s *Store) GetNotification(id string) (model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return model.Notification{}, ErrNotFound
	}
	return n, nil
}

func (s *Store) CreateNotification(input model.Notification) (model.Notification, error) {
	n := input
	if strings.TrimSpace(n.UserID) == "" {
		return model.Notification{}, invalid(model.KindNotification, "userId", "required")
	}
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return model.Notification{}, invalid(model.KindNotification, "title", "required")
	}
	if n.Type == "" {
		n.Type = "GENERAL"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = newID()
	} else if _, exists := s.notifications[n.ID]; exists {
		return model.Notification{}, ErrConflict
	}
	now := s.now()
	n.CreatedAt = now
	n.UpdatedAt = now
	s.notifications[n.ID] = n
	if err := s.commitLocked(model.KindNotification, n.ID, n, true, "", n.UserID); err != nil {
		return model.Notification{}, err
	}
	return n, nil
}

func (s *Store) UpdateNotification(id string, fields model.FieldSet) (model.Notification, error) {
	if len(fields) == 0 {
		return model.Notification{}, invalid(model.KindNotification, "body", "no fields")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.notifications[id]
	if !ok {
		return model.Notification{}, ErrNotFound
	}
	next, err := model.Apply(current, fields)
	if err != nil {
		return model.Notification{}, fromFieldError(model.KindNotification, err)
	}
	next.UpdatedAt = s.now()
	s.notifications[id] = next
	if err := s.commitLocked(model.KindNotification, id, next, false, "", next.UserID); err != nil {
		return model.Notification{}, err
	}
	return next, nil
}

func (s *Store) DeleteNotification(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.notifications, id)
	return s.commitLocked(model.KindNotification, id, nil, false, "", n.UserID)
}

// commitLocked persists the snapshot and then announces the write. A failed
// save is returned and nothing is announced.
func (s *Store) commitLocked(kind model.Kind, id string, record any, created bool, projectID, userID string) error {
	if err := s.saveLocked(); err != nil {
		s.logger.Error("state save failed", "kind", kind, "id", id, "err", err)
		return err
	}
	s.emitLocked(kind, id, record, created, projectID, userID)
	return nil
}

func (s *Store) emitLocked(kind model.Kind, id string, record any, created bool, projectID, userID string) {
	s.eventCounter++
	change := Change{
		Event:     model.EventFor(kind, created, record == nil),
		Kind:      kind,
		ID:        id,
		Record:    record,
		ProjectID: projectID,
		UserID:    userID,
		At:        s.now(),
	}
	s.listenersMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for listenerID := range s.listeners {
		ids = append(ids, listenerID)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, listenerID := range ids {
		fns = append(fns, s.listeners[listenerID])
	}
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

// EventCount is the number of changes announced since the store was created,
// including those restored from the backend.
func (s *Store) EventCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventCounter
}

func newID() string {
	return ulid.Make().String()
}

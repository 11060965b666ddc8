package syncengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/trackersync/internal/httpapi"
	"github.com/agentworkforce/trackersync/internal/model"
	"github.com/agentworkforce/trackersync/internal/optimistic"
	"github.com/agentworkforce/trackersync/internal/realtime"
	"github.com/agentworkforce/trackersync/internal/replica"
	"github.com/agentworkforce/trackersync/internal/trackerstore"
	"github.com/agentworkforce/trackersync/internal/views"
)

type harness struct {
	store  *trackerstore.Store
	engine *Engine
}

func newHarness(t *testing.T, userID string, projects []string) *harness {
	t.Helper()
	return newHarnessWith(t, userID, projects, nil)
}

// newHarnessWith lets a test put middleware in front of the reference API.
func newHarnessWith(t *testing.T, userID string, projects []string, wrap func(http.Handler) http.Handler) *harness {
	t.Helper()
	store := trackerstore.NewStore()
	if _, err := store.CreateProject(model.Project{ID: "p1", Name: "Platform"}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if _, err := store.CreateProject(model.Project{ID: "p2", Name: "Growth"}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if _, err := store.CreateTask(model.Task{ID: "1", Title: "Ship sync", ProjectID: "p1"}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if _, err := store.CreateTask(model.Task{ID: "2", Title: "Landing page", ProjectID: "p2"}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	store.CreateNotification(model.Notification{ID: "n1", UserID: userID, Title: "assigned"})
	store.CreateNotification(model.Notification{ID: "n2", UserID: "someone-else", Title: "not mine"})

	server := httpapi.NewServer(store)
	var handler http.Handler = server
	if wrap != nil {
		handler = wrap(server)
	}
	ts := httptest.NewServer(handler)

	token, err := httpapi.IssueToken("dev-secret", userID, httpapi.DefaultScopes, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	engine, err := New(Options{
		APIURL:               ts.URL,
		StreamURL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream",
		Token:                token,
		UserID:               userID,
		Projects:             projects,
		ReconnectInterval:    50 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ConnectTimeout:       2 * time.Second,
		AuthTimeout:          2 * time.Second,
		RequestTimeout:       2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
		engine.Wait()
		server.Close()
		ts.Close()
	})
	return &harness{store: store, engine: engine}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineLoadsScopedSnapshot(t *testing.T) {
	h := newHarness(t, "u1", []string{"p1"})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.engine.Start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	if _, ok := h.engine.Tasks().Get("1"); !ok {
		t.Fatalf("expected task 1 in replica")
	}
	if _, ok := h.engine.Tasks().Get("2"); ok {
		t.Fatalf("expected task 2 outside the p1 scope to be skipped")
	}
	if h.engine.Projects().Len() != 2 {
		t.Fatalf("expected both projects, got %d", h.engine.Projects().Len())
	}
	if h.engine.Notifications().Len() != 1 || h.engine.UnreadCount() != 1 {
		t.Fatalf("expected only u1's notification, got %d", h.engine.Notifications().Len())
	}
	if state := h.engine.ConnectionState(); state != realtime.StateConnected {
		t.Fatalf("expected connected, got %s", state)
	}
}

func TestEngineFollowsServerWrites(t *testing.T) {
	h := newHarness(t, "u1", []string{"p1"})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var mu sync.Mutex
	var columns []int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.WatchTaskView(ctx, views.Spec{GroupBy: views.GroupStatus}, func(r views.Result) {
		mu.Lock()
		columns = append(columns, len(r.Groups))
		mu.Unlock()
	})

	created, err := h.store.CreateTask(model.Task{Title: "From another tab", ProjectID: "p1"})
	if err != nil {
		t.Fatalf("server create: %v", err)
	}
	waitFor(t, "pushed task", func() bool {
		_, ok := h.engine.Tasks().Get(created.ID)
		return ok
	})

	h.store.UpdateTask("1", model.FieldSet{"status": "DONE"})
	waitFor(t, "pushed update", func() bool {
		task, _ := h.engine.Tasks().Get("1")
		return task.Status == model.StatusDone
	})
	if progress := h.engine.ProjectProgress("p1"); progress.Done != 1 || progress.Total != 2 {
		t.Fatalf("expected 1/2 done in p1, got %+v", progress)
	}

	h.store.DeleteTask(created.ID)
	waitFor(t, "pushed delete", func() bool {
		_, ok := h.engine.Tasks().Get(created.ID)
		return !ok
	})
	if h.engine.DispatchStats().Applied < 3 {
		t.Fatalf("expected dispatcher to count applied events, got %+v", h.engine.DispatchStats())
	}
	waitFor(t, "view recomputed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(columns) >= 2
	})
}

func TestEngineOptimisticUpdateAndRollback(t *testing.T) {
	h := newHarness(t, "u1", nil)
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	failures := make(chan optimistic.Failure, 4)
	unsubscribe := h.engine.OnMutationFailure(func(f optimistic.Failure) { failures <- f })
	defer unsubscribe()

	if _, err := h.engine.UpdateTask("1", model.FieldSet{"title": "Ship sync v2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if task, _ := h.engine.Tasks().Get("1"); task.Title != "Ship sync v2" {
		t.Fatalf("expected local apply before the server answers, got %q", task.Title)
	}
	h.engine.Wait()
	if task, _ := h.store.GetTask("1"); task.Title != "Ship sync v2" {
		t.Fatalf("expected server to persist the edit, got %q", task.Title)
	}

	// The server rejects unknown projects with 422.
	if _, err := h.engine.UpdateTask("1", model.FieldSet{"projectId": "ghost"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.engine.Wait()
	select {
	case failure := <-failures:
		if failure.EntityID != "1" || failure.Kind != model.KindTask {
			t.Fatalf("unexpected failure %+v", failure)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected a failure notice")
	}
	task, _ := h.engine.Tasks().Get("1")
	if task.ProjectID != "p1" || task.Title != "Ship sync v2" {
		t.Fatalf("expected projectId rolled back and title kept, got %+v", task)
	}
	if len(h.engine.PendingEdits()) != 0 {
		t.Fatalf("expected no pending edits, got %+v", h.engine.PendingEdits())
	}
}

func TestEngineMarkAllNotificationsRead(t *testing.T) {
	h := newHarness(t, "u1", nil)
	h.store.CreateNotification(model.Notification{ID: "n3", UserID: "u1", Title: "mentioned"})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.engine.MarkAllNotificationsRead(); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if h.engine.UnreadCount() != 0 {
		t.Fatalf("expected local unread count to drop immediately")
	}
	h.engine.Wait()
	for _, id := range []string{"n1", "n3"} {
		n, _ := h.store.GetNotification(id)
		if !n.Read {
			t.Fatalf("expected %s read on the server", id)
		}
	}
	if _, err := h.engine.DismissNotification("n1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	h.engine.Wait()
	if _, err := h.store.GetNotification("n1"); err == nil {
		t.Fatalf("expected n1 deleted on the server")
	}
}

func TestEngineCloseStopsConnection(t *testing.T) {
	h := newHarness(t, "u1", nil)
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.engine.Close()
	if state := h.engine.ConnectionState(); state != realtime.StateDisconnected {
		t.Fatalf("expected disconnected after close, got %s", state)
	}
	if err := h.engine.Start(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWatchTokenFileAppliesRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	applied := make(chan string, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watchTokenFile(ctx, path, func(token string) { applied <- token }, noopLog, noopLog)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for got := ""; got != "second"; {
		select {
		case got = <-applied:
		case <-tick.C:
			// Rename into place so the write is atomic for the reader.
			tmp := filepath.Join(dir, ".token.tmp")
			if err := os.WriteFile(tmp, []byte("second\n"), 0o600); err != nil {
				t.Fatalf("write token: %v", err)
			}
			if err := os.Rename(tmp, path); err != nil {
				t.Fatalf("rename token: %v", err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for token rotation")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watcher returned %v", err)
	}
	select {
	case extra := <-applied:
		if extra != "second" {
			t.Fatalf("unexpected extra token %q", extra)
		}
	default:
	}
}

func noopLog(string, ...any) {}

func TestEngineStartRetriesAfterFailedLoad(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	h := newHarnessWith(t, "u1", nil, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if failing.Load() {
				http.Error(w, `{"code":"forbidden","message":"maintenance"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	if err := h.engine.Start(context.Background()); err == nil {
		t.Fatalf("expected initial load to fail")
	}
	failing.Store(false)
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("expected second start to succeed, got %v", err)
	}
	if h.engine.Tasks().Len() != 2 {
		t.Fatalf("expected snapshot after retry, got %d tasks", h.engine.Tasks().Len())
	}
}

func TestEngineReloadKeepsInFlightEdits(t *testing.T) {
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	h := newHarnessWith(t, "u1", nil, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPatch {
				<-release
			}
			next.ServeHTTP(w, r)
		})
	})
	// Runs before the harness cleanup so a held PATCH cannot block shutdown.
	t.Cleanup(unblock)
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.engine.UpdateTask("1", model.FieldSet{"status": "REVIEW"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.store.UpdateTask("1", model.FieldSet{"title": "Renamed elsewhere"})
	// The pushed record carries the server's status and lands on top of the
	// local edit.
	waitFor(t, "pushed rename", func() bool {
		task, _ := h.engine.Tasks().Get("1")
		return task.Title == "Renamed elsewhere"
	})

	if err := h.engine.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	task, _ := h.engine.Tasks().Get("1")
	if task.Status != model.StatusReview || task.Title != "Renamed elsewhere" {
		t.Fatalf("expected pending status over reloaded title, got %+v", task)
	}
	unblock()
	h.engine.Wait()
	task, _ = h.engine.Tasks().Get("1")
	if task.Status != model.StatusReview {
		t.Fatalf("expected confirmed status, got %s", task.Status)
	}
}

func TestEngineReadersAreReadOnly(t *testing.T) {
	h := newHarness(t, "u1", nil)
	if _, ok := h.engine.Tasks().(*replica.Replica[model.Task]); ok {
		t.Fatalf("expected tasks reader not to expose the replica")
	}
	if _, ok := h.engine.Notifications().(*replica.Replica[model.Notification]); ok {
		t.Fatalf("expected notifications reader not to expose the replica")
	}
}

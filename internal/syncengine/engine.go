// Package syncengine wires the replica, the push connection, the event
// dispatcher and the optimistic coordinators into one handle.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/trackersync/internal/apiclient"
	"github.com/agentworkforce/trackersync/internal/clock"
	"github.com/agentworkforce/trackersync/internal/config"
	"github.com/agentworkforce/trackersync/internal/dispatch"
	"github.com/agentworkforce/trackersync/internal/metrics"
	"github.com/agentworkforce/trackersync/internal/model"
	"github.com/agentworkforce/trackersync/internal/optimistic"
	"github.com/agentworkforce/trackersync/internal/realtime"
	"github.com/agentworkforce/trackersync/internal/replica"
	"github.com/agentworkforce/trackersync/internal/views"
)

var (
	ErrClosed         = errors.New("engine closed")
	ErrAlreadyStarted = errors.New("engine already started")
)

type Options struct {
	APIURL    string
	StreamURL string
	Token     string
	// UserID scopes the initial notification load. Empty loads whatever the
	// server returns for the token.
	UserID   string
	Projects []string

	ReconnectInterval    time.Duration
	ReconnectJitter      float64
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
	AuthTimeout          time.Duration
	PingInterval         time.Duration
	RequestTimeout       time.Duration
	Recency              replica.RecencyPolicy

	HTTPClient *http.Client
	Dialer     realtime.Dialer
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func OptionsFromConfig(cfg config.Config, token string) Options {
	return Options{
		APIURL:               cfg.APIURL,
		StreamURL:            cfg.StreamURL,
		Token:                token,
		UserID:               cfg.UserID,
		Projects:             append([]string(nil), cfg.Projects...),
		ReconnectInterval:    cfg.Reconnect.Interval,
		ReconnectJitter:      cfg.Reconnect.Jitter,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		ConnectTimeout:       cfg.ConnectTimeout,
		AuthTimeout:          cfg.AuthTimeout,
		PingInterval:         cfg.PingInterval,
		RequestTimeout:       cfg.RequestTimeout,
		Recency:              cfg.RecencyPolicy(),
	}
}

// Engine is the single handle a client builds at startup. Rendering code
// reads through the Reader accessors and never writes to the replicas.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	store         *replica.Store
	api           *apiclient.Client
	dispatcher    *dispatch.Dispatcher
	conn          *realtime.Manager
	tasks         *optimistic.Coordinator[model.Task]
	projects      *optimistic.Coordinator[model.Project]
	notifications *optimistic.Coordinator[model.Notification]

	// runCtx ends on Close and bounds every background goroutine.
	runCtx context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

func New(opts Options) (*Engine, error) {
	if strings.TrimSpace(opts.StreamURL) == "" {
		return nil, fmt.Errorf("%w: stream URL is required", realtime.ErrInvalidOptions)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	e := &Engine{
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		clock:   clk,
		store:   replica.NewStore(opts.Recency),
	}
	e.runCtx, e.cancel = context.WithCancel(context.Background())
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	e.api = apiclient.New(opts.APIURL, opts.Token, httpClient)

	dispatcher, err := dispatch.New(e.store, dispatch.Options{
		Logger:  logger.With("component", "dispatch"),
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	e.dispatcher = dispatcher

	conn, err := realtime.NewManager(realtime.Options{
		URL:                  opts.StreamURL,
		Token:                opts.Token,
		ReconnectInterval:    opts.ReconnectInterval,
		ReconnectJitter:      opts.ReconnectJitter,
		MaxReconnectAttempts: opts.MaxReconnectAttempts,
		ConnectTimeout:       opts.ConnectTimeout,
		AuthTimeout:          opts.AuthTimeout,
		PingInterval:         opts.PingInterval,
		Dialer:               opts.Dialer,
		Handler:              dispatcher.Handle,
		Clock:                clk,
		Logger:               logger.With("component", "realtime"),
		Metrics:              opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	e.conn = conn
	for _, projectID := range opts.Projects {
		conn.AddScope(realtime.Scope{ProjectID: projectID})
	}

	coordOpts := optimistic.Options{
		RequestTimeout: opts.RequestTimeout,
		AlreadyGone:    apiclient.IsNotFound,
		Now:            clk.Now,
		Logger:         logger.With("component", "optimistic"),
		Metrics:        opts.Metrics,
	}
	e.tasks = optimistic.New[model.Task](e.store.Tasks, e.api.Tasks(), coordOpts)
	e.projects = optimistic.New[model.Project](e.store.Projects, e.api.Projects(), coordOpts)
	e.notifications = optimistic.New[model.Notification](e.store.Notifications, e.api.Notifications(), coordOpts)
	return e, nil
}

// Start loads the initial snapshot over the API, then opens the push
// connection. A failed initial load is returned; a failed first connect is
// not, since the manager keeps retrying on its own schedule.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	if err := e.Reload(ctx); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.trackReplicaSizes(e.runCtx)
	}()
	if err := e.conn.Connect(ctx); err != nil {
		e.logger.Warn("initial connect failed", "err", err, "state", e.conn.State())
	}
	return nil
}

// Reload replaces the replica contents with a fresh snapshot from the API.
// Fields with an edit still in flight keep their local value.
func (e *Engine) Reload(ctx context.Context) error {
	tasks, err := e.loadTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	projects, err := e.api.Projects().List(ctx, apiclient.ListOptions{})
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}
	notifications, err := e.api.Notifications().List(ctx, apiclient.ListOptions{UserID: e.opts.UserID})
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	e.tasks.ReplaceAll(tasks)
	e.projects.ReplaceAll(projects)
	e.notifications.ReplaceAll(notifications)
	e.logger.Info("replica loaded", "tasks", len(tasks), "projects", len(projects), "notifications", len(notifications))
	return nil
}

func (e *Engine) loadTasks(ctx context.Context) ([]model.Task, error) {
	if len(e.opts.Projects) == 0 {
		return e.api.Tasks().List(ctx, apiclient.ListOptions{})
	}
	var out []model.Task
	for _, projectID := range e.opts.Projects {
		tasks, err := e.api.Tasks().List(ctx, apiclient.ListOptions{ProjectID: projectID})
		if err != nil {
			return nil, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}

func (e *Engine) Tasks() replica.Reader[model.Task] {
	return replica.ReadOnly(e.store.Tasks)
}

func (e *Engine) Projects() replica.Reader[model.Project] {
	return replica.ReadOnly(e.store.Projects)
}

func (e *Engine) Notifications() replica.Reader[model.Notification] {
	return replica.ReadOnly(e.store.Notifications)
}

func (e *Engine) ConnectionState() realtime.State { return e.conn.State() }
func (e *Engine) DispatchStats() dispatch.Stats   { return e.dispatcher.Stats() }

func (e *Engine) TaskView(spec views.Spec) views.Result {
	started := time.Now()
	result := views.Compute(e.store.Tasks.Snapshot(), spec, e.clock.Now())
	e.metrics.ObserveViewCompute(time.Since(started).Seconds())
	return result
}

// WatchTaskView calls fn with a fresh view now and after every task replica
// change until ctx is done or the engine closes. Bursts of changes are
// coalesced.
func (e *Engine) WatchTaskView(ctx context.Context, spec views.Spec, fn func(views.Result)) {
	sub := e.store.Tasks.Subscribe()
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer sub.Close()
		fn(e.TaskView(spec))
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.runCtx.Done():
				return
			case <-sub.C:
				fn(e.TaskView(spec))
			}
		}
	}()
}

func (e *Engine) ProjectProgress(projectID string) views.Progress {
	return views.ProjectProgress(projectID, e.store.Tasks.Snapshot())
}

func (e *Engine) UnreadCount() int {
	return views.UnreadCount(e.store.Notifications.Snapshot())
}

func (e *Engine) UpdateTask(id string, fields model.FieldSet) (string, error) {
	return e.tasks.ApplyLocal(id, fields)
}

func (e *Engine) MoveTask(id string, status model.TaskStatus) (string, error) {
	return e.tasks.ApplyLocal(id, model.FieldSet{"status": status})
}

func (e *Engine) DeleteTask(id string) (string, error) {
	return e.tasks.RemoveLocal(id)
}

func (e *Engine) UpdateProject(id string, fields model.FieldSet) (string, error) {
	return e.projects.ApplyLocal(id, fields)
}

func (e *Engine) DeleteProject(id string) (string, error) {
	return e.projects.RemoveLocal(id)
}

func (e *Engine) MarkNotificationRead(id string) (string, error) {
	return e.notifications.ApplyLocal(id, model.FieldSet{"read": true})
}

// MarkAllNotificationsRead issues one optimistic edit per unread
// notification and returns the first local error, if any.
func (e *Engine) MarkAllNotificationsRead() error {
	var firstErr error
	for _, n := range e.store.Notifications.Snapshot() {
		if n.Read {
			continue
		}
		if _, err := e.MarkNotificationRead(n.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) DismissNotification(id string) (string, error) {
	return e.notifications.RemoveLocal(id)
}

func (e *Engine) PendingEdits() []optimistic.Edit {
	out := e.tasks.Pending()
	out = append(out, e.projects.Pending()...)
	return append(out, e.notifications.Pending()...)
}

func (e *Engine) OnMutationFailure(fn func(optimistic.Failure)) func() {
	unsubs := []func(){
		e.tasks.OnFailure(fn),
		e.projects.OnFailure(fn),
		e.notifications.OnFailure(fn),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (e *Engine) OnStateChange(fn func(realtime.StateChange)) func() {
	return e.conn.Subscribe(fn)
}

func (e *Engine) AddScope(projectID string) bool {
	return e.conn.AddScope(realtime.Scope{ProjectID: projectID})
}

func (e *Engine) RemoveScope(projectID string) bool {
	return e.conn.RemoveScope(realtime.Scope{ProjectID: projectID})
}

func (e *Engine) NetworkOnline() error {
	return e.conn.NetworkOnline()
}

// SetToken rotates the credential for API calls immediately and for the push
// connection on its next handshake.
func (e *Engine) SetToken(token string) {
	e.api.SetToken(token)
	e.conn.SetToken(token)
}

func (e *Engine) Wait() {
	e.tasks.Wait()
	e.projects.Wait()
	e.notifications.Wait()
}

// Close disconnects and stops background work. In-flight optimistic requests
// are left to finish; call Wait to block on them.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.conn.Disconnect("client closing")
	e.cancel()
	e.bg.Wait()
	return nil
}

func (e *Engine) trackReplicaSizes(ctx context.Context) {
	tasks := e.store.Tasks.Subscribe()
	projects := e.store.Projects.Subscribe()
	notifications := e.store.Notifications.Subscribe()
	defer tasks.Close()
	defer projects.Close()
	defer notifications.Close()
	report := func() {
		for kind, n := range e.store.Counts() {
			e.metrics.SetReplicaRecords(string(kind), n)
		}
	}
	report()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tasks.C:
		case <-projects.C:
		case <-notifications.C:
		}
		report()
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/trackersync/internal/model"
	"github.com/agentworkforce/trackersync/internal/trackerstore"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// DefaultPageSize and MaxPageSize bound list responses.
	DefaultPageSize int
	MaxPageSize     int
	// StreamAuthTimeout bounds the wait for the first frame on /v1/stream.
	StreamAuthTimeout time.Duration
	// StreamBuffer is the per-connection outbound queue; a client that falls
	// this far behind is disconnected.
	StreamBuffer   int
	OriginPatterns []string
	Logger         *slog.Logger
}

type Server struct {
	store       *trackerstore.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	hub         *hub
	logger      *slog.Logger
	unsubscribe func()
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *trackerstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *trackerstore.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 100
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 500
	}
	if cfg.StreamAuthTimeout <= 0 {
		cfg.StreamAuthTimeout = 5 * time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		hub:         newHub(logger),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	s.unsubscribe = store.Subscribe(s.hub.broadcast)
	return s
}

// Close disconnects every stream client and stops listening to the store.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.closeAll()
}

// StreamClients reports the number of authenticated stream connections.
func (s *Server) StreamClients() int {
	return s.hub.count()
}

// collection describes the routes of one entity type.
type collection struct {
	readScope  string
	writeScope string
	list       func(s *Server, w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string)
	create     func(s *Server, w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string)
	get        func(s *Server, w http.ResponseWriter, id string, claims tokenClaims, correlationID string)
	update     func(s *Server, w http.ResponseWriter, r *http.Request, id string, claims tokenClaims, correlationID string)
	remove     func(s *Server, w http.ResponseWriter, id string, claims tokenClaims, correlationID string)
}

var collections = map[string]collection{
	"tasks": {
		readScope:  ScopeTasksRead,
		writeScope: ScopeTasksWrite,
		list:       (*Server).handleListTasks,
		create:     (*Server).handleCreateTask,
		get:        (*Server).handleGetTask,
		update:     (*Server).handleUpdateTask,
		remove:     (*Server).handleDeleteTask,
	},
	"projects": {
		readScope:  ScopeProjectsRead,
		writeScope: ScopeProjectsWrite,
		list:       (*Server).handleListProjects,
		create:     (*Server).handleCreateProject,
		get:        (*Server).handleGetProject,
		update:     (*Server).handleUpdateProject,
		remove:     (*Server).handleDeleteProject,
	},
	"notifications": {
		readScope:  ScopeNotificationsRead,
		writeScope: ScopeNotificationsWrite,
		list:       (*Server).handleListNotifications,
		create:     (*Server).handleCreateNotification,
		get:        (*Server).handleGetNotification,
		update:     (*Server).handleUpdateNotification,
		remove:     (*Server).handleDeleteNotification,
	},
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "streamClients": s.hub.count()})
		return
	}
	if r.URL.Path == "/v1/stream" && r.Method == http.MethodGet {
		s.handleStream(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	coll, ok := collections[parts[1]]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		requiredScope, route = coll.readScope, "list"
	case len(parts) == 2 && r.Method == http.MethodPost:
		requiredScope, route = coll.writeScope, "create"
	case len(parts) == 3 && r.Method == http.MethodGet:
		requiredScope, route = coll.readScope, "get"
	case len(parts) == 3 && r.Method == http.MethodPatch:
		requiredScope, route = coll.writeScope, "update"
	case len(parts) == 3 && r.Method == http.MethodDelete:
		requiredScope, route = coll.writeScope, "delete"
	default:
		w.Header().Set("Allow", allowedMethods(len(parts)))
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.UserID, s.now()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "list":
		coll.list(s, w, r, claims, correlationID)
	case "create":
		coll.create(s, w, r, claims, correlationID)
	case "get":
		coll.get(s, w, parts[2], claims, correlationID)
	case "update":
		coll.update(s, w, r, parts[2], claims, correlationID)
	case "delete":
		coll.remove(s, w, parts[2], claims, correlationID)
	}
}

func allowedMethods(depth int) string {
	if depth == 2 {
		return "GET, POST"
	}
	return "GET, PATCH, DELETE"
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	query := r.URL.Query()
	tasks := s.store.ListTasks(trackerstore.TaskFilter{
		ProjectID:  strings.TrimSpace(query.Get("projectId")),
		AssigneeID: strings.TrimSpace(query.Get("assigneeId")),
	})
	writePageOf(s, w, r, tasks, func(t model.Task) string { return t.ID })
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var input model.Task
	if !s.decodeJSONBody(w, r, correlationID, &input) {
		return
	}
	if input.ReporterID == "" {
		input.ReporterID = claims.UserID
	}
	task, err := s.store.CreateTask(input)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, id string, _ tokenClaims, correlationID string) {
	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request, id string, _ tokenClaims, correlationID string) {
	var fields model.FieldSet
	if !s.decodeJSONBody(w, r, correlationID, &fields) {
		return
	}
	task, err := s.store.UpdateTask(id, fields)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, id string, _ tokenClaims, correlationID string) {
	if err := s.store.DeleteTask(id); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request, _ tokenClaims, _ string) {
	writePageOf(s, w, r, s.store.ListProjects(), func(p model.Project) string { return p.ID })
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var input model.Project
	if !s.decodeJSONBody(w, r, correlationID, &input) {
		return
	}
	if input.OwnerID == "" {
		input.OwnerID = claims.UserID
	}
	project, err := s.store.CreateProject(input)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, id string, _ tokenClaims, correlationID string) {
	project, err := s.store.GetProject(id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request, id string, _ tokenClaims, correlationID string) {
	var fields model.FieldSet
	if !s.decodeJSONBody(w, r, correlationID, &fields) {
		return
	}
	project, err := s.store.UpdateProject(id, fields)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, id string, _ tokenClaims, correlationID string) {
	if err := s.store.DeleteProject(id); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Users see their own notifications; the admin scope may name any user.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		userID = claims.UserID
	}
	if userID != claims.UserID && !claims.has(ScopeAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot read another user's notifications", correlationID)
		return
	}
	writePageOf(s, w, r, s.store.ListNotifications(userID), func(n model.Notification) string { return n.ID })
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var input model.Notification
	if !s.decodeJSONBody(w, r, correlationID, &input) {
		return
	}
	if input.UserID == "" {
		input.UserID = claims.UserID
	}
	n, err := s.store.CreateNotification(input)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleGetNotification(w http.ResponseWriter, id string, claims tokenClaims, correlationID string) {
	n, ok := s.ownNotification(w, id, claims, correlationID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleUpdateNotification(w http.ResponseWriter, r *http.Request, id string, claims tokenClaims, correlationID string) {
	if _, ok := s.ownNotification(w, id, claims, correlationID); !ok {
		return
	}
	var fields model.FieldSet
	if !s.decodeJSONBody(w, r, correlationID, &fields) {
		return
	}
	n, err := s.store.UpdateNotification(id, fields)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, id string, claims tokenClaims, correlationID string) {
	if _, ok := s.ownNotification(w, id, claims, correlationID); !ok {
		return
	}
	if err := s.store.DeleteNotification(id); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownNotification answers 404 for other users' notifications so their ids
// are not disclosed.
func (s *Server) ownNotification(w http.ResponseWriter, id string, claims tokenClaims, correlationID string) (model.Notification, bool) {
	n, err := s.store.GetNotification(id)
	if err == nil && n.UserID != claims.UserID && !claims.has(ScopeAdmin) {
		err = trackerstore.ErrNotFound
	}
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return model.Notification{}, false
	}
	return n, true
}

type page[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"nextCursor"`
}

// writePageOf slices an id-ordered list. The cursor is the last id returned, so
// records inserted behind it do not shift later pages.
func writePageOf[T any](s *Server, w http.ResponseWriter, r *http.Request, items []T, idOf func(T) string) {
	query := r.URL.Query()
	limit := parseBoundedInt(query.Get("limit"), s.cfg.DefaultPageSize, 1, s.cfg.MaxPageSize)
	start := 0
	if cursor := strings.TrimSpace(query.Get("cursor")); cursor != "" {
		start = len(items)
		for i, item := range items {
			if model.CompareIDs(idOf(item), cursor) > 0 {
				start = i
				break
			}
		}
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	out := page[T]{Items: items[start:end]}
	if end < len(items) {
		next := idOf(items[end-1])
		out.NextCursor = &next
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var validation *trackerstore.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"code":          "invalid_input",
			"message":       validation.Error(),
			"correlationId": correlationID,
			"fields":        validation.Fields,
		})
	case errors.Is(err, trackerstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
	case errors.Is(err, trackerstore.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "record already exists", correlationID)
	case errors.Is(err, trackerstore.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "correlation_id", correlationID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

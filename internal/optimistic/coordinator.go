package optimistic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/trackersync/internal/metrics"
	"github.com/agentworkforce/trackersync/internal/model"
	"github.com/agentworkforce/trackersync/internal/replica"
)

var (
	ErrNoFields = errors.New("no fields to update")
	ErrNotFound = replica.ErrNotFound
)

type Operation string

const (
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

type Record[T any] interface {
	model.Record[T]
	Clone() T
}

// API is the request/response collaborator for one entity type. Update
// returns the authoritative record after the server applied fields.
type API[T any] interface {
	Update(ctx context.Context, id string, fields model.FieldSet) (T, error)
	Delete(ctx context.Context, id string) error
}

type Failure struct {
	EditID    string
	Kind      model.Kind
	EntityID  string
	Operation Operation
	Fields    []string
	Err       error
}

func (f Failure) Error() string {
	return fmt.Sprintf("failed to %s %s %q: %v", f.Operation, f.Kind, f.EntityID, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

type Edit struct {
	ID        string
	Kind      model.Kind
	EntityID  string
	Operation Operation
	Fields    model.FieldSet
	Status    Status
	CreatedAt time.Time
}

type Options struct {
	// RequestTimeout bounds each API call. Zero means 30s.
	RequestTimeout time.Duration
	// AlreadyGone reports delete errors that mean the record no longer
	// exists on the server; such deletes are treated as confirmed.
	AlreadyGone func(error) bool
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type edit[T any] struct {
	Edit
	// baseline is the value each field had before any pending edit touched
	// it. Only fields in owned are rolled back by this edit.
	baseline map[string]any
	owned    map[string]bool
	snapshot T
}

// Coordinator applies local intents to a replica immediately and reconciles
// them with the API response when it arrives.
type Coordinator[T Record[T]] struct {
	kind    model.Kind
	replica *replica.Replica[T]
	api     API[T]
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	edits    map[string]*edit[T]
	owners   map[string]map[string]*edit[T]
	deleting map[string]*edit[T]

	observersMu  sync.Mutex
	observers    map[int]func(Failure)
	nextObserver int

	inflight sync.WaitGroup
}

func New[T Record[T]](target *replica.Replica[T], api API[T], opts Options) *Coordinator[T] {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AlreadyGone == nil {
		opts.AlreadyGone = func(error) bool { return false }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator[T]{
		kind:      target.Kind(),
		replica:   target,
		api:       api,
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		edits:     map[string]*edit[T]{},
		owners:    map[string]map[string]*edit[T]{},
		deleting:  map[string]*edit[T]{},
		observers: map[int]func(Failure){},
	}
}

// ApplyLocal writes fields to the replica now and sends the update in the
// background. The returned error covers only local validation; API failures
// are reported through OnFailure after the rollback.
func (c *Coordinator[T]) ApplyLocal(entityID string, fields model.FieldSet) (string, error) {
	if len(fields) == 0 {
		return "", ErrNoFields
	}
	fields = fields.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.deleting[entityID]; ok {
		return "", fmt.Errorf("%w: %s %q is being deleted", ErrNotFound, c.kind, entityID)
	}

	e := &edit[T]{
		Edit: Edit{
			ID:        ulid.Make().String(),
			Kind:      c.kind,
			EntityID:  entityID,
			Operation: OpUpdate,
			Fields:    fields,
			Status:    StatusPending,
			CreatedAt: c.opts.Now(),
		},
		baseline: map[string]any{},
		owned:    map[string]bool{},
	}
	_, err := c.replica.Mutate(entityID, func(current T, exists bool) (T, bool, error) {
		if !exists {
			return current, false, fmt.Errorf("%w: %s %q", ErrNotFound, c.kind, entityID)
		}
		next, err := model.Apply(current, fields)
		if err != nil {
			return current, false, err
		}
		for _, name := range fields.Names() {
			if prior := c.owners[entityID][name]; prior != nil {
				e.baseline[name] = prior.baseline[name]
				continue
			}
			value, _ := current.Field(name)
			e.baseline[name] = value
		}
		return next, true, nil
	})
	if err != nil {
		return "", err
	}

	owners := c.owners[entityID]
	if owners == nil {
		owners = map[string]*edit[T]{}
		c.owners[entityID] = owners
	}
	for _, name := range fields.Names() {
		if prior := owners[name]; prior != nil {
			delete(prior.owned, name)
		}
		owners[name] = e
		e.owned[name] = true
	}
	c.track(e)

	c.inflight.Add(1)
	go c.sendUpdate(e)
	return e.ID, nil
}

// RemoveLocal drops the record from the replica now and sends the delete in
// the background. On failure the removed record is put back unless the id
// reappeared in the meantime.
func (c *Coordinator[T]) RemoveLocal(entityID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.deleting[entityID]; ok {
		return "", fmt.Errorf("%w: %s %q is already being deleted", ErrNotFound, c.kind, entityID)
	}
	current, ok := c.replica.Get(entityID)
	if !ok {
		return "", fmt.Errorf("%w: %s %q", ErrNotFound, c.kind, entityID)
	}
	e := &edit[T]{
		Edit: Edit{
			ID:        ulid.Make().String(),
			Kind:      c.kind,
			EntityID:  entityID,
			Operation: OpDelete,
			Status:    StatusPending,
			CreatedAt: c.opts.Now(),
		},
		snapshot: current,
	}
	c.replica.Remove(entityID)
	c.deleting[entityID] = e
	c.track(e)

	c.inflight.Add(1)
	go c.sendDelete(e)
	return e.ID, nil
}

// ReplaceAll swaps in a full server snapshot with the values of pending
// edits laid back on top. The snapshot becomes the rollback baseline for
// those fields, and entities awaiting a delete stay out of the replica.
func (c *Coordinator[T]) ReplaceAll(entities []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make([]T, 0, len(entities))
	for _, entity := range entities {
		id := entity.EntityID()
		if pendingDelete := c.deleting[id]; pendingDelete != nil {
			pendingDelete.snapshot = entity
			continue
		}
		next := entity
		for name, owner := range c.owners[id] {
			if value, ok := entity.Field(name); ok {
				owner.baseline[name] = value
			}
			updated, err := next.WithField(name, owner.Fields[name])
			if err != nil {
				c.logger.Warn("reapplying pending field failed", "kind", c.kind, "id", id, "field", name, "error", err)
				continue
			}
			next = updated
		}
		merged = append(merged, next)
	}
	c.replica.ReplaceAll(merged)
}

// Pending lists edits awaiting a response, oldest first.
func (c *Coordinator[T]) Pending() []Edit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Edit, 0, len(c.edits))
	for _, e := range c.edits {
		view := e.Edit
		view.Fields = e.Fields.Clone()
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator[T]) OnFailure(fn func(Failure)) func() {
	c.observersMu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	c.observersMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.observersMu.Lock()
			delete(c.observers, id)
			c.observersMu.Unlock()
		})
	}
}

func (c *Coordinator[T]) Wait() {
	c.inflight.Wait()
}

func (c *Coordinator[T]) sendUpdate(e *edit[T]) {
	defer c.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	authoritative, err := c.api.Update(ctx, e.EntityID, e.Fields)
	if err != nil {
		c.rollbackUpdate(e, err)
		return
	}
	c.confirmUpdate(e, authoritative)
}

func (c *Coordinator[T]) sendDelete(e *edit[T]) {
	defer c.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	err := c.api.Delete(ctx, e.EntityID)
	if err != nil && !c.opts.AlreadyGone(err) {
		c.rollbackDelete(e, err)
		return
	}

	c.mu.Lock()
	c.untrack(e)
	delete(c.deleting, e.EntityID)
	c.mu.Unlock()
	c.metrics.EditFinished(string(c.kind), string(StatusConfirmed))
}

// confirmUpdate stores the authoritative record, keeping the values of
// newer pending edits on top of it. Newer edits that took fields over from e
// adopt the confirmed values as their rollback baseline.
func (c *Coordinator[T]) confirmUpdate(e *edit[T], authoritative T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.untrack(e)

	owners := c.owners[e.EntityID]
	for _, name := range e.Fields.Names() {
		if owner := owners[name]; owner != nil && owner != e {
			if value, ok := authoritative.Field(name); ok {
				owner.baseline[name] = value
			}
		}
	}
	c.releaseOwnership(e)

	merged := authoritative
	for name, owner := range c.owners[e.EntityID] {
		next, err := merged.WithField(name, owner.Fields[name])
		if err != nil {
			c.logger.Warn("reapplying pending field failed", "kind", c.kind, "id", e.EntityID, "field", name, "error", err)
			continue
		}
		merged = next
	}

	if pendingDelete := c.deleting[e.EntityID]; pendingDelete != nil {
		pendingDelete.snapshot = merged
	} else if merged.EntityID() != "" {
		c.replica.Upsert(merged)
	}
	c.metrics.EditFinished(string(c.kind), string(StatusConfirmed))
	c.logger.Debug("optimistic edit confirmed", "kind", c.kind, "id", e.EntityID, "edit", e.ID)
}

func (c *Coordinator[T]) rollbackUpdate(e *edit[T], cause error) {
	c.mu.Lock()
	c.untrack(e)
	restore := make([]string, 0, len(e.owned))
	for name := range e.owned {
		restore = append(restore, name)
	}
	sort.Strings(restore)
	c.releaseOwnership(e)

	if len(restore) > 0 {
		_, err := c.replica.Mutate(e.EntityID, func(current T, exists bool) (T, bool, error) {
			if !exists {
				return current, false, nil
			}
			next := current
			for _, name := range restore {
				restored, err := next.WithField(name, e.baseline[name])
				if err != nil {
					return current, false, err
				}
				next = restored
			}
			return next, true, nil
		})
		if err != nil {
			c.logger.Error("rollback failed", "kind", c.kind, "id", e.EntityID, "edit", e.ID, "error", err)
		}
	}
	c.mu.Unlock()

	c.publish(Failure{
		EditID:    e.ID,
		Kind:      c.kind,
		EntityID:  e.EntityID,
		Operation: OpUpdate,
		Fields:    e.Fields.Names(),
		Err:       cause,
	})
}

func (c *Coordinator[T]) rollbackDelete(e *edit[T], cause error) {
	c.mu.Lock()
	c.untrack(e)
	delete(c.deleting, e.EntityID)
	if _, exists := c.replica.Get(e.EntityID); !exists {
		c.replica.Upsert(e.snapshot)
	}
	c.mu.Unlock()

	c.publish(Failure{
		EditID:    e.ID,
		Kind:      c.kind,
		EntityID:  e.EntityID,
		Operation: OpDelete,
		Err:       cause,
	})
}

func (c *Coordinator[T]) publish(failure Failure) {
	c.metrics.EditFinished(string(c.kind), string(StatusFailed))
	c.logger.Warn("optimistic edit rolled back", "kind", failure.Kind, "id", failure.EntityID, "operation", failure.Operation, "error", failure.Err)

	c.observersMu.Lock()
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]func(Failure), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, c.observers[id])
	}
	c.observersMu.Unlock()

	for _, fn := range observers {
		fn(failure)
	}
}

func (c *Coordinator[T]) track(e *edit[T]) {
	c.edits[e.ID] = e
	c.metrics.SetPendingEdits(string(c.kind), len(c.edits))
}

func (c *Coordinator[T]) untrack(e *edit[T]) {
	delete(c.edits, e.ID)
	c.metrics.SetPendingEdits(string(c.kind), len(c.edits))
}

func (c *Coordinator[T]) releaseOwnership(e *edit[T]) {
	owners := c.owners[e.EntityID]
	for name := range e.owned {
		if owners[name] == e {
			delete(owners, name)
		}
	}
	e.owned = map[string]bool{}
	if len(owners) == 0 {
		delete(c.owners, e.EntityID)
	}
}

package replica

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/trackersync/internal/model"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// RecencyPolicy decides whether an inbound write may replace the stored record.
type RecencyPolicy int

const (
	// ArrivalOrder lets the last applied write win regardless of timestamps.
	ArrivalOrder RecencyPolicy = iota
	// RejectStale drops upserts whose updatedAt is strictly older than the
	// stored record's.
	RejectStale
)

func (p RecencyPolicy) String() string {
	switch p {
	case RejectStale:
		return "reject-stale"
	default:
		return "arrival-order"
	}
}

func ParseRecencyPolicy(raw string) (RecencyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "arrival", "arrival-order":
		return ArrivalOrder, nil
	case "reject-stale", "timestamp":
		return RejectStale, nil
	default:
		return ArrivalOrder, ErrInvalidInput
	}
}

// Entity is a replicated record that can be deep-copied.
type Entity[T any] interface {
	model.Entity
	Clone() T
}

// Reader is the read-only surface handed to rendering code.
type Reader[T any] interface {
	Get(id string) (T, bool)
	Snapshot() []T
	Len() int
	Version() uint64
	Subscribe() *Subscription
}

type readOnly[T Entity[T]] struct {
	r *Replica[T]
}

// ReadOnly wraps r so holders of the Reader cannot reach the mutators.
func ReadOnly[T Entity[T]](r *Replica[T]) Reader[T] {
	return readOnly[T]{r: r}
}

func (v readOnly[T]) Get(id string) (T, bool)  { return v.r.Get(id) }
func (v readOnly[T]) Snapshot() []T            { return v.r.Snapshot() }
func (v readOnly[T]) Len() int                 { return v.r.Len() }
func (v readOnly[T]) Version() uint64          { return v.r.Version() }
func (v readOnly[T]) Subscribe() *Subscription { return v.r.Subscribe() }

// Replica holds the latest observed state of one entity type keyed by id.
// Every method is safe for concurrent use and runs to completion before any
// other mutation is observed. Stored records are never handed out: readers
// receive clones.
type Replica[T Entity[T]] struct {
	kind   model.Kind
	policy RecencyPolicy

	mu      sync.RWMutex
	items   map[string]T
	version uint64

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

func New[T Entity[T]](kind model.Kind, policy RecencyPolicy) *Replica[T] {
	return &Replica[T]{
		kind:   kind,
		policy: policy,
		items:  map[string]T{},
		subs:   map[*Subscription]struct{}{},
	}
}

func (r *Replica[T]) Kind() model.Kind {
	return r.kind
}

// Upsert inserts the entity or replaces the stored record wholesale. It
// reports whether the replica changed; empty ids and, under RejectStale,
// strictly older writes are refused.
func (r *Replica[T]) Upsert(entity T) bool {
	id := entity.EntityID()
	if strings.TrimSpace(id) == "" {
		return false
	}
	r.mu.Lock()
	if existing, ok := r.items[id]; ok && r.policy == RejectStale {
		if entity.LastModified().Before(existing.LastModified()) {
			r.mu.Unlock()
			return false
		}
	}
	r.items[id] = entity.Clone()
	r.version++
	version := r.version
	r.mu.Unlock()

	r.notify(version)
	return true
}

// Remove deletes the record if present. Removing an absent id is a no-op.
func (r *Replica[T]) Remove(id string) bool {
	r.mu.Lock()
	if _, ok := r.items[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.items, id)
	r.version++
	version := r.version
	r.mu.Unlock()

	r.notify(version)
	return true
}

// ReplaceAll swaps the whole content. Meant for the initial load only: it
// discards anything not in entities, including optimistic values.
func (r *Replica[T]) ReplaceAll(entities []T) {
	next := make(map[string]T, len(entities))
	for _, entity := range entities {
		id := entity.EntityID()
		if strings.TrimSpace(id) == "" {
			continue
		}
		next[id] = entity.Clone()
	}
	r.mu.Lock()
	r.items = next
	r.version++
	version := r.version
	r.mu.Unlock()

	r.notify(version)
}

// Mutate runs fn against the current record under the write lock. fn gets a
// copy and reports whether its result should be stored. Used for
// read-modify-write sequences that must not interleave with other writers.
func (r *Replica[T]) Mutate(id string, fn func(current T, exists bool) (T, bool, error)) (T, error) {
	var zero T
	if strings.TrimSpace(id) == "" {
		return zero, ErrInvalidInput
	}
	r.mu.Lock()
	current, exists := r.items[id]
	if exists {
		current = current.Clone()
	}
	next, write, err := fn(current, exists)
	if err != nil || !write {
		r.mu.Unlock()
		return current, err
	}
	if next.EntityID() != id {
		r.mu.Unlock()
		return current, ErrInvalidInput
	}
	r.items[id] = next.Clone()
	r.version++
	version := r.version
	r.mu.Unlock()

	r.notify(version)
	return next, nil
}

func (r *Replica[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entity, ok := r.items[id]
	if !ok {
		var zero T
		return zero, false
	}
	return entity.Clone(), true
}

// Snapshot returns copies of every record ordered by natural id.
func (r *Replica[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, 0, len(r.items))
	for _, entity := range r.items {
		out = append(out, entity.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return model.CompareIDs(out[i].EntityID(), out[j].EntityID()) < 0
	})
	return out
}

func (r *Replica[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Version increases by one for every applied mutation.
func (r *Replica[T]) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

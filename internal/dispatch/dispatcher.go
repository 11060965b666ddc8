package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/agentworkforce/trackersync/internal/metrics"
	"github.com/agentworkforce/trackersync/internal/model"
	"github.com/agentworkforce/trackersync/internal/replica"
	"github.com/agentworkforce/trackersync/internal/realtime"
)

var (
	ErrMalformed   = errors.New("malformed event")
	ErrUnknownType = errors.New("unknown event type")
	// ErrStale is reported when the replica's recency policy refused a write.
	ErrStale = errors.New("stale event")
)

// Drop reasons, also used as metric labels.
const (
	reasonMalformed = "malformed"
	reasonUnknown   = "unknown_type"
	reasonStale     = "stale"
)

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stats counts what the dispatcher did with inbound frames.
type Stats struct {
	Applied   uint64
	Ignored   uint64
	Malformed uint64
	Unknown   uint64
	Stale     uint64
	ByType    map[model.EventType]uint64
}

// Dispatcher routes push frames to the owning replica, one frame at a time,
// in the order they are handed in.
type Dispatcher struct {
	store   *replica.Store
	schemas *schemas
	routes  map[model.EventType]routeEntry
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	stats Stats
}

func New(store *replica.Store, opts Options) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("replica store is required")
	}
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Dispatcher{
		store:   store,
		schemas: compiled,
		logger:  logger,
		metrics: opts.Metrics,
		stats:   Stats{ByType: map[model.EventType]uint64{}},
	}
	d.routes = d.buildRoutes()
	return d, nil
}

// Handle is the transport-facing entry point. It never returns an error and
// never panics on bad input: failures are logged and counted.
func (d *Dispatcher) Handle(raw []byte) {
	eventType, err := d.Apply(raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownType):
		d.logger.Debug("dropping event of unknown type", "type", eventType)
	case errors.Is(err, ErrStale):
		d.logger.Debug("dropping stale event", "type", eventType, "error", err)
	default:
		d.logger.Warn("dropping malformed event", "type", eventType, "error", err)
	}
}

// Apply validates and applies one frame, reporting what happened. Control
// frames of the push protocol are accepted and ignored.
func (d *Dispatcher) Apply(raw []byte) (model.EventType, error) {
	if err := validate(d.schemas.envelope, raw); err != nil {
		d.drop(reasonMalformed)
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var envelope struct {
		Type model.EventType `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		d.drop(reasonMalformed)
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if isControlFrame(envelope.Type) {
		d.mu.Lock()
		d.stats.Ignored++
		d.mu.Unlock()
		return envelope.Type, nil
	}
	entry, ok := d.routes[envelope.Type]
	if !ok {
		d.drop(reasonUnknown)
		return envelope.Type, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
	if len(envelope.Data) == 0 {
		d.drop(reasonMalformed)
		return envelope.Type, fmt.Errorf("%w: %s without data", ErrMalformed, envelope.Type)
	}
	if err := validate(entry.schema, envelope.Data); err != nil {
		d.drop(reasonMalformed)
		return envelope.Type, fmt.Errorf("%w: %s payload: %v", ErrMalformed, envelope.Type, err)
	}
	changed, err := entry.apply(envelope.Data)
	if err != nil {
		d.drop(reasonMalformed)
		return envelope.Type, fmt.Errorf("%w: %s payload: %v", ErrMalformed, envelope.Type, err)
	}
	if !changed && !entry.remove {
		d.drop(reasonStale)
		return envelope.Type, fmt.Errorf("%w: %s", ErrStale, envelope.Type)
	}

	d.mu.Lock()
	d.stats.Applied++
	d.stats.ByType[envelope.Type]++
	d.mu.Unlock()
	d.metrics.EventApplied(string(envelope.Type))
	return envelope.Type, nil
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.stats
	out.ByType = make(map[model.EventType]uint64, len(d.stats.ByType))
	for k, v := range d.stats.ByType {
		out.ByType[k] = v
	}
	return out
}

func (d *Dispatcher) drop(reason string) {
	d.mu.Lock()
	switch reason {
	case reasonMalformed:
		d.stats.Malformed++
	case reasonUnknown:
		d.stats.Unknown++
	case reasonStale:
		d.stats.Stale++
	}
	d.mu.Unlock()
	d.metrics.EventDropped(reason)
}

func isControlFrame(eventType model.EventType) bool {
	switch string(eventType) {
	case realtime.FrameAuthOK, realtime.FrameAuthError, realtime.FrameSubscribed, realtime.FramePong:
		return true
	}
	return false
}

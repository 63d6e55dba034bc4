package value

import (
	"context"
	"fmt"
	"sync"

	"github.com/tangram-dev/tangram/id"
)

// Store is the slice of the client surface the handle protocol needs.
type Store interface {
	GetObjectExists(ctx context.Context, i id.ID) (bool, error)
	// TryGetObject returns the serialized bytes for i, or ok=false if the
	// object is not present.
	TryGetObject(ctx context.Context, i id.ID) (data []byte, ok bool, err error)
	// TryPutObject stores bytes under i. If any referenced child is not
	// already stored it writes nothing and returns the missing IDs.
	TryPutObject(ctx context.Context, i id.ID, data []byte) (missing []id.ID, err error)
}

// Handle is a lazy reference to a value. It holds an ID, a loaded value,
// or both. ID forces a store; Load forces a load. Once both sides are
// populated every access is a pure read.
type Handle struct {
	mu    sync.Mutex
	id    id.ID
	value Value
}

// NewHandle wraps a freshly constructed value with no ID yet.
func NewHandle(v Value) *Handle {
	return &Handle{value: v}
}

// HandleWithID references a stored object by ID without loading it.
func HandleWithID(i id.ID) *Handle {
	return &Handle{id: i}
}

// handleWithRunID pairs a pre-allocated random run ID with its value. Run
// IDs are chosen before the run completes, so they are not content
// addresses.
func handleWithRunID(i id.ID, v Value) *Handle {
	return &Handle{id: i, value: v}
}

// CachedID returns the ID if it has been computed, without storing.
func (h *Handle) CachedID() (id.ID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id, !h.id.IsZero()
}

// CachedValue returns the value if it has been loaded, without loading.
func (h *Handle) CachedValue() (Value, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.value != nil
}

// ID returns the handle's ID, storing the value (and its children,
// recursively) first if it has never been stored.
func (h *Handle) ID(ctx context.Context, s Store) (id.ID, error) {
	h.mu.Lock()
	if !h.id.IsZero() {
		i := h.id
		h.mu.Unlock()
		return i, nil
	}
	v := h.value
	h.mu.Unlock()
	if v == nil {
		return id.ID{}, fmt.Errorf("handle has neither id nor value")
	}
	return h.store(ctx, s, v, id.ID{})
}

// Store serializes the value and writes it (and its children) even when
// the ID is already known. The scheduler uses this to persist runs under
// their pre-allocated random IDs.
func (h *Handle) Store(ctx context.Context, s Store) (id.ID, error) {
	h.mu.Lock()
	v := h.value
	preset := h.id
	h.mu.Unlock()
	if v == nil {
		// Nothing loaded means the object is already stored.
		return preset, nil
	}
	return h.store(ctx, s, v, preset)
}

func (h *Handle) store(ctx context.Context, s Store, v Value, preset id.ID) (id.ID, error) {
	for _, child := range children(v) {
		if _, err := child.ID(ctx, s); err != nil {
			return id.ID{}, err
		}
	}
	data, err := Serialize(v)
	if err != nil {
		return id.ID{}, err
	}
	i := preset
	if i.IsZero() {
		i = id.New(v.Kind(), data)
	}
	missing, err := s.TryPutObject(ctx, i, data)
	if err != nil {
		return id.ID{}, err
	}
	if len(missing) > 0 {
		return id.ID{}, fmt.Errorf("store rejected %s: %d children missing", i, len(missing))
	}
	h.mu.Lock()
	h.id = i
	h.mu.Unlock()
	return i, nil
}

// Load returns the handle's value, reading and deserializing it from the
// store if it has never been loaded.
func (h *Handle) Load(ctx context.Context, s Store) (Value, error) {
	h.mu.Lock()
	if h.value != nil {
		v := h.value
		h.mu.Unlock()
		return v, nil
	}
	i := h.id
	h.mu.Unlock()
	if i.IsZero() {
		return nil, fmt.Errorf("handle has neither id nor value")
	}
	data, ok, err := s.TryGetObject(ctx, i)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFoundError{ID: i}
	}
	v, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize %s: %w", i, err)
	}
	if v.Kind() != i.Kind() {
		return nil, fmt.Errorf("object %s has kind %s, want %s", i, v.Kind(), i.Kind())
	}
	h.mu.Lock()
	if h.value == nil {
		h.value = v
	}
	v = h.value
	h.mu.Unlock()
	return v, nil
}

// KindHint returns the handle's kind from whichever side is populated.
func (h *Handle) KindHint() (id.Kind, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.id.IsZero() {
		return h.id.Kind(), true
	}
	if h.value != nil {
		return h.value.Kind(), true
	}
	return 0, false
}

// ObjectRef references a standalone stored object (a blob, artifact,
// template, package, target, process, or run) from inside a composite
// value. Composites serialize these children by ID.
type ObjectRef struct {
	Handle *Handle
}

func (o ObjectRef) Kind() id.Kind {
	k, _ := o.Handle.KindHint()
	return k
}

// NotFoundError reports a missing object.
type NotFoundError struct {
	ID id.ID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object %s not found", e.ID)
}

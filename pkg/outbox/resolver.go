package outbox

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

const qualifierSeparator = ','

// EventType is a registered integration event shape.
type EventType struct {
	Name  string
	Shape reflect.Type
}

// New returns a pointer to a zero value of the shape.
func (t EventType) New() any {
	return reflect.New(t.Shape).Interface()
}

// TypeRegistry maps stored event type identifiers to Go shapes. It is built at
// startup; successful lookups are memoized and safe for concurrent use.
// Misses are not cached.
type TypeRegistry struct {
	mu      sync.RWMutex
	byName  map[string]EventType
	aliases map[string]string
	byShape map[reflect.Type]string
	cache   map[string]EventType
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName:  map[string]EventType{},
		aliases: map[string]string{},
		byShape: map[reflect.Type]string{},
		cache:   map[string]EventType{},
	}
}

// Register adds T under name. Aliases are legacy identifiers that resolve to the same shape.
func Register[T any](reg *TypeRegistry, name string, aliases ...string) error {
	return reg.register(name, reflect.TypeFor[T](), aliases)
}

// MustRegister is Register for package-level wiring.
func MustRegister[T any](reg *TypeRegistry, name string, aliases ...string) {
	if err := Register[T](reg, name, aliases...); err != nil {
		panic(err)
	}
}

func (r *TypeRegistry) register(name string, shape reflect.Type, aliases []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalidConfig("event type name is required")
	}
	if strings.ContainsRune(name, qualifierSeparator) {
		return invalidConfig("event type name %q must not contain %q", name, qualifierSeparator)
	}
	if shape.Kind() == reflect.Pointer {
		return invalidConfig("event type %q must be registered with a non-pointer shape", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrEventTypeConflict, name)
	}
	if _, ok := r.aliases[name]; ok {
		return fmt.Errorf("%w: %s", ErrEventTypeConflict, name)
	}
	if existing, ok := r.byShape[shape]; ok {
		return fmt.Errorf("%w: %s already registered as %s", ErrEventTypeConflict, shape, existing)
	}
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" || alias == name {
			continue
		}
		if _, ok := r.byName[alias]; ok {
			return fmt.Errorf("%w: alias %s", ErrEventTypeConflict, alias)
		}
		if _, ok := r.aliases[alias]; ok {
			return fmt.Errorf("%w: alias %s", ErrEventTypeConflict, alias)
		}
	}

	r.byName[name] = EventType{Name: name, Shape: shape}
	r.byShape[shape] = name
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" || alias == name {
			continue
		}
		r.aliases[alias] = name
	}
	clear(r.cache)
	return nil
}

// Resolve maps a stored identifier to a registered event type. It tries an
// exact match, then the identifier with trailing qualifiers stripped, then a
// search by bare name.
func (r *TypeRegistry) Resolve(eventType string) (EventType, error) {
	r.mu.RLock()
	t, ok := r.cache[eventType]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[eventType]; ok {
		return t, nil
	}
	t, err := r.resolveLocked(eventType)
	if err != nil {
		return EventType{}, err
	}
	r.cache[eventType] = t
	return t, nil
}

func (r *TypeRegistry) resolveLocked(raw string) (EventType, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return EventType{}, &ResolutionError{EventType: raw, Err: ErrUnknownEventType}
	}
	if t, ok := r.lookupLocked(name); ok {
		return t, nil
	}

	stripped := name
	if i := strings.IndexRune(name, qualifierSeparator); i >= 0 {
		stripped = strings.TrimSpace(name[:i])
		if t, ok := r.lookupLocked(stripped); ok {
			return t, nil
		}
	}

	bare := bareName(stripped)
	if bare == "" {
		return EventType{}, &ResolutionError{EventType: raw, Err: ErrUnknownEventType}
	}
	var candidates []EventType
	for _, t := range r.byName {
		if bareName(t.Name) == bare {
			candidates = append(candidates, t)
		}
	}
	switch len(candidates) {
	case 0:
		return EventType{}, &ResolutionError{EventType: raw, Err: ErrUnknownEventType}
	case 1:
		return candidates[0], nil
	}

	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return EventType{}, &ResolutionError{EventType: raw, Candidates: names, Err: ErrAmbiguousEventType}
}

func (r *TypeRegistry) lookupLocked(name string) (EventType, bool) {
	if t, ok := r.byName[name]; ok {
		return t, true
	}
	if target, ok := r.aliases[name]; ok {
		t, ok := r.byName[target]
		return t, ok
	}
	return EventType{}, false
}

// NameOf returns the registered name of v's shape. Pointers are dereferenced.
func (r *TypeRegistry) NameOf(v any) (string, error) {
	if v == nil {
		return "", fmt.Errorf("%w: <nil>", ErrUnregisteredEvent)
	}
	shape := reflect.TypeOf(v)
	for shape.Kind() == reflect.Pointer {
		shape = shape.Elem()
	}
	r.mu.RLock()
	name, ok := r.byShape[shape]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnregisteredEvent, shape)
	}
	return name, nil
}

func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func bareName(name string) string {
	if i := strings.LastIndexAny(name, ".+/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	ErrTypeNotRegistered = errors.New("serialization: type not registered")
	ErrTypeConflict      = errors.New("serialization: type name already registered")
)

// TypeRegistry maps payload type names to Go types so that payloads can be
// decoded into their original type
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
	names map[reflect.Type]string
}

// NewTypeRegistry creates an empty type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register registers the type of prototype under typeName. Pointer
// prototypes decode to pointers.
func (r *TypeRegistry) Register(typeName string, prototype interface{}) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if prototype == nil {
		return fmt.Errorf("prototype cannot be nil")
	}

	t := reflect.TypeOf(prototype)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("%w: %s is %v", ErrTypeConflict, typeName, existing)
	}
	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// RegisterType registers prototype under its package qualified type name
func (r *TypeRegistry) RegisterType(prototype interface{}) error {
	if prototype == nil {
		return fmt.Errorf("prototype cannot be nil")
	}
	return r.Register(TypeName(prototype), prototype)
}

// Lookup returns the type registered under typeName
func (r *TypeRegistry) Lookup(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[typeName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, typeName)
	}
	return t, nil
}

// NameOf returns the name the type of value was registered under
func (r *TypeRegistry) NameOf(value interface{}) (string, bool) {
	if value == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[reflect.TypeOf(value)]
	return name, ok
}

// Names returns the registered type names in sorted order
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newTarget returns a pointer to decode into and whether the decoded value
// is returned as that pointer
func (r *TypeRegistry) newTarget(typeName string) (interface{}, bool, error) {
	t, err := r.Lookup(typeName)
	if err != nil {
		return nil, false, err
	}
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface(), true, nil
	}
	return reflect.New(t).Interface(), false, nil
}

// TypeName returns the package qualified name of the type of value, for
// example "github.com/acme/orders.OrderPlaced"
func TypeName(value interface{}) string {
	t := reflect.TypeOf(value)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Binding ties a transaction type to the handler entries it runs.
type Binding struct {
	Handler Handler

	// Exec is the entry run for forward transactions.
	Exec string

	// Rollback is the entry run for compensations. Empty means the
	// compensation only reverts the step's patches.
	Rollback string
}

// Registry maps transaction type codes to handler bindings. It is built
// once at startup from configuration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	bindings map[TransactionType]Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		bindings: make(map[TransactionType]Binding),
	}
}

// Register makes a handler available for binding under its name.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Handler returns a registered handler by name.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Bind maps a type code to entries of a registered handler.
func (r *Registry) Bind(code TransactionType, handler, exec, rollback string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[handler]
	if !ok {
		return NewValidationError(fmt.Sprintf("type %d: unknown handler %q", code, handler), nil)
	}
	if exec == "" {
		return NewValidationError(fmt.Sprintf("type %d: missing exec entry", code), nil)
	}
	r.bindings[code] = Binding{Handler: h, Exec: exec, Rollback: rollback}
	return nil
}

// BindEntries maps a type code using "handler.entry" notation, e.g.
// exec "vps.start" with rollback "vps.stop". The rollback may be empty.
func (r *Registry) BindEntries(code TransactionType, exec, rollback string) error {
	handler, entry, err := ParseEntry(exec)
	if err != nil {
		return err
	}

	var rbEntry string
	if rollback != "" {
		rbHandler, e, err := ParseEntry(rollback)
		if err != nil {
			return err
		}
		if rbHandler != handler {
			return NewValidationError(
				fmt.Sprintf("type %d: rollback %q belongs to another handler than %q", code, rollback, exec), nil)
		}
		rbEntry = e
	}
	return r.Bind(code, handler, entry, rbEntry)
}

// ParseEntry splits "handler.entry".
func ParseEntry(s string) (string, string, error) {
	handler, entry, ok := strings.Cut(s, ".")
	if !ok || handler == "" || entry == "" {
		return "", "", NewValidationError(fmt.Sprintf("invalid handler entry %q", s), nil)
	}
	return handler, entry, nil
}

// Lookup returns the binding of a type code.
func (r *Registry) Lookup(code TransactionType) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[code]
	return b, ok
}

// Types returns all bound type codes in ascending order.
func (r *Registry) Types() []TransactionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]TransactionType, 0, len(r.bindings))
	for t := range r.bindings {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Validate rejects unknown types and payloads the handler refuses.
func (r *Registry) Validate(code TransactionType, payload json.RawMessage) error {
	b, ok := r.Lookup(code)
	if !ok {
		return NewValidationError(fmt.Sprintf("transaction type %d", code), ErrUnknownType).
			WithCode(ErrCodeUnsupported)
	}

	if len(payload) > 0 && !json.Valid(payload) {
		return NewValidationError("Bad param syntax", nil).WithCode(ErrCodeBadParams)
	}

	if v, ok := b.Handler.(PayloadValidator); ok {
		if err := v.ValidatePayload(b.Exec, payload); err != nil {
			return NewValidationError(fmt.Sprintf("invalid payload for %s.%s", b.Handler.Name(), b.Exec), err).
				WithCode(ErrCodeBadParams)
		}
	}
	return nil
}

package router

import (
    "context"
    "errors"
    "fmt"
    "sync"
)

// Handler executes one procedure call. The returned map becomes the success
// result; a non-nil error is propagated to the caller as an application
// failure with the message preserved verbatim.
type Handler func(ctx context.Context, call *CallContext) (map[string]any, error)

// Router resolves procedure names and validates inputs. The dispatcher
// consumes this interface; Mux is the standard implementation.
type Router interface {
    // Resolve returns the handler registered for procedure, if any.
    Resolve(procedure string) (Handler, bool)
    // Validate checks input against the procedure's schema and returns the
    // (possibly normalized) input, or a *ValidationError.
    Validate(procedure string, input map[string]any) (map[string]any, error)
}

// Store is the side-channel application state handlers may read and mutate.
// Transact groups mutations into one atomic change: either every staged
// mutation is applied, or none when fn returns an error.
type Store interface {
    Get(key string) (any, bool)
    Records() []map[string]any
    Transact(fn func(tx Tx) error) error
}

// Tx stages mutations inside a Store.Transact scope.
type Tx interface {
    Put(key string, value any)
    Append(record map[string]any)
}

// ErrNoStore is returned by CallContext.Transact when the dispatcher was
// assembled without an application store.
var ErrNoStore = errors.New("router: no store configured")

// CallContext carries the per-call environment a handler runs in: the
// validated input, the application store, and a response sink for result
// fields attached outside the handler's return value.
type CallContext struct {
    ID        string
    Procedure string
    Input     map[string]any
    Store     Store

    mu   sync.Mutex
    resp map[string]any
}

// NewCallContext is used by the dispatcher to assemble a handler environment.
func NewCallContext(id, procedure string, input map[string]any, store Store) *CallContext {
    return &CallContext{ID: id, Procedure: procedure, Input: input, Store: store}
}

// SetResponse attaches an extra field to the eventual success result. Fields
// returned by the handler win on key conflicts.
func (c *CallContext) SetResponse(key string, value any) {
    c.mu.Lock()
    if c.resp == nil {
        c.resp = make(map[string]any)
    }
    c.resp[key] = value
    c.mu.Unlock()
}

// ResponseFields returns a copy of everything written via SetResponse.
func (c *CallContext) ResponseFields() map[string]any {
    c.mu.Lock()
    defer c.mu.Unlock()
    if len(c.resp) == 0 {
        return nil
    }
    out := make(map[string]any, len(c.resp))
    for k, v := range c.resp {
        out[k] = v
    }
    return out
}

// Transact runs fn against the application store as one atomic change. A
// handler that mutates the store mid-call should use this so a failure never
// leaves partially-applied side effects.
func (c *CallContext) Transact(fn func(tx Tx) error) error {
    if c.Store == nil {
        return ErrNoStore
    }
    return c.Store.Transact(fn)
}

// Procedure declares one callable operation: its name, input schema and
// handler.
type Procedure struct {
    Name    string
    Input   Schema
    Handler Handler
}

// Mux is a registry of procedures implementing Router.
type Mux struct {
    mu    sync.RWMutex
    procs map[string]Procedure
}

func NewMux() *Mux {
    return &Mux{procs: make(map[string]Procedure)}
}

// Handle registers p, replacing any procedure of the same name.
func (m *Mux) Handle(p Procedure) error {
    if p.Name == "" {
        return fmt.Errorf("router: empty procedure name")
    }
    if p.Handler == nil {
        return fmt.Errorf("router: nil handler for %q", p.Name)
    }
    m.mu.Lock()
    m.procs[p.Name] = p
    m.mu.Unlock()
    return nil
}

func (m *Mux) Resolve(procedure string) (Handler, bool) {
    m.mu.RLock()
    p, ok := m.procs[procedure]
    m.mu.RUnlock()
    if !ok {
        return nil, false
    }
    return p.Handler, true
}

func (m *Mux) Validate(procedure string, input map[string]any) (map[string]any, error) {
    m.mu.RLock()
    p, ok := m.procs[procedure]
    m.mu.RUnlock()
    if !ok {
        return nil, fmt.Errorf("router: unknown procedure %q", procedure)
    }
    if p.Input == nil {
        return input, nil
    }
    if err := p.Input.Check(input); err != nil {
        return nil, err
    }
    return input, nil
}

var _ Router = (*Mux)(nil)

package contextvars

import "sync"

// Func is a named pure function backing a computed variable. It must not
// hold state; the engine may evaluate it any number of times.
type Func func(inputs map[string]any) (any, error)

// FuncRegistry maps function names declared in workflow definitions to
// their implementations.
type FuncRegistry struct {
	funcs map[string]Func
	mu    sync.RWMutex
}

// NewFuncRegistry creates an empty registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]Func)}
}

// Register adds or replaces a function.
func (r *FuncRegistry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Get looks up a function by name.
func (r *FuncRegistry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

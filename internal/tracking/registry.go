package tracking

import (
	"errors"
	"sync"
)

var ErrAlreadyRegistered = errors.New("background task already registered")

// Registrar is the process-wide background task registration, the analogue of
// the OS scheduler entry that keeps continuous tracking alive.
type Registrar interface {
	Register(name string) error
	Unregister(name string) error
	IsRegistered(name string) bool
}

// ProcessRegistry is an in-process Registrar. Drop simulates the host silently
// discarding a registration while the process is suspended.
type ProcessRegistry struct {
	mu    sync.Mutex
	tasks map[string]bool
}

func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{tasks: make(map[string]bool)}
}

func (r *ProcessRegistry) Register(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks[name] {
		return ErrAlreadyRegistered
	}
	r.tasks[name] = true
	return nil
}

func (r *ProcessRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, name)
	return nil
}

func (r *ProcessRegistry) IsRegistered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[name]
}

func (r *ProcessRegistry) Drop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, name)
}

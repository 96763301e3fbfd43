package runtime

import (
	"fmt"
	"sync"
)

// Handler runs one kind of job. There is currently a single kind
// (video generation), but dispatch stays keyed so batch or maintenance jobs
// can slot in.
type Handler interface {
	Kind() string
	Run(jc *Context) error
}

const KindVideoGeneration = "video_generation"

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	k := h.Kind()
	if k == "" {
		return fmt.Errorf("handler Kind() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("handler already registered for kind=%s", k)
	}
	r.handlers[k] = h
	return nil
}

func (r *Registry) Get(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

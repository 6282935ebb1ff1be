package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry dispatches Open to the variant registered for cfg.Provider.
type Registry struct {
	mu      sync.RWMutex
	openers map[ProviderKind]Opener
}

func NewRegistry() *Registry {
	return &Registry{openers: make(map[ProviderKind]Opener)}
}

func (r *Registry) Register(kind ProviderKind, opener Opener) {
	if r == nil || opener == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openers == nil {
		r.openers = make(map[ProviderKind]Opener)
	}
	r.openers[kind] = opener
}

func (r *Registry) Kinds() []ProviderKind {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderKind, 0, len(r.openers))
	for kind := range r.openers {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Open(ctx context.Context, cfg Config, cb Callbacks) (Transport, error) {
	if r == nil {
		return nil, fmt.Errorf("transport registry is nil")
	}
	r.mu.RLock()
	opener, ok := r.openers[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
	return opener.Open(ctx, cfg, cb)
}

package signaling

import "sync"

// Registry holds the active Channel of each Kind.
type Registry struct {
	// openMu serializes Open so replacements of one kind cannot interleave.
	openMu sync.Mutex
	mu     sync.Mutex
	active map[Kind]*Channel
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[Kind]*Channel)}
}

// Open builds a Channel for cfg.Kind, cleans up the one it replaces and then
// connects the new one. The predecessor is stopped before the new channel
// becomes Active or registers its routing identity.
func (r *Registry) Open(cfg Config) *Channel {
	ch := NewChannel(cfg)

	r.openMu.Lock()
	defer r.openMu.Unlock()

	r.mu.Lock()
	prev := r.active[cfg.Kind]
	r.mu.Unlock()
	if prev != nil {
		prev.Cleanup()
	}

	r.mu.Lock()
	r.active[cfg.Kind] = ch
	r.mu.Unlock()
	ch.Connect()
	return ch
}

func (r *Registry) Active(kind Kind) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[kind]
}

// Close cleans up ch and drops it from the registry if it is still the
// active channel of its kind.
func (r *Registry) Close(ch *Channel) {
	if ch == nil {
		return
	}
	r.mu.Lock()
	if r.active[ch.kind] == ch {
		delete(r.active, ch.kind)
	}
	r.mu.Unlock()
	ch.Cleanup()
}

// CloseAll cleans up every active channel.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	chans := make([]*Channel, 0, len(r.active))
	for k, ch := range r.active {
		chans = append(chans, ch)
		delete(r.active, k)
	}
	r.mu.Unlock()
	for _, ch := range chans {
		ch.Cleanup()
	}
}

package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
)

// Factory creates the session for a thread that is not yet live.
type Factory func(ctx context.Context, id string) (*Session, []*ctxpkg.MalformedStateError, error)

// Registry maps thread ids to live sessions. It is owned by the
// application; the conversation engine itself holds no thread map.
type Registry struct {
	factory Factory

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, sessions: map[string]*Session{}}
}

// NewThreadID returns a fresh random thread identifier.
func NewThreadID() string {
	return uuid.NewString()
}

// Get returns the session for id, creating it on first use. Warnings are
// only returned when the session is created.
func (r *Registry) Get(ctx context.Context, id string) (*Session, []*ctxpkg.MalformedStateError, error) {
	if id == "" {
		return nil, nil, fmt.Errorf("thread id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil, nil
	}
	s, warnings, err := r.factory(ctx, id)
	if err != nil {
		return nil, warnings, err
	}
	r.sessions[id] = s
	return s, warnings, nil
}

// Drop forgets a live session. Persisted state is untouched.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// IDs returns the live thread ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

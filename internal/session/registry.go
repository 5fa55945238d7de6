package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps external user ids to sessions. A session is created on the
// first reference to an unknown id and lives until Shutdown; there is no
// eviction.
type Registry struct {
	opts        Options
	maxSessions int

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	session *Session
	ready   chan struct{}
	err     error
}

// NewRegistry creates a registry whose sessions are built from opts (the
// ID field is ignored). maxSessions <= 0 means unlimited.
func NewRegistry(opts Options, maxSessions int) *Registry {
	return &Registry{
		opts:        opts,
		maxSessions: maxSessions,
		sessions:    make(map[string]*entry),
	}
}

// GetOrCreate returns the session for id, creating and initializing it if
// needed. The bool reports whether this call created it. Concurrent calls
// for a new id wait for the single initialization.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if e.err != nil {
			return nil, false, e.err
		}
		return e.session, false, nil
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("%w (%d)", ErrSessionLimit, r.maxSessions)
	}
	e := &entry{ready: make(chan struct{})}
	r.sessions[id] = e
	r.mu.Unlock()

	sess, err := r.build(ctx, id)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		e.err = err
		close(e.ready)
		return nil, false, err
	}
	e.session = sess
	close(e.ready)
	return sess, true, nil
}

func (r *Registry) build(ctx context.Context, id string) (*Session, error) {
	opts := r.opts
	opts.ID = id
	sess, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := sess.Init(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

// Get returns an initialized session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	select {
	case <-e.ready:
	default:
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if e.err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.session, nil
}

// List returns every initialized session ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		select {
		case <-e.ready:
			if e.session != nil {
				list = append(list, e.session)
			}
		default:
		}
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].createdAt.Equal(list[j].createdAt) {
			return list[i].id < list[j].id
		}
		return list[i].createdAt.Before(list[j].createdAt)
	})
	return list
}

// Len returns the number of registered sessions, including ones still
// initializing.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.session != nil {
			e.session.Close()
		}
	}
}

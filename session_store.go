package auth

import (
	"sort"
)

// Default capability handle names.
const (
	CommunityActor = "communityActor"
	EconomyActor   = "economyActor"
)

// SessionState is an immutable snapshot of the capability handles of the
// current session. The zero value is the empty state.
type SessionState struct {
	actors    map[string]CapabilityHandle
	principal Principal
	version   uint64
}

// EmptySessionState returns the unauthenticated state.
func EmptySessionState() SessionState {
	return SessionState{}
}

// NewSessionState builds a populated state for principal. The map is copied.
func NewSessionState(principal Principal, actors map[string]CapabilityHandle) SessionState {
	if len(actors) == 0 {
		return SessionState{}
	}
	copied := make(map[string]CapabilityHandle, len(actors))
	for name, handle := range actors {
		copied[name] = handle
	}
	return SessionState{actors: copied, principal: principal}
}

// IsEmpty reports whether the state holds no handles.
func (s SessionState) IsEmpty() bool {
	return len(s.actors) == 0
}

// Actor returns the named handle.
func (s SessionState) Actor(name string) (CapabilityHandle, bool) {
	h, ok := s.actors[name]
	return h, ok && h != nil
}

// Actors returns a copy of the handle map.
func (s SessionState) Actors() map[string]CapabilityHandle {
	out := make(map[string]CapabilityHandle, len(s.actors))
	for name, handle := range s.actors {
		out[name] = handle
	}
	return out
}

// Names returns the handle names in sorted order.
func (s SessionState) Names() []string {
	names := make([]string, 0, len(s.actors))
	for name := range s.actors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Principal returns the principal the handles are bound to.
func (s SessionState) Principal() Principal {
	if s.IsEmpty() {
		return AnonymousPrincipal
	}
	return s.principal
}

// Version is a counter incremented by the store on every publish.
func (s SessionState) Version() uint64 {
	return s.version
}

// SessionStore is the process-wide holder of the current SessionState.
// It is constructed explicitly and passed by reference; writers are
// expected to be the SessionController only.
type SessionStore struct {
	names []string
	state *observable[SessionState]
}

// NewSessionStore creates an empty store expecting exactly names.
func NewSessionStore(names ...string) *SessionStore {
	unique := map[string]struct{}{}
	for _, name := range names {
		if name != "" {
			unique[name] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(unique))
	for name := range unique {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	return &SessionStore{
		names: sorted,
		state: newObservable(EmptySessionState()),
	}
}

// Names returns the handle names a complete state must contain.
func (s *SessionStore) Names() []string {
	return append([]string(nil), s.names...)
}

// Snapshot returns the current state.
func (s *SessionStore) Snapshot() SessionState {
	return s.state.get()
}

// Set publishes state. An empty state clears the store; a state that does not
// hold exactly the configured handles is rejected and the store is unchanged.
func (s *SessionStore) Set(state SessionState) error {
	if state.IsEmpty() {
		s.Clear()
		return nil
	}

	if err := s.validate(state); err != nil {
		return err
	}

	s.state.update(func(prev SessionState) SessionState {
		next := NewSessionState(state.principal, state.actors)
		next.version = prev.version + 1
		return next
	})
	return nil
}

// Clear empties the store.
func (s *SessionStore) Clear() {
	s.state.update(func(prev SessionState) SessionState {
		return SessionState{version: prev.version + 1}
	})
}

// Subscribe registers fn to be called with every new snapshot.
func (s *SessionStore) Subscribe(fn func(SessionState)) (unsubscribe func()) {
	return s.state.subscribe(fn)
}

func (s *SessionStore) validate(state SessionState) error {
	var missing, unexpected []string

	for _, name := range s.names {
		if _, ok := state.Actor(name); !ok {
			missing = append(missing, name)
		}
	}

	for name := range state.actors {
		if !s.expects(name) {
			unexpected = append(unexpected, name)
		}
	}

	if len(missing) == 0 && len(unexpected) == 0 {
		return nil
	}

	sort.Strings(unexpected)
	return ErrPartialSession.Clone().WithMetadata(map[string]any{
		"missing":    missing,
		"unexpected": unexpected,
	})
}

func (s *SessionStore) expects(name string) bool {
	idx := sort.SearchStrings(s.names, name)
	return idx < len(s.names) && s.names[idx] == name
}

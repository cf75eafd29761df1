package backend

import (
	"sync"
	"time"

	auth "github.com/goliatone/go-ic-auth"
)

// SessionDuration is how long a backend login stays valid.
const SessionDuration = 24 * time.Hour

// Service is the in-process reference backend. Callers are identified by principal.
type Service struct {
	mu    sync.RWMutex
	users map[string]UserProfile
	now   func() time.Time
}

func NewService(now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{users: map[string]UserProfile{}, now: now}
}

func (s *Service) Login(caller auth.Principal) UserProfile {
	profile := UserProfile{
		PrincipalID:     caller.Text(),
		IsAuthenticated: true,
		Timestamp:       uint64(s.now().UnixNano()),
	}

	s.mu.Lock()
	s.users[profile.PrincipalID] = profile
	s.mu.Unlock()
	return profile
}

func (s *Service) GetUser(caller auth.Principal) *UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.users[caller.Text()]
	if !ok || !s.valid(profile) {
		return nil
	}
	return &profile
}

// Logout marks the caller logged out and reports whether it was known.
func (s *Service) Logout(caller auth.Principal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.users[caller.Text()]
	if !ok {
		return false
	}
	profile.IsAuthenticated = false
	s.users[caller.Text()] = profile
	return true
}

func (s *Service) IsSessionValid(caller auth.Principal) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.users[caller.Text()]
	return ok && s.valid(profile)
}

func (s *Service) valid(profile UserProfile) bool {
	if !profile.IsAuthenticated {
		return false
	}
	now := uint64(s.now().UnixNano())
	return now >= profile.Timestamp && now-profile.Timestamp < uint64(SessionDuration)
}

// Package offline holds the process-wide connectivity state and the
// durable queue of not-yet-confirmed user actions.
package offline

import "sync"

// State tracks current and previous connectivity so callers can detect
// the offline-to-online transition edge.
type State struct {
	mu        sync.Mutex
	online    bool
	wasOnline bool
	syncing   bool
}

// NewState returns a State that starts online, matching a fresh app launch.
func NewState() *State {
	return &State{online: true, wasOnline: true}
}

// SetOnline records the new connectivity value and shifts the previous one
// atomically.
func (s *State) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wasOnline = s.online
	s.online = online
}

// IsOnline reports current connectivity.
func (s *State) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// WasOnline reports the connectivity value before the last SetOnline.
func (s *State) WasOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasOnline
}

// CameOnline reports whether the last transition was offline to online.
func (s *State) CameOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online && !s.wasOnline
}

// SetSyncing mirrors the engine's in-flight flag for status readers.
func (s *State) SetSyncing(syncing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncing = syncing
}

// IsSyncing reports whether a sync pass is in flight.
func (s *State) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

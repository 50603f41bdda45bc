package profile

import (
	"fmt"
	"sort"
	"sync"
)

// Store is a read-through cache over the profile directory. Profiles are
// loaded once and only change through an explicit Reload, never through any
// implicit per-worker lifecycle.
type Store struct {
	dir string

	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the profile directory and swaps the cache wholesale. A
// load error leaves the previous cache in place.
func (s *Store) Reload() error {
	profiles, err := LoadProfilesFromDirectory(s.dir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.profiles = profiles
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(name string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found", name)
	}
	return p, nil
}

func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

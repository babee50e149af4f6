package reqguard

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// InMemoryStateStore implements StateStore with in-process maps. Expired
// entries are dropped lazily on access and by Cleanup.
type InMemoryStateStore struct {
	mu     sync.RWMutex
	values map[string]*storedValue
	sets   map[string]*storedSet
}

type storedValue struct {
	data    string
	expires time.Time
}

type storedSet struct {
	members map[string]struct{}
	expires time.Time
}

func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{
		values: make(map[string]*storedValue),
		sets:   make(map[string]*storedSet),
	}
}

func (s *InMemoryStateStore) Get(ctx context.Context, key string) (int64, bool, error) {
	s.mu.RLock()
	entry, exists := s.values[key]
	s.mu.RUnlock()
	if !exists || entry.expired(time.Now()) {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(entry.data, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

func (s *InMemoryStateStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	entry, exists := s.values[key]
	if !exists || entry.expired(now) {
		s.values[key] = &storedValue{data: "1", expires: now.Add(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(entry.data, 10, 64)
	if err != nil {
		n = 0
	}
	n++
	entry.data = strconv.FormatInt(n, 10)
	entry.expires = now.Add(ttl)
	return n, nil
}

func (s *InMemoryStateStore) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = &storedValue{data: value, expires: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStateStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	s.mu.RLock()
	entry, exists := s.values[key]
	s.mu.RUnlock()
	if !exists || entry.expired(time.Now()) {
		return false, nil
	}
	if err := json.Unmarshal([]byte(entry.data), dest); err != nil {
		return false, err
	}
	return true, nil
}

func (s *InMemoryStateStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.SetWithExpiry(ctx, key, string(data), ttl)
}

func (s *InMemoryStateStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	set, exists := s.sets[key]
	if !exists || now.After(set.expires) {
		set = &storedSet{members: make(map[string]struct{})}
		s.sets[key] = set
	}
	set.members[member] = struct{}{}
	set.expires = now.Add(ttl)
	return nil
}

func (s *InMemoryStateStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, exists := s.sets[key]
	if !exists || time.Now().After(set.expires) {
		return nil, nil
	}
	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	return members, nil
}

func (s *InMemoryStateStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_ = len(s.values)
	_ = len(s.sets)
	return nil
}

// Cleanup drops expired entries. Callers run it on their own schedule; the
// store does not spawn goroutines.
func (s *InMemoryStateStore) Cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.values {
		if entry.expired(now) {
			delete(s.values, key)
		}
	}
	for key, set := range s.sets {
		if now.After(set.expires) {
			delete(s.sets, key)
		}
	}
}

func (v *storedValue) expired(now time.Time) bool {
	return now.After(v.expires)
}

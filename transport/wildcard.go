package transport

import (
	"sort"
	"strings"
	"sync"
)

// MultiLevel is the trailing wildcard segment.
const MultiLevel = "#"

// IsWildcard reports whether pattern ends with the multi-level wildcard.
func IsWildcard(pattern string) bool {
	return pattern == MultiLevel || strings.HasSuffix(pattern, "/"+MultiLevel)
}

// MatchWildcard reports whether topic falls under the wildcard pattern.
// "a/#" matches "a" and everything below it.
func MatchWildcard(pattern, topic string) bool {
	if !IsWildcard(pattern) {
		return false
	}
	if pattern == MultiLevel {
		return true
	}
	parent := pattern[:len(pattern)-2]
	return topic == parent || strings.HasPrefix(topic, parent+"/")
}

// SubscriptionSet tracks the topics a transport is subscribed to. It is safe
// for concurrent use.
type SubscriptionSet struct {
	mu     sync.RWMutex
	topics map[string]struct{}
}

// NewSubscriptionSet creates an empty set.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{topics: make(map[string]struct{})}
}

// Add records topic and reports whether it was new.
func (s *SubscriptionSet) Add(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[topic]; ok {
		return false
	}
	s.topics[topic] = struct{}{}
	return true
}

// Remove forgets topic and reports whether it was present.
func (s *SubscriptionSet) Remove(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[topic]; !ok {
		return false
	}
	delete(s.topics, topic)
	return true
}

// Has reports whether topic is subscribed exactly.
func (s *SubscriptionSet) Has(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

// List returns the subscribed topics in sorted order.
func (s *SubscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Clear forgets every topic.
func (s *SubscriptionSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = make(map[string]struct{})
}

// WildcardFor implements Transport.WildcardSubscribed over the set. It
// returns the longest matching wildcard, also when topic is subscribed
// exactly as well.
func (s *SubscriptionSet) WildcardFor(topic string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best := ""
	for pattern := range s.topics {
		if MatchWildcard(pattern, topic) && len(pattern) > len(best) {
			best = pattern
		}
	}
	return best, best != ""
}

package engine

import (
	"fmt"
	"strings"
	"sync"
)

// MatchTopic reports whether topic matches filter per the MQTT v5 wildcard
// rules ('+' matches exactly one level, '#' matches the remainder of the
// topic and must be the final level). It returns ErrInvalidFilter if filter
// misuses '#' (e.g. "a/#/b" or "a/b#") instead of silently failing to
// match. SubscriptionRegistry uses it to match topics against its
// filters; the root package wraps it as the public MatchTopic and for its
// local dispatch.
func MatchTopic(filter, topic string) (bool, error) {
	if err := validateFilter(filter); err != nil {
		return false, err
	}

	// A Server MUST NOT match a Topic Filter starting with a wildcard
	// character to a Topic Name beginning with '$' (MQTT-4.7.2-1). Client
	// side local dispatch honors the same rule for consistency.
	if len(topic) > 0 && topic[0] == '$' {
		if len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
			return false, nil
		}
	}

	fIdx, tIdx := 0, 0
	fLen, tLen := len(filter), len(topic)

	for fIdx <= fLen {
		var fLevel string
		var fNext int
		if idx := strings.IndexByte(filter[fIdx:], '/'); idx >= 0 {
			fNext = fIdx + idx
			fLevel = filter[fIdx:fNext]
		} else {
			fNext = fLen
			fLevel = filter[fIdx:]
		}

		if fLevel == "#" {
			return true, nil
		}

		if tIdx > tLen {
			return false, nil
		}

		var tLevel string
		var tNext int
		if idx := strings.IndexByte(topic[tIdx:], '/'); idx >= 0 {
			tNext = tIdx + idx
			tLevel = topic[tIdx:tNext]
		} else {
			tNext = tLen
			tLevel = topic[tIdx:]
		}

		if fLevel != "+" && fLevel != tLevel {
			return false, nil
		}

		if fNext == fLen {
			fIdx = fLen + 1
		} else {
			fIdx = fNext + 1
		}
		if tNext == tLen {
			tIdx = tLen + 1
		} else {
			tIdx = tNext + 1
		}
	}

	return tIdx > tLen, nil
}

// validateFilter reports ErrInvalidFilter if filter uses '#' anywhere other
// than as the final character, standing alone or immediately after a '/'.
func validateFilter(filter string) error {
	for i := 0; i < len(filter); i++ {
		if filter[i] != '#' {
			continue
		}
		if i != len(filter)-1 {
			return fmt.Errorf("%w: %q: '#' must be the last character", ErrInvalidFilter, filter)
		}
		if i != 0 && filter[i-1] != '/' {
			return fmt.Errorf("%w: %q: '#' must occupy its own level", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// SubscriptionRegistry maps active topic filters to their delivery targets
// and matches incoming publishes against all of them. It replaces the
// teacher's single in-order map walk with the same linear-scan matcher,
// generalized so the engine (not the façade) owns dispatch.
type SubscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// Subscription is one active topic-filter registration.
type Subscription struct {
	Filter            string
	QoS               uint8
	NoLocal           bool
	RetainAsPublished bool
	SubscriptionID    int
	Handler           func(IncomingMessage)
}

// NewSubscriptionRegistry returns an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{subs: make(map[string]*Subscription)}
}

func (r *SubscriptionRegistry) Put(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.Filter] = sub
}

func (r *SubscriptionRegistry) Remove(filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, filter)
}

// Match returns every subscription whose filter matches topic.
func (r *SubscriptionRegistry) Match(topic string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for filter, sub := range r.subs {
		// Filters are validated at subscribe time (before they ever reach
		// Put), so an error here can only mean stale/malformed state; skip
		// rather than propagate since Match has no error return.
		if ok, err := MatchTopic(filter, topic); ok && err == nil {
			out = append(out, sub)
		}
	}
	return out
}

// Snapshot returns every active subscription.
func (r *SubscriptionRegistry) Snapshot() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

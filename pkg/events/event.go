// Package events buffers analytics events and flushes them to the events
// endpoint in URL-sized chunks.
package events

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/rafaeljc/flagsync/pkg/identity"
)

// Event kinds.
const (
	KindIdentify = "identify"
	KindFeature  = "feature"
	KindCustom   = "custom"
	KindPageview = "pageview"
	KindClick    = "click"
)

// Event is a queued analytics event. Only the fields relevant to Kind are set.
type Event struct {
	Kind         string         `json:"kind"`
	Key          string         `json:"key"`
	User         *identity.User `json:"user,omitempty"`
	Value        any            `json:"value,omitempty"`
	Default      any            `json:"default,omitempty"`
	Data         any            `json:"data,omitempty"`
	URL          string         `json:"url,omitempty"`
	Selector     string         `json:"selector,omitempty"`
	CreationDate int64          `json:"creationDate"`
}

// Timestamp returns t in milliseconds since the epoch.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

// WireEvent is the serialized form of an Event. Its User field shadows
// Event.User with the redacted attribute map.
type WireEvent struct {
	Event
	User map[string]any `json:"user,omitempty"`
}

// Serializer redacts private user attributes from events.
// The "key" attribute is never redacted.
type Serializer struct {
	allPrivate bool
	private    map[string]struct{}
}

// NewSerializer creates a serializer. allPrivate redacts every attribute;
// names lists attributes redacted for all users.
func NewSerializer(allPrivate bool, names []string) *Serializer {
	s := &Serializer{allPrivate: allPrivate, private: make(map[string]struct{}, len(names))}
	for _, n := range names {
		s.private[n] = struct{}{}
	}
	return s
}

// Serialize converts events to their wire form.
func (s *Serializer) Serialize(list []Event) []WireEvent {
	out := make([]WireEvent, len(list))
	for i, e := range list {
		out[i] = WireEvent{Event: e, User: s.user(e.User)}
	}
	return out
}

func (s *Serializer) isPrivate(name string, perUser []string) bool {
	if s.allPrivate {
		return true
	}
	if _, ok := s.private[name]; ok {
		return true
	}
	return slices.Contains(perUser, name)
}

func (s *Serializer) user(u *identity.User) map[string]any {
	if u == nil {
		return nil
	}

	raw, err := json.Marshal(u)
	if err != nil {
		return map[string]any{"key": u.Key}
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return map[string]any{"key": u.Key}
	}
	delete(attrs, "privateAttributeNames")

	var redacted []string
	for name := range attrs {
		switch name {
		case "key", "anonymous", "custom":
			continue
		}
		if s.isPrivate(name, u.PrivateAttributeNames) {
			delete(attrs, name)
			redacted = append(redacted, name)
		}
	}

	if custom, ok := attrs["custom"].(map[string]any); ok {
		for name := range custom {
			if s.isPrivate(name, u.PrivateAttributeNames) {
				delete(custom, name)
				redacted = append(redacted, name)
			}
		}
		if len(custom) == 0 {
			delete(attrs, "custom")
		}
	}

	if len(redacted) > 0 {
		slices.Sort(redacted)
		attrs["privateAttrs"] = redacted
	}
	return attrs
}

// Package identity holds the user the client evaluates flags for and derives
// the storage slot used to mirror that user's flags.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spaolacci/murmur3"
)

// KeyPrefix namespaces every storage slot written by the client.
const KeyPrefix = "flagsync"

// User is the identity flags are evaluated for. Only Key is required.
type User struct {
	Key       string `json:"key"`
	Secondary string `json:"secondary,omitempty"`
	IP        string `json:"ip,omitempty"`
	Country   string `json:"country,omitempty"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Name      string `json:"name,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`

	Custom map[string]any `json:"custom,omitempty"`

	// PrivateAttributeNames lists attributes redacted from analytics events for this user only.
	PrivateAttributeNames []string `json:"privateAttributeNames,omitempty"`
}

// Manager owns the current user. Writes are last-write-wins.
type Manager struct {
	mu       sync.RWMutex
	user     *User
	onChange func(*User)
}

// NewManager creates a manager holding user. onChange is invoked after every
// SetUser with the new user (it may be nil).
func NewManager(user *User, onChange func(*User)) *Manager {
	return &Manager{user: user, onChange: onChange}
}

// User returns the current user, or nil when none was provided.
func (m *Manager) User() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user
}

// SetUser replaces the current user wholesale and notifies the change sink.
// The user is not validated here.
func (m *Manager) SetUser(u *User) {
	m.mu.Lock()
	m.user = u
	m.mu.Unlock()

	if m.onChange != nil && u != nil {
		m.onChange(u)
	}
}

// CacheKey returns the storage slot for a user in an environment. The digest is
// the secure-mode hash when one is set, otherwise a murmur3 fingerprint of the
// user's JSON form. A nil user maps to an empty digest.
func CacheKey(envID, hash string, u *User) string {
	digest := ""
	if u != nil {
		if hash != "" {
			digest = hash
		} else {
			digest = Fingerprint(u)
		}
	}
	return fmt.Sprintf("%s:%s:%s", KeyPrefix, envID, digest)
}

// Fingerprint returns the hex murmur3-128 digest of the user's JSON form.
func Fingerprint(u *User) string {
	data, err := json.Marshal(u)
	if err != nil {
		// Custom values that cannot be encoded still need a stable slot.
		data = []byte(fmt.Sprintf("%#v", u))
	}
	h1, h2 := murmur3.Sum128(data)
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// EncodeUser returns the unpadded base64url form of the user's JSON, safe to
// embed in a URL path segment.
func EncodeUser(u *User) (string, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("failed to encode user: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

package flags

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/maypok86/otter"

	"github.com/rafaeljc/flagsync/internal/observability"
)

// DefaultDedupWindow is the trailing window suppressing repeated evaluation events.
const DefaultDedupWindow = 5 * time.Minute

// defaultDedupCapacity bounds the number of remembered evaluations.
const defaultDedupCapacity = 10_000

// Evaluation is the telemetry record for one flag evaluation.
type Evaluation struct {
	Key        string
	Value      any
	Default    any
	HasDefault bool
	Time       time.Time
}

// Notifier receives change notifications from ApplyAndNotify.
type Notifier interface {
	// KeyChanged is called once per changed key, before Changed.
	KeyChanged(key string, change Change)
	// Changed is called once with the full diff set.
	Changed(changes DiffSet)
}

// Options configures a Store.
type Options struct {
	// DedupWindow suppresses identical evaluations within the window (0 disables).
	DedupWindow time.Duration
	// DedupCapacity bounds the dedup cache (defaults to 10000).
	DedupCapacity int
	// Clock returns the current time (defaults to time.Now).
	Clock func() time.Time
	// UserKey returns the key of the current user for dedup.
	UserKey func() string
	// Record receives evaluation telemetry.
	Record func(Evaluation)
	// Notifier receives change notifications.
	Notifier Notifier
	Logger   *slog.Logger
}

// Store holds the single active flag map.
type Store struct {
	mu    sync.RWMutex
	flags Map

	dedupMu  sync.Mutex
	seen     otter.Cache[string, time.Time]
	dedup    bool
	window   time.Duration
	clock    func() time.Time
	userKey  func() string
	record   func(Evaluation)
	notifier Notifier
	log      *slog.Logger
}

// NewStore creates an empty store.
func NewStore(opts Options) (*Store, error) {
	s := &Store{
		window:   opts.DedupWindow,
		clock:    opts.Clock,
		userKey:  opts.UserKey,
		record:   opts.Record,
		notifier: opts.Notifier,
		log:      opts.Logger,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.userKey == nil {
		s.userKey = func() string { return "" }
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	if s.window > 0 {
		capacity := opts.DedupCapacity
		if capacity <= 0 {
			capacity = defaultDedupCapacity
		}
		seen, err := otter.MustBuilder[string, time.Time](capacity).
			WithTTL(s.window).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build dedup cache: %w", err)
		}
		s.seen = seen
		s.dedup = true
	}

	return s, nil
}

// Close releases the dedup cache.
func (s *Store) Close() {
	if s.dedup {
		s.seen.Close()
	}
}

// Replace sets the active map without notifications or telemetry.
func (s *Store) Replace(m Map) {
	s.mu.Lock()
	s.flags = m
	s.mu.Unlock()
}

// Flags returns a shallow copy of the active map (nil when none was loaded).
func (s *Store) Flags() Map {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.flags == nil {
		return nil
	}
	return maps.Clone(s.flags)
}

// Has reports whether key is in the active map. It records no evaluation.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.flags[key]
	return ok
}

// ApplyAndNotify swaps in updated and, for the keys that changed, emits in
// order: every per-key notification, the aggregate notification, then one
// evaluation event per key carrying the new value and no default. A nil map
// is ignored. The diff set is returned.
func (s *Store) ApplyAndNotify(updated Map) DiffSet {
	if updated == nil {
		return DiffSet{}
	}

	s.mu.Lock()
	previous := s.flags
	s.flags = updated
	s.mu.Unlock()

	changes := Diff(previous, updated)
	if len(changes) == 0 {
		return changes
	}

	keys := changes.Keys()
	observability.FlagChanges.Add(float64(len(keys)))

	if s.notifier != nil {
		for _, key := range keys {
			s.notifier.KeyChanged(key, changes[key])
		}
		s.notifier.Changed(changes)
	}

	for _, key := range keys {
		s.recordEvaluation(Evaluation{Key: key, Value: changes[key].Current})
	}

	return changes
}

// Variation returns the stored value for key when present and non-nil,
// otherwise def. Every call records an evaluation, subject to the dedup window.
func (s *Store) Variation(key string, def any) any {
	s.mu.RLock()
	value, ok := s.flags[key]
	s.mu.RUnlock()

	if !ok || value == nil {
		value = def
	}

	s.recordEvaluation(Evaluation{Key: key, Value: value, Default: def, HasDefault: true})
	return value
}

// AllFlags evaluates every known key with a nil default.
func (s *Store) AllFlags() Map {
	s.mu.RLock()
	keys := make([]string, 0, len(s.flags))
	for k := range s.flags {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	results := make(Map, len(keys))
	for _, key := range keys {
		results[key] = s.Variation(key, nil)
	}
	return results
}

func (s *Store) recordEvaluation(e Evaluation) {
	now := s.clock()
	e.Time = now

	if s.dedup {
		id := s.dedupKey(e)
		s.dedupMu.Lock()
		last, ok := s.seen.Get(id)
		suppressed := ok && now.Sub(last) < s.window
		if !suppressed {
			s.seen.Set(id, now)
		}
		s.dedupMu.Unlock()

		if suppressed {
			observability.EvaluationsSuppressed.Inc()
			return
		}
	}

	if s.record != nil {
		s.record(e)
	}
}

// dedupKey identifies an evaluation by flag key, returned value and user key.
func (s *Store) dedupKey(e Evaluation) string {
	value, err := json.Marshal(e.Value)
	if err != nil {
		s.log.Debug("evaluation value is not JSON encodable", slog.String("flag", e.Key), slog.Any("error", err))
		value = []byte(fmt.Sprintf("%#v", e.Value))
	}
	return e.Key + "\x00" + string(value) + "\x00" + s.userKey()
}

// Package goals turns page navigation and clicks into goal analytics events
// while a goal list is loaded.
package goals

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/rafaeljc/flagsync/pkg/platform"
)

// Goal kinds.
const (
	KindCustom   = "custom"
	KindPageview = "pageview"
	KindClick    = "click"
)

// URL matcher kinds.
const (
	MatchExact     = "exact"
	MatchCanonical = "canonical"
	MatchSubstring = "substring"
	MatchRegex     = "regex"
)

// URLMatcher is one URL rule of a goal.
type URLMatcher struct {
	Kind      string `json:"kind"`
	URL       string `json:"url,omitempty"`
	Substring string `json:"substring,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// Goal is a goal definition fetched from the service. Goals are immutable.
type Goal struct {
	Key      string       `json:"key"`
	Kind     string       `json:"kind"`
	URLs     []URLMatcher `json:"urls,omitempty"`
	Selector string       `json:"selector,omitempty"`
}

// HasCustom reports whether list contains a custom goal with key.
func HasCustom(list []Goal, key string) bool {
	for _, g := range list {
		if g.Kind == KindCustom && g.Key == key {
			return true
		}
	}
	return false
}

// Matches reports whether the matcher accepts href. Exact rules compare the
// full URL; the other kinds test the URL without its query and fragment.
func (m URLMatcher) Matches(href string) bool {
	canonical := canonicalURL(href)

	var (
		re  *regexp.Regexp
		err error
	)
	switch m.Kind {
	case MatchExact:
		re, err = regexp.Compile("^" + regexp.QuoteMeta(m.URL) + "/?$")
		return err == nil && re.MatchString(href)
	case MatchCanonical:
		re, err = regexp.Compile("^" + regexp.QuoteMeta(m.URL) + "/?$")
	case MatchSubstring:
		re, err = regexp.Compile(".*" + regexp.QuoteMeta(m.Substring) + ".*$")
	case MatchRegex:
		re, err = regexp.Compile(m.Pattern)
	default:
		return false
	}
	return err == nil && re.MatchString(canonical)
}

// MatchesURL reports whether any of the goal's URL rules accepts href.
func (g Goal) MatchesURL(href string) bool {
	for _, m := range g.URLs {
		if m.Matches(href) {
			return true
		}
	}
	return false
}

func canonicalURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		if i := strings.IndexAny(href, "?#"); i >= 0 {
			return href[:i]
		}
		return href
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Emit receives goal events; kind is KindPageview or KindClick.
type Emit func(kind string, goal Goal)

// Tracker emits pageview goals for the current URL at construction and click
// goals for matching clicks until disposed.
type Tracker struct {
	mu          sync.Mutex
	removeClick func()
	disposed    bool
}

// NewTracker evaluates list against doc. A nil doc yields an inert tracker.
func NewTracker(list []Goal, doc platform.Document, emit Emit, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{}
	if doc == nil || len(list) == 0 {
		return t
	}

	href := doc.CurrentURL()
	var clickGoals []clickGoal
	for _, g := range list {
		if !g.MatchesURL(href) {
			continue
		}
		switch g.Kind {
		case KindPageview:
			emit(KindPageview, g)
		case KindClick:
			sel, err := ParseSelector(g.Selector)
			if err != nil {
				log.Warn("ignoring click goal with unsupported selector",
					slog.String("goal", g.Key),
					slog.String("selector", g.Selector),
					slog.Any("error", err),
				)
				continue
			}
			clickGoals = append(clickGoals, clickGoal{goal: g, selector: sel})
		}
	}

	if len(clickGoals) > 0 {
		t.removeClick = doc.OnClick(func(target *platform.Element) {
			for _, cg := range clickGoals {
				if cg.selector.MatchesSelfOrAncestor(target) {
					emit(KindClick, cg.goal)
				}
			}
		})
	}

	return t
}

type clickGoal struct {
	goal     Goal
	selector Selector
}

// Dispose removes the tracker's listeners. It is safe to call repeatedly.
func (t *Tracker) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return
	}
	t.disposed = true
	if t.removeClick != nil {
		t.removeClick()
		t.removeClick = nil
	}
}

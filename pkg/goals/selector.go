package goals

import (
	"fmt"
	"strings"

	"github.com/rafaeljc/flagsync/pkg/platform"
)

// Selector is a parsed CSS selector list supporting type, id and class
// simple selectors combined into compounds, joined by descendant combinators
// and grouped with commas (for example "nav a.cta, #buy").
type Selector struct {
	groups [][]compound
}

type compound struct {
	tag     string
	id      string
	classes []string
}

// ParseSelector parses s.
func ParseSelector(s string) (Selector, error) {
	var sel Selector
	for _, group := range strings.Split(s, ",") {
		parts := strings.Fields(group)
		if len(parts) == 0 {
			return Selector{}, fmt.Errorf("empty selector in %q", s)
		}
		chain := make([]compound, 0, len(parts))
		for _, p := range parts {
			c, err := parseCompound(p)
			if err != nil {
				return Selector{}, err
			}
			chain = append(chain, c)
		}
		sel.groups = append(sel.groups, chain)
	}
	return sel, nil
}

func parseCompound(s string) (compound, error) {
	var c compound
	if strings.ContainsAny(s, "[]:>+~*()") {
		return c, fmt.Errorf("unsupported selector syntax %q", s)
	}

	i := strings.IndexAny(s, "#.")
	if i < 0 {
		c.tag = strings.ToLower(s)
		return c, nil
	}
	c.tag = strings.ToLower(s[:i])

	rest := s[i:]
	for rest != "" {
		marker := rest[0]
		rest = rest[1:]
		end := strings.IndexAny(rest, "#.")
		if end < 0 {
			end = len(rest)
		}
		name := rest[:end]
		rest = rest[end:]
		if name == "" {
			return c, fmt.Errorf("empty name in selector %q", s)
		}
		if marker == '#' {
			c.id = name
		} else {
			c.classes = append(c.classes, name)
		}
	}
	return c, nil
}

func (c compound) matches(e *platform.Element) bool {
	if c.tag != "" && !strings.EqualFold(c.tag, e.Tag) {
		return false
	}
	if c.id != "" && c.id != e.ID {
		return false
	}
	for _, class := range c.classes {
		if !e.HasClass(class) {
			return false
		}
	}
	return true
}

// Matches reports whether e itself matches the selector.
func (s Selector) Matches(e *platform.Element) bool {
	if e == nil {
		return false
	}
	for _, chain := range s.groups {
		if matchChain(chain, e) {
			return true
		}
	}
	return false
}

// MatchesSelfOrAncestor reports whether e or any of its ancestors matches.
func (s Selector) MatchesSelfOrAncestor(e *platform.Element) bool {
	for node := e; node != nil; node = node.Parent {
		if s.Matches(node) {
			return true
		}
	}
	return false
}

// matchChain matches the last compound against e and the preceding ones
// against e's ancestors, right to left.
func matchChain(chain []compound, e *platform.Element) bool {
	last := len(chain) - 1
	if !chain[last].matches(e) {
		return false
	}

	node := e.Parent
	for i := last - 1; i >= 0; i-- {
		for node != nil && !chain[i].matches(node) {
			node = node.Parent
		}
		if node == nil {
			return false
		}
		node = node.Parent
	}
	return true
}

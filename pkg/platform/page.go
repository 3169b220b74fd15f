package platform

import (
	"slices"
	"sync"
)

// Element is a node in the page model delivered to click handlers.
type Element struct {
	Tag     string
	ID      string
	Classes []string
	Parent  *Element
}

// HasClass reports whether the element carries the class.
func (e *Element) HasClass(class string) bool {
	return slices.Contains(e.Classes, class)
}

// Page is a programmable Environment and Document for hosts without a real
// browser page, such as server-side renderers, CLIs and tests.
type Page struct {
	mu         sync.RWMutex
	url        string
	doNotTrack bool
	nextID     int
	clicks     map[int]func(*Element)
	navigates  map[int]func()
}

// NewPage creates a page located at url.
func NewPage(url string) *Page {
	return &Page{
		url:       url,
		clicks:    make(map[int]func(*Element)),
		navigates: make(map[int]func()),
	}
}

// CurrentURL implements Environment and Document.
func (p *Page) CurrentURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// DoNotTrack implements Environment.
func (p *Page) DoNotTrack() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doNotTrack
}

// SetDoNotTrack toggles the do-not-track signal.
func (p *Page) SetDoNotTrack(on bool) {
	p.mu.Lock()
	p.doNotTrack = on
	p.mu.Unlock()
}

// OnClick implements Document.
func (p *Page) OnClick(handler func(*Element)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.clicks[id] = handler
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.clicks, id)
		p.mu.Unlock()
	}
}

// OnNavigate implements Document.
func (p *Page) OnNavigate(handler func()) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.navigates[id] = handler
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.navigates, id)
		p.mu.Unlock()
	}
}

// Navigate moves the page to url and fires navigation handlers.
func (p *Page) Navigate(url string) {
	p.mu.Lock()
	p.url = url
	handlers := collect(p.navigates)
	p.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

// Click dispatches a click on target to every click handler.
func (p *Page) Click(target *Element) {
	p.mu.RLock()
	handlers := collect(p.clicks)
	p.mu.RUnlock()

	for _, h := range handlers {
		h(target)
	}
}

// ListenerCount returns the number of registered click and navigation handlers.
func (p *Page) ListenerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clicks) + len(p.navigates)
}

// collect returns handlers in registration order.
func collect[H any](m map[int]H) []H {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]H, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

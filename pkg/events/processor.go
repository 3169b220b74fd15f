package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/flagsync/internal/observability"
	"github.com/rafaeljc/flagsync/internal/validation"
	"github.com/rafaeljc/flagsync/pkg/identity"
	"github.com/rafaeljc/flagsync/pkg/platform"
)

// DefaultFlushInterval is the period of the background flusher.
const DefaultFlushInterval = 2 * time.Second

// PayloadIDHeader carries a unique id per sent chunk.
const PayloadIDHeader = "X-Flagsync-Payload-ID"

// payloadParam prefixes the encoded chunk in the request URL.
const payloadParam = "?d="

// maxConcurrentSends bounds the chunks sent in parallel by an async flush.
const maxConcurrentSends = 4

// Options configures a Processor.
type Options struct {
	EventsURL     string
	EnvironmentID string

	// SendEvents disables the queue entirely when false.
	SendEvents bool

	// SamplingInterval keeps one event in SamplingInterval on average; 0 keeps all.
	SamplingInterval int

	FlushInterval time.Duration
	MaxURLLength  int

	AllAttributesPrivate  bool
	PrivateAttributeNames []string

	// Env provides the do-not-track signal. nil means tracking is allowed.
	Env platform.Environment

	// Random returns a value in [0, n). Defaults to math/rand/v2.
	Random func(n int) int

	Logger *slog.Logger
}

// Processor is the event queue and flusher.
type Processor struct {
	http       platform.HTTP
	opts       Options
	serializer *Serializer
	endpoint   string
	log        *slog.Logger

	mu           sync.Mutex
	queue        []Event
	warnedNoUser bool

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessor creates a Processor. It panics if h is nil.
func NewProcessor(h platform.HTTP, opts Options) *Processor {
	validation.AssertImplemented(h, "http capability")

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxURLLength <= 0 {
		opts.MaxURLLength = DefaultMaxURLLength
	}
	if opts.SamplingInterval < 0 {
		opts.SamplingInterval = 0
	}
	if opts.Random == nil {
		opts.Random = rand.IntN
	}

	return &Processor{
		http:       h,
		opts:       opts,
		serializer: NewSerializer(opts.AllAttributesPrivate, opts.PrivateAttributeNames),
		endpoint:   strings.TrimRight(opts.EventsURL, "/") + "/a/" + url.PathEscape(opts.EnvironmentID) + ".gif",
		log:        opts.Logger.With(slog.String("component", "events")),
	}
}

// SetSamplingInterval replaces the sampling interval; negative values reset it to 0.
func (p *Processor) SetSamplingInterval(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.SamplingInterval = max(n, 0)
}

// Enqueue appends e unless events are disabled, the host asks not to be
// tracked, or the sampler rejects it. It reports whether e was queued.
func (p *Processor) Enqueue(e Event) bool {
	if !p.opts.SendEvents {
		observability.EventsDropped.WithLabelValues("disabled").Inc()
		return false
	}
	if p.opts.Env != nil && p.opts.Env.DoNotTrack() {
		observability.EventsDropped.WithLabelValues("do_not_track").Inc()
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.opts.SamplingInterval; n > 0 && p.opts.Random(n) != 0 {
		observability.EventsDropped.WithLabelValues("sampled").Inc()
		return false
	}
	if e.CreationDate == 0 {
		e.CreationDate = Timestamp(time.Now())
	}
	p.queue = append(p.queue, e)
	observability.EventsEnqueued.WithLabelValues(e.Kind).Inc()
	return true
}

// Len returns the number of queued events.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Flush drains the queue and sends it in chunks. Events without a user are
// stamped with user. Without a user nothing is sent and the queue is kept.
//
// An async flush sends chunks concurrently and returns the first send
// failure; failed chunks are dropped. An unloading flush sends chunks one
// by one as Unloading requests and always returns nil.
func (p *Processor) Flush(ctx context.Context, user *identity.User, unloading bool) error {
	p.mu.Lock()
	if user == nil {
		if !p.warnedNoUser {
			p.log.Warn("skipping event flush: no user")
			p.warnedNoUser = true
		}
		p.mu.Unlock()
		return nil
	}
	p.warnedNoUser = false
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(queue) == 0 {
		return nil
	}

	// Events queued before the first identify carry no user of their own.
	for i := range queue {
		if queue[i].User == nil {
			queue[i].User = user
		}
	}

	chunks := p.chunk(p.serializer.Serialize(queue))
	observability.EventsFlushed.Add(float64(len(queue)))

	if unloading {
		for _, chunk := range chunks {
			_ = p.send(ctx, chunk, true)
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentSends)
	for _, chunk := range chunks {
		g.Go(func() error {
			return p.send(ctx, chunk, false)
		})
	}
	return g.Wait()
}

// chunk splits events so every request URL fits MaxURLLength. Chunk budgets
// events one by one; a chunk whose encoded array still overflows is halved
// until it fits or holds a single event.
func (p *Processor) chunk(events []WireEvent) [][]WireEvent {
	budget := p.opts.MaxURLLength - len(p.endpoint) - len(payloadParam)

	var out [][]WireEvent
	var fit func(c []WireEvent)
	fit = func(c []WireEvent) {
		if len(c) > 1 && EncodedLength(c) > budget {
			mid := len(c) / 2
			fit(c[:mid])
			fit(c[mid:])
			return
		}
		out = append(out, c)
	}
	for _, c := range Chunk(budget, events) {
		fit(c)
	}
	return out
}

func (p *Processor) send(ctx context.Context, chunk []WireEvent, unloading bool) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		p.dropped(len(chunk))
		return fmt.Errorf("failed to encode events: %w", err)
	}

	// The payload id lets the service discard a chunk it already received.
	header := make(http.Header)
	header.Set(PayloadIDHeader, uuid.NewString())
	req := &platform.Request{
		Method:    http.MethodGet,
		URL:       p.endpoint + payloadParam + base64.RawURLEncoding.EncodeToString(payload),
		Header:    header,
		Unloading: unloading,
	}

	// An unloading request always comes back as a 200 stub, so an unload
	// flush never logs a failure here.
	resp, err := p.http.Do(ctx, req)
	if err == nil && (resp.Status < 200 || resp.Status >= 300) {
		err = fmt.Errorf("unexpected status %d", resp.Status)
	}
	if err != nil {
		p.dropped(len(chunk))
		p.log.Warn("failed to send events", slog.Int("events", len(chunk)), slog.Any("error", err))
		return fmt.Errorf("failed to send %d events: %w", len(chunk), err)
	}

	observability.ChunksSent.WithLabelValues("success").Inc()
	return nil
}

func (p *Processor) dropped(n int) {
	observability.ChunksSent.WithLabelValues("fail").Inc()
	observability.EventsDropped.WithLabelValues("send_failed").Add(float64(n))
}

// Start runs the periodic flusher until Stop or ctx is done. user supplies
// the identity used to stamp each flush. Calling Start twice is a no-op.
func (p *Processor) Start(ctx context.Context, user func() *identity.User) {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.run(ctx, user, p.done)
}

func (p *Processor) run(ctx context.Context, user func() *identity.User, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Flush(ctx, user(), false); err != nil {
				p.log.Debug("periodic flush incomplete", slog.Any("error", err))
			}
		}
	}
}

// Stop cancels the periodic flusher and waits for it to exit.
func (p *Processor) Stop() {
	p.loopMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

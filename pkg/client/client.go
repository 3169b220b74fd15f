// Package client wires identity, flag storage, fetching, streaming, analytics
// events and goal tracking into the flagsync client.
//
// A client is created with New and activated with Start:
//
//	c, err := client.New(cfg)
//	if err != nil { ... }
//	c.On(notify.TopicError, func(e notify.Event) { log.Println(e.Err) })
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Close(ctx)
//
//	if err := c.WaitUntilReady(ctx); err == nil {
//		enabled := c.Variation("new-checkout", false)
//	}
//
// Configuration errors found by New are delivered on the "error" topic when
// Start runs, so handlers attached in between receive them.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rafaeljc/flagsync/internal/syncer"
	"github.com/rafaeljc/flagsync/internal/validation"
	"github.com/rafaeljc/flagsync/pkg/async"
	"github.com/rafaeljc/flagsync/pkg/events"
	"github.com/rafaeljc/flagsync/pkg/flags"
	"github.com/rafaeljc/flagsync/pkg/goals"
	"github.com/rafaeljc/flagsync/pkg/identity"
	"github.com/rafaeljc/flagsync/pkg/notify"
	"github.com/rafaeljc/flagsync/pkg/platform"
	"github.com/rafaeljc/flagsync/pkg/requestor"
	"github.com/rafaeljc/flagsync/pkg/sdkerrors"
	"github.com/rafaeljc/flagsync/pkg/stream"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: closed")

// Client keeps a local flag map current for one user and reports usage.
// It is safe for concurrent use.
type Client struct {
	cfg  Config
	id   string
	log  *slog.Logger
	plat platform.Platform

	bus       *notify.Bus
	identity  *identity.Manager
	flags     *flags.Store
	requestor *requestor.Requestor
	events    *events.Processor
	channel   *stream.Channel

	// ctx bounds all background work; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once

	mu            sync.Mutex
	hash          string
	cacheKey      string
	useStorage    bool
	goalList      []goals.Goal
	tracker       *goals.Tracker
	stopNavigate  func()
	pendingErrors []error
	started       bool
	closed        bool
}

// New creates an inactive client. It panics if cfg.Platform.HTTP is nil.
// Invalid settings do not fail construction; they are queued and reported
// on the "error" topic by Start.
func New(cfg Config) (*Client, error) {
	validation.AssertImplemented(cfg.Platform.HTTP, "http capability")
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:   cfg,
		id:    uuid.NewString(),
		plat:  cfg.Platform,
		ready: make(chan struct{}),
		hash:  cfg.Hash,
	}
	c.log = cfg.Logger.With(slog.String("client_id", c.id), slog.String("env_id", cfg.EnvironmentID))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.bus = notify.NewBus(c.log)

	// Configuration problems are collected now and reported by Start, once
	// the host had the chance to subscribe to the error topic.
	c.validate()

	// Event pipeline: every evaluation, identify and custom event lands
	// here and is flushed on its own ticker.
	c.events = events.NewProcessor(cfg.Platform.HTTP, events.Options{
		EventsURL:             cfg.EventsURL,
		EnvironmentID:         cfg.EnvironmentID,
		SendEvents:            cfg.SendEvents,
		SamplingInterval:      c.cfg.SamplingInterval,
		FlushInterval:         cfg.FlushInterval,
		MaxURLLength:          cfg.MaxURLLength,
		AllAttributesPrivate:  cfg.AllAttributesPrivate,
		PrivateAttributeNames: cfg.PrivateAttributeNames,
		Env:                   cfg.Platform.Env,
		Logger:                c.log,
	})

	// The storage slot is derived from the initial user and rotates with
	// every user switch (see settings.go).
	c.identity = identity.NewManager(cfg.User, c.sendIdentifyEvent)
	c.cacheKey = identity.CacheKey(cfg.EnvironmentID, c.hash, cfg.User)

	store, err := flags.NewStore(flags.Options{
		DedupWindow: cfg.DedupWindow,
		UserKey:     c.userKey,
		Record:      c.sendFlagEvent,
		Notifier:    c.bus,
		Logger:      c.log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create flag store: %w", err)
	}
	c.flags = store
	// Bootstrap flags are visible to Variation before Start, without any
	// change notification.
	if cfg.Bootstrap != nil {
		c.flags.Replace(maps.Clone(cfg.Bootstrap))
	}

	c.requestor = requestor.New(cfg.Platform.HTTP, requestor.Options{
		BaseURL:       cfg.BaseURL,
		EnvironmentID: cfg.EnvironmentID,
		UseReport:     cfg.UseReport,
		Timeout:       cfg.RequestTimeout,
		Logger:        c.log,
	})

	// A nil factory leaves the channel permanently inactive, which is how
	// Streaming=false is honored.
	var factory stream.Factory
	if cfg.Streaming {
		factory = cfg.Platform.Channels
	}
	c.channel = stream.New(factory, stream.Options{
		BaseURL:           cfg.StreamURL,
		EnvironmentID:     cfg.EnvironmentID,
		UseReport:         cfg.UseReport,
		User:              c.identity.User,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
		Logger:            c.log,
	})

	return c, nil
}

// validate queues the configuration errors reported by Start.
func (c *Client) validate() {
	if c.cfg.SamplingInterval < 0 {
		c.cfg.SamplingInterval = 0
		c.queueError(sdkerrors.New(sdkerrors.ErrInvalidArgument, sdkerrors.MsgInvalidSamplingInterval))
	}
	if c.cfg.EnvironmentID == "" {
		c.queueError(sdkerrors.New(sdkerrors.ErrInvalidEnvironmentID, sdkerrors.MsgEnvironmentNotSpecified))
	}
	switch {
	case c.cfg.User == nil:
		c.queueError(sdkerrors.New(sdkerrors.ErrInvalidUser, sdkerrors.MsgUserNotSpecified))
	case c.cfg.User.Key == "":
		c.queueError(sdkerrors.New(sdkerrors.ErrInvalidUser, sdkerrors.MsgInvalidUser))
	}
}

func (c *Client) queueError(err error) {
	c.log.Warn("invalid client configuration", slog.Any("error", err))
	c.pendingErrors = append(c.pendingErrors, err)
}

// ID returns the instance id attached to the client's log records.
func (c *Client) ID() string {
	return c.id
}

// Start reports queued configuration errors, loads the initial flags
// according to the bootstrap mode, fetches goals and launches the event
// flusher and the optional poller. ctx bounds only the synchronous storage
// read; background work runs until Close. Calling Start twice is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	pending := c.pendingErrors
	c.pendingErrors = nil
	c.mu.Unlock()

	for _, err := range pending {
		c.bus.ReportError(err)
	}

	// Flags first: goals and the flusher do not gate readiness.
	c.bootstrap(ctx)
	c.spawn(c.loadGoals)

	if c.cfg.SendEvents {
		c.events.Start(c.ctx, c.identity.User)
	}

	// Polling shares the fetch and apply path with the stream, so both may
	// run at once.
	if c.cfg.PollInterval > 0 {
		poller := syncer.New(c.log, syncer.Config{Interval: c.cfg.PollInterval},
			syncer.SourceFunc(c.fetchFlags),
			syncer.SinkFunc(c.applyFlags),
		)
		c.spawn(func(ctx context.Context) { _ = poller.Run(ctx) })
	}

	c.log.Info("client started",
		slog.Bool("send_events", c.cfg.SendEvents),
		slog.Bool("streaming", c.cfg.Streaming && c.plat.Channels != nil),
		slog.Duration("poll_interval", c.cfg.PollInterval),
	)
	return nil
}

// spawn runs fn in a tracked goroutine unless the client is closed.
func (c *Client) spawn(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// emitReady signals readiness once.
func (c *Client) emitReady() {
	c.readyOnce.Do(func() {
		close(c.ready)
		c.log.Debug("client ready")
		c.bus.Emit(notify.Event{Topic: notify.TopicReady})
	})
}

// Ready returns a channel closed once the client is ready.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// IsReady reports whether the ready signal was emitted.
func (c *Client) IsReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// WaitUntilReady blocks until the client is ready or ctx is done. It returns
// immediately when readiness was signalled earlier.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Identify switches to user and fetches its flags. The returned future
// resolves with the fetched map once it was applied. Cancelling the future
// aborts the fetch and skips the apply.
func (c *Client) Identify(ctx context.Context, user *identity.User, hash string) *async.Future[flags.Map] {
	if c.isClosed() {
		return async.Resolved[flags.Map](nil, ErrClosed)
	}
	if user == nil || user.Key == "" {
		msg := sdkerrors.MsgInvalidUser
		if user == nil {
			msg = sdkerrors.MsgUserNotSpecified
		}
		err := sdkerrors.New(sdkerrors.ErrInvalidUser, msg)
		c.bus.ReportError(err)
		return async.Resolved[flags.Map](nil, err)
	}

	c.mu.Lock()
	c.hash = hash
	c.mu.Unlock()
	c.identity.SetUser(user)

	// A REPORT stream is bound to the user it was opened for.
	if c.channel.UsesReport() && c.channel.IsConnected() {
		c.channel.Disconnect()
		c.connectStream()
	}

	return async.Run(ctx, func(ctx context.Context) (flags.Map, error) {
		settings, err := c.fetchFor(ctx, user, hash)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.applyFlags(ctx, settings); err != nil {
			return nil, err
		}
		return settings, nil
	})
}

// IdentifyWithCallback is Identify with cb invoked on the outcome.
func (c *Client) IdentifyWithCallback(ctx context.Context, user *identity.User, hash string, cb func(flags.Map, error)) *async.Future[flags.Map] {
	return async.WithCallback(c.Identify(ctx, user, hash), cb)
}

// User returns the current user.
func (c *Client) User() *identity.User {
	return c.identity.User()
}

// Variation returns the value of flag key, or def when the flag is unknown
// or explicitly off. It records an evaluation event.
func (c *Client) Variation(key string, def any) any {
	return c.flags.Variation(key, def)
}

// HasFlag reports whether key is a known flag without recording an evaluation.
func (c *Client) HasFlag(key string) bool {
	return c.flags.Has(key)
}

// AllFlags evaluates every known flag with a nil default.
func (c *Client) AllFlags() flags.Map {
	return c.flags.AllFlags()
}

// Track enqueues a custom event. key must be a string; anything else is
// reported as an invalid event key and nothing is queued. Keys unknown to a
// loaded goal list are still queued, with a warning.
func (c *Client) Track(key any, data any) {
	k, ok := key.(string)
	if !ok {
		c.bus.ReportError(sdkerrors.New(sdkerrors.ErrInvalidEventKey, sdkerrors.UnknownCustomEventKey(key)))
		return
	}

	c.mu.Lock()
	list := c.goalList
	c.mu.Unlock()
	if len(list) > 0 && !goals.HasCustom(list, k) {
		c.log.Warn(sdkerrors.UnknownCustomEventKey(k))
	}

	c.events.Enqueue(events.Event{
		Kind: events.KindCustom,
		Key:  k,
		Data: data,
		URL:  c.currentURL(),
	})
}

// On subscribes handler to topic. Change topics ("change" and
// "change:<key>") go through SubscribeToChanges; other topics only register.
func (c *Client) On(topic string, handler notify.Handler) notify.Subscription {
	if notify.IsChangeTopic(topic) {
		key := strings.TrimPrefix(strings.TrimPrefix(topic, notify.TopicChange), ":")
		return c.SubscribeToChanges(key, handler)
	}
	return c.bus.On(topic, handler)
}

// SubscribeToChanges subscribes handler to changes of flag key, or to the
// aggregate change topic when key is empty. It opens the push channel when
// it is not connected yet, so flags stay current while someone listens.
func (c *Client) SubscribeToChanges(key string, handler notify.Handler) notify.Subscription {
	topic := notify.TopicChange
	if key != "" {
		topic = notify.ChangeTopic(key)
	}
	c.connectStream()
	return c.bus.On(topic, handler)
}

// Off removes a subscription. It does not close the push channel.
func (c *Client) Off(sub notify.Subscription) {
	c.bus.Off(sub)
}

// StreamState returns the push channel state.
func (c *Client) StreamState() stream.State {
	return c.channel.State()
}

// Flush sends the queued events for the current user. An unloading flush
// blocks until every chunk was attempted and never fails.
func (c *Client) Flush(ctx context.Context, unloading bool) error {
	if !c.cfg.SendEvents {
		return nil
	}
	return c.events.Flush(ctx, c.identity.User(), unloading)
}

// Close performs an unloading flush and stops the flusher, the poller, the
// push channel and goal tracking. It waits for background work until ctx is
// done. Closing twice is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tracker := c.tracker
	c.tracker = nil
	stopNavigate := c.stopNavigate
	c.stopNavigate = nil
	c.mu.Unlock()

	c.channel.Disconnect()
	if stopNavigate != nil {
		stopNavigate()
	}
	if tracker != nil {
		tracker.Dispose()
	}

	c.events.Stop()
	if c.cfg.SendEvents {
		_ = c.events.Flush(ctx, c.identity.User(), true)
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to stop background work: %w", ctx.Err())
	}

	c.flags.Close()
	c.log.Info("client closed")
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) connectStream() {
	if c.isClosed() || c.channel.IsConnected() {
		return
	}
	c.channel.Connect(c.onStreamMessage)
}

// onStreamMessage re-fetches the flags on every push message.
func (c *Client) onStreamMessage(msg stream.Message) {
	c.log.Debug("stream message received", slog.String("event", msg.Event))

	settings, err := c.fetchFlags(c.ctx)
	if err != nil {
		return
	}
	_ = c.applyFlags(c.ctx, settings)
}

func (c *Client) userKey() string {
	if u := c.identity.User(); u != nil {
		return u.Key
	}
	return ""
}

func (c *Client) currentURL() string {
	switch {
	case c.plat.Document != nil:
		return c.plat.Document.CurrentURL()
	case c.plat.Env != nil:
		return c.plat.Env.CurrentURL()
	default:
		return ""
	}
}

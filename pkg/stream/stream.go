// Package stream maintains the push channel that tells the client when its
// flag settings changed upstream.
//
// A Channel moves Inactive -> Connecting -> Open while healthy. Any failure
// moves it to Closed and schedules a reconnect with exponential backoff;
// Disconnect moves it to Closed for good. Messages carry no settings: the
// client re-fetches through the requestor whenever one arrives.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rafaeljc/flagsync/internal/observability"
	"github.com/rafaeljc/flagsync/pkg/identity"
)

// State is the lifecycle state of a Channel.
type State int32

const (
	Inactive State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Default reconnect backoff bounds.
const (
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
)

// MethodReport is the body carrying method used for per-user channels.
const MethodReport = "REPORT"

// Message is one inbound push notification.
type Message struct {
	Event string
	Data  []byte
}

// Request describes the channel to open.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Conn is an open push connection.
type Conn interface {
	// Next blocks until a message arrives or the connection fails.
	Next() (Message, error)
	Close() error
}

// Factory opens push connections.
type Factory interface {
	// SupportsMethod reports whether the factory can open channels with a
	// method other than GET and a request body.
	SupportsMethod() bool

	// Open returns once the connection is established.
	Open(ctx context.Context, req Request) (Conn, error)
}

// Options configures a Channel.
type Options struct {
	BaseURL       string
	EnvironmentID string

	// UseReport requests a per-user REPORT channel when the factory supports it.
	UseReport bool

	// User returns the identity sent as the REPORT body.
	User func() *identity.User

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	Logger *slog.Logger
}

// Channel is the push channel state machine.
type Channel struct {
	factory Factory
	opts    Options
	log     *slog.Logger

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	onMessage func(Message)
}

// New creates an inactive channel. A nil factory disables streaming.
func New(factory Factory, opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = max(DefaultMaxReconnectDelay, opts.ReconnectDelay)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &Channel{
		factory: factory,
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "stream")),
		state:   Inactive,
	}
}

// Connect starts the channel and delivers every inbound message to
// onMessage. Calling it while the channel is running is a no-op.
func (c *Channel) Connect(onMessage func(Message)) {
	if c.factory == nil {
		c.log.Debug("streaming unavailable: no channel factory")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.onMessage = onMessage
	c.setStateLocked(Connecting)

	go c.run(ctx)
}

// Disconnect closes the channel and cancels any pending reconnect. It is
// safe to call at any time, including before Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil
	c.onMessage = nil
	c.setStateLocked(Closed)
}

// IsConnected reports whether the channel is open or connecting.
func (c *Channel) IsConnected() bool {
	s := c.State()
	return s == Open || s == Connecting
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UsesReport reports whether the channel negotiates a per-user REPORT
// connection instead of the ping channel.
func (c *Channel) UsesReport() bool {
	return c.opts.UseReport && c.factory != nil && c.factory.SupportsMethod()
}

func (c *Channel) setStateLocked(s State) {
	c.state = s
	switch s {
	case Connecting:
		observability.StreamState.Set(observability.StreamStateConnecting)
	case Open:
		observability.StreamState.Set(observability.StreamStateOpen)
	case Closed:
		observability.StreamState.Set(observability.StreamStateClosed)
	default:
		observability.StreamState.Set(observability.StreamStateInactive)
	}
}

// transition sets the state unless ctx was cancelled by Disconnect.
func (c *Channel) transition(ctx context.Context, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	c.setStateLocked(s)
	return true
}

func (c *Channel) handler(ctx context.Context) func(Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return c.onMessage
}

func (c *Channel) run(ctx context.Context) {
	var attempts int
	for {
		if !c.transition(ctx, Connecting) {
			return
		}

		err := c.session(ctx, &attempts)
		if ctx.Err() != nil {
			return
		}

		delay := reconnectDelay(c.opts.ReconnectDelay, c.opts.MaxReconnectDelay, attempts)
		attempts++
		if !c.transition(ctx, Closed) {
			return
		}
		observability.StreamReconnects.Inc()
		c.log.Warn("stream closed, reconnecting",
			slog.Any("error", err),
			slog.Duration("delay", delay),
			slog.Int("attempt", attempts),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session opens one connection and reads from it until it fails.
func (c *Channel) session(ctx context.Context, attempts *int) error {
	req, mode, err := c.request()
	if err != nil {
		return err
	}

	conn, err := c.factory.Open(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer conn.Close()

	// Unblocks Next when Disconnect cancels the session.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	*attempts = 0
	if !c.transition(ctx, Open) {
		return ctx.Err()
	}
	c.log.Debug("stream open", slog.String("url", req.URL), slog.String("mode", mode))

	for {
		msg, err := conn.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream read failed: %w", err)
		}

		handle := c.handler(ctx)
		if handle == nil {
			return ctx.Err()
		}
		observability.StreamMessages.WithLabelValues(mode).Inc()
		handle(msg)
	}
}

func (c *Channel) request() (Request, string, error) {
	env := c.opts.EnvironmentID
	if !c.UsesReport() {
		return Request{
			Method: http.MethodGet,
			URL:    c.opts.BaseURL + "/ping/" + env,
		}, "ping", nil
	}

	var user *identity.User
	if c.opts.User != nil {
		user = c.opts.User()
	}
	if user == nil {
		return Request{}, "", errors.New("no user for report stream")
	}
	body, err := json.Marshal(user)
	if err != nil {
		return Request{}, "", fmt.Errorf("failed to encode stream user: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return Request{
		Method: MethodReport,
		URL:    c.opts.BaseURL + "/eval/" + env,
		Header: header,
		Body:   body,
	}, "user", nil
}

// reconnectDelay returns initial * 2^attempts, capped at maxDelay.
func reconnectDelay(initial, maxDelay time.Duration, attempts int) time.Duration {
	delay := initial
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/launchdarkly/eventsource"
)

// SSEFactory opens Server-Sent Events channels with launchdarkly/eventsource.
type SSEFactory struct {
	client *http.Client
}

// NewSSEFactory returns a factory using client. A nil client uses a client
// without a timeout, since stream responses never end on their own.
func NewSSEFactory(client *http.Client) *SSEFactory {
	if client == nil {
		client = &http.Client{}
	}
	return &SSEFactory{client: client}
}

// SupportsMethod implements Factory.
func (f *SSEFactory) SupportsMethod() bool {
	return true
}

// Open implements Factory. Reconnecting is left to the Channel: the first
// read or connection error closes the eventsource stream for good.
func (f *SSEFactory) Open(ctx context.Context, req Request) (Conn, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	conn := &sseConn{errs: make(chan error, 1), done: make(chan struct{})}
	s, err := eventsource.SubscribeWithRequestAndOptions(httpReq,
		eventsource.StreamOptionHTTPClient(f.client),
		eventsource.StreamOptionErrorHandler(conn.fail),
	)
	if err != nil {
		var se eventsource.SubscriptionError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("unexpected stream status %d", se.Code)
		}
		return nil, err
	}
	conn.stream = s
	return conn, nil
}

type sseConn struct {
	stream *eventsource.Stream
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

// fail keeps the first stream error for Next and stops the stream.
func (c *sseConn) fail(err error) eventsource.StreamErrorHandlerResult {
	select {
	case c.errs <- err:
	default:
	}
	return eventsource.StreamErrorHandlerResult{CloseNow: true}
}

// Next returns the next dispatched event. Events without a type are reported
// as "message".
func (c *sseConn) Next() (Message, error) {
	select {
	case ev, ok := <-c.stream.Events:
		if !ok {
			return Message{}, io.ErrUnexpectedEOF
		}
		event := ev.Event()
		if event == "" {
			event = "message"
		}
		return Message{Event: event, Data: []byte(ev.Data())}, nil
	case err := <-c.errs:
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	case <-c.done:
		return Message{}, io.ErrClosedPipe
	}
}

func (c *sseConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.stream.Close()
	})
	return nil
}

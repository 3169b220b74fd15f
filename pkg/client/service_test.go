package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/flagsync/pkg/flags"
	"github.com/rafaeljc/flagsync/pkg/goals"
	"github.com/rafaeljc/flagsync/pkg/identity"
	"github.com/rafaeljc/flagsync/pkg/platform"
	"github.com/rafaeljc/flagsync/pkg/stream"
)

// flagService fakes the flag, goal and events endpoints.
type flagService struct {
	server *httptest.Server

	mu          sync.Mutex
	flagsByUser map[string]flags.Map
	fallback    flags.Map
	status      int
	goalList    []goals.Goal
	events      []map[string]any
	flagHits    int
	gates       map[string]chan struct{}
	ops         *opLog
}

func newFlagService(t *testing.T) *flagService {
	t.Helper()

	s := &flagService{
		flagsByUser: make(map[string]flags.Map),
		fallback:    flags.Map{},
		gates:       make(map[string]chan struct{}),
	}

	r := chi.NewRouter()
	r.Get("/sdk/eval/{env}/users/{user}", s.serveFlags)
	r.Get("/sdk/goals/{env}", s.serveGoals)
	r.Get("/a/{file}", s.collectEvents)

	s.server = httptest.NewServer(r)
	t.Cleanup(s.server.Close)
	return s
}

func (s *flagService) URL() string {
	return s.server.URL
}

func (s *flagService) setFlags(userKey string, m flags.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagsByUser[userKey] = m
}

func (s *flagService) setFallback(m flags.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = m
}

func (s *flagService) setStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *flagService) setGoals(list []goals.Goal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goalList = list
}

// hold makes flag fetches for userKey block until the returned func runs.
func (s *flagService) hold(userKey string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[userKey] = gate
	s.mu.Unlock()
	return func() { close(gate) }
}

func (s *flagService) hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flagHits
}

func (s *flagService) received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.events...)
}

func (s *flagService) serveFlags(w http.ResponseWriter, r *http.Request) {
	var user identity.User
	if raw, err := base64.RawURLEncoding.DecodeString(chi.URLParam(r, "user")); err == nil {
		_ = json.Unmarshal(raw, &user)
	}

	s.mu.Lock()
	s.flagHits++
	if s.ops != nil {
		s.ops.add("fetch " + user.Key)
	}
	gate := s.gates[user.Key]
	status := s.status
	m, ok := s.flagsByUser[user.Key]
	if !ok {
		m = s.fallback
	}
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	render.JSON(w, r, m)
}

func (s *flagService) serveGoals(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := s.goalList
	s.mu.Unlock()

	if list == nil {
		list = []goals.Goal{}
	}
	render.JSON(w, r, list)
}

func (s *flagService) collectEvents(w http.ResponseWriter, r *http.Request) {
	raw, err := base64.RawURLEncoding.DecodeString(r.URL.Query().Get("d"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var batch []map[string]any
	if err := json.Unmarshal(raw, &batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.events = append(s.events, batch...)
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

// opLog records storage and fetch operations in order.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

// mapStorage is a platform.Storage recording every operation.
type mapStorage struct {
	mu   sync.Mutex
	data map[string]string
	ops  *opLog
}

func newMapStorage(ops *opLog) *mapStorage {
	return &mapStorage{data: make(map[string]string), ops: ops}
}

func (m *mapStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.ops.add("get " + key)
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapStorage) Set(_ context.Context, key, value string) error {
	m.ops.add("set " + key)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapStorage) Clear(_ context.Context, key string) error {
	m.ops.add("clear " + key)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mapStorage) value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// pushFactory is a stream.Factory whose connections deliver pushed messages.
// With report set it accepts REPORT streams and records the user of each.
type pushFactory struct {
	messages chan stream.Message
	report   bool

	mu    sync.Mutex
	users []string
}

func newPushFactory() *pushFactory {
	return &pushFactory{messages: make(chan stream.Message)}
}

func (f *pushFactory) SupportsMethod() bool { return f.report }

func (f *pushFactory) Open(_ context.Context, req stream.Request) (stream.Conn, error) {
	if len(req.Body) > 0 {
		var user identity.User
		_ = json.Unmarshal(req.Body, &user)
		f.mu.Lock()
		f.users = append(f.users, user.Key)
		f.mu.Unlock()
	}
	return &pushConn{messages: f.messages, done: make(chan struct{})}, nil
}

// openedFor returns the user keys of the REPORT streams opened so far.
func (f *pushFactory) openedFor() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

type pushConn struct {
	messages chan stream.Message
	done     chan struct{}
	once     sync.Once
}

func (c *pushConn) Next() (stream.Message, error) {
	select {
	case m := <-c.messages:
		return m, nil
	case <-c.done:
		return stream.Message{}, io.EOF
	}
}

func (c *pushConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// lockedBuffer is a goroutine safe log sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestClient builds a client against svc for user "alice". Flushing is
// left to the test.
func newTestClient(t *testing.T, svc *flagService, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig()
	cfg.EnvironmentID = "env-1"
	cfg.BaseURL = svc.URL()
	cfg.EventsURL = svc.URL()
	cfg.StreamURL = svc.URL()
	cfg.FlushInterval = time.Hour
	cfg.User = &identity.User{Key: "alice"}
	cfg.Platform = platform.Platform{
		HTTP: platform.NewHTTPClient(svc.server.Client(), "flagsync-test"),
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func startClient(t *testing.T, c *Client) {
	t.Helper()

	require.NoError(t, c.Start(context.Background()))
}

func waitReady(t *testing.T, c *Client) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitUntilReady(ctx))
}

func eventsOfKind(list []map[string]any, kind string) []map[string]any {
	var out []map[string]any
	for _, e := range list {
		if e["kind"] == kind {
			out = append(out, e)
		}
	}
	return out
}

func containsLine(log, fragment string) bool {
	for _, line := range strings.Split(log, "\n") {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

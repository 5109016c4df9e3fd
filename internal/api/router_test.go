package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glimte/beehive/health"
	"github.com/glimte/beehive/internal/hive"
	"github.com/glimte/beehive/internal/rabbitmq"
	"github.com/glimte/beehive/internal/session"
	"github.com/glimte/beehive/internal/store"
	"github.com/glimte/beehive/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishFunc func(ctx context.Context, exchange string, message any, routingKey ...string) error

func (f publishFunc) Publish(ctx context.Context, exchange string, message any, routingKey ...string) error {
	return f(ctx, exchange, message, routingKey...)
}

type testEnv struct {
	router   *Router
	db       *memory.Store
	sessions *session.Broker
	registry *health.Registry
	publish  publishFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		db:       memory.New(),
		sessions: session.NewBroker(session.WithTTL(0)),
		registry: health.NewRegistry(),
	}
	t.Cleanup(env.sessions.Close)

	var publisher publishFunc = func(ctx context.Context, exchange string, message any, routingKey ...string) error {
		if env.publish != nil {
			return env.publish(ctx, exchange, message, routingKey...)
		}
		return nil
	}
	svc := hive.NewService(env.db, env.db, env.sessions, publisher)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.router = NewRouter(svc, svc, env.registry, WithLogger(logger))
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.Engine().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func openStream(t *testing.T, srv *httptest.Server, name string) (*http.Response, *bufio.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/bees", strings.NewReader(`{"name":"`+name+`"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return resp, bufio.NewReader(resp.Body), cancel
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	lines := make(chan string, 1)
	go func() {
		line, _ := r.ReadString('\n')
		lines <- line
	}()
	select {
	case line := <-lines:
		return strings.TrimSpace(line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading event stream")
		return ""
	}
}

func TestRegisterBee(t *testing.T) {
	t.Run("streams session events", func(t *testing.T) {
		env := newTestEnv(t)
		srv := httptest.NewServer(env.router.Engine())
		t.Cleanup(srv.Close)

		resp, reader, _ := openStream(t, srv, "Rainha")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		s, ok := env.sessions.GetSession("rainha")
		require.True(t, ok)
		require.NoError(t, s.Sink.Send(session.Event{Type: "message.new", Data: map[string]string{"content": "oi"}}))

		assert.Equal(t, "event:message.new", readLine(t, reader))
		assert.Equal(t, `data:{"content":"oi"}`, readLine(t, reader))
	})

	t.Run("stream ends when the session is deleted", func(t *testing.T) {
		env := newTestEnv(t)
		srv := httptest.NewServer(env.router.Engine())
		t.Cleanup(srv.Close)

		_, reader, _ := openStream(t, srv, "rainha")

		require.True(t, env.sessions.MarkForDelete("rainha"))
		require.True(t, env.sessions.DeleteSession("rainha"))

		done := make(chan error, 1)
		go func() {
			_, err := io.ReadAll(reader)
			done <- err
		}()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not end")
		}
	})

	t.Run("name in use is forbidden", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.db.CreateBee(context.Background(), "rainha")
		require.NoError(t, err)

		w := env.do(http.MethodPost, "/bees", `{"name":"RAINHA"}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "alreadyInUse", decodeError(t, w).Error)
	})

	t.Run("invalid names", func(t *testing.T) {
		env := newTestEnv(t)

		for _, body := range []string{
			`{"name":"abc"}`,
			`{"name":"abcdefghijklmnopqrstuvwxyz"}`,
			`{"name":"rai nha"}`,
			`{}`,
			`not json`,
		} {
			w := env.do(http.MethodPost, "/bees", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
		}
		assert.Equal(t, 0, env.sessions.Len())
	})
}

func TestListBees(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, name := range []string{"zangao", "abelha", "rainha"} {
		_, err := env.db.CreateBee(ctx, name)
		require.NoError(t, err)
	}

	w := env.do(http.MethodGet, "/bees", "")
	require.Equal(t, http.StatusOK, w.Code)

	var bees []store.Bee
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bees))
	require.Len(t, bees, 3)
	assert.Equal(t, "abelha", bees[0].Name)

	w = env.do(http.MethodGet, "/bees?page=1&limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bees))
	require.Len(t, bees, 1)
	assert.Equal(t, "zangao", bees[0].Name)

	w = env.do(http.MethodGet, "/bees?page=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessage(t *testing.T) {
	setup := func(t *testing.T) *testEnv {
		env := newTestEnv(t)
		ctx := context.Background()
		for _, name := range []string{"operaria", "rainha"} {
			_, err := env.db.CreateBee(ctx, name)
			require.NoError(t, err)
		}
		return env
	}

	t.Run("created", func(t *testing.T) {
		env := setup(t)
		var exchange string
		env.publish = func(ctx context.Context, ex string, message any, routingKey ...string) error {
			exchange = ex
			return nil
		}

		w := env.do(http.MethodPost, "/messages", `{"sender":"operaria","receive":"rainha","content":"oi"}`)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, hive.MessageExchange, exchange)

		var msg store.Message
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
		assert.Equal(t, store.StatusPending, msg.Status)
		assert.Equal(t, "rainha", msg.Receiver.Name)
	})

	t.Run("unknown receiver is forbidden", func(t *testing.T) {
		env := setup(t)

		w := env.do(http.MethodPost, "/messages", `{"sender":"operaria","receive":"fantasma","content":"oi"}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "receiveInvalid", decodeError(t, w).Error)
	})

	t.Run("broker unavailable", func(t *testing.T) {
		env := setup(t)
		env.publish = func(ctx context.Context, ex string, message any, routingKey ...string) error {
			return &rabbitmq.PublishError{Exchange: ex, Err: rabbitmq.ErrBrokerUnavailable}
		}

		w := env.do(http.MethodPost, "/messages", `{"sender":"operaria","receive":"rainha","content":"oi"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("other publish failures", func(t *testing.T) {
		env := setup(t)
		env.publish = func(ctx context.Context, ex string, message any, routingKey ...string) error {
			return errors.New("boom")
		}

		w := env.do(http.MethodPost, "/messages", `{"sender":"operaria","receive":"rainha","content":"oi"}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("content too long", func(t *testing.T) {
		env := setup(t)
		body := `{"sender":"operaria","receive":"rainha","content":"` + strings.Repeat("a", 141) + `"}`

		w := env.do(http.MethodPost, "/messages", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(health.NewSessionChecker(env.sessions))

	w := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var result health.OverallHealth
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, health.StatusHealthy, result.Status)
	assert.Contains(t, result.Checks, "sessions")

	env.registry.Register(health.NewCheckerFunc("broken", func(ctx context.Context) health.CheckResult {
		return health.CheckResult{Name: "broken", Status: health.StatusUnhealthy}
	}))
	w = env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

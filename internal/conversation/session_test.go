// ABOUTME: Tests for Session against an httptest Agent API and an in-process fake
// ABOUTME: Covers rollback, backpressure, stream ordering, malformed records, reset and timeouts

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/carblau-chat/internal/client"
	"github.com/2389/carblau-chat/internal/quickreply"
)

// agentServer is a scriptable Agent API.
type agentServer struct {
	start    http.HandlerFunc
	message  http.HandlerFunc
	requests atomic.Int32
}

func (a *agentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/start":
		a.start(w, r)
	case strings.HasPrefix(r.URL.Path, "/conversation/"):
		a.requests.Add(1)
		a.message(w, r)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func greeting(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": "t1",
		"messages":  []map[string]any{{"id": "0", "role": "agent", "content": "Hi"}},
	})
}

// writeRecords streams each line followed by a blank line, flushing as it goes.
func writeRecords(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, line := range lines {
		fmt.Fprintf(w, "%s\n\n", line)
		flusher.Flush()
	}
}

func sequentialIDs() func() string {
	var n atomic.Int32
	return func() string {
		return fmt.Sprintf("local-%d", n.Add(1))
	}
}

// newTestSession starts a session against srv.
func newTestSession(t *testing.T, srv *agentServer, opts ...Option) *Session {
	t.Helper()
	if srv.start == nil {
		srv.start = greeting
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	opts = append([]Option{WithIDGenerator(sequentialIDs())}, opts...)
	sess := New(client.New(ts.URL), opts...)
	t.Cleanup(sess.Close)

	require.NoError(t, sess.Start(t.Context()))
	return sess
}

func TestScenario_StartThenButtons(t *testing.T) {
	srv := &agentServer{
		message: func(w http.ResponseWriter, r *http.Request) {
			var req client.SendRequest
			if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
				return
			}
			assert.Equal(t, "/conversation/t1/message", r.URL.Path)
			assert.Equal(t, "budget 20k", req.Messages[0].Content)

			writeJSON(w, http.StatusOK, map[string]any{
				"messages": []map[string]any{
					{"id": "0", "role": "agent", "content": "Hi"},
					{"id": "u1", "role": "user", "content": "budget 20k"},
					{
						"id": "a1", "role": "agent", "content": "...",
						"additional_kwargs": map[string]any{
							"quick_reply_config": map[string]any{"type": "buttons", "options": []string{"A", "B"}},
						},
					},
				},
			})
		},
	}
	sess := newTestSession(t, srv)

	state := sess.State()
	assert.Equal(t, "t1", state.ThreadID)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "Hi", state.Messages[0].Content)
	assert.False(t, state.Widget.Visible())

	require.NoError(t, sess.SendMessage(t.Context(), "budget 20k"))

	state = sess.State()
	require.Len(t, state.Messages, 3)
	assert.Equal(t, "u1", state.Messages[1].ID)
	assert.False(t, state.Pending)
	assert.Equal(t, Widget{Kind: quickreply.KindButtons, Options: []string{"A", "B"}}, state.Widget)
}

func TestStart_SingleGreeting(t *testing.T) {
	srv := &agentServer{
		start: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"thread_id": "t9",
				"message":   map[string]any{"id": "g", "role": "assistant", "content": "¡Hola!"},
			})
		},
	}
	sess := newTestSession(t, srv)

	state := sess.State()
	assert.Equal(t, "t9", state.ThreadID)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, RoleAgent, state.Messages[0].Role)
}

func TestStart_FailureLeavesSessionUnstarted(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	ts := httptest.NewServer(&agentServer{start: func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "agent offline"})
			return
		}
		greeting(w, r)
	}})
	defer ts.Close()

	sess := New(client.New(ts.URL))
	defer sess.Close()

	err := sess.Start(t.Context())
	require.ErrorIs(t, err, ErrStartFailed)
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	state := sess.State()
	assert.False(t, state.Started())
	assert.Empty(t, state.Messages)
	assert.False(t, state.Pending)

	fail.Store(false)
	require.NoError(t, sess.Start(t.Context()))
	assert.True(t, sess.State().Started())
}

func TestStart_AlreadyStarted(t *testing.T) {
	sess := newTestSession(t, &agentServer{})
	assert.ErrorIs(t, sess.Start(t.Context()), ErrAlreadyStarted)
}

func TestSendMessage_IgnoredBeforeStart(t *testing.T) {
	srv := &agentServer{message: func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []any{}})
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sess := New(client.New(ts.URL))
	defer sess.Close()

	require.NoError(t, sess.SendMessage(t.Context(), "hola"))
	assert.Empty(t, sess.State().Messages)
	assert.Equal(t, int32(0), srv.requests.Load())
}

func TestSendMessage_SingleMessageReplyIsAppended(t *testing.T) {
	srv := &agentServer{message: func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"message": map[string]any{"id": "a1", "role": "agent", "content": "¿Cuántos km haces al año?"},
		})
	}}
	sess := newTestSession(t, srv)

	require.NoError(t, sess.SendMessage(t.Context(), "Busco un coche"))

	msgs := sess.State().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, Message{ID: "local-1", Role: RoleUser, Content: "Busco un coche"}, msgs[1])
	assert.Equal(t, "a1", msgs[2].ID)
}

func TestSendMessage_RollbackOnFailure(t *testing.T) {
	tests := []struct {
		name      string
		streaming bool
		handler   http.HandlerFunc
		check     func(t *testing.T, err error)
	}{
		{
			name: "json status error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
			},
			check: func(t *testing.T, err error) {
				var statusErr *client.StatusError
				assert.ErrorAs(t, err, &statusErr)
			},
		},
		{
			name: "json malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, "<html>gateway</html>")
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, client.ErrMalformedResponse)
			},
		},
		{
			name:      "stream status error",
			streaming: true,
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy"})
			},
			check: func(t *testing.T, err error) {
				var statusErr *client.StatusError
				assert.ErrorAs(t, err, &statusErr)
			},
		},
		{
			name:      "stream error record",
			streaming: true,
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeRecords(w,
					`data: {"type":"progress","message":"Pensando"}`,
					`data: {"type":"error","message":"modelo no disponible"}`,
				)
			},
			check: func(t *testing.T, err error) {
				var streamErr *StreamError
				require.ErrorAs(t, err, &streamErr)
				assert.Equal(t, "modelo no disponible", streamErr.Message)
			},
		},
		{
			name:      "stream without complete",
			streaming: true,
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeRecords(w, `data: {"type":"progress","message":"Pensando"}`)
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrIncompleteStream)
			},
		},
		{
			name:      "stream done before complete",
			streaming: true,
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeRecords(w, `data: {"type":"done"}`)
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrIncompleteStream)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newTestSession(t, &agentServer{message: tt.handler}, WithStreaming(tt.streaming))
			before := sess.State().Messages

			err := sess.SendMessage(t.Context(), "x")
			require.ErrorIs(t, err, ErrSendFailed)
			tt.check(t, err)

			state := sess.State()
			assert.Equal(t, before, state.Messages)
			assert.False(t, state.Pending)
			assert.Empty(t, state.Status)
			assert.Equal(t, "t1", state.ThreadID, "session stays usable")
		})
	}
}

func TestSendMessage_RejectedWhilePending(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := &agentServer{message: func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": map[string]any{"id": "a1", "role": "agent", "content": "ok"},
		})
	}}
	sess := newTestSession(t, srv)

	errCh := make(chan error, 1)
	go func() { errCh <- sess.SendMessage(context.Background(), "primero") }()
	<-entered

	during := sess.State()
	require.True(t, during.Pending)

	require.NoError(t, sess.SendMessage(t.Context(), "segundo"))
	assert.Equal(t, during, sess.State())
	require.NoError(t, sess.SelectQuickReply(t.Context(), "A"))
	assert.Equal(t, during, sess.State())

	close(release)
	require.NoError(t, <-errCh)

	assert.Equal(t, int32(1), srv.requests.Load())
	msgs := sess.State().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "primero", msgs[1].Content)
}

func TestSendMessage_StreamOrdering(t *testing.T) {
	srv := &agentServer{message: func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		writeRecords(w,
			`data: {"type":"progress","message":"A"}`,
			`data: {"type":"progress","message":"B"}`,
			`data: {"type":"complete","messages":[{"id":"m1","role":"agent","content":"Aquí tienes"}]}`,
			`data: {"type":"done"}`,
		)
	}}
	sess := newTestSession(t, srv, WithStreaming(true))
	updates, _ := sess.Subscribe(t.Context())

	require.NoError(t, sess.SendMessage(t.Context(), "Recomiéndame algo"))

	var snapshots []State
	for drained := false; !drained; {
		select {
		case st := <-updates:
			snapshots = append(snapshots, st)
		default:
			drained = true
		}
	}
	require.NotEmpty(t, snapshots)

	// The first snapshot carries the optimistic user message and the placeholder.
	first := snapshots[0]
	require.Len(t, first.Messages, 3)
	assert.Equal(t, RoleUser, first.Messages[1].Role)
	assert.True(t, first.Messages[2].Streaming)
	assert.Empty(t, first.Messages[2].Content)
	assert.False(t, first.Widget.Visible())

	var statuses []string
	for _, st := range snapshots {
		if st.Status != "" && (len(statuses) == 0 || statuses[len(statuses)-1] != st.Status) {
			statuses = append(statuses, st.Status)
		}
	}
	assert.Equal(t, []string{"A", "B"}, statuses)

	final := sess.State()
	assert.Empty(t, final.Status)
	assert.False(t, final.Pending)
	require.Len(t, final.Messages, 3)
	assert.Equal(t, "local-1", final.Messages[1].ID)
	assert.Equal(t, Message{ID: "m1", Role: RoleAgent, Content: "Aquí tienes"}, final.Messages[2])
	for _, m := range final.Messages {
		assert.False(t, m.Streaming)
		assert.NotEqual(t, "local-2", m.ID, "placeholder removed")
	}
}

func TestSendMessage_MalformedRecordIsSkipped(t *testing.T) {
	srv := &agentServer{message: func(w http.ResponseWriter, _ *http.Request) {
		writeRecords(w,
			`data: {"type":"progress","message":"A"}`,
			`data: {"type":"progress", oops`,
			`data: {"type":"progress","message":"B"}`,
			`data: {"type":"heartbeat"}`,
			`data: {"type":"complete","messages":[{"id":"m1","role":"agent","content":"Listo"}]}`,
		)
	}}
	sess := newTestSession(t, srv, WithStreaming(true))
	updates, _ := sess.Subscribe(t.Context())

	require.NoError(t, sess.SendMessage(t.Context(), "x"))

	var seen []string
	for drained := false; !drained; {
		select {
		case st := <-updates:
			if st.Status != "" {
				seen = append(seen, st.Status)
			}
		default:
			drained = true
		}
	}
	assert.Contains(t, seen, "A")
	assert.Contains(t, seen, "B")

	msgs := sess.State().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[2].ID)
}

func TestReset_DuringStreamCancelsRequest(t *testing.T) {
	streaming := make(chan struct{})
	srv := &agentServer{message: func(w http.ResponseWriter, r *http.Request) {
		writeRecords(w, `data: {"type":"progress","message":"Buscando"}`)
		close(streaming)
		<-r.Context().Done()
	}}
	sess := newTestSession(t, srv, WithStreaming(true))

	errCh := make(chan error, 1)
	go func() { errCh <- sess.SendMessage(context.Background(), "x") }()
	<-streaming
	require.Eventually(t, func() bool { return sess.State().Status == "Buscando" }, time.Second, 5*time.Millisecond)

	sess.Reset()

	require.NoError(t, <-errCh, "cancellation by reset is not an error")
	state := sess.State()
	assert.Empty(t, state.ThreadID)
	assert.Empty(t, state.Messages)
	assert.False(t, state.Pending)
	assert.Empty(t, state.Status)

	sess.Reset()
	assert.Equal(t, state, sess.State())
}

// pipeAPI serves streams from pipes that ignore context cancellation, so
// records keep arriving after Reset.
type pipeAPI struct {
	mu     sync.Mutex
	writer *io.PipeWriter
	opened chan struct{}
}

func (p *pipeAPI) Start(context.Context) (*client.StartResponse, error) {
	return &client.StartResponse{
		ThreadID: "t1",
		Messages: []client.Message{{ID: "0", Role: "agent", Content: "Hola"}},
	}, nil
}

func (p *pipeAPI) SendMessage(context.Context, string, string) (*client.SendResponse, error) {
	return nil, errors.New("not used")
}

func (p *pipeAPI) StreamMessage(context.Context, string, string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	p.mu.Lock()
	p.writer = pw
	p.mu.Unlock()
	close(p.opened)
	return pr, nil
}

func TestReset_LateChunkIsDropped(t *testing.T) {
	api := &pipeAPI{opened: make(chan struct{})}
	sess := New(api, WithStreaming(true))
	defer sess.Close()
	require.NoError(t, sess.Start(t.Context()))

	errCh := make(chan error, 1)
	go func() { errCh <- sess.SendMessage(context.Background(), "x") }()
	<-api.opened

	_, err := io.WriteString(api.writer, `{"type":"progress","message":"A"}`+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sess.State().Status == "A" }, time.Second, 5*time.Millisecond)

	sess.Reset()

	// The abandoned request still delivers a complete record.
	_, _ = io.WriteString(api.writer, `{"type":"complete","messages":[{"id":"late","role":"agent","content":"tarde"}]}`+"\n")
	_ = api.writer.Close()

	require.NoError(t, <-errCh)
	state := sess.State()
	assert.Empty(t, state.Messages)
	assert.Empty(t, state.ThreadID)
	assert.False(t, state.Pending)
}

func TestSendMessage_Timeout(t *testing.T) {
	srv := &agentServer{message: func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}}
	sess := newTestSession(t, srv, WithTimeout(50*time.Millisecond))
	before := sess.State().Messages

	err := sess.SendMessage(t.Context(), "x")
	require.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, before, sess.State().Messages)
}

func TestSendMessage_CallerCancellationRollsBack(t *testing.T) {
	entered := make(chan struct{})
	srv := &agentServer{message: func(w http.ResponseWriter, r *http.Request) {
		writeRecords(w, `data: {"type":"progress","message":"Pensando"}`)
		close(entered)
		<-r.Context().Done()
	}}
	sess := newTestSession(t, srv, WithStreaming(true))
	before := sess.State().Messages

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- sess.SendMessage(ctx, "x") }()
	<-entered
	cancel()

	require.ErrorIs(t, <-errCh, ErrSendFailed)
	state := sess.State()
	assert.Equal(t, before, state.Messages)
	assert.Equal(t, "t1", state.ThreadID)
}

type memRecorder struct {
	mu    sync.Mutex
	saves map[string][]Message
	err   error
}

func (m *memRecorder) Save(_ context.Context, threadID string, messages []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.saves == nil {
		m.saves = make(map[string][]Message)
	}
	m.saves[threadID] = messages
	return nil
}

func TestRecorder_SavesConfirmedLog(t *testing.T) {
	var fail atomic.Bool
	srv := &agentServer{message: func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"messages": []map[string]any{
				{"id": "0", "role": "agent", "content": "Hi"},
				{"id": "u1", "role": "user", "content": "hola"},
				{"id": "a1", "role": "agent", "content": "¿Qué buscas?"},
			},
		})
	}}
	rec := &memRecorder{}
	sess := newTestSession(t, srv, WithRecorder(rec))

	require.Len(t, rec.saves["t1"], 1, "start is recorded")

	require.NoError(t, sess.SendMessage(t.Context(), "hola"))
	require.Len(t, rec.saves["t1"], 3)

	fail.Store(true)
	require.Error(t, sess.SendMessage(t.Context(), "otra"))
	assert.Len(t, rec.saves["t1"], 3, "failed sends are not recorded")
}

func TestRecorder_ErrorDoesNotFailSend(t *testing.T) {
	srv := &agentServer{message: func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"message": map[string]any{"id": "a1", "role": "agent", "content": "ok"},
		})
	}}
	sess := newTestSession(t, srv, WithRecorder(&memRecorder{err: errors.New("disk full")}))

	assert.NoError(t, sess.SendMessage(t.Context(), "hola"))
	assert.Len(t, sess.State().Messages, 3)
}

func TestClose_ClosesSubscriptions(t *testing.T) {
	sess := New(&pipeAPI{opened: make(chan struct{})})
	updates, _ := sess.Subscribe(t.Context())

	sess.Close()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

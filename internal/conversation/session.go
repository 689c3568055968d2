// ABOUTME: Session owns one conversation with the Agent API: lifecycle, message log and pending flag.
// ABOUTME: Applies JSON or streamed replies, rolls back optimistic messages on failure, and drops results after Reset.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/carblau-chat/internal/client"
	"github.com/2389/carblau-chat/internal/stream"
)

// DefaultTimeout bounds each request, including the whole of a streamed reply.
const DefaultTimeout = 30 * time.Second

var (
	// ErrStartFailed wraps every failure of Start.
	ErrStartFailed = errors.New("start failed")
	// ErrSendFailed wraps every failure of SendMessage.
	ErrSendFailed = errors.New("send failed")
	// ErrAlreadyStarted is returned by Start on a started session.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrIncompleteStream means a stream ended without a complete record.
	ErrIncompleteStream = errors.New("stream ended without a complete record")
)

// StreamError is an error record sent by the agent inside a stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return "agent reported a stream error"
	}
	return "agent reported a stream error: " + e.Message
}

// errAbandoned stops work for a request that Reset has already abandoned.
var errAbandoned = errors.New("request abandoned")

// API is the part of the Agent API a session talks to. *client.Client
// implements it.
type API interface {
	Start(ctx context.Context) (*client.StartResponse, error)
	SendMessage(ctx context.Context, threadID, text string) (*client.SendResponse, error)
	StreamMessage(ctx context.Context, threadID, text string) (io.ReadCloser, error)
}

// Recorder persists the server-confirmed log after each successful exchange.
type Recorder interface {
	Save(ctx context.Context, threadID string, messages []Message) error
}

// State is a snapshot of a session. It is safe to keep and read after the
// session moves on.
type State struct {
	ThreadID string
	Messages []Message
	Pending  bool
	// Status is the latest progress text of a streamed reply.
	Status string
	Widget Widget
}

// Started reports whether the session holds a thread.
func (s State) Started() bool {
	return s.ThreadID != ""
}

// Option configures a Session.
type Option func(*Session)

// WithStreaming selects streamed replies instead of one-shot JSON.
func WithStreaming(streaming bool) Option {
	return func(s *Session) {
		s.streaming = streaming
	}
}

// WithTimeout sets the per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecorder saves the log after every successful start or send.
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		s.recorder = r
	}
}

// WithIDGenerator sets the source of client-side message ids.
func WithIDGenerator(newID func() string) Option {
	return func(s *Session) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// Session is a single conversation. At most one request is in flight at a
// time; sends issued meanwhile are ignored. All methods are safe for
// concurrent use.
type Session struct {
	api         API
	streaming   bool
	timeout     time.Duration
	logger      *slog.Logger
	recorder    Recorder
	newID       func() string
	broadcaster *Broadcaster

	mu       sync.Mutex
	threadID string
	messages []Message
	pending  bool
	status   string
	// gen changes on every Reset; requests started under an older gen are abandoned.
	gen    uint64
	cancel context.CancelFunc
}

// New creates an unstarted session.
func New(api API, opts ...Option) *Session {
	s := &Session{
		api:     api,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "conversation")
	s.broadcaster = NewBroadcaster(s.logger)
	return s
}

// Start opens a thread and replaces the log with the server's greeting.
// It is ignored while a request is pending.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		s.logger.Debug("start ignored, request in flight")
		return nil
	}
	if s.threadID != "" {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	reqCtx, cancel, gen := s.beginLocked(ctx)
	s.mu.Unlock()
	defer cancel()

	resp, err := s.api.Start(reqCtx)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("dropping start result after reset")
		return nil
	}
	s.endLocked()
	if err != nil {
		s.publishLocked()
		s.mu.Unlock()
		s.logger.Warn("start failed", "error", err)
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	wire := resp.Messages
	if wire == nil && resp.Message != nil {
		wire = []client.Message{*resp.Message}
	}
	s.threadID = resp.ThreadID
	s.messages = s.normalize(wire)
	s.publishLocked()
	threadID, transcript := s.threadID, cloneMessages(s.messages)
	s.mu.Unlock()

	s.logger.Info("session started", "thread_id", threadID, "messages", len(transcript))
	s.record(ctx, threadID, transcript)
	return nil
}

// SendMessage appends text as a user message and waits for the agent's
// reply. It does nothing and returns nil when the session is not started or
// a request is already pending. On failure the log is restored to what it
// was before the call and the returned error wraps ErrSendFailed. If Reset
// runs before the reply settles, nothing is applied and nil is returned.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.pending || s.threadID == "" {
		pending, started := s.pending, s.threadID != ""
		s.mu.Unlock()
		s.logger.Debug("send ignored", "pending", pending, "started", started)
		return nil
	}

	threadID := s.threadID
	before := cloneMessages(s.messages)
	s.messages = append(cloneMessages(s.messages), Message{
		ID:      s.newID(),
		Role:    RoleUser,
		Content: text,
	})
	placeholderID := ""
	if s.streaming {
		placeholderID = s.newID()
		s.messages = append(s.messages, Message{
			ID:        placeholderID,
			Role:      RoleAgent,
			Streaming: true,
		})
	}
	reqCtx, cancel, gen := s.beginLocked(ctx)
	s.mu.Unlock()
	defer cancel()

	var err error
	if s.streaming {
		err = s.exchangeStream(reqCtx, gen, threadID, text, placeholderID)
	} else {
		err = s.exchange(reqCtx, gen, threadID, text)
	}
	return s.finishSend(ctx, gen, threadID, before, err)
}

// SelectQuickReply sends the text of a chosen quick-reply option.
func (s *Session) SelectQuickReply(ctx context.Context, option string) error {
	return s.SendMessage(ctx, option)
}

// Reset cancels any in-flight request and returns the session to its
// initial, unstarted state. Late results of the cancelled request are
// discarded. Safe to call at any time.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.threadID = ""
	s.messages = nil
	s.pending = false
	s.status = ""
	s.publishLocked()
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel receiving a snapshot after every change. The
// channel closes when ctx is cancelled or the session is closed.
func (s *Session) Subscribe(ctx context.Context) (<-chan State, string) {
	return s.broadcaster.Subscribe(ctx)
}

// Close resets the session and closes all subscriptions.
func (s *Session) Close() {
	s.Reset()
	s.broadcaster.Close()
}

// exchange performs a one-shot JSON send.
func (s *Session) exchange(ctx context.Context, gen uint64, threadID, text string) error {
	resp, err := s.api.SendMessage(ctx, threadID, text)
	if err != nil {
		return err
	}
	if resp.Messages == nil && resp.Message == nil {
		return fmt.Errorf("%w: send response has no messages", client.ErrMalformedResponse)
	}

	ok := s.update(gen, func() {
		if resp.Messages != nil {
			s.messages = s.normalize(resp.Messages)
			return
		}
		s.messages = append(s.messages, fromWire(*resp.Message, s.newID))
	})
	if !ok {
		return errAbandoned
	}
	return nil
}

// exchangeStream consumes a streamed reply, applying records in order.
func (s *Session) exchangeStream(ctx context.Context, gen uint64, threadID, text, placeholderID string) error {
	body, err := s.api.StreamMessage(ctx, threadID, text)
	if err != nil {
		return err
	}
	defer body.Close()

	dec := stream.NewDecoder(body)
	completed := false
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, stream.ErrMalformedRecord) {
			s.logger.Warn("skipping stream record", "thread_id", threadID, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}

		switch rec.Type {
		case stream.TypeProgress:
			if !s.update(gen, func() { s.status = rec.Message }) {
				return errAbandoned
			}

		case stream.TypeComplete:
			ok := s.update(gen, func() {
				msgs := make([]Message, 0, len(s.messages)+len(rec.Messages))
				for _, m := range s.messages {
					if m.ID != placeholderID {
						msgs = append(msgs, m)
					}
				}
				s.messages = append(msgs, s.normalize(rec.Messages)...)
			})
			if !ok {
				return errAbandoned
			}
			completed = true

		case stream.TypeDone:
			if !completed {
				return ErrIncompleteStream
			}
			return nil

		case stream.TypeError:
			return &StreamError{Message: rec.Error}

		default:
			s.logger.Warn("skipping unknown stream record", "thread_id", threadID, "type", rec.Type)
		}
	}

	if !completed {
		return ErrIncompleteStream
	}
	return nil
}

// finishSend settles a send on every exit path: pending and status are
// cleared and a failed send restores the pre-send log.
func (s *Session) finishSend(ctx context.Context, gen uint64, threadID string, before []Message, err error) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("dropping send result after reset", "thread_id", threadID)
		return nil
	}
	s.endLocked()
	if err != nil {
		s.messages = before
	}
	s.publishLocked()
	transcript := cloneMessages(s.messages)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("send failed", "thread_id", threadID, "error", err)
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	s.record(ctx, threadID, transcript)
	return nil
}

// beginLocked marks a request in flight and returns its context.
func (s *Session) beginLocked(ctx context.Context) (context.Context, context.CancelFunc, uint64) {
	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if s.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}
	s.cancel = cancel
	s.pending = true
	s.status = ""
	s.publishLocked()
	return reqCtx, cancel, s.gen
}

func (s *Session) endLocked() {
	s.cancel = nil
	s.pending = false
	s.status = ""
}

// update applies fn if the request of generation gen is still current.
func (s *Session) update(gen uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	fn()
	s.publishLocked()
	return true
}

func (s *Session) normalize(wire []client.Message) []Message {
	msgs := make([]Message, 0, len(wire))
	for _, m := range wire {
		msgs = append(msgs, fromWire(m, s.newID))
	}
	return msgs
}

func (s *Session) snapshotLocked() State {
	msgs := cloneMessages(s.messages)
	return State{
		ThreadID: s.threadID,
		Messages: msgs,
		Pending:  s.pending,
		Status:   s.status,
		Widget:   SelectWidget(msgs),
	}
}

func (s *Session) publishLocked() {
	s.broadcaster.Publish(s.snapshotLocked())
}

// record saves the transcript. Failures are logged only.
func (s *Session) record(ctx context.Context, threadID string, messages []Message) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Save(context.WithoutCancel(ctx), threadID, messages); err != nil {
		s.logger.Warn("recording transcript failed", "thread_id", threadID, "error", err)
	}
}

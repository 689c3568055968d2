// ABOUTME: Terminal chat client for the CarBlau Agent API.
// ABOUTME: Readline-style loop over a conversation session with quick-reply shortcuts and lead capture.

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/2389/carblau-chat/internal/client"
	"github.com/2389/carblau-chat/internal/config"
	"github.com/2389/carblau-chat/internal/conversation"
	"github.com/2389/carblau-chat/internal/dedupe"
	"github.com/2389/carblau-chat/internal/lead"
	"github.com/2389/carblau-chat/internal/logging"
	"github.com/2389/carblau-chat/internal/store"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Config file (optional)")
	server := flag.String("server", "", "Agent API base URL (overrides agent.base_url)")
	streamFlag := flag.String("stream", "", "Force streaming on or off (true|false)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *server, *streamFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n¡Hasta pronto!")
}

// app holds everything the command loop works with.
type app struct {
	out        io.Writer
	sess       *conversation.Session
	transcript store.Store
	leads      *lead.Service

	// shown counts the messages of the current log already printed.
	shown    int
	lastLead string

	printMu sync.Mutex

	// busy is set while a send runs in the background.
	busy  atomic.Bool
	sends sync.WaitGroup
}

func newApp(out io.Writer, sess *conversation.Session, transcript store.Store, leads *lead.Service) *app {
	return &app{
		out:        &syncWriter{w: out},
		sess:       sess,
		transcript: transcript,
		leads:      leads,
	}
}

// syncWriter serializes writes from the input loop and background sends.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func run(ctx context.Context, configPath, server, streamFlag string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if server != "" {
		cfg.Agent.BaseURL = server
	}
	if streamFlag != "" {
		stream, err := strconv.ParseBool(streamFlag)
		if err != nil {
			return fmt.Errorf("invalid -stream value %q", streamFlag)
		}
		cfg.Agent.Stream = stream
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Logging, os.Stderr)

	transcript, err := openTranscriptStore(cfg.Transcript, logger)
	if err != nil {
		return fmt.Errorf("opening transcript store: %w", err)
	}
	defer transcript.Close()

	api := client.New(cfg.Agent.BaseURL,
		client.WithToken(cfg.Agent.Token),
		client.WithLogger(logger),
	)

	sess := conversation.New(api,
		conversation.WithStreaming(cfg.Agent.Stream),
		conversation.WithTimeout(cfg.Agent.Timeout),
		conversation.WithLogger(logger),
		conversation.WithRecorder(transcript),
	)
	defer sess.Close()

	cache := dedupe.New(cfg.Leads.DedupeTTL, cfg.Leads.MaxEntries)
	defer cache.Close()

	a := newApp(os.Stdout, sess, transcript, lead.NewService(api, cache, logger))

	mode := "json"
	if cfg.Agent.Stream {
		mode = "stream"
	}
	fmt.Printf("carblau-chat connected to %s (%s, transcripts: %s)\n", cfg.Agent.BaseURL, mode, cfg.Transcript.Driver)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	go a.watchStatus(ctx)

	a.start(ctx)
	return a.loop(ctx, os.Stdin)
}

func openTranscriptStore(cfg config.TranscriptConfig, logger *slog.Logger) (store.Store, error) {
	opts := []store.Option{store.WithLogger(logger)}
	switch store.StoreType(cfg.Driver) {
	case store.TypeSQLite:
		opts = append(opts, store.WithSQLitePath(cfg.Path))
	case store.TypeRedis:
		opts = append(opts,
			store.WithRedisClient(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})),
			store.WithRedisTTL(cfg.TTL),
		)
	}
	return store.NewStore(store.StoreType(cfg.Driver), opts...)
}

// loop reads commands until EOF, /quit or ctx is done. Sends run in the
// background so /reset and other commands stay available while a reply is
// pending. loop returns once the last send has settled.
func (a *app) loop(ctx context.Context, in io.Reader) error {
	defer a.wait()
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(a.out, "> ")

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if quit := a.handle(ctx, input); quit {
			if a.busy.Load() {
				a.sess.Reset()
			}
			return nil
		}
		fmt.Fprintln(a.out)
	}
}

// handle runs one line of input and reports whether the user asked to quit.
func (a *app) handle(ctx context.Context, input string) bool {
	if !strings.HasPrefix(input, "/") {
		text := input
		if reply, err := resolveChoice(a.sess.State().Widget, input); err == nil {
			text = reply
		} else if !errors.Is(err, errNoChoice) {
			renderError(a.out, err)
			return false
		}
		a.sendAsync(ctx, text)
		return false
	}

	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		printHelp(a.out)
	case "/start":
		a.start(ctx)
	case "/reset":
		a.sess.Reset()
		a.printMu.Lock()
		a.shown = 0
		a.printMu.Unlock()
		a.lastLead = ""
		fmt.Fprintln(a.out, "Conversation reset. /start to begin again.")
	case "/history":
		a.history()
	case "/threads":
		a.threads(ctx)
	case "/show":
		a.show(ctx, args)
	case "/lead":
		a.lead(ctx, args)
	case "/contact":
		a.contact(ctx, args)
	default:
		fmt.Fprintf(a.out, "Unknown command %s. /help for commands.\n", cmd)
	}
	return false
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  /start                       Start a conversation")
	fmt.Fprintln(w, "  /reset                       Abandon the conversation and any pending reply")
	fmt.Fprintln(w, "  /history                     Show the current conversation")
	fmt.Fprintln(w, "  /threads                     List saved conversations")
	fmt.Fprintln(w, "  /show <thread_id>            Show a saved conversation")
	fmt.Fprintln(w, "  /lead <n> [action]           Ask about car n of the last recommendation")
	fmt.Fprintln(w, "                               action: contactar (default), mas_info, prueba")
	fmt.Fprintln(w, "  /contact <email> [name...]   Leave contact details for the last lead")
	fmt.Fprintln(w, "  /help                        Show this help")
	fmt.Fprintln(w, "  /quit                        Exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "When options are shown, type their number. Budget options take c<n> or f<n>;")
	fmt.Fprintln(w, "0 picks the escape answer when one is offered.")
}

func (a *app) start(ctx context.Context) {
	err := a.sess.Start(ctx)
	switch {
	case errors.Is(err, conversation.ErrAlreadyStarted):
		fmt.Fprintln(a.out, "Already started. /reset to begin a new conversation.")
		return
	case err != nil:
		renderError(a.out, err)
		fmt.Fprintln(a.out, "Use /start to try again.")
		return
	}
	a.printNew()
}

// sendAsync sends text in the background. Only one send runs at a time.
func (a *app) sendAsync(ctx context.Context, text string) {
	if !a.sess.State().Started() {
		fmt.Fprintln(a.out, "Not started yet. Use /start.")
		return
	}
	if !a.busy.CompareAndSwap(false, true) {
		fmt.Fprintln(a.out, "Still waiting for the agent. /reset to abandon the reply.")
		return
	}
	a.sends.Add(1)
	go func() {
		defer a.sends.Done()
		defer a.busy.Store(false)
		a.send(ctx, text)
	}()
}

// wait blocks until the background send, if any, has settled.
func (a *app) wait() {
	a.sends.Wait()
}

func (a *app) send(ctx context.Context, text string) {
	if err := a.sess.SendMessage(ctx, text); err != nil {
		// The user is quitting; the failure is a consequence of that.
		if ctx.Err() != nil {
			return
		}
		renderError(a.out, err)
		fmt.Fprintln(a.out, "Your message was not delivered; try again.")
	}
	a.printNew()
}

// printNew prints the agent messages added since the last call, then the
// widget. User messages are skipped: the user just typed them.
func (a *app) printNew() {
	a.printMu.Lock()
	defer a.printMu.Unlock()

	st := a.sess.State()
	if a.shown > len(st.Messages) {
		a.shown = len(st.Messages)
	}
	for _, m := range st.Messages[a.shown:] {
		if m.Role == conversation.RoleUser {
			continue
		}
		renderMessage(a.out, m)
	}
	a.shown = len(st.Messages)
	renderWidget(a.out, st.Widget)
}

// watchStatus prints streamed progress text while a reply is pending.
func (a *app) watchStatus(ctx context.Context) {
	updates, _ := a.sess.Subscribe(ctx)
	last := ""
	for st := range updates {
		if !st.Pending {
			last = ""
			continue
		}
		if st.Status == "" || st.Status == last {
			continue
		}
		last = st.Status
		a.printMu.Lock()
		dimColor.Fprintf(a.out, "  · %s\n", st.Status)
		a.printMu.Unlock()
	}
}

func (a *app) history() {
	st := a.sess.State()
	if !st.Started() {
		fmt.Fprintln(a.out, "No conversation")
		return
	}
	dimColor.Fprintf(a.out, "Thread %s (%d messages)\n", st.ThreadID, len(st.Messages))
	for _, m := range st.Messages {
		renderMessage(a.out, m)
	}
}

func (a *app) threads(ctx context.Context) {
	list, err := a.transcript.ListThreads(ctx, 20)
	if err != nil {
		renderError(a.out, err)
		return
	}
	renderThreads(a.out, list)
}

func (a *app) show(ctx context.Context, threadID string) {
	if threadID == "" {
		fmt.Fprintln(a.out, "Usage: /show <thread_id>")
		return
	}
	t, err := a.transcript.Load(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(a.out, "No saved conversation %s\n", threadID)
		return
	}
	if err != nil {
		renderError(a.out, err)
		return
	}
	dimColor.Fprintf(a.out, "Thread %s, saved %s\n", t.ThreadID, t.UpdatedAt.Local().Format("2006-01-02 15:04"))
	for _, m := range t.Messages {
		renderMessage(a.out, m)
	}
}

func (a *app) lead(ctx context.Context, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		fmt.Fprintln(a.out, "Usage: /lead <n> [contactar|mas_info|prueba]")
		return
	}

	cars := lastRecommendation(a.sess.State().Messages)
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 1 || n > len(cars) {
		fmt.Fprintf(a.out, "Choose a car between 1 and %d\n", len(cars))
		return
	}

	action := ""
	if len(fields) > 1 {
		action = fields[1]
	}

	leadID, err := a.leads.CaptureInterest(ctx, cars[n-1], action)
	if err != nil {
		renderError(a.out, err)
		return
	}
	a.lastLead = leadID
	fmt.Fprintf(a.out, "Noted your interest in %s. Leave your details with /contact <email> [name].\n", cars[n-1].Name)
}

func (a *app) contact(ctx context.Context, args string) {
	if a.lastLead == "" {
		fmt.Fprintln(a.out, "Pick a car with /lead <n> first.")
		return
	}
	fields := strings.Fields(args)
	if len(fields) == 0 {
		fmt.Fprintln(a.out, "Usage: /contact <email> [name...]")
		return
	}

	c := lead.Contact{
		LeadID: a.lastLead,
		Email:  fields[0],
		Name:   strings.Join(fields[1:], " "),
	}
	if err := a.leads.SubmitContact(ctx, c); err != nil {
		renderError(a.out, err)
		return
	}
	fmt.Fprintln(a.out, "¡Gracias! Un asesor se pondrá en contacto contigo.")
}

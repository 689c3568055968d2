// ABOUTME: Tests for carblau-chat input shortcuts, rendering and the command loop
// ABOUTME: The loop runs against the in-process fake Agent API with color disabled

package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/carblau-chat/internal/client"
	"github.com/2389/carblau-chat/internal/conversation"
	"github.com/2389/carblau-chat/internal/dedupe"
	"github.com/2389/carblau-chat/internal/fakeagent"
	"github.com/2389/carblau-chat/internal/lead"
	"github.com/2389/carblau-chat/internal/quickreply"
	"github.com/2389/carblau-chat/internal/store"
)

func noColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestResolveChoice(t *testing.T) {
	buttons := conversation.Widget{Kind: quickreply.KindButtons, Options: []string{"SUV", "Berlina"}}
	passengers := conversation.Widget{Kind: quickreply.KindPassengersSlider}
	annualKm := conversation.Widget{Kind: quickreply.KindAnnualKmSlider}
	budget := conversation.Widget{Kind: quickreply.KindBudgetSlider}

	cash, err := quickreply.BudgetReply(quickreply.PaymentCash, 20000)
	require.NoError(t, err)
	financed, err := quickreply.BudgetReply(quickreply.PaymentFinanced, 300)
	require.NoError(t, err)

	tests := []struct {
		name    string
		widget  conversation.Widget
		input   string
		want    string
		noMatch bool
		wantErr bool
	}{
		{name: "button by number", widget: buttons, input: "2", want: "Berlina"},
		{name: "slider reply text", widget: passengers, input: "4", want: "4 o más"},
		{name: "escape answer", widget: annualKm, input: "0", want: quickreply.AnnualKmUnknownReply},
		{name: "no escape on passengers", widget: passengers, input: "0", noMatch: true},
		{name: "cash budget", widget: budget, input: "c2", want: cash},
		{name: "financed budget", widget: budget, input: "F1", want: financed},
		{name: "budget escape", widget: budget, input: "0", want: quickreply.BudgetCustomReply},
		{name: "out of range", widget: buttons, input: "3", wantErr: true},
		{name: "budget out of range", widget: budget, input: "c9", wantErr: true},
		{name: "free text", widget: buttons, input: "Un descapotable", noMatch: true},
		{name: "no widget", widget: conversation.WidgetNone, input: "1", noMatch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveChoice(tt.widget, tt.input)
			switch {
			case tt.noMatch:
				assert.ErrorIs(t, err, errNoChoice)
			case tt.wantErr:
				require.Error(t, err)
				assert.NotErrorIs(t, err, errNoChoice)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRenderMessage(t *testing.T) {
	noColor(t)

	t.Run("markdown card", func(t *testing.T) {
		var buf bytes.Buffer
		renderMessage(&buf, conversation.Message{
			Role:    conversation.RoleAgent,
			Content: "Mira esto:\n\n---\n\n### Seat Ateca\n\n> SUV | 150 CV\n\n**23.450 €**\n\n*Muy equilibrado.*",
		})
		out := buf.String()
		assert.Contains(t, out, "← Mira esto:")
		assert.Contains(t, out, "┌ Seat Ateca")
		assert.Contains(t, out, "SUV · 150 CV")
		assert.Contains(t, out, "23.450 €")
		assert.Contains(t, out, "Muy equilibrado.")
	})

	t.Run("recommendation", func(t *testing.T) {
		var buf bytes.Buffer
		renderMessage(&buf, conversation.Message{
			Role: conversation.RoleAgent,
			Attachment: &conversation.Attachment{Recommendation: &conversation.Recommendation{
				IntroText: "Te recomiendo:",
				Cars:      []conversation.Car{{Name: "Dacia Jogger", Price: "18.990 €", Score: "7.9"}},
				OutroText: "¿Te interesa?",
			}},
		})
		out := buf.String()
		assert.Contains(t, out, "← Te recomiendo:")
		assert.Contains(t, out, "[1] Dacia Jogger")
		assert.Contains(t, out, "★ 7.9")
		assert.Contains(t, out, "← ¿Te interesa?")
	})

	t.Run("streaming placeholder", func(t *testing.T) {
		var buf bytes.Buffer
		renderMessage(&buf, conversation.Message{Role: conversation.RoleAgent, Streaming: true})
		assert.Empty(t, buf.String())
	})
}

func TestRenderWidget(t *testing.T) {
	noColor(t)

	var buf bytes.Buffer
	renderWidget(&buf, conversation.Widget{Kind: quickreply.KindBudgetSlider})
	out := buf.String()
	assert.Contains(t, out, "c1) 5-10k")
	assert.Contains(t, out, "f5) 700€+")
	assert.Contains(t, out, "0) "+quickreply.BudgetCustomReply)

	buf.Reset()
	renderWidget(&buf, conversation.WidgetNone)
	assert.Empty(t, buf.String())
}

// lockedBuffer is a bytes.Buffer safe to read while a background send writes.
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

func (b *lockedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func newTestApp(t *testing.T, streaming bool, opts ...fakeagent.Option) (*app, *lockedBuffer, *fakeagent.Server) {
	t.Helper()
	noColor(t)

	fa := fakeagent.New(opts...)
	ts := httptest.NewServer(fa.Handler())
	t.Cleanup(ts.Close)

	transcript, err := store.NewStore(store.TypeMemory)
	require.NoError(t, err)
	t.Cleanup(func() { transcript.Close() })

	api := client.New(ts.URL)
	sess := conversation.New(api,
		conversation.WithStreaming(streaming),
		conversation.WithRecorder(transcript),
	)
	t.Cleanup(sess.Close)

	cache := dedupe.New(time.Hour, 10)
	t.Cleanup(cache.Close)

	out := &lockedBuffer{}
	return newApp(out, sess, transcript, lead.NewService(api, cache, nil)), out, fa
}

func TestApp_ConversationToLead(t *testing.T) {
	a, out, fa := newTestApp(t, true)
	ctx := t.Context()

	a.start(ctx)
	assert.Contains(t, out.String(), "CarBlau")

	inputs := []string{"Busco coche", "2", "0", "3", "c3", "1"}
	for _, in := range inputs {
		require.False(t, a.handle(ctx, in))
		a.wait()
	}
	assert.Contains(t, out.String(), "[1] Seat Ateca 1.5 TSI")

	out.Reset()
	a.handle(ctx, "/lead 2 prueba")
	assert.Contains(t, out.String(), "Toyota Corolla 140H")
	require.NotEmpty(t, a.lastLead)

	out.Reset()
	a.handle(ctx, "/contact ana@example.com Ana García")
	assert.Contains(t, out.String(), "¡Gracias!")

	leads := fa.Leads()
	require.Len(t, leads, 1)
	assert.Equal(t, "car-corolla-140h", leads[0].Capture.CarID)
	require.NotNil(t, leads[0].Contact)
	assert.Equal(t, "Ana García", leads[0].Contact.Nombre)

	out.Reset()
	a.handle(ctx, "/threads")
	assert.Contains(t, out.String(), a.sess.State().ThreadID)
}

func TestApp_FailedSendReported(t *testing.T) {
	a, out, _ := newTestApp(t, false)
	ctx := t.Context()

	a.start(ctx)
	before := len(a.sess.State().Messages)

	a.handle(ctx, fakeagent.FailTrigger)
	a.wait()
	assert.Contains(t, out.String(), "[error]")
	assert.Contains(t, out.String(), "not delivered")
	assert.Len(t, a.sess.State().Messages, before)
}

func TestApp_Commands(t *testing.T) {
	a, out, _ := newTestApp(t, false)
	ctx := t.Context()

	a.handle(ctx, "hola")
	assert.Contains(t, out.String(), "Not started yet")

	a.start(ctx)
	out.Reset()
	a.start(ctx)
	assert.Contains(t, out.String(), "Already started")

	out.Reset()
	a.handle(ctx, "/lead 1")
	assert.Contains(t, out.String(), "between 1 and 0")

	out.Reset()
	a.handle(ctx, "/contact x@example.com")
	assert.Contains(t, out.String(), "/lead <n> first")

	out.Reset()
	a.handle(ctx, "/reset")
	assert.False(t, a.sess.State().Started())
	assert.Equal(t, 0, a.shown)

	out.Reset()
	a.handle(ctx, "/nope")
	assert.Contains(t, out.String(), "Unknown command")

	assert.True(t, a.handle(ctx, "/quit"))
}

func TestApp_LoopReadsUntilEOF(t *testing.T) {
	a, out, _ := newTestApp(t, false)

	err := a.loop(t.Context(), strings.NewReader("/help\n\n/history\n"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Commands:")
	assert.Contains(t, out.String(), "No conversation")
}

func TestApp_ResetWhilePending(t *testing.T) {
	a, out, _ := newTestApp(t, true, fakeagent.WithStreamDelay(time.Minute))
	ctx := t.Context()

	a.start(ctx)
	require.True(t, a.sess.State().Started())

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- a.loop(ctx, pr) }()

	_, err := io.WriteString(pw, "hola\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.sess.State().Pending }, 2*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(pw, "otra cosa\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Still waiting for the agent")
	}, 2*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(pw, "/reset\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !a.sess.State().Started() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pw.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not return after EOF")
	}

	st := a.sess.State()
	assert.False(t, st.Pending)
	assert.Empty(t, st.Messages)
	assert.Contains(t, out.String(), "Conversation reset")
	assert.NotContains(t, out.String(), "[error]")
}

func TestApp_CancelWhileSendingIsSilent(t *testing.T) {
	a, out, _ := newTestApp(t, true, fakeagent.WithStreamDelay(time.Minute))

	a.start(t.Context())
	before := len(a.sess.State().Messages)

	ctx, cancel := context.WithCancel(t.Context())
	a.handle(ctx, "hola")
	require.Eventually(t, func() bool { return a.sess.State().Pending }, 2*time.Second, 10*time.Millisecond)

	cancel()
	a.wait()

	assert.NotContains(t, out.String(), "[error]")
	assert.NotContains(t, out.String(), "not delivered")
	st := a.sess.State()
	assert.False(t, st.Pending)
	assert.Len(t, st.Messages, before)
}

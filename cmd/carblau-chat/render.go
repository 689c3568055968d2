// ABOUTME: Terminal rendering for carblau-chat: messages, car cards, recommendations and widgets.
// ABOUTME: Also maps typed shortcuts (digits, c<n>, f<n>) onto quick-reply answers.

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/carblau-chat/internal/content"
	"github.com/2389/carblau-chat/internal/conversation"
	"github.com/2389/carblau-chat/internal/quickreply"
	"github.com/2389/carblau-chat/internal/store"
)

var (
	agentColor  = color.New(color.FgGreen)
	userColor   = color.New(color.FgBlue)
	titleColor  = color.New(color.FgCyan, color.Bold)
	priceColor  = color.New(color.FgGreen, color.Bold)
	dimColor    = color.New(color.FgHiBlack)
	optionColor = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
)

// errNoChoice means the input is not a shortcut for the current widget.
var errNoChoice = errors.New("not a widget choice")

// renderMessage prints one message. Streaming placeholders print nothing.
func renderMessage(w io.Writer, m conversation.Message) {
	if m.Streaming {
		return
	}

	if m.Role == conversation.RoleUser {
		userColor.Fprint(w, "→ ")
		fmt.Fprintln(w, m.Content)
		return
	}

	if m.Attachment != nil && m.Attachment.Recommendation != nil {
		renderRecommendation(w, m.Attachment.Recommendation)
		if strings.TrimSpace(m.Content) == "" {
			return
		}
	}

	for _, b := range content.Parse(m.Content) {
		switch b.Kind {
		case content.KindCarCard:
			renderCard(w, b.Card)
		default:
			agentColor.Fprint(w, "← ")
			fmt.Fprintln(w, indent(content.PlainText(b.Markdown), "  "))
		}
	}
}

func renderCard(w io.Writer, c *content.CarCard) {
	titleColor.Fprintf(w, "  ┌ %s\n", c.Name)
	if len(c.Specs) > 0 {
		dimColor.Fprintf(w, "  │ %s\n", strings.Join(c.Specs, " · "))
	}
	if c.Highlight != "" {
		fmt.Fprint(w, "  │ ")
		priceColor.Fprintln(w, c.Highlight)
	}
	if c.Analysis != "" {
		fmt.Fprintf(w, "  │ %s\n", c.Analysis)
	}
	for _, line := range c.Body {
		fmt.Fprintf(w, "  │ %s\n", line)
	}
	if c.ImageURL != "" {
		dimColor.Fprintf(w, "  │ %s\n", c.ImageURL)
	}
	fmt.Fprintln(w, "  └")
}

func renderRecommendation(w io.Writer, rec *conversation.Recommendation) {
	if rec.IntroText != "" {
		agentColor.Fprint(w, "← ")
		fmt.Fprintln(w, rec.IntroText)
	}
	for i, car := range rec.Cars {
		titleColor.Fprintf(w, "  [%d] %s", i+1, car.Name)
		if car.Score != "" {
			dimColor.Fprintf(w, "  ★ %s", car.Score)
		}
		fmt.Fprintln(w)
		if len(car.Specs) > 0 {
			dimColor.Fprintf(w, "      %s\n", strings.Join(car.Specs, " · "))
		}
		if car.Price != "" {
			fmt.Fprint(w, "      ")
			priceColor.Fprintln(w, car.Price)
		}
		if car.Analysis != "" {
			fmt.Fprintf(w, "      %s\n", car.Analysis)
		}
	}
	if rec.OutroText != "" {
		agentColor.Fprint(w, "← ")
		fmt.Fprintln(w, rec.OutroText)
	}
	if len(rec.Cars) > 0 {
		dimColor.Fprintln(w, "  /lead <n> [contactar|mas_info|prueba] to ask about a car")
	}
}

// renderWidget prints the choices of the visible widget.
func renderWidget(w io.Writer, widget conversation.Widget) {
	if !widget.Visible() {
		return
	}

	switch widget.Kind {
	case quickreply.KindButtons:
		for i, opt := range widget.Options {
			optionColor.Fprintf(w, "  %d) %s\n", i+1, opt)
		}
	case quickreply.KindBudgetSlider:
		for _, pt := range []quickreply.PaymentType{quickreply.PaymentCash, quickreply.PaymentFinanced} {
			prefix := string(pt[0])
			dimColor.Fprintf(w, "  %s:\n", pt)
			for i, r := range quickreply.BudgetRanges(pt) {
				optionColor.Fprintf(w, "    %s%d) %s", prefix, i+1, r.Label)
				dimColor.Fprintf(w, " %s\n", r.Description)
			}
		}
	default:
		for i, opt := range quickreply.Options(widget.Kind) {
			optionColor.Fprintf(w, "  %d) %s", i+1, opt.Label)
			dimColor.Fprintf(w, " %s\n", opt.Description)
		}
	}

	if escape, ok := quickreply.EscapeReply(widget.Kind); ok {
		optionColor.Fprintf(w, "  0) %s\n", escape)
	}
}

// resolveChoice maps a shortcut typed while widget is visible to the reply
// text it stands for. Anything that is not a shortcut returns errNoChoice so
// the caller can send it as free text.
func resolveChoice(widget conversation.Widget, input string) (string, error) {
	if !widget.Visible() {
		return "", errNoChoice
	}
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "0" {
		if escape, ok := quickreply.EscapeReply(widget.Kind); ok {
			return escape, nil
		}
		return "", errNoChoice
	}

	if widget.Kind == quickreply.KindBudgetSlider {
		if len(input) < 2 {
			return "", errNoChoice
		}
		var pt quickreply.PaymentType
		switch input[0] {
		case 'c':
			pt = quickreply.PaymentCash
		case 'f':
			pt = quickreply.PaymentFinanced
		default:
			return "", errNoChoice
		}
		n, err := strconv.Atoi(input[1:])
		if err != nil {
			return "", errNoChoice
		}
		ranges := quickreply.BudgetRanges(pt)
		if n < 1 || n > len(ranges) {
			return "", fmt.Errorf("choose %c1-%c%d", input[0], input[0], len(ranges))
		}
		return quickreply.BudgetReply(pt, ranges[n-1].Value)
	}

	n, err := strconv.Atoi(input)
	if err != nil {
		return "", errNoChoice
	}

	var replies []string
	if widget.Kind == quickreply.KindButtons {
		replies = widget.Options
	} else {
		for _, opt := range quickreply.Options(widget.Kind) {
			replies = append(replies, opt.Reply)
		}
	}
	if n < 1 || n > len(replies) {
		return "", fmt.Errorf("choose 1-%d", len(replies))
	}
	return replies[n-1], nil
}

// lastRecommendation returns the cars of the most recent recommendation.
func lastRecommendation(messages []conversation.Message) []conversation.Car {
	for i := len(messages) - 1; i >= 0; i-- {
		if a := messages[i].Attachment; a != nil && a.Recommendation != nil {
			return a.Recommendation.Cars
		}
	}
	return nil
}

func renderThreads(w io.Writer, threads []store.ThreadSummary) {
	if len(threads) == 0 {
		fmt.Fprintln(w, "No saved conversations")
		return
	}
	fmt.Fprintln(w, "Saved conversations:")
	for _, th := range threads {
		dimColor.Fprintf(w, "  %s  %s  ", th.UpdatedAt.Local().Format("2006-01-02 15:04"), th.ThreadID)
		fmt.Fprintf(w, "(%d) %s\n", th.MessageCount, th.Preview)
	}
}

func renderError(w io.Writer, err error) {
	errorColor.Fprintf(w, "[error] %v\n", err)
}

func indent(s, prefix string) string {
	return strings.ReplaceAll(s, "\n", "\n"+prefix)
}

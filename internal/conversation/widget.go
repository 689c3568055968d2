// ABOUTME: Derives which quick-reply widget to show from the message log.
// ABOUTME: Only the last message matters; the result is recomputed on every change.

package conversation

import (
	"slices"

	"github.com/2389/carblau-chat/internal/quickreply"
)

// Widget is the input widget the presentation layer should show. The zero
// value means no widget.
type Widget struct {
	Kind    quickreply.Kind
	Options []string
	Field   string
}

// WidgetNone is the zero Widget.
var WidgetNone = Widget{}

// Visible reports whether a widget should be shown.
func (w Widget) Visible() bool {
	return w.Kind != ""
}

// SelectWidget returns the widget requested by the last message. A widget is
// shown only when the last message is a finished agent message carrying a
// directive. Buttons without options are not shown.
func SelectWidget(messages []Message) Widget {
	if len(messages) == 0 {
		return WidgetNone
	}

	last := messages[len(messages)-1]
	if last.Role != RoleAgent || last.Streaming || last.Attachment == nil || last.Attachment.QuickReply == nil {
		return WidgetNone
	}

	d := last.Attachment.QuickReply
	if d.Kind == quickreply.KindButtons && len(d.Options) == 0 {
		return WidgetNone
	}
	return Widget{Kind: d.Kind, Options: slices.Clone(d.Options), Field: d.Field}
}

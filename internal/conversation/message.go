// ABOUTME: Conversation messages as the session keeps them, plus normalization from wire messages.
// ABOUTME: Attachments are parsed once here so the presentation layer never touches additional_kwargs.

package conversation

import (
	"strings"

	"github.com/2389/carblau-chat/internal/client"
	"github.com/2389/carblau-chat/internal/quickreply"
)

// Role identifies who wrote a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one entry of the session log. Messages are not modified after
// they are added; Attachment values are shared between snapshots.
type Message struct {
	ID         string      `json:"id"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	// Streaming is true only for the placeholder of a reply still being streamed.
	Streaming bool `json:"streaming,omitempty"`
}

// Attachment is the structured part of an agent message.
type Attachment struct {
	Recommendation *Recommendation      `json:"recommendation,omitempty"`
	QuickReply     *QuickReplyDirective `json:"quick_reply,omitempty"`
}

// Recommendation is a bundle of recommended cars.
type Recommendation struct {
	IntroText string `json:"intro_text"`
	Cars      []Car  `json:"cars"`
	OutroText string `json:"outro_text,omitempty"`
}

// Car is one recommended vehicle. CarID and SessionID are only carried
// through for lead capture.
type Car struct {
	Name      string   `json:"name"`
	Specs     []string `json:"specs,omitempty"`
	ImageURL  string   `json:"image_url,omitempty"`
	Price     string   `json:"price"`
	Score     string   `json:"score"`
	Analysis  string   `json:"analysis"`
	CarID     string   `json:"car_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// QuickReplyDirective asks the client to present a widget next.
type QuickReplyDirective struct {
	Kind    quickreply.Kind `json:"kind"`
	Options []string        `json:"options,omitempty"`
	Field   string          `json:"field,omitempty"`
}

// normalizeRole maps the role spellings used by agent backends onto Role.
// Anything that is not a user turn came from the agent.
func normalizeRole(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user", "human":
		return RoleUser
	default:
		return RoleAgent
	}
}

// fromWire converts a server message. Messages without an id get one from
// newID so ids stay unique within the log.
func fromWire(m client.Message, newID func() string) Message {
	msg := Message{
		ID:      m.ID,
		Role:    normalizeRole(m.Role),
		Content: m.Content,
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if m.AdditionalKwargs != nil {
		msg.Attachment = attachmentFromWire(m.AdditionalKwargs)
	}
	return msg
}

func attachmentFromWire(kw *client.AdditionalKwargs) *Attachment {
	var att Attachment

	if p := kw.Payload; p != nil && (p.Type == "" || p.Type == client.PayloadTypeCarRecommendation) {
		rec := &Recommendation{IntroText: p.IntroText, OutroText: p.OutroText}
		for _, c := range p.Cars {
			rec.Cars = append(rec.Cars, Car{
				Name:      c.Name,
				Specs:     c.Specs,
				ImageURL:  c.ImageURL,
				Price:     c.Price,
				Score:     c.Score,
				Analysis:  c.Analysis,
				CarID:     c.CarID,
				SessionID: c.SessionID,
			})
		}
		att.Recommendation = rec
	}

	att.QuickReply = directiveFromWire(kw)

	if att.Recommendation == nil && att.QuickReply == nil {
		return nil
	}
	return &att
}

// directiveFromWire prefers quick_reply_config. A flat quick_replies list is
// a buttons directive. Unknown widget types yield no directive.
func directiveFromWire(kw *client.AdditionalKwargs) *QuickReplyDirective {
	if cfg := kw.QuickReplyConfig; cfg != nil {
		kind, ok := quickreply.ParseKind(cfg.Type)
		if !ok {
			return nil
		}
		options := cfg.Options
		if kind == quickreply.KindButtons && len(options) == 0 {
			options = kw.QuickReplies
		}
		return &QuickReplyDirective{Kind: kind, Options: options, Field: cfg.Field}
	}
	if len(kw.QuickReplies) > 0 {
		return &QuickReplyDirective{Kind: quickreply.KindButtons, Options: kw.QuickReplies}
	}
	return nil
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

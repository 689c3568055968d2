// ABOUTME: Wire types for the Agent API JSON contract.
// ABOUTME: Messages, car recommendation payloads, quick-reply metadata and lead requests.

package client

// Message is a conversation message as the Agent API sends it.
type Message struct {
	ID               string            `json:"id"`
	Role             string            `json:"role"`
	Content          string            `json:"content"`
	AdditionalKwargs *AdditionalKwargs `json:"additional_kwargs,omitempty"`
}

// AdditionalKwargs carries the structured attachments of an agent message.
type AdditionalKwargs struct {
	Payload          *CarRecommendationPayload `json:"payload,omitempty"`
	QuickReplies     []string                  `json:"quick_replies,omitempty"`
	QuickReplyConfig *QuickReplyConfig         `json:"quick_reply_config,omitempty"`
}

// PayloadTypeCarRecommendation is the only payload type the client understands.
const PayloadTypeCarRecommendation = "car_recommendation"

// CarRecommendationPayload is a bundle of recommended cars.
type CarRecommendationPayload struct {
	Type      string      `json:"type"`
	IntroText string      `json:"introText"`
	Cars      []CarRecord `json:"cars"`
	OutroText string      `json:"outroText,omitempty"`
}

// CarRecord is one recommended vehicle.
type CarRecord struct {
	Name      string   `json:"name"`
	Specs     []string `json:"specs"`
	ImageURL  string   `json:"imageUrl,omitempty"`
	Price     string   `json:"price"`
	Score     string   `json:"score"`
	Analysis  string   `json:"analysis"`
	CarID     string   `json:"car_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// QuickReplyConfig selects the input widget the client should present next.
type QuickReplyConfig struct {
	Type    string   `json:"type"`
	Options []string `json:"options,omitempty"`
	Field   string   `json:"field,omitempty"`
}

// StartResponse is the body of POST /start. Older deployments return a
// single greeting in Message instead of the Messages array.
type StartResponse struct {
	ThreadID string    `json:"thread_id"`
	Messages []Message `json:"messages,omitempty"`
	Message  *Message  `json:"message,omitempty"`
}

// SendRequest is the body of POST /conversation/{thread_id}/message.
type SendRequest struct {
	Messages []OutgoingMessage `json:"messages"`
}

// OutgoingMessage is a user turn in a SendRequest.
type OutgoingMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SendResponse is the JSON reply to a non-streaming send. Most deployments
// return the full history in Messages; some return only the new agent
// message.
type SendResponse struct {
	Messages []Message `json:"messages,omitempty"`
	Message  *Message  `json:"message,omitempty"`
}

// LeadCaptureRequest is the body of POST /api/lead/capture.
type LeadCaptureRequest struct {
	CarID     string  `json:"car_id"`
	SessionID string  `json:"session_id"`
	CarName   string  `json:"car_nombre"`
	CarPrice  float64 `json:"car_precio"`
	Action    string  `json:"action"`
}

// LeadCaptureResponse is the reply to a lead capture.
type LeadCaptureResponse struct {
	LeadID string `json:"lead_id"`
}

// LeadContactRequest is the body of POST /api/lead/contact.
type LeadContactRequest struct {
	LeadID   string `json:"lead_id"`
	Email    string `json:"email"`
	Nombre   string `json:"nombre,omitempty"`
	Telefono string `json:"telefono,omitempty"`
}

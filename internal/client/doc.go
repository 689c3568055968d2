// Package client implements the HTTP client for the CarBlau Agent API.
//
// # Overview
//
// The Agent API is the remote conversational backend. It owns the
// authoritative conversation history; this package only speaks its wire
// format and normalizes transport failures into Go errors.
//
// # Endpoints
//
//   - POST /start: open a thread, returns the greeting
//   - POST /conversation/{thread_id}/message: send user text (JSON or SSE)
//   - POST /api/lead/capture: record interest in a car
//   - POST /api/lead/contact: attach contact details to a lead
//
// # Errors
//
// A non-2xx status is returned as *StatusError. A 2xx body that does not
// decode into the expected shape wraps ErrMalformedResponse. Network errors
// are returned wrapped, unchanged otherwise.
//
// # Usage
//
//	c := client.New("https://agent.example.com", client.WithToken(token))
//	start, err := c.Start(ctx)
//	if err != nil {
//	    return err
//	}
//	resp, err := c.SendMessage(ctx, start.ThreadID, "Busco un SUV")
package client

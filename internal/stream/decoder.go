// ABOUTME: Incremental decoder for the newline-delimited event records of a streamed reply.
// ABOUTME: Decodes a record only once its full line has arrived; malformed lines are reported, not fatal.

// Package stream decodes the event stream returned by a streaming send.
//
// Each line carries one JSON record, optionally behind an SSE "data:" marker.
// Lines are buffered until the terminating newline arrives, so a record (or a
// multi-byte character inside it) split across network reads is decoded only
// when complete.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/2389/carblau-chat/internal/client"
)

// Record types sent by the Agent API.
const (
	TypeProgress = "progress"
	TypeComplete = "complete"
	TypeDone     = "done"
	TypeError    = "error"
)

// ErrMalformedRecord marks a line that could not be decoded into a Record.
// The decoder remains usable after returning it.
var ErrMalformedRecord = errors.New("malformed stream record")

// Record is one decoded stream event.
type Record struct {
	Type     string
	Message  string
	Error    string
	Messages []client.Message
}

// rawRecord accepts the field spellings seen across backend versions.
type rawRecord struct {
	Type     string           `json:"type"`
	Message  string           `json:"message"`
	Status   string           `json:"status"`
	Text     string           `json:"text"`
	Error    string           `json:"error"`
	Messages []client.Message `json:"messages"`
}

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Decoder reads Records from a byte stream.
type Decoder struct {
	r   *bufio.Reader
	eof bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next record. It returns io.EOF once the stream is drained.
// An error wrapping ErrMalformedRecord means one line was skipped; callers
// may keep calling Next. Any other error comes from the underlying reader.
func (d *Decoder) Next() (Record, error) {
	for {
		if d.eof {
			return Record{}, io.EOF
		}

		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Record{}, err
			}
			// A final line without a newline is still a complete record.
			d.eof = true
		}

		payload, ok := payloadOf(line)
		if !ok {
			continue
		}
		return parseRecord(payload)
	}
}

// payloadOf strips framing from a raw line. ok is false for lines that carry
// no record: blanks, SSE comments and non-data SSE fields.
func payloadOf(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}

	if bytes.HasPrefix(line, dataPrefix) {
		line = bytes.TrimSpace(line[len(dataPrefix):])
	} else if isSSEField(line) {
		return nil, false
	}

	if len(line) == 0 || bytes.Equal(line, doneMarker) {
		return nil, false
	}
	return line, true
}

func isSSEField(line []byte) bool {
	for _, field := range []string{"event:", "id:", "retry:"} {
		if bytes.HasPrefix(line, []byte(field)) {
			return true
		}
	}
	return false
}

func parseRecord(payload []byte) (Record, error) {
	var raw rawRecord
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if raw.Type == "" {
		return Record{}, fmt.Errorf("%w: missing type", ErrMalformedRecord)
	}

	rec := Record{
		Type:     raw.Type,
		Message:  raw.Message,
		Error:    raw.Error,
		Messages: raw.Messages,
	}
	if rec.Message == "" {
		rec.Message = raw.Status
	}
	if rec.Message == "" {
		rec.Message = raw.Text
	}
	if rec.Type == TypeError && rec.Error == "" {
		rec.Error = rec.Message
	}
	return rec, nil
}

// Package confbridge decodes the application payloads the conference bridge
// embeds in SIP MESSAGE/INFO requests: roster events and chat.
package confbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BioHazard786/huddle/internal/errs"
)

const (
	ContentTypeEvent = "application/x-confbridge-event+json"
	ContentTypeChat  = "application/x-confbridge-chat+json"

	asteriskEvent = "application/x-asterisk-confbridge-event+json"
	asteriskChat  = "application/x-asterisk-confbridge-chat+json"
)

// Kind classifies an inbound payload by content type.
type Kind int

const (
	KindUnknown Kind = iota
	KindEvent
	KindChat
)

// Classify maps a MESSAGE or INFO content type to the bridge payload it
// carries.
func Classify(contentType string) Kind {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case ContentTypeEvent, asteriskEvent:
		return KindEvent
	case ContentTypeChat, asteriskChat:
		return KindChat
	default:
		return KindUnknown
	}
}

// ChannelID accepts both JSON strings and numbers.
type ChannelID string

func (id *ChannelID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ChannelID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("channel id: %w", err)
	}
	*id = ChannelID(n.String())
	return nil
}

// Numeric returns the id as a number. Bridge channel ids index the
// per-channel source lists, so anything non-numeric cannot be correlated.
func (id ChannelID) Numeric() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(string(id)))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Channel is one conference participant as described by the bridge.
type Channel struct {
	ID            ChannelID         `json:"id"`
	Name          string            `json:"name"`
	CallerID      CallerID          `json:"caller_id"`
	SourceStreams map[string]string `json:"source_streams,omitempty"`
	Sources       []string          `json:"sources,omitempty"`
	Muted         bool              `json:"muted,omitempty"`
	Talking       bool              `json:"talking,omitempty"`
}

// DisplayName is the channel name, then the caller id name or number,
// then "channel <id>".
func (c Channel) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.CallerID.Name != "":
		return c.CallerID.Name
	case c.CallerID.Number != "":
		return c.CallerID.Number
	default:
		return "channel " + string(c.ID)
	}
}

// Event is a roster message: a full roster for a welcome, an incremental
// update otherwise. Sources maps channel id to the media source ids that
// channel owns.
type Event struct {
	Type     string              `json:"type"`
	Channels []Channel           `json:"channels"`
	Sources  map[string][]string `json:"sources,omitempty"`
}

func (e Event) IsWelcome() bool {
	t := strings.ToLower(e.Type)
	return t == "welcome" || t == "confbridgewelcome"
}

// Chat is a text message relayed by the bridge.
type Chat struct {
	From string `json:"From"`
	Body string `json:"Body"`
}

// DecodeEvent parses a roster event. Errors wrap errs.ErrMalformedPayload.
func DecodeEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, errs.Wrap("decode confbridge event", errs.ErrMalformedPayload, err.Error())
	}
	if ev.Type == "" {
		return Event{}, errs.Wrap("decode confbridge event", errs.ErrMalformedPayload, "missing type")
	}
	return ev, nil
}

func DecodeChat(body []byte) (Chat, error) {
	var c Chat
	if err := json.Unmarshal(body, &c); err != nil {
		return Chat{}, errs.Wrap("decode confbridge chat", errs.ErrMalformedPayload, err.Error())
	}
	if c.Body == "" {
		return Chat{}, errs.Wrap("decode confbridge chat", errs.ErrMalformedPayload, "empty body")
	}
	return c, nil
}

// EncodeChat builds the body of an outgoing chat MESSAGE.
func EncodeChat(from, body string) ([]byte, error) {
	return json.Marshal(Chat{From: from, Body: body})
}

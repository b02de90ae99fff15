// Package transcript consumes live transcription published on a message
// broker and keeps the entries in display order.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BioHazard786/huddle/internal/errs"
)

// Platforms that produce transcription payloads.
const (
	PlatformAzure  = "azure"
	PlatformGoogle = "google"
	PlatformAmazon = "amazon"
)

// Entry is one speaker utterance. Later payloads with the same ID refine it.
type Entry struct {
	ID         string
	CallerName string
	Platform   string
	Text       string
}

type payload struct {
	ID         json.RawMessage `json:"id"`
	CallerName string          `json:"callerName"`
	Platform   string          `json:"platform"`
	Results    json.RawMessage `json:"results"`
}

// Parse decodes a feed message. Anything that does not match the platform's
// result shape is ErrMalformedPayload.
func Parse(data []byte) (Entry, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Entry{}, malformed(err.Error())
	}
	id := strings.Trim(strings.TrimSpace(string(p.ID)), `"`)
	if id == "" || id == "null" {
		return Entry{}, malformed("missing id")
	}
	if len(p.Results) == 0 {
		return Entry{}, malformed("missing results")
	}

	platform := strings.ToLower(p.Platform)
	text, err := resultText(platform, p.Results)
	if err != nil {
		return Entry{}, malformed(fmt.Sprintf("%s results: %v", platform, err))
	}
	return Entry{ID: id, CallerName: p.CallerName, Platform: platform, Text: text}, nil
}

func resultText(platform string, raw json.RawMessage) (string, error) {
	switch platform {
	case PlatformAzure:
		var r struct {
			Text *string `json:"text"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", err
		}
		if r.Text == nil {
			return "", fmt.Errorf("no text")
		}
		return *r.Text, nil

	case PlatformGoogle:
		var r struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", err
		}
		if len(r.Alternatives) == 0 {
			return "", fmt.Errorf("no alternatives")
		}
		return r.Alternatives[0].Transcript, nil

	case PlatformAmazon:
		var r []struct {
			Transcript string `json:"Transcript"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", err
		}
		if len(r) == 0 {
			return "", fmt.Errorf("no results")
		}
		return r[0].Transcript, nil

	default:
		return "", fmt.Errorf("unknown platform")
	}
}

func malformed(details string) error {
	return errs.Wrap("parse transcription", errs.ErrMalformedPayload, details)
}

// Log holds entries by id, most recent last.
type Log struct {
	order []string
	byID  map[string]Entry
}

// NewLog returns an empty transcript log.
func NewLog() *Log {
	return &Log{byID: make(map[string]Entry)}
}

// Upsert stores e and moves it to the most recent position.
func (l *Log) Upsert(e Entry) {
	if _, ok := l.byID[e.ID]; ok {
		for i, id := range l.order {
			if id == e.ID {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
	}
	l.order = append(l.order, e.ID)
	l.byID[e.ID] = e
}

func (l *Log) Len() int { return len(l.order) }

// Entries returns a copy of the log in display order.
func (l *Log) Entries() []Entry {
	out := make([]Entry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}

// Package roster maps remote media sources to conference participants.
package roster

import (
	"sort"
	"strings"

	"github.com/BioHazard786/huddle/internal/confbridge"
)

// Participant is one bridge channel.
type Participant struct {
	ChannelID string
	Name      string
	Sources   []string
	Muted     bool
	Talking   bool
	// Present is false once the channel left or a later welcome dropped it.
	Present bool
}

// Owns reports whether source belongs to the participant.
func (p Participant) Owns(source string) bool {
	for _, s := range p.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// Correlator is not safe for concurrent use; the room actor owns it.
type Correlator struct {
	channels map[int]*Participant
	// assigned is never cleared: a source keeps its channel for good.
	assigned map[string]int
	// names holds channels whose ids cannot be correlated.
	names map[string]*Participant
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		channels: make(map[int]*Participant),
		assigned: make(map[string]int),
		names:    make(map[string]*Participant),
	}
}

// Apply folds a roster event in. A welcome replaces the roster, anything
// else updates the channels it names.
func (c *Correlator) Apply(ev confbridge.Event) {
	if ev.IsWelcome() {
		for _, p := range c.channels {
			p.Present = false
		}
		c.names = make(map[string]*Participant)
	}
	leaving := isLeave(ev.Type)

	for _, ch := range ev.Channels {
		p := Participant{
			ChannelID: string(ch.ID),
			Name:      ch.DisplayName(),
			Sources:   sourcesOf(ch, ev.Sources[string(ch.ID)]),
			Muted:     ch.Muted,
			Talking:   ch.Talking,
			Present:   !leaving,
		}

		id, ok := ch.ID.Numeric()
		if !ok {
			if leaving {
				delete(c.names, p.ChannelID)
			} else {
				c.names[p.ChannelID] = &p
			}
			continue
		}
		if leaving {
			if prev, found := c.channels[id]; found {
				prev.Present = false
			}
			continue
		}
		c.channels[id] = &p
	}
}

// Lookup returns the participant owning source. A source resolved once
// always resolves to the same channel. A miss records nothing.
func (c *Correlator) Lookup(source string) (Participant, bool) {
	if source == "" {
		return Participant{}, false
	}
	if id, ok := c.assigned[source]; ok {
		return c.snapshot(id), true
	}
	for _, id := range c.ids() {
		p := c.channels[id]
		if p.Present && p.Owns(source) {
			c.assigned[source] = id
			return c.snapshot(id), true
		}
	}
	return Participant{}, false
}

// Participants lists present channels, correlatable ones first by id.
func (c *Correlator) Participants() []Participant {
	var out []Participant
	for _, id := range c.ids() {
		if p := c.channels[id]; p.Present {
			out = append(out, c.snapshot(id))
		}
	}
	named := make([]string, 0, len(c.names))
	for k := range c.names {
		named = append(named, k)
	}
	sort.Strings(named)
	for _, k := range named {
		out = append(out, clone(*c.names[k]))
	}
	return out
}

func (c *Correlator) ids() []int {
	ids := make([]int, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (c *Correlator) snapshot(id int) Participant {
	return clone(*c.channels[id])
}

func clone(p Participant) Participant {
	p.Sources = append([]string(nil), p.Sources...)
	return p
}

// sourcesOf collects a channel's sources from its stream map, its source
// list and the event-level map.
func sourcesOf(ch confbridge.Channel, extra []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	keys := make([]string, 0, len(ch.SourceStreams))
	for k := range ch.SourceStreams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(ch.SourceStreams[k])
	}
	for _, s := range ch.Sources {
		add(s)
	}
	for _, s := range extra {
		add(s)
	}
	return out
}

func isLeave(eventType string) bool {
	t := strings.ToLower(eventType)
	return t == "leave" || t == "confbridgeleave"
}

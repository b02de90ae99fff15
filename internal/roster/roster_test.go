package roster

import (
	"testing"

	"github.com/BioHazard786/huddle/internal/confbridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func channel(id, name string, sources ...string) confbridge.Channel {
	return confbridge.Channel{ID: confbridge.ChannelID(id), Name: name, Sources: sources}
}

func welcome(channels ...confbridge.Channel) confbridge.Event {
	return confbridge.Event{Type: "ConfbridgeWelcome", Channels: channels}
}

func TestLookupAfterWelcome(t *testing.T) {
	c := NewCorrelator()
	c.Apply(welcome(channel("1", "Bob", "src-bob"), channel("2", "Carol", "src-carol")))

	p, ok := c.Lookup("src-carol")
	require.True(t, ok)
	assert.Equal(t, "2", p.ChannelID)
	assert.Equal(t, "Carol", p.Name)

	_, ok = c.Lookup("src-unknown")
	assert.False(t, ok)
}

func TestLookupOrderIndependent(t *testing.T) {
	events := []confbridge.Event{
		welcome(channel("1", "Bob", "a")),
		{Type: "ConfbridgeJoin", Channels: []confbridge.Channel{channel("2", "Carol", "b")}},
	}

	early := NewCorrelator()
	_, ok := early.Lookup("b")
	assert.False(t, ok, "miss before roster")
	for _, ev := range events {
		early.Apply(ev)
	}

	late := NewCorrelator()
	for _, ev := range events {
		late.Apply(ev)
	}

	for _, src := range []string{"a", "b"} {
		pe, oke := early.Lookup(src)
		pl, okl := late.Lookup(src)
		require.True(t, oke)
		require.True(t, okl)
		assert.Equal(t, pl, pe)
	}
}

func TestAssignmentIsSticky(t *testing.T) {
	c := NewCorrelator()
	c.Apply(welcome(channel("1", "Bob", "shared")))
	p, ok := c.Lookup("shared")
	require.True(t, ok)
	assert.Equal(t, "1", p.ChannelID)

	// Another channel claiming the source later does not steal it.
	c.Apply(confbridge.Event{Type: "ConfbridgeJoin", Channels: []confbridge.Channel{channel("0", "Mallory", "shared")}})
	p, ok = c.Lookup("shared")
	require.True(t, ok)
	assert.Equal(t, "1", p.ChannelID)

	// Renames show through.
	c.Apply(confbridge.Event{Type: "ConfbridgeTalking", Channels: []confbridge.Channel{channel("1", "Robert", "shared")}})
	p, _ = c.Lookup("shared")
	assert.Equal(t, "Robert", p.Name)

	// Leaving keeps the assignment.
	c.Apply(confbridge.Event{Type: "ConfbridgeLeave", Channels: []confbridge.Channel{channel("1", "Robert")}})
	p, ok = c.Lookup("shared")
	require.True(t, ok)
	assert.Equal(t, "1", p.ChannelID)
	assert.False(t, p.Present)
}

func TestNonNumericChannelsNeverCorrelate(t *testing.T) {
	c := NewCorrelator()
	c.Apply(welcome(channel("PJSIP/bob-0001", "Bob", "src-bob"), channel("3", "Dave", "src-dave")))

	_, ok := c.Lookup("src-bob")
	assert.False(t, ok)

	participants := c.Participants()
	require.Len(t, participants, 2)
	assert.Equal(t, "Dave", participants[0].Name)
	assert.Equal(t, "Bob", participants[1].Name)
}

func TestSourcesFromEveryField(t *testing.T) {
	ch := confbridge.Channel{
		ID:            "4",
		Name:          "Eve",
		SourceStreams: map[string]string{"video": "v-eve", "audio": "a-eve"},
		Sources:       []string{"s-eve", "v-eve"},
	}
	c := NewCorrelator()
	c.Apply(confbridge.Event{
		Type:     "ConfbridgeWelcome",
		Channels: []confbridge.Channel{ch},
		Sources:  map[string][]string{"4": {"x-eve"}},
	})

	participants := c.Participants()
	require.Len(t, participants, 1)
	assert.Equal(t, []string{"a-eve", "v-eve", "s-eve", "x-eve"}, participants[0].Sources)

	for _, src := range []string{"a-eve", "v-eve", "s-eve", "x-eve"} {
		p, ok := c.Lookup(src)
		require.True(t, ok, src)
		assert.Equal(t, "4", p.ChannelID)
	}
}

func TestWelcomeReplacesRoster(t *testing.T) {
	c := NewCorrelator()
	c.Apply(welcome(channel("1", "Bob", "a"), channel("2", "Carol", "b")))
	c.Apply(welcome(channel("2", "Carol", "b")))

	participants := c.Participants()
	require.Len(t, participants, 1)
	assert.Equal(t, "Carol", participants[0].Name)

	_, ok := c.Lookup("a")
	assert.False(t, ok, "unresolved source of a dropped channel")
}
